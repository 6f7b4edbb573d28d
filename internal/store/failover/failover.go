// Package failover wraps a remote store with an in-process fallback. The
// first error returned by the remote store switches every subsequent call to
// the fallback for the lifetime of the process; there is no promotion back,
// which keeps a flapping Redis from splitting state between the two.
package failover

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/skipon/matchmaker/internal/participant"
	"github.com/skipon/matchmaker/internal/store"
)

// Store routes calls to the primary store until it fails once, then to the
// secondary store.
type Store struct {
	primary   store.Store
	secondary store.Store

	degraded  atomic.Bool
	once      sync.Once
	onDegrade func(err error)
}

// New returns a failover store. primary may be nil, in which case the store
// starts degraded (used when Redis is unreachable at startup).
func New(primary, secondary store.Store) *Store {
	s := &Store{primary: primary, secondary: secondary}
	if primary == nil {
		s.degraded.Store(true)
	}
	return s
}

// OnDegrade registers a callback run once, when the switch to the fallback
// happens. It must be set before the store is shared.
func (s *Store) OnDegrade(fn func(err error)) {
	s.onDegrade = fn
}

// Degraded reports whether calls are being served by the fallback.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Name reports the backend currently serving calls.
func (s *Store) Name() string {
	return s.active().Name()
}

// Close closes both stores.
func (s *Store) Close() error {
	var errs []error
	if s.primary != nil {
		errs = append(errs, s.primary.Close())
	}
	errs = append(errs, s.secondary.Close())
	return errors.Join(errs...)
}

func (s *Store) active() store.Store {
	if s.degraded.Load() {
		return s.secondary
	}
	return s.primary
}

// outage reports whether err signals an unreachable backend rather than an
// ordinary answer or a cancelled request.
func outage(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, store.ErrRoomNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (s *Store) degrade(err error) {
	s.once.Do(func() {
		s.degraded.Store(true)
		log.Printf("[store] %s unavailable, switching to %s store (single-process only): %v",
			s.primary.Name(), s.secondary.Name(), err)
		if s.onDegrade != nil {
			s.onDegrade(err)
		}
	})
}

// do runs fn on the active store and, when the primary fails, degrades and
// retries once on the fallback.
func (s *Store) do(fn func(st store.Store) error) error {
	st := s.active()
	err := fn(st)
	if st == s.primary && outage(err) {
		s.degrade(err)
		return fn(s.secondary)
	}
	return err
}

// Enqueue implements store.Queue.
func (s *Store) Enqueue(ctx context.Context, e store.QueueEntry) error {
	return s.do(func(st store.Store) error { return st.Enqueue(ctx, e) })
}

// Dequeue implements store.Queue.
func (s *Store) Dequeue(ctx context.Context, id participant.ID) error {
	return s.do(func(st store.Store) error { return st.Dequeue(ctx, id) })
}

// QueueLength implements store.Queue.
func (s *Store) QueueLength(ctx context.Context) (n int64, err error) {
	err = s.do(func(st store.Store) error {
		n, err = st.QueueLength(ctx)
		return err
	})
	return n, err
}

// ListCompatible implements store.Queue.
func (s *Store) ListCompatible(ctx context.Context, id participant.ID, gender participant.Gender) (out []store.QueueEntry, err error) {
	err = s.do(func(st store.Store) error {
		out, err = st.ListCompatible(ctx, id, gender)
		return err
	})
	return out, err
}

// IsQueued implements store.Queue.
func (s *Store) IsQueued(ctx context.Context, id participant.ID) (ok bool, err error) {
	err = s.do(func(st store.Store) error {
		ok, err = st.IsQueued(ctx, id)
		return err
	})
	return ok, err
}

// GetEntry implements store.Queue.
func (s *Store) GetEntry(ctx context.Context, id participant.ID) (e *store.QueueEntry, err error) {
	err = s.do(func(st store.Store) error {
		e, err = st.GetEntry(ctx, id)
		return err
	})
	return e, err
}

// Prune implements store.Queue.
func (s *Store) Prune(ctx context.Context) (n int, err error) {
	err = s.do(func(st store.Store) error {
		n, err = st.Prune(ctx)
		return err
	})
	return n, err
}

// Claim implements store.Claims.
func (s *Store) Claim(ctx context.Context, candidate, claimant participant.ID) (ok bool, err error) {
	err = s.do(func(st store.Store) error {
		ok, err = st.Claim(ctx, candidate, claimant)
		return err
	})
	return ok, err
}

// Release implements store.Claims.
func (s *Store) Release(ctx context.Context, candidate participant.ID) error {
	return s.do(func(st store.Store) error { return st.Release(ctx, candidate) })
}

// CreateRoom implements store.Rooms.
func (s *Store) CreateRoom(ctx context.Context, r store.Room) error {
	return s.do(func(st store.Store) error { return st.CreateRoom(ctx, r) })
}

// GetRoom implements store.Rooms.
func (s *Store) GetRoom(ctx context.Context, roomID string) (r *store.Room, err error) {
	err = s.do(func(st store.Store) error {
		r, err = st.GetRoom(ctx, roomID)
		return err
	})
	return r, err
}

// GetParticipantRoom implements store.Rooms.
func (s *Store) GetParticipantRoom(ctx context.Context, id participant.ID) (roomID string, err error) {
	err = s.do(func(st store.Store) error {
		roomID, err = st.GetParticipantRoom(ctx, id)
		return err
	})
	return roomID, err
}

// DeleteRoom implements store.Rooms.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	return s.do(func(st store.Store) error { return st.DeleteRoom(ctx, roomID) })
}
