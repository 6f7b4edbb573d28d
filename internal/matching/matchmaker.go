// Package matching pairs waiting participants into two-person rooms. There is
// no background match loop: every RequestMatch call is one attempt, and a
// "searching" answer asks the client to call again after the poll interval.
//
// No lock inside the process serializes requests. Safety across requests and
// across server instances comes from the store's claim records and from
// re-reading every room after it is written.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/skipon/matchmaker/internal/metrics"
	"github.com/skipon/matchmaker/internal/participant"
	"github.com/skipon/matchmaker/internal/store"
)

// DefaultPollInterval is the delay clients are told to wait between attempts.
const DefaultPollInterval = 2 * time.Second

// Status is the state of a participant as seen by the matchmaker.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSearching Status = "searching"
	StatusMatched   Status = "matched"
)

// Result is the outcome of RequestMatch or Status. Room fields are only set
// when Status is StatusMatched; RetryAfter only when it is StatusSearching.
type Result struct {
	Status         Status
	RoomID         string
	PartnerID      participant.ID
	PartnerIsGuest bool
	RetryAfter     time.Duration
}

// Config holds matchmaker settings.
type Config struct {
	PollInterval time.Duration
}

// Matchmaker implements the request/leave/status operations on top of a store.
type Matchmaker struct {
	store        store.Store
	notifier     Notifier
	pollInterval time.Duration

	now       func() time.Time
	newRoomID func() string
}

// New creates a matchmaker. notifier may be nil.
func New(st store.Store, notifier Notifier, cfg Config) *Matchmaker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Matchmaker{
		store:        st,
		notifier:     notifier,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
		newRoomID:    uuid.NewString,
	}
}

// PollInterval returns the retry delay handed out with searching results.
func (m *Matchmaker) PollInterval() time.Duration {
	return m.pollInterval
}

func (m *Matchmaker) searching() Result {
	return Result{Status: StatusSearching, RetryAfter: m.pollInterval}
}

func matched(roomID string, r *store.Room, self participant.ID) Result {
	partnerID, isGuest, _, _ := r.Partner(self)
	return Result{
		Status:         StatusMatched,
		RoomID:         roomID,
		PartnerID:      partnerID,
		PartnerIsGuest: isGuest,
	}
}

// RequestMatch makes one attempt at pairing id with a compatible waiting
// participant. The only errors returned are for missing identity or an
// invalid gender; backend failures and lost races yield a searching result.
func (m *Matchmaker) RequestMatch(ctx context.Context, id participant.ID, isGuest bool, gender participant.Gender) (Result, error) {
	if id == "" {
		return Result{}, participant.ErrMissingIdentity
	}
	if !gender.Valid() {
		return Result{}, fmt.Errorf("matching: request %s: %w", id, participant.ErrInvalidGender)
	}

	// Already matched?
	res, ok, err := m.currentRoom(ctx, id, "lookup")
	if err != nil {
		log.Printf("[matcher] room lookup %s: %v", id, err)
		return m.searching(), nil
	}
	if ok {
		m.dropStaleEntry(ctx, id)
		return res, nil
	}

	self := store.QueueEntry{
		ParticipantID: id,
		IsGuest:       isGuest,
		Gender:        gender,
		EnqueuedAt:    m.now(),
	}
	if err := m.store.Enqueue(ctx, self); err != nil {
		log.Printf("[matcher] enqueue %s: %v", id, err)
		return m.searching(), nil
	}
	if e, err := m.store.GetEntry(ctx, id); err == nil && e != nil {
		self = *e
	}
	if self.Gender != gender {
		// Re-polled with a different gender: move to the new bucket.
		log.Printf("[matcher] %s changed gender %s -> %s, re-queueing", id, self.Gender, gender)
		self = store.QueueEntry{ParticipantID: id, IsGuest: isGuest, Gender: gender, EnqueuedAt: m.now()}
		if err := m.store.Dequeue(ctx, id); err != nil {
			log.Printf("[matcher] dequeue %s: %v", id, err)
			return m.searching(), nil
		}
		if err := m.store.Enqueue(ctx, self); err != nil {
			log.Printf("[matcher] enqueue %s: %v", id, err)
			return m.searching(), nil
		}
	}

	// The bucket searched and the room written both follow self.Gender.
	candidates, err := m.store.ListCompatible(ctx, id, self.Gender)
	if err != nil {
		log.Printf("[matcher] list compatible for %s: %v", id, err)
		return m.searching(), nil
	}
	if len(candidates) == 0 {
		return m.searching(), nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
	})
	cand := candidates[0]

	release, ok := m.claimPair(ctx, cand.ParticipantID, id)
	if !ok {
		return m.searching(), nil
	}
	defer release()

	// Someone may have paired us between the lookup and the claim.
	res, ok, err = m.currentRoom(ctx, id, "lookup")
	if err != nil {
		log.Printf("[matcher] room re-check %s: %v", id, err)
		return m.searching(), nil
	}
	if ok {
		m.dropStaleEntry(ctx, id)
		return res, nil
	}

	if !m.available(ctx, cand.ParticipantID) {
		return m.searching(), nil
	}

	return m.pair(ctx, self, cand), nil
}

// claimPair claims the candidate and then the requester itself, so that no
// other request can pair either of them until release is called. Both claims
// are held or neither is.
func (m *Matchmaker) claimPair(ctx context.Context, candidate, self participant.ID) (release func(), ok bool) {
	got, err := m.store.Claim(ctx, candidate, self)
	if err != nil {
		log.Printf("[matcher] claim %s by %s: %v", candidate, self, err)
		return nil, false
	}
	if !got {
		metrics.ClaimsDenied.Inc()
		log.Printf("[matcher] claim on %s denied to %s", candidate, self)
		return nil, false
	}

	got, err = m.store.Claim(ctx, self, self)
	if err != nil || !got {
		if err != nil {
			log.Printf("[matcher] self-claim %s: %v", self, err)
		} else {
			metrics.ClaimsDenied.Inc()
			log.Printf("[matcher] %s is being claimed by another request", self)
		}
		m.release(ctx, candidate)
		return nil, false
	}

	return func() {
		m.release(ctx, candidate)
		m.release(ctx, self)
	}, true
}

func (m *Matchmaker) release(ctx context.Context, id participant.ID) {
	// The claim must go even when the request was cancelled.
	if err := m.store.Release(context.WithoutCancel(ctx), id); err != nil {
		log.Printf("[matcher] release claim on %s: %v", id, err)
	}
}

// available reports whether a claimed candidate is still waiting and not
// already in a room. A candidate found in a healthy room is removed from the
// queue, since its entry is a leftover.
func (m *Matchmaker) available(ctx context.Context, id participant.ID) bool {
	queued, err := m.store.IsQueued(ctx, id)
	if err != nil {
		log.Printf("[matcher] staleness check %s: %v", id, err)
		return false
	}
	if !queued {
		log.Printf("[matcher] candidate %s left the queue", id)
		return false
	}

	_, inRoom, err := m.currentRoom(ctx, id, "lookup")
	if err != nil {
		log.Printf("[matcher] staleness check %s: %v", id, err)
		return false
	}
	if inRoom {
		log.Printf("[matcher] candidate %s already matched, dropping queue entry", id)
		m.dropStaleEntry(ctx, id)
		return false
	}
	return true
}

// pair writes the room for self and cand and verifies it by reading it back.
func (m *Matchmaker) pair(ctx context.Context, self, cand store.QueueEntry) Result {
	if err := m.store.Dequeue(ctx, cand.ParticipantID); err != nil {
		log.Printf("[matcher] dequeue %s: %v", cand.ParticipantID, err)
		return m.searching()
	}
	if err := m.store.Dequeue(ctx, self.ParticipantID); err != nil {
		log.Printf("[matcher] dequeue %s: %v", self.ParticipantID, err)
		m.requeue(ctx, cand)
		return m.searching()
	}

	room := store.Room{
		ID:                  m.newRoomID(),
		ParticipantA:        self.ParticipantID,
		ParticipantB:        cand.ParticipantID,
		ParticipantAIsGuest: self.IsGuest,
		ParticipantBIsGuest: cand.IsGuest,
		ParticipantAGender:  self.Gender,
		ParticipantBGender:  cand.Gender,
		CreatedAt:           m.now(),
	}
	if err := m.store.CreateRoom(ctx, room); err != nil {
		log.Printf("[matcher] create room for %s and %s: %v", self.ParticipantID, cand.ParticipantID, err)
		m.abandon(ctx, room.ID, self, cand)
		return m.searching()
	}

	verified, err := m.verify(ctx, room)
	if err != nil || !verified {
		if err != nil {
			log.Printf("[matcher] verify room %s: %v", room.ID, err)
		} else {
			metrics.RoomsHealed.WithLabelValues("verify").Inc()
			log.Printf("[matcher] room %s failed verification, discarding", room.ID)
		}
		m.abandon(ctx, room.ID, self, cand)
		return m.searching()
	}

	metrics.RoomsCreated.Inc()
	metrics.MatchDuration.Observe(room.CreatedAt.Sub(cand.EnqueuedAt).Seconds())
	log.Printf("[matcher] room %s created: %s (%s) + %s (%s)",
		room.ID, self.ParticipantID, self.Gender, cand.ParticipantID, cand.Gender)
	m.notifier.MatchFound(room)

	return matched(room.ID, &room, self.ParticipantID)
}

// verify re-reads the room and both index entries.
func (m *Matchmaker) verify(ctx context.Context, want store.Room) (bool, error) {
	got, err := m.store.GetRoom(ctx, want.ID)
	if errors.Is(err, store.ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !got.WellFormed() || !got.Has(want.ParticipantA) || !got.Has(want.ParticipantB) {
		return false, nil
	}
	for _, id := range []participant.ID{want.ParticipantA, want.ParticipantB} {
		roomID, err := m.store.GetParticipantRoom(ctx, id)
		if err != nil {
			return false, err
		}
		if roomID != want.ID {
			return false, nil
		}
	}
	return true, nil
}

// abandon deletes a room that could not be confirmed and puts both
// participants back in the queue, unless one of them has since been placed
// in another room.
func (m *Matchmaker) abandon(ctx context.Context, roomID string, entries ...store.QueueEntry) {
	ctx = context.WithoutCancel(ctx)
	if err := m.store.DeleteRoom(ctx, roomID); err != nil {
		log.Printf("[matcher] delete room %s: %v", roomID, err)
	}
	for _, e := range entries {
		other, err := m.store.GetParticipantRoom(ctx, e.ParticipantID)
		if err != nil {
			log.Printf("[matcher] requeue %s: %v", e.ParticipantID, err)
			continue
		}
		if other != "" && other != roomID {
			continue
		}
		m.requeue(ctx, e)
	}
}

func (m *Matchmaker) requeue(ctx context.Context, e store.QueueEntry) {
	if err := m.store.Enqueue(ctx, e); err != nil {
		log.Printf("[matcher] requeue %s: %v", e.ParticipantID, err)
	}
}

// dropStaleEntry removes a queue entry left behind by a participant that is
// already in a room.
func (m *Matchmaker) dropStaleEntry(ctx context.Context, id participant.ID) {
	if err := m.store.Dequeue(ctx, id); err != nil {
		log.Printf("[matcher] dequeue matched %s: %v", id, err)
	}
}

// currentRoom resolves id's room through the index. A dangling index entry
// counts as no room. A malformed room is deleted and counts as no room.
func (m *Matchmaker) currentRoom(ctx context.Context, id participant.ID, stage string) (Result, bool, error) {
	roomID, err := m.store.GetParticipantRoom(ctx, id)
	if err != nil {
		return Result{}, false, err
	}
	if roomID == "" {
		return Result{}, false, nil
	}

	r, err := m.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrRoomNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}

	if !r.WellFormed() {
		metrics.RoomsHealed.WithLabelValues(stage).Inc()
		log.Printf("[matcher] malformed room %s (a=%q b=%q), deleting", roomID, r.ParticipantA, r.ParticipantB)
		if err := m.store.DeleteRoom(ctx, roomID); err != nil {
			log.Printf("[matcher] delete malformed room %s: %v", roomID, err)
		}
		return Result{}, false, nil
	}
	if !r.Has(id) {
		return Result{}, false, nil
	}
	return matched(roomID, r, id), true, nil
}

// Leave removes id from the queue and dissolves its room, if any. The partner
// learns about it on their next Status or RequestMatch. Leaving is idempotent
// and only fails for a missing identity.
func (m *Matchmaker) Leave(ctx context.Context, id participant.ID) error {
	if id == "" {
		return participant.ErrMissingIdentity
	}

	if err := m.store.Dequeue(ctx, id); err != nil {
		log.Printf("[matcher] leave: dequeue %s: %v", id, err)
	}

	roomID, err := m.store.GetParticipantRoom(ctx, id)
	if err != nil {
		log.Printf("[matcher] leave: room lookup %s: %v", id, err)
		return nil
	}
	if roomID == "" {
		return nil
	}

	r, err := m.store.GetRoom(ctx, roomID)
	if err != nil && !errors.Is(err, store.ErrRoomNotFound) {
		log.Printf("[matcher] leave: read room %s: %v", roomID, err)
	}
	if err := m.store.DeleteRoom(ctx, roomID); err != nil {
		log.Printf("[matcher] leave: delete room %s: %v", roomID, err)
		return nil
	}

	log.Printf("[matcher] %s left room %s", id, roomID)
	if r != nil {
		if partnerID, _, _, ok := r.Partner(id); ok && partnerID != "" {
			m.notifier.MatchEnded(roomID, id, partnerID)
		}
	}
	return nil
}

// Status reports whether id is idle, searching or matched. A malformed room
// found on the way is deleted and not reported.
func (m *Matchmaker) Status(ctx context.Context, id participant.ID) (Result, error) {
	if id == "" {
		return Result{}, participant.ErrMissingIdentity
	}

	res, ok, err := m.currentRoom(ctx, id, "status")
	if err != nil {
		log.Printf("[matcher] status: room lookup %s: %v", id, err)
	}
	if ok {
		return res, nil
	}

	queued, err := m.store.IsQueued(ctx, id)
	if err != nil {
		log.Printf("[matcher] status: queue lookup %s: %v", id, err)
		return Result{Status: StatusIdle}, nil
	}
	if queued {
		return m.searching(), nil
	}
	return Result{Status: StatusIdle}, nil
}

// Room returns the room with the given id.
func (m *Matchmaker) Room(ctx context.Context, roomID string) (*store.Room, error) {
	r, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("matching: room %s: %w", roomID, err)
	}
	return r, nil
}
