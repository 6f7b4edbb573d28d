// Package mem implements the matchmaker store in process memory. It keeps the
// same contract as the Redis store but is only correct for a single server
// instance.
package mem

import (
	"context"
	"sync"
	"time"

	"github.com/skipon/matchmaker/internal/participant"
	"github.com/skipon/matchmaker/internal/store"
)

// Config holds the lifetimes of the in-memory store.
type Config struct {
	QueueTTL      time.Duration
	RoomTTL       time.Duration
	ClaimTTL      time.Duration
	SweepInterval time.Duration
}

type entry struct {
	store.QueueEntry
	expire time.Time
}

type room struct {
	store.Room
	expire time.Time
}

type claim struct {
	claimant participant.ID
	expire   time.Time
}

type index struct {
	roomID string
	expire time.Time
}

// InMemory is the in-process implementation of store.Store.
type InMemory struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[participant.ID]*entry
	claims  map[participant.ID]claim
	rooms   map[string]*room
	index   map[participant.ID]index

	stop chan struct{}
	once sync.Once
}

// New returns an in-memory store and starts its expiry sweeper.
func New(cfg Config) *InMemory {
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = store.DefaultQueueTTL
	}
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = store.DefaultRoomTTL
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = store.DefaultClaimTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	m := &InMemory{
		cfg:     cfg,
		now:     time.Now,
		entries: map[participant.ID]*entry{},
		claims:  map[participant.ID]claim{},
		rooms:   map[string]*room{},
		index:   map[participant.ID]index{},
		stop:    make(chan struct{}),
	}
	go m.watch()
	return m
}

// Name implements store.Store.
func (m *InMemory) Name() string { return "memory" }

// Close stops the sweeper.
func (m *InMemory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

// watch the store to clean it up.
func (m *InMemory) watch() {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

// sweep removes expired items.
func (m *InMemory) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, e := range m.entries {
		if !e.expire.After(now) {
			delete(m.entries, id)
			removed++
		}
	}
	for id, c := range m.claims {
		if !c.expire.After(now) {
			delete(m.claims, id)
		}
	}
	for id, r := range m.rooms {
		if !r.expire.After(now) {
			delete(m.rooms, id)
		}
	}
	for id, ix := range m.index {
		if !ix.expire.After(now) {
			delete(m.index, id)
		}
	}
	return removed
}

// liveEntry returns the entry for id if it has not expired. Callers hold mu.
func (m *InMemory) liveEntry(id participant.ID) *entry {
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	if !e.expire.After(m.now()) {
		delete(m.entries, id)
		return nil
	}
	return e
}

// Enqueue implements store.Queue.
func (m *InMemory) Enqueue(_ context.Context, e store.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.liveEntry(e.ParticipantID) != nil {
		return nil
	}
	m.entries[e.ParticipantID] = &entry{QueueEntry: e, expire: m.now().Add(m.cfg.QueueTTL)}
	return nil
}

// Dequeue implements store.Queue.
func (m *InMemory) Dequeue(_ context.Context, id participant.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, id)
	return nil
}

// QueueLength implements store.Queue.
func (m *InMemory) QueueLength(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for _, e := range m.entries {
		if e.expire.After(now) {
			n++
		}
	}
	return n, nil
}

// ListCompatible implements store.Queue.
func (m *InMemory) ListCompatible(_ context.Context, id participant.ID, gender participant.Gender) ([]store.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []store.QueueEntry
	for _, g := range participant.CompatibleGenders(gender) {
		var oldest *entry
		for pid, e := range m.entries {
			if pid == id || e.Gender != g || !e.expire.After(now) {
				continue
			}
			if oldest == nil || older(e, oldest) {
				oldest = e
			}
		}
		if oldest != nil {
			out = append(out, oldest.QueueEntry)
		}
	}
	return out, nil
}

// older orders by enqueue time, breaking ties by id so that the result does
// not depend on map iteration order.
func older(a, b *entry) bool {
	if a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.ParticipantID < b.ParticipantID
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// IsQueued implements store.Queue.
func (m *InMemory) IsQueued(_ context.Context, id participant.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.liveEntry(id) != nil, nil
}

// GetEntry implements store.Queue.
func (m *InMemory) GetEntry(_ context.Context, id participant.ID) (*store.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.liveEntry(id)
	if e == nil {
		return nil, nil
	}
	out := e.QueueEntry
	return &out, nil
}

// Prune implements store.Queue.
func (m *InMemory) Prune(_ context.Context) (int, error) {
	return m.sweep(), nil
}

// Claim implements store.Claims.
func (m *InMemory) Claim(_ context.Context, candidate, claimant participant.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if c, ok := m.claims[candidate]; ok && c.expire.After(now) {
		return false, nil
	}
	m.claims[candidate] = claim{claimant: claimant, expire: now.Add(m.cfg.ClaimTTL)}
	return true, nil
}

// Release implements store.Claims.
func (m *InMemory) Release(_ context.Context, candidate participant.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.claims, candidate)
	return nil
}

// CreateRoom implements store.Rooms.
func (m *InMemory) CreateRoom(_ context.Context, r store.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expire := m.now().Add(m.cfg.RoomTTL)
	m.rooms[r.ID] = &room{Room: r, expire: expire}
	if r.ParticipantA != "" {
		m.index[r.ParticipantA] = index{roomID: r.ID, expire: expire}
	}
	if r.ParticipantB != "" {
		m.index[r.ParticipantB] = index{roomID: r.ID, expire: expire}
	}
	return nil
}

// GetRoom implements store.Rooms.
func (m *InMemory) GetRoom(_ context.Context, roomID string) (*store.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok || !r.expire.After(m.now()) {
		return nil, store.ErrRoomNotFound
	}
	out := r.Room
	return &out, nil
}

// GetParticipantRoom implements store.Rooms.
func (m *InMemory) GetParticipantRoom(_ context.Context, id participant.ID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ix, ok := m.index[id]
	if !ok || !ix.expire.After(m.now()) {
		return "", nil
	}
	return ix.roomID, nil
}

// DeleteRoom implements store.Rooms.
func (m *InMemory) DeleteRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	for _, id := range []participant.ID{r.ParticipantA, r.ParticipantB} {
		if ix, ok := m.index[id]; ok && ix.roomID == roomID {
			delete(m.index, id)
		}
	}
	delete(m.rooms, roomID)
	return nil
}
