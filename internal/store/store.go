// Package store defines the shared-state contract of the matchmaker: the
// waiting queue, the claim records that serialize concurrent match attempts,
// and the rooms formed from matched pairs. Implementations live in the redis
// and mem subpackages; failover combines the two.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/skipon/matchmaker/internal/participant"
)

// Default lifetimes applied by implementations when a Config leaves them zero.
const (
	DefaultQueueTTL = 1 * time.Hour
	DefaultRoomTTL  = 1 * time.Hour
	DefaultClaimTTL = 5 * time.Second
)

// ErrRoomNotFound indicates that the requested room does not exist.
var ErrRoomNotFound = errors.New("store: room not found")

// QueueEntry is a participant waiting in a gender bucket.
type QueueEntry struct {
	ParticipantID participant.ID
	IsGuest       bool
	Gender        participant.Gender
	EnqueuedAt    time.Time
}

// Room is a formed pair. Both slots are always written together; a room with
// an empty slot or with the same participant in both slots is corrupt.
type Room struct {
	ID                  string
	ParticipantA        participant.ID
	ParticipantB        participant.ID
	ParticipantAIsGuest bool
	ParticipantBIsGuest bool
	ParticipantAGender  participant.Gender
	ParticipantBGender  participant.Gender
	CreatedAt           time.Time
}

// WellFormed reports whether both slots are populated with distinct ids.
func (r *Room) WellFormed() bool {
	return r != nil && r.ParticipantA != "" && r.ParticipantB != "" && r.ParticipantA != r.ParticipantB
}

// Has reports whether id occupies one of the room's slots.
func (r *Room) Has(id participant.ID) bool {
	return id != "" && (r.ParticipantA == id || r.ParticipantB == id)
}

// Partner returns the id, guest flag and gender of the occupant opposite id.
// ok is false when id is not in the room.
func (r *Room) Partner(id participant.ID) (partnerID participant.ID, isGuest bool, gender participant.Gender, ok bool) {
	switch id {
	case r.ParticipantA:
		return r.ParticipantB, r.ParticipantBIsGuest, r.ParticipantBGender, true
	case r.ParticipantB:
		return r.ParticipantA, r.ParticipantAIsGuest, r.ParticipantAGender, true
	}
	return "", false, "", false
}

// Queue holds waiting participants keyed by gender bucket.
type Queue interface {
	// Enqueue adds the entry unless the participant is already waiting, in
	// which case the existing entry (and its timestamp) is kept.
	Enqueue(ctx context.Context, e QueueEntry) error
	// Dequeue removes the participant. Removing an absent participant is not an error.
	Dequeue(ctx context.Context, id participant.ID) error
	QueueLength(ctx context.Context) (int64, error)
	// ListCompatible returns the oldest live entry of every bucket compatible
	// with gender, excluding id. Each bucket contributes at most one entry.
	ListCompatible(ctx context.Context, id participant.ID, gender participant.Gender) ([]QueueEntry, error)
	IsQueued(ctx context.Context, id participant.ID) (bool, error)
	// GetEntry returns nil when the participant is not waiting.
	GetEntry(ctx context.Context, id participant.ID) (*QueueEntry, error)
	// Prune drops bucket members whose entries have expired and returns how
	// many were removed.
	Prune(ctx context.Context) (int, error)
}

// Claims is the mutual-exclusion primitive over candidate participants.
type Claims interface {
	// Claim atomically records claimant as holding candidate, succeeding only
	// when no live claim exists for candidate.
	Claim(ctx context.Context, candidate, claimant participant.ID) (bool, error)
	// Release deletes the claim on candidate unconditionally.
	Release(ctx context.Context, candidate participant.ID) error
}

// Rooms holds formed pairs and the participant -> room index.
type Rooms interface {
	CreateRoom(ctx context.Context, r Room) error
	// GetRoom returns ErrRoomNotFound when the room does not exist.
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	// GetParticipantRoom returns "" when the participant has no room.
	GetParticipantRoom(ctx context.Context, id participant.ID) (string, error)
	// DeleteRoom removes the room and every index entry still pointing at it.
	DeleteRoom(ctx context.Context, roomID string) error
}

// Store is the complete backend used by the matchmaker.
type Store interface {
	Queue
	Claims
	Rooms

	// Name identifies the backend in logs and health output.
	Name() string
	Close() error
}
