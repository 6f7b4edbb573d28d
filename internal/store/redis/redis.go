// Package redis implements the matchmaker store on Redis so that several
// server instances can share one queue.
//
// Key layout (relative to Config.Prefix):
//
//	queue:<gender>   sorted set, member = participant id, score = enqueue time (ms)
//	entry:<id>       hash {gender, is_guest, enqueued_at}, TTL = QueueTTL
//	claim:<id>       string claimant id, TTL = ClaimTTL
//	room:<room_id>   hash of the room record, TTL = RoomTTL
//	room_of:<id>     string room id, TTL = RoomTTL
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skipon/matchmaker/internal/participant"
	"github.com/skipon/matchmaker/internal/store"
)

// listPageSize bounds how many bucket members are inspected per round trip
// while looking for the oldest live entry.
const listPageSize = 16

// Config holds the key prefix and lifetimes of the Redis store.
type Config struct {
	Prefix   string        `koanf:"prefix"`
	QueueTTL time.Duration `koanf:"queue_ttl"`
	RoomTTL  time.Duration `koanf:"room_ttl"`
	ClaimTTL time.Duration `koanf:"claim_ttl"`
}

// Store is the Redis implementation of store.Store.
type Store struct {
	rdb           *redis.Client
	cfg           Config
	enqueueScript *redis.Script
	deleteScript  *redis.Script
}

// New returns a Store using rdb. The Store takes ownership of the client
// and closes it on Close.
func New(rdb *redis.Client, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "skipon:"
	}
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = store.DefaultQueueTTL
	}
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = store.DefaultRoomTTL
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = store.DefaultClaimTTL
	}
	return &Store{
		rdb:           rdb,
		cfg:           cfg,
		enqueueScript: redis.NewScript(enqueueLua),
		deleteScript:  redis.NewScript(deleteRoomLua),
	}
}

// Name implements store.Store.
func (s *Store) Name() string { return "redis" }

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Client returns the underlying Redis client for packages that share the
// connection (rate limiting, bans).
func (s *Store) Client() *redis.Client {
	return s.rdb
}

func (s *Store) bucketKey(g participant.Gender) string { return s.cfg.Prefix + "queue:" + string(g) }
func (s *Store) entryKey(id participant.ID) string     { return s.cfg.Prefix + "entry:" + string(id) }
func (s *Store) claimKey(id participant.ID) string     { return s.cfg.Prefix + "claim:" + string(id) }
func (s *Store) roomKey(roomID string) string          { return s.cfg.Prefix + "room:" + roomID }
func (s *Store) indexPrefix() string                   { return s.cfg.Prefix + "room_of:" }
func (s *Store) indexKey(id participant.ID) string     { return s.indexPrefix() + string(id) }

// ---------------------------------------------------------------------------
// Queue
// ---------------------------------------------------------------------------

// Enqueue implements store.Queue. The existence check and the writes run in
// one script so that two concurrent polls cannot both insert.
func (s *Store) Enqueue(ctx context.Context, e store.QueueEntry) error {
	keys := []string{s.entryKey(e.ParticipantID), s.bucketKey(e.Gender)}
	err := s.enqueueScript.Run(ctx, s.rdb, keys,
		string(e.ParticipantID),
		string(e.Gender),
		boolString(e.IsGuest),
		e.EnqueuedAt.UnixMilli(),
		s.cfg.QueueTTL.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: enqueue %s: %w", e.ParticipantID, err)
	}
	return nil
}

// Dequeue implements store.Queue. The participant is removed from every
// bucket so that a stale member left behind by a gender change cannot linger.
func (s *Store) Dequeue(ctx context.Context, id participant.ID) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, g := range participant.Genders {
			pipe.ZRem(ctx, s.bucketKey(g), string(id))
		}
		pipe.Del(ctx, s.entryKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: dequeue %s: %w", id, err)
	}
	return nil
}

// QueueLength implements store.Queue.
func (s *Store) QueueLength(ctx context.Context) (int64, error) {
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(participant.Genders))
	for _, g := range participant.Genders {
		cmds = append(cmds, pipe.ZCard(ctx, s.bucketKey(g)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: queue length: %w", err)
	}

	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// ListCompatible implements store.Queue. Bucket members whose entry hash has
// expired are removed on the way.
func (s *Store) ListCompatible(ctx context.Context, id participant.ID, gender participant.Gender) ([]store.QueueEntry, error) {
	var out []store.QueueEntry
	for _, g := range participant.CompatibleGenders(gender) {
		e, err := s.oldestLive(ctx, g, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *Store) oldestLive(ctx context.Context, g participant.Gender, exclude participant.ID) (*store.QueueEntry, error) {
	bucket := s.bucketKey(g)
	var start int64
	for {
		members, err := s.rdb.ZRange(ctx, bucket, start, start+listPageSize-1).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: list %s: %w", g, err)
		}
		if len(members) == 0 {
			return nil, nil
		}

		removed := 0
		for _, m := range members {
			if participant.ID(m) == exclude {
				continue
			}
			e, err := s.GetEntry(ctx, participant.ID(m))
			if err != nil {
				return nil, err
			}
			if e == nil {
				// Entry expired; drop the dangling bucket member.
				if err := s.rdb.ZRem(ctx, bucket, m).Err(); err != nil {
					return nil, fmt.Errorf("redis: prune %s: %w", m, err)
				}
				removed++
				continue
			}
			return e, nil
		}

		if len(members) < listPageSize {
			return nil, nil
		}
		start += int64(len(members) - removed)
	}
}

// IsQueued implements store.Queue.
func (s *Store) IsQueued(ctx context.Context, id participant.ID) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.entryKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: is queued %s: %w", id, err)
	}
	return n > 0, nil
}

// GetEntry implements store.Queue.
func (s *Store) GetEntry(ctx context.Context, id participant.ID) (*store.QueueEntry, error) {
	res, err := s.rdb.HGetAll(ctx, s.entryKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get entry %s: %w", id, err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	ms, _ := strconv.ParseInt(res["enqueued_at"], 10, 64)
	return &store.QueueEntry{
		ParticipantID: id,
		IsGuest:       parseBool(res["is_guest"]),
		Gender:        participant.Gender(res["gender"]),
		EnqueuedAt:    time.UnixMilli(ms),
	}, nil
}

// Prune implements store.Queue.
func (s *Store) Prune(ctx context.Context) (int, error) {
	removed := 0
	for _, g := range participant.Genders {
		bucket := s.bucketKey(g)
		members, err := s.rdb.ZRange(ctx, bucket, 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("redis: prune %s: %w", g, err)
		}
		if len(members) == 0 {
			continue
		}

		pipe := s.rdb.Pipeline()
		exists := make([]*redis.IntCmd, len(members))
		for i, m := range members {
			exists[i] = pipe.Exists(ctx, s.entryKey(participant.ID(m)))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("redis: prune %s: %w", g, err)
		}

		var dead []interface{}
		for i, c := range exists {
			if c.Val() == 0 {
				dead = append(dead, members[i])
			}
		}
		if len(dead) == 0 {
			continue
		}
		n, err := s.rdb.ZRem(ctx, bucket, dead...).Result()
		if err != nil {
			return removed, fmt.Errorf("redis: prune %s: %w", g, err)
		}
		removed += int(n)
	}
	return removed, nil
}

// ---------------------------------------------------------------------------
// Claims
// ---------------------------------------------------------------------------

// Claim implements store.Claims with SET NX PX.
func (s *Store) Claim(ctx context.Context, candidate, claimant participant.ID) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.claimKey(candidate), string(claimant), s.cfg.ClaimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim %s: %w", candidate, err)
	}
	return ok, nil
}

// Release implements store.Claims.
func (s *Store) Release(ctx context.Context, candidate participant.ID) error {
	if err := s.rdb.Del(ctx, s.claimKey(candidate)).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", candidate, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// CreateRoom implements store.Rooms. The record and both index entries are
// written in one MULTI/EXEC block.
func (s *Store) CreateRoom(ctx context.Context, r store.Room) error {
	key := s.roomKey(r.ID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"participant_a":          string(r.ParticipantA),
			"participant_b":          string(r.ParticipantB),
			"participant_a_is_guest": boolString(r.ParticipantAIsGuest),
			"participant_b_is_guest": boolString(r.ParticipantBIsGuest),
			"participant_a_gender":   string(r.ParticipantAGender),
			"participant_b_gender":   string(r.ParticipantBGender),
			"created_at":             r.CreatedAt.UnixMilli(),
		})
		pipe.PExpire(ctx, key, s.cfg.RoomTTL)
		for _, id := range []participant.ID{r.ParticipantA, r.ParticipantB} {
			if id != "" {
				pipe.Set(ctx, s.indexKey(id), r.ID, s.cfg.RoomTTL)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: create room %s: %w", r.ID, err)
	}
	return nil
}

// GetRoom implements store.Rooms.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	res, err := s.rdb.HGetAll(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get room %s: %w", roomID, err)
	}
	if len(res) == 0 {
		return nil, store.ErrRoomNotFound
	}

	ms, _ := strconv.ParseInt(res["created_at"], 10, 64)
	return &store.Room{
		ID:                  roomID,
		ParticipantA:        participant.ID(res["participant_a"]),
		ParticipantB:        participant.ID(res["participant_b"]),
		ParticipantAIsGuest: parseBool(res["participant_a_is_guest"]),
		ParticipantBIsGuest: parseBool(res["participant_b_is_guest"]),
		ParticipantAGender:  participant.Gender(res["participant_a_gender"]),
		ParticipantBGender:  participant.Gender(res["participant_b_gender"]),
		CreatedAt:           time.UnixMilli(ms),
	}, nil
}

// GetParticipantRoom implements store.Rooms.
func (s *Store) GetParticipantRoom(ctx context.Context, id participant.ID) (string, error) {
	roomID, err := s.rdb.Get(ctx, s.indexKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis: get participant room %s: %w", id, err)
	}
	return roomID, nil
}

// DeleteRoom implements store.Rooms. Index entries are only removed while
// they still point at roomID, so deleting a stale room never detaches a
// participant from a newer one.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	err := s.deleteScript.Run(ctx, s.rdb, []string{s.roomKey(roomID)}, s.indexPrefix(), roomID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: delete room %s: %w", roomID, err)
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// enqueueLua inserts a queue entry only if none exists.
//
//	KEYS[1] entry hash, KEYS[2] bucket sorted set
//	ARGV    id, gender, is_guest, enqueued_at (ms), ttl (ms)
const enqueueLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'gender', ARGV[2], 'is_guest', ARGV[3], 'enqueued_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`

// deleteRoomLua removes a room hash and the index entries that reference it.
//
//	KEYS[1] room hash
//	ARGV    index key prefix, room id
const deleteRoomLua = `
local a = redis.call('HGET', KEYS[1], 'participant_a')
local b = redis.call('HGET', KEYS[1], 'participant_b')
for _, p in ipairs({a, b}) do
    if p and p ~= '' then
        local idx = ARGV[1] .. p
        if redis.call('GET', idx) == ARGV[2] then
            redis.call('DEL', idx)
        end
    end
end
redis.call('DEL', KEYS[1])
return 1
`
