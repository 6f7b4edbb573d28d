package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skipon/matchmaker/internal/participant"
	"github.com/skipon/matchmaker/internal/store"
)

// setupTestStore creates a Store connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)

	s := New(rdb, Config{Prefix: "test:", ClaimTTL: time.Second})
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		s.Close()
	})
	return s, ctx
}

func enqueueTestEntry(t *testing.T, s *Store, ctx context.Context, id participant.ID, g participant.Gender, at time.Time) {
	t.Helper()
	err := s.Enqueue(ctx, store.QueueEntry{ParticipantID: id, Gender: g, IsGuest: true, EnqueuedAt: at})
	if err != nil {
		t.Fatalf("failed to enqueue %s: %v", id, err)
	}
}

func TestEnqueue_IdempotentKeepsTimestamp(t *testing.T) {
	s, ctx := setupTestStore(t)

	first := time.UnixMilli(1_700_000_000_000)
	enqueueTestEntry(t, s, ctx, "alice", participant.Female, first)
	enqueueTestEntry(t, s, ctx, "alice", participant.Female, first.Add(time.Minute))

	n, err := s.QueueLength(ctx)
	if err != nil {
		t.Fatalf("QueueLength: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry, got %d", n)
	}

	e, err := s.GetEntry(ctx, "alice")
	if err != nil || e == nil {
		t.Fatalf("GetEntry: %+v, %v", e, err)
	}
	if !e.EnqueuedAt.Equal(first) {
		t.Errorf("expected %v, got %v", first, e.EnqueuedAt)
	}
	if e.Gender != participant.Female || !e.IsGuest {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestEnqueue_ConcurrentSingleEntry(t *testing.T) {
	s, ctx := setupTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Enqueue(ctx, store.QueueEntry{
				ParticipantID: "bob",
				Gender:        participant.Male,
				EnqueuedAt:    time.UnixMilli(int64(1_700_000_000_000 + i)),
			})
		}(i)
	}
	wg.Wait()

	if n, _ := s.QueueLength(ctx); n != 1 {
		t.Errorf("expected 1 entry, got %d", n)
	}
}

func TestDequeue(t *testing.T) {
	s, ctx := setupTestStore(t)

	enqueueTestEntry(t, s, ctx, "alice", participant.Female, time.Now())
	if err := s.Dequeue(ctx, "alice"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := s.Dequeue(ctx, "alice"); err != nil {
		t.Fatalf("second Dequeue: %v", err)
	}

	if queued, _ := s.IsQueued(ctx, "alice"); queued {
		t.Error("expected alice to be dequeued")
	}
	if n, _ := s.QueueLength(ctx); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestListCompatible_OldestPerBucket(t *testing.T) {
	s, ctx := setupTestStore(t)

	base := time.UnixMilli(1_700_000_000_000)
	enqueueTestEntry(t, s, ctx, "f-late", participant.Female, base.Add(2*time.Second))
	enqueueTestEntry(t, s, ctx, "f-early", participant.Female, base)
	enqueueTestEntry(t, s, ctx, "m1", participant.Male, base)
	enqueueTestEntry(t, s, ctx, "o1", participant.Other, base)

	got, err := s.ListCompatible(ctx, "bob", participant.Male)
	if err != nil {
		t.Fatalf("ListCompatible: %v", err)
	}
	if len(got) != 1 || got[0].ParticipantID != "f-early" {
		t.Errorf("expected [f-early], got %+v", got)
	}

	got, _ = s.ListCompatible(ctx, "o1", participant.Other)
	if len(got) != 0 {
		t.Errorf("expected requester excluded, got %+v", got)
	}
}

func TestListCompatible_SkipsAndRemovesDeadMembers(t *testing.T) {
	s, ctx := setupTestStore(t)

	base := time.UnixMilli(1_700_000_000_000)
	enqueueTestEntry(t, s, ctx, "dead", participant.Female, base)
	enqueueTestEntry(t, s, ctx, "live", participant.Female, base.Add(time.Second))

	// Simulate TTL expiry of the entry hash.
	s.rdb.Del(ctx, s.entryKey("dead"))

	got, err := s.ListCompatible(ctx, "bob", participant.Male)
	if err != nil {
		t.Fatalf("ListCompatible: %v", err)
	}
	if len(got) != 1 || got[0].ParticipantID != "live" {
		t.Errorf("expected [live], got %+v", got)
	}

	score := s.rdb.ZScore(ctx, s.bucketKey(participant.Female), "dead")
	if !errors.Is(score.Err(), redis.Nil) {
		t.Errorf("expected dead member to be removed from bucket, got %v", score.Err())
	}
}

func TestListCompatible_PagesPastManyDeadMembers(t *testing.T) {
	s, ctx := setupTestStore(t)

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < listPageSize*2+3; i++ {
		id := participant.ID(fmt.Sprintf("dead-%02d", i))
		enqueueTestEntry(t, s, ctx, id, participant.Other, base.Add(time.Duration(i)*time.Millisecond))
		s.rdb.Del(ctx, s.entryKey(id))
	}
	enqueueTestEntry(t, s, ctx, "live", participant.Other, base.Add(time.Minute))

	got, err := s.ListCompatible(ctx, "me", participant.Other)
	if err != nil {
		t.Fatalf("ListCompatible: %v", err)
	}
	if len(got) != 1 || got[0].ParticipantID != "live" {
		t.Errorf("expected [live], got %+v", got)
	}
}

func TestPrune(t *testing.T) {
	s, ctx := setupTestStore(t)

	enqueueTestEntry(t, s, ctx, "a", participant.Male, time.Now())
	enqueueTestEntry(t, s, ctx, "b", participant.Male, time.Now())
	s.rdb.Del(ctx, s.entryKey("a"))

	removed, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if n, _ := s.QueueLength(ctx); n != 1 {
		t.Errorf("expected 1 remaining, got %d", n)
	}
}

func TestClaim(t *testing.T) {
	s, ctx := setupTestStore(t)

	if ok, err := s.Claim(ctx, "cand", "a"); err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.Claim(ctx, "cand", "b"); ok {
		t.Fatal("second claim should be denied")
	}

	ttl := s.rdb.PTTL(ctx, s.claimKey("cand")).Val()
	if ttl <= 0 || ttl > time.Second {
		t.Errorf("expected claim TTL within 1s, got %v", ttl)
	}

	if err := s.Release(ctx, "cand"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(ctx, "cand"); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if ok, _ := s.Claim(ctx, "cand", "b"); !ok {
		t.Fatal("claim should succeed after release")
	}
}

func TestRooms(t *testing.T) {
	s, ctx := setupTestStore(t)

	created := time.UnixMilli(1_700_000_000_000)
	r := store.Room{
		ID:                  "room-1",
		ParticipantA:        "a",
		ParticipantB:        "b",
		ParticipantAIsGuest: true,
		ParticipantAGender:  participant.Male,
		ParticipantBGender:  participant.Female,
		CreatedAt:           created,
	}
	if err := s.CreateRoom(ctx, r); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	got, err := s.GetRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got.ParticipantA != "a" || got.ParticipantB != "b" || !got.ParticipantAIsGuest || got.ParticipantBIsGuest {
		t.Errorf("unexpected room: %+v", got)
	}
	if got.ParticipantBGender != participant.Female || !got.CreatedAt.Equal(created) {
		t.Errorf("unexpected room metadata: %+v", got)
	}

	for _, id := range []participant.ID{"a", "b"} {
		if roomID, _ := s.GetParticipantRoom(ctx, id); roomID != "room-1" {
			t.Errorf("index for %s: expected room-1, got %q", id, roomID)
		}
	}

	if err := s.DeleteRoom(ctx, "room-1"); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	if _, err := s.GetRoom(ctx, "room-1"); !errors.Is(err, store.ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
	if roomID, _ := s.GetParticipantRoom(ctx, "a"); roomID != "" {
		t.Errorf("expected index removed, got %q", roomID)
	}
}

func TestDeleteRoom_KeepsNewerIndex(t *testing.T) {
	s, ctx := setupTestStore(t)

	s.CreateRoom(ctx, store.Room{ID: "r1", ParticipantA: "a", ParticipantB: "b"})
	s.CreateRoom(ctx, store.Room{ID: "r2", ParticipantA: "a", ParticipantB: "c"})

	if err := s.DeleteRoom(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}

	if roomID, _ := s.GetParticipantRoom(ctx, "a"); roomID != "r2" {
		t.Errorf("expected a indexed to r2, got %q", roomID)
	}
	if roomID, _ := s.GetParticipantRoom(ctx, "b"); roomID != "" {
		t.Errorf("expected b index removed, got %q", roomID)
	}
}

func TestGetParticipantRoom_DanglingIndex(t *testing.T) {
	s, ctx := setupTestStore(t)

	s.CreateRoom(ctx, store.Room{ID: "r1", ParticipantA: "a", ParticipantB: "b"})
	s.rdb.Del(ctx, s.roomKey("r1"))

	roomID, err := s.GetParticipantRoom(ctx, "a")
	if err != nil || roomID != "r1" {
		t.Fatalf("expected dangling index to r1, got %q, %v", roomID, err)
	}
	if _, err := s.GetRoom(ctx, roomID); !errors.Is(err, store.ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}
