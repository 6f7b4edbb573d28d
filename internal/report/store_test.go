package report

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/skipon/matchmaker/internal/chat"
)

func TestSnapshot_HidesIDs(t *testing.T) {
	msgs := []chat.Message{
		{From: "alice", Text: "hi", Ts: 1},
		{From: "bob", Text: "go away", Ts: 2},
	}

	got := Snapshot(msgs, "alice")
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].From != "reporter" || got[1].From != "reported" {
		t.Errorf("unexpected senders: %+v", got)
	}
	if got[1].Text != "go away" || got[1].Ts != 2 {
		t.Errorf("unexpected entry: %+v", got[1])
	}
}

func TestValidateReason(t *testing.T) {
	for reason := range Reasons {
		if err := ValidateReason(reason); err != nil {
			t.Errorf("ValidateReason(%q): %v", reason, err)
		}
	}
	if err := ValidateReason("boring"); !errors.Is(err, ErrInvalidReason) {
		t.Errorf("expected ErrInvalidReason, got %v", err)
	}
}

// newTestStore connects to the Postgres named by SKIPON_TEST_POSTGRES_URL and
// applies the migrations. Tests are skipped when it is unset or unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("SKIPON_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("skipping: SKIPON_TEST_POSTGRES_URL not set")
	}
	db, err := Open(url)
	if err != nil {
		t.Skipf("skipping: Postgres not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE abuse_reports`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestCreateAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := s.Create(ctx, &Report{
			ReporterID: "alice",
			ReportedID: "bob",
			RoomID:     "room-1",
			Reason:     "spam",
			Messages:   []MessageEntry{{From: "reported", Text: "buy now", Ts: 1}},
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := s.CountRecent(ctx, "bob", time.Hour)
	if err != nil {
		t.Fatalf("CountRecent: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 reports, got %d", n)
	}
}

func TestCreate_RejectsInvalidReason(t *testing.T) {
	s := NewStore(nil)

	err := s.Create(context.Background(), &Report{Reason: "meh"})
	if !errors.Is(err, ErrInvalidReason) {
		t.Errorf("expected ErrInvalidReason, got %v", err)
	}
}
