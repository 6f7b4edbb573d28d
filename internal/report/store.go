// Package report persists abuse reports filed by room occupants in
// PostgreSQL. Each report carries the last few relayed messages, with sender
// ids replaced by "reporter"/"reported".
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/skipon/matchmaker/internal/chat"
	"github.com/skipon/matchmaker/internal/participant"
)

// ErrInvalidReason is returned for a reason outside Reasons.
var ErrInvalidReason = errors.New("report: invalid reason")

// Reasons is the set of accepted reasons, mirrored by a CHECK constraint.
var Reasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// Report is a single abuse report.
type Report struct {
	ReporterID participant.ID
	ReportedID participant.ID
	RoomID     string
	Reason     string
	Messages   []MessageEntry
}

// MessageEntry is one message of the conversation snapshot.
type MessageEntry struct {
	From string `json:"from"` // "reporter" or "reported"
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// Snapshot converts buffered room messages into report entries, hiding the
// participant ids.
func Snapshot(msgs []chat.Message, reporter participant.ID) []MessageEntry {
	out := make([]MessageEntry, 0, len(msgs))
	for _, m := range msgs {
		from := "reported"
		if m.From == reporter {
			from = "reporter"
		}
		out = append(out, MessageEntry{From: from, Text: m.Text, Ts: m.Ts})
	}
	return out
}

// ValidateReason returns ErrInvalidReason for unknown reasons.
func ValidateReason(reason string) error {
	if !Reasons[reason] {
		return fmt.Errorf("%w %q", ErrInvalidReason, reason)
	}
	return nil
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a report store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if err := ValidateReason(r.Reason); err != nil {
		return err
	}

	var messages []byte
	if len(r.Messages) > 0 {
		var err error
		messages, err = json.Marshal(r.Messages)
		if err != nil {
			return fmt.Errorf("report: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO abuse_reports (reporter_id, reported_id, room_id, reason, messages)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		string(r.ReporterID),
		string(r.ReportedID),
		r.RoomID,
		r.Reason,
		messages,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against id within window.
func (s *Store) CountRecent(ctx context.Context, id participant.ID, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_id = $1
		  AND created_at >= $2`

	var count int
	err := s.db.QueryRowContext(ctx, query, string(id), time.Now().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
