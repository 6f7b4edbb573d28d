// Package ban keeps participant bans and the abuse-report counters that
// trigger them, in Redis:
//
//	<prefix>ban:<participant_id>       reason, TTL = ban duration
//	<prefix>reports:<participant_id>   reports in the current 24h window
//	<prefix>offenses:<participant_id>  bans issued in the last 7 days
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skipon/matchmaker/internal/participant"
)

const (
	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL is the window in which reports are counted toward a ban.
	ReportsTTL = 24 * time.Hour

	// OffensesTTL is how long an issued ban counts toward escalation.
	OffensesTTL = 7 * 24 * time.Hour

	// AutoBanThreshold is the number of reports within ReportsTTL that
	// triggers a ban.
	AutoBanThreshold = 3

	// ReasonReports is the ban reason recorded for automatic bans.
	ReasonReports = "multiple_reports"
)

// Status describes an active ban.
type Status struct {
	Banned    bool
	Remaining time.Duration
	Reason    string
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore creates a ban store. prefix is prepended to every key.
func NewStore(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) banKey(id participant.ID) string     { return s.prefix + "ban:" + string(id) }
func (s *Store) reportsKey(id participant.ID) string { return s.prefix + "reports:" + string(id) }
func (s *Store) offenseKey(id participant.ID) string { return s.prefix + "offenses:" + string(id) }

// IsBanned reports whether id is currently banned. Redis errors are returned
// so callers can decide how to handle them; the HTTP layer fails open.
func (s *Store) IsBanned(ctx context.Context, id participant.ID) (Status, error) {
	key := s.banKey(id)

	pipe := s.client.Pipeline()
	reason := pipe.Get(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: check %s: %w", id, err)
	}

	st := Status{Banned: true, Reason: reason.Val()}
	if d := ttl.Val(); d > 0 {
		st.Remaining = d
	}
	return st, nil
}

// Ban bans id for duration. The ban expires on its own.
func (s *Store) Ban(ctx context.Context, id participant.ID, duration time.Duration, reason string) error {
	if err := s.client.Set(ctx, s.banKey(id), reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set %s: %w", id, err)
	}
	return nil
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, id participant.ID) error {
	if err := s.client.Del(ctx, s.banKey(id)).Err(); err != nil {
		return fmt.Errorf("ban: unban %s: %w", id, err)
	}
	return nil
}

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// OffenseCount returns the number of bans issued to id in the last OffensesTTL.
func (s *Store) OffenseCount(ctx context.Context, id participant.ID) (int, error) {
	n, err := s.client.Get(ctx, s.offenseKey(id)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: offense count %s: %w", id, err)
	}
	return n, nil
}

// incrWindow increments key and starts its TTL on first use only, so the
// window does not slide.
func (s *Store) incrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// RecordReport counts a report against id. Every AutoBanThreshold reports
// within ReportsTTL issue a ban whose length escalates with the number of
// earlier bans: 15 minutes, then 1 hour, then 24 hours. It returns the
// duration of the ban issued, or zero when no ban was issued.
func (s *Store) RecordReport(ctx context.Context, id participant.ID) (time.Duration, error) {
	count, err := s.incrWindow(ctx, s.reportsKey(id), ReportsTTL)
	if err != nil {
		return 0, fmt.Errorf("ban: record report %s: %w", id, err)
	}
	if count < AutoBanThreshold {
		return 0, nil
	}

	offenses, err := s.incrWindow(ctx, s.offenseKey(id), OffensesTTL)
	if err != nil {
		return 0, fmt.Errorf("ban: record offense %s: %w", id, err)
	}
	duration := escalationDuration(int(offenses))
	if err := s.Ban(ctx, id, duration, ReasonReports); err != nil {
		return 0, err
	}
	if err := s.client.Del(ctx, s.reportsKey(id)).Err(); err != nil {
		return duration, fmt.Errorf("ban: reset reports %s: %w", id, err)
	}
	return duration, nil
}
