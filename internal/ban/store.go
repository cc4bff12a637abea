// Package ban keeps report-driven, escalating bans in Redis.
//
//	ban:<user_id>      -> reason, TTL = ban duration
//	reports:<user_id>  -> report count in the current 24h window
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix     = "ban:"
	ReportsPrefix = "reports:"

	Ban15Min  = 15 * time.Minute
	Ban1Hour  = time.Hour
	Ban24Hour = 24 * time.Hour

	// ReportsWindow is how long a report counter lives. The window starts at
	// the first report and does not slide.
	ReportsWindow = 24 * time.Hour

	// AutoBanThreshold is the number of reports in one window that triggers
	// a ban.
	AutoBanThreshold = 3

	ReasonMultipleReports = "multiple_reports"
	ReasonMinorSuspected  = "minor_suspected"
)

// Status describes a user's current ban.
type Status struct {
	Banned    bool
	Remaining time.Duration
	Reason    string
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store on client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// incrWindow increments key and starts its expiry on the first increment.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Lookup returns the user's ban status. A ban whose TTL cannot be read is
// reported with zero remaining time rather than hidden.
func (s *Store) Lookup(ctx context.Context, userID string) (Status, error) {
	key := BanPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: lookup: %w", err)
	}

	st := Status{Banned: true, Reason: reason}
	if ttl, err := s.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// IsBanned reports (banned, remaining seconds, reason). Callers are expected
// to fail open on error.
func (s *Store) IsBanned(ctx context.Context, userID string) (bool, int, string, error) {
	st, err := s.Lookup(ctx, userID)
	if err != nil {
		return false, 0, "", err
	}
	return st.Banned, int(st.Remaining.Seconds()), st.Reason, nil
}

// Ban bans userID for duration. A longer ban already in place is kept.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	key := BanPrefix + userID
	if ttl, err := s.client.PTTL(ctx, key).Result(); err == nil && ttl > duration {
		return nil
	}
	if err := s.client.Set(ctx, key, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, BanPrefix+userID).Err(); err != nil {
		return fmt.Errorf("ban: unban: %w", err)
	}
	return nil
}

// ReportCount returns the number of reports against userID in the current
// window.
func (s *Store) ReportCount(ctx context.Context, userID string) (int, error) {
	n, err := s.client.Get(ctx, ReportsPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: report count: %w", err)
	}
	return n, nil
}

// Duration returns the ban length for the n-th report in a window:
// 15 minutes at the threshold, one hour for the next, a day after that.
func Duration(reports int) time.Duration {
	switch {
	case reports <= AutoBanThreshold:
		return Ban15Min
	case reports == AutoBanThreshold+1:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// ReportAndCheck counts a report against userID and bans them once the
// window holds AutoBanThreshold reports. It returns the applied duration, or
// zero when no ban was applied.
func (s *Store) ReportAndCheck(ctx context.Context, userID string) (time.Duration, error) {
	count, err := incrWindow.Run(ctx, s.client,
		[]string{ReportsPrefix + userID}, ReportsWindow.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("ban: report incr: %w", err)
	}
	if count < AutoBanThreshold {
		return 0, nil
	}

	d := Duration(count)
	if err := s.Ban(ctx, userID, d, ReasonMultipleReports); err != nil {
		return 0, err
	}
	return d, nil
}
