// Package session manages anonymous user profiles: display name, interest
// tags and the online/searching flags that matchmaking reads. Profiles are
// ephemeral and expire after a day without activity when backed by Redis.
package session

import (
	"context"
	"strings"
	"time"
)

// Session is one anonymous user's profile and presence state.
type Session struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Interests   []string  `json:"interests"`
	Online      bool      `json:"online"`
	Searching   bool      `json:"searching"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists sessions. Get returns an apperr NotFound error for unknown
// users; SetOnline and SetSearching do too, and never create a profile.
// Marking a user offline also clears their searching flag.
type Store interface {
	Get(ctx context.Context, userID string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	SetOnline(ctx context.Context, userID string, online bool) error
	SetSearching(ctx context.Context, userID string, searching bool) error
}

const (
	MaxInterests      = 10
	MaxInterestLength = 32
	MaxDisplayName    = 40
)

// NormalizeInterests lower-cases and trims tags, drops empty, overlong and
// duplicate tags, and caps the list at MaxInterests. Order is preserved.
func NormalizeInterests(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || len(t) > MaxInterestLength || strings.Contains(t, ",") || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == MaxInterests {
			break
		}
	}
	return out
}
