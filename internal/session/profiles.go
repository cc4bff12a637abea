package session

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/whisper/anonyconnect/internal/apperr"
)

// InterestFilter drops tags that fail content screening.
type InterestFilter interface {
	CheckInterests(tags []string) []string
}

// Profiles creates and updates user profiles on top of a Store.
type Profiles struct {
	store  Store
	filter InterestFilter
	now    func() time.Time
}

// NewProfiles returns a profile service. filter may be nil.
func NewProfiles(store Store, filter InterestFilter) *Profiles {
	return &Profiles{store: store, filter: filter, now: time.Now}
}

// Upsert creates the profile for userID, or replaces its display name and
// interests. An empty userID mints a new one. Presence flags and CreatedAt
// survive updates.
func (p *Profiles) Upsert(ctx context.Context, userID, displayName string, interests []string) (*Session, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, apperr.New(apperr.CodeInvalid, "display name is required")
	}
	if utf8.RuneCountInString(displayName) > MaxDisplayName {
		return nil, apperr.Newf(apperr.CodeInvalid, "display name exceeds %d characters", MaxDisplayName)
	}

	tags := NormalizeInterests(interests)
	if p.filter != nil {
		tags = p.filter.CheckInterests(tags)
	}

	now := p.now()
	sess := &Session{ID: userID, CreatedAt: now}
	if userID == "" {
		sess.ID = uuid.NewString()
	} else {
		existing, err := p.store.Get(ctx, userID)
		switch {
		case err == nil:
			sess = existing
		case !apperr.Is(err, apperr.CodeNotFound):
			return nil, apperr.Upstream(err, "load profile")
		}
	}

	sess.DisplayName = displayName
	sess.Interests = tags
	sess.UpdatedAt = now
	if err := p.store.Save(ctx, sess); err != nil {
		return nil, apperr.Upstream(err, "save profile")
	}
	return sess, nil
}

// Get returns a profile.
func (p *Profiles) Get(ctx context.Context, userID string) (*Session, error) {
	sess, err := p.store.Get(ctx, userID)
	if err != nil {
		return nil, apperr.Upstream(err, "load profile")
	}
	return sess, nil
}
