// Package matching pairs waiting users into conversations.
//
// Every pairing decision is made under one engine mutex, so two concurrent
// requests can never both claim the same waiting user, and a user is never
// reserved for two conversations at once. No I/O happens under that mutex:
// profiles and block lists are loaded before it is taken and the
// conversation is created after it is released, with both users held in a
// pending reservation meanwhile.
package matching

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/apperr"
	"github.com/whisper/anonyconnect/internal/chat"
	"github.com/whisper/anonyconnect/internal/metrics"
	"github.com/whisper/anonyconnect/internal/session"
)

// State is a user's position in the matchmaking lifecycle.
type State string

const (
	StateIdle    State = "idle"
	StateWaiting State = "waiting"
	StateMatched State = "matched"
)

// Outcome tags a FindMatch result.
type Outcome string

const (
	OutcomePaired   Outcome = "paired"
	OutcomeEnqueued Outcome = "enqueued"
)

// MatchResult is the outcome of FindMatch. ConversationID is set only when
// Outcome is OutcomePaired.
type MatchResult struct {
	Outcome         Outcome
	ConversationID  string
	PartnerID       string
	SharedInterests []string
}

// Profiles is the slice of the user store the engine needs.
type Profiles interface {
	Get(ctx context.Context, userID string) (*session.Session, error)
	SetSearching(ctx context.Context, userID string, searching bool) error
}

// Conversations is the slice of the conversation store the engine needs.
type Conversations interface {
	Create(ctx context.Context, a, b string) (*chat.Conversation, error)
	ActiveFor(ctx context.Context, userID string) (*chat.Conversation, error)
}

// BlockLister lists everyone a user blocked or was blocked by.
type BlockLister interface {
	BlockedWith(ctx context.Context, userID string) ([]string, error)
}

// BanChecker reports whether a user is currently banned.
type BanChecker interface {
	IsBanned(ctx context.Context, userID string) (bool, int, string, error)
}

// Config tunes the engine.
type Config struct {
	// MaxWait is how long an entry survives without a refresh once its user
	// has no live connection.
	MaxWait time.Duration
	// CleanupInterval is how often expired entries are swept.
	CleanupInterval time.Duration
	// BlockMemory is how long a block reported through NoteBlock is kept in
	// memory. It only has to outlive in-flight FindMatch calls.
	BlockMemory time.Duration
	// MaxAttempts bounds retries when a chosen partner turns out to be busy.
	MaxAttempts int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxWait:         30 * time.Second,
		CleanupInterval: 5 * time.Second,
		BlockMemory:     time.Minute,
		MaxAttempts:     3,
	}
}

// Deps are the engine's collaborators. Bans may be nil.
type Deps struct {
	Profiles      Profiles
	Conversations Conversations
	Blocks        BlockLister
	Bans          BanChecker
}

type pairKey struct{ a, b string }

func pairOf(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// engagement records that a user is taken. convID is empty while the
// conversation insert is in flight. gen orders it against storage reads.
type engagement struct {
	convID string
	gen    uint64
}

// reservation holds two users between the pairing decision and the
// conversation insert.
type reservation struct {
	done chan struct{}
}

// Engine is the matchmaking engine.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	notifierMu sync.RWMutex
	notifier   Notifier

	mu      sync.Mutex
	pool    *Pool
	engaged map[string]engagement
	gen     uint64
	pending map[pairKey]*reservation
	blocked map[pairKey]time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, deps Deps, logger *zap.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("matcher"),
		now:     time.Now,
		pool:    NewPool(),
		engaged: make(map[string]engagement),
		pending: make(map[pairKey]*reservation),
		blocked: make(map[pairKey]time.Time),
	}
}

// SetNotifier registers the notifier told about pairings and expiries.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifierMu.Lock()
	e.notifier = n
	e.notifierMu.Unlock()
}

// FindMatch pairs userID with the best waiting partner, or enqueues them when
// nobody suitable is waiting.
func (e *Engine) FindMatch(ctx context.Context, userID string) (MatchResult, error) {
	if e.deps.Bans != nil {
		banned, _, _, err := e.deps.Bans.IsBanned(ctx, userID)
		if err != nil {
			// Fail open: a ban store outage must not stop matchmaking.
			e.logger.Warn("ban check failed", zap.String("user_id", userID), zap.Error(err))
		} else if banned {
			return MatchResult{}, apperr.New(apperr.CodeAccessDenied, "user is banned")
		}
	}

	profile, err := e.deps.Profiles.Get(ctx, userID)
	if err != nil {
		return MatchResult{}, apperr.Upstream(err, "load profile")
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		res, retry, err := e.attempt(ctx, userID, profile.Interests)
		if !retry {
			return res, err
		}
		lastErr = err
	}
	return MatchResult{}, lastErr
}

// attempt runs one pairing round. retry is true when the chosen partner
// turned out to be busy elsewhere and another round may succeed.
func (e *Engine) attempt(ctx context.Context, userID string, interests []string) (MatchResult, bool, error) {
	e.mu.Lock()
	readGen := e.gen
	e.mu.Unlock()

	active, err := e.deps.Conversations.ActiveFor(ctx, userID)
	if err != nil {
		return MatchResult{}, false, apperr.Upstream(err, "check active conversation")
	}
	if active != nil {
		return MatchResult{}, false, apperr.New(apperr.CodeAlreadyActive, "user already has an active conversation")
	}

	blockedIDs, err := e.deps.Blocks.BlockedWith(ctx, userID)
	if err != nil {
		return MatchResult{}, false, apperr.Upstream(err, "load blocks")
	}
	blocked := make(map[string]bool, len(blockedIDs))
	for _, id := range blockedIDs {
		blocked[id] = true
	}

	now := e.now()

	e.mu.Lock()
	if eng, ok := e.engaged[userID]; ok {
		if eng.convID == "" {
			e.mu.Unlock()
			return MatchResult{}, false, apperr.New(apperr.CodeAlreadyActive, "user is being paired")
		}
		if eng.gen > readGen {
			// Paired while the storage read above was in flight.
			e.mu.Unlock()
			return MatchResult{}, false, apperr.New(apperr.CodeAlreadyActive, "user already has an active conversation")
		}
		// The conversation was committed before the storage read began and
		// the read found nothing, so it ended without the engine hearing
		// about it.
		delete(e.engaged, userID)
	}

	cand := e.pool.Best(userID, interests, func(c *Entry) bool {
		if blocked[c.UserID] {
			return false
		}
		if _, ok := e.blocked[pairOf(userID, c.UserID)]; ok {
			return false
		}
		_, busy := e.engaged[c.UserID]
		return !busy
	})

	if cand == nil {
		e.pool.Add(userID, interests, now)
		size := e.pool.Len()
		e.mu.Unlock()

		metrics.MatchQueueSize.Set(float64(size))
		if err := e.deps.Profiles.SetSearching(ctx, userID, true); err != nil {
			e.logger.Warn("set searching failed", zap.String("user_id", userID), zap.Error(err))
		}
		e.logger.Debug("enqueued", zap.String("user_id", userID), zap.Strings("interests", interests), zap.Int("queue_size", size))
		return MatchResult{Outcome: OutcomeEnqueued}, false, nil
	}

	partner := cand.Entry
	key := pairOf(userID, partner.UserID)
	res := &reservation{done: make(chan struct{})}
	e.pool.Remove(partner.UserID)
	e.pool.Remove(userID)
	e.gen++
	e.engaged[userID] = engagement{gen: e.gen}
	e.engaged[partner.UserID] = engagement{gen: e.gen}
	e.pending[key] = res
	size := e.pool.Len()
	e.mu.Unlock()

	metrics.MatchQueueSize.Set(float64(size))

	conv, createErr := e.deps.Conversations.Create(ctx, userID, partner.UserID)

	partnerBusy := false
	if apperr.Is(createErr, apperr.CodeAlreadyActive) {
		if other, err := e.deps.Conversations.ActiveFor(ctx, partner.UserID); err == nil && other != nil {
			partnerBusy = true
		}
	}

	e.mu.Lock()
	delete(e.pending, key)
	close(res.done)
	if createErr != nil {
		delete(e.engaged, userID)
		delete(e.engaged, partner.UserID)
		if !partnerBusy {
			e.pool.restore(partner)
		}
	} else {
		e.gen++
		e.engaged[userID] = engagement{convID: conv.ID, gen: e.gen}
		e.engaged[partner.UserID] = engagement{convID: conv.ID, gen: e.gen}
	}
	size = e.pool.Len()
	e.mu.Unlock()

	metrics.MatchQueueSize.Set(float64(size))

	if createErr != nil {
		if partnerBusy {
			e.logger.Info("partner already paired elsewhere, retrying",
				zap.String("user_id", userID), zap.String("partner_id", partner.UserID))
			return MatchResult{}, true, createErr
		}
		return MatchResult{}, false, apperr.Upstream(createErr, "create conversation")
	}

	metrics.MatchesTotal.Inc()
	metrics.MatchWaitDuration.Observe(e.now().Sub(partner.EnqueuedAt).Seconds())

	for _, id := range []string{userID, partner.UserID} {
		if err := e.deps.Profiles.SetSearching(ctx, id, false); err != nil {
			e.logger.Warn("clear searching failed", zap.String("user_id", id), zap.Error(err))
		}
	}

	e.notify(ctx, userID, Notification{ConversationID: conv.ID, PartnerID: partner.UserID, SharedInterests: cand.SharedInterests})
	e.notify(ctx, partner.UserID, Notification{ConversationID: conv.ID, PartnerID: userID, SharedInterests: cand.SharedInterests})

	e.logger.Info("paired",
		zap.String("conversation_id", conv.ID),
		zap.String("a", userID),
		zap.String("b", partner.UserID),
		zap.Strings("shared", cand.SharedInterests))

	return MatchResult{
		Outcome:         OutcomePaired,
		ConversationID:  conv.ID,
		PartnerID:       partner.UserID,
		SharedInterests: cand.SharedInterests,
	}, false, nil
}

// Cancel removes a waiting user from the pool. It is a no-op for idle users
// and fails with Conflict when the user has already been paired.
func (e *Engine) Cancel(ctx context.Context, userID string) error {
	e.mu.Lock()
	if _, ok := e.engaged[userID]; ok {
		e.mu.Unlock()
		return apperr.New(apperr.CodeConflict, "user has already been paired")
	}
	removed := e.pool.Remove(userID)
	size := e.pool.Len()
	e.mu.Unlock()

	if removed {
		metrics.MatchQueueSize.Set(float64(size))
		if err := e.deps.Profiles.SetSearching(ctx, userID, false); err != nil {
			e.logger.Warn("clear searching failed", zap.String("user_id", userID), zap.Error(err))
		}
		e.logger.Debug("cancelled", zap.String("user_id", userID))
	}
	return nil
}

// Leave is Cancel for disconnect cleanup: it never fails.
func (e *Engine) Leave(ctx context.Context, userID string) {
	if err := e.Cancel(ctx, userID); err != nil && !apperr.Is(err, apperr.CodeConflict) {
		e.logger.Warn("leave failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Touch keeps a waiting user's entry alive.
func (e *Engine) Touch(userID string) {
	e.mu.Lock()
	e.pool.Touch(userID, e.now())
	e.mu.Unlock()
}

// Release returns both participants of an ended conversation to idle. It is
// registered as a conversation end hook.
func (e *Engine) Release(_ context.Context, conv *chat.Conversation) {
	e.mu.Lock()
	for _, id := range conv.Participants() {
		if e.engaged[id].convID == conv.ID {
			delete(e.engaged, id)
		}
	}
	e.mu.Unlock()
}

// NoteBlock makes a and b ineligible for each other immediately, ahead of
// the block reaching storage. If the two are being paired right now it waits
// for that to finish, so the caller can then end the new conversation.
func (e *Engine) NoteBlock(ctx context.Context, a, b string) error {
	key := pairOf(a, b)

	e.mu.Lock()
	e.blocked[key] = e.now()
	res := e.pending[key]
	e.mu.Unlock()

	if res == nil {
		return nil
	}
	select {
	case <-res.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the user's state and, when matched, the conversation.
func (e *Engine) Status(userID string) (State, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if eng, ok := e.engaged[userID]; ok {
		return StateMatched, eng.convID
	}
	if e.pool.Get(userID) != nil {
		return StateWaiting, ""
	}
	return StateIdle, ""
}

// QueueSize returns the number of waiting users.
func (e *Engine) QueueSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Len()
}

func (e *Engine) notify(ctx context.Context, userID string, n Notification) {
	e.notifierMu.RLock()
	notifier := e.notifier
	e.notifierMu.RUnlock()
	if notifier != nil {
		notifier.MatchFound(ctx, userID, n)
	}
}
