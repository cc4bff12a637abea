package matching

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/metrics"
)

// OnlineFunc reports whether a user currently holds a live connection.
type OnlineFunc func(userID string) bool

// StartCleanup runs the background loop that expires waiting entries whose
// users went away, and forgets old block notes. It blocks until ctx ends.
func (e *Engine) StartCleanup(ctx context.Context, online OnlineFunc) {
	interval := e.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			e.Sweep(ctx, online)
		}
	}
}

// Sweep runs one cleanup pass and returns the users whose wait expired. An
// entry expires when its user is offline and it has not been refreshed for
// MaxWait. Users with a live connection keep waiting.
func (e *Engine) Sweep(ctx context.Context, online OnlineFunc) []string {
	now := e.now()

	e.mu.Lock()
	var expired []string
	for _, entry := range e.pool.Ordered() {
		if online != nil && online(entry.UserID) {
			continue
		}
		if now.Sub(entry.LastSeen) < e.cfg.MaxWait {
			continue
		}
		e.pool.Remove(entry.UserID)
		expired = append(expired, entry.UserID)
	}
	for key, at := range e.blocked {
		if now.Sub(at) >= e.cfg.BlockMemory {
			delete(e.blocked, key)
		}
	}
	size := e.pool.Len()
	e.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}

	metrics.MatchQueueSize.Set(float64(size))
	for _, userID := range expired {
		if err := e.deps.Profiles.SetSearching(ctx, userID, false); err != nil {
			e.logger.Warn("cleanup: clear searching failed", zap.String("user_id", userID), zap.Error(err))
		}
		e.notify(ctx, userID, Notification{Timeout: true})
	}
	e.logger.Info("cleanup: expired waiting entries", zap.Int("removed", len(expired)))
	return expired
}
