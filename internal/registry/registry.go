// Package registry maps live connections to users. A user has at most one
// live connection; binding a second one replaces the first ("last connect
// wins") and reports the stale connection so the transport can close it.
package registry

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Presence receives online/offline transitions. Calls happen outside the
// registry lock on a small worker pool, so a slow store never stalls binds.
// Updates for one user always land on the same worker and stay ordered.
type Presence interface {
	SetOnline(ctx context.Context, userID string, online bool) error
}

// Config tunes the presence workers.
type Config struct {
	PresenceWorkers int
	PresenceQueue   int
	PresenceTimeout time.Duration
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		PresenceWorkers: 4,
		PresenceQueue:   1024,
		PresenceTimeout: 3 * time.Second,
	}
}

type presenceUpdate struct {
	userID string
	online bool
}

// Registry is the bidirectional user <-> connection map.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]string // userID -> connID
	byConn   map[string]string // connID -> userID
	presence Presence
	updates  []chan presenceUpdate
	cfg      Config
	logger   *zap.Logger
	wg       sync.WaitGroup
	closeMu  sync.RWMutex
	closed   bool
}

// New creates a Registry. presence may be nil.
func New(cfg Config, presence Presence, logger *zap.Logger) *Registry {
	if cfg.PresenceWorkers <= 0 {
		cfg.PresenceWorkers = 1
	}
	if cfg.PresenceQueue <= 0 {
		cfg.PresenceQueue = 1
	}
	r := &Registry{
		byUser:   make(map[string]string),
		byConn:   make(map[string]string),
		presence: presence,
		cfg:      cfg,
		logger:   logger.Named("registry"),
	}
	if presence != nil {
		r.updates = make([]chan presenceUpdate, cfg.PresenceWorkers)
		for i := range r.updates {
			r.updates[i] = make(chan presenceUpdate, cfg.PresenceQueue)
			r.wg.Add(1)
			go r.presenceWorker(r.updates[i])
		}
	}
	return r
}

// Bind associates connID with userID. If the user already had a different
// connection, its ID is returned as stale and that connection is no longer
// bound to anyone.
func (r *Registry) Bind(userID, connID string) (stale string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevUser, ok := r.byConn[connID]; ok && prevUser != userID {
		// Connection re-joined as a different user.
		if r.byUser[prevUser] == connID {
			delete(r.byUser, prevUser)
			r.notify(prevUser, false)
		}
	}
	if prev, ok := r.byUser[userID]; ok && prev != connID {
		stale = prev
		delete(r.byConn, prev)
	}
	r.byUser[userID] = connID
	r.byConn[connID] = userID
	r.notify(userID, true)
	return stale
}

// Unbind removes connID. It returns the user it was bound to and whether that
// user lost their current connection. Unbinding an unknown or already
// replaced connection is a no-op that reports current=false.
func (r *Registry) Unbind(connID string) (userID string, current bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if ok {
		delete(r.byConn, connID)
		if r.byUser[userID] == connID {
			delete(r.byUser, userID)
			current = true
			r.notify(userID, false)
		}
	}
	return userID, current
}

// Lookup returns the user's live connection.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	connID, ok := r.byUser[userID]
	r.mu.RUnlock()
	return connID, ok
}

// ReverseLookup returns the user bound to connID.
func (r *Registry) ReverseLookup(connID string) (string, bool) {
	r.mu.RLock()
	userID, ok := r.byConn[connID]
	r.mu.RUnlock()
	return userID, ok
}

// Online reports whether the user has a live connection.
func (r *Registry) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Count returns the number of bound users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}

// Close stops the presence workers after draining queued updates.
func (r *Registry) Close() {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return
	}
	r.closed = true
	for _, ch := range r.updates {
		close(ch)
	}
	r.closeMu.Unlock()
	r.wg.Wait()
}

// notify queues a presence update without blocking. It is called with r.mu
// held so that queue order matches map order for each user.
func (r *Registry) notify(userID string, online bool) {
	if r.presence == nil {
		return
	}
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	ch := r.updates[h.Sum32()%uint32(len(r.updates))]
	select {
	case ch <- presenceUpdate{userID: userID, online: online}:
	default:
		r.logger.Warn("presence queue full, dropping update",
			zap.String("user_id", userID), zap.Bool("online", online))
	}
}

func (r *Registry) presenceWorker(updates <-chan presenceUpdate) {
	defer r.wg.Done()
	for u := range updates {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PresenceTimeout)
		if err := r.presence.SetOnline(ctx, u.userID, u.online); err != nil {
			r.logger.Warn("presence update failed",
				zap.String("user_id", u.userID), zap.Bool("online", u.online), zap.Error(err))
		}
		cancel()
	}
}
