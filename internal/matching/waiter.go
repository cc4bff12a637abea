package matching

import (
	"context"
	"sync"
	"time"
)

// Waiter blocks until the user is paired, their wait expires, or ctx ends.
// Broker (push) and Poller (polling fallback) both implement it.
type Waiter interface {
	WaitForMatch(ctx context.Context, userID string) (Notification, error)
}

// StatusFunc reports a user's matchmaking state and, when matched, the
// conversation ID.
type StatusFunc func(userID string) (State, string)

// Broker is an in-process Notifier that wakes waiters as soon as a
// notification for them is delivered.
type Broker struct {
	status StatusFunc

	mu   sync.Mutex
	subs map[string]map[chan Notification]struct{}
}

// NewBroker returns a Broker. status is consulted after subscribing so that a
// pairing that happened before the wait began is not missed.
func NewBroker(status StatusFunc) *Broker {
	return &Broker{status: status, subs: make(map[string]map[chan Notification]struct{})}
}

func (b *Broker) MatchFound(_ context.Context, userID string, n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[userID] {
		select {
		case ch <- n:
		default:
		}
	}
}

func (b *Broker) WaitForMatch(ctx context.Context, userID string) (Notification, error) {
	ch := make(chan Notification, 1)

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan Notification]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs[userID], ch)
		if len(b.subs[userID]) == 0 {
			delete(b.subs, userID)
		}
		b.mu.Unlock()
	}()

	if n, ok := matchedNotification(b.status, userID); ok {
		return n, nil
	}

	select {
	case n := <-ch:
		return n, nil
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	}
}

// Poller checks the engine state on a fixed interval.
type Poller struct {
	status   StatusFunc
	interval time.Duration
}

// NewPoller returns a Poller. A non-positive interval means two seconds.
func NewPoller(status StatusFunc, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{status: status, interval: interval}
}

func (p *Poller) WaitForMatch(ctx context.Context, userID string) (Notification, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if n, ok := matchedNotification(p.status, userID); ok {
			return n, nil
		}
		if st, _ := p.status(userID); st == StateIdle {
			// Neither waiting nor matched: the wait expired or was cancelled.
			return Notification{Timeout: true}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		}
	}
}

func matchedNotification(status StatusFunc, userID string) (Notification, bool) {
	st, convID := status(userID)
	if st == StateMatched && convID != "" {
		return Notification{ConversationID: convID}, true
	}
	return Notification{}, false
}
