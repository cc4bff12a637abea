package matching

import (
	"sort"
	"time"
)

// Entry is one user waiting for a partner.
type Entry struct {
	UserID     string
	Interests  []string
	EnqueuedAt time.Time
	LastSeen   time.Time // refreshed by FindMatch and Touch; drives expiry
	seq        uint64    // tie-breaker for equal EnqueuedAt
}

// Pool is the waiting pool. It is not safe for concurrent use on its own;
// the Engine guards it with its mutex.
type Pool struct {
	entries map[string]*Entry
	nextSeq uint64
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[string]*Entry)}
}

// Add inserts the user or, if already waiting, replaces their interests
// while keeping the original EnqueuedAt so re-entering never loses one's
// place.
func (p *Pool) Add(userID string, interests []string, now time.Time) *Entry {
	if e, ok := p.entries[userID]; ok {
		e.Interests = interests
		e.LastSeen = now
		return e
	}
	p.nextSeq++
	e := &Entry{
		UserID:     userID,
		Interests:  interests,
		EnqueuedAt: now,
		LastSeen:   now,
		seq:        p.nextSeq,
	}
	p.entries[userID] = e
	return e
}

// restore puts a previously removed entry back unchanged.
func (p *Pool) restore(e *Entry) {
	if _, ok := p.entries[e.UserID]; !ok {
		p.entries[e.UserID] = e
	}
}

// Remove deletes the user's entry and reports whether there was one.
func (p *Pool) Remove(userID string) bool {
	if _, ok := p.entries[userID]; !ok {
		return false
	}
	delete(p.entries, userID)
	return true
}

// Get returns the user's entry or nil.
func (p *Pool) Get(userID string) *Entry {
	return p.entries[userID]
}

// Touch refreshes LastSeen for a waiting user.
func (p *Pool) Touch(userID string, now time.Time) bool {
	e, ok := p.entries[userID]
	if ok {
		e.LastSeen = now
	}
	return ok
}

// Len returns the number of waiting users.
func (p *Pool) Len() int { return len(p.entries) }

// Ordered returns the entries oldest first.
func (p *Pool) Ordered() []*Entry {
	out := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return older(out[i], out[j]) })
	return out
}

// older reports whether a has waited longer than b.
func older(a, b *Entry) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.seq < b.seq
}
