package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPresence struct {
	mu      sync.Mutex
	calls   []string
	changed chan struct{}
}

func newRecordingPresence() *recordingPresence {
	return &recordingPresence{changed: make(chan struct{}, 64)}
}

func (p *recordingPresence) SetOnline(_ context.Context, userID string, online bool) error {
	p.mu.Lock()
	p.calls = append(p.calls, fmt.Sprintf("%s=%v", userID, online))
	p.mu.Unlock()
	p.changed <- struct{}{}
	return nil
}

func (p *recordingPresence) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func newTestRegistry(t *testing.T, p Presence) *Registry {
	t.Helper()
	r := New(DefaultConfig(), p, zap.NewNop())
	t.Cleanup(r.Close)
	return r
}

func TestBindLookup(t *testing.T) {
	r := newTestRegistry(t, nil)

	assert.Empty(t, r.Bind("alice", "c1"))

	conn, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "c1", conn)

	user, ok := r.ReverseLookup("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.True(t, r.Online("alice"))
	assert.Equal(t, 1, r.Count())
}

func TestBindLastConnectWins(t *testing.T) {
	r := newTestRegistry(t, nil)

	r.Bind("alice", "c1")
	stale := r.Bind("alice", "c2")
	assert.Equal(t, "c1", stale)

	conn, _ := r.Lookup("alice")
	assert.Equal(t, "c2", conn)

	_, ok := r.ReverseLookup("c1")
	assert.False(t, ok, "stale connection must not resolve")

	// Rebinding the same pair is not a replacement.
	assert.Empty(t, r.Bind("alice", "c2"))
}

func TestUnbind(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Bind("alice", "c1")

	user, current := r.Unbind("c1")
	assert.Equal(t, "alice", user)
	assert.True(t, current)
	assert.False(t, r.Online("alice"))

	// Idempotent.
	user, current = r.Unbind("c1")
	assert.Empty(t, user)
	assert.False(t, current)
}

func TestUnbindStaleConnectionKeepsUser(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Bind("alice", "c1")
	r.Bind("alice", "c2")

	_, current := r.Unbind("c1")
	assert.False(t, current)

	conn, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "c2", conn)
}

func TestRejoinAsDifferentUser(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Bind("alice", "c1")
	r.Bind("bob", "c1")

	assert.False(t, r.Online("alice"))
	user, _ := r.ReverseLookup("c1")
	assert.Equal(t, "bob", user)
}

func TestPresenceNotifications(t *testing.T) {
	p := newRecordingPresence()
	r := newTestRegistry(t, p)

	r.Bind("alice", "c1")
	r.Unbind("c1")
	r.Unbind("c1") // no-op, no notification

	for i := 0; i < 2; i++ {
		select {
		case <-p.changed:
		case <-time.After(time.Second):
			t.Fatal("presence update not delivered")
		}
	}
	r.Close()

	assert.Equal(t, []string{"alice=true", "alice=false"}, p.snapshot())
}

func TestConcurrentBindUnbind(t *testing.T) {
	r := newTestRegistry(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%5)
			conn := fmt.Sprintf("c%d", i)
			r.Bind(user, conn)
			if i%2 == 0 {
				r.Unbind(conn)
			}
		}(i)
	}
	wg.Wait()

	// Both maps must agree for every bound user.
	for i := 0; i < 5; i++ {
		user := fmt.Sprintf("u%d", i)
		if conn, ok := r.Lookup(user); ok {
			back, ok := r.ReverseLookup(conn)
			require.True(t, ok)
			assert.Equal(t, user, back)
		}
	}
}
