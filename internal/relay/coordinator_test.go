package relay_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/apperr"
	"github.com/whisper/anonyconnect/internal/chat"
	"github.com/whisper/anonyconnect/internal/matching"
	"github.com/whisper/anonyconnect/internal/moderation"
	"github.com/whisper/anonyconnect/internal/protocol"
	"github.com/whisper/anonyconnect/internal/registry"
	"github.com/whisper/anonyconnect/internal/relay"
	"github.com/whisper/anonyconnect/internal/session"
	"github.com/whisper/anonyconnect/internal/store/memory"
)

// fakePusher records frames per connection.
type fakePusher struct {
	mu      sync.Mutex
	frames  map[string][]string
	closed  []string
	onClose func(connID string)
}

func newFakePusher() *fakePusher {
	return &fakePusher{frames: make(map[string][]string)}
}

func (p *fakePusher) Send(connID string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[connID] = append(p.frames[connID], string(data))
	return nil
}

func (p *fakePusher) Close(connID string) {
	p.mu.Lock()
	p.closed = append(p.closed, connID)
	fn := p.onClose
	p.mu.Unlock()
	if fn != nil {
		fn(connID)
	}
}

// types returns the frame types pushed to connID, in order.
func (p *fakePusher) types(connID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, f := range p.frames[connID] {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal([]byte(f), &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func (p *fakePusher) last(connID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.frames[connID]
	if len(f) == 0 {
		return ""
	}
	return f[len(f)-1]
}

func (p *fakePusher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = make(map[string][]string)
}

type relayHarness struct {
	db     *memory.Store
	chats  *chat.Store
	engine *matching.Engine
	reg    *registry.Registry
	pusher *fakePusher
	coord  *relay.Coordinator
}

func newRelayHarness(t *testing.T, grace time.Duration) *relayHarness {
	t.Helper()
	db := memory.New()
	chats := chat.NewStore(db, moderation.NewFilter(), zap.NewNop())
	engine := matching.NewEngine(matching.DefaultConfig(), matching.Deps{
		Profiles:      db,
		Conversations: chats,
		Blocks:        db,
	}, zap.NewNop())
	reg := registry.New(registry.DefaultConfig(), nil, zap.NewNop())
	t.Cleanup(reg.Close)

	pusher := newFakePusher()
	coord := relay.New(relay.Config{DisconnectGrace: grace}, relay.Deps{
		Registry:      reg,
		Pusher:        pusher,
		Conversations: chats,
		Matcher:       engine,
		Blocks:        db,
		Profiles:      db,
	}, zap.NewNop())

	chats.OnEnd(engine.Release)
	chats.OnEnd(coord.ConversationEnded)
	chats.OnCreate(coord.ConversationCreated)
	engine.SetNotifier(coord)

	return &relayHarness{db: db, chats: chats, engine: engine, reg: reg, pusher: pusher, coord: coord}
}

func (h *relayHarness) user(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.db.Save(context.Background(), &session.Session{ID: id, DisplayName: id + "-name"}))
}

// paired joins alice and bob on their own connections and pairs them.
func (h *relayHarness) paired(t *testing.T) *chat.Conversation {
	t.Helper()
	ctx := context.Background()
	h.user(t, "alice")
	h.user(t, "bob")
	_, err := h.coord.Join(ctx, "alice", "c-alice")
	require.NoError(t, err)
	_, err = h.coord.Join(ctx, "bob", "c-bob")
	require.NoError(t, err)

	_, err = h.engine.FindMatch(ctx, "alice")
	require.NoError(t, err)
	res, err := h.engine.FindMatch(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, matching.OutcomePaired, res.Outcome)

	conv, err := h.chats.Get(ctx, res.ConversationID, "alice")
	require.NoError(t, err)
	return conv
}

func TestMatchFoundPushedToBoth(t *testing.T) {
	h := newRelayHarness(t, time.Minute)
	conv := h.paired(t)

	for conn, partner := range map[string]string{"c-alice": "bob-name", "c-bob": "alice-name"} {
		var got struct {
			Type           string `json:"type"`
			ConversationID string `json:"conversation_id"`
			PartnerName    string `json:"partner_name"`
		}
		require.NoError(t, json.Unmarshal([]byte(h.pusher.last(conn)), &got))
		assert.Equal(t, protocol.TypeMatchFound, got.Type)
		assert.Equal(t, conv.ID, got.ConversationID)
		assert.Equal(t, partner, got.PartnerName)
	}
}

func TestSendFansOutToBoth(t *testing.T) {
	ctx := context.Background()
	h := newRelayHarness(t, time.Minute)
	conv := h.paired(t)
	h.pusher.reset()

	res, err := h.coord.Send(ctx, "alice", conv.ID, "hi bob")
	require.NoError(t, err)
	require.True(t, res.Delivered())
	assert.Equal(t, int64(1), res.Message.Seq)

	assert.Equal(t, []string{protocol.TypeNewMessage}, h.pusher.types("c-alice"))
	assert.Equal(t, []string{protocol.TypeNewMessage}, h.pusher.types("c-bob"))
	assert.Contains(t, h.pusher.last("c-bob"), "hi bob")
}

func TestSendRejectedGoesToSenderOnly(t *testing.T) {
	ctx := context.Background()
	h := newRelayHarness(t, time.Minute)
	conv := h.paired(t)
	h.pusher.reset()

	res, err := h.coord.Send(ctx, "alice", conv.ID, "call me at 555-123-4567")
	require.NoError(t, err)
	assert.False(t, res.Delivered())
	assert.NotEmpty(t, res.Reason)

	assert.Equal(t, []string{protocol.TypeMessageRejected}, h.pusher.types("c-alice"))
	assert.Empty(t, h.pusher.types("c-bob"))

	msgs, err := h.chats.List(ctx, conv.ID, "bob", 50)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendByOutsiderDenied(t *testing.T) {
	ctx := context.Background()
	h := newRelayHarness(t, time.Minute)
	conv := h.paired(t)

	_, err := h.coord.Send(ctx, "mallory", conv.ID, "hello")
	assert.True(t, apperr.Is(err, apperr.CodeAccessDenied))
}

func TestBlockEndsConversation(t *testing.T) {
	ctx := context.Background()
	h := newRelayHarness(t, time.Minute)
	conv := h.paired(t)
	h.pusher.reset()

	require.NoError(t, h.coord.Block(ctx, "bob", "alice"))

	assert.Contains(t, h.pusher.types("c-alice"), protocol.TypeConversationEnded)
	assert.Contains(t, h.pusher.types("c-bob"), protocol.TypeConversationEnded)

	_, err := h.coord.Send(ctx, "alice", conv.ID, "wait")
	assert.True(t, apperr.Is(err, apperr.CodeAccessDenied))

	blocked, err := h.db.IsBlocked(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, blocked)

	// They are never paired again.
	_, err = h.engine.FindMatch(ctx, "alice")
	require.NoError(t, err)
	res, err := h.engine.FindMatch(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomeEnqueued, res.Outcome)
}

func TestBlockInvalid(t *testing.T) {
	h := newRelayHarness(t, time.Minute)
	tests := []struct {
		name             string
		blocker, blocked string
	}{
		{"self", "alice", "alice"},
		{"empty", "alice", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.coord.Block(context.Background(), tt.blocker, tt.blocked)
			assert.True(t, apperr.Is(err, apperr.CodeInvalid))
		})
	}
}

func TestJoinReplacesStaleConnection(t *testing.T) {
	ctx := context.Background()
	h := newRelayHarness(t, time.Minute)
	conv := h.paired(t)
	h.pusher.onClose = func(connID string) { h.coord.Disconnect(ctx, connID) }

	active, err := h.coord.Join(ctx, "alice", "c-alice-2")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, conv.ID, active.ID)
	assert.Equal(t, []string{"c-alice"}, h.pusher.closed)

	connID, ok := h.reg.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "c-alice-2", connID)

	// The stale close must not end the conversation.
	still, err := h.chats.Get(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.True(t, still.Active())
}

func TestJoinRequiresUser(t *testing.T) {
	h := newRelayHarness(t, time.Minute)
	_, err := h.coord.Join(context.Background(), "", "c1")
	assert.True(t, apperr.Is(err, apperr.CodeInvalid))
}

func TestLeaveConversationMutesPushes(t *testing.T) {
	ctx := context.Background()
	h := newRelayHarness(t, time.Minute)
	conv := h.paired(t)
	h.pusher.reset()

	h.coord.LeaveConversation("bob", conv.ID)
	_, err := h.coord.Send(ctx, "alice", conv.ID, "anyone there?")
	require.NoError(t, err)
	assert.Empty(t, h.pusher.types("c-bob"))
	assert.Equal(t, []string{protocol.TypeNewMessage}, h.pusher.types("c-alice"))

	// Rejoining resumes pushes.
	_, err = h.coord.Join(ctx, "bob", "c-bob")
	require.NoError(t, err)
	_, err = h.coord.Send(ctx, "alice", conv.ID, "back?")
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.TypeNewMessage}, h.pusher.types("c-bob"))
}

func TestDisconnectWithoutGraceEndsConversation(t *testing.T) {
	ctx := context.Background()
	h := newRelayHarness(t, 0)
	conv := h.paired(t)
	h.pusher.reset()

	h.coord.Disconnect(ctx, "c-alice")

	got, err := h.chats.Get(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.False(t, got.Active())
	assert.Equal(t, []string{protocol.TypeConversationEnded}, h.pusher.types("c-bob"))
	assert.False(t, h.reg.Online("alice"))
}

func TestDisconnectGrace(t *testing.T) {
	ctx := context.Background()

	t.Run("expires", func(t *testing.T) {
		h := newRelayHarness(t, 30*time.Millisecond)
		conv := h.paired(t)

		h.coord.Disconnect(ctx, "c-alice")
		assert.Eventually(t, func() bool {
			got, err := h.chats.Get(ctx, conv.ID, "bob")
			return err == nil && !got.Active()
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("rejoin cancels", func(t *testing.T) {
		h := newRelayHarness(t, 50*time.Millisecond)
		conv := h.paired(t)

		h.coord.Disconnect(ctx, "c-alice")
		active, err := h.coord.Join(ctx, "alice", "c-alice-2")
		require.NoError(t, err)
		require.NotNil(t, active)

		time.Sleep(150 * time.Millisecond)
		got, err := h.chats.Get(ctx, conv.ID, "bob")
		require.NoError(t, err)
		assert.True(t, got.Active())
	})
}

func TestDisconnectLeavesPool(t *testing.T) {
	ctx := context.Background()
	h := newRelayHarness(t, time.Minute)
	h.user(t, "alice")
	_, err := h.coord.Join(ctx, "alice", "c-alice")
	require.NoError(t, err)
	_, err = h.engine.FindMatch(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, h.engine.QueueSize())

	h.coord.Disconnect(ctx, "c-alice")
	assert.Zero(t, h.engine.QueueSize())
}

func TestEndPushesToBoth(t *testing.T) {
	ctx := context.Background()
	h := newRelayHarness(t, time.Minute)
	conv := h.paired(t)
	h.pusher.reset()

	ended, err := h.coord.End(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.False(t, ended.Active())
	assert.Equal(t, []string{protocol.TypeConversationEnded}, h.pusher.types("c-alice"))
	assert.Equal(t, []string{protocol.TypeConversationEnded}, h.pusher.types("c-bob"))
}
