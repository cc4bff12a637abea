package matching_test

import (
	"context"
	"fmt"
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
	"github.com/whisper/anonyconnect/internal/session"
	"github.com/whisper/anonyconnect/internal/store/memory"
)

type harness struct {
	db     *memory.Store
	chats  *chat.Store
	engine *matching.Engine
	broker *matching.Broker
}

func newHarness(t *testing.T, cfg matching.Config) *harness {
	t.Helper()
	db := memory.New()
	chats := chat.NewStore(db, moderation.NewFilter(), zap.NewNop())
	engine := matching.NewEngine(cfg, matching.Deps{
		Profiles:      db,
		Conversations: chats,
		Blocks:        db,
	}, zap.NewNop())
	chats.OnEnd(engine.Release)
	broker := matching.NewBroker(engine.Status)
	engine.SetNotifier(broker)
	return &harness{db: db, chats: chats, engine: engine, broker: broker}
}

func (h *harness) user(t *testing.T, id string, interests ...string) {
	t.Helper()
	require.NoError(t, h.db.Save(context.Background(), &session.Session{
		ID:          id,
		DisplayName: id,
		Interests:   interests,
		Online:      true,
	}))
}

func TestFindMatch_EmptyPoolEnqueues(t *testing.T) {
	h := newHarness(t, matching.DefaultConfig())
	h.user(t, "alice", "music")

	res, err := h.engine.FindMatch(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomeEnqueued, res.Outcome)
	assert.Empty(t, res.ConversationID)

	st, _ := h.engine.Status("alice")
	assert.Equal(t, matching.StateWaiting, st)

	sess, err := h.db.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, sess.Searching)
}

func TestFindMatch_PairsWithWaitingUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, matching.DefaultConfig())
	h.user(t, "alice", "music", "go")
	h.user(t, "bob", "go", "chess")

	_, err := h.engine.FindMatch(ctx, "alice")
	require.NoError(t, err)

	res, err := h.engine.FindMatch(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomePaired, res.Outcome)
	assert.Equal(t, "alice", res.PartnerID)
	assert.Equal(t, []string{"go"}, res.SharedInterests)
	require.NotEmpty(t, res.ConversationID)

	conv, err := h.chats.Get(ctx, res.ConversationID, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, conv.Participants())

	for _, id := range []string{"alice", "bob"} {
		st, convID := h.engine.Status(id)
		assert.Equal(t, matching.StateMatched, st)
		assert.Equal(t, res.ConversationID, convID)

		sess, err := h.db.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, sess.Searching)
	}
	assert.Zero(t, h.engine.QueueSize())
}

func TestFindMatch_ScoringAndTieBreak(t *testing.T) {
	tests := []struct {
		name    string
		waiting [][]string // interests of w0, w1, w2 enqueued in order
		seeker  []string
		want    string
	}{
		{
			name:    "highest overlap wins",
			waiting: [][]string{{"a"}, {"a", "b", "c"}, {"a", "b"}},
			seeker:  []string{"a", "b", "c"},
			want:    "w1",
		},
		{
			name:    "tie goes to the oldest entry",
			waiting: [][]string{{"x"}, {"a", "b"}, {"a", "b"}},
			seeker:  []string{"a", "b"},
			want:    "w1",
		},
		{
			name:    "no interests takes the oldest",
			waiting: [][]string{{"x"}, {"y"}, {"z"}},
			seeker:  nil,
			want:    "w0",
		},
		{
			name:    "zero overlap still pairs",
			waiting: [][]string{{"x"}},
			seeker:  []string{"q"},
			want:    "w0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, matching.DefaultConfig())
			for i, interests := range tt.waiting {
				id := fmt.Sprintf("w%d", i)
				h.user(t, id, interests...)
				res, err := h.engine.FindMatch(ctx, id)
				require.NoError(t, err)
				require.Equal(t, matching.OutcomeEnqueued, res.Outcome)
			}
			h.user(t, "seeker", tt.seeker...)

			res, err := h.engine.FindMatch(ctx, "seeker")
			require.NoError(t, err)
			assert.Equal(t, matching.OutcomePaired, res.Outcome)
			assert.Equal(t, tt.want, res.PartnerID)
		})
	}
}

func TestFindMatch_SharedInterestBeatsLongerWait(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, matching.DefaultConfig())
	h.user(t, "C")
	h.user(t, "B", "art", "travel")
	h.user(t, "A", "music", "art")

	// Keep B and C apart so both are waiting when A arrives.
	require.NoError(t, h.engine.NoteBlock(ctx, "B", "C"))
	for _, id := range []string{"C", "B"} {
		res, err := h.engine.FindMatch(ctx, id)
		require.NoError(t, err)
		require.Equal(t, matching.OutcomeEnqueued, res.Outcome)
	}

	res, err := h.engine.FindMatch(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomePaired, res.Outcome)
	assert.Equal(t, "B", res.PartnerID)
	assert.Equal(t, []string{"art"}, res.SharedInterests)

	st, _ := h.engine.Status("C")
	assert.Equal(t, matching.StateWaiting, st)
}

func TestFindMatch_ActiveUserRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, matching.DefaultConfig())
	h.user(t, "alice")
	h.user(t, "bob")

	_, err := h.engine.FindMatch(ctx, "alice")
	require.NoError(t, err)
	_, err = h.engine.FindMatch(ctx, "bob")
	require.NoError(t, err)

	_, err = h.engine.FindMatch(ctx, "alice")
	assert.True(t, apperr.Is(err, apperr.CodeAlreadyActive), "got %v", err)
}

func TestFindMatch_UnknownUser(t *testing.T) {
	h := newHarness(t, matching.DefaultConfig())
	_, err := h.engine.FindMatch(context.Background(), "ghost")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound), "got %v", err)
}

func TestFindMatch_SkipsBlockedPairs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, matching.DefaultConfig())
	h.user(t, "alice", "go")
	h.user(t, "bob", "go")
	h.user(t, "carol")

	require.NoError(t, h.db.InsertBlock(ctx, chat.Block{BlockerID: "bob", BlockedID: "alice", CreatedAt: time.Now()}))

	_, err := h.engine.FindMatch(ctx, "alice")
	require.NoError(t, err)

	res, err := h.engine.FindMatch(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomeEnqueued, res.Outcome, "blocked users must never be paired")

	res, err = h.engine.FindMatch(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomePaired, res.Outcome)
	assert.Equal(t, "alice", res.PartnerID)
}

func TestFindMatch_NoteBlockTakesEffectBeforeStorage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, matching.DefaultConfig())
	h.user(t, "alice")
	h.user(t, "bob")

	_, err := h.engine.FindMatch(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, h.engine.NoteBlock(ctx, "bob", "alice"))

	res, err := h.engine.FindMatch(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomeEnqueued, res.Outcome)
}

func TestFindMatch_BannedUser(t *testing.T) {
	db := memory.New()
	chats := chat.NewStore(db, moderation.NewFilter(), zap.NewNop())
	engine := matching.NewEngine(matching.DefaultConfig(), matching.Deps{
		Profiles:      db,
		Conversations: chats,
		Blocks:        db,
		Bans:          fakeBans{"mallory": true},
	}, zap.NewNop())
	require.NoError(t, db.Save(context.Background(), &session.Session{ID: "mallory", DisplayName: "m"}))

	_, err := engine.FindMatch(context.Background(), "mallory")
	assert.True(t, apperr.Is(err, apperr.CodeAccessDenied), "got %v", err)
	assert.Zero(t, engine.QueueSize())
}

type fakeBans map[string]bool

func (f fakeBans) IsBanned(_ context.Context, userID string) (bool, int, string, error) {
	if f[userID] {
		return true, 900, "multiple_reports", nil
	}
	return false, 0, "", nil
}

func TestFindMatch_ConcurrentNeverDoublePairs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, matching.DefaultConfig())

	const n = 40
	for i := 0; i < n; i++ {
		h.user(t, fmt.Sprintf("u%02d", i), "shared")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]matching.MatchResult)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := h.engine.FindMatch(ctx, id)
			assert.NoError(t, err)
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}(fmt.Sprintf("u%02d", i))
	}
	wg.Wait()

	inConv := make(map[string]string)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("u%02d", i)
		conv, err := h.chats.ActiveFor(ctx, id)
		require.NoError(t, err)
		if conv == nil {
			st, _ := h.engine.Status(id)
			assert.Equal(t, matching.StateWaiting, st, "%s is neither waiting nor paired", id)
			continue
		}
		inConv[id] = conv.ID
		assert.Equal(t, id, conv.Partner(conv.Partner(id)))
	}

	// Every conversation has exactly two participants and nobody is in two.
	count := make(map[string]int)
	for _, convID := range inConv {
		count[convID]++
	}
	for convID, c := range count {
		assert.Equal(t, 2, c, "conversation %s", convID)
	}
	assert.Equal(t, n-len(inConv), h.engine.QueueSize())
	assert.LessOrEqual(t, h.engine.QueueSize(), 1)
}

func TestFindMatch_ThreeUsersOneLeftWaiting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, matching.DefaultConfig())
	h.user(t, "a", "go")
	h.user(t, "b", "go")
	h.user(t, "c", "go")

	_, err := h.engine.FindMatch(ctx, "a")
	require.NoError(t, err)
	ab, err := h.engine.FindMatch(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, matching.OutcomePaired, ab.Outcome)

	res, err := h.engine.FindMatch(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomeEnqueued, res.Outcome)

	// Ending a/b returns both to idle; a may search again and meets c.
	_, err = h.chats.End(ctx, ab.ConversationID, "a")
	require.NoError(t, err)
	st, _ := h.engine.Status("a")
	assert.Equal(t, matching.StateIdle, st)

	res, err = h.engine.FindMatch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, matching.OutcomePaired, res.Outcome)
	assert.Equal(t, "c", res.PartnerID)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, matching.DefaultConfig())
	h.user(t, "alice")
	h.user(t, "bob")

	require.NoError(t, h.engine.Cancel(ctx, "alice"), "cancel while idle is a no-op")

	_, err := h.engine.FindMatch(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, h.engine.Cancel(ctx, "alice"))
	st, _ := h.engine.Status("alice")
	assert.Equal(t, matching.StateIdle, st)

	sess, err := h.db.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, sess.Searching)

	_, err = h.engine.FindMatch(ctx, "alice")
	require.NoError(t, err)
	_, err = h.engine.FindMatch(ctx, "bob")
	require.NoError(t, err)

	err = h.engine.Cancel(ctx, "alice")
	assert.True(t, apperr.Is(err, apperr.CodeConflict), "got %v", err)
}

func TestSweep_ExpiresOfflineEntries(t *testing.T) {
	ctx := context.Background()
	cfg := matching.DefaultConfig()
	cfg.MaxWait = 0
	h := newHarness(t, cfg)
	h.user(t, "online")
	h.user(t, "gone")

	// Keep the two from pairing with each other.
	require.NoError(t, h.engine.NoteBlock(ctx, "online", "gone"))
	_, err := h.engine.FindMatch(ctx, "online")
	require.NoError(t, err)
	_, err = h.engine.FindMatch(ctx, "gone")
	require.NoError(t, err)
	require.Equal(t, 2, h.engine.QueueSize())

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got := make(chan matching.Notification, 1)
	go func() {
		n, err := h.broker.WaitForMatch(waitCtx, "gone")
		if err == nil {
			got <- n
		}
	}()
	// Give the waiter time to subscribe.
	time.Sleep(20 * time.Millisecond)

	expired := h.engine.Sweep(ctx, func(id string) bool { return id == "online" })
	assert.Equal(t, []string{"gone"}, expired)
	assert.Equal(t, 1, h.engine.QueueSize())

	select {
	case n := <-got:
		assert.True(t, n.Timeout)
	case <-waitCtx.Done():
		t.Fatal("waiter was not told about the expiry")
	}
}

func TestBroker_WakesOnPairing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, matching.DefaultConfig())
	h.user(t, "alice")
	h.user(t, "bob")

	_, err := h.engine.FindMatch(ctx, "alice")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got := make(chan matching.Notification, 1)
	go func() {
		n, err := h.broker.WaitForMatch(waitCtx, "alice")
		assert.NoError(t, err)
		got <- n
	}()
	time.Sleep(20 * time.Millisecond)

	res, err := h.engine.FindMatch(ctx, "bob")
	require.NoError(t, err)

	n := <-got
	assert.Equal(t, res.ConversationID, n.ConversationID)
}

func TestBroker_AlreadyMatchedReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, matching.DefaultConfig())
	h.user(t, "alice")
	h.user(t, "bob")

	_, err := h.engine.FindMatch(ctx, "alice")
	require.NoError(t, err)
	res, err := h.engine.FindMatch(ctx, "bob")
	require.NoError(t, err)

	n, err := h.broker.WaitForMatch(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, res.ConversationID, n.ConversationID)
}

func TestBroker_ContextTimeout(t *testing.T) {
	h := newHarness(t, matching.DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.broker.WaitForMatch(ctx, "nobody")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoller(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, matching.DefaultConfig())
	h.user(t, "alice")
	h.user(t, "bob")
	poller := matching.NewPoller(h.engine.Status, 5*time.Millisecond)

	n, err := poller.WaitForMatch(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, n.Timeout, "an idle user has nothing to wait for")

	_, err = h.engine.FindMatch(ctx, "alice")
	require.NoError(t, err)

	done := make(chan matching.Notification, 1)
	go func() {
		n, _ := poller.WaitForMatch(ctx, "alice")
		done <- n
	}()

	res, err := h.engine.FindMatch(ctx, "bob")
	require.NoError(t, err)

	select {
	case n := <-done:
		assert.Equal(t, res.ConversationID, n.ConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not observe the pairing")
	}
}

// stallingConversations holds the result of the first ActiveFor call for one
// user until release is closed, so the caller acts on a stale read.
type stallingConversations struct {
	*chat.Store
	userID  string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stallingConversations) ActiveFor(ctx context.Context, userID string) (*chat.Conversation, error) {
	conv, err := s.Store.ActiveFor(ctx, userID)
	if userID == s.userID {
		stall := false
		s.once.Do(func() { stall = true })
		if stall {
			close(s.entered)
			<-s.release
		}
	}
	return conv, err
}

func TestFindMatch_ReentryWhilePairedElsewhere(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	chats := chat.NewStore(db, moderation.NewFilter(), zap.NewNop())
	convs := &stallingConversations{
		Store:   chats,
		userID:  "carol",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	engine := matching.NewEngine(matching.DefaultConfig(), matching.Deps{
		Profiles:      db,
		Conversations: convs,
		Blocks:        db,
	}, zap.NewNop())
	chats.OnEnd(engine.Release)
	for _, id := range []string{"carol", "ursula"} {
		require.NoError(t, db.Save(ctx, &session.Session{ID: id, DisplayName: id, Online: true}))
	}

	// Enqueue carol before arming the stall.
	convs.userID = ""
	res, err := engine.FindMatch(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, matching.OutcomeEnqueued, res.Outcome)
	convs.userID = "carol"

	errc := make(chan error, 1)
	go func() {
		_, err := engine.FindMatch(ctx, "carol")
		errc <- err
	}()
	<-convs.entered

	paired, err := engine.FindMatch(ctx, "ursula")
	require.NoError(t, err)
	require.Equal(t, matching.OutcomePaired, paired.Outcome)
	require.Equal(t, "carol", paired.PartnerID)

	close(convs.release)
	err = <-errc
	assert.True(t, apperr.Is(err, apperr.CodeAlreadyActive), "got %v", err)

	st, convID := engine.Status("carol")
	assert.Equal(t, matching.StateMatched, st)
	assert.Equal(t, paired.ConversationID, convID)
	assert.Zero(t, engine.QueueSize())

	sess, err := db.Get(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, sess.Searching)

	assert.True(t, apperr.Is(engine.Cancel(ctx, "carol"), apperr.CodeConflict))
}

func TestCancel_ConcurrentWithPairing(t *testing.T) {
	for i := 0; i < 50; i++ {
		ctx := context.Background()
		h := newHarness(t, matching.DefaultConfig())
		h.user(t, "alice")
		h.user(t, "bob")

		_, err := h.engine.FindMatch(ctx, "alice")
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			cancelErr error
			res       matching.MatchResult
			findErr   error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelErr = h.engine.Cancel(ctx, "alice")
		}()
		go func() {
			defer wg.Done()
			res, findErr = h.engine.FindMatch(ctx, "bob")
		}()
		wg.Wait()
		require.NoError(t, findErr)

		conv, err := h.chats.ActiveFor(ctx, "alice")
		require.NoError(t, err)

		if cancelErr == nil {
			assert.Equal(t, matching.OutcomeEnqueued, res.Outcome, "run %d", i)
			assert.Nil(t, conv, "run %d: cancelled user was paired", i)
			st, _ := h.engine.Status("alice")
			assert.Equal(t, matching.StateIdle, st, "run %d", i)
			continue
		}
		assert.True(t, apperr.Is(cancelErr, apperr.CodeConflict), "run %d: got %v", i, cancelErr)
		assert.Equal(t, matching.OutcomePaired, res.Outcome, "run %d", i)
		require.NotNil(t, conv, "run %d", i)
		assert.Equal(t, res.ConversationID, conv.ID, "run %d", i)
	}
}
