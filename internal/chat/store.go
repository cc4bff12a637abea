package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/apperr"
	"github.com/whisper/anonyconnect/internal/metrics"
	"github.com/whisper/anonyconnect/internal/moderation"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Screener is the content check applied to every appended message.
type Screener interface {
	Check(text string) moderation.Verdict
}

// EndHook runs once per conversation, after it transitions to ended.
type EndHook func(ctx context.Context, conv *Conversation)

// CreateHook runs after a conversation is stored.
type CreateHook func(ctx context.Context, conv *Conversation)

// maxAppendAttempts bounds retries after a sequence collision, which happens
// when another instance appended to the same conversation.
const maxAppendAttempts = 3

// Store is the conversation store. Sequence numbers and timestamps for one
// conversation are handed out under a per-conversation lock that is never
// held across storage calls; different conversations never contend.
type Store struct {
	db       Persistence
	screener Screener
	locks    *keyedMutex
	logger   *zap.Logger
	now      func() time.Time

	cursorsMu sync.Mutex
	cursors   map[string]*cursor

	hooksMu  sync.RWMutex
	onEnd    []EndHook
	onCreate []CreateHook
}

// NewStore wires a Store over db, screening content with screener.
func NewStore(db Persistence, screener Screener, logger *zap.Logger) *Store {
	return &Store{
		db:       db,
		screener: screener,
		locks:    newKeyedMutex(),
		logger:   logger.Named("chat"),
		now:      time.Now,
		cursors:  make(map[string]*cursor),
	}
}

// OnEnd registers a hook fired after a conversation ends.
func (s *Store) OnEnd(hook EndHook) {
	s.hooksMu.Lock()
	s.onEnd = append(s.onEnd, hook)
	s.hooksMu.Unlock()
}

// OnCreate registers a hook fired after a conversation is created.
func (s *Store) OnCreate(hook CreateHook) {
	s.hooksMu.Lock()
	s.onCreate = append(s.onCreate, hook)
	s.hooksMu.Unlock()
}

// Create starts an active conversation between a and b. It fails with
// AlreadyActive if either user is already in an active conversation.
func (s *Store) Create(ctx context.Context, a, b string) (*Conversation, error) {
	if a == "" || b == "" || a == b {
		return nil, apperr.New(apperr.CodeInvalid, "a conversation needs two distinct participants")
	}

	conv := &Conversation{
		ID:           uuid.NewString(),
		ParticipantA: a,
		ParticipantB: b,
		Status:       StatusActive,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.db.InsertConversation(ctx, conv); err != nil {
		return nil, apperr.Upstream(err, "create conversation")
	}

	metrics.ActiveConversations.Inc()
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID), zap.String("a", a), zap.String("b", b))

	s.hooksMu.RLock()
	hooks := s.onCreate
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, conv)
	}
	return conv, nil
}

// Get returns the conversation if requester is a participant. Ended
// conversations stay readable so participants can review history.
func (s *Store) Get(ctx context.Context, id, requester string) (*Conversation, error) {
	conv, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return nil, apperr.Upstream(err, "load conversation")
	}
	if !conv.IsParticipant(requester) {
		return nil, apperr.New(apperr.CodeAccessDenied, "not a participant in this conversation")
	}
	return conv, nil
}

// Append validates, screens and stores a message from sender. Rejected
// content is never stored; the returned error carries the rejection reason.
func (s *Store) Append(ctx context.Context, id, sender, content string) (*Message, error) {
	if err := ValidateMessage(content); err != nil {
		return nil, err
	}

	start := time.Now()
	conv, err := s.Get(ctx, id, sender)
	if err != nil {
		return nil, err
	}
	if !conv.Active() {
		return nil, apperr.New(apperr.CodeAccessDenied, "conversation has ended")
	}

	if v := s.screener.Check(content); !v.Allowed {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		metrics.MessageRejections.WithLabelValues(v.Code).Inc()
		return nil, apperr.Rejected(v.Reason)
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: id,
		SenderID:       sender,
		Content:        content,
	}
	for attempt := 1; ; attempt++ {
		cur, err := s.cursor(ctx, id)
		if err != nil {
			return nil, err
		}

		unlock := s.locks.Lock(id)
		msg.Seq, msg.CreatedAt = cur.next(s.now().UTC())
		unlock()

		// The insert refuses ended conversations, which fences appends
		// racing with End.
		err = s.db.InsertMessage(ctx, msg)
		if err == nil {
			break
		}
		s.dropCursor(id, cur)
		if apperr.Is(err, apperr.CodeConflict) && attempt < maxAppendAttempts {
			continue
		}
		return nil, apperr.Upstream(err, "store message")
	}

	metrics.MessagesTotal.WithLabelValues("stored").Inc()
	metrics.AppendLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// cursor is the next sequence number and the timestamp floor of one
// conversation. Its fields are guarded by the conversation's keyed lock.
type cursor struct {
	seq  int64
	last time.Time
}

// next hands out the following sequence number and a timestamp that is
// strictly after the previous one even if the clock steps back.
func (c *cursor) next(now time.Time) (int64, time.Time) {
	c.seq++
	if floor := c.last.Add(time.Microsecond); !c.last.IsZero() && now.Before(floor) {
		now = floor
	}
	c.last = now
	return c.seq, now
}

// cursor returns the conversation's cursor, seeding it from the last stored
// message the first time. The seed read happens outside every lock.
func (s *Store) cursor(ctx context.Context, id string) (*cursor, error) {
	s.cursorsMu.Lock()
	cur, ok := s.cursors[id]
	s.cursorsMu.Unlock()
	if ok {
		return cur, nil
	}

	last, err := s.db.LastMessage(ctx, id)
	if err != nil {
		return nil, apperr.Upstream(err, "load last message")
	}
	seeded := &cursor{}
	if last != nil {
		seeded.seq, seeded.last = last.Seq, last.CreatedAt
	}

	s.cursorsMu.Lock()
	defer s.cursorsMu.Unlock()
	if cur, ok := s.cursors[id]; ok {
		return cur, nil
	}
	s.cursors[id] = seeded
	return seeded, nil
}

// dropCursor forgets cur so the next append reseeds from storage.
func (s *Store) dropCursor(id string, cur *cursor) {
	s.cursorsMu.Lock()
	if s.cursors[id] == cur {
		delete(s.cursors, id)
	}
	s.cursorsMu.Unlock()
}

// List returns up to limit messages oldest first. A non-positive limit means
// DefaultListLimit.
func (s *Store) List(ctx context.Context, id, requester string, limit int) ([]Message, error) {
	return s.ListAfter(ctx, id, requester, 0, limit)
}

// ListAfter is List starting after the message with sequence afterSeq.
func (s *Store) ListAfter(ctx context.Context, id, requester string, afterSeq int64, limit int) ([]Message, error) {
	if _, err := s.Get(ctx, id, requester); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if afterSeq < 0 {
		afterSeq = 0
	}

	msgs, err := s.db.ListMessages(ctx, id, afterSeq, limit)
	if err != nil {
		return nil, apperr.Upstream(err, "list messages")
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// End ends the conversation on behalf of requester. Ending an already ended
// conversation succeeds and returns it with its original EndedAt.
func (s *Store) End(ctx context.Context, id, requester string) (*Conversation, error) {
	if _, err := s.Get(ctx, id, requester); err != nil {
		return nil, err
	}
	return s.end(ctx, id)
}

// ActiveFor returns the user's active conversation, or nil.
func (s *Store) ActiveFor(ctx context.Context, userID string) (*Conversation, error) {
	conv, err := s.db.ActiveConversation(ctx, userID)
	if err != nil {
		return nil, apperr.Upstream(err, "load active conversation")
	}
	return conv, nil
}

// EndBetween ends the active conversation between a and b, if there is one.
// It returns the ended conversation or nil.
func (s *Store) EndBetween(ctx context.Context, a, b string) (*Conversation, error) {
	conv, err := s.ActiveFor(ctx, a)
	if err != nil || conv == nil {
		return nil, err
	}
	if conv.Partner(a) != b {
		return nil, nil
	}
	return s.end(ctx, conv.ID)
}

// EndActive ends userID's active conversation, if any, without an access
// check. It is used for disconnect cleanup.
func (s *Store) EndActive(ctx context.Context, userID string) (*Conversation, error) {
	conv, err := s.ActiveFor(ctx, userID)
	if err != nil || conv == nil {
		return nil, err
	}
	return s.end(ctx, conv.ID)
}

// SyncMetrics resets the active conversation gauge from storage.
func (s *Store) SyncMetrics(ctx context.Context) error {
	n, err := s.db.CountActive(ctx)
	if err != nil {
		return apperr.Upstream(err, "count active conversations")
	}
	metrics.ActiveConversations.Set(float64(n))
	return nil
}

func (s *Store) end(ctx context.Context, id string) (*Conversation, error) {
	conv, transitioned, err := s.db.EndConversation(ctx, id, s.now().UTC())
	if err != nil {
		return nil, apperr.Upstream(err, "end conversation")
	}
	if !transitioned {
		return conv, nil
	}

	s.cursorsMu.Lock()
	delete(s.cursors, id)
	s.cursorsMu.Unlock()

	metrics.ActiveConversations.Dec()
	s.logger.Info("conversation ended", zap.String("conversation_id", conv.ID))

	s.hooksMu.RLock()
	hooks := append([]EndHook(nil), s.onEnd...)
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, conv)
	}
	return conv, nil
}
