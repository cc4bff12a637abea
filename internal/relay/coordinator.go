// Package relay moves messages and lifecycle events between connected users.
// It binds connections to users, stores messages through the conversation
// store before fanning them out, and tears conversations down on block or
// after a disconnect grace period.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/apperr"
	"github.com/whisper/anonyconnect/internal/chat"
	"github.com/whisper/anonyconnect/internal/matching"
	"github.com/whisper/anonyconnect/internal/messaging"
	"github.com/whisper/anonyconnect/internal/protocol"
	"github.com/whisper/anonyconnect/internal/registry"
	"github.com/whisper/anonyconnect/internal/session"
)

// Pusher delivers frames to live connections.
type Pusher interface {
	Send(connID string, data []byte) error
	Close(connID string)
}

// Conversations is the slice of the conversation store the relay needs.
type Conversations interface {
	Get(ctx context.Context, id, requester string) (*chat.Conversation, error)
	Append(ctx context.Context, id, sender, content string) (*chat.Message, error)
	End(ctx context.Context, id, requester string) (*chat.Conversation, error)
	ActiveFor(ctx context.Context, userID string) (*chat.Conversation, error)
	EndBetween(ctx context.Context, a, b string) (*chat.Conversation, error)
	EndActive(ctx context.Context, userID string) (*chat.Conversation, error)
}

// Matcher is the slice of the matchmaking engine the relay needs.
type Matcher interface {
	NoteBlock(ctx context.Context, a, b string) error
	Leave(ctx context.Context, userID string)
}

// BlockWriter stores block relations.
type BlockWriter interface {
	InsertBlock(ctx context.Context, b chat.Block) error
}

// Profiles resolves display names.
type Profiles interface {
	Get(ctx context.Context, userID string) (*session.Session, error)
}

// Publisher publishes lifecycle events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// SendResult is the outcome of Send. Exactly one of Message and Reason is set.
type SendResult struct {
	Message *chat.Message
	Reason  string
}

// Delivered reports whether the message was stored and fanned out.
func (r SendResult) Delivered() bool { return r.Message != nil }

// Config tunes the coordinator.
type Config struct {
	// DisconnectGrace is how long a disconnected user may take to rejoin
	// before their active conversation is ended. Zero ends it immediately.
	DisconnectGrace time.Duration
}

func DefaultConfig() Config {
	return Config{DisconnectGrace: 15 * time.Second}
}

// Deps are the coordinator's collaborators. Profiles and Bus may be nil.
type Deps struct {
	Registry      *registry.Registry
	Pusher        Pusher
	Conversations Conversations
	Matcher       Matcher
	Blocks        BlockWriter
	Profiles      Profiles
	Bus           Publisher
}

// Coordinator is the relay.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	muted map[string]map[string]bool // connID -> conversation IDs not pushed
	grace map[string]*time.Timer     // userID -> pending end
}

// New creates a Coordinator.
func New(cfg Config, deps Deps, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("relay"),
		now:    time.Now,
		muted:  make(map[string]map[string]bool),
		grace:  make(map[string]*time.Timer),
	}
}

// Send stores content from sender and pushes it to both participants'
// connections. A moderation rejection is reported to the sender only and
// returned as a result, not an error.
func (c *Coordinator) Send(ctx context.Context, sender, convID, content string) (SendResult, error) {
	conv, err := c.deps.Conversations.Get(ctx, convID, sender)
	if err != nil {
		return SendResult{}, err
	}

	msg, err := c.deps.Conversations.Append(ctx, conv.ID, sender, content)
	if apperr.Is(err, apperr.CodeModerationRejected) {
		reason := apperr.ReasonOf(err)
		c.pushToUser(sender, "", protocol.MustServerMessage(protocol.TypeMessageRejected,
			protocol.MessageRejectedMsg{ConversationID: conv.ID, Reason: reason}))
		c.logger.Info("message rejected",
			zap.String("conversation_id", conv.ID), zap.String("sender_id", sender), zap.String("reason", reason))
		return SendResult{Reason: reason}, nil
	}
	if err != nil {
		return SendResult{}, err
	}

	frame := protocol.MustServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{Message: *msg})
	for _, userID := range conv.Participants() {
		c.pushToUser(userID, conv.ID, frame)
	}
	return SendResult{Message: msg}, nil
}

// Join binds connID to userID, closing any connection it replaces, and
// cancels a pending disconnect grace timer. It returns the user's active
// conversation, or nil.
func (c *Coordinator) Join(ctx context.Context, userID, connID string) (*chat.Conversation, error) {
	if userID == "" {
		return nil, apperr.New(apperr.CodeInvalid, "user_id is required")
	}

	// A connection re-joining as someone else disconnects the previous user.
	if prev, ok := c.deps.Registry.ReverseLookup(connID); ok && prev != userID {
		c.Disconnect(ctx, connID)
	}

	stale := c.deps.Registry.Bind(userID, connID)

	c.mu.Lock()
	delete(c.muted, connID)
	if stale != "" {
		delete(c.muted, stale)
	}
	if t, ok := c.grace[userID]; ok {
		t.Stop()
		delete(c.grace, userID)
	}
	c.mu.Unlock()

	if stale != "" {
		c.logger.Info("replacing stale connection", zap.String("user_id", userID), zap.String("conn_id", stale))
		c.deps.Pusher.Close(stale)
	}

	conv, err := c.deps.Conversations.ActiveFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// LeaveConversation stops pushes for convID to the user's current
// connection. The conversation stays active; the next Join resumes pushes.
func (c *Coordinator) LeaveConversation(userID, convID string) {
	connID, ok := c.deps.Registry.Lookup(userID)
	if !ok {
		return
	}
	c.mu.Lock()
	if c.muted[connID] == nil {
		c.muted[connID] = make(map[string]bool)
	}
	c.muted[connID][convID] = true
	c.mu.Unlock()
}

// End ends a conversation on behalf of userID.
func (c *Coordinator) End(ctx context.Context, userID, convID string) (*chat.Conversation, error) {
	return c.deps.Conversations.End(ctx, convID, userID)
}

// Block records that blocker never wants to meet blocked again and ends any
// active conversation between them.
func (c *Coordinator) Block(ctx context.Context, blocker, blocked string) error {
	if blocked == "" {
		return apperr.New(apperr.CodeInvalid, "blocked user is required")
	}
	if blocker == blocked {
		return apperr.New(apperr.CodeInvalid, "cannot block yourself")
	}

	// Tell the engine first so a pairing decided right now is finished
	// before the active conversation is looked up below.
	if err := c.deps.Matcher.NoteBlock(ctx, blocker, blocked); err != nil {
		return err
	}
	if err := c.deps.Blocks.InsertBlock(ctx, chat.Block{
		BlockerID: blocker,
		BlockedID: blocked,
		CreatedAt: c.now().UTC(),
	}); err != nil {
		return apperr.Upstream(err, "store block")
	}
	if _, err := c.deps.Conversations.EndBetween(ctx, blocker, blocked); err != nil {
		return err
	}

	c.logger.Info("user blocked", zap.String("blocker_id", blocker), zap.String("blocked_id", blocked))
	return nil
}

// Disconnect unbinds connID. When it was the user's current connection the
// user leaves the waiting pool at once, and their active conversation ends
// unless they rejoin within the grace period.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) {
	userID, current := c.deps.Registry.Unbind(connID)

	c.mu.Lock()
	delete(c.muted, connID)
	c.mu.Unlock()

	if !current {
		return
	}
	c.deps.Matcher.Leave(ctx, userID)

	if c.cfg.DisconnectGrace <= 0 {
		c.expire(userID)
		return
	}

	c.mu.Lock()
	if t, ok := c.grace[userID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.cfg.DisconnectGrace, func() {
		c.mu.Lock()
		if c.grace[userID] == timer {
			delete(c.grace, userID)
		}
		c.mu.Unlock()
		c.expire(userID)
	})
	c.grace[userID] = timer
	c.mu.Unlock()
}

// expire ends userID's active conversation unless they are back online.
func (c *Coordinator) expire(userID string) {
	if c.deps.Registry.Online(userID) {
		return
	}
	conv, err := c.deps.Conversations.EndActive(context.Background(), userID)
	if err != nil {
		c.logger.Warn("end conversation after disconnect", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if conv != nil {
		c.logger.Info("conversation ended after disconnect",
			zap.String("user_id", userID), zap.String("conversation_id", conv.ID))
	}
}

// ConversationCreated is registered as a conversation create hook.
func (c *Coordinator) ConversationCreated(_ context.Context, conv *chat.Conversation) {
	c.publish(chat.EventCreated, conv)
}

// ConversationEnded is registered as a conversation end hook. It tells both
// participants and publishes the lifecycle event.
func (c *Coordinator) ConversationEnded(_ context.Context, conv *chat.Conversation) {
	frame := protocol.MustServerMessage(protocol.TypeConversationEnded,
		protocol.ConversationEndedMsg{ConversationID: conv.ID})
	for _, userID := range conv.Participants() {
		c.pushToUser(userID, "", frame)
	}
	c.publish(chat.EventEnded, conv)
}

// MatchFound pushes a pairing or a wait expiry to the user's connection.
// It makes the coordinator a matching.Notifier.
func (c *Coordinator) MatchFound(ctx context.Context, userID string, n matching.Notification) {
	if n.Timeout {
		c.pushToUser(userID, "", protocol.MustServerMessage(protocol.TypeMatchTimeout, protocol.MatchTimeoutMsg{}))
		return
	}

	msg := protocol.MatchFoundMsg{ConversationID: n.ConversationID, SharedInterests: n.SharedInterests}
	if c.deps.Profiles != nil && n.PartnerID != "" {
		if p, err := c.deps.Profiles.Get(ctx, n.PartnerID); err == nil {
			msg.PartnerName = p.DisplayName
		} else {
			c.logger.Debug("partner profile lookup failed", zap.String("partner_id", n.PartnerID), zap.Error(err))
		}
	}
	c.pushToUser(userID, "", protocol.MustServerMessage(protocol.TypeMatchFound, msg))
}

// Push sends a frame to the user's current connection, if any.
func (c *Coordinator) Push(userID string, frame []byte) {
	c.pushToUser(userID, "", frame)
}

// pushToUser sends frame to userID's current connection. A non-empty convID
// scopes the push: connections that left that conversation are skipped. An
// offline user is not an error.
func (c *Coordinator) pushToUser(userID, convID string, frame []byte) {
	connID, ok := c.deps.Registry.Lookup(userID)
	if !ok {
		return
	}
	if convID != "" {
		c.mu.Lock()
		skip := c.muted[connID][convID]
		c.mu.Unlock()
		if skip {
			return
		}
	}
	if err := c.deps.Pusher.Send(connID, frame); err != nil {
		c.logger.Debug("push failed", zap.String("user_id", userID), zap.String("conn_id", connID), zap.Error(err))
	}
}

func (c *Coordinator) publish(event string, conv *chat.Conversation) {
	if c.deps.Bus == nil {
		return
	}
	data, err := json.Marshal(chat.NewEvent(event, conv))
	if err != nil {
		c.logger.Error("marshal conversation event", zap.Error(err))
		return
	}
	if err := c.deps.Bus.Publish(messaging.ConversationSubject(event, conv.ID), data); err != nil {
		c.logger.Warn("publish conversation event", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}
