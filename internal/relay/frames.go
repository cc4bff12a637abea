package relay

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/apperr"
	"github.com/whisper/anonyconnect/internal/matching"
	"github.com/whisper/anonyconnect/internal/protocol"
	"github.com/whisper/anonyconnect/internal/ratelimit"
	"github.com/whisper/anonyconnect/internal/ws"
)

// Engine is the slice of the matchmaking engine WebSocket clients drive.
type Engine interface {
	FindMatch(ctx context.Context, userID string) (matching.MatchResult, error)
	Cancel(ctx context.Context, userID string) error
}

// BanChecker reports current bans.
type BanChecker interface {
	IsBanned(ctx context.Context, userID string) (bool, int, string, error)
}

// Frames handles client frames for the coordinator. Bans and Limiter may be
// nil.
type Frames struct {
	coord   *Coordinator
	engine  Engine
	bans    BanChecker
	limiter *ratelimit.Limiter
	maxWait time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// NewFrames creates the frame handlers. maxWait is reported to clients in
// matching_started.
func NewFrames(coord *Coordinator, engine Engine, bans BanChecker, limiter *ratelimit.Limiter, maxWait time.Duration, logger *zap.Logger) *Frames {
	return &Frames{
		coord:   coord,
		engine:  engine,
		bans:    bans,
		limiter: limiter,
		maxWait: maxWait,
		timeout: 5 * time.Second,
		logger:  logger.Named("relay"),
	}
}

// Register installs the handlers on d.
func (f *Frames) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoin, f.join)
	d.Register(protocol.TypeLeaveConversation, f.joined(f.leaveConversation))
	d.Register(protocol.TypeSendMessage, f.joined(f.sendMessage))
	d.Register(protocol.TypeFindMatch, f.joined(f.findMatch))
	d.Register(protocol.TypeCancelMatch, f.joined(f.cancelMatch))
	d.Register(protocol.TypeEndConversation, f.joined(f.endConversation))
}

// Disconnect is the ws.Server disconnect callback.
func (f *Frames) Disconnect(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	f.coord.Disconnect(ctx, connID)
}

type userHandler func(ctx context.Context, c *ws.Connection, userID string, msg any)

// joined resolves the connection's user before calling h. Frames from
// connections that never joined get a not_joined error.
func (f *Frames) joined(h userHandler) ws.MessageHandler {
	return func(c *ws.Connection, msg any) {
		userID, ok := f.coord.deps.Registry.ReverseLookup(c.ID)
		if !ok {
			f.send(c.ID, protocol.ErrorFrame("not_joined", "join first"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		h(ctx, c, userID, msg)
	}
}

func (f *Frames) join(c *ws.Connection, msg any) {
	m := msg.(protocol.JoinMsg)
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if f.coord.deps.Profiles != nil {
		if _, err := f.coord.deps.Profiles.Get(ctx, m.UserID); err != nil {
			f.sendErr(c.ID, err)
			return
		}
	}

	conv, err := f.coord.Join(ctx, m.UserID, c.ID)
	if err != nil {
		f.sendErr(c.ID, err)
		return
	}

	reply := protocol.JoinedMsg{UserID: m.UserID}
	if conv != nil {
		reply.ConversationID = conv.ID
	}
	f.send(c.ID, protocol.MustServerMessage(protocol.TypeJoined, reply))

	if banned, remaining, reason := f.banned(ctx, m.UserID); banned {
		f.send(c.ID, protocol.MustServerMessage(protocol.TypeBanned, protocol.BannedMsg{Duration: remaining, Reason: reason}))
	}
}

func (f *Frames) leaveConversation(_ context.Context, _ *ws.Connection, userID string, msg any) {
	m := msg.(protocol.LeaveConversationMsg)
	f.coord.LeaveConversation(userID, m.ConversationID)
}

func (f *Frames) sendMessage(ctx context.Context, c *ws.Connection, userID string, msg any) {
	m := msg.(protocol.SendMessageMsg)

	if d := f.limiter.Allow(ctx, userID, ratelimit.RuleMessage); !d.Allowed {
		f.rateLimited(c.ID, d)
		return
	}
	if _, err := f.coord.Send(ctx, userID, m.ConversationID, m.Content); err != nil {
		f.sendErr(c.ID, err)
	}
}

func (f *Frames) findMatch(ctx context.Context, c *ws.Connection, userID string, _ any) {
	if d := f.limiter.Allow(ctx, userID, ratelimit.RuleMatch); !d.Allowed {
		f.rateLimited(c.ID, d)
		return
	}
	if banned, remaining, reason := f.banned(ctx, userID); banned {
		f.send(c.ID, protocol.MustServerMessage(protocol.TypeBanned, protocol.BannedMsg{Duration: remaining, Reason: reason}))
		return
	}

	res, err := f.engine.FindMatch(ctx, userID)
	if err != nil {
		f.sendErr(c.ID, err)
		return
	}
	// A pairing is pushed to both users by the engine's notifier.
	if res.Outcome == matching.OutcomeEnqueued {
		f.send(c.ID, protocol.MustServerMessage(protocol.TypeMatchingStarted,
			protocol.MatchingStartedMsg{Timeout: int(f.maxWait.Seconds())}))
	}
}

func (f *Frames) cancelMatch(ctx context.Context, c *ws.Connection, userID string, _ any) {
	if err := f.engine.Cancel(ctx, userID); err != nil {
		f.sendErr(c.ID, err)
	}
}

func (f *Frames) endConversation(ctx context.Context, c *ws.Connection, userID string, msg any) {
	m := msg.(protocol.EndConversationMsg)
	if _, err := f.coord.End(ctx, userID, m.ConversationID); err != nil {
		f.sendErr(c.ID, err)
	}
}

func (f *Frames) banned(ctx context.Context, userID string) (bool, int, string) {
	if f.bans == nil {
		return false, 0, ""
	}
	banned, remaining, reason, err := f.bans.IsBanned(ctx, userID)
	if err != nil {
		f.logger.Warn("ban check failed, failing open", zap.String("user_id", userID), zap.Error(err))
		return false, 0, ""
	}
	return banned, remaining, reason
}

func (f *Frames) rateLimited(connID string, d ratelimit.Decision) {
	f.send(connID, protocol.MustServerMessage(protocol.TypeRateLimited,
		protocol.RateLimitedMsg{RetryAfter: int(math.Ceil(d.RetryAfter.Seconds()))}))
}

func (f *Frames) sendErr(connID string, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal || code == apperr.CodeUpstream {
		f.logger.Error("frame handler failed", zap.String("conn_id", connID), zap.Error(err))
	}
	f.send(connID, protocol.ErrorFrame(string(code), apperr.MessageOf(err)))
}

func (f *Frames) send(connID string, frame []byte) {
	if err := f.coord.deps.Pusher.Send(connID, frame); err != nil {
		f.logger.Debug("send failed", zap.String("conn_id", connID), zap.Error(err))
	}
}
