package httpapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/apperr"
	"github.com/whisper/anonyconnect/internal/chat"
	"github.com/whisper/anonyconnect/internal/matching"
	"github.com/whisper/anonyconnect/internal/ratelimit"
	"github.com/whisper/anonyconnect/internal/relay"
	"github.com/whisper/anonyconnect/internal/report"
	"github.com/whisper/anonyconnect/internal/session"
)

type Profiles interface {
	Upsert(ctx context.Context, userID, displayName string, interests []string) (*session.Session, error)
	Get(ctx context.Context, userID string) (*session.Session, error)
}

type Matcher interface {
	FindMatch(ctx context.Context, userID string) (matching.MatchResult, error)
	Cancel(ctx context.Context, userID string) error
}

type Conversations interface {
	Get(ctx context.Context, id, requester string) (*chat.Conversation, error)
	End(ctx context.Context, id, requester string) (*chat.Conversation, error)
	ListAfter(ctx context.Context, id, requester string, afterSeq int64, limit int) ([]chat.Message, error)
}

// Relay sends messages and blocks so that connected clients see the effect.
type Relay interface {
	Send(ctx context.Context, sender, convID, content string) (relay.SendResult, error)
	Block(ctx context.Context, blocker, blocked string) error
}

type Reports interface {
	Submit(ctx context.Context, reporterID string, req report.Request) (*report.Report, error)
}

// Deps are the handler's collaborators. Limiter may be nil.
type Deps struct {
	Profiles      Profiles
	Matcher       Matcher
	Waiter        matching.Waiter
	Conversations Conversations
	Relay         Relay
	Reports       Reports
	Limiter       *ratelimit.Limiter
}

const (
	defaultWait = 30 * time.Second
	maxWait     = 2 * time.Minute
)

// Handler serves the REST routes.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger.Named("http")}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/users", h.createUser)
	r.PUT("/users/:userId", h.putUser)
	r.GET("/users/:userId", h.getUser)

	r.POST("/matching/find/:userId", h.findMatch)
	r.POST("/matching/cancel/:userId", h.cancelMatch)
	r.GET("/matching/wait/:userId", h.waitMatch)

	r.GET("/conversations/:conversationId/:userId", h.getConversation)
	r.PUT("/conversations/:conversationId/end/:userId", h.endConversation)

	r.POST("/messages/:senderId", h.sendMessage)
	r.GET("/messages/:conversationId/:userId", h.listMessages)

	r.POST("/reports/:reporterId", h.submitReport)
	r.POST("/blocks/:blockerId/:blockedUserId", h.block)
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

type profileRequest struct {
	DisplayName string   `json:"display_name"`
	Interests   []string `json:"interests"`
}

func (h *Handler) createUser(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleBindError(c, err)
		return
	}
	sess, err := h.deps.Profiles.Upsert(c.Request.Context(), "", req.DisplayName, req.Interests)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) putUser(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleBindError(c, err)
		return
	}
	sess, err := h.deps.Profiles.Upsert(c.Request.Context(), c.Param("userId"), req.DisplayName, req.Interests)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) getUser(c *gin.Context) {
	sess, err := h.deps.Profiles.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

type findMatchResponse struct {
	Status          string   `json:"status"`
	ConversationID  *string  `json:"conversation_id"`
	PartnerID       string   `json:"partner_id,omitempty"`
	SharedInterests []string `json:"shared_interests,omitempty"`
}

func (h *Handler) findMatch(c *gin.Context) {
	userID := c.Param("userId")
	if !h.allow(c, userID, ratelimit.RuleMatch) {
		return
	}

	res, err := h.deps.Matcher.FindMatch(c.Request.Context(), userID)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	resp := findMatchResponse{Status: "enqueued"}
	if res.Outcome == matching.OutcomePaired {
		resp.Status = "paired"
		resp.ConversationID = &res.ConversationID
		resp.PartnerID = res.PartnerID
		resp.SharedInterests = res.SharedInterests
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) cancelMatch(c *gin.Context) {
	if err := h.deps.Matcher.Cancel(c.Request.Context(), c.Param("userId")); err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// waitMatch long-polls until the user is paired, their wait expires or the
// timeout passes.
func (h *Handler) waitMatch(c *gin.Context) {
	timeout := defaultWait
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			handleError(c, h.logger, apperr.Newf(apperr.CodeInvalid, "invalid timeout %q", raw))
			return
		}
		timeout = min(d, maxWait)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	n, err := h.deps.Waiter.WaitForMatch(ctx, c.Param("userId"))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusOK, gin.H{"status": "waiting"})
	case err != nil:
		// The client went away.
		c.Status(http.StatusNoContent)
	case n.Timeout:
		c.JSON(http.StatusOK, gin.H{"status": "timeout"})
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":           "matched",
			"conversation_id":  n.ConversationID,
			"shared_interests": n.SharedInterests,
		})
	}
}

// ---------------------------------------------------------------------------
// Conversations and messages
// ---------------------------------------------------------------------------

func (h *Handler) getConversation(c *gin.Context) {
	conv, err := h.deps.Conversations.Get(c.Request.Context(), c.Param("conversationId"), c.Param("userId"))
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) endConversation(c *gin.Context) {
	conv, err := h.deps.Conversations.End(c.Request.Context(), c.Param("conversationId"), c.Param("userId"))
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

type sendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	senderID := c.Param("senderId")
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleBindError(c, err)
		return
	}
	if !h.allow(c, senderID, ratelimit.RuleMessage) {
		return
	}

	res, err := h.deps.Relay.Send(c.Request.Context(), senderID, req.ConversationID, req.Content)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	if !res.Delivered() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "rejected", "reason": res.Reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "message": res.Message})
}

func (h *Handler) listMessages(c *gin.Context) {
	limit, err := queryInt(c, "limit", chat.DefaultListLimit)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	after, err := queryInt(c, "after", 0)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	msgs, err := h.deps.Conversations.ListAfter(c.Request.Context(),
		c.Param("conversationId"), c.Param("userId"), int64(after), limit)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ---------------------------------------------------------------------------
// Reports and blocks
// ---------------------------------------------------------------------------

func (h *Handler) submitReport(c *gin.Context) {
	var req report.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		handleBindError(c, err)
		return
	}
	r, err := h.deps.Reports.Submit(c.Request.Context(), c.Param("reporterId"), req)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "received", "report_id": r.ID})
}

func (h *Handler) block(c *gin.Context) {
	if err := h.deps.Relay.Block(c.Request.Context(), c.Param("blockerId"), c.Param("blockedUserId")); err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// allow applies a rate limit rule, answering 429 when it is exceeded.
func (h *Handler) allow(c *gin.Context, userID string, rule ratelimit.Rule) bool {
	d := h.deps.Limiter.Allow(c.Request.Context(), userID, rule)
	if d.Allowed {
		return true
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorBody{Error: ErrorDetail{
		Code:    codeRateLimited,
		Message: "too many requests, retry in " + strconv.Itoa(secs) + "s",
	}})
	return false
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Newf(apperr.CodeInvalid, "%s must be a non-negative integer", name)
	}
	return n, nil
}
