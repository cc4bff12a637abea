package report

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/apperr"
	"github.com/whisper/anonyconnect/internal/ban"
	"github.com/whisper/anonyconnect/internal/chat"
	"github.com/whisper/anonyconnect/internal/messaging"
	"github.com/whisper/anonyconnect/internal/metrics"
	"github.com/whisper/anonyconnect/internal/moderation"
	"github.com/whisper/anonyconnect/internal/session"
)

const (
	MaxDescription = 500

	// recentMessages is how many of the reported user's latest messages are
	// handed to the classifier.
	recentMessages = 10
	historyScan    = chat.MaxListLimit
)

// Conversations is the slice of the conversation store reports need.
type Conversations interface {
	Get(ctx context.Context, id, requester string) (*chat.Conversation, error)
	ListAfter(ctx context.Context, id, requester string, afterSeq int64, limit int) ([]chat.Message, error)
}

// Profiles loads the reported user's profile for the classifier.
type Profiles interface {
	Get(ctx context.Context, userID string) (*session.Session, error)
}

// Bans applies report-driven bans.
type Bans interface {
	ReportAndCheck(ctx context.Context, userID string) (time.Duration, error)
	Ban(ctx context.Context, userID string, duration time.Duration, reason string) error
}

// Publisher publishes audit events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Request is a report as submitted by a user.
type Request struct {
	ReportedID     string `json:"reported_user_id"`
	ConversationID string `json:"conversation_id"`
	Reason         Reason `json:"reason"`
	Description    string `json:"description,omitempty"`
}

// Service accepts reports. Bans, the classifier and the publisher are all
// optional.
type Service struct {
	sink              Sink
	conversations     Conversations
	bans              Bans
	classifier        moderation.MinorClassifier
	classifierTimeout time.Duration
	bus               Publisher
	profiles          Profiles
	logger            *zap.Logger
	now               func() time.Time

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithBans enables report-count bans and classifier bans.
func WithBans(b Bans) Option { return func(s *Service) { s.bans = b } }

// WithClassifier enables the minor-suspicion check for underage reports.
func WithClassifier(c moderation.MinorClassifier, timeout time.Duration) Option {
	return func(s *Service) {
		s.classifier = c
		s.classifierTimeout = timeout
	}
}

// WithProfiles lets the classifier see the reported user's profile.
func WithProfiles(p Profiles) Option { return func(s *Service) { s.profiles = p } }

// WithPublisher publishes each accepted report on moderation.report.
func WithPublisher(p Publisher) Option { return func(s *Service) { s.bus = p } }

// NewService creates a report service.
func NewService(sink Sink, conversations Conversations, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		sink:              sink,
		conversations:     conversations,
		classifierTimeout: 5 * time.Second,
		logger:            logger.Named("report"),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit records a report from reporterID. The reporter must be a
// participant of the conversation and the reported user must be the other
// one. The report is acknowledged once stored; ban and classifier follow-ups
// never fail the call.
func (s *Service) Submit(ctx context.Context, reporterID string, req Request) (*Report, error) {
	if !req.Reason.Valid() {
		return nil, apperr.Newf(apperr.CodeInvalid, "unknown report reason %q", req.Reason)
	}
	desc := strings.TrimSpace(req.Description)
	if utf8.RuneCountInString(desc) > MaxDescription {
		return nil, apperr.Newf(apperr.CodeInvalid, "description exceeds %d characters", MaxDescription)
	}
	if req.ReportedID == "" || req.ReportedID == reporterID {
		return nil, apperr.New(apperr.CodeInvalid, "reported user must be another participant")
	}

	conv, err := s.conversations.Get(ctx, req.ConversationID, reporterID)
	if err != nil {
		return nil, err
	}
	if conv.Partner(reporterID) != req.ReportedID {
		return nil, apperr.New(apperr.CodeInvalid, "reported user is not in this conversation")
	}

	r := &Report{
		ID:             uuid.NewString(),
		ReporterID:     reporterID,
		ReportedID:     req.ReportedID,
		ConversationID: conv.ID,
		Reason:         req.Reason,
		Description:    desc,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.sink.InsertReport(ctx, r); err != nil {
		return nil, apperr.Upstream(err, "store report")
	}

	metrics.ReportsTotal.WithLabelValues(string(r.Reason)).Inc()
	s.logger.Info("report stored",
		zap.String("report_id", r.ID),
		zap.String("reported_id", r.ReportedID),
		zap.String("reason", string(r.Reason)))

	s.publish(ctx, r)
	s.applyReportBan(ctx, r.ReportedID)

	if r.Reason == ReasonUnderageUser && s.classifier != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.classify(context.WithoutCancel(ctx), r)
		}()
	}
	return r, nil
}

// Wait blocks until in-flight classifier checks finish.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) applyReportBan(ctx context.Context, userID string) {
	if s.bans == nil {
		return
	}
	d, err := s.bans.ReportAndCheck(ctx, userID)
	if err != nil {
		s.logger.Warn("report ban check failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if d > 0 {
		metrics.BansTotal.WithLabelValues(ban.ReasonMultipleReports).Inc()
		s.logger.Info("user banned", zap.String("user_id", userID),
			zap.Duration("duration", d), zap.String("cause", ban.ReasonMultipleReports))
	}
}

func (s *Service) classify(ctx context.Context, r *Report) {
	ctx, cancel := context.WithTimeout(ctx, s.classifierTimeout)
	defer cancel()

	req := moderation.ClassifyRequest{
		UserID:         r.ReportedID,
		ReportNote:     r.Description,
		RecentMessages: s.recentMessagesOf(ctx, r),
	}
	if s.profiles != nil {
		profile, err := s.profiles.Get(ctx, r.ReportedID)
		if err != nil {
			s.logger.Warn("load profile for classifier", zap.String("report_id", r.ID), zap.Error(err))
		} else {
			req.DisplayName = profile.DisplayName
			req.Interests = profile.Interests
		}
	}
	req.UserContext = userContext(req)
	suspicion, err := s.classifier.ClassifyMinorSuspicion(ctx, req)
	if err != nil {
		s.logger.Warn("classifier failed, treating as not suspected",
			zap.String("report_id", r.ID), zap.Error(err))
		return
	}
	if !suspicion.Suspected {
		s.logger.Debug("classifier cleared user", zap.String("user_id", r.ReportedID))
		return
	}

	s.logger.Warn("minor suspected",
		zap.String("user_id", r.ReportedID),
		zap.String("report_id", r.ID),
		zap.String("reason", suspicion.Reason))
	if s.bans == nil {
		return
	}
	if err := s.bans.Ban(ctx, r.ReportedID, ban.Ban24Hour, ban.ReasonMinorSuspected); err != nil {
		s.logger.Error("apply minor ban", zap.String("user_id", r.ReportedID), zap.Error(err))
		return
	}
	metrics.BansTotal.WithLabelValues(ban.ReasonMinorSuspected).Inc()
}

// recentMessagesOf returns the reported user's latest messages in the
// reported conversation, oldest first.
func (s *Service) recentMessagesOf(ctx context.Context, r *Report) []string {
	var (
		out   []string
		after int64
	)
	for {
		page, err := s.conversations.ListAfter(ctx, r.ConversationID, r.ReporterID, after, historyScan)
		if err != nil {
			s.logger.Warn("load messages for classifier", zap.String("report_id", r.ID), zap.Error(err))
			break
		}
		for _, m := range page {
			if m.SenderID == r.ReportedID {
				out = append(out, m.Content)
			}
		}
		if len(page) < historyScan {
			break
		}
		after = page[len(page)-1].Seq
	}
	if len(out) > recentMessages {
		out = out[len(out)-recentMessages:]
	}
	return out
}

// Event is the moderation.report payload. RecentReports counts reports
// against the same user over the last day, this one included.
type Event struct {
	*Report
	RecentReports int `json:"recent_reports"`
}

func (s *Service) publish(ctx context.Context, r *Report) {
	if s.bus == nil {
		return
	}
	ev := Event{Report: r}
	if n, err := s.sink.CountReports(ctx, r.ReportedID, r.CreatedAt.Add(-24*time.Hour)); err == nil {
		ev.RecentReports = n
	} else {
		s.logger.Warn("count recent reports", zap.String("user_id", r.ReportedID), zap.Error(err))
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal report event", zap.Error(err))
		return
	}
	if err := s.bus.Publish(messaging.SubjectModerationReport, data); err != nil {
		s.logger.Warn("publish report event", zap.String("report_id", r.ID), zap.Error(err))
	}
}

// userContext renders the profile and the reporter's note, one field per
// line, skipping empty ones.
func userContext(req moderation.ClassifyRequest) string {
	var lines []string
	if req.DisplayName != "" {
		lines = append(lines, "display name: "+req.DisplayName)
	}
	if len(req.Interests) > 0 {
		lines = append(lines, "interests: "+strings.Join(req.Interests, ", "))
	}
	if req.ReportNote != "" {
		lines = append(lines, "report: "+req.ReportNote)
	}
	return strings.Join(lines, "\n")
}
