package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/chat"
	"github.com/whisper/anonyconnect/internal/config"
	"github.com/whisper/anonyconnect/internal/messaging"
	"github.com/whisper/anonyconnect/internal/moderation"
	"github.com/whisper/anonyconnect/internal/report"
)

// moderatorQueue is the queue group shared by moderator replicas.
const moderatorQueue = "moderators"

func newModeratorCmd(setup setupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "moderator",
		Short: "Serve minor-suspicion classification over NATS and audit moderation events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runModerator(cmd.Context(), cfg, logger.Named("moderator"))
		},
	}
}

func runModerator(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.NATS.URL == "" {
		return errors.New("moderator: NATS_URL is required")
	}
	natsCfg := messaging.DefaultConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.Name = cfg.NATS.Name + "-moderator"
	bus, err := messaging.Connect(natsCfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	var classifier moderation.HeuristicClassifier
	timeout := cfg.Moderation.ClassifierTimeout

	err = bus.QueueSubscribe(moderation.SubjectClassifyMinor, moderatorQueue, func(msg *nats.Msg) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := msg.Respond(moderation.ServeClassify(reqCtx, classifier, msg.Data)); err != nil {
			logger.Warn("classify reply failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	err = bus.Subscribe(messaging.SubjectModerationReport, func(msg *nats.Msg) {
		var ev report.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Report == nil {
			logger.Warn("bad report event", zap.Error(err))
			return
		}
		logger.Info("report received",
			zap.String("report_id", ev.ID),
			zap.String("reported_id", ev.ReportedID),
			zap.String("reason", string(ev.Reason)),
			zap.Int("recent_reports", ev.RecentReports))
	})
	if err != nil {
		return err
	}

	err = bus.Subscribe(messaging.SubjectConversationWatch, func(msg *nats.Msg) {
		var ev chat.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("bad conversation event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		logger.Info("conversation event",
			zap.String("type", ev.Type),
			zap.String("conversation_id", ev.ConversationID),
			zap.Time("at", time.UnixMilli(ev.Ts)))
	})
	if err != nil {
		return err
	}

	logger.Info("moderator running",
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("queue", moderatorQueue))

	<-ctx.Done()
	logger.Info("moderator stopping")
	return nil
}
