package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/anonyconnect/internal/ban"
	"github.com/whisper/anonyconnect/internal/chat"
	"github.com/whisper/anonyconnect/internal/config"
	"github.com/whisper/anonyconnect/internal/httpapi"
	"github.com/whisper/anonyconnect/internal/matching"
	"github.com/whisper/anonyconnect/internal/messaging"
	"github.com/whisper/anonyconnect/internal/moderation"
	"github.com/whisper/anonyconnect/internal/ratelimit"
	"github.com/whisper/anonyconnect/internal/registry"
	"github.com/whisper/anonyconnect/internal/relay"
	"github.com/whisper/anonyconnect/internal/report"
	"github.com/whisper/anonyconnect/internal/session"
	"github.com/whisper/anonyconnect/internal/store/memory"
	"github.com/whisper/anonyconnect/internal/store/postgres"
	"github.com/whisper/anonyconnect/internal/ws"
)

const (
	shutdownTimeout     = 10 * time.Second
	metricsSyncInterval = 15 * time.Second
)

// durable is what the conversation, block and report stores need from a
// backend. Both the memory and the Postgres store provide it.
type durable interface {
	chat.Persistence
	chat.Blocks
	report.Sink
}

func newServeCmd(setup setupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	filter, err := newFilter(cfg.Moderation)
	if err != nil {
		return err
	}

	// --- Backends ---
	mem := memory.New()
	var (
		store    durable       = mem
		sessions session.Store = mem
		limiter  *ratelimit.Limiter
		bans     *ban.Store
		bus      *messaging.Client
	)

	if cfg.Database.URL != "" {
		if cfg.Database.AutoMigrate {
			version, err := postgres.MigrateUp(cfg.Database.URL)
			if err != nil {
				return err
			}
			logger.Info("database migrated", zap.Uint("version", version))
		}
		db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			return err
		}
		defer db.Close()
		store = postgres.New(db)
	}

	if cfg.Redis.Addr != "" {
		client, err := session.Dial(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		sessions = session.NewRedisStore(client)
		limiter = ratelimit.NewLimiter(client, logger)
		bans = ban.NewStore(client)
	}

	if cfg.NATS.URL != "" {
		natsCfg := messaging.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = cfg.NATS.Name
		bus, err = messaging.Connect(natsCfg, logger)
		if err != nil {
			return err
		}
		defer bus.Close()
	}

	logger.Info("backends selected",
		zap.Bool("postgres", cfg.Database.URL != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("nats", bus != nil))

	// --- Core ---
	chats := chat.NewStore(store, filter, logger)
	profiles := session.NewProfiles(sessions, filter)

	reg := registry.New(registry.DefaultConfig(), sessions, logger)
	defer reg.Close()

	matchCfg := matching.DefaultConfig()
	matchCfg.MaxWait = cfg.Matching.MaxWait
	matchCfg.CleanupInterval = cfg.Matching.CleanupInterval
	matchDeps := matching.Deps{Profiles: sessions, Conversations: chats, Blocks: store}
	if bans != nil {
		matchDeps.Bans = bans
	}
	engine := matching.NewEngine(matchCfg, matchDeps, logger)

	wsCfg := ws.DefaultServerConfig()
	wsCfg.WorkerPoolSize = cfg.WS.WorkerPoolSize
	wsCfg.MaxConnections = cfg.WS.MaxConnections
	wsCfg.ReadTimeout = cfg.WS.ReadTimeout
	wsCfg.WriteTimeout = cfg.WS.WriteTimeout
	wsServer := ws.NewServer(wsCfg, logger)

	relayDeps := relay.Deps{
		Registry:      reg,
		Pusher:        wsServer,
		Conversations: chats,
		Matcher:       engine,
		Blocks:        store,
		Profiles:      profiles,
	}
	if bus != nil {
		relayDeps.Bus = bus
	}
	coord := relay.New(relay.Config{DisconnectGrace: cfg.Relay.DisconnectGrace}, relayDeps, logger)

	chats.OnCreate(coord.ConversationCreated)
	chats.OnEnd(engine.Release)
	chats.OnEnd(coord.ConversationEnded)

	broker := matching.NewBroker(engine.Status)
	notifiers := matching.MultiNotifier{broker, coord}
	if bus != nil {
		notifiers = append(notifiers, matching.NewNATSNotifier(bus, logger))
	}
	engine.SetNotifier(notifiers)

	var waiter matching.Waiter = broker
	if cfg.Matching.WaitMode == "poll" {
		waiter = matching.NewPoller(engine.Status, cfg.Matching.PollInterval)
	}

	reportOpts := []report.Option{report.WithProfiles(profiles)}
	if bans != nil {
		reportOpts = append(reportOpts, report.WithBans(bans))
	}
	if bus != nil {
		reportOpts = append(reportOpts,
			report.WithPublisher(bus),
			report.WithClassifier(moderation.NewNATSClassifier(bus, cfg.Moderation.ClassifierTimeout), cfg.Moderation.ClassifierTimeout))
	}
	reports := report.NewService(store, chats, logger, reportOpts...)
	defer reports.Wait()

	// --- WebSocket ---
	var banChecker relay.BanChecker
	if bans != nil {
		banChecker = bans
	}
	frames := relay.NewFrames(coord, engine, banChecker, limiter, matchCfg.MaxWait, logger)
	dispatcher := ws.NewMessageDispatcher(wsServer, logger)
	frames.Register(dispatcher)
	wsServer.OnMessage(dispatcher.Dispatch)
	wsServer.OnDisconnect(frames.Disconnect)
	if err := wsServer.Start(); err != nil {
		return err
	}

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", wsServer)
	wsHTTP := &http.Server{Addr: cfg.WS.ListenAddr, Handler: wsMux, ReadHeaderTimeout: 10 * time.Second}

	// --- REST ---
	gin.SetMode(cfg.HTTP.Mode)
	handler := httpapi.NewHandler(httpapi.Deps{
		Profiles:      profiles,
		Matcher:       engine,
		Waiter:        waiter,
		Conversations: chats,
		Relay:         coord,
		Reports:       reports,
		Limiter:       limiter,
	}, logger)
	router := httpapi.NewRouter(httpapi.RouterConfig{CORSOrigin: cfg.HTTP.CORSOrigin}, handler, logger)
	apiHTTP := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	if err := chats.SyncMetrics(ctx); err != nil {
		logger.Warn("initial metrics sync failed", zap.Error(err))
	}

	logger.Info("anonyconnect starting",
		zap.String("http_addr", cfg.HTTP.ListenAddr),
		zap.String("ws_addr", cfg.WS.ListenAddr),
		zap.String("match_wait_mode", cfg.Matching.WaitMode),
		zap.Duration("disconnect_grace", cfg.Relay.DisconnectGrace))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(apiHTTP, logger.Named("http")) })
	g.Go(func() error { return listen(wsHTTP, logger.Named("ws")) })
	g.Go(func() error {
		engine.StartCleanup(gctx, reg.Online)
		return nil
	})
	g.Go(func() error {
		syncMetrics(gctx, chats, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := apiHTTP.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := wsHTTP.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("ws listener shutdown: %w", err))
		}
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("ws shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("anonyconnect stopped")
	return nil
}

func listen(srv *http.Server, logger *zap.Logger) error {
	logger.Info("listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return nil
}

// syncMetrics refreshes the active-conversation gauge from the store until
// ctx ends.
func syncMetrics(ctx context.Context, chats *chat.Store, logger *zap.Logger) {
	ticker := time.NewTicker(metricsSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := chats.SyncMetrics(ctx); err != nil {
				logger.Debug("metrics sync failed", zap.Error(err))
			}
		}
	}
}

func newFilter(cfg config.ModerationConfig) (*moderation.Filter, error) {
	if cfg.WordList == "" {
		return moderation.NewFilter(), nil
	}
	return moderation.NewFilterFromFile(cfg.WordList)
}
