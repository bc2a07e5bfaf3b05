package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/latestcomment/idea-bidding/internal/auth"
	"github.com/latestcomment/idea-bidding/internal/config"
	"github.com/latestcomment/idea-bidding/internal/handlers"
	"github.com/latestcomment/idea-bidding/internal/logging"
	"github.com/latestcomment/idea-bidding/internal/models"
	"github.com/latestcomment/idea-bidding/internal/services"
	"github.com/latestcomment/idea-bidding/internal/store"
	"github.com/latestcomment/idea-bidding/internal/telemetry"
)

var version = "dev"

// backend is the credit ledger plus the idea/user directory.
type backend interface {
	services.Ledger
	services.Directory
	handlers.HealthChecker
	handlers.TransactionLister
	CreateUser(ctx context.Context, user models.UserSummary) error
	CreateIdea(ctx context.Context, idea models.IdeaSummary) error
}

func main() {
	log := logging.Configure(logging.ProfileRuntime)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log); err != nil {
		log.Error().Err(err).Msg("fatal error")
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, log zerolog.Logger) error {
	// .env is optional; production sets real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	roster, err := config.LoadRoster(cfg.RosterFile)
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Int("port", cfg.Port).Int("bidders", len(roster)).Msg("idea bidding starting")

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, closeDB, err := openBackend(ctx, cfg, logging.Component(log, "ledger"))
	if err != nil {
		return err
	}
	defer closeDB()
	if cfg.SeedDemo {
		if err := seedDemo(ctx, db); err != nil {
			return err
		}
		log.Info().Msg("demo user and idea seeded")
	}

	var (
		archiver services.Archiver
		archive  handlers.SnapshotReader
		checks   = map[string]handlers.HealthChecker{"ledger": db}
	)
	if cfg.RedisURL != "" {
		snapshots, err := store.NewRedisSnapshots(ctx, cfg.RedisURL, cfg.SnapshotTTL)
		if err != nil {
			return err
		}
		defer func() { _ = snapshots.Close() }()
		archiver, archive = snapshots, snapshots
		checks["archive"] = snapshots
		log.Info().Msg("session archive enabled")
	}

	monitor := services.NewOperationMonitor(cfg.MonitorRetention, logging.Component(log, "monitor"))
	sampler := services.NewPerformanceSampler(cfg.SamplerCapacity)
	coordinator := services.NewRetryCoordinator(monitor, sampler, cfg.RetryMax, cfg.RetryBaseDelay, logging.Component(log, "retry"))

	var evaluator services.BidderEvaluator
	if cfg.OpenRouterAPIKey != "" {
		evaluator = services.NewOpenRouterEvaluator(cfg.OpenRouterAPIKey, cfg.AIModel, cfg.AITimeout)
	} else {
		log.Warn().Msg("OPENROUTER_API_KEY not set, bidders use the heuristic evaluator")
	}
	dispatcher := services.NewAgentDispatcher(evaluator, cfg.AITimeout, logging.Component(log, "dispatcher"))

	sessions := services.NewSessionService(services.SessionServiceConfig{
		Session: services.SessionConfig{
			MaxRounds:   cfg.MaxRounds,
			IdleTimeout: cfg.IdleTimeout,
			MaxViewers:  cfg.MaxViewers,
			AutoAdvance: cfg.AutoAdvance,
		},
		Roster: roster,
	}, db, db, coordinator, sampler, dispatcher, archiver, logging.Component(log, "session"))

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(logger.New())

	h := handlers.NewHandler(sessions, monitor, sampler, db, archive, checks)
	ws := handlers.NewWebSocketHandler(sessions, sampler, auth.NewVerifier(cfg.JWTSecret), handlers.TransportConfig{
		MaxMessageBytes:  cfg.MaxMessageBytes,
		MessageRateLimit: cfg.MessageRateLimit,
	}, logging.Component(log, "transport"))
	handlers.Register(app, h, ws, cfg.AllowedOrigins)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Msg("fiber websocket server listening")
		if err := app.Listen(":" + strconv.Itoa(cfg.Port)); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		monitorCleanupLoop(gctx, monitor, cfg.MonitorCleanupInterval, log)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sessions.CloseAll(services.CloseReasonShutdown)
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("idea bidding stopped")
	return nil
}

func openBackend(ctx context.Context, cfg config.Config, log zerolog.Logger) (backend, func(), error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		lite, err := store.NewSQLite(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, err
		}
		if err := lite.Migrate(ctx); err != nil {
			_ = lite.Close()
			return nil, nil, err
		}
		return lite, func() { _ = lite.Close() }, nil
	}
}

func seedDemo(ctx context.Context, db backend) error {
	if err := db.CreateUser(ctx, models.UserSummary{ID: "demo-user", Name: "Demo", Credits: 1000}); err != nil {
		return err
	}
	return db.CreateIdea(ctx, models.IdeaSummary{
		ID:          "demo-idea",
		Title:       "Neighbourhood tool library",
		Description: "A subscription app for borrowing power tools from lockers placed in apartment lobbies.",
		Category:    "sharing economy",
	})
}

func monitorCleanupLoop(ctx context.Context, monitor *services.OperationMonitor, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := monitor.Cleanup(); removed > 0 {
				log.Debug().Int("removed", removed).Msg("expired credit operations removed")
			}
		}
	}
}
