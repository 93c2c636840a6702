package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/config"
	"github.com/ehr/referrals/internal/domain/dispatch"
	"github.com/ehr/referrals/internal/domain/followup"
	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/clock"
	"github.com/ehr/referrals/internal/platform/db"
	"github.com/ehr/referrals/internal/platform/deadline"
	"github.com/ehr/referrals/internal/platform/events"
	"github.com/ehr/referrals/internal/platform/identifier"
	"github.com/ehr/referrals/internal/platform/lock"
	"github.com/ehr/referrals/internal/platform/metrics"
	"github.com/ehr/referrals/internal/platform/middleware"
	"github.com/ehr/referrals/internal/platform/notification"
	"github.com/ehr/referrals/internal/platform/webhook"
	"github.com/ehr/referrals/internal/platform/websocket"
	"github.com/ehr/referrals/pkg/validation"
)

const version = "0.1.0"

// app holds every engine of one server process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	clock  clock.Clock

	pool      *pgxpool.Pool
	redis     *redis.Client
	publisher events.Publisher
	hub       *websocket.Hub
	limiter   middleware.Limiter

	templates *notification.TemplateEngine
	scheduler *notification.Scheduler
	referrals *referral.Service
	dispatch  *dispatch.Coordinator
	followups *followup.Service
	monitor   *deadline.Monitor

	closers []func()
}

// newApp connects the configured backends and builds the engines. The
// returned app must be closed.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, clk clock.Clock) (*app, error) {
	a := &app{cfg: cfg, logger: logger, clock: clk, publisher: events.Nop{}}

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.hub = websocket.NewHub(logger.With().Str("component", "websocket").Logger())
	a.publisher = events.Multi{a.publisher, a.hub}

	rec, err := metrics.Global()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	var (
		seq    identifier.Sequencer = identifier.NewMemorySequencer()
		claims lock.Claimer         = lock.NewMemoryClaimer()

		referralRepo = referral.NewMemoryRepo()
		dispatchRepo = dispatch.NewMemoryRepo()
		followupRepo = followup.NewMemoryRepo()
		deliveryRepo = notification.NewMemoryRepo()
	)
	if a.pool != nil {
		seq = identifier.NewPGSequencer(a.pool)
		referralRepo = referral.NewRepoPG(a.pool)
		dispatchRepo = dispatch.NewRepoPG(a.pool)
		followupRepo = followup.NewRepoPG(a.pool)
		deliveryRepo = notification.NewRepoPG(a.pool)
	}
	if a.redis != nil {
		seq = identifier.NewRedisSequencer(a.redis)
		claims = lock.NewRedisClaimer(a.redis, "referrals:claim:")
		a.limiter = middleware.NewRedisLimiter(a.redis, a.rateLimitConfig())
	}
	ids := identifier.NewGenerator(seq, clk)

	var gateway notification.Sender = notification.LogSender{Logger: logger.With().Str("component", "gateway").Logger()}
	if cfg.GatewayURL != "" {
		gw, err := webhook.NewGateway(cfg.GatewayURL, cfg.GatewaySecret)
		if err != nil {
			a.Close()
			return nil, err
		}
		gateway = gw
	}
	router := notification.NewRouter()
	for _, ch := range []notification.Channel{
		notification.ChannelSMS, notification.ChannelEmail, notification.ChannelPush, notification.ChannelVoice,
	} {
		router.Handle(ch, gateway)
	}

	a.templates = notification.NewTemplateEngine()
	a.scheduler = notification.NewScheduler(deliveryRepo, router, clk, a.schedulerConfig(),
		logger.With().Str("component", "notification").Logger(),
		notification.WithMetrics(rec))

	a.referrals = referral.NewService(referralRepo, ids, clk,
		logger.With().Str("component", "referral").Logger(),
		referral.WithNotifier(a.scheduler, a.templates),
		referral.WithPublisher(a.publisher),
		referral.WithMetrics(rec))

	a.dispatch = dispatch.NewCoordinator(dispatchRepo, a.referrals, claims, ids, clk,
		logger.With().Str("component", "dispatch").Logger(),
		dispatch.WithNotifier(a.scheduler, a.templates),
		dispatch.WithPublisher(a.publisher),
		dispatch.WithMetrics(rec),
		dispatch.WithSpeed(cfg.AmbulanceSpeedKmh))
	a.referrals.AttachDispatch(a.dispatch)

	a.followups = followup.NewService(followupRepo, clk,
		followup.Config{EscalateAfter: cfg.FollowUpEscalateAfter, DefaultTarget: cfg.FollowUpEscalationTarget},
		logger.With().Str("component", "followup").Logger(),
		followup.WithReferrals(a.referrals),
		followup.WithNotifier(a.scheduler, a.templates),
		followup.WithPublisher(a.publisher),
		followup.WithMetrics(rec))

	a.monitor = deadline.NewMonitor(clk, deadline.Config{Interval: cfg.SweepInterval},
		logger.With().Str("component", "deadline").Logger(),
		deadline.WithReferrals(a.referrals),
		deadline.WithFollowUps(a.followups),
		deadline.WithDeliveries(a.scheduler),
		deadline.WithMetrics(rec))

	return a, nil
}

// connect opens Postgres, Redis and NATS when they are configured.
func (a *app) connect(ctx context.Context) error {
	if a.cfg.Storage == config.StoragePostgres {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      a.cfg.DatabaseURL,
			MaxConns: a.cfg.DBMaxConns,
			MinConns: a.cfg.DBMinConns,
		})
		if err != nil {
			return err
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		a.logger.Info().Msg("connected to database")
	}

	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		a.redis = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.logger.Info().Msg("connected to redis")
	}

	if a.cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(events.NATSConfig{
			URL:           a.cfg.NATSURL,
			Name:          "referral-server",
			SubjectPrefix: a.cfg.NATSPrefix,
		})
		if err != nil {
			return err
		}
		a.publisher = pub
		a.closers = append(a.closers, func() {
			if err := pub.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("failed to drain NATS connection")
			}
		})
		a.logger.Info().Str("subject_prefix", a.cfg.NATSPrefix).Msg("connected to NATS")
	}
	return nil
}

func (a *app) rateLimitConfig() middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	return rl
}

func (a *app) schedulerConfig() notification.SchedulerConfig {
	sc := notification.DefaultSchedulerConfig()
	if a.cfg.DeliveryMaxAttempts > 0 {
		sc.MaxAttempts = a.cfg.DeliveryMaxAttempts
	}
	if a.cfg.StaleHorizon > 0 {
		sc.StaleHorizon = a.cfg.StaleHorizon
	}
	if a.cfg.DeliveryWorkers > 0 {
		sc.Workers = a.cfg.DeliveryWorkers
	}
	if a.cfg.DeliveryPollInterval > 0 {
		sc.PollInterval = a.cfg.DeliveryPollInterval
	}
	for ch, d := range map[notification.Channel]time.Duration{
		notification.ChannelSMS:   a.cfg.SMSTimeout,
		notification.ChannelEmail: a.cfg.EmailTimeout,
		notification.ChannelPush:  a.cfg.PushTimeout,
		notification.ChannelVoice: a.cfg.VoiceTimeout,
	} {
		if d > 0 {
			sc.ChannelTimeouts[ch] = d
		}
	}
	return sc
}

// Close releases backends in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// auditRecorder forwards audit entries to the event stream.
func (a *app) auditRecorder() middleware.AuditRecorder {
	return middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		return a.publisher.Publish(context.Background(), events.Event{
			Subject:    "audit." + entry.Action,
			EntityType: entry.EntityType,
			EntityID:   entry.EntityID,
			Actor:      entry.Actor,
			OccurredAt: entry.Timestamp,
			Attributes: map[string]string{
				"operation":   entry.Operation,
				"method":      entry.Method,
				"path":        entry.Path,
				"status_code": fmt.Sprint(entry.StatusCode),
				"request_id":  entry.RequestID,
			},
		})
	})
}

func (a *app) healthChecks() []db.Check {
	var checks []db.Check
	if a.pool != nil {
		checks = append(checks, db.PoolCheck(a.pool))
	}
	if a.redis != nil {
		rdb := a.redis
		checks = append(checks, db.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return checks
}

// newEcho builds the HTTP surface.
func (a *app) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Actor())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID", "X-Actor-ID"},
	}))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(middleware.Audit(a.logger, a.auditRecorder()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"storage": a.cfg.Storage,
		})
	})
	e.GET("/health/ready", db.HealthHandler(a.healthChecks()...))
	if a.pool != nil {
		e.GET("/health/db", db.PoolStatsHandler(a.pool))
	}

	websocket.NewHandler(a.hub, a.cfg.CORSOrigins).RegisterRoutes(e.Group(""))

	apiV1 := e.Group("/api/v1")
	if a.cfg.RequestTimeout > 0 {
		apiV1.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))
	}
	apiV1.Use(middleware.RateLimit(a.rateLimitConfig(), a.logger, a.limiter))

	referral.NewHandler(a.referrals).RegisterRoutes(apiV1)
	dispatch.NewHandler(a.dispatch).RegisterRoutes(apiV1)
	followup.NewHandler(a.followups).RegisterRoutes(apiV1)
	notification.NewHandler(a.scheduler, a.templates).RegisterRoutes(apiV1)

	apiV1.POST("/sweeps", func(c echo.Context) error {
		rep, err := a.monitor.Sweep(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return c.JSON(http.StatusOK, rep)
	})

	return e
}

// newLogger builds the process logger: JSON in production, console output
// in development.
func newLogger(env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return out.Level(lvl)
}
