package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gatekit-io/gatekit-server/internal/api"
	"github.com/gatekit-io/gatekit-server/internal/apikey"
	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/bootstrap"
	"github.com/gatekit-io/gatekit-server/internal/bus"
	"github.com/gatekit-io/gatekit-server/internal/config"
	"github.com/gatekit-io/gatekit-server/internal/disposable"
	"github.com/gatekit-io/gatekit-server/internal/email"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/identity"
	"github.com/gatekit-io/gatekit-server/internal/inbound"
	"github.com/gatekit-io/gatekit-server/internal/invite"
	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/outbound"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platform/discord"
	"github.com/gatekit-io/gatekit-server/internal/platform/telegram"
	"github.com/gatekit-io/gatekit-server/internal/platform/whatsappevo"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
	"github.com/gatekit-io/gatekit-server/internal/platformlog"
	"github.com/gatekit-io/gatekit-server/internal/postgres"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/queue"
	"github.com/gatekit-io/gatekit-server/internal/ratelimit"
	"github.com/gatekit-io/gatekit-server/internal/redis"
	"github.com/gatekit-io/gatekit-server/internal/stream"
	"github.com/gatekit-io/gatekit-server/internal/user"
	"github.com/gatekit-io/gatekit-server/internal/webhook"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting GateKit")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". This allows any origin to make requests to your server. Set an explicit origin (e.g. https://dashboard.example.com) for production deployments.")
	}
	if !cfg.JWTConfigured() {
		log.Warn().Msg("JWT_SECRET is not set. User signup and login are disabled; API keys keep working.")
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Redis
	rdb, err := redis.Connect(ctx, cfg.RedisURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// Repositories
	userRepo := user.NewPGRepository(db, log.Logger)
	projectRepo := project.NewPGRepository(db, log.Logger)
	inviteRepo := invite.NewPGRepository(db, log.Logger)
	keyRepo := apikey.NewPGRepository(db, log.Logger)
	configRepo := platformconfig.NewPGRepository(db, log.Logger)
	logRepo := platformlog.NewPGRepository(db, log.Logger)
	messageRepo := message.NewPGRepository(db, log.Logger)
	identityRepo := identity.NewPGRepository(db, log.Logger)
	webhookRepo := webhook.NewPGRepository(db, log.Logger)

	// Event bus, platform activity recorder, and the provider registry
	b := bus.New()
	recorder := platformlog.NewRecorder(logRepo, log.Logger)
	configs := platformconfig.NewService(configRepo, cfg.CredentialsEncryptionKey, log.Logger)
	registry := platform.NewRegistry(configs, recorder, log.Logger)

	for _, p := range []platform.Provider{
		telegram.New(b, recorder, cfg, log.Logger),
		discord.New(b, recorder, cfg, log.Logger),
		whatsappevo.New(b, recorder, cfg, log.Logger),
	} {
		if err := registry.Register(ctx, p); err != nil {
			return fmt.Errorf("register platform provider: %w", err)
		}
	}

	// Reconnect every active platform config before accepting traffic.
	if _, err := bootstrap.ReplayConnections(ctx, configs, registry, log.Logger); err != nil {
		return fmt.Errorf("replay platform connections: %w", err)
	}

	// Delivery pipeline: the job store backs both the outbound send queue and webhook delivery.
	jobs := queue.NewStore(db, log.Logger)

	outboundSvc := outbound.NewService(messageRepo, configRepo, jobs, log.Logger)
	sender := outbound.NewWorker(messageRepo, configRepo, registry, jobs, b, log.Logger)
	sendWorker := queue.NewWorker(jobs, outbound.QueueName, sender.Handle, cfg.OutboundWorkers, log.Logger)
	sendWorker.SetPollInterval(cfg.QueuePollInterval)
	sendWorker.Start(ctx)

	deliverer := webhook.NewDeliverer(webhookRepo, cfg.SendTimeout, log.Logger)
	deliveryWorker := queue.NewWorker(jobs, webhook.QueueName, deliverer.Handle, cfg.WebhookWorkers, log.Logger)
	deliveryWorker.SetPollInterval(cfg.QueuePollInterval)
	deliveryWorker.Start(ctx)

	dispatcher := webhook.NewDispatcher(webhookRepo, jobs, b, log.Logger)
	dispatcher.Start(ctx)

	// Inbound pipeline: adapter envelopes to persisted messages and lifecycle events.
	resolver := identity.NewResolver(identityRepo, log.Logger)
	processor := inbound.New(messageRepo, resolver, b, cfg.InboundShards, log.Logger)
	processor.Start(ctx)

	// WebSocket fan-out
	hub := stream.New(b, log.Logger)
	hub.Start(ctx)

	// Auth stack. The disposable email blocklist loads in the background and refreshes daily so
	// the first signup request does not block on a network call.
	blocklist := disposable.NewBlocklist(cfg.DisposableEmailBlocklistURL, cfg.DisposableEmailBlocklistEnabled, log.Logger)
	go blocklist.Run(ctx, cfg.DisposableEmailBlocklistRefreshInterval)

	roles := project.NewRoleResolver(projectRepo, project.NewRoleCache(rdb), log.Logger)
	authService := auth.NewService(userRepo, projectRepo, inviteRepo, blocklist, cfg, log.Logger)
	keys := apikey.NewService(keyRepo, log.Logger)

	// Invite mail goes out only when SMTP is configured; without it invites are link-only.
	members := api.NewMemberHandler(projectRepo, userRepo, inviteRepo, roles, nil, cfg.APIBaseURL, log.Logger)
	if cfg.SMTPConfigured() {
		mailer := email.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		if err := mailer.Ping(); err != nil {
			log.Warn().Err(err).Str("host", cfg.SMTPHost).Msg("SMTP server unreachable; invite emails may fail")
		}
		members = api.NewMemberHandler(projectRepo, userRepo, inviteRepo, roles, mailer, cfg.APIBaseURL, log.Logger)
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:   "GateKit",
		BodyLimit: cfg.BodyLimitBytes(),
		// ErrorHandler catches errors returned by handlers that are not already mapped to
		// structured API responses (e.g. Fiber's built-in 404/405). errors.AsType is a generic
		// helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := httputil.CodeInternal
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = httputil.CodeForStatus(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    code,
					Message: message,
				},
			})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	requestLog := httputil.RequestLogger(log.Logger)
	if cfg.LogHealthRequests {
		app.Use(requestLog)
	} else {
		app.Use(func(c fiber.Ctx) error {
			if c.Path() == "/health" {
				return c.Next()
			}
			return requestLog(c)
		})
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{fiber.MethodGet, fiber.MethodPost, fiber.MethodPatch, fiber.MethodDelete, fiber.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", auth.HeaderAPIKey},
		ExposeHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
	}))

	// Register routes
	h := &api.Handlers{
		Auth:       api.NewAuthHandler(authService, projectRepo, userRepo, log.Logger),
		Projects:   api.NewProjectHandler(projectRepo, roles, log.Logger),
		Keys:       api.NewKeyHandler(keys, log.Logger),
		Platforms:  api.NewPlatformHandler(configs, registry, log.Logger),
		Messages:   api.NewMessageHandler(outboundSvc, messageRepo, log.Logger),
		Identities: api.NewIdentityHandler(identityRepo, configs, messageRepo, log.Logger),
		Webhooks:   api.NewWebhookHandler(webhookRepo, log.Logger),
		Members:    members,
		Logs:       api.NewLogHandler(logRepo, log.Logger),
		Stream:     api.NewStreamHandler(hub),
		Ingress:    api.NewIngressHandler(registry, log.Logger),
		Health:     &api.HealthHandler{DB: db, Redis: rdb, Registry: registry},
	}
	api.Register(app, h, api.Deps{
		Config:   cfg,
		Keys:     keys,
		Projects: projectRepo,
		Roles:    roles,
		Limiter:  ratelimit.NewRedisStore(rdb),
		Log:      log.Logger,
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	// Listen
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	// The listener is closed; drain background work. Producers stop before the workers that
	// consume from them so nothing is enqueued into a stopped pipeline.
	dispatcher.Stop()
	processor.Stop()
	sendWorker.Stop()
	deliveryWorker.Stop()
	hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.Shutdown(shutdownCtx)

	return nil
}
