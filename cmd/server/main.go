package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/genforge/api/internal/auth"
	"github.com/genforge/api/internal/client"
	"github.com/genforge/api/internal/config"
	"github.com/genforge/api/internal/events"
	"github.com/genforge/api/internal/handler"
	"github.com/genforge/api/internal/logging"
	"github.com/genforge/api/internal/middleware"
	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/repository"
	"github.com/genforge/api/internal/repository/memory"
	"github.com/genforge/api/internal/repository/postgres"
	"github.com/genforge/api/internal/service"
	ws "github.com/genforge/api/internal/websocket"
	"github.com/genforge/api/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "production")
		boot.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Server.LogLevel, cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: postgres when configured, otherwise process memory
	var store repository.Store
	storeKind := "memory"
	if cfg.Database.URL != "" {
		pg, err := postgres.New(ctx, &cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pg.Close()
		if cfg.Database.AutoMigrate {
			if err := pg.InitSchema(ctx); err != nil {
				log.Fatal().Err(err).Msg("failed to apply schema")
			}
		}
		store = pg
		storeKind = "postgres"
	} else {
		log.Warn().Msg("DATABASE_URL not set, jobs and balances are kept in memory")
		store = memory.New()
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not available")
	}
	defer redisClient.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	hub := ws.NewHub(log)
	go hub.Run(ctx)

	notifier := events.Fanout{hub}
	var publisher *events.Publisher
	if cfg.RabbitMQ.URL != "" {
		publisher, err = events.Dial(&cfg.RabbitMQ, log)
		if err != nil {
			log.Warn().Err(err).Msg("job events will not be published")
		} else {
			defer publisher.Close()
			notifier = append(notifier, publisher)
		}
	}

	var archive client.PayloadArchive
	r2Configured := false
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Warn().Err(err).Msg("callback archive not initialized")
		} else {
			archive = r2Client
			r2Configured = r2Client.IsConfigured()
		}
	}

	verifier := buildVerifier(ctx, cfg, log)

	var apiAuth fiber.Handler
	if cfg.Gateway.Enabled {
		log.Info().Msg("gateway mode enabled, trusting X-User-* headers")
		apiAuth = middleware.GatewayAuth()
	} else {
		apiAuth = middleware.Authenticate(verifier)
	}

	ledger := service.NewLedgerService(store, service.LedgerOptions{
		SeedRenewable: cfg.Ledger.SeedRenewable,
		SeedPermanent: cfg.Ledger.SeedPermanent,
		DefaultPlan:   model.Plan(cfg.Ledger.DefaultPlan),
		Multipliers:   planMultipliers(cfg.Ledger.Multipliers),
	}, log)
	lifecycle := service.NewJobLifecycle(store, ledger, notifier, service.NewAsynqRefundScheduler(asynqClient), log)

	provider := client.NewFalClient(&cfg.Provider, log)
	reconciler := service.NewReconcileService(lifecycle, provider)
	jobs := service.NewJobService(lifecycle, provider, reconciler, validator.New(), service.JobServiceOptions{
		Pricing: service.Pricing{
			ImagePerImage:    cfg.Ledger.BaseCosts.ImagePerImage,
			VideoPerSecond:   cfg.Ledger.BaseCosts.VideoPerSecond,
			AudioPerSecond:   cfg.Ledger.BaseCosts.AudioPerSecond,
			DocumentPerChunk: cfg.Ledger.BaseCosts.DocumentPerChunk,
		},
		ChunkSize:  cfg.Ledger.ChunkSize,
		Models:     kindModels(cfg.Provider.Models),
		WebhookURL: webhookURL(cfg.Webhook),
	})
	webhooks := service.NewWebhookService(lifecycle, archive, cfg.Webhook.Token)

	if cfg.Webhook.PublicURL == "" {
		log.Warn().Msg("WEBHOOK_PUBLIC_URL not set, results arrive only through polling")
	}

	app := handler.NewApp(log)
	handler.Register(app, handler.Routes{
		Jobs:     handler.NewJobHandler(jobs),
		Accounts: handler.NewAccountHandler(ledger),
		Webhooks: handler.NewWebhookHandler(webhooks),
		Auth:     handler.NewAuthHandler(verifier),
		APIAuth:  apiAuth,
		Limiter:  middleware.NewRateLimiter(redisClient, log),
		Limits:   cfg.RateLimit,
		Hub:      hub,
		Health: func() fiber.Map {
			return fiber.Map{
				"provider": cfg.Provider.APIKey != "",
				"store":    storeKind,
				"r2":       r2Configured,
				"events":   publisher != nil,
				"auth":     len(verifier) > 0 || cfg.Gateway.Enabled,
			}
		},
	})

	go startWorkerServer(ctx, cfg, redisOpt, ledger, lifecycle, log)

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
}

// buildVerifier chains the OIDC verifier ahead of the shared-secret one.
// Either may be absent.
func buildVerifier(ctx context.Context, cfg *config.Config, log zerolog.Logger) auth.Chain {
	var chain auth.Chain
	if cfg.Zitadel.Issuer != "" {
		jwks, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			log.Warn().Err(err).Msg("JWKS verifier not initialized")
		} else {
			chain = append(chain, jwks)
		}
	}
	if cfg.JWT.Secret != "" {
		chain = append(chain, auth.NewHMACVerifier(cfg.JWT.Secret))
	}
	if len(chain) == 0 {
		log.Warn().Msg("no token verifier configured, /api rejects every request")
	}
	return chain
}

func planMultipliers(in map[string]int64) map[model.Plan]int64 {
	out := make(map[model.Plan]int64, len(in))
	for plan, m := range in {
		out[model.Plan(plan)] = m
	}
	return out
}

func kindModels(in map[string]string) map[model.JobKind]string {
	out := make(map[model.JobKind]string, len(in))
	for kind, m := range in {
		out[model.JobKind(kind)] = m
	}
	return out
}

func webhookURL(cfg config.WebhookConfig) string {
	if cfg.PublicURL == "" {
		return ""
	}
	u := cfg.PublicURL + "/webhooks/provider"
	if cfg.Token != "" {
		u += "?token=" + url.QueryEscape(cfg.Token)
	}
	return u
}

func startWorkerServer(ctx context.Context, cfg *config.Config, redisOpt asynq.RedisClientOpt, ledger *service.LedgerService, lifecycle *service.JobLifecycle, log zerolog.Logger) {
	logLevel := asynq.InfoLevel
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = asynq.DebugLevel
	case "warn":
		logLevel = asynq.WarnLevel
	case "error":
		logLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			service.QueueLedger: 1,
		},
		LogLevel: logLevel,
	})

	mux := asynq.NewServeMux()
	mux.Handle(service.TaskTypeRefund, worker.NewRefundWorker(ledger, log))
	mux.Handle(service.TaskTypeAbort, worker.NewAbortWorker(lifecycle, log))

	if err := srv.Start(mux); err != nil {
		log.Error().Err(err).Msg("asynq worker error")
		return
	}
	<-ctx.Done()
	srv.Shutdown()
}
