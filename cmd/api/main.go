package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/contentguard/contentguard/internal/analysis"
	"github.com/contentguard/contentguard/internal/api"
	"github.com/contentguard/contentguard/internal/audit"
	"github.com/contentguard/contentguard/internal/auth"
	"github.com/contentguard/contentguard/internal/config"
	"github.com/contentguard/contentguard/internal/database"
	"github.com/contentguard/contentguard/internal/explain"
	"github.com/contentguard/contentguard/internal/identity"
	"github.com/contentguard/contentguard/internal/ledger"
	mw "github.com/contentguard/contentguard/internal/middleware"
	inats "github.com/contentguard/contentguard/internal/nats"
	iredis "github.com/contentguard/contentguard/internal/redis"
	"github.com/contentguard/contentguard/internal/server"
	"github.com/contentguard/contentguard/internal/tokenbudget"
	"github.com/contentguard/contentguard/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if err := mw.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		slog.Error("invalid trusted proxies", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL
	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS (optional, carries usage events)
	var natsClient *inats.Client
	var events analysis.EventPublisher
	auditRepo := audit.NewRepository(pool)
	if cfg.NATS.URL != "" {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Warn("NATS unavailable, usage events disabled", "error", err)
		} else {
			defer natsClient.Close()
			events = inats.NewPublisher(natsClient.JetStream())

			consumer := audit.NewConsumer(auditRepo, inats.NewConsumerManager(natsClient.JetStream()))
			go func() {
				if err := consumer.Start(ctx); err != nil {
					slog.Error("usage consumer stopped", "error", err)
				}
			}()
		}
	}

	// Users and auth
	userRepo := users.NewRepository(pool)
	userSvc := users.NewService(userRepo)
	userHandler := users.NewHandler(userSvc)

	jwtManager := auth.NewJWTManager(
		cfg.JWT.AccessSecret,
		cfg.JWT.RefreshSecret,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)
	authSvc := auth.NewService(jwtManager, redisClient, userSvc)
	authHandler := auth.NewHandler(authSvc, userSvc)
	authLimiter := mw.NewRateLimiter(redisClient, "auth", cfg.AuthLimit.MaxRequests, cfg.AuthLimit.WindowSec)

	// Usage ledger
	ledgerSvc := ledger.NewService(
		ledger.NewPostgresStore(pool),
		ledger.NewRedisStore(redisClient),
		ledger.NewBurstWindow(redisClient),
		cfg.Limits,
	)
	ledgerHandler := ledger.NewHandler(ledgerSvc)

	// Token budget
	var estimator tokenbudget.Estimator = tokenbudget.HeuristicEstimator{CharsPerToken: cfg.Budget.CharsPerToken}
	if cfg.Budget.Precise {
		estimator = tokenbudget.NewTiktokenEstimator(cfg.Budget.Encoding, estimator)
	}
	tokens := tokenbudget.NewManager(estimator, tokenbudget.Policy{
		SafetyMargin:  cfg.Budget.SafetyMargin,
		StepDown:      cfg.Budget.StepDown,
		MaxIterations: cfg.Budget.MaxIterations,
		Schedule:      cfg.Budget.Schedule,
	})
	budget := tokenbudget.Budget{
		MaxTokensPost:        cfg.Budget.MaxTokensPost,
		MaxTokensComment:     cfg.Budget.MaxTokensComment,
		MaxTokensTotal:       cfg.Budget.MaxTokensTotal,
		PromptOverheadTokens: cfg.Budget.PromptOverheadTokens,
	}

	// Analysis
	matcher, err := explain.NewMatcher(explain.DefaultCatalog())
	if err != nil {
		slog.Error("compiling toxic phrase catalog", "error", err)
		os.Exit(1)
	}
	providers := map[ledger.Tier]analysis.Provider{
		ledger.TierStandard: analysis.NewHTTPProvider(cfg.Providers.Standard, analysis.ModelTypeStandard),
		ledger.TierPremium:  analysis.NewHTTPProvider(cfg.Providers.Premium, analysis.ModelTypePremium),
	}
	analysisSvc := analysis.NewService(ledgerSvc, tokens, budget, providers, matcher, events)
	analysisHandler := analysis.NewHandler(analysisSvc)

	auditHandler := audit.NewHandler(auditRepo)

	// Router
	router := api.NewRouter(pool, redisClient, natsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		AuthRateLimiter:    authLimiter.Middleware,
	}, api.HandlerSet{
		Register: authHandler.Register,
		Login:    authHandler.Login,
		Refresh:  authHandler.Refresh,
		Logout:   authHandler.Logout,

		Analyze:      analysisHandler.Analyze,
		Usage:        ledgerHandler.Usage,
		UsageHistory: auditHandler.History,

		ResetLimits:  ledgerHandler.ResetLimits,
		UpdateLimits: userHandler.UpdateLimits,

		AuthMiddleware:     auth.Middleware(authSvc),
		IdentityMiddleware: identity.Middleware(jwtManager, userSvc),
		RequireAdmin:       identity.RequireAdmin,
	})

	// Start server
	srv := server.New(cfg.Server, router)
	srv.OnShutdown(cancel)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
