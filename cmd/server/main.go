package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/adminbridge/secure-session-core/internal/app"
	"github.com/adminbridge/secure-session-core/internal/clock"
	"github.com/adminbridge/secure-session-core/internal/config"
	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/health"
	"github.com/adminbridge/secure-session-core/internal/http/handler"
	"github.com/adminbridge/secure-session-core/internal/http/middleware"
	"github.com/adminbridge/secure-session-core/internal/http/router"
	"github.com/adminbridge/secure-session-core/internal/observability"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/security"
	"github.com/adminbridge/secure-session-core/internal/service"
	"github.com/adminbridge/secure-session-core/internal/tools/storecheck"
)

func main() {
	root := &cobra.Command{
		Use:   "secure-session-core",
		Short: "Session security core: token rotation, session caps, tamper-evident audit",
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(storecheck.NewCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	logger, loggerProvider, err := observability.InitLogger(ctx, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	runtime, err := observability.InitRuntime(ctx, cfg, logger, loggerProvider)
	if err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.Session{}, &domain.AuditEntry{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	keys, err := security.DeriveKeys([]byte(cfg.SessionMasterKey))
	if err != nil {
		return err
	}

	clk := clock.New()
	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, keys.Access, keys.Refresh, clk.Now)

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	blacklist := service.NewRedisTokenBlacklistStore(redisClient, "")
	attempts := service.NewRedisLoginAttemptStore(redisClient, "", clk.Now)

	chain := service.NewAuditChain(auditRepo, clk, cfg.AuditChainID)
	tokens := service.NewTokenService(jwtMgr, sessionRepo, blacklist, chain, clk, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	controller := service.NewSessionController(sessionRepo, blacklist, chain, clk, cfg.MaxSessionsPerUser, cfg.SessionLimitPolicy, cfg.RefreshTokenTTL)
	tracker := service.NewTimeoutTracker(sessionRepo, blacklist, chain, clk, cfg.IdleTimeout, cfg.TimeoutWarningWindow, cfg.RefreshTokenTTL)
	guard := service.NewCSRFGuard(keys.CSRF, cfg.ExpectedOrigin)
	auth := service.NewAuthService(userRepo, sessionRepo, tokens, controller, attempts, chain, clk,
		cfg.LoginMaxFailures, cfg.LoginFailureWindow, cfg.AbsoluteTimeout)
	directory := service.NewSessionDirectory(sessionRepo)

	cookies := security.CookiePolicy{Domain: cfg.CookieDomain, Secure: cfg.CookieSecure}
	authHandler := handler.NewAuthHandler(auth, tokens, sessionRepo, tracker, guard, cookies)
	sessionHandler := handler.NewSessionHandler(directory, controller)
	adminHandler := handler.NewAdminHandler(directory, controller, chain, clk)

	redisLimiter := middleware.NewRedisFixedWindowLimiter(redisClient, "ratelimit")
	globalLimiter := middleware.NewDistributedRateLimiter(
		redisLimiter, cfg.APIRateLimitRPM, time.Minute, middleware.FailOpen, "api",
		middleware.SessionOrIPKeyFunc(),
	).Middleware()
	authLimiter := middleware.NewDistributedRateLimiter(
		redisLimiter, cfg.AuthRateLimitRPM, time.Minute, middleware.FailClosed, "auth", nil,
	).Middleware()

	readiness := health.NewProbeRunner(2*time.Second,
		health.DatabaseCheck(db),
		health.RedisCheck(redisClient),
	)

	mux := router.NewRouter(router.Dependencies{
		AuthHandler:      authHandler,
		SessionHandler:   sessionHandler,
		AdminHandler:     adminHandler,
		TokenService:     tokens,
		SessionRepo:      sessionRepo,
		TimeoutTracker:   tracker,
		CSRFGuard:        guard,
		AuditChain:       chain,
		APIRateLimitRPM:  cfg.APIRateLimitRPM,
		AuthRateLimitRPM: cfg.AuthRateLimitRPM,
		GlobalLimiter:    globalLimiter,
		AuthLimiter:      authLimiter,
		Readiness:        readiness,
		EnableOTelHTTP:   cfg.OTELTracesEnabled,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	application := app.New(cfg, logger, server, runtime)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", "addr", cfg.HTTPAddr, "profile", cfg.Profile)
		if err := application.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.SessionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n, err := tracker.Sweep(cfg.SessionRetention)
				if err != nil {
					logger.Warn("session sweep", "error", err.Error())
					continue
				}
				if n > 0 {
					logger.Info("session sweep", "deleted", n)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := application.Server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := application.Observability.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", "error", err.Error())
		}
		return redisClient.Close()
	})
	return g.Wait()
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	}
	switch cfg.DBDriver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DBDSN), gormCfg)
	default:
		return gorm.Open(sqlite.Open(cfg.DBDSN), gormCfg)
	}
}
