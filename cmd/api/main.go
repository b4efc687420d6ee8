package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/medisync/identity/internal/auth"
	"github.com/medisync/identity/internal/background"
	"github.com/medisync/identity/internal/config"
	"github.com/medisync/identity/internal/database"
	"github.com/medisync/identity/internal/handlers"
	middlewareCustom "github.com/medisync/identity/internal/middleware"
	"github.com/medisync/identity/internal/push"
	"github.com/medisync/identity/internal/ratelimit"
	"github.com/medisync/identity/internal/repositories"
	"github.com/medisync/identity/internal/routes"
	"github.com/medisync/identity/internal/services"
	pkghttp "github.com/medisync/identity/pkg/http"
	pkglogger "github.com/medisync/identity/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Run migrations before opening the pool
	if err := runMigrations(&cfg.Database); err != nil {
		logger.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize Redis (rate limiting, QR handshake, push channels)
	redisClient, err := database.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer redisClient.Close()

	// Initialize repositories
	accountRepo := repositories.NewAccountRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)

	// Initialize cleanup manager: revoked sessions are kept around for the
	// refresh token lifetime so replayed tokens stay distinguishable from
	// garbage, then pruned.
	cleanupManager := background.NewCleanupManager(sessionRepo, logger, 1*time.Hour, cfg.Auth.RefreshTokenExpiry)

	// Initialize token manager
	tokenManager := auth.NewTokenManager(
		cfg.Auth.AccessTokenSecret,
		cfg.Auth.RefreshTokenSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)

	auditLogger := pkglogger.NewAuditLogger(logger)

	// Per-action fixed-window rate limiter
	limiter := ratelimit.NewLimiter(redisClient, logger)

	// Timing delay for auth security
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   100,
		RandomDelayMs: 150,
	})

	// Push layer for cross-device notifications
	registry := push.NewRegistry()
	broadcaster := push.NewBroadcaster(redisClient, logger)

	// AWS SES email service
	emailService, err := services.NewAWSSESEmailService(
		cfg.Email.AWSRegion,
		cfg.Email.FromAddress,
		logger,
	)
	if err != nil {
		logger.Error("failed to initialize email service", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize services
	sessionService := services.NewSessionService(
		sessionRepo, accountRepo, tokenManager, broadcaster, registry,
		logger, cfg.Auth.MaxConcurrentSessions,
	)
	otpService := services.NewOtpService(
		accountRepo, sessionService, sessionService, emailService, limiter,
		logger, auditLogger, cfg.Auth.OtpExpiry,
	)
	authService := services.NewAuthService(
		accountRepo, sessionService, limiter, otpService, timingDelay,
		logger, auditLogger,
		services.AuthPolicy{
			LockoutThreshold:   cfg.Auth.LockoutThreshold,
			PasswordMaxAgeDays: cfg.Auth.PasswordMaxAgeDays,
		},
	)
	qrService := services.NewQrLoginService(
		redisClient, accountRepo, sessionService, broadcaster, logger,
		services.QrConfig{
			LoginURLBase: cfg.Qr.LoginURLBase,
			PendingTTL:   cfg.Qr.PendingTTL,
			UsedTTL:      cfg.Qr.UsedTTL,
		},
	)

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{}
	authHandler := handlers.NewAuthHandler(authService, sessionService, otpService, ipConfig)
	qrHandler := handlers.NewQrHandler(qrService, broadcaster, registry, ipConfig)
	adminHandler := handlers.NewRateLimitAdminHandler(limiter)

	// Setup CORS middleware
	corsConfig := middlewareCustom.DefaultCORSConfig(cfg.Server.Env)
	corsConfig.AllowedOrigins = cfg.Server.AllowedOrigins

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(corsConfig))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)

	// Register routes
	routes.RegisterRoutes(router, authHandler, qrHandler, adminHandler, tokenManager, sessionService)

	// Health check covering both stores
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		if err := db.HealthCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","redis":"down"}`))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// runMigrations applies pending goose migrations through a short-lived
// database/sql connection.
func runMigrations(cfg *config.DatabaseConfig) error {
	sqlDB, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer sqlDB.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
