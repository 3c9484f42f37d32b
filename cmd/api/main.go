package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/background"
	"github.com/mklatt/bastion/internal/cache"
	"github.com/mklatt/bastion/internal/captcha"
	"github.com/mklatt/bastion/internal/config"
	"github.com/mklatt/bastion/internal/database"
	"github.com/mklatt/bastion/internal/geo"
	"github.com/mklatt/bastion/internal/handlers"
	middlewareCustom "github.com/mklatt/bastion/internal/middleware"
	"github.com/mklatt/bastion/internal/models"
	"github.com/mklatt/bastion/internal/repositories"
	"github.com/mklatt/bastion/internal/routes"
	"github.com/mklatt/bastion/internal/services"
	pkgauth "github.com/mklatt/bastion/pkg/auth"
	pkghttp "github.com/mklatt/bastion/pkg/http"
	pkglogger "github.com/mklatt/bastion/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize Redis-backed cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	pingCancel()
	defer redisClient.Close()
	redisCache := cache.NewRedisCache(redisClient)

	// Initialize repositories
	principalRepo := repositories.NewPrincipalRepository(db)
	deviceRepo := repositories.NewDeviceRepository(db)
	refreshTokenRepo := repositories.NewRefreshTokenRepository(db)
	auditLogRepo := repositories.NewAuditLogRepository(db)

	// Token, TOTP, and timing primitives
	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		Secret:             cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
		RememberMeExpiry:   cfg.Auth.RememberMeExpiry,
		MFAChallengeExpiry: cfg.Auth.MFAChallengeExpiry,
		MFASetupExpiry:     cfg.Auth.MFASetupExpiry,
		MagicLinkExpiry:    cfg.Auth.MagicLinkExpiry,
	})

	totpManager, err := auth.NewTOTPManager(cfg.Auth.MFAEncryptionKey, cfg.Auth.TOTPIssuer)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs: cfg.Auth.TimingDelayRandomMs,
	})

	// Geo resolution for the device spoofing check
	var resolver geo.Resolver = &geo.StaticResolver{}
	if cfg.Server.GeoTablePath != "" {
		loaded, err := geo.LoadStaticTable(cfg.Server.GeoTablePath)
		if err != nil {
			logger.Error("failed to load geo table", slog.Any("error", err))
			os.Exit(1)
		}
		resolver = loaded
	}

	// CAPTCHA for the approval resend endpoint
	var captchaVerifier captcha.Verifier = captcha.NoopVerifier{}
	if cfg.Captcha.Required {
		captchaVerifier = captcha.NewHTTPVerifier(cfg.Captcha.Secret, cfg.Captcha.VerifyURL, true)
	}

	// Email delivery
	var notifier services.Notifier
	if cfg.Email.Enabled {
		sesNotifier, err := services.NewAWSSESNotifier(cfg.Email.AWSRegion, cfg.Email.FromAddress, cfg.Approval.BaseURL, logger)
		if err != nil {
			logger.Error("failed to initialize email service", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = sesNotifier
	} else {
		notifier = services.NewLogNotifier(logger)
	}

	// Initialize services
	auditor := services.NewAuditService(auditLogRepo, pkglogger.NewAuditLogger(logger), logger)
	reauthCoordinator := services.NewForceReauthCoordinator(
		redisCache, refreshTokenRepo, principalRepo, auditor,
		cfg.Auth.ForceReauthFlagTTL, cfg.Auth.RevokedSessionTTL, cfg.Auth.PermissionCacheTTL,
		logger,
	)
	lockoutGuard := services.NewLockoutGuard(redisCache, principalRepo, auditor, cfg.Lockout, logger)
	mfaGate := services.NewMfaGate(principalRepo, totpManager, tokenManager, redisCache, auditor, cfg.Auth.BackupCodeCount, logger)
	trustEvaluator := services.NewDeviceTrustEvaluator(deviceRepo, resolver, logger)
	approvalWorkflow := services.NewDeviceApprovalWorkflow(
		deviceRepo, principalRepo, refreshTokenRepo,
		captchaVerifier, notifier, auditor, resolver,
		cfg.Approval, logger,
	)
	sessionIssuer := services.NewSessionTokenIssuer(tokenManager, refreshTokenRepo, principalRepo, reauthCoordinator, auditor, logger)

	orchestrator := services.NewAuthOrchestrator(services.AuthOrchestratorDeps{
		Principals:      principalRepo,
		Lockout:         lockoutGuard,
		MFA:             mfaGate,
		Trust:           trustEvaluator,
		Approval:        approvalWorkflow,
		Issuer:          sessionIssuer,
		Reauth:          reauthCoordinator,
		Passkeys:        services.DisabledPasskeyVerifier{},
		TokenManager:    tokenManager,
		Notifier:        notifier,
		Auditor:         auditor,
		Timing:          timingDelay,
		MagicLinkExpiry: cfg.Auth.MagicLinkExpiry,
		Logger:          logger,
	})

	principalService := services.NewPrincipalService(principalRepo, deviceRepo, refreshTokenRepo, reauthCoordinator, auditor, logger)

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	authHandler := handlers.NewAuthHandler(orchestrator, ipConfig)
	deviceHandler := handlers.NewDeviceHandler(orchestrator, principalService, ipConfig)
	principalHandler := handlers.NewPrincipalHandler(principalService, ipConfig)

	// Bootstrap the first privileged principal if configured
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureBootstrapPrincipal(bootCtx, principalRepo, logger); err != nil {
		logger.Error("failed to ensure bootstrap principal", slog.Any("error", err))
	}
	bootCancel()

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
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, authHandler, deviceHandler, principalHandler, tokenManager, reauthCoordinator,
		middlewareCustom.DefaultAuthRateLimit(), middlewareCustom.DefaultAuthenticatedRateLimit())

	// Health check with database and cache
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","cache":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
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
	cleanupManager := background.NewCleanupManager(refreshTokenRepo, auditLogRepo, logger, cfg.Auth.CleanupInterval, cfg.Auth.AuditRetention)
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

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ensureBootstrapPrincipal creates the first privileged principal when
// BOOTSTRAP_EMAIL and BOOTSTRAP_PASSWORD are set. It holds the wildcard
// permission and is forced through MFA enrollment on first login.
func ensureBootstrapPrincipal(ctx context.Context, principalRepo *repositories.PrincipalRepository, logger *slog.Logger) error {
	email := os.Getenv("BOOTSTRAP_EMAIL")
	password := os.Getenv("BOOTSTRAP_PASSWORD")

	if email == "" || password == "" {
		logger.Info("no BOOTSTRAP_EMAIL or BOOTSTRAP_PASSWORD set, skipping bootstrap principal")
		return nil
	}

	_, err := principalRepo.GetByEmail(ctx, strings.ToLower(email))
	if err == nil {
		logger.Info("bootstrap principal already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check bootstrap principal: %w", err)
	}

	hashed, err := pkgauth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash bootstrap password: %w", err)
	}

	p, err := principalRepo.Create(ctx, &models.Principal{
		Email:        strings.ToLower(email),
		PasswordHash: hashed,
		Name:         "Bootstrap Operator",
		UserType:     models.UserTypeSystem,
		Language:     "en",
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("failed to create bootstrap principal: %w", err)
	}

	if err := principalRepo.ReplacePermissions(ctx, p.ID, []string{models.PermissionAll}); err != nil {
		return fmt.Errorf("failed to grant bootstrap permissions: %w", err)
	}

	logger.Info("bootstrap principal created", slog.String("email", pkglogger.SanitizedEmail(email)))
	return nil
}
