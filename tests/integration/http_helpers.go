package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/cache"
	"github.com/mklatt/bastion/internal/captcha"
	"github.com/mklatt/bastion/internal/config"
	"github.com/mklatt/bastion/internal/database"
	"github.com/mklatt/bastion/internal/geo"
	"github.com/mklatt/bastion/internal/handlers"
	middlewareCustom "github.com/mklatt/bastion/internal/middleware"
	"github.com/mklatt/bastion/internal/routes"
	"github.com/mklatt/bastion/internal/services"
	pkghttp "github.com/mklatt/bastion/pkg/http"
	pkglogger "github.com/mklatt/bastion/pkg/logger"
)

// SentNotice is a captured outbound email
type SentNotice struct {
	To   string
	Kind string // "device_approval", "magic_link", "lockout"
	Code string // approval code, when Kind == "device_approval"
	Link string // magic-link token or approve link
}

// MockNotifier captures outbound notifications for test assertions
type MockNotifier struct {
	Notices []SentNotice
	mu      sync.Mutex
}

func (m *MockNotifier) SendDeviceApprovalNotice(ctx context.Context, n services.DeviceApprovalNotice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Notices = append(m.Notices, SentNotice{To: n.Email, Kind: "device_approval", Code: n.Code, Link: n.ApproveLink})
	return nil
}

func (m *MockNotifier) SendMagicLink(ctx context.Context, email, language, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Notices = append(m.Notices, SentNotice{To: email, Kind: "magic_link", Link: token})
	return nil
}

func (m *MockNotifier) SendLockoutNotice(ctx context.Context, email, language string, lockedUntil time.Time, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Notices = append(m.Notices, SentNotice{To: email, Kind: "lockout"})
	return nil
}

// GetLastNotice returns the most recent captured notification
func (m *MockNotifier) GetLastNotice() *SentNotice {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Notices) == 0 {
		return nil
	}
	return &m.Notices[len(m.Notices)-1]
}

// TestServer wraps httptest.Server with database, cache, and all dependencies
type TestServer struct {
	Server   *httptest.Server
	DB       *database.DB
	Redis    *miniredis.Miniredis
	Notifier *MockNotifier
	Config   *config.Config

	redisClient *redis.Client
	logger      *slog.Logger
}

// NewTestServer initializes a complete HTTP server with real database,
// in-process Redis, and a capturing notifier
func NewTestServer(db *database.DB) (*TestServer, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	mr, err := miniredis.Run()
	if err != nil {
		return nil, err
	}

	cfg := &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:           "test-secret-32-characters-long-for-testing",
			AccessTokenExpiry:   15 * time.Minute,
			RefreshTokenExpiry:  24 * time.Hour,
			RememberMeExpiry:    720 * time.Hour,
			MFAChallengeExpiry:  5 * time.Minute,
			MFASetupExpiry:      15 * time.Minute,
			MagicLinkExpiry:     15 * time.Minute,
			MFAEncryptionKey:    []byte("test-mfa-encryption-key-32-chars"),
			TOTPIssuer:          "BastionTest",
			BackupCodeCount:     8,
			CleanupInterval:     1 * time.Hour,
			AuditRetention:      30 * 24 * time.Hour,
			TimingDelayBaseMs:   1,
			TimingDelayRandomMs: 1,
			PermissionCacheTTL:  1 * time.Minute,
			ForceReauthFlagTTL:  24 * time.Hour,
			RevokedSessionTTL:   24 * time.Hour,
		},
		Lockout: config.LockoutConfig{
			Threshold:       5,
			Window:          15 * time.Minute,
			BaseDuration:    15 * time.Minute,
			Multiplier:      2.0,
			MaxDuration:     24 * time.Hour,
			NotifyThreshold: 5,
		},
		Approval: config.ApprovalConfig{
			TokenExpiry:    15 * time.Minute,
			MaxAttempts:    3,
			ResendCooldown: 60 * time.Second,
			BaseURL:        "http://localhost:8080",
		},
		Server: config.ServerConfig{
			Port:           "0",
			Env:            "test",
			AllowedOrigins: []string{},
			TrustedProxies: []string{},
		},
	}

	principalRepo, deviceRepo, refreshTokenRepo, auditLogRepo := InitializeRepositories(db)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisCache := cache.NewRedisCache(redisClient)

	notifier := &MockNotifier{}

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
		mr.Close()
		return nil, err
	}

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs: cfg.Auth.TimingDelayRandomMs,
	})

	resolver := &geo.StaticResolver{}

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
		captcha.NoopVerifier{}, notifier, auditor, resolver,
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

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	authHandler := handlers.NewAuthHandler(orchestrator, ipConfig)
	deviceHandler := handlers.NewDeviceHandler(orchestrator, principalService, ipConfig)
	principalHandler := handlers.NewPrincipalHandler(principalService, ipConfig)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	// Generous limits: every test request arrives from the loopback address
	routes.RegisterRoutes(r, authHandler, deviceHandler, principalHandler, tokenManager, reauthCoordinator,
		middlewareCustom.RateLimitConfig{RequestsPerMinute: 10000},
		middlewareCustom.AuthenticatedRateLimitConfig{
			ReadOperationsPerMinute:  10000,
			WriteOperationsPerMinute: 10000,
			AdminOperationsPerMinute: 10000,
		})

	server := httptest.NewServer(r)

	return &TestServer{
		Server:      server,
		DB:          db,
		Redis:       mr,
		Notifier:    notifier,
		Config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}, nil
}

// Close shuts down the test server and its in-process Redis
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
	if ts.redisClient != nil {
		ts.redisClient.Close()
	}
	if ts.Redis != nil {
		ts.Redis.Close()
	}
}

// FlushCache clears the lockout counters, revocation markers, and cached
// permissions between tests
func (ts *TestServer) FlushCache() {
	ts.Redis.FlushAll()
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	url := ts.Server.URL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request with access token
func (ts *TestServer) RequestWithAuth(method, path, accessToken string, body interface{}) (*http.Response, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + accessToken,
	}
	return ts.Request(method, path, body, headers)
}

// ParseJSONResponse parses JSON response body into target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// ExtractLoginResult pulls the status and tokens out of a login response
func ExtractLoginResult(resp *http.Response) (status, accessToken, refreshToken string, err error) {
	defer resp.Body.Close()

	var loginResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", "", "", err
	}

	if s, ok := loginResp["status"].(string); ok {
		status = s
	}
	if session, ok := loginResp["session"].(map[string]interface{}); ok {
		if access, ok := session["access_token"].(string); ok {
			accessToken = access
		}
		if refresh, ok := session["refresh_token"].(string); ok {
			refreshToken = refresh
		}
	}

	return status, accessToken, refreshToken, nil
}

// GetErrorCode extracts the error code from an error response
func GetErrorCode(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var errResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return "", err
	}
	if code, ok := errResp["error"].(string); ok {
		return code, nil
	}
	return "", nil
}
