package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mklatt/bastion/internal/database"
	"github.com/mklatt/bastion/internal/models"
	"github.com/mklatt/bastion/internal/repositories"
	"github.com/mklatt/bastion/pkg/auth"
)

// TestDB manages PostgreSQL testcontainer and database operations
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	Pool       *pgxpool.Pool
	DB         *database.DB
}

// SetupTestDatabase creates a PostgreSQL testcontainer, runs migrations, returns TestDB
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("bastion"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	dbWrapper := &database.DB{
		Pool: pool,
	}

	return &TestDB{
		Container:  container,
		ConnString: connStr,
		Pool:       pool,
		DB:         dbWrapper,
	}, nil
}

// runMigrations executes all goose migrations
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir, err := filepath.Abs("../../migrations")
	if err != nil {
		return fmt.Errorf("failed to get migrations path: %w", err)
	}

	// Suppress goose logs
	goose.SetLogger(log.New(io.Discard, "", 0))

	// Goose needs a stdlib DB connection
	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, migrationsDir); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// Teardown stops the container and closes the connection pool
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"audit_logs",
		"refresh_tokens",
		"devices",
		"principal_permissions",
		"principals",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// InitializeRepositories creates all repository instances from database wrapper
func InitializeRepositories(db *database.DB) (
	*repositories.PrincipalRepository,
	*repositories.DeviceRepository,
	*repositories.RefreshTokenRepository,
	*repositories.AuditLogRepository,
) {
	return repositories.NewPrincipalRepository(db),
		repositories.NewDeviceRepository(db),
		repositories.NewRefreshTokenRepository(db),
		repositories.NewAuditLogRepository(db)
}

// SeedPrincipal inserts a test principal with hashed password and permissions
func SeedPrincipal(ctx context.Context, pool *pgxpool.Pool, email, password string, permissions []string) (*models.Principal, error) {
	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO principals (id, email, password_hash, name, user_type, language, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING id, email, password_hash, name, user_type, language, active, mfa_enabled, created_at, updated_at
	`

	var p models.Principal
	err = pool.QueryRow(ctx, query, uuid.New().String(), email, hashedPassword, "Test Operator", models.UserTypeSystem, "en").Scan(
		&p.ID,
		&p.Email,
		&p.PasswordHash,
		&p.Name,
		&p.UserType,
		&p.Language,
		&p.Active,
		&p.MFAEnabled,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert principal: %w", err)
	}

	for _, perm := range permissions {
		if _, err := pool.Exec(ctx,
			`INSERT INTO principal_permissions (principal_id, permission) VALUES ($1, $2)`, p.ID, perm); err != nil {
			return nil, fmt.Errorf("failed to insert permission: %w", err)
		}
	}

	return &p, nil
}

// sha256Hash computes SHA256 hash of input string
func sha256Hash(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

// SeedTrustedDevice inserts a trusted device row for a principal
func SeedTrustedDevice(ctx context.Context, pool *pgxpool.Pool, principalID, deviceID, fingerprint string) (*models.Device, error) {
	query := `
		INSERT INTO devices (id, principal_id, device_id, fingerprint, status, last_ip, browser, os, device_type)
		VALUES ($1, $2, $3, $4, $5, '203.0.113.7', 'Chrome', 'Mac OS X', 'desktop')
		RETURNING id, principal_id, device_id, fingerprint, status, created_at, updated_at
	`

	var d models.Device
	err := pool.QueryRow(ctx, query, uuid.New().String(), principalID, deviceID, fingerprint, models.DeviceStatusTrusted).Scan(
		&d.ID,
		&d.PrincipalID,
		&d.DeviceID,
		&d.Fingerprint,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert device: %w", err)
	}

	return &d, nil
}

// SeedPendingDevice inserts a pending-approval device row with known
// approval credentials. Returns the device plus the raw token and code.
func SeedPendingDevice(ctx context.Context, pool *pgxpool.Pool, principalID, deviceID string) (*models.Device, string, string, error) {
	rawToken := "test-approval-token-" + deviceID
	rawCode := "ABCD-EFGH"

	query := `
		INSERT INTO devices (
			id, principal_id, device_id, fingerprint, status,
			approval_token_hash, approval_code_hash, approval_attempts, approval_expires_at,
			last_ip, browser, os, device_type
		)
		VALUES ($1, $2, $3, 'fp-pending', $4, $5, $6, 0, NOW() + INTERVAL '15 minutes',
			'203.0.113.7', 'Chrome', 'Mac OS X', 'desktop')
		RETURNING id, principal_id, device_id, fingerprint, status, created_at, updated_at
	`

	var d models.Device
	err := pool.QueryRow(ctx, query,
		uuid.New().String(), principalID, deviceID, models.DeviceStatusPendingApproval,
		sha256Hash(rawToken), sha256Hash(rawCode),
	).Scan(
		&d.ID,
		&d.PrincipalID,
		&d.DeviceID,
		&d.Fingerprint,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to insert pending device: %w", err)
	}

	return &d, rawToken, rawCode, nil
}

// SeedRefreshToken inserts a refresh token row bound to a device
func SeedRefreshToken(ctx context.Context, pool *pgxpool.Pool, principalID string, deviceRowID *string, sessionID string) (string, error) {
	rawToken := "test-refresh-token-" + sessionID

	query := `
		INSERT INTO refresh_tokens (id, principal_id, token_hash, device_id, session_id, remember_me, revoked, expires_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, FALSE, NOW() + INTERVAL '24 hours')
		RETURNING id
	`

	var id string
	err := pool.QueryRow(ctx, query, uuid.New().String(), principalID, sha256Hash(rawToken), deviceRowID, sessionID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert refresh token: %w", err)
	}

	return rawToken, nil
}
