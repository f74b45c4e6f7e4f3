package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/sipeed/wagate/pkg/storage/repository"
	"github.com/sipeed/wagate/pkg/storage/sqldb"
)

// PostgresStorage implements the storage.Storage interface for PostgreSQL.
type PostgresStorage struct {
	db      *sql.DB
	outbox  repository.OutboxRepository
	devices repository.DeviceRepository
}

// NewPostgresStorage creates a new PostgreSQL storage instance.
func NewPostgresStorage(databaseURL string, sslEnabled bool, maxIdleConns, maxOpenConns int, maxLifetime time.Duration) (*PostgresStorage, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required for PostgreSQL storage")
	}

	db, err := Open(databaseURL, sslEnabled)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}

	return &PostgresStorage{
		db:      db,
		outbox:  sqldb.NewOutboxRepository(db, sqldb.Postgres),
		devices: sqldb.NewDeviceRepository(db, sqldb.Postgres),
	}, nil
}

// Open opens a lib/pq connection, adding sslmode when the URL has none.
func Open(databaseURL string, sslEnabled bool) (*sql.DB, error) {
	db, err := sql.Open("postgres", WithSSLMode(databaseURL, sslEnabled))
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	return db, nil
}

// WithSSLMode appends sslmode to the connection string unless it is already
// present, in which case the existing value is respected.
func WithSSLMode(databaseURL string, sslEnabled bool) string {
	if strings.Contains(databaseURL, "sslmode=") {
		return databaseURL
	}
	sep := "?"
	if strings.Contains(databaseURL, "?") {
		sep = "&"
	}
	if sslEnabled {
		return databaseURL + sep + "sslmode=require"
	}
	return databaseURL + sep + "sslmode=disable"
}

// Connect establishes connection and runs migrations.
func (s *PostgresStorage) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := sqldb.RunMigrations(ctx, s.db, sqldb.Postgres); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Outbox returns the webhook outbox repository.
func (s *PostgresStorage) Outbox() repository.OutboxRepository {
	return s.outbox
}

// Devices returns the device state repository.
func (s *PostgresStorage) Devices() repository.DeviceRepository {
	return s.devices
}

// Ping checks if the database connection is alive.
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
