package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/sipeed/wagate/pkg/storage/repository"
	"github.com/sipeed/wagate/pkg/storage/sqldb"
)

// SQLiteStorage implements the storage.Storage interface on a single SQLite
// database file.
type SQLiteStorage struct {
	path    string
	db      *sql.DB
	outbox  repository.OutboxRepository
	devices repository.DeviceRepository
}

// NewSQLiteStorage opens (creating if needed) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required for SQLite storage")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteStorage{
		path:    path,
		db:      db,
		outbox:  sqldb.NewOutboxRepository(db, sqldb.SQLite),
		devices: sqldb.NewDeviceRepository(db, sqldb.SQLite),
	}, nil
}

// Open returns a single-connection handle with WAL and a busy timeout, the
// same pragmas the whatsmeow device store uses.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Connect checks the database and runs migrations.
func (s *SQLiteStorage) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := sqldb.RunMigrations(ctx, s.db, sqldb.SQLite); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Outbox returns the webhook outbox repository.
func (s *SQLiteStorage) Outbox() repository.OutboxRepository {
	return s.outbox
}

// Devices returns the device state repository.
func (s *SQLiteStorage) Devices() repository.DeviceRepository {
	return s.devices
}

// Ping checks if the database is reachable.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
