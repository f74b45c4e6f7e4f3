package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sipeed/wagate/pkg/storage/file"
	"github.com/sipeed/wagate/pkg/storage/postgres"
	"github.com/sipeed/wagate/pkg/storage/sqlite"
)

// NewStorage creates a Storage implementation based on the provided configuration.
// Supported types: "file", "postgres", "sqlite"
func NewStorage(cfg Config) (Storage, error) {
	switch cfg.Type {
	case "file":
		return file.NewFileStorage(cfg.FilePath)
	case "postgres":
		return postgres.NewPostgresStorage(cfg.DatabaseURL, cfg.SSLEnabled, cfg.MaxIdleConns, cfg.MaxOpenConns, cfg.MaxLifetime)
	case "sqlite":
		return sqlite.NewSQLiteStorage(sqlitePath(cfg.FilePath))
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: file, postgres, sqlite)", cfg.Type)
	}
}

// sqlitePath accepts either a database file or a directory to put it in.
func sqlitePath(path string) string {
	if strings.HasSuffix(path, ".db") || strings.HasSuffix(path, ".sqlite") {
		return path
	}
	return filepath.Join(path, "wagate.db")
}
