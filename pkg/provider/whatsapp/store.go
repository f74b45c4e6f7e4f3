// Package whatsapp implements session.ProviderFactory on top of whatsmeow.
//
// Every tenant gets its own device store: a SQLite file under the store
// directory, or a dedicated schema when a Postgres URL is configured.
// Purging a tenant removes that store, which forces a fresh QR pairing on
// the next start.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/lib/pq"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	_ "modernc.org/sqlite"

	"github.com/sipeed/wagate/pkg/logger"
	"github.com/sipeed/wagate/pkg/session"
)

type Options struct {
	// StoreDir holds one session-<tenant>.db file per tenant.
	StoreDir string
	// StoreURL switches device storage to Postgres, one schema per tenant.
	StoreURL string
	// QRWriter, when set, receives a terminal rendering of every QR code.
	QRWriter io.Writer
}

type Factory struct {
	opts Options
}

func NewFactory(opts Options) (*Factory, error) {
	if opts.StoreDir == "" && opts.StoreURL == "" {
		return nil, errors.New("whatsapp: store directory or store URL is required")
	}
	return &Factory{opts: opts}, nil
}

// StorePath is the SQLite device store for tenant.
func StorePath(dir, tenant string) string {
	return filepath.Join(dir, "session-"+safeName(tenant)+".db")
}

// SchemaName is the Postgres schema holding tenant's device store.
func SchemaName(tenant string) string {
	return "wagate_" + strings.ToLower(strings.ReplaceAll(safeName(tenant), "-", "_"))
}

func safeName(tenant string) string {
	var b strings.Builder
	for _, r := range tenant {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Open loads the tenant's device (creating an empty one if none is stored)
// and wraps it in a provider ready to Start.
func (f *Factory) Open(ctx context.Context, tenant string) (session.Provider, error) {
	db, dialect, err := f.openStore(ctx, tenant)
	if err != nil {
		return nil, err
	}

	container := sqlstore.NewWithDB(db, dialect, logger.WALogger("store/"+tenant))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get device from store: %w", err)
	}

	client := whatsmeow.NewClient(device, logger.WALogger("client/"+tenant))
	return newProvider(tenant, client, db, f.opts.QRWriter), nil
}

func (f *Factory) openStore(ctx context.Context, tenant string) (*sql.DB, string, error) {
	if f.opts.StoreURL != "" {
		db, err := openSchema(ctx, f.opts.StoreURL, SchemaName(tenant))
		return db, "postgres", err
	}

	path := StorePath(f.opts.StoreDir, tenant)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create store directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open device store: %w", err)
	}
	// Serialize all database access through a single connection to prevent SQLITE_BUSY
	db.SetMaxOpenConns(1)
	return db, "sqlite", nil
}

func openSchema(ctx context.Context, baseURL, schema string) (*sql.DB, error) {
	admin, err := sql.Open("postgres", baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	_, err = admin.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema))
	admin.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create schema %s: %w", schema, err)
	}

	dsn, err := withSearchPath(baseURL, schema)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	return db, nil
}

// withSearchPath pins every connection of dsn to schema. Both URL and
// key=value connection strings are accepted.
func withSearchPath(dsn, schema string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid store URL: %w", err)
		}
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return strings.TrimSpace(dsn) + " search_path=" + schema, nil
}

// Purge deletes the tenant's stored credentials. Filesystem errors such as
// EBUSY are returned unwrapped enough for errors.Is.
func (f *Factory) Purge(ctx context.Context, tenant string) error {
	if f.opts.StoreURL != "" {
		db, err := sql.Open("postgres", f.opts.StoreURL)
		if err != nil {
			return err
		}
		defer db.Close()
		_, err = db.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(SchemaName(tenant))+" CASCADE")
		return err
	}

	base := StorePath(f.opts.StoreDir, tenant)
	for _, path := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
		}
	}
	logger.InfoCF("whatsapp", "Device store removed", map[string]interface{}{
		"tenant": tenant,
	})
	return nil
}
