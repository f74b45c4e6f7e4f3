package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sipeed/wagate/pkg/storage/repository"
)

const outboxColumns = `id, tenant, endpoint, fields, attempts, last_error, created_at, next_attempt_at, delivered_at, abandoned`

type outboxRepository struct {
	db      dbExecutor
	dialect Dialect
}

// NewOutboxRepository creates a SQL-backed webhook outbox.
func NewOutboxRepository(db dbExecutor, dialect Dialect) repository.OutboxRepository {
	return &outboxRepository{db: db, dialect: dialect}
}

func (r *outboxRepository) Enqueue(ctx context.Context, d repository.Delivery) error {
	fields, err := json.Marshal(d.Fields)
	if err != nil {
		return err
	}
	query := r.dialect.Rebind(`INSERT INTO webhook_outbox (` + outboxColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.db.ExecContext(ctx, query, r.args(d, fields)...)
	if err != nil {
		return fmt.Errorf("enqueue delivery %s: %w", d.ID, err)
	}
	return nil
}

func (r *outboxRepository) Get(ctx context.Context, id string) (*repository.Delivery, error) {
	query := r.dialect.Rebind(`SELECT ` + outboxColumns + ` FROM webhook_outbox WHERE id = ?`)
	d, err := scanDelivery(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *outboxRepository) Due(ctx context.Context, now time.Time, limit int) ([]repository.Delivery, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := r.dialect.Rebind(`SELECT ` + outboxColumns + ` FROM webhook_outbox
	          WHERE delivered_at IS NULL AND abandoned = 0 AND next_attempt_at <= ?
	          ORDER BY next_attempt_at
	          LIMIT ?`)
	return r.query(ctx, query, now.UnixMilli(), limit)
}

func (r *outboxRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	query := r.dialect.Rebind(`UPDATE webhook_outbox
	          SET attempts = attempts + 1, last_error = '', delivered_at = ?
	          WHERE id = ?`)
	return r.execOne(ctx, query, at.UnixMilli(), id)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id, lastError string, next time.Time, abandon bool) error {
	query := r.dialect.Rebind(`UPDATE webhook_outbox
	          SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?, abandoned = ?
	          WHERE id = ?`)
	return r.execOne(ctx, query, lastError, next.UnixMilli(), boolToInt(abandon), id)
}

func (r *outboxRepository) Save(ctx context.Context, d repository.Delivery) error {
	fields, err := json.Marshal(d.Fields)
	if err != nil {
		return err
	}
	query := r.dialect.Rebind(`INSERT INTO webhook_outbox (` + outboxColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT (id) DO UPDATE SET
	              tenant = excluded.tenant,
	              endpoint = excluded.endpoint,
	              fields = excluded.fields,
	              attempts = excluded.attempts,
	              last_error = excluded.last_error,
	              created_at = excluded.created_at,
	              next_attempt_at = excluded.next_attempt_at,
	              delivered_at = excluded.delivered_at,
	              abandoned = excluded.abandoned`)
	_, err = r.db.ExecContext(ctx, query, r.args(d, fields)...)
	return err
}

func (r *outboxRepository) List(ctx context.Context) ([]repository.Delivery, error) {
	query := `SELECT ` + outboxColumns + ` FROM webhook_outbox ORDER BY created_at`
	return r.query(ctx, query)
}

func (r *outboxRepository) Stats(ctx context.Context) (repository.OutboxStats, error) {
	query := `SELECT
	              COALESCE(SUM(CASE WHEN delivered_at IS NULL AND abandoned = 0 THEN 1 ELSE 0 END), 0),
	              COALESCE(SUM(CASE WHEN delivered_at IS NOT NULL THEN 1 ELSE 0 END), 0),
	              COALESCE(SUM(CASE WHEN delivered_at IS NULL AND abandoned <> 0 THEN 1 ELSE 0 END), 0)
	          FROM webhook_outbox`
	var stats repository.OutboxStats
	err := r.db.QueryRowContext(ctx, query).Scan(&stats.Pending, &stats.Delivered, &stats.Abandoned)
	return stats, err
}

func (r *outboxRepository) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	query := r.dialect.Rebind(`DELETE FROM webhook_outbox
	          WHERE (delivered_at IS NOT NULL OR abandoned <> 0) AND created_at < ?`)
	res, err := r.db.ExecContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *outboxRepository) args(d repository.Delivery, fields []byte) []interface{} {
	var delivered interface{}
	if d.DeliveredAt != nil {
		delivered = d.DeliveredAt.UnixMilli()
	}
	return []interface{}{
		d.ID,
		d.Tenant,
		d.Endpoint,
		string(fields),
		d.Attempts,
		d.LastError,
		toMillis(d.CreatedAt),
		toMillis(d.NextAttemptAt),
		delivered,
		boolToInt(d.Abandoned),
	}
}

func (r *outboxRepository) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *outboxRepository) query(ctx context.Context, query string, args ...interface{}) ([]repository.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []repository.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(s scanner) (*repository.Delivery, error) {
	var (
		d         repository.Delivery
		fields    string
		created   int64
		next      int64
		delivered sql.NullInt64
		abandoned int
	)
	if err := s.Scan(&d.ID, &d.Tenant, &d.Endpoint, &fields, &d.Attempts, &d.LastError,
		&created, &next, &delivered, &abandoned); err != nil {
		return nil, err
	}
	if fields != "" && fields != "null" {
		if err := json.Unmarshal([]byte(fields), &d.Fields); err != nil {
			return nil, fmt.Errorf("delivery %s: bad fields: %w", d.ID, err)
		}
	}
	d.CreatedAt = fromMillis(created)
	d.NextAttemptAt = fromMillis(next)
	if delivered.Valid {
		at := fromMillis(delivered.Int64)
		d.DeliveredAt = &at
	}
	d.Abandoned = abandoned != 0
	return &d, nil
}
