package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sipeed/wagate/pkg/storage/repository"
)

type deviceRepository struct {
	db      dbExecutor
	dialect Dialect
}

// NewDeviceRepository creates a SQL-backed device state repository.
func NewDeviceRepository(db dbExecutor, dialect Dialect) repository.DeviceRepository {
	return &deviceRepository{db: db, dialect: dialect}
}

func (r *deviceRepository) Save(ctx context.Context, state repository.DeviceState) error {
	query := r.dialect.Rebind(`INSERT INTO device_states (tenant, state, status, updated_at)
	          VALUES (?, ?, ?, ?)
	          ON CONFLICT (tenant) DO UPDATE SET
	              state = excluded.state,
	              status = excluded.status,
	              updated_at = excluded.updated_at`)
	_, err := r.db.ExecContext(ctx, query, state.Tenant, state.State, state.Status, toMillis(state.UpdatedAt))
	return err
}

func (r *deviceRepository) Get(ctx context.Context, tenant string) (*repository.DeviceState, error) {
	query := r.dialect.Rebind(`SELECT tenant, state, status, updated_at FROM device_states WHERE tenant = ?`)
	var (
		s       repository.DeviceState
		updated int64
	)
	err := r.db.QueryRowContext(ctx, query, tenant).Scan(&s.Tenant, &s.State, &s.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Return nil instead of error when not found
	}
	if err != nil {
		return nil, err
	}
	s.UpdatedAt = fromMillis(updated)
	return &s, nil
}

func (r *deviceRepository) List(ctx context.Context) ([]repository.DeviceState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tenant, state, status, updated_at FROM device_states ORDER BY tenant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []repository.DeviceState
	for rows.Next() {
		var (
			s       repository.DeviceState
			updated int64
		)
		if err := rows.Scan(&s.Tenant, &s.State, &s.Status, &updated); err != nil {
			return nil, err
		}
		s.UpdatedAt = fromMillis(updated)
		result = append(result, s)
	}
	return result, rows.Err()
}
