package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Delivery is one outbound webhook call kept until it succeeds or is
// abandoned. ID doubles as the idempotency key sent to the receiver.
type Delivery struct {
	ID            string            `json:"id"`
	Tenant        string            `json:"tenant"`
	Endpoint      string            `json:"endpoint"`
	Fields        map[string]string `json:"fields"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	DeliveredAt   *time.Time        `json:"delivered_at,omitempty"`
	Abandoned     bool              `json:"abandoned"`
}

// Pending reports whether the delivery still needs an attempt.
func (d Delivery) Pending() bool {
	return d.DeliveredAt == nil && !d.Abandoned
}

// OutboxStats counts deliveries by outcome.
type OutboxStats struct {
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Abandoned int `json:"abandoned"`
}

// OutboxRepository persists webhook deliveries.
type OutboxRepository interface {
	// Enqueue stores a new delivery. The ID must be unique.
	Enqueue(ctx context.Context, d Delivery) error

	// Get returns ErrNotFound for unknown IDs.
	Get(ctx context.Context, id string) (*Delivery, error)

	// Due returns pending deliveries whose next attempt is at or before now,
	// oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Delivery, error)

	// MarkDelivered records a successful attempt.
	MarkDelivered(ctx context.Context, id string, at time.Time) error

	// MarkFailed records a failed attempt and when to try again. abandon
	// stops further attempts.
	MarkFailed(ctx context.Context, id, lastError string, next time.Time, abandon bool) error

	// Save inserts or replaces a delivery as-is. Used for migrations.
	Save(ctx context.Context, d Delivery) error

	List(ctx context.Context) ([]Delivery, error)
	Stats(ctx context.Context) (OutboxStats, error)

	// Prune deletes delivered or abandoned records created before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
