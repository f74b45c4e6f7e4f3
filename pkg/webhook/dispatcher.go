package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/sipeed/wagate/pkg/logger"
	"github.com/sipeed/wagate/pkg/storage/repository"
)

// Poster is the part of Client the dispatcher needs.
type Poster interface {
	Post(ctx context.Context, req Request) (*Response, error)
}

// DefaultLease bounds a first attempt when DispatcherOptions.Lease is unset.
const DefaultLease = 2 * time.Minute

// DispatcherOptions configures retry bookkeeping for the outbox.
type DispatcherOptions struct {
	// Outbox is optional. Without it deliveries are attempted once.
	Outbox      repository.OutboxRepository
	MaxAttempts int
	BatchSize   int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Lease is how long a first attempt may run before Sweep may pick the
	// delivery up. It should cover the client timeout across all retries.
	Lease time.Duration
	// Retention prunes finished deliveries older than this on each sweep.
	// Zero keeps them forever.
	Retention time.Duration
	Now       func() time.Time
	NewID     func() string
}

// Dispatcher delivers callbacks through the outbox and re-attempts failed
// ones on Sweep.
type Dispatcher struct {
	client Poster
	opts   DispatcherOptions

	sweepMu sync.Mutex
}

func NewDispatcher(client Poster, opts DispatcherOptions) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 20
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Hour
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Dispatcher{client: client, opts: opts}
}

// Deliver records the callback in the outbox (when configured) and attempts
// it once. Failed attempts stay in the outbox for Sweep.
func (d *Dispatcher) Deliver(ctx context.Context, tenant, endpoint string, fields map[string]string) (*Response, error) {
	now := d.opts.Now()
	del := repository.Delivery{
		ID:            d.opts.NewID(),
		Tenant:        tenant,
		Endpoint:      endpoint,
		Fields:        fields,
		CreatedAt:     now,
		NextAttemptAt: now.Add(d.opts.Lease),
	}
	if d.opts.Outbox != nil {
		if err := d.opts.Outbox.Enqueue(ctx, del); err != nil {
			logger.ErrorCF("webhook", "Failed to enqueue delivery", map[string]interface{}{
				"endpoint": endpoint,
				"tenant":   tenant,
				"error":    err.Error(),
			})
		}
	}
	return d.attempt(ctx, del)
}

func (d *Dispatcher) attempt(ctx context.Context, del repository.Delivery) (*Response, error) {
	resp, err := d.client.Post(ctx, Request{
		ID:       del.ID,
		Tenant:   del.Tenant,
		Endpoint: del.Endpoint,
		Fields:   del.Fields,
	})
	if d.opts.Outbox == nil {
		return resp, err
	}

	// Bookkeeping must survive a cancelled request context.
	bookCtx := context.WithoutCancel(ctx)
	if err == nil {
		if merr := d.opts.Outbox.MarkDelivered(bookCtx, del.ID, d.opts.Now()); merr != nil && !errors.Is(merr, repository.ErrNotFound) {
			logger.WarnCF("webhook", "Failed to mark delivery", map[string]interface{}{
				"id":    del.ID,
				"error": merr.Error(),
			})
		}
		return resp, nil
	}

	attempts := del.Attempts + 1
	abandon := attempts >= d.opts.MaxAttempts
	next := d.opts.Now().Add(d.Backoff(attempts))
	if merr := d.opts.Outbox.MarkFailed(bookCtx, del.ID, err.Error(), next, abandon); merr != nil && !errors.Is(merr, repository.ErrNotFound) {
		logger.WarnCF("webhook", "Failed to record delivery failure", map[string]interface{}{
			"id":    del.ID,
			"error": merr.Error(),
		})
	}
	if abandon {
		logger.WarnCF("webhook", "Delivery abandoned", map[string]interface{}{
			"id":       del.ID,
			"endpoint": del.Endpoint,
			"tenant":   del.Tenant,
			"attempts": attempts,
		})
	}
	return resp, err
}

// Backoff returns the wait before the next attempt after the given number of
// failed attempts: BackoffBase doubled per attempt, capped at BackoffMax.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	wait := d.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= d.opts.BackoffMax {
			return d.opts.BackoffMax
		}
	}
	if wait > d.opts.BackoffMax {
		return d.opts.BackoffMax
	}
	return wait
}

// SweepResult summarizes one Sweep.
type SweepResult struct {
	Attempted int
	Delivered int
	Failed    int
	Pruned    int
}

// Sweep re-attempts due deliveries. Concurrent calls are serialized.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if d.opts.Outbox == nil {
		return res, nil
	}
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	due, err := d.opts.Outbox.Due(ctx, d.opts.Now(), d.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("load due deliveries: %w", err)
	}
	for _, del := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Attempted++
		if _, err := d.attempt(ctx, del); err != nil {
			res.Failed++
			continue
		}
		res.Delivered++
	}

	if d.opts.Retention > 0 {
		n, err := d.opts.Outbox.Prune(ctx, d.opts.Now().Add(-d.opts.Retention))
		if err != nil {
			return res, fmt.Errorf("prune outbox: %w", err)
		}
		res.Pruned = n
	}
	return res, nil
}

// RunSweeper calls Sweep on every tick of the cron schedule until ctx ends.
func (d *Dispatcher) RunSweeper(ctx context.Context, schedule string) error {
	if !gronx.New().IsValid(schedule) {
		return fmt.Errorf("invalid outbox schedule %q", schedule)
	}
	logger.InfoCF("webhook", "Outbox sweeper started", map[string]interface{}{
		"schedule": schedule,
	})

	for {
		next, err := gronx.NextTickAfter(schedule, d.opts.Now(), false)
		if err != nil {
			return fmt.Errorf("compute next sweep: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		res, err := d.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.ErrorCF("webhook", "Outbox sweep failed", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if res.Attempted > 0 || res.Pruned > 0 {
			logger.InfoCF("webhook", "Outbox sweep", map[string]interface{}{
				"attempted": res.Attempted,
				"delivered": res.Delivered,
				"failed":    res.Failed,
				"pruned":    res.Pruned,
			})
		}
	}
}
