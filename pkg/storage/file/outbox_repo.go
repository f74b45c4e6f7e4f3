package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sipeed/wagate/pkg/storage/repository"
)

type outboxRepository struct {
	mu       sync.RWMutex
	items    map[string]*repository.Delivery
	filePath string
}

func newOutboxRepository(dir string) (*outboxRepository, error) {
	r := &outboxRepository{
		items:    make(map[string]*repository.Delivery),
		filePath: filepath.Join(dir, "outbox.json"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *outboxRepository) Enqueue(ctx context.Context, d repository.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[d.ID]; ok {
		return fmt.Errorf("delivery %s already exists", d.ID)
	}
	r.items[d.ID] = cloneDelivery(d)
	return r.saveLocked()
}

func (r *outboxRepository) Get(ctx context.Context, id string) (*repository.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneDelivery(*d), nil
}

func (r *outboxRepository) Due(ctx context.Context, now time.Time, limit int) ([]repository.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []repository.Delivery
	for _, d := range r.items {
		if d.Pending() && !d.NextAttemptAt.After(now) {
			due = append(due, *cloneDelivery(*d))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *outboxRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Attempts++
	d.LastError = ""
	delivered := at
	d.DeliveredAt = &delivered
	return r.saveLocked()
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id, lastError string, next time.Time, abandon bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Attempts++
	d.LastError = lastError
	d.NextAttemptAt = next
	d.Abandoned = abandon
	return r.saveLocked()
}

func (r *outboxRepository) Save(ctx context.Context, d repository.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[d.ID] = cloneDelivery(d)
	return r.saveLocked()
}

func (r *outboxRepository) List(ctx context.Context) ([]repository.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]repository.Delivery, 0, len(r.items))
	for _, d := range r.items {
		result = append(result, *cloneDelivery(*d))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *outboxRepository) Stats(ctx context.Context) (repository.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats repository.OutboxStats
	for _, d := range r.items {
		switch {
		case d.DeliveredAt != nil:
			stats.Delivered++
		case d.Abandoned:
			stats.Abandoned++
		default:
			stats.Pending++
		}
	}
	return stats, nil
}

func (r *outboxRepository) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, d := range r.items {
		if !d.Pending() && d.CreatedAt.Before(cutoff) {
			delete(r.items, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, r.saveLocked()
}

func (r *outboxRepository) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var items []repository.Delivery
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("failed to parse %s: %w", r.filePath, err)
	}
	for i := range items {
		r.items[items[i].ID] = &items[i]
	}
	return nil
}

func (r *outboxRepository) saveLocked() error {
	items := make([]repository.Delivery, 0, len(r.items))
	for _, d := range r.items {
		items = append(items, *d)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(r.filePath, data)
}

func cloneDelivery(d repository.Delivery) *repository.Delivery {
	out := d
	if d.Fields != nil {
		out.Fields = make(map[string]string, len(d.Fields))
		for k, v := range d.Fields {
			out.Fields[k] = v
		}
	}
	if d.DeliveredAt != nil {
		at := *d.DeliveredAt
		out.DeliveredAt = &at
	}
	return &out
}

// writeFileAtomic replaces path through a temp file so readers never see a
// partial write.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
