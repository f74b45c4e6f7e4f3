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

	"github.com/sipeed/wagate/pkg/storage/repository"
)

type deviceRepository struct {
	mu       sync.RWMutex
	states   map[string]repository.DeviceState
	filePath string
}

func newDeviceRepository(dir string) (*deviceRepository, error) {
	r := &deviceRepository{
		states:   make(map[string]repository.DeviceState),
		filePath: filepath.Join(dir, "devices.json"),
	}

	data, err := os.ReadFile(r.filePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		var items []repository.DeviceState
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", r.filePath, err)
		}
		for _, s := range items {
			r.states[s.Tenant] = s
		}
	}
	return r, nil
}

func (r *deviceRepository) Save(ctx context.Context, state repository.DeviceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.Tenant] = state
	return r.saveLocked()
}

func (r *deviceRepository) Get(ctx context.Context, tenant string) (*repository.DeviceState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[tenant]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *deviceRepository) List(ctx context.Context) ([]repository.DeviceState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(), nil
}

func (r *deviceRepository) sortedLocked() []repository.DeviceState {
	items := make([]repository.DeviceState, 0, len(r.states))
	for _, s := range r.states {
		items = append(items, s)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Tenant < items[j].Tenant })
	return items
}

func (r *deviceRepository) saveLocked() error {
	data, err := json.MarshalIndent(r.sortedLocked(), "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(r.filePath, data)
}
