// Package allowlist holds the process-wide set of CORS origins.
package allowlist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sipeed/wagate/pkg/logger"
)

// Loader reads the current list of allowed origins.
type Loader interface {
	Load() ([]string, error)
}

// FileLoader reads a JSON array of origins from Path.
type FileLoader struct {
	Path string
}

func (f FileLoader) Load() ([]string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	var origins []string
	if err := json.Unmarshal(data, &origins); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return origins, nil
}

type snapshot struct {
	origins  map[string]struct{}
	loadedAt time.Time
}

// AllowList is safe for concurrent use. Reads never block on a reload.
type AllowList struct {
	loader  Loader
	current atomic.Pointer[snapshot]
}

// New returns an empty list. Call Reload to populate it.
func New(loader Loader) *AllowList {
	a := &AllowList{loader: loader}
	a.current.Store(&snapshot{origins: map[string]struct{}{}})
	return a
}

// Reload swaps in a freshly loaded list. On failure the previous list is
// kept and the error returned.
func (a *AllowList) Reload() error {
	origins, err := a.loader.Load()
	if err != nil {
		logger.WarnCF("allowlist", "Reload failed, keeping previous list", map[string]interface{}{
			"error": err.Error(),
			"size":  a.Len(),
		})
		return err
	}

	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o = normalize(o); o != "" {
			set[o] = struct{}{}
		}
	}
	a.current.Store(&snapshot{origins: set, loadedAt: time.Now()})
	logger.InfoCF("allowlist", "Allow-list loaded", map[string]interface{}{
		"size": len(set),
	})
	return nil
}

// Allowed reports whether origin may call the API. Requests without an
// Origin header are always allowed.
func (a *AllowList) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	_, ok := a.current.Load().origins[normalize(origin)]
	return ok
}

// Origins returns the current entries.
func (a *AllowList) Origins() []string {
	snap := a.current.Load()
	out := make([]string, 0, len(snap.origins))
	for o := range snap.origins {
		out = append(out, o)
	}
	return out
}

func (a *AllowList) Len() int { return len(a.current.Load().origins) }

// LoadedAt is the time of the last successful reload.
func (a *AllowList) LoadedAt() time.Time { return a.current.Load().loadedAt }

func normalize(origin string) string {
	return strings.TrimRight(strings.TrimSpace(origin), "/")
}

// Watch reloads the list whenever path is written, created or renamed into
// place. It returns when ctx is done.
func (a *AllowList) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory so editors that replace the file are seen.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = a.Reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.WarnCF("allowlist", "Watcher error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}
