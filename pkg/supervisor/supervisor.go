// Package supervisor keeps one session.Manager per tenant, purges stale
// device state after a session ends and optionally restarts sessions.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sipeed/wagate/pkg/logger"
	"github.com/sipeed/wagate/pkg/session"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

type Options struct {
	Factory     session.ProviderFactory
	RenderQR    session.QRRenderer
	CountryCode string

	GraceDelay      time.Duration
	PurgeRetries    int
	PurgeRetryDelay time.Duration
	// Retryable reports whether a purge error is worth another attempt.
	// Defaults to IsBusy.
	Retryable func(error) bool

	AutoRestart       bool
	RestartBackoff    time.Duration
	RestartBackoffMax time.Duration

	// InitDelay is waited between the INIT notice and the session start.
	InitDelay time.Duration

	EventBuffer int
	Sleep       Sleeper
	Now         func() time.Time
}

func DefaultOptions() Options {
	return Options{
		GraceDelay:        5 * time.Second,
		PurgeRetries:      10,
		PurgeRetryDelay:   time.Second,
		RestartBackoff:    5 * time.Second,
		RestartBackoffMax: 5 * time.Minute,
		EventBuffer:       256,
	}
}

// IsBusy reports whether err is a "resource busy" error.
func IsBusy(err error) bool {
	return errors.Is(err, syscall.EBUSY)
}

// Supervisor is the registry of per-tenant managers. It implements
// session.Lifecycle.
type Supervisor struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	events chan session.Event

	mu       sync.Mutex
	managers map[string]*session.Manager
	purges   map[string]chan struct{}
	backoff  map[string]time.Duration
	stopping bool
	wg       sync.WaitGroup
}

var _ session.Lifecycle = (*Supervisor)(nil)

func New(opts Options) *Supervisor {
	def := DefaultOptions()
	if opts.PurgeRetries < 0 {
		opts.PurgeRetries = 0
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = def.RestartBackoff
	}
	if opts.RestartBackoffMax < opts.RestartBackoff {
		opts.RestartBackoffMax = opts.RestartBackoff
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.Retryable == nil {
		opts.Retryable = IsBusy
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan session.Event, opts.EventBuffer),
		managers: make(map[string]*session.Manager),
		purges:   make(map[string]chan struct{}),
		backoff:  make(map[string]time.Duration),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Events is the shared, ordered feed of every tenant's events.
func (s *Supervisor) Events() <-chan session.Event { return s.events }

// Manager returns the manager for tenant, creating it on first use.
func (s *Supervisor) Manager(tenant string) *session.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.managers[tenant]; ok {
		return m
	}
	m := session.NewManager(session.Options{
		Tenant:      tenant,
		Factory:     s.opts.Factory,
		Events:      s.events,
		Lifecycle:   s,
		RenderQR:    s.opts.RenderQR,
		CountryCode: s.opts.CountryCode,
		Context:     s.ctx,
		Now:         s.opts.Now,
	})
	s.managers[tenant] = m
	return m
}

// Lookup returns the manager for tenant without creating one.
func (s *Supervisor) Lookup(tenant string) (*session.Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[tenant]
	return m, ok
}

// Snapshots returns the state of every known tenant, sorted by tenant.
func (s *Supervisor) Snapshots() []session.Snapshot {
	s.mu.Lock()
	managers := make([]*session.Manager, 0, len(s.managers))
	for _, m := range s.managers {
		managers = append(managers, m)
	}
	s.mu.Unlock()

	out := make([]session.Snapshot, 0, len(managers))
	for _, m := range managers {
		out = append(out, m.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}

// Init announces the start, waits InitDelay and starts the tenant's
// session. A live session is left untouched.
func (s *Supervisor) Init(ctx context.Context, tenant string) (session.Snapshot, error) {
	m := s.Manager(tenant)
	if snap := m.Snapshot(); snap.Live {
		return snap, nil
	}

	text := "Waiting for initialization"
	if s.opts.InitDelay > 0 {
		text = fmt.Sprintf("Waiting for initialization in %d seconds", int(s.opts.InitDelay.Seconds()))
	}
	s.emit(s.event(tenant, session.EventInit, text, m.Snapshot().State))

	if err := s.opts.Sleep(ctx, s.opts.InitDelay); err != nil {
		return m.Snapshot(), err
	}
	return m.Init(ctx)
}

// AwaitPurge blocks until no purge is pending for tenant.
func (s *Supervisor) AwaitPurge(ctx context.Context, tenant string) error {
	s.mu.Lock()
	done, ok := s.purges[tenant]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	logger.InfoCF("supervisor", "Waiting for pending purge", map[string]interface{}{
		"tenant": tenant,
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PurgePending reports whether a purge cycle is running for tenant.
func (s *Supervisor) PurgePending(tenant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.purges[tenant]
	return ok
}

// SessionEnded marks a purge pending and runs the purge cycle once the
// provider has been torn down.
func (s *Supervisor) SessionEnded(tenant string, final session.State, closed <-chan struct{}) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	if _, ok := s.purges[tenant]; ok {
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	s.purges[tenant] = done
	s.wg.Add(1)
	s.mu.Unlock()

	go s.purgeCycle(tenant, final, closed, done)
}

// SessionReady resets the restart backoff for tenant.
func (s *Supervisor) SessionReady(tenant string) {
	s.mu.Lock()
	delete(s.backoff, tenant)
	s.mu.Unlock()
}

func (s *Supervisor) purgeCycle(tenant string, final session.State, closed <-chan struct{}, done chan struct{}) {
	defer s.wg.Done()

	purged := false
	defer func() {
		s.mu.Lock()
		if s.purges[tenant] == done {
			delete(s.purges, tenant)
		}
		s.mu.Unlock()
		close(done)

		if purged && s.opts.AutoRestart {
			s.scheduleRestart(tenant)
		}
	}()

	select {
	case <-closed:
	case <-s.ctx.Done():
		return
	}
	if err := s.opts.Sleep(s.ctx, s.opts.GraceDelay); err != nil {
		return
	}

	s.emit(s.event(tenant, session.EventDisconnectedAttempt, "Removing session", final))

	err := s.Purge(s.ctx, tenant)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		logger.ErrorCF("supervisor", "Session purge failed", map[string]interface{}{
			"tenant": tenant,
			"error":  err.Error(),
		})
		ev := s.event(tenant, session.EventDisconnectedFailed, "Failed to remove session", final)
		ev.Err = err.Error()
		s.emit(ev)
		return
	}

	purged = true
	logger.InfoCF("supervisor", "Session purged", map[string]interface{}{
		"tenant": tenant,
	})
	s.emit(s.event(tenant, session.EventDisconnectedSuccess, "Session removed", final))
}

// Purge deletes the tenant's on-disk session state, retrying retryable
// errors up to PurgeRetries times at PurgeRetryDelay.
func (s *Supervisor) Purge(ctx context.Context, tenant string) error {
	for attempt := 0; ; attempt++ {
		err := s.opts.Factory.Purge(ctx, tenant)
		if err == nil {
			return nil
		}
		if !s.opts.Retryable(err) || attempt >= s.opts.PurgeRetries {
			return fmt.Errorf("purge %s after %d attempts: %w", tenant, attempt+1, err)
		}
		logger.WarnCF("supervisor", "Resource busy, retrying purge", map[string]interface{}{
			"tenant":  tenant,
			"attempt": attempt + 1,
			"max":     s.opts.PurgeRetries,
		})
		if err := s.opts.Sleep(ctx, s.opts.PurgeRetryDelay); err != nil {
			return err
		}
	}
}

func (s *Supervisor) scheduleRestart(tenant string) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	wait, ok := s.backoff[tenant]
	if !ok {
		wait = s.opts.RestartBackoff
	}
	next := wait * 2
	if next > s.opts.RestartBackoffMax {
		next = s.opts.RestartBackoffMax
	}
	s.backoff[tenant] = next
	s.wg.Add(1)
	s.mu.Unlock()

	logger.InfoCF("supervisor", "Scheduling session restart", map[string]interface{}{
		"tenant":  tenant,
		"backoff": wait.String(),
	})

	go func() {
		defer s.wg.Done()
		if err := s.opts.Sleep(s.ctx, wait); err != nil {
			return
		}
		if _, err := s.Manager(tenant).Init(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logger.WarnCF("supervisor", "Session restart failed", map[string]interface{}{
				"tenant": tenant,
				"error":  err.Error(),
			})
			s.scheduleRestart(tenant)
		}
	}()
}

// Shutdown closes every live session, keeping stored credentials, and stops
// pending purges and restarts.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	managers := make([]*session.Manager, 0, len(s.managers))
	for _, m := range s.managers {
		managers = append(managers, m)
	}
	s.mu.Unlock()

	var errs []error
	for _, m := range managers {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m.Tenant(), err))
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (s *Supervisor) event(tenant string, t session.EventType, text string, st session.State) session.Event {
	return session.Event{Tenant: tenant, Type: t, Text: text, State: st, Time: s.opts.Now()}
}

func (s *Supervisor) emit(ev session.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
