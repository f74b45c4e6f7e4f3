package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipeed/wagate/pkg/logger"
)

// Lifecycle is notified by a Manager about session boundaries. The
// supervisor implements it to purge stale state and gate new sessions.
type Lifecycle interface {
	// AwaitPurge blocks until no purge is pending for tenant.
	AwaitPurge(ctx context.Context, tenant string) error
	// SessionEnded is called once per session when it reaches a terminal
	// state. closed is closed after the provider has been torn down.
	SessionEnded(tenant string, final State, closed <-chan struct{})
	// SessionReady is called each time a session reaches Ready.
	SessionReady(tenant string)
}

// QRRenderer turns a pairing code into a displayable image (a data URL).
type QRRenderer func(code string) (string, error)

type Options struct {
	Tenant      string
	Factory     ProviderFactory
	Events      chan<- Event
	Lifecycle   Lifecycle
	RenderQR    QRRenderer
	CountryCode string
	// Context bounds the lifetime of every provider the manager opens.
	Context context.Context
	Now     func() time.Time
}

// Manager owns the device session of one tenant.
type Manager struct {
	tenant      string
	factory     ProviderFactory
	events      chan<- Event
	lifecycle   Lifecycle
	renderQR    QRRenderer
	countryCode string
	ctx         context.Context
	now         func() time.Time

	initMu  sync.Mutex
	current atomic.Pointer[Session]
}

func NewManager(opts Options) *Manager {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CountryCode == "" {
		opts.CountryCode = DefaultCountryCode
	}
	return &Manager{
		tenant:      opts.Tenant,
		factory:     opts.Factory,
		events:      opts.Events,
		lifecycle:   opts.Lifecycle,
		renderQR:    opts.RenderQR,
		countryCode: opts.CountryCode,
		ctx:         opts.Context,
		now:         opts.Now,
	}
}

func (m *Manager) Tenant() string { return m.tenant }

// Session is one provider handle and its lifecycle state. A session is
// discarded once it reaches a terminal state.
type Session struct {
	tenant    string
	provider  Provider
	state     atomic.Int32
	changedAt atomic.Int64
	lastQR    atomic.Pointer[string]
	cancel    context.CancelFunc
	closed    chan struct{}
	closing   atomic.Bool
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) ChangedAt() time.Time { return time.Unix(0, s.changedAt.Load()) }

func (s *Session) snapshot() Snapshot {
	st := s.State()
	return Snapshot{
		Tenant:    s.tenant,
		State:     st,
		Status:    st.Label(),
		Live:      !st.Terminal(),
		ChangedAt: s.ChangedAt(),
		HasQR:     s.lastQR.Load() != nil && st == StateUnauthenticated,
	}
}

// Snapshot reports the state of the current session. A tenant that never
// started a session is Unpaired.
func (m *Manager) Snapshot() Snapshot {
	if s := m.current.Load(); s != nil {
		return s.snapshot()
	}
	return Snapshot{Tenant: m.tenant, State: StateUnpaired, Status: StateUnpaired.Label()}
}

// LatestQR returns the newest pairing code while the session waits for a scan.
func (m *Manager) LatestQR() (string, bool) {
	s := m.current.Load()
	if s == nil || s.State() != StateUnauthenticated {
		return "", false
	}
	code := s.lastQR.Load()
	if code == nil {
		return "", false
	}
	return *code, true
}

// Init starts a new session unless a live one exists, in which case it
// returns the live session's snapshot.
func (m *Manager) Init(ctx context.Context) (Snapshot, error) {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if s := m.current.Load(); s != nil && !s.State().Terminal() {
		logger.DebugCF("session", "Init ignored, session is live", map[string]interface{}{
			"tenant": m.tenant,
			"state":  s.State().String(),
		})
		return s.snapshot(), nil
	}

	if m.lifecycle != nil {
		if err := m.lifecycle.AwaitPurge(ctx, m.tenant); err != nil {
			return m.Snapshot(), err
		}
	}

	provider, err := m.factory.Open(ctx, m.tenant)
	if err != nil {
		return m.Snapshot(), &ProviderError{Op: "open", Err: err}
	}

	runCtx, cancel := context.WithCancel(m.ctx)
	feed, err := provider.Start(runCtx)
	if err != nil {
		cancel()
		_ = provider.Close()
		return m.Snapshot(), &ProviderError{Op: "start", Err: err}
	}

	s := &Session{
		tenant:   m.tenant,
		provider: provider,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	s.state.Store(int32(StateUnpaired))
	s.changedAt.Store(m.now().UnixNano())
	m.current.Store(s)

	logger.InfoCF("session", "Session started", map[string]interface{}{
		"tenant": m.tenant,
	})

	go m.dispatch(s, feed)
	return s.snapshot(), nil
}

// dispatch is the only writer of s's state.
func (m *Manager) dispatch(s *Session, feed <-chan ProviderEvent) {
	for pe := range feed {
		if s.State().Terminal() || s.closing.Load() {
			continue
		}
		m.apply(s, pe)
	}

	if !s.State().Terminal() && !s.closing.Load() {
		logger.WarnCF("session", "Provider feed closed while session was live", map[string]interface{}{
			"tenant": m.tenant,
			"state":  s.State().String(),
		})
		m.finish(s, StateDisconnected, m.event(EventDisconnected, "Disconnected"))
	}
}

func (m *Manager) apply(s *Session, pe ProviderEvent) {
	switch pe.Kind {
	case ProviderQR:
		if !m.transition(s, StateUnauthenticated) {
			return
		}
		code := pe.QRCode
		s.lastQR.Store(&code)
		m.emitQR(code)

	case ProviderAuthenticated:
		if m.transition(s, StateAuthenticated) {
			m.emit(m.event(EventAuthenticated, "Authenticated device"))
		}

	case ProviderReady:
		if m.transition(s, StateReady) {
			m.emit(m.event(EventReady, "Device ready"))
			if m.lifecycle != nil {
				m.lifecycle.SessionReady(m.tenant)
			}
		}

	case ProviderAuthFailed:
		ev := m.event(EventAuthFailure, "Failed authentication")
		ev.Err = pe.Reason
		m.finish(s, StateFailed, ev)

	case ProviderDisconnected:
		ev := m.event(EventDisconnected, "Disconnected")
		ev.Err = pe.Reason
		m.finish(s, StateDisconnected, ev)

	case ProviderMessage:
		if pe.Message == nil {
			return
		}
		msg := *pe.Message
		ev := m.event(EventMessage, "Message received")
		ev.Message = &msg
		m.emit(ev)

	case ProviderReceipt:
		if pe.Receipt == nil {
			return
		}
		rc := *pe.Receipt
		rc.MessageIDs = append([]string(nil), pe.Receipt.MessageIDs...)
		ev := m.event(EventMessageAck, "Message status changed")
		ev.Receipt = &rc
		m.emit(ev)
	}
}

func (m *Manager) emitQR(code string) {
	if m.renderQR == nil {
		ev := m.event(EventQR, "QR code generated successfully")
		ev.QR = &QR{Code: code}
		m.emit(ev)
		return
	}
	image, err := m.renderQR(code)
	if err != nil {
		logger.ErrorCF("session", "QR render failed", map[string]interface{}{
			"tenant": m.tenant,
			"error":  err.Error(),
		})
		ev := m.event(EventQRError, "Error Generating QR Code")
		ev.Err = err.Error()
		m.emit(ev)
		return
	}
	ev := m.event(EventQR, "QR code generated successfully")
	ev.QR = &QR{Code: code, Image: image}
	m.emit(ev)
}

// transition moves s to next if allowed and reports whether it did.
func (m *Manager) transition(s *Session, next State) bool {
	prev := s.State()
	if !CanTransition(prev, next) {
		logger.WarnCF("session", "Ignoring invalid transition", map[string]interface{}{
			"tenant": m.tenant,
			"from":   prev.String(),
			"to":     next.String(),
		})
		return false
	}
	s.state.Store(int32(next))
	s.changedAt.Store(m.now().UnixNano())
	logger.InfoCF("session", "State changed", map[string]interface{}{
		"tenant": m.tenant,
		"from":   prev.String(),
		"to":     next.String(),
	})
	return true
}

// finish moves s into a terminal state and tears its provider down. The
// lifecycle hook runs before the state becomes visible so that an Init
// racing the transition always waits for the purge.
func (m *Manager) finish(s *Session, final State, ev Event) {
	if !CanTransition(s.State(), final) {
		return
	}
	if m.lifecycle != nil {
		m.lifecycle.SessionEnded(m.tenant, final, s.closed)
	}
	m.transition(s, final)
	ev.State = final
	m.emit(ev)

	go func() {
		defer close(s.closed)
		s.cancel()
		if err := s.provider.Close(); err != nil {
			logger.WarnCF("session", "Provider close failed", map[string]interface{}{
				"tenant": m.tenant,
				"error":  err.Error(),
			})
		}
	}()
}

// Close tears down the live session without scheduling a purge. Stored
// device credentials are kept so the next Init resumes. The closed session
// is dropped, so the tenant reports Unpaired until then.
func (m *Manager) Close() error {
	s := m.current.Load()
	if s == nil || s.State().Terminal() {
		return nil
	}
	s.closing.Store(true)
	m.current.CompareAndSwap(s, nil)
	s.cancel()
	return s.provider.Close()
}

func (m *Manager) event(t EventType, text string) Event {
	st := StateUnpaired
	if s := m.current.Load(); s != nil {
		st = s.State()
	}
	return Event{Tenant: m.tenant, Type: t, Text: text, State: st, Time: m.now()}
}

func (m *Manager) emit(ev Event) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// SendMessage sends a text message to address.
func (m *Manager) SendMessage(ctx context.Context, address, body string) (*Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, &ValidationError{Field: "message"}
	}
	s, to, err := m.prepareSend(ctx, address)
	if err != nil {
		return nil, err
	}

	sent, err := s.provider.SendText(ctx, to, body)
	if err != nil {
		return nil, &ProviderError{Op: "send message", Err: err}
	}
	m.notifySent(sent)
	return sent, nil
}

// SendMedia uploads media and sends it to address with an optional caption.
func (m *Manager) SendMedia(ctx context.Context, address string, media Media) (*Message, error) {
	if len(media.Data) == 0 {
		return nil, &ValidationError{Field: "file"}
	}
	if strings.TrimSpace(media.MimeType) == "" {
		return nil, &ValidationError{Field: "file", Reason: "mime type is unknown"}
	}
	s, to, err := m.prepareSend(ctx, address)
	if err != nil {
		return nil, err
	}

	sent, err := s.provider.SendMedia(ctx, to, media)
	if err != nil {
		return nil, &ProviderError{Op: "send media", Err: err}
	}
	m.notifySent(sent)
	return sent, nil
}

func (m *Manager) prepareSend(ctx context.Context, address string) (*Session, string, error) {
	if strings.TrimSpace(address) == "" {
		return nil, "", &ValidationError{Field: "number"}
	}
	to := NormalizeAddress(address, m.countryCode)
	if to == "" {
		return nil, "", &ValidationError{Field: "number", Reason: "must contain digits"}
	}

	s := m.current.Load()
	if s == nil || s.State() != StateReady {
		return nil, "", ErrSessionNotReady
	}

	if !m.registered(ctx, s.provider, to) {
		return nil, "", ErrRecipientNotRegistered
	}
	return s, to, nil
}

// registered treats lookup failures as "not registered".
func (m *Manager) registered(ctx context.Context, p Provider, address string) bool {
	ok, err := p.IsRegistered(ctx, address)
	if err != nil {
		logger.WarnCF("session", "Registration check failed", map[string]interface{}{
			"tenant":  m.tenant,
			"address": address,
			"error":   err.Error(),
		})
		return false
	}
	return ok
}

func (m *Manager) notifySent(sent *Message) {
	if sent == nil || sent.IsStatus {
		return
	}
	msg := *sent
	msg.FromMe = true
	ev := m.event(EventMessage, "Message sent")
	ev.Message = &msg
	m.emit(ev)
}
