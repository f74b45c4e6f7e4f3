// Package sessiontest provides in-memory session providers for tests.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sipeed/wagate/pkg/session"
)

// SendCall records one send on a FakeProvider.
type SendCall struct {
	Address string
	Body    string
	Media   *session.Media
}

// FakeProvider is a scriptable session.Provider.
type FakeProvider struct {
	mu            sync.Mutex
	events        chan session.ProviderEvent
	started       bool
	closed        bool
	registered    map[string]bool
	registerAll   bool
	registerErr   error
	sendErr       error
	statusSends   bool
	registerCalls int
	sends         []SendCall
	seq           int

	StartErr error
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		events:     make(chan session.ProviderEvent, 64),
		registered: make(map[string]bool),
	}
}

func (p *FakeProvider) Start(ctx context.Context) (<-chan session.ProviderEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	p.started = true
	return p.events, nil
}

// Emit pushes an event to the manager. Events after Close are dropped.
func (p *FakeProvider) Emit(ev session.ProviderEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.events <- ev
}

func (p *FakeProvider) QR(code string) {
	p.Emit(session.ProviderEvent{Kind: session.ProviderQR, QRCode: code})
}

func (p *FakeProvider) Authenticate() {
	p.Emit(session.ProviderEvent{Kind: session.ProviderAuthenticated})
}

func (p *FakeProvider) Ready() {
	p.Emit(session.ProviderEvent{Kind: session.ProviderReady})
}

func (p *FakeProvider) FailAuth(reason string) {
	p.Emit(session.ProviderEvent{Kind: session.ProviderAuthFailed, Reason: reason})
}

func (p *FakeProvider) Disconnect(reason string) {
	p.Emit(session.ProviderEvent{Kind: session.ProviderDisconnected, Reason: reason})
}

func (p *FakeProvider) Receive(msg session.Message) {
	p.Emit(session.ProviderEvent{Kind: session.ProviderMessage, Message: &msg})
}

func (p *FakeProvider) Ack(rc session.Receipt) {
	p.Emit(session.ProviderEvent{Kind: session.ProviderReceipt, Receipt: &rc})
}

// Register marks addresses as WhatsApp accounts.
func (p *FakeProvider) Register(addresses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range addresses {
		p.registered[a] = true
	}
}

func (p *FakeProvider) RegisterAll() {
	p.mu.Lock()
	p.registerAll = true
	p.mu.Unlock()
}

func (p *FakeProvider) FailRegistration(err error) {
	p.mu.Lock()
	p.registerErr = err
	p.mu.Unlock()
}

func (p *FakeProvider) FailSends(err error) {
	p.mu.Lock()
	p.sendErr = err
	p.mu.Unlock()
}

// SendAsStatus makes subsequent sends report status-broadcast receipts.
func (p *FakeProvider) SendAsStatus(v bool) {
	p.mu.Lock()
	p.statusSends = v
	p.mu.Unlock()
}

func (p *FakeProvider) IsRegistered(ctx context.Context, address string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerCalls++
	if p.registerErr != nil {
		return false, p.registerErr
	}
	return p.registerAll || p.registered[address], nil
}

func (p *FakeProvider) SendText(ctx context.Context, address, body string) (*session.Message, error) {
	return p.send(SendCall{Address: address, Body: body}, "chat", false)
}

func (p *FakeProvider) SendMedia(ctx context.Context, address string, media session.Media) (*session.Message, error) {
	m := media
	return p.send(SendCall{Address: address, Body: media.Caption, Media: &m}, "image", true)
}

func (p *FakeProvider) send(call SendCall, kind string, hasMedia bool) (*session.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return nil, p.sendErr
	}
	p.sends = append(p.sends, call)
	p.seq++
	return &session.Message{
		ID:        fmt.Sprintf("FAKE%04d", p.seq),
		Chat:      call.Address,
		From:      "6280000@c.us",
		To:        call.Address,
		Body:      call.Body,
		Type:      kind,
		HasMedia:  hasMedia,
		FromMe:    true,
		IsStatus:  p.statusSends,
		Ack:       session.AckServer,
		Timestamp: time.Now(),
	}, nil
}

func (p *FakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.events)
	return nil
}

func (p *FakeProvider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakeProvider) Sends() []SendCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SendCall(nil), p.sends...)
}

func (p *FakeProvider) RegisterCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registerCalls
}

// FakeFactory hands out FakeProviders and scripts purge results.
type FakeFactory struct {
	mu         sync.Mutex
	providers  []*FakeProvider
	opened     chan *FakeProvider
	purgeErrs  []error
	purgeCalls []time.Time
	openErr    error

	// OnOpen, when set, configures each provider before it is returned.
	OnOpen func(*FakeProvider)
	// Now stamps purge calls; defaults to time.Now.
	Now func() time.Time
}

func NewFakeFactory() *FakeFactory {
	return &FakeFactory{opened: make(chan *FakeProvider, 32)}
}

func (f *FakeFactory) Open(ctx context.Context, tenant string) (session.Provider, error) {
	f.mu.Lock()
	if f.openErr != nil {
		err := f.openErr
		f.mu.Unlock()
		return nil, err
	}
	p := NewFakeProvider()
	if f.OnOpen != nil {
		f.OnOpen(p)
	}
	f.providers = append(f.providers, p)
	f.mu.Unlock()

	select {
	case f.opened <- p:
	default:
	}
	return p, nil
}

// Opened delivers providers in the order they were opened.
func (f *FakeFactory) Opened() <-chan *FakeProvider { return f.opened }

func (f *FakeFactory) FailOpen(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

// FailPurges queues results for the next Purge calls; later calls succeed.
func (f *FakeFactory) FailPurges(errs ...error) {
	f.mu.Lock()
	f.purgeErrs = append(f.purgeErrs, errs...)
	f.mu.Unlock()
}

func (f *FakeFactory) Purge(ctx context.Context, tenant string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	f.purgeCalls = append(f.purgeCalls, now())
	if len(f.purgeErrs) == 0 {
		return nil
	}
	err := f.purgeErrs[0]
	f.purgeErrs = f.purgeErrs[1:]
	return err
}

func (f *FakeFactory) PurgeCalls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.purgeCalls...)
}

func (f *FakeFactory) Providers() []*FakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeProvider(nil), f.providers...)
}

func (f *FakeFactory) Last() *FakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.providers) == 0 {
		return nil
	}
	return f.providers[len(f.providers)-1]
}
