package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/sipeed/wagate/pkg/logger"
	"github.com/sipeed/wagate/pkg/qr"
	"github.com/sipeed/wagate/pkg/session"
)

const feedBuffer = 64

// Provider is one tenant's whatsmeow client.
type Provider struct {
	tenant string
	client *whatsmeow.Client
	db     *sql.DB
	qrOut  io.Writer

	mu            sync.Mutex
	authenticated bool
	ready         bool
	cancel        context.CancelFunc

	// feedMu is held for reading while an event is handed over, so Close
	// cannot close feed under a sender. done unblocks senders first.
	feedMu    sync.RWMutex
	feed      chan session.ProviderEvent
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func newProvider(tenant string, client *whatsmeow.Client, db *sql.DB, qrOut io.Writer) *Provider {
	return &Provider{
		tenant: tenant,
		client: client,
		db:     db,
		qrOut:  qrOut,
		feed:   make(chan session.ProviderEvent, feedBuffer),
		done:   make(chan struct{}),
	}
}

// Start connects to WhatsApp. A device without stored credentials goes
// through QR pairing; a stored device resumes directly.
func (p *Provider) Start(ctx context.Context) (<-chan session.ProviderEvent, error) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.client.AddEventHandler(p.eventHandler)

	if p.client.Store.ID == nil {
		logger.InfoCF("whatsapp", "No stored device, starting QR pairing", map[string]interface{}{
			"tenant": p.tenant,
		})
		qrChan, err := p.client.GetQRChannel(runCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to get QR channel: %w", err)
		}
		if err := p.client.Connect(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to connect for QR: %w", err)
		}
		go p.watchQR(qrChan)
	} else {
		logger.InfoCF("whatsapp", "Resuming stored device", map[string]interface{}{
			"tenant":    p.tenant,
			"device_id": p.client.Store.ID.String(),
		})
		if err := p.client.Connect(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
	}

	go p.reconnectLoop(runCtx)
	go func() {
		<-runCtx.Done()
		_ = p.Close()
	}()
	return p.feed, nil
}

func (p *Provider) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			if p.qrOut != nil {
				qr.PrintTerminal(p.qrOut, p.tenant, item.Code)
			}
			p.emit(session.ProviderEvent{Kind: session.ProviderQR, QRCode: item.Code})

		case "success", "login":
			logger.InfoCF("whatsapp", "QR pairing successful", map[string]interface{}{
				"tenant": p.tenant,
			})

		case "timeout":
			p.emit(session.ProviderEvent{Kind: session.ProviderAuthFailed, Reason: "QR code timed out"})

		default:
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			p.emit(session.ProviderEvent{Kind: session.ProviderAuthFailed, Reason: reason})
		}
	}
}

func (p *Provider) eventHandler(evt interface{}) {
	for _, ev := range p.translate(evt) {
		p.emit(ev)
	}
}

// translate maps a whatsmeow event to zero or more provider events.
func (p *Provider) translate(evt interface{}) []session.ProviderEvent {
	switch v := evt.(type) {
	case *events.Message:
		msg := convertMessage(v, p.ownAddress())
		return []session.ProviderEvent{{Kind: session.ProviderMessage, Message: &msg}}

	case *events.Receipt:
		rc, ok := convertReceipt(v)
		if !ok {
			return nil
		}
		return []session.ProviderEvent{{Kind: session.ProviderReceipt, Receipt: &rc}}

	case *events.PairSuccess:
		return p.authenticate()

	case *events.Connected:
		// A resumed device never pairs, so it authenticates on connect.
		return append(p.authenticate(), p.markReady()...)

	case *events.Disconnected:
		logger.WarnCF("whatsapp", "WhatsApp disconnected, waiting for reconnect", map[string]interface{}{
			"tenant": p.tenant,
		})

	case *events.LoggedOut:
		return []session.ProviderEvent{{Kind: session.ProviderDisconnected, Reason: v.Reason.String()}}

	case *events.StreamReplaced:
		return []session.ProviderEvent{{Kind: session.ProviderDisconnected, Reason: "stream replaced"}}

	case *events.ConnectFailure:
		return []session.ProviderEvent{{Kind: session.ProviderAuthFailed, Reason: v.Reason.String()}}

	case *events.TemporaryBan:
		return []session.ProviderEvent{{Kind: session.ProviderAuthFailed, Reason: v.String()}}

	case *events.PairError:
		reason := "pairing failed"
		if v.Error != nil {
			reason = v.Error.Error()
		}
		return []session.ProviderEvent{{Kind: session.ProviderAuthFailed, Reason: reason}}

	case *events.ClientOutdated:
		return []session.ProviderEvent{{Kind: session.ProviderAuthFailed, Reason: "client outdated"}}
	}
	return nil
}

func (p *Provider) authenticate() []session.ProviderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.authenticated {
		return nil
	}
	p.authenticated = true
	return []session.ProviderEvent{{Kind: session.ProviderAuthenticated}}
}

// markReady reports Ready on the first connect only. whatsmeow fires
// Connected again after every automatic reconnect.
func (p *Provider) markReady() []session.ProviderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		logger.InfoCF("whatsapp", "WhatsApp reconnected", map[string]interface{}{
			"tenant": p.tenant,
		})
		return nil
	}
	p.ready = true
	return []session.ProviderEvent{{Kind: session.ProviderReady}}
}

func (p *Provider) emit(ev session.ProviderEvent) {
	p.feedMu.RLock()
	defer p.feedMu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.feed <- ev:
	case <-p.done:
	}
}

func (p *Provider) connected() error {
	if p.client == nil || !p.client.IsConnected() {
		return errors.New("whatsapp client not connected")
	}
	return nil
}

// IsRegistered asks WhatsApp whether address has an account.
func (p *Provider) IsRegistered(ctx context.Context, address string) (bool, error) {
	if err := p.connected(); err != nil {
		return false, err
	}
	resp, err := p.client.IsOnWhatsApp(ctx, []string{"+" + session.AddressUser(address)})
	if err != nil {
		return false, err
	}
	return len(resp) > 0 && resp[0].IsIn, nil
}

// SendText delivers a text message and returns it as sent.
func (p *Provider) SendText(ctx context.Context, address, body string) (*session.Message, error) {
	if err := p.connected(); err != nil {
		return nil, err
	}
	jid, err := toJID(address)
	if err != nil {
		return nil, err
	}

	// Typing indicator
	_ = p.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, "")
	resp, err := p.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	_ = p.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, "")
	if err != nil {
		return nil, fmt.Errorf("failed to send whatsapp message: %w", err)
	}

	logger.DebugCF("whatsapp", "Message sent", map[string]interface{}{
		"tenant":     p.tenant,
		"to":         jid.String(),
		"message_id": resp.ID,
	})
	return p.sent(resp, address, body, "chat", false), nil
}

// SendMedia uploads media and sends it as an image, video, audio or
// document message depending on its MIME type.
func (p *Provider) SendMedia(ctx context.Context, address string, media session.Media) (*session.Message, error) {
	if err := p.connected(); err != nil {
		return nil, err
	}
	jid, err := toJID(address)
	if err != nil {
		return nil, err
	}

	kind := mediaType(media.MimeType)
	up, err := p.client.Upload(ctx, media.Data, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to upload media: %w", err)
	}

	resp, err := p.client.SendMessage(ctx, jid, mediaMessage(kind, up, media))
	if err != nil {
		return nil, fmt.Errorf("failed to send whatsapp media: %w", err)
	}

	logger.DebugCF("whatsapp", "Media sent", map[string]interface{}{
		"tenant":     p.tenant,
		"to":         jid.String(),
		"message_id": resp.ID,
		"size":       len(media.Data),
	})
	return p.sent(resp, address, media.Caption, messageTypeFor(kind), true), nil
}

func (p *Provider) ownAddress() string {
	if p.client == nil || p.client.Store == nil || p.client.Store.ID == nil {
		return ""
	}
	return p.client.Store.ID.User + session.UserSuffix
}

func (p *Provider) sent(resp whatsmeow.SendResponse, address, body, typ string, hasMedia bool) *session.Message {
	ts := resp.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &session.Message{
		ID:        resp.ID,
		Chat:      address,
		From:      p.ownAddress(),
		To:        address,
		Body:      body,
		Type:      typ,
		HasMedia:  hasMedia,
		FromMe:    true,
		Ack:       session.AckServer,
		Timestamp: ts,
	}
}

// reconnectLoop monitors the connection and retries with exponential backoff.
func (p *Provider) reconnectLoop(ctx context.Context) {
	backoff := 5 * time.Second
	maxBackoff := 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
			if p.client.IsConnected() || !p.client.IsLoggedIn() {
				continue
			}
			logger.WarnCF("whatsapp", "Connection lost, attempting reconnect", map[string]interface{}{
				"tenant":          p.tenant,
				"backoff_seconds": backoff.Seconds(),
			})

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := p.client.Connect(); err != nil {
				logger.ErrorCF("whatsapp", "Reconnection failed", map[string]interface{}{
					"tenant":  p.tenant,
					"error":   err.Error(),
					"backoff": backoff.String(),
				})
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			} else {
				logger.InfoCF("whatsapp", "Reconnected successfully", map[string]interface{}{
					"tenant": p.tenant,
				})
				backoff = 5 * time.Second
			}
		}
	}
}

// Close disconnects, releases the device store and closes the feed.
// Stored credentials are kept.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() { close(p.done) })

	p.feedMu.Lock()
	if p.closed {
		p.feedMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.feed)
	p.feedMu.Unlock()

	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if p.client != nil {
		p.client.Disconnect()
	}
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
