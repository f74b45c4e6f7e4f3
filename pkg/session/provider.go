package session

import "context"

// Provider is one device session of the WhatsApp protocol engine.
type Provider interface {
	// Start begins pairing, or resumes a stored device. The returned channel
	// carries lifecycle and message events in order and is closed once the
	// provider has shut down.
	Start(ctx context.Context) (<-chan ProviderEvent, error)
	IsRegistered(ctx context.Context, address string) (bool, error)
	SendText(ctx context.Context, address, body string) (*Message, error)
	SendMedia(ctx context.Context, address string, media Media) (*Message, error)
	Close() error
}

// ProviderFactory opens providers and removes their on-disk state.
type ProviderFactory interface {
	Open(ctx context.Context, tenant string) (Provider, error)
	Purge(ctx context.Context, tenant string) error
}

type ProviderEventKind int

const (
	ProviderQR ProviderEventKind = iota + 1
	ProviderAuthenticated
	ProviderAuthFailed
	ProviderReady
	ProviderDisconnected
	ProviderMessage
	ProviderReceipt
)

func (k ProviderEventKind) String() string {
	switch k {
	case ProviderQR:
		return "qr"
	case ProviderAuthenticated:
		return "authenticated"
	case ProviderAuthFailed:
		return "auth_failed"
	case ProviderReady:
		return "ready"
	case ProviderDisconnected:
		return "disconnected"
	case ProviderMessage:
		return "message"
	case ProviderReceipt:
		return "receipt"
	}
	return "unknown"
}

// ProviderEvent is a tagged event from a Provider. Only the field matching
// Kind is set.
type ProviderEvent struct {
	Kind    ProviderEventKind
	QRCode  string
	Reason  string
	Message *Message
	Receipt *Receipt
}
