package session

import "time"

// EventType is the event name used on the real-time channel, which is
// published as tenant + EventType (e.g. "shopREADY").
type EventType string

const (
	EventInit                EventType = "INIT"
	EventQR                  EventType = "QR"
	EventQRError             EventType = "QRERROR"
	EventAuthenticated       EventType = "AUTHENTICATED"
	EventAuthFailure         EventType = "AUTHFAILURE"
	EventReady               EventType = "READY"
	EventDisconnected        EventType = "DISCONNECTED"
	EventDisconnectedAttempt EventType = "DISCONNECTEDATTEMP"
	EventDisconnectedSuccess EventType = "DISCONNECTEDSUCCESS"
	EventDisconnectedFailed  EventType = "DISCONNECTEDFAILED"
	EventMessage             EventType = "MESSAGE"
	EventMessageAck          EventType = "MESSAGEACK"
	EventNewMessage          EventType = "NEWMESSAGE"
	EventSeenMessage         EventType = "SEENMESSAGE"
)

// Event is one entry of the ordered session feed. Events are values and are
// never mutated after they are emitted.
type Event struct {
	Tenant  string
	Type    EventType
	Text    string
	State   State
	QR      *QR
	Message *Message
	Receipt *Receipt
	Err     string
	Time    time.Time
}

// QR carries the raw pairing code and its rendered PNG data URL.
type QR struct {
	Code  string `json:"code"`
	Image string `json:"image"`
}

// Result is the payload published alongside the event text.
func (e Event) Result() any {
	switch {
	case e.QR != nil:
		return e.QR.Image
	case e.Message != nil:
		return e.Message
	case e.Receipt != nil:
		return e.Receipt
	case e.Err != "":
		return map[string]string{"error": e.Err}
	}
	return nil
}

// Ack is the delivery progression of a sent message.
type Ack int

const (
	AckPending Ack = iota
	AckServer
	AckDevice
	AckRead
	AckPlayed
)

func (a Ack) String() string {
	switch a {
	case AckServer:
		return "server"
	case AckDevice:
		return "device"
	case AckRead:
		return "read"
	case AckPlayed:
		return "played"
	}
	return "pending"
}

// Message is a received or sent message. Sent and received messages share
// this shape so downstream storage treats them the same way.
type Message struct {
	ID        string    `json:"id"`
	Chat      string    `json:"chat"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	Type      string    `json:"type"`
	HasMedia  bool      `json:"has_media"`
	FromMe    bool      `json:"from_me"`
	IsStatus  bool      `json:"is_status"`
	QuotedID  string    `json:"quoted_id,omitempty"`
	PushName  string    `json:"push_name,omitempty"`
	Ack       Ack       `json:"ack"`
	Timestamp time.Time `json:"timestamp"`
}

// Receipt is an ack level change for one or more messages.
type Receipt struct {
	MessageIDs []string  `json:"message_ids"`
	Chat       string    `json:"chat"`
	From       string    `json:"from"`
	Ack        Ack       `json:"ack"`
	Timestamp  time.Time `json:"timestamp"`
}

// Media is an outbound attachment.
type Media struct {
	Data     []byte
	MimeType string
	Filename string
	Caption  string
}

// Snapshot is a point-in-time view of a tenant's session.
type Snapshot struct {
	Tenant    string    `json:"tenant"`
	State     State     `json:"state"`
	Status    string    `json:"status"`
	Live      bool      `json:"live"`
	ChangedAt time.Time `json:"changed_at"`
	HasQR     bool      `json:"has_qr"`
}
