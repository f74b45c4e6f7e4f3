package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wagate/pkg/bus"
	"github.com/sipeed/wagate/pkg/session"
	"github.com/sipeed/wagate/pkg/storage/file"
	"github.com/sipeed/wagate/pkg/webhook"
)

type call struct {
	Tenant   string
	Endpoint string
	Fields   map[string]string
}

type fakeWebhooks struct {
	mu     sync.Mutex
	calls  []call
	status bool
	err    error
}

func (f *fakeWebhooks) Deliver(ctx context.Context, tenant, endpoint string, fields map[string]string) (*webhook.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Tenant: tenant, Endpoint: endpoint, Fields: fields})
	if f.err != nil {
		return nil, f.err
	}
	return &webhook.Response{StatusCode: 200, Status: f.status}, nil
}

func (f *fakeWebhooks) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func drain(ch chan bus.BusEvent) []bus.BusEvent {
	var out []bus.BusEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func channels(evs []bus.BusEvent) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Channel)
	}
	return out
}

var fixedNow = time.Date(2026, 4, 9, 14, 30, 5, 0, time.UTC)

func newRelay(t *testing.T, hooks *fakeWebhooks) (*Relay, chan bus.BusEvent, *file.FileStorage) {
	t.Helper()
	mb := bus.NewMessageBus()
	sub := mb.Subscribe()
	fs, err := file.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Connect(context.Background()))

	opts := Options{
		Bus:      mb,
		Devices:  fs.Devices(),
		Location: time.UTC,
		Now:      func() time.Time { return fixedNow },
	}
	if hooks != nil {
		opts.Webhooks = hooks
	}
	return New(opts), sub, fs
}

func TestLifecycleEventsUpdateDevice(t *testing.T) {
	hooks := &fakeWebhooks{status: true}
	r, sub, fs := newRelay(t, hooks)
	ctx := context.Background()

	cases := []struct {
		typ    session.EventType
		status string
	}{
		{session.EventQR, "Unauthenticated"},
		{session.EventQRError, "Unauthenticated"},
		{session.EventAuthenticated, "Authenticated"},
		{session.EventAuthFailure, "Failed Authentication"},
		{session.EventReady, "Ready"},
		{session.EventDisconnected, "Disconnected"},
		{session.EventDisconnectedSuccess, "Disconnected"},
	}
	for _, tc := range cases {
		r.Handle(ctx, session.Event{Tenant: "shop", Type: tc.typ, Text: "x"})
		r.Wait()
		calls := hooks.Calls()
		last := calls[len(calls)-1]
		assert.Equal(t, webhook.EndpointUpdateDevice, last.Endpoint, tc.typ)
		assert.Equal(t, tc.status, last.Fields["status"], tc.typ)
		assert.Equal(t, "2026-04-09 14:30:05", last.Fields["modifieddate"])
	}
	assert.Len(t, hooks.Calls(), len(cases))
	assert.Len(t, drain(sub), len(cases))

	state, err := fs.Devices().Get(ctx, "shop")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "Disconnected", state.Status)
}

func TestSupervisorNoticesOnlyBroadcast(t *testing.T) {
	hooks := &fakeWebhooks{status: true}
	r, sub, _ := newRelay(t, hooks)

	for _, typ := range []session.EventType{session.EventInit, session.EventDisconnectedAttempt, session.EventDisconnectedFailed} {
		r.Handle(context.Background(), session.Event{Tenant: "shop", Type: typ, Text: "notice"})
	}
	r.Wait()
	assert.Empty(t, hooks.Calls())
	assert.Equal(t, []string{"shopINIT", "shopDISCONNECTEDATTEMP", "shopDISCONNECTEDFAILED"}, channels(drain(sub)))
}

func TestQRBroadcastCarriesImage(t *testing.T) {
	r, sub, _ := newRelay(t, &fakeWebhooks{status: true})
	r.Handle(context.Background(), session.Event{
		Tenant: "shop",
		Type:   session.EventQR,
		Text:   "QR code generated successfully",
		QR:     &session.QR{Code: "abc", Image: "data:image/png;base64,xyz"},
	})
	r.Wait()

	evs := drain(sub)
	require.Len(t, evs, 1)
	assert.Equal(t, "shopQR", evs[0].Channel)
	assert.Equal(t, "[shop] QR code generated successfully", evs[0].Data.Message)
	assert.Equal(t, "data:image/png;base64,xyz", evs[0].Data.Result)
}

func TestMessageStoredAndConfirmed(t *testing.T) {
	hooks := &fakeWebhooks{status: true}
	r, sub, _ := newRelay(t, hooks)
	msg := session.Message{
		ID:       "ABC123",
		Chat:     "6281234@c.us",
		From:     "6280000@c.us",
		To:       "6281234@c.us",
		Body:     "hello",
		Type:     "chat",
		FromMe:   true,
		Ack:      session.AckServer,
		HasMedia: false,
	}
	r.Handle(context.Background(), session.Event{Tenant: "shop", Type: session.EventMessage, Text: "Message sent", Message: &msg})
	r.Wait()

	calls := hooks.Calls()
	require.Len(t, calls, 1)
	f := calls[0].Fields
	assert.Equal(t, webhook.EndpointStoreMessage, calls[0].Endpoint)
	assert.Equal(t, "true", f["from_me"])
	assert.Equal(t, "6280000", f["me"])
	assert.Equal(t, "ABC123", f["chat_id"])
	assert.Equal(t, "chat", f["type"])
	assert.Equal(t, "false", f["has_media"])
	assert.Equal(t, "1", f["message_ack"])
	assert.Equal(t, "hello", f["body"])
	assert.Contains(t, f["raw"], `"id":"ABC123"`)

	assert.Equal(t, []string{"shopMESSAGE", "shopNEWMESSAGE"}, channels(drain(sub)))
}

func TestStatusMessagesAreNotStored(t *testing.T) {
	hooks := &fakeWebhooks{status: true}
	r, _, _ := newRelay(t, hooks)
	msg := session.Message{ID: "S1", IsStatus: true}
	r.Handle(context.Background(), session.Event{Tenant: "shop", Type: session.EventMessage, Message: &msg})
	r.Wait()
	assert.Empty(t, hooks.Calls())
}

func TestNoConfirmationWhenStoreRejects(t *testing.T) {
	for name, hooks := range map[string]*fakeWebhooks{
		"status false": {status: false},
		"error":        {err: errors.New("connection refused")},
	} {
		t.Run(name, func(t *testing.T) {
			r, sub, _ := newRelay(t, hooks)
			msg := session.Message{ID: "M1", From: "6280000@c.us"}
			r.Handle(context.Background(), session.Event{Tenant: "shop", Type: session.EventMessage, Message: &msg})
			r.Wait()
			assert.Equal(t, []string{"shopMESSAGE"}, channels(drain(sub)))
		})
	}
}

func TestAckForwardedPerMessage(t *testing.T) {
	hooks := &fakeWebhooks{status: true}
	r, sub, _ := newRelay(t, hooks)
	rc := session.Receipt{MessageIDs: []string{"A", "B"}, Chat: "6281234@c.us", Ack: session.AckRead, Timestamp: fixedNow}
	r.Handle(context.Background(), session.Event{Tenant: "shop", Type: session.EventMessageAck, Receipt: &rc})
	r.Wait()

	calls := hooks.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, webhook.EndpointUpdateMessageStatus, calls[0].Endpoint)
	assert.Equal(t, "A", calls[0].Fields["chat_id"])
	assert.Equal(t, "B", calls[1].Fields["chat_id"])
	assert.Equal(t, "3", calls[1].Fields["message_ack"])
	assert.Equal(t, "read", calls[1].Fields["status"])
	assert.Equal(t, []string{"shopMESSAGEACK", "shopSEENMESSAGE"}, channels(drain(sub)))
}

func TestWithoutWebhooksOnlyBroadcasts(t *testing.T) {
	r, sub, fs := newRelay(t, nil)
	r.Handle(context.Background(), session.Event{Tenant: "shop", Type: session.EventReady, Text: "Device ready"})
	r.Wait()
	assert.Equal(t, []string{"shopREADY"}, channels(drain(sub)))

	state, err := fs.Devices().Get(context.Background(), "shop")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "ready", state.State)
}

func TestRunStopsWhenFeedCloses(t *testing.T) {
	r, sub, _ := newRelay(t, &fakeWebhooks{status: true})
	events := make(chan session.Event, 2)
	events <- session.Event{Tenant: "shop", Type: session.EventReady}
	close(events)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Len(t, drain(sub), 1)
}

func TestFormatMessage(t *testing.T) {
	assert.Equal(t, "[shop] Device ready", FormatMessage("shop", "Device ready"))
	assert.Equal(t, "[shop]", FormatMessage("shop", ""))
}
