// Package relay fans the supervisor's event feed out to real-time
// subscribers and to the external store's webhooks.
package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/sipeed/wagate/pkg/logger"
	"github.com/sipeed/wagate/pkg/session"
	"github.com/sipeed/wagate/pkg/storage/repository"
	"github.com/sipeed/wagate/pkg/webhook"
)

// DateLayout is the modifieddate format expected by update_device.
const DateLayout = "2006-01-02 15:04:05"

// Publisher broadcasts on tenant-scoped channels.
type Publisher interface {
	Publish(tenant, event, message string, result any)
}

// Deliverer sends one webhook callback.
type Deliverer interface {
	Deliver(ctx context.Context, tenant, endpoint string, fields map[string]string) (*webhook.Response, error)
}

type Options struct {
	Bus Publisher
	// Webhooks is optional; without it only broadcasts happen.
	Webhooks Deliverer
	// Devices mirrors lifecycle statuses locally when set.
	Devices  repository.DeviceRepository
	Location *time.Location
	Now      func() time.Time
}

type Relay struct {
	bus      Publisher
	webhooks Deliverer
	devices  repository.DeviceRepository
	loc      *time.Location
	now      func() time.Time

	wg sync.WaitGroup
}

func New(opts Options) *Relay {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		bus:      opts.Bus,
		webhooks: opts.Webhooks,
		devices:  opts.Devices,
		loc:      opts.Location,
		now:      opts.Now,
	}
}

// Run handles events in order until the feed closes or ctx is done, then
// waits for in-flight callbacks.
func (r *Relay) Run(ctx context.Context, events <-chan session.Event) {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ctx, ev)
		}
	}
}

// Wait blocks until every callback started by Handle has finished.
func (r *Relay) Wait() { r.wg.Wait() }

// Handle broadcasts ev and starts its callbacks. It never blocks on the
// external store.
func (r *Relay) Handle(ctx context.Context, ev session.Event) {
	r.publish(ev.Tenant, string(ev.Type), ev.Text, ev.Result())

	if st, ok := deviceStatus(ev.Type); ok {
		r.updateDevice(ctx, ev, st)
		return
	}

	switch ev.Type {
	case session.EventMessage:
		if ev.Message == nil || ev.Message.IsStatus {
			return
		}
		msg := *ev.Message
		r.async(ctx, func(ctx context.Context) {
			resp, err := r.deliver(ctx, ev.Tenant, webhook.EndpointStoreMessage, messageFields(msg))
			if err == nil && resp != nil && resp.Status {
				r.publish(ev.Tenant, string(session.EventNewMessage), "New message stored", msg)
			}
		})

	case session.EventMessageAck:
		if ev.Receipt == nil {
			return
		}
		rc := *ev.Receipt
		r.async(ctx, func(ctx context.Context) {
			confirmed := false
			for _, id := range rc.MessageIDs {
				resp, err := r.deliver(ctx, ev.Tenant, webhook.EndpointUpdateMessageStatus, r.receiptFields(rc, id))
				if err == nil && resp != nil && resp.Status {
					confirmed = true
				}
			}
			if confirmed {
				r.publish(ev.Tenant, string(session.EventSeenMessage), "Message status updated", rc)
			}
		})
	}
}

// deviceStatus maps lifecycle events to the state reported to update_device.
func deviceStatus(t session.EventType) (session.State, bool) {
	switch t {
	case session.EventQR, session.EventQRError:
		return session.StateUnauthenticated, true
	case session.EventAuthenticated:
		return session.StateAuthenticated, true
	case session.EventAuthFailure:
		return session.StateFailed, true
	case session.EventReady:
		return session.StateReady, true
	case session.EventDisconnected, session.EventDisconnectedSuccess:
		return session.StateDisconnected, true
	}
	return 0, false
}

func (r *Relay) updateDevice(ctx context.Context, ev session.Event, st session.State) {
	now := r.now()
	if r.devices != nil {
		err := r.devices.Save(ctx, repository.DeviceState{
			Tenant:    ev.Tenant,
			State:     st.String(),
			Status:    st.Label(),
			UpdatedAt: now,
		})
		if err != nil {
			logger.WarnCF("relay", "Failed to save device state", map[string]interface{}{
				"tenant": ev.Tenant,
				"error":  err.Error(),
			})
		}
	}

	fields := map[string]string{
		"status":       st.Label(),
		"modifieddate": now.In(r.loc).Format(DateLayout),
	}
	r.async(ctx, func(ctx context.Context) {
		_, _ = r.deliver(ctx, ev.Tenant, webhook.EndpointUpdateDevice, fields)
	})
}

func (r *Relay) publish(tenant, event, text string, result any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(tenant, event, FormatMessage(tenant, text), result)
}

// FormatMessage prefixes text with the tenant tag shown to subscribers.
func FormatMessage(tenant, text string) string {
	if text == "" {
		return "[" + tenant + "]"
	}
	return "[" + tenant + "] " + text
}

func (r *Relay) async(ctx context.Context, fn func(ctx context.Context)) {
	if r.webhooks == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// Shutdown drains callbacks instead of cancelling them.
		fn(context.WithoutCancel(ctx))
	}()
}

func (r *Relay) deliver(ctx context.Context, tenant, endpoint string, fields map[string]string) (*webhook.Response, error) {
	resp, err := r.webhooks.Deliver(ctx, tenant, endpoint, fields)
	if err != nil {
		logger.WarnCF("relay", "Webhook delivery failed", map[string]interface{}{
			"tenant":   tenant,
			"endpoint": endpoint,
			"error":    err.Error(),
		})
		return nil, err
	}
	return resp, nil
}

func messageFields(msg session.Message) map[string]string {
	raw, _ := json.Marshal(msg)
	return map[string]string{
		"from_me":     strconv.FormatBool(msg.FromMe),
		"me":          session.AddressUser(msg.From),
		"raw":         string(raw),
		"chat_id":     msg.ID,
		"chat":        msg.Chat,
		"from":        msg.From,
		"to":          msg.To,
		"type":        msg.Type,
		"has_media":   strconv.FormatBool(msg.HasMedia),
		"message_ack": strconv.Itoa(int(msg.Ack)),
		"body":        msg.Body,
		"quoted_id":   msg.QuotedID,
		"timestamp":   strconv.FormatInt(msg.Timestamp.Unix(), 10),
	}
}

func (r *Relay) receiptFields(rc session.Receipt, id string) map[string]string {
	return map[string]string{
		"chat_id":      id,
		"chat":         rc.Chat,
		"from":         rc.From,
		"message_ack":  strconv.Itoa(int(rc.Ack)),
		"status":       rc.Ack.String(),
		"modifieddate": rc.Timestamp.In(r.loc).Format(DateLayout),
	}
}
