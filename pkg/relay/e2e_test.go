package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wagate/pkg/bus"
	"github.com/sipeed/wagate/pkg/qr"
	"github.com/sipeed/wagate/pkg/relay"
	"github.com/sipeed/wagate/pkg/session"
	"github.com/sipeed/wagate/pkg/session/sessiontest"
	"github.com/sipeed/wagate/pkg/supervisor"
	"github.com/sipeed/wagate/pkg/webhook"
)

type storeServer struct {
	mu       sync.Mutex
	calls    map[string][]map[string]string
	failPath string
}

func (s *storeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	fields := map[string]string{}
	for k := range r.PostForm {
		fields[k] = r.PostForm.Get(k)
	}
	s.mu.Lock()
	s.calls[r.URL.Path] = append(s.calls[r.URL.Path], fields)
	fail := r.URL.Path == s.failPath
	s.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":true}`))
}

func (s *storeServer) Calls(path string) []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.calls[path]...)
}

type stack struct {
	sup     *supervisor.Supervisor
	factory *sessiontest.FakeFactory
	relay   *relay.Relay
	sub     chan bus.BusEvent
	store   *storeServer
}

func newStack(t *testing.T) *stack {
	t.Helper()
	st := &stack{
		factory: sessiontest.NewFakeFactory(),
		store:   &storeServer{calls: map[string][]map[string]string{}},
	}
	srv := httptest.NewServer(st.store)
	t.Cleanup(srv.Close)

	opts := webhook.DefaultOptions(srv.URL)
	opts.Retries = 0
	opts.RatePerSecond = 0
	client, err := webhook.NewClient(opts)
	require.NoError(t, err)

	supOpts := supervisor.DefaultOptions()
	supOpts.Factory = st.factory
	supOpts.RenderQR = qr.DataURL
	supOpts.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	st.sup = supervisor.New(supOpts)

	mb := bus.NewMessageBus()
	st.sub = mb.Subscribe()
	st.relay = relay.New(relay.Options{
		Bus:      mb,
		Webhooks: webhook.NewDispatcher(client, webhook.DispatcherOptions{}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		st.relay.Run(ctx, st.sup.Events())
		close(done)
	}()
	t.Cleanup(func() {
		_ = st.sup.Shutdown(context.Background())
		cancel()
		<-done
	})
	return st
}

func (st *stack) await(t *testing.T, channel string) bus.BusEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-st.sub:
			if ev.Channel == channel {
				return ev
			}
		case <-timeout:
			t.Fatalf("no broadcast on %s", channel)
			return bus.BusEvent{}
		}
	}
}

func TestInitToQRReachesSubscribersAndStore(t *testing.T) {
	st := newStack(t)

	_, err := st.sup.Init(context.Background(), "shop")
	require.NoError(t, err)
	st.await(t, "shopINIT")

	p := <-st.factory.Opened()
	p.QR("2@pairing-ref,key,adv")

	ev := st.await(t, "shopQR")
	assert.Equal(t, "[shop] QR code generated successfully", ev.Data.Message)
	image, ok := ev.Data.Result.(string)
	require.True(t, ok)
	assert.Contains(t, image, "data:image/png;base64,")

	require.Eventually(t, func() bool {
		return len(st.store.Calls("/update_device")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Unauthenticated", st.store.Calls("/update_device")[0]["status"])

	p.Authenticate()
	p.Ready()
	st.await(t, "shopREADY")

	snap, err := st.sup.Init(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, session.StateReady, snap.State)
	assert.Len(t, st.factory.Providers(), 1, "Init while Ready opens nothing")
}

func TestStoreFailureDoesNotAffectSend(t *testing.T) {
	st := newStack(t)
	st.store.failPath = "/store_message"

	_, err := st.sup.Init(context.Background(), "shop")
	require.NoError(t, err)
	p := <-st.factory.Opened()
	p.RegisterAll()
	p.Authenticate()
	p.Ready()
	st.await(t, "shopREADY")

	sent, err := st.sup.Manager("shop").SendMessage(context.Background(), "081234", "hi")
	require.NoError(t, err)
	assert.Equal(t, "6281234@c.us", sent.To)

	st.await(t, "shopMESSAGE")
	require.Eventually(t, func() bool {
		return len(st.store.Calls("/store_message")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Give the callback goroutine time to finish before checking.
	time.Sleep(100 * time.Millisecond)
	for len(st.sub) > 0 {
		ev := <-st.sub
		assert.NotEqual(t, "shopNEWMESSAGE", ev.Channel)
	}
}
