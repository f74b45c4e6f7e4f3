package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wagate/pkg/bus"
)

func dial(t *testing.T, h *harness, query, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws" + query
	hdr := http.Header{}
	if origin != "" {
		hdr.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(u, hdr)
}

func readEvent(t *testing.T, conn *websocket.Conn) bus.BusEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev bus.BusEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestWebSocketStreamsBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	conn, _, err := dial(t, h, "", allowedOrigin)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.srv.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.bus.Publish("shop", "READY", "[shop] Device ready", nil)
	ev := readEvent(t, conn)
	assert.Equal(t, "shopREADY", ev.Channel)
	assert.Equal(t, "[shop] Device ready", ev.Data.Message)
}

func TestWebSocketTenantFilter(t *testing.T) {
	h := newHarness(t, nil)
	conn, _, err := dial(t, h, "?tenant=shop", "")
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.srv.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.bus.Publish("other", "READY", "[other] Device ready", nil)
	h.bus.Publish("shop", "QR", "[shop] QR code generated successfully", "data:image/png;base64,xyz")
	ev := readEvent(t, conn)
	assert.Equal(t, "shopQR", ev.Channel)
	assert.Equal(t, "data:image/png;base64,xyz", ev.Data.Result)
}

func TestWebSocketRejectsUnknownOrigin(t *testing.T) {
	h := newHarness(t, nil)
	_, resp, err := dial(t, h, "", "https://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
