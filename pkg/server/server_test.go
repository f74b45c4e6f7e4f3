package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wagate/pkg/allowlist"
	"github.com/sipeed/wagate/pkg/bus"
	"github.com/sipeed/wagate/pkg/config"
	"github.com/sipeed/wagate/pkg/qr"
	"github.com/sipeed/wagate/pkg/relay"
	"github.com/sipeed/wagate/pkg/session"
	"github.com/sipeed/wagate/pkg/session/sessiontest"
	"github.com/sipeed/wagate/pkg/supervisor"
)

const allowedOrigin = "https://app.example"

type harness struct {
	cfg     *config.Config
	sup     *supervisor.Supervisor
	factory *sessiontest.FakeFactory
	bus     *bus.MessageBus
	allow   *allowlist.AllowList
	srv     *Server
	ts      *httptest.Server
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.AppName = "shop"
	cfg.Tenants = []string{"shop", "other"}
	cfg.Webhook.BaseURL = "http://store.invalid"
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{cfg: cfg, factory: sessiontest.NewFakeFactory(), bus: bus.NewMessageBus()}

	supOpts := supervisor.DefaultOptions()
	supOpts.Factory = h.factory
	supOpts.RenderQR = qr.DataURL
	supOpts.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	h.sup = supervisor.New(supOpts)

	path := filepath.Join(t.TempDir(), "permission.json")
	require.NoError(t, os.WriteFile(path, []byte(`["`+allowedOrigin+`"]`), 0644))
	h.allow = allowlist.New(allowlist.FileLoader{Path: path})
	require.NoError(t, h.allow.Reload())

	h.srv = New(Options{
		Config:     cfg,
		Supervisor: h.sup,
		Bus:        h.bus,
		AllowList:  h.allow,
		Version:    "test",
	})
	h.ts = httptest.NewServer(h.srv.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	rl := relay.New(relay.Options{Bus: h.bus})
	relayDone := make(chan struct{})
	go func() {
		rl.Run(ctx, h.sup.Events())
		close(relayDone)
	}()
	go h.srv.hub.Run(ctx)

	t.Cleanup(func() {
		h.ts.Close()
		_ = h.sup.Shutdown(context.Background())
		cancel()
		<-relayDone
	})
	return h
}

func (h *harness) do(t *testing.T, req *http.Request) (int, Response) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (h *harness) postJSON(t *testing.T, path string, body any) (int, Response) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return h.do(t, req)
}

// ready drives the tenant's fake provider to Ready.
func (h *harness) ready(t *testing.T, tenant string) *sessiontest.FakeProvider {
	t.Helper()
	code, _ := h.postJSON(t, "/init", map[string]any{"init": true, "tenant": tenant})
	require.Equal(t, http.StatusOK, code)
	var p *sessiontest.FakeProvider
	select {
	case p = <-h.factory.Opened():
	case <-time.After(2 * time.Second):
		t.Fatal("no provider opened")
	}
	p.Authenticate()
	p.Ready()
	require.Eventually(t, func() bool {
		return h.sup.Manager(tenant).Snapshot().State == session.StateReady
	}, 2*time.Second, 10*time.Millisecond)
	return p
}

func TestCORSAllowList(t *testing.T) {
	h := newHarness(t, nil)

	req, _ := http.NewRequest(http.MethodGet, h.ts.URL+"/status", nil)
	req.Header.Set("Origin", "https://evil.example")
	code, out := h.do(t, req)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Forbidden Access", out.Message)
	assert.False(t, out.Status)

	req, _ = http.NewRequest(http.MethodGet, h.ts.URL+"/status", nil)
	req.Header.Set("Origin", allowedOrigin)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, allowedOrigin, resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodGet, h.ts.URL+"/status", nil)
	code, _ = h.do(t, req)
	assert.Equal(t, http.StatusOK, code, "requests without Origin pass")

	req, _ = http.NewRequest(http.MethodOptions, h.ts.URL+"/send-message", nil)
	req.Header.Set("Origin", allowedOrigin)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestInitValidation(t *testing.T) {
	h := newHarness(t, nil)

	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/init", nil)
	code, out := h.do(t, req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Request body is required", out.Message)

	code, out = h.postJSON(t, "/init", map[string]any{"init": false})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Initialization failed", out.Message)

	code, _ = h.postJSON(t, "/init", map[string]any{"init": true, "tenant": "nobody"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Empty(t, h.factory.Providers())
}

func TestInitWithFormBody(t *testing.T) {
	h := newHarness(t, nil)

	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/init", strings.NewReader(url.Values{"init": {"true"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	code, out := h.do(t, req)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Initialization was successful", out.Message)
	assert.True(t, out.Status)
	assert.Len(t, h.factory.Providers(), 1)
}

func TestSendMessageErrorMapping(t *testing.T) {
	h := newHarness(t, nil)

	code, out := h.postJSON(t, "/send-message", map[string]any{"number": "081234", "message": "hi"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "Session is not ready", out.Message)

	p := h.ready(t, "shop")

	code, out = h.postJSON(t, "/send-message", map[string]any{"number": "081234", "message": "hi"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "Phone number is not registered", out.Message)
	assert.Empty(t, p.Sends())

	code, _ = h.postJSON(t, "/send-message", map[string]any{"number": "081234"})
	assert.Equal(t, http.StatusBadRequest, code)

	p.RegisterAll()
	code, out = h.postJSON(t, "/send-message", map[string]any{"number": 6281234, "message": "hi"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Success", out.Message)
	result, ok := out.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "6281234@c.us", result["to"])

	p.FailSends(io.ErrUnexpectedEOF)
	code, out = h.postJSON(t, "/send-message", map[string]any{"number": "081234", "message": "hi"})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Internal server error", out.Message)
}

func multipartBody(t *testing.T, fields map[string]string, file []byte, mimeType string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="file"; filename="photo.png"`)
		hdr.Set("Content-Type", mimeType)
		part, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestSendMediaMultipart(t *testing.T) {
	mediaDir := t.TempDir()
	h := newHarness(t, func(c *config.Config) { c.Server.MediaDir = mediaDir })
	p := h.ready(t, "shop")
	p.RegisterAll()

	body, ct := multipartBody(t, map[string]string{"number": "081234", "caption": "look"}, []byte("\x89PNG\r\n\x1a\nfake"), "image/png")
	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/send-media", body)
	req.Header.Set("Content-Type", ct)
	code, out := h.do(t, req)
	require.Equal(t, http.StatusOK, code, out.Message)

	sends := p.Sends()
	require.Len(t, sends, 1)
	require.NotNil(t, sends[0].Media)
	assert.Equal(t, "image/png", sends[0].Media.MimeType)
	assert.Equal(t, "photo.png", sends[0].Media.Filename)
	assert.Equal(t, "look", sends[0].Media.Caption)

	kept, err := filepath.Glob(filepath.Join(mediaDir, "shop", "*.png"))
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	body, ct = multipartBody(t, map[string]string{"number": "081234"}, nil, "")
	req, _ = http.NewRequest(http.MethodPost, h.ts.URL+"/send-media", body)
	req.Header.Set("Content-Type", ct)
	code, out = h.do(t, req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "file are required", out.Message)
}

func TestSendMediaDataURL(t *testing.T) {
	h := newHarness(t, nil)
	p := h.ready(t, "shop")
	p.RegisterAll()

	code, out := h.postJSON(t, "/send-media", map[string]any{
		"number":   "081234",
		"file":     "data:text/plain;base64,aGVsbG8=",
		"filename": "note.txt",
	})
	require.Equal(t, http.StatusOK, code, out.Message)
	sends := p.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, []byte("hello"), sends[0].Media.Data)
	assert.Equal(t, "text/plain", sends[0].Media.MimeType)

	code, _ = h.postJSON(t, "/send-media", map[string]any{"number": "081234", "file": "not a data url"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSendMediaUploadLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Server.MaxUploadMB = 1 })
	p := h.ready(t, "shop")
	p.RegisterAll()

	body, ct := multipartBody(t, map[string]string{"number": "081234"}, bytes.Repeat([]byte("a"), 3<<20), "image/png")
	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/send-media", body)
	req.Header.Set("Content-Type", ct)
	code, _ := h.do(t, req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Empty(t, p.Sends())
}

func TestQREndpoint(t *testing.T) {
	h := newHarness(t, nil)

	req, _ := http.NewRequest(http.MethodGet, h.ts.URL+"/qr?tenant=shop", nil)
	code, out := h.do(t, req)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "QR code not available", out.Message)

	code, _ = h.postJSON(t, "/init", map[string]any{"init": true})
	require.Equal(t, http.StatusOK, code)
	p := <-h.factory.Opened()
	p.QR("2@pairing-ref,key,adv")

	require.Eventually(t, func() bool {
		_, ok := h.sup.Manager("shop").LatestQR()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(h.ts.URL + "/qr?tenant=shop")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	svg, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.HasPrefix(string(svg), "<svg"))
}

func TestBearerAuth(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Server.RequireAuth = true
		c.Server.Token = "s3cret"
	})

	req, _ := http.NewRequest(http.MethodGet, h.ts.URL+"/status", nil)
	code, _ := h.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, code)

	req, _ = http.NewRequest(http.MethodGet, h.ts.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	code, out := h.do(t, req)
	assert.Equal(t, http.StatusOK, code)

	result, ok := out.Result.(map[string]any)
	require.True(t, ok)
	secrets, ok := result["secrets"].(map[string]any)
	require.True(t, ok)
	for _, v := range secrets {
		assert.NotEqual(t, "s3cret", v)
	}

	cfg, ok := result["config"].(map[string]any)
	require.True(t, ok)
	srv, ok := cfg["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, srv["require_auth"])
	assert.NotEmpty(t, srv["token"])
	assert.NotEqual(t, "s3cret", srv["token"])
	assert.Equal(t, "s3cret", h.cfg.Server.Token)
}

func TestStatusListsSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t, "shop")

	req, _ := http.NewRequest(http.MethodGet, h.ts.URL+"/status", nil)
	code, out := h.do(t, req)
	require.Equal(t, http.StatusOK, code)
	result := out.Result.(map[string]any)
	assert.Equal(t, "test", result["version"])
	sessions, ok := result["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, sessions, 1)
	assert.Equal(t, "shop", sessions[0].(map[string]any)["tenant"])
}

func TestAllowListReload(t *testing.T) {
	h := newHarness(t, nil)
	code, out := h.postJSON(t, "/allowlist/reload", map[string]any{})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), out.Result.(map[string]any)["size"])
}

func TestIndexPageServed(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	page, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(page), "<title>wagate</title>")
}
