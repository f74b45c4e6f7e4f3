// Package server exposes session commands over HTTP and streams broadcasts
// over WebSocket.
package server

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/wagate/pkg/allowlist"
	"github.com/sipeed/wagate/pkg/bus"
	"github.com/sipeed/wagate/pkg/config"
	"github.com/sipeed/wagate/pkg/logger"
	"github.com/sipeed/wagate/pkg/storage/repository"
	"github.com/sipeed/wagate/pkg/supervisor"
)

type Options struct {
	Config     *config.Config
	Supervisor *supervisor.Supervisor
	Bus        *bus.MessageBus
	AllowList  *allowlist.AllowList
	// Devices and Outbox feed /status when storage is enabled.
	Devices repository.DeviceRepository
	Outbox  repository.OutboxRepository
	Version string
}

type Server struct {
	cfg        *config.Config
	sup        *supervisor.Supervisor
	msgBus     *bus.MessageBus
	allow      *allowlist.AllowList
	devices    repository.DeviceRepository
	outbox     repository.OutboxRepository
	version    string
	hub        *Hub
	httpServer *http.Server
	startTime  time.Time
}

func New(opts Options) *Server {
	allow := opts.AllowList
	if allow == nil {
		allow = allowlist.New(allowlist.FileLoader{})
	}
	s := &Server{
		cfg:       opts.Config,
		sup:       opts.Supervisor,
		msgBus:    opts.Bus,
		allow:     allow,
		devices:   opts.Devices,
		outbox:    opts.Outbox,
		version:   opts.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(opts.Bus, websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.allow.Allowed(r.Header.Get("Origin"))
		},
	})
	return s
}

// Handler returns the full route tree with CORS, auth and tracing applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/init", s.route("/init", s.authMiddleware(s.handleInit)))
	mux.HandleFunc("/send-message", s.route("/send-message", s.authMiddleware(s.handleSendMessage)))
	mux.HandleFunc("/send-media", s.route("/send-media", s.authMiddleware(s.handleSendMedia)))
	mux.HandleFunc("/status", s.route("/status", s.authMiddleware(s.handleStatus)))
	mux.HandleFunc("/qr", s.route("/qr", s.authMiddleware(s.handleQR)))
	mux.HandleFunc("/allowlist/reload", s.route("/allowlist/reload", s.authMiddleware(s.handleAllowListReload)))

	// WebSocket (auth via query param)
	mux.HandleFunc("/ws", s.authMiddleware(s.hub.handleWebSocket))

	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		// The embedded tree is fixed at build time.
		panic(fmt.Sprintf("static sub-filesystem: %v", err))
	}
	mux.Handle("/", http.FileServer(http.FS(staticSub)))

	return s.corsMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		logger.InfoCF("server", "HTTP server started", map[string]interface{}{
			"address": addr,
		})
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("server", "HTTP server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
		logger.InfoC("server", "HTTP server stopped")
	}
}
