package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sipeed/wagate/pkg/allowlist"
	"github.com/sipeed/wagate/pkg/bus"
	"github.com/sipeed/wagate/pkg/config"
	"github.com/sipeed/wagate/pkg/logger"
	"github.com/sipeed/wagate/pkg/provider/whatsapp"
	"github.com/sipeed/wagate/pkg/qr"
	"github.com/sipeed/wagate/pkg/relay"
	"github.com/sipeed/wagate/pkg/server"
	"github.com/sipeed/wagate/pkg/session"
	"github.com/sipeed/wagate/pkg/storage"
	"github.com/sipeed/wagate/pkg/storage/repository"
	"github.com/sipeed/wagate/pkg/supervisor"
	"github.com/sipeed/wagate/pkg/telemetry"
	"github.com/sipeed/wagate/pkg/webhook"
)

func serveCommand(cfg *config.Config) error {
	if err := logger.Setup(logger.Options{
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
		Console: true,
	}); err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.AppName, version)
	if err != nil {
		logger.WarnCF("main", "Tracing disabled", map[string]interface{}{"error": err.Error()})
		shutdownTracing = func(context.Context) error { return nil }
	}

	if _, created, err := cfg.EnsureAPIToken(); err != nil {
		return fmt.Errorf("api token: %w", err)
	} else if created {
		logger.InfoC("main", "Generated a new API token, print it with `wagate token`")
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	var (
		devices repository.DeviceRepository
		outbox  repository.OutboxRepository
	)
	if store != nil {
		defer store.Close()
		devices = store.Devices()
		outbox = store.Outbox()
		if !cfg.Outbox.Enabled {
			outbox = nil
		}
	}

	allow := allowlist.New(allowlist.FileLoader{Path: cfg.AllowList.Path})
	if err := allow.Reload(); err != nil {
		logger.WarnCF("main", "Allow-list not loaded, every cross-origin request will be refused", map[string]interface{}{
			"path":  cfg.AllowList.Path,
			"error": err.Error(),
		})
	}
	if cfg.AllowList.Watch {
		go func() {
			if err := allow.Watch(ctx, cfg.AllowList.Path); err != nil {
				logger.WarnCF("main", "Allow-list watcher stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	var qrOut io.Writer
	if cfg.Session.PrintQR {
		qrOut = os.Stdout
	}
	factory, err := whatsapp.NewFactory(whatsapp.Options{
		StoreDir: cfg.Session.StoreDir,
		StoreURL: cfg.Session.StoreURL,
		QRWriter: qrOut,
	})
	if err != nil {
		return err
	}
	sup := supervisor.New(supervisorOptions(cfg, factory))

	hookOpts := webhookOptions(cfg)
	client, err := webhook.NewClient(hookOpts)
	if err != nil {
		return fmt.Errorf("webhook client: %w", err)
	}
	dispatcher := webhook.NewDispatcher(client, webhook.DispatcherOptions{
		Outbox:      outbox,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BatchSize:   cfg.Outbox.BatchSize,
		Lease:       deliveryLease(hookOpts),
		Retention:   cfg.Outbox.Retention.Std(),
	})
	if outbox != nil {
		go func() {
			if err := dispatcher.RunSweeper(ctx, cfg.Outbox.Schedule); err != nil {
				logger.ErrorCF("main", "Outbox sweeper stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	// The relay outlives ctx so shutdown notices still reach the bus and
	// the webhooks.
	relayCtx, stopRelay := context.WithCancel(context.WithoutCancel(ctx))
	rl := relay.New(relay.Options{
		Bus:      msgBus,
		Webhooks: dispatcher,
		Devices:  devices,
	})
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		rl.Run(relayCtx, sup.Events())
	}()

	srv := server.New(server.Options{
		Config:     cfg,
		Supervisor: sup,
		Bus:        msgBus,
		AllowList:  allow,
		Devices:    devices,
		Outbox:     outbox,
		Version:    version,
	})
	if err := srv.Start(ctx); err != nil {
		stopRelay()
		return err
	}

	if cfg.Session.StartOnBoot {
		for _, tenant := range cfg.TenantNames() {
			go func(tenant string) {
				if _, err := sup.Init(relayCtx, tenant); err != nil {
					logger.ErrorCF("main", "Session start failed", map[string]interface{}{
						"tenant": tenant,
						"error":  err.Error(),
					})
				}
			}(tenant)
		}
	}

	logger.InfoCF("main", "Gateway started", map[string]interface{}{
		"version": version,
		"tenants": cfg.TenantNames(),
		"storage": cfg.Storage.Type,
	})

	<-ctx.Done()
	logger.InfoC("main", "Shutting down")

	srv.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.WarnCF("main", "Session shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}

	// Let queued lifecycle events drain before the relay stops.
	select {
	case <-time.After(time.Second):
	case <-shutdownCtx.Done():
	}
	stopRelay()
	<-relayDone

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WarnCF("main", "Tracing shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// openStorage returns nil when storage is disabled.
func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.Storage.Type == "none" {
		return nil, nil
	}
	storeCfg := storage.DefaultConfig(cfg.Storage.Type)
	storeCfg.FilePath = cfg.Storage.FilePath
	storeCfg.DatabaseURL = cfg.Storage.DatabaseURL
	storeCfg.SSLEnabled = cfg.Storage.SSLEnabled

	store, err := storage.NewStorage(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}
	if err := store.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s storage: %w", cfg.Storage.Type, err)
	}
	return store, nil
}

func supervisorOptions(cfg *config.Config, factory session.ProviderFactory) supervisor.Options {
	s := cfg.Session
	return supervisor.Options{
		Factory:           factory,
		RenderQR:          qr.DataURL,
		CountryCode:       s.CountryCode,
		GraceDelay:        s.GraceDelay.Std(),
		PurgeRetries:      s.PurgeRetries,
		PurgeRetryDelay:   s.PurgeRetryDelay.Std(),
		AutoRestart:       s.AutoRestart,
		RestartBackoff:    s.RestartBackoff.Std(),
		RestartBackoffMax: s.RestartBackoffMax.Std(),
		InitDelay:         s.InitDelay.Std(),
	}
}

func webhookOptions(cfg *config.Config) webhook.Options {
	w := cfg.Webhook
	opts := webhook.DefaultOptions(w.BaseURL)
	opts.Secret = w.Secret
	if w.Timeout > 0 {
		opts.Timeout = w.Timeout.Std()
	}
	if w.Retries >= 0 {
		opts.Retries = w.Retries
	}
	if w.RetryWait > 0 {
		opts.RetryWait = w.RetryWait.Std()
	}
	if w.RetryMaxWait > 0 {
		opts.RetryMaxWait = w.RetryMaxWait.Std()
	}
	if w.RatePerSecond > 0 {
		opts.RatePerSecond = w.RatePerSecond
	}
	if w.Burst > 0 {
		opts.Burst = w.Burst
	}
	if w.MaxInFlight > 0 {
		opts.MaxInFlight = w.MaxInFlight
	}
	return opts
}

// deliveryLease is the longest a single Deliver can spend in the client:
// every try timing out plus the waits between them, with some slack.
func deliveryLease(opts webhook.Options) time.Duration {
	tries := time.Duration(opts.Retries + 1)
	return opts.Timeout*tries + opts.RetryMaxWait*time.Duration(opts.Retries) + 10*time.Second
}
