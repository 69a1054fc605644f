// Package app assembles a workspace: config, database, content store, ledger,
// chain client and the background loops that keep them moving.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"creditline/internal/chain"
	"creditline/internal/config"
	"creditline/internal/contentstore"
	"creditline/internal/db"
	"creditline/internal/engine"
	"creditline/internal/gateway"
	"creditline/internal/ledger"
	"creditline/internal/migrate"
	"creditline/internal/server"
	"creditline/internal/watcher"
)

type Options struct {
	Workspace string
	// Config overrides the workspace creditline.yml when set.
	Config *config.Config
	Logger *slog.Logger
}

type App struct {
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Chain    chain.Client
	Watcher  *watcher.Watcher
	Webhooks *server.WebhookDispatcher

	publisher *ledger.RedisPublisher
	log       *slog.Logger
}

// Open loads config, migrates the workspace database and wires the engine.
// The returned App owns the database handle; call Close when done.
func Open(ctx context.Context, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, conn, cfg, opts.Workspace, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, conn *sql.DB, cfg *config.Config, workspace string, log *slog.Logger) (*App, error) {
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return nil, err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return nil, err
	}
	e.Logger = log

	blobs, err := openContentStore(ctx, cfg.Storage, workspace)
	if err != nil {
		return nil, err
	}
	if e.Reports, err = contentstore.NewReports(blobs); err != nil {
		return nil, err
	}

	e.Ledger = ledger.NewStore(ledger.Options{
		Persister:     e.Repo,
		ChainID:       cfg.Ledger.ChainID,
		LeaseDuration: cfg.Ledger.LeaseDuration,
		Logger:        log,
	})
	if err := e.Ledger.Load(ctx); err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	client := openChain(cfg.Chain)
	e.Gateway = gateway.New(client, e.Ledger, gateway.Options{ChainID: cfg.Ledger.ChainID, Logger: log})

	a := &App{
		DB:     conn,
		Config: cfg,
		Engine: e,
		Chain:  client,
		Watcher: watcher.New(client, e.Ledger, watcher.Options{
			Interval:      cfg.Confirmation.PollInterval,
			Timeout:       cfg.Confirmation.Timeout,
			RatePerSecond: cfg.Confirmation.RatePerSecond,
			Logger:        log,
			Resolved:      e.RecordResolution,
		}),
		Webhooks: server.NewWebhookDispatcher(e.Repo, cfg.Webhooks, log),
		log:      log,
	}
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		a.publisher = ledger.NewRedisPublisher(addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel)
	}
	return a, nil
}

func openContentStore(ctx context.Context, cfg config.StorageConfig, workspace string) (contentstore.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "file":
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(filepath.Dir(db.Path(workspace)), "blobs")
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(workspace, dir)
		}
		return contentstore.NewFileStore(dir)
	case "s3":
		return contentstore.NewS3Store(ctx, contentstore.S3Config{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Prefix:   cfg.S3.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// openChain returns the HTTP client when an endpoint is configured and an
// in-process simulated ledger otherwise.
func openChain(cfg config.ChainConfig) chain.Client {
	if strings.TrimSpace(cfg.Endpoint) != "" {
		return chain.NewHTTPClient(cfg.Endpoint, cfg.APIKey)
	}
	confirmAfter := cfg.ConfirmAfter
	if confirmAfter <= 0 {
		confirmAfter = 1
	}
	return chain.NewSimulated(confirmAfter)
}

// Start runs the confirmation watcher, the webhook dispatcher and the
// snapshot relay until ctx is cancelled. The returned func waits for them.
func (a *App) Start(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.log.Debug("background loop started", "loop", name)
			fn(ctx)
		}()
	}
	run("watcher", a.Watcher.Run)
	run("webhooks", a.Webhooks.Run)
	if a.publisher != nil {
		run("relay", func(ctx context.Context) { ledger.Relay(ctx, a.Engine.Ledger, a.publisher, a.log) })
	}
	return wg.Wait
}

func (a *App) Close() error {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Warn("close redis publisher", "err", err)
		}
	}
	return a.DB.Close()
}

// NewLogger builds the process logger. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
