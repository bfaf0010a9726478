package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/martinemde/stagehand/agentloop"
	"github.com/martinemde/stagehand/capability"
	"github.com/martinemde/stagehand/config"
	"github.com/martinemde/stagehand/focus"
	"github.com/martinemde/stagehand/memory"
	"github.com/martinemde/stagehand/storage"
	"github.com/martinemde/stagehand/tools"
	"github.com/martinemde/stagehand/unifiedllm"
)

// app holds everything a command needs, built from one configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    focus.Store
	pending  *focus.Pending
	registry *capability.Registry
	closers  []func() error
}

// loadConfig loads configuration and builds the process logger. A
// non-empty levelOverride replaces the configured log level.
func loadConfig(path, levelOverride string) (*config.Config, *slog.Logger, error) {
	cfg, found, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if levelOverride != "" {
		cfg.LogLevel = levelOverride
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := config.NewLogger(os.Stderr, level, cfg.LogFormat)
	slog.SetDefault(logger)
	if found != "" {
		logger.Debug("config loaded", "path", found)
	} else {
		logger.Debug("no config file found, using defaults")
	}
	return cfg, logger, nil
}

// newApp opens the stores and loads the capability registry.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, pending: &focus.Pending{}}

	store, err := a.openFocusStore()
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store

	modules, err := a.modules()
	if err != nil {
		a.close()
		return nil, err
	}
	reg, report := capability.Load(ctx, capability.LoadOptions{
		Modules:    modules,
		SourceRoot: cfg.Capabilities.SourceRoot,
		Logger:     logger,
	})
	logger.Debug("capabilities available", "names", report.Loaded, "categories", reg.Categories())
	a.registry = reg
	return a, nil
}

func (a *app) openFocusStore() (focus.Store, error) {
	switch a.cfg.Focus.Backend {
	case "memory":
		return &focus.MemoryStore{}, nil
	case "sqlite":
		db, err := a.openDB(a.cfg.Focus.Path)
		if err != nil {
			return nil, fmt.Errorf("focus store: %w", err)
		}
		return focus.NewSQLiteStore(db, a.logger)
	default:
		return focus.NewFileStore(a.cfg.Focus.Path, a.logger), nil
	}
}

func (a *app) openDB(path string) (*sql.DB, error) {
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

// modules returns the capability modules in registration order: built-in
// tools for the enabled categories, then focus, then memory.
func (a *app) modules() ([]capability.Module, error) {
	var mods []capability.Module
	builtin := tools.Modules(tools.Config{
		Workspace:      a.cfg.Capabilities.Workspace,
		SearchEndpoint: a.cfg.Capabilities.SearchEndpoint,
		UserAgent:      a.cfg.Capabilities.UserAgent,
		ScriptTimeout:  a.cfg.Capabilities.ScriptTimeout,
		Logger:         a.logger,
	})
	enabled := a.cfg.Capabilities.Categories
	for _, m := range builtin {
		if len(enabled) == 0 || slices.Contains(enabled, m.Name()) {
			mods = append(mods, m)
		}
	}

	mods = append(mods, focus.Module(a.pending))

	if a.cfg.Memory.Path != "" {
		db, err := a.openDB(a.cfg.Memory.Path)
		if err != nil {
			return nil, fmt.Errorf("memory store: %w", err)
		}
		mem, err := memory.NewStore(db)
		if err != nil {
			return nil, fmt.Errorf("memory store: %w", err)
		}
		mods = append(mods, memory.Module(mem))
	}
	return mods, nil
}

// newClient builds the model client: logging outermost, then retries, then
// the per-attempt timeout.
func newClient(cfg *config.Config, logger *slog.Logger) (*unifiedllm.Client, error) {
	opts := []unifiedllm.GollmAdapterOption{
		unifiedllm.WithModel(cfg.Model.Name),
		unifiedllm.WithAPIKey(cfg.Model.APIKey),
	}
	if cfg.Model.MaxTokens > 0 {
		opts = append(opts, unifiedllm.WithMaxTokens(cfg.Model.MaxTokens))
	}
	if cfg.Model.Temperature != nil {
		opts = append(opts, unifiedllm.WithTemperature(*cfg.Model.Temperature))
	}
	adapter, err := unifiedllm.NewGollmAdapter(cfg.Model.Provider, opts...)
	if err != nil {
		return nil, err
	}

	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = cfg.Model.MaxRetries
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying model call", "attempt", attempt, "delay", delay.Round(time.Millisecond), "error", err)
	}
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.Model.Provider, adapter),
		unifiedllm.WithDefaultProvider(cfg.Model.Provider),
		unifiedllm.WithMiddleware(
			unifiedllm.LoggingMiddleware(logger),
			unifiedllm.RetryMiddleware(policy),
			unifiedllm.TimeoutMiddleware(cfg.Model.RequestTimeout),
		),
	), nil
}

// newPipeline wires a pipeline around the app's registry and stores.
func (a *app) newPipeline(client unifiedllm.Completer) *agentloop.Pipeline {
	ac := a.cfg.AgentConfig()
	dispatcher := capability.NewDispatcher(a.registry,
		capability.WithCallTimeout(a.cfg.Pipeline.CapabilityTimeout),
		capability.WithLogger(a.logger),
	)
	return agentloop.NewPipeline(client, a.registry, a.store, &ac,
		agentloop.WithLogger(a.logger),
		agentloop.WithPending(a.pending),
		agentloop.WithDispatcher(dispatcher),
	)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
