package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/loader"
	"github.com/rendis/stepflow/internal/plugins"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/secrets"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
)

// app is the wired set of components behind every subcommand.
type app struct {
	cfg       Config
	logger    *slog.Logger
	hub       *streaming.MemoryHub
	store     *store.LibSQLStore // nil when DBPath is empty
	vault     *secrets.AESVault  // nil without a store and STEPFLOW_VAULT_KEY
	events    *store.EventLog
	engine    *engine.Engine
	actions   *actions.Registry
	loader    *loader.Loader
	plugins   *plugins.Manager
	scheduler *scheduler.Scheduler
	schedules map[string]string
}

// newApp wires the engine, actions, plugins, loader and optional archive.
// The returned app owns the store and plugin processes; call close when done.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		hub:       streaming.NewMemoryHub(256),
		actions:   actions.NewRegistry(),
		schedules: make(map[string]string),
	}

	var archive engine.RunArchive
	if cfg.DBPath != "" {
		st, err := openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.events = store.NewEventLog(st)
		archive = st
	}

	a.engine = engine.New(engine.Config{
		HistoryCapacity: cfg.HistoryCapacity,
		PoolSize:        cfg.PoolSize,
		Logger:          logger,
		Hub:             a.hub,
		Archive:         archive,
	})

	ld, err := loader.New(a.actions, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.loader = ld

	if a.store != nil && cfg.VaultKey != "" {
		v, err := openVault(cfg, a.store)
		if err != nil {
			a.close()
			return nil, err
		}
		a.vault = v
		ld.UseSecrets(v)
	}

	if err := actions.RegisterBuiltins(a.actions, actions.BuiltinDeps{
		Logger:    logger,
		Validator: ld.Schema(),
		Runner:    a.engine,
		Hub:       a.hub,
		HTTP:      cfg.httpConfig(),
		Shell:     cfg.shellConfig(),
		FS:        cfg.fsConfig(),
	}); err != nil {
		a.close()
		return nil, err
	}

	// Plugin actions must exist before definitions referencing them load.
	a.plugins = plugins.NewManager(a.actions, plugins.Options{Logger: logger, Version: version})
	if err := a.plugins.LoadAll(ctx, cfg.Plugins); err != nil {
		logger.Error("plugin load failed", slog.String("error", err.Error()))
	}

	a.scheduler = scheduler.New(a.engine, scheduler.Options{
		Interval: cfg.schedulerInterval(),
		Logger:   logger,
	})
	return a, nil
}

func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func openVault(cfg Config, st secrets.SecretStore) (*secrets.AESVault, error) {
	salt, err := secrets.LoadOrCreateSalt(cfg.saltPath())
	if err != nil {
		return nil, err
	}
	return secrets.NewAESVault(st, secrets.VaultConfig{Passphrase: cfg.VaultKey, Salt: salt})
}

// loadWorkflows registers every definition under WorkflowsDir. A missing
// directory is not an error.
func (a *app) loadWorkflows() error {
	if _, err := os.Stat(a.cfg.WorkflowsDir); errors.Is(err, os.ErrNotExist) {
		a.logger.Info("workflows dir not found, starting empty", slog.String("dir", a.cfg.WorkflowsDir))
		return nil
	}
	loaded, err := a.loader.LoadDir(a.cfg.WorkflowsDir)
	if err != nil {
		return err
	}
	for _, l := range loaded {
		if err := a.register(l); err != nil {
			return err
		}
	}
	a.logger.Info("workflows loaded", slog.Int("count", len(loaded)), slog.String("dir", a.cfg.WorkflowsDir))
	return nil
}

func (a *app) register(l *loader.Loaded) error {
	if err := a.engine.Register(l.Definition); err != nil {
		return err
	}
	if l.Schedule != "" {
		a.schedules[l.Definition.Name] = l.Schedule
	}
	return nil
}

// startBackground starts the event recorder, the scheduler and the archive
// pruner. They stop when ctx is cancelled.
func (a *app) startBackground(ctx context.Context) error {
	if a.events != nil {
		go func() {
			if err := a.events.Record(ctx, a.hub, a.logger); err != nil {
				a.logger.Error("event recorder stopped", slog.String("error", err.Error()))
			}
		}()
	}

	for name, expr := range a.schedules {
		if _, err := a.scheduler.Add(name, expr, nil); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	if a.store != nil && a.cfg.retention() > 0 {
		go a.pruneLoop(ctx, a.cfg.retention())
	}
	return nil
}

func (a *app) pruneLoop(ctx context.Context, keep time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := a.store.PruneRuns(ctx, time.Now().Add(-keep))
		if err != nil {
			a.logger.Error("prune archive failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.Info("archive pruned", slog.Int64("runs", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.plugins != nil {
		if err := a.plugins.StopAll(); err != nil {
			a.logger.Error("stop plugins", slog.String("error", err.Error()))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", slog.String("error", err.Error()))
		}
	}
}
