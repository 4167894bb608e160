package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nordiq/reportflow/internal/ai"
	"github.com/nordiq/reportflow/internal/config"
	"github.com/nordiq/reportflow/internal/expressions"
	"github.com/nordiq/reportflow/internal/logging"
	"github.com/nordiq/reportflow/internal/pipeline"
	"github.com/nordiq/reportflow/internal/progress"
	"github.com/nordiq/reportflow/internal/secrets"
	"github.com/nordiq/reportflow/internal/store"
	"github.com/nordiq/reportflow/internal/streaming"
)

// app holds the wired pipeline shared by the serve, express, and mcp
// commands. Everything hangs off one store and one event hub.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.LibSQLStore
	journal *store.Journal
	hub     *streaming.MemoryHub
	bus     *progress.Bus
	runner  *pipeline.Runner
	dedup   *pipeline.Deduplicator
	orch    *pipeline.Orchestrator
	pool    *pipeline.WorkerPool
}

func openApp(ctx context.Context) (*app, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}

	apiKey, err := resolveAPIKey(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	gen := ai.NewClient(cfg.Model, apiKey, logger)

	cel, err := expressions.NewCELEngine()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("building filter engine: %w", err)
	}
	hub := streaming.NewMemoryHub(cel)
	bus := progress.NewBus(hub, logger, progress.WithRetention(cfg.RetentionWindow))

	runner, err := pipeline.NewRunner(st, gen, bus, hub, logger,
		pipeline.WithCallTimeout(cfg.StageCallTimeout))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("building runner: %w", err)
	}

	dedup := pipeline.NewDeduplicator(cfg.DedupTimeout)
	orch := pipeline.NewOrchestrator(runner, dedup, st, hub, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		journal: store.NewJournal(st),
		hub:     hub,
		bus:     bus,
		runner:  runner,
		dedup:   dedup,
		orch:    orch,
		pool:    pipeline.NewWorkerPool(cfg.PoolSize),
	}, nil
}

func (a *app) Close() error {
	a.pool.Shutdown()
	return a.store.Close()
}

// resolveAPIKey pulls the AI provider key from the vault when a secret_ref
// is configured, otherwise falls back to the environment.
func resolveAPIKey(ctx context.Context, cfg config.Config, st secrets.SecretStore) (string, error) {
	if cfg.Model.SecretRef == "" {
		return os.Getenv("REPORTFLOW_API_KEY"), nil
	}
	if cfg.Vault.Passphrase == "" {
		return "", fmt.Errorf("model.secret_ref is set but vault.passphrase is not configured")
	}
	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: cfg.Vault.Passphrase,
		Salt:       []byte(cfg.Vault.Salt),
	})
	if err != nil {
		return "", fmt.Errorf("opening vault: %w", err)
	}
	key, err := secrets.ResolveString(ctx, vault, cfg.Model.SecretRef)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", cfg.Model.SecretRef, err)
	}
	return key, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	if verbose {
		lvl = slog.LevelDebug
	} else {
		switch level {
		case "debug":
			lvl = slog.LevelDebug
		case "warn":
			lvl = slog.LevelWarn
		case "error":
			lvl = slog.LevelError
		}
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
