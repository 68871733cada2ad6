// Package app wires the application graph: database, stores, bus, executor,
// engine, and manager, from one Config.
package app

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"specforge/internal/config"
	"specforge/internal/db"
	"specforge/internal/engine"
	"specforge/internal/eventbus"
	"specforge/internal/executor"
	"specforge/internal/manager"
	"specforge/internal/migrate"
	"specforge/internal/repo"
	"specforge/internal/specstore"
)

// App holds the wired components for one workspace.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Repo    repo.Repo
	Specs   *specstore.Store
	Bus     *eventbus.Bus
	Engine  *engine.Engine
	Manager *manager.Manager
	Log     *zap.Logger
}

// Open builds the full graph for a workspace, applying pending migrations.
func Open(workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	return FromConfig(cfg)
}

// FromConfig builds the graph from an already-loaded config.
func FromConfig(cfg *config.Config) (*App, error) {
	log, err := newLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	exec, err := newExecutor(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	phaseTimeout, err := cfg.PhaseTimeout()
	if err != nil {
		conn.Close()
		return nil, err
	}

	r := repo.Repo{DB: conn}
	specs := specstore.New(cfg.ProjectsDir())
	bus := eventbus.New()
	eng := &engine.Engine{
		Repo:         r,
		Specs:        specs,
		Bus:          bus,
		Exec:         exec,
		Models:       cfg.Executor.Models,
		Log:          log,
		ContextLimit: cfg.Workflow.ContextLimit,
		PhaseTimeout: phaseTimeout,
	}
	mgr := manager.New(eng, r)
	mgr.Log = log

	return &App{
		Config:  cfg,
		DB:      conn,
		Repo:    r,
		Specs:   specs,
		Bus:     bus,
		Engine:  eng,
		Manager: mgr,
		Log:     log,
	}, nil
}

// Close releases the database handle and flushes the logger.
func (a *App) Close() error {
	if a.Log != nil {
		_ = a.Log.Sync()
	}
	return a.DB.Close()
}

func newExecutor(cfg *config.Config) (executor.Executor, error) {
	switch cfg.Executor.Provider {
	case "stub":
		return executor.Stub{}, nil
	case "anthropic", "":
		return executor.NewAnthropic(cfg.Executor.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown executor provider %q", cfg.Executor.Provider)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}
