package app

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"venality/internal/config"
	"venality/internal/db"
	"venality/internal/engine"
	"venality/internal/migrate"
)

// Context bundles everything a command needs to run against a workspace:
// loaded config, an open migrated database and a wired engine.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Log       zerolog.Logger
}

// Options are the command-line overrides for workspace resolution.
type Options struct {
	Workspace  string
	ConfigPath string
	DBPath     string
}

// Resolve loads config and opens the workspace database, running pending
// migrations. Overrides win over the config file, which wins over the
// default workspace layout.
func Resolve(logger zerolog.Logger, opts Options) (*Context, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	var cfg *config.Config
	var err error
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load(workspace)
	}
	if err != nil {
		return nil, err
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = cfg.Service.DB
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: dbPath})
	if err != nil {
		return nil, err
	}
	if err := migrate.Run(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng.Log = logger
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    eng,
		Log:       logger,
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}

// InitWorkspace writes a default venality.yml and prepares the database. It
// scaffolds the workspace only; the registry itself is initialized later
// through the engine.
func InitWorkspace(workspace, admin string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	if admin == "" {
		admin = "overseer"
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("workspace already initialized: %s exists", path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(admin)), 0o644); err != nil {
		return "", err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if err := migrate.Run(conn); err != nil {
		return "", fmt.Errorf("migrate: %w", err)
	}
	return path, nil
}
