package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"meshval/internal/config"
	"meshval/internal/ctxlog"
	"meshval/internal/db"
	"meshval/internal/migrate"
)

// Workspace is an open state directory: its database, migrated, and the
// resolved config.
type Workspace struct {
	Path   string
	DB     *sql.DB
	Config *config.Config
}

// Overrides are settings given on the command line or through the
// environment. Zero values leave the config file's value in place.
type Overrides struct {
	MaxDepth  int
	Strict    bool
	Presets   []string
	JWTSecret string
	Addr      string
	LogLevel  string
	LogFormat string
}

// Apply copies non-zero overrides onto cfg.
func (o Overrides) Apply(cfg *config.Config) {
	if o.MaxDepth > 0 {
		cfg.Validation.MaxDepth = o.MaxDepth
	}
	if o.Strict {
		cfg.Validation.Strict = true
	}
	if len(o.Presets) > 0 {
		cfg.Validation.Presets = append(cfg.Validation.Presets, o.Presets...)
	}
	if o.JWTSecret != "" {
		cfg.Server.JWTSecret = o.JWTSecret
	}
	if o.Addr != "" {
		cfg.Server.Addr = o.Addr
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
}

// OpenWorkspace opens the database under path, applies pending migrations
// and resolves config. A missing config file yields the defaults.
func OpenWorkspace(ctx context.Context, path string, o Overrides) (*Workspace, error) {
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: path})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Apply(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		ctxlog.FromContext(ctx).Debug("applied migrations", "workspace", path, "migrations", applied)
	}
	return &Workspace{Path: path, DB: conn, Config: cfg}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// InitWorkspace creates the state directory and writes the default config.
// An existing config is kept unless force is set.
func InitWorkspace(path string, force bool) (string, error) {
	if _, err := db.EnsureWorkspace(path); err != nil {
		return "", err
	}
	cfgPath := config.Path(path)
	if _, err := os.Stat(cfgPath); err == nil && !force {
		return cfgPath, fmt.Errorf("%s already exists; use --force to overwrite", cfgPath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
		return "", err
	}
	return cfgPath, nil
}
