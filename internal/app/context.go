package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"nexus/internal/config"
	"nexus/internal/db"
	"nexus/internal/engine"
	"nexus/internal/migrate"
)

// App bundles what a command needs to act on one workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *slog.Logger
}

// Open loads the workspace config (defaults when nexus.yml is absent),
// opens and migrates the database and builds the engine.
func Open(workspace string, logger *slog.Logger) (*App, error) {
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if secret := strings.TrimSpace(os.Getenv("NEXUS_JWT_SECRET")); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if logger == nil {
		logger = NewLogger(cfg.Log.Level)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if v, err := migrate.Version(conn); err == nil {
		logger.Debug("database ready", "path", db.Path(workspace), "schema", v)
	}
	eng := engine.New(conn, cfg, workspace).WithLogger(logger)
	return &App{Workspace: workspace, Config: cfg, DB: conn, Engine: eng, Logger: logger}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// NewLogger returns a text logger on stderr at the named level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
