// Package app assembles the runtime from configuration: logger, telemetry,
// database, migrations and the engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"taskboard/internal/config"
	"taskboard/internal/db"
	"taskboard/internal/engine"
	"taskboard/internal/migrate"
	"taskboard/internal/telemetry"
)

const ServiceName = "taskboard"

// Version is stamped at build time.
var Version = "dev"

type App struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect string
	Engine  engine.Engine
	Logger  *log.Logger

	shutdownTelemetry telemetry.ShutdownFunc
}

// Open builds an App for workspace. The sqlite file defaults to the
// workspace's .taskboard directory.
func Open(ctx context.Context, cfg *config.Config, workspace string, logOut io.Writer) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logOut == nil {
		logOut = os.Stderr
	}
	logger := NewLogger(logOut, cfg.Log)

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled: cfg.Telemetry.Enabled,
		Stdout:  cfg.Telemetry.Stdout,
		Writer:  logOut,
	}, ServiceName, Version)
	if err != nil {
		return nil, err
	}

	dbCfg := db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Path: cfg.Database.Path}
	if dbCfg.Path == "" {
		dbCfg.Path = db.DefaultPath(workspace)
	}
	conn, dialect, err := db.Open(dbCfg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", "driver", dialect)

	return &App{
		Config:            cfg,
		DB:                conn,
		Dialect:           dialect,
		Engine:            engine.New(conn, dialect, logger),
		Logger:            logger,
		shutdownTelemetry: shutdown,
	}, nil
}

// Close flushes telemetry and closes the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.shutdownTelemetry != nil {
		errs = append(errs, a.shutdownTelemetry(ctx))
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from the log section.
func NewLogger(w io.Writer, cfg config.LogConfig) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:           ParseLogLevel(cfg.Level),
		Formatter:       parseLogFormatter(cfg.Format),
		ReportTimestamp: true,
		Prefix:          ServiceName,
	})
}

// ParseLogLevel maps a config level name to a log level; unknown names mean info.
func ParseLogLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func parseLogFormatter(format string) log.Formatter {
	switch format {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}
