package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	defaultDBName = "taskboard.db"
)

type Config struct {
	Driver string
	// DSN is used verbatim for mysql. For sqlite it overrides Path.
	DSN string
	// Path is the sqlite database file; defaults to ./.taskboard/taskboard.db.
	Path string
}

func (c Config) driver() string {
	if c.Driver == "" {
		return DriverSQLite
	}
	return c.Driver
}

// DefaultPath returns the sqlite file used when no path is configured.
func DefaultPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".taskboard", defaultDBName)
}

// Open opens the configured store and returns the driver name for migrations.
func Open(cfg Config) (*sql.DB, string, error) {
	switch cfg.driver() {
	case DriverSQLite:
		conn, err := openSQLite(cfg)
		return conn, DriverSQLite, err
	case DriverMySQL:
		conn, err := openMySQL(cfg)
		return conn, DriverMySQL, err
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openSQLite(cfg Config) (*sql.DB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		path := cfg.Path
		if path == "" {
			path = DefaultPath(".")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		// immediate transactions make concurrent writers queue on busy_timeout
		// instead of failing when a read lock is upgraded.
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	}
	return sql.Open("sqlite", dsn)
}

func openMySQL(cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required for mysql")
	}
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	// migrations are applied as multi-statement scripts
	mc.MultiStatements = true
	conn, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return conn, nil
}

const retryMaxElapsed = 5 * time.Second

func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// IsRetryable reports whether err is transient store contention or a dropped
// connection, i.e. the operation never took effect and can be re-run.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		// 1205 lock wait timeout, 1213 deadlock
		return me.Number == 1205 || me.Number == 1213
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"database is locked",
		"sqlite_busy",
		"driver: bad connection",
		"connection reset",
		"broken pipe",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// WithRetry runs op, re-running it with exponential backoff while it fails
// with a retryable error. op must be safe to repeat: it has to own its
// transaction so a failed attempt leaves nothing behind.
func WithRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && IsRetryable(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(newRetryBackoff(), ctx))
}
