package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"metalwatch/internal/config"
)

var (
	// ErrNotConfigured indicates the storage handle was not initialised.
	ErrNotConfigured = errors.New("storage: database not configured")
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a state transition is not allowed.
	ErrConflict = errors.New("storage: conflicting state")
)

// Dialect selects SQL flavour differences.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store persists prices, history and the signal ledger.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		db, err = openSQLite(ctx, cfg)
		dialect = DialectSQLite
	case "postgres":
		db, err = openPostgres(cfg)
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := NewWithDB(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an already opened handle. Migrations are not applied.
func NewWithDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func openSQLite(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		path = "metalwatch.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection; also keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

func openPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	connConfig, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	db := stdlib.OpenDB(*connConfig)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dialect reports the active SQL flavour.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	stmts := sqliteSchema
	if s.dialect == DialectPostgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// q rewrites ? placeholders into the active dialect.
func (s *Store) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	return rebind(query)
}

func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS prices (
		symbol         TEXT PRIMARY KEY,
		bid            TEXT NOT NULL,
		ask            TEXT NOT NULL,
		mid            TEXT NOT NULL,
		previous_close TEXT,
		day_high       TEXT,
		day_low        TEXT,
		open_price     TEXT,
		change         TEXT,
		change_pct     TEXT,
		observed_at    INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol      TEXT NOT NULL,
		bid         TEXT NOT NULL,
		ask         TEXT NOT NULL,
		mid         TEXT NOT NULL,
		observed_at INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_symbol_ts ON price_history(symbol, observed_at)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id           TEXT PRIMARY KEY,
		symbol       TEXT NOT NULL,
		side         TEXT NOT NULL,
		entry_price  TEXT NOT NULL,
		quantity     TEXT NOT NULL,
		target_price TEXT,
		stop_loss    TEXT,
		status       TEXT NOT NULL,
		note         TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		triggered_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_symbol_status ON signals(symbol, status)`,
	`CREATE TABLE IF NOT EXISTS trade_history (
		id          TEXT PRIMARY KEY,
		signal_id   TEXT NOT NULL REFERENCES signals(id),
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		exit_price  TEXT NOT NULL,
		quantity    TEXT NOT NULL,
		pnl         TEXT NOT NULL,
		opened_at   INTEGER NOT NULL,
		closed_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_history_closed ON trade_history(closed_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS prices (
		symbol         TEXT PRIMARY KEY,
		bid            TEXT NOT NULL,
		ask            TEXT NOT NULL,
		mid            TEXT NOT NULL,
		previous_close TEXT,
		day_high       TEXT,
		day_low        TEXT,
		open_price     TEXT,
		change         TEXT,
		change_pct     TEXT,
		observed_at    BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id          BIGSERIAL PRIMARY KEY,
		symbol      TEXT NOT NULL,
		bid         TEXT NOT NULL,
		ask         TEXT NOT NULL,
		mid         TEXT NOT NULL,
		observed_at BIGINT NOT NULL,
		recorded_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_symbol_ts ON price_history(symbol, observed_at)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id           TEXT PRIMARY KEY,
		symbol       TEXT NOT NULL,
		side         TEXT NOT NULL,
		entry_price  TEXT NOT NULL,
		quantity     TEXT NOT NULL,
		target_price TEXT,
		stop_loss    TEXT,
		status       TEXT NOT NULL,
		note         TEXT NOT NULL DEFAULT '',
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL,
		triggered_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_symbol_status ON signals(symbol, status)`,
	`CREATE TABLE IF NOT EXISTS trade_history (
		id          TEXT PRIMARY KEY,
		signal_id   TEXT NOT NULL REFERENCES signals(id),
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		exit_price  TEXT NOT NULL,
		quantity    TEXT NOT NULL,
		pnl         TEXT NOT NULL,
		opened_at   BIGINT NOT NULL,
		closed_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_history_closed ON trade_history(closed_at)`,
}
