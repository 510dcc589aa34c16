// Package database provides PostgreSQL connection management via pgx and a
// database/sql handle shared by the SQL-backed stores (pgx stdlib or SQLite).
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite" // driver: sqlite
)

// Dialect names the SQL flavour behind a *sql.DB.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB wraps a pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// ParseURL validates a PostgreSQL connection URL.
func ParseURL(url string) (*pgxpool.Config, error) {
	if url == "" {
		return nil, fmt.Errorf("database URL is empty")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	return cfg, nil
}

// New creates a new database connection pool.
func New(ctx context.Context, url string, maxConns, minConns int) (*DB, error) {
	cfg, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = int32(minConns)
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// SQL returns a database/sql handle backed by the pool.
func (db *DB) SQL() *sql.DB {
	return stdlib.OpenDBFromPool(db.Pool)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// OpenSQLite opens a SQLite database. Foreign keys are enforced and write
// transactions take the database lock at BEGIN, so a read-modify-write inside
// one transaction cannot interleave with another writer.
func OpenSQLite(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite DSN is empty")
	}
	dsn = sqliteDSN(dsn)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}
	return db, nil
}

func sqliteDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") && !strings.HasPrefix(dsn, ":memory:") {
		dsn = "file:" + dsn
	}
	params := []string{}
	if !strings.Contains(dsn, "foreign_keys") {
		params = append(params, "_pragma=foreign_keys(1)")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// WithTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise, including when ctx is cancelled first.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	var stmts []string
	switch dialect {
	case DialectPostgres:
		stmts = schemaPostgres
	case DialectSQLite:
		stmts = schemaSQLite
	default:
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Timestamps are stored as unix milliseconds so both dialects share one scan path.
var schemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS lessons (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS backgrounds (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  image TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS frames (
  id TEXT PRIMARY KEY,
  lesson_id TEXT NOT NULL REFERENCES lessons(id) ON DELETE CASCADE,
  name TEXT NOT NULL DEFAULT '',
  frame_type TEXT NOT NULL,
  background_id TEXT REFERENCES backgrounds(id) ON DELETE SET NULL,
  previous_frame_id TEXT UNIQUE REFERENCES frames(id) ON DELETE SET NULL,
  color TEXT NOT NULL DEFAULT '',
  width INTEGER NOT NULL DEFAULT 100,
  height INTEGER NOT NULL DEFAULT 100
)`,
	`CREATE INDEX IF NOT EXISTS idx_frames_lesson ON frames(lesson_id)`,
	`CREATE TABLE IF NOT EXISTS game_objects (
  id TEXT PRIMARY KEY,
  frame_id TEXT NOT NULL REFERENCES frames(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  image TEXT NOT NULL DEFAULT '',
  position INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS dialogues (
  id TEXT PRIMARY KEY,
  frame_id TEXT NOT NULL REFERENCES frames(id) ON DELETE CASCADE,
  game_object_id TEXT NOT NULL REFERENCES game_objects(id) ON DELETE CASCADE,
  text TEXT NOT NULL,
  position INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS quizzes (
  id TEXT PRIMARY KEY,
  frame_id TEXT NOT NULL UNIQUE REFERENCES frames(id) ON DELETE CASCADE,
  question TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS quiz_options (
  id TEXT PRIMARY KEY,
  quiz_id TEXT NOT NULL REFERENCES quizzes(id) ON DELETE CASCADE,
  text TEXT NOT NULL,
  is_correct INTEGER NOT NULL DEFAULT 0,
  explanation TEXT NOT NULL DEFAULT '',
  position INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS user_progress (
  user_id TEXT NOT NULL,
  lesson_id TEXT NOT NULL REFERENCES lessons(id) ON DELETE CASCADE,
  current_frame_id TEXT REFERENCES frames(id) ON DELETE SET NULL,
  score INTEGER NOT NULL DEFAULT 0 CHECK (score >= 0),
  started_at INTEGER NOT NULL,
  last_interaction INTEGER NOT NULL,
  PRIMARY KEY (user_id, lesson_id)
)`,
	`CREATE TABLE IF NOT EXISTS progress_completed_frames (
  user_id TEXT NOT NULL,
  lesson_id TEXT NOT NULL,
  frame_id TEXT NOT NULL REFERENCES frames(id) ON DELETE CASCADE,
  completed_at INTEGER NOT NULL,
  PRIMARY KEY (user_id, lesson_id, frame_id),
  FOREIGN KEY (user_id, lesson_id) REFERENCES user_progress(user_id, lesson_id) ON DELETE CASCADE
)`,
}

var schemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS lessons (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS backgrounds (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  image TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS frames (
  id TEXT PRIMARY KEY,
  lesson_id TEXT NOT NULL REFERENCES lessons(id) ON DELETE CASCADE,
  name TEXT NOT NULL DEFAULT '',
  frame_type TEXT NOT NULL,
  background_id TEXT REFERENCES backgrounds(id) ON DELETE SET NULL,
  previous_frame_id TEXT UNIQUE REFERENCES frames(id) ON DELETE SET NULL,
  color TEXT NOT NULL DEFAULT '',
  width INTEGER NOT NULL DEFAULT 100,
  height INTEGER NOT NULL DEFAULT 100
)`,
	`CREATE INDEX IF NOT EXISTS idx_frames_lesson ON frames(lesson_id)`,
	`CREATE TABLE IF NOT EXISTS game_objects (
  id TEXT PRIMARY KEY,
  frame_id TEXT NOT NULL REFERENCES frames(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  image TEXT NOT NULL DEFAULT '',
  position INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS dialogues (
  id TEXT PRIMARY KEY,
  frame_id TEXT NOT NULL REFERENCES frames(id) ON DELETE CASCADE,
  game_object_id TEXT NOT NULL REFERENCES game_objects(id) ON DELETE CASCADE,
  text TEXT NOT NULL,
  position INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS quizzes (
  id TEXT PRIMARY KEY,
  frame_id TEXT NOT NULL UNIQUE REFERENCES frames(id) ON DELETE CASCADE,
  question TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS quiz_options (
  id TEXT PRIMARY KEY,
  quiz_id TEXT NOT NULL REFERENCES quizzes(id) ON DELETE CASCADE,
  text TEXT NOT NULL,
  is_correct BOOLEAN NOT NULL DEFAULT FALSE,
  explanation TEXT NOT NULL DEFAULT '',
  position INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS user_progress (
  user_id TEXT NOT NULL,
  lesson_id TEXT NOT NULL REFERENCES lessons(id) ON DELETE CASCADE,
  current_frame_id TEXT REFERENCES frames(id) ON DELETE SET NULL,
  score INTEGER NOT NULL DEFAULT 0 CHECK (score >= 0),
  started_at BIGINT NOT NULL,
  last_interaction BIGINT NOT NULL,
  PRIMARY KEY (user_id, lesson_id)
)`,
	`CREATE TABLE IF NOT EXISTS progress_completed_frames (
  user_id TEXT NOT NULL,
  lesson_id TEXT NOT NULL,
  frame_id TEXT NOT NULL REFERENCES frames(id) ON DELETE CASCADE,
  completed_at BIGINT NOT NULL,
  PRIMARY KEY (user_id, lesson_id, frame_id),
  FOREIGN KEY (user_id, lesson_id) REFERENCES user_progress(user_id, lesson_id) ON DELETE CASCADE
)`,
	`CREATE TABLE IF NOT EXISTS progress_events (
  id BIGSERIAL PRIMARY KEY,
  user_id TEXT NOT NULL,
  lesson_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  data JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_progress_events_lesson ON progress_events(lesson_id, created_at)`,
}
