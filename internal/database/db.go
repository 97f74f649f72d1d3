package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the database connection and provides access to repositories.
type DB struct {
	conn *sql.DB

	Items   *ItemRepository
	Queue   *QueueRepository
	History *HistoryRepository
	Stats   *StatsRepository
	Config  *ConfigRepository
}

// Config holds database configuration.
type Config struct {
	DatabasePath string
}

// New opens the database, applies pragmas tuned for a single writer with
// many concurrent readers, and runs pending migrations.
func New(cfg Config) (*DB, error) {
	connString := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000&_foreign_keys=on&_txlock=immediate", cfg.DatabasePath)

	conn, err := sql.Open("sqlite3", connString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxIdleTime(45 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA wal_autocheckpoint = 1000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{
		conn:    conn,
		Items:   &ItemRepository{db: conn},
		Queue:   &QueueRepository{db: conn},
		History: &HistoryRepository{db: conn},
		Stats:   &StatsRepository{db: conn},
		Config:  &ConfigRepository{db: conn},
	}, nil
}

func runMigrations(conn *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(conn, "migrations")
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Connection returns the raw *sql.DB, for callers outside the typed
// repositories (e.g. the config key/value table).
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on any returned error or propagated panic. Since the DSN
// sets _txlock=immediate, every transaction acquires SQLite's write lock up
// front rather than on first write, which is what lets a read-then-write
// sequence (claim-next-queue-item, atomic promotion) avoid SQLITE_BUSY
// against the queue worker's own writes.
func WithTransaction(conn *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}
