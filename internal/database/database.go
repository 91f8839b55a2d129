package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/occasionalert/occasion-alerts/pkg/config"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DB struct {
	*sql.DB
	Driver string
}

func New(cfg *config.Config) (*DB, error) {
	switch cfg.DatabaseDriver {
	case DriverPostgres:
		return OpenPostgres(cfg)
	case DriverSQLite:
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown database driver: %q", cfg.DatabaseDriver)
	}
}

func OpenPostgres(cfg *config.Config) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.Info("Database connection established")
	return &DB{DB: db, Driver: DriverPostgres}, nil
}

func OpenSQLite(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY between the sweep and API writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, Driver: DriverSQLite}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

func (db *DB) RunMigrations() error {
	var migrations []string
	switch db.Driver {
	case DriverPostgres:
		migrations = postgresMigrations
	case DriverSQLite:
		migrations = sqliteMigrations
	default:
		return fmt.Errorf("unknown database driver: %q", db.Driver)
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}

	logrus.Info("Database migrations completed successfully")
	return nil
}

var postgresMigrations = []string{
	`-- Users table
	CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		email VARCHAR(255) UNIQUE NOT NULL,
		username VARCHAR(255) NOT NULL,
		created TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);`,

	`-- Credits table: one balance row per user
	CREATE TABLE IF NOT EXISTS credits (
		id SERIAL PRIMARY KEY,
		user_id INTEGER UNIQUE NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		balance INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_credits_user ON credits(user_id);`,

	`-- Occasions table
	CREATE TABLE IF NOT EXISTS occasions (
		id SERIAL PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		label VARCHAR(255) NOT NULL,
		type VARCHAR(50) NOT NULL,
		tone VARCHAR(50) NOT NULL,
		recipient_email VARCHAR(255) NOT NULL,
		date TIMESTAMPTZ NOT NULL,
		custom_input TEXT NOT NULL DEFAULT '',
		created TIMESTAMPTZ NOT NULL,
		summary TEXT,
		date_processed TIMESTAMPTZ,
		is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
		is_draft BOOLEAN NOT NULL DEFAULT FALSE,
		is_processing BOOLEAN NOT NULL DEFAULT FALSE,
		claimed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_occasions_user ON occasions(user_id);
	CREATE INDEX IF NOT EXISTS idx_occasions_date ON occasions(date);
	CREATE INDEX IF NOT EXISTS idx_occasions_due ON occasions(is_draft, is_processing, date) WHERE date_processed IS NULL;`,

	`-- Email outbox table
	CREATE TABLE IF NOT EXISTS email_logs (
		id SERIAL PRIMARY KEY,
		user_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
		recipient_email VARCHAR(255) NOT NULL,
		email_type VARCHAR(50) NOT NULL,
		subject VARCHAR(500) NOT NULL,
		body_text TEXT NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		ses_message_id VARCHAR(255),
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		sent_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_email_logs_status ON email_logs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_email_logs_user ON email_logs(user_id);`,
}

// SQLite stores timestamps as RFC3339 TEXT in UTC; lexicographic order
// matches temporal order, so the due-predicate is a plain comparison.
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT UNIQUE NOT NULL,
		username TEXT NOT NULL,
		created TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS credits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER UNIQUE NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		balance INTEGER NOT NULL DEFAULT 0
	);`,

	`CREATE TABLE IF NOT EXISTS occasions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		type TEXT NOT NULL,
		tone TEXT NOT NULL,
		recipient_email TEXT NOT NULL,
		date TEXT NOT NULL,
		custom_input TEXT NOT NULL DEFAULT '',
		created TEXT NOT NULL,
		summary TEXT,
		date_processed TEXT,
		is_recurring INTEGER NOT NULL DEFAULT 0,
		is_draft INTEGER NOT NULL DEFAULT 0,
		is_processing INTEGER NOT NULL DEFAULT 0,
		claimed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_occasions_user ON occasions(user_id);
	CREATE INDEX IF NOT EXISTS idx_occasions_date ON occasions(date);`,

	`CREATE TABLE IF NOT EXISTS email_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
		recipient_email TEXT NOT NULL,
		email_type TEXT NOT NULL,
		subject TEXT NOT NULL,
		body_text TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		ses_message_id TEXT,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		sent_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_email_logs_status ON email_logs(status, created_at);`,
}
