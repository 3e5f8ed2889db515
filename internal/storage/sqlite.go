package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

type Store struct {
	DB *sqlx.DB
}

// Open opens/initializes SQLite database with WAL and foreign keys, then migrates schema.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serialises writers anyway, and this keeps our own
	// goroutines from tripping SQLITE_BUSY on each other. It also keeps
	// in-memory databases alive for the lifetime of the Store.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal (in-memory databases report "memory")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sqlx.DB) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL UNIQUE,
			api_id TEXT NOT NULL DEFAULT '',
			api_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'unauthenticated',
			daily_limit INTEGER NOT NULL DEFAULT 50 CHECK (daily_limit > 0),
			sent_today INTEGER NOT NULL DEFAULT 0 CHECK (sent_today >= 0),
			last_reset_date TEXT NOT NULL DEFAULT '',
			code_handle TEXT NOT NULL DEFAULT '',
			pending_code TEXT NOT NULL DEFAULT '',
			session TEXT NOT NULL DEFAULT '',
			cooldown_until TIMESTAMP,
			last_auth_attempt TIMESTAMP,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS contact_lists (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'processing',
			total_numbers INTEGER NOT NULL DEFAULT 0,
			verified_numbers INTEGER NOT NULL DEFAULT 0,
			reachable_numbers INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			list_id TEXT NOT NULL,
			phone TEXT NOT NULL,
			verified BOOLEAN NOT NULL DEFAULT 0,
			reachable BOOLEAN NOT NULL DEFAULT 0,
			checked_at TIMESTAMP,
			UNIQUE(list_id, phone),
			FOREIGN KEY(list_id) REFERENCES contact_lists(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			list_id TEXT NOT NULL,
			message TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft',
			total_targets INTEGER NOT NULL DEFAULT 0,
			sent INTEGER NOT NULL DEFAULT 0,
			delivered INTEGER NOT NULL DEFAULT 0,
			scheduled_for TIMESTAMP,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			CHECK (sent <= total_targets),
			CHECK (delivered <= sent),
			FOREIGN KEY(list_id) REFERENCES contact_lists(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS send_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			campaign_id TEXT NOT NULL,
			contact_id INTEGER NOT NULL,
			account_id TEXT,
			recipient TEXT NOT NULL,
			outcome TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			message_preview TEXT NOT NULL DEFAULT '',
			ts TIMESTAMP NOT NULL,
			UNIQUE(campaign_id, contact_id),
			FOREIGN KEY(campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE,
			FOREIGN KEY(contact_id) REFERENCES contacts(id) ON DELETE CASCADE,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE SET NULL
		);`,
		`CREATE TABLE IF NOT EXISTS activities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			description TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS incoming_messages (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			from_phone TEXT NOT NULL DEFAULT '',
			from_username TEXT NOT NULL DEFAULT '',
			from_first_name TEXT NOT NULL DEFAULT '',
			from_last_name TEXT NOT NULL DEFAULT '',
			message_text TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL DEFAULT 'text',
			chat_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			received_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(account_id, chat_id, message_id),
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_list_checked ON contacts(list_id, checked_at);`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_list_reachable ON contacts(list_id, reachable);`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);`,
		`CREATE INDEX IF NOT EXISTS idx_send_log_account_ts ON send_log(account_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_send_log_ts ON send_log(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_created ON activities(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_incoming_received ON incoming_messages(received_at);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Day formats t as the UTC calendar day used for quota accounting.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
