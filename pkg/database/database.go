// Package database is the durable store for users and direct messages,
// backed by SQLite. Each operation uses its own short-lived statement; no
// transaction is held open across calls.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrSelfMessage indicates sender and receiver are the same user.
	ErrSelfMessage = errors.New("sender and receiver must differ")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers are fine in WAL mode; writes go through writeConn
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := configureConn(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Exactly one write connection, never recycled (SQLite limitation)
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := configureConn(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{conn: conn, writeConn: writeConn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// configureConn applies the pragmas every connection needs.
func configureConn(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- User table (owned by the portal; mirrored here for identity lookups)
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	role TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

-- Message table. Status only moves forward (sent -> delivered -> read);
-- delivered_at/read_at are written once and never cleared.
CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id INTEGER NOT NULL,
	receiver_id INTEGER NOT NULL,
	content TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'sent',
	sent_at INTEGER NOT NULL,
	delivered_at INTEGER,
	read_at INTEGER,
	FOREIGN KEY (sender_id) REFERENCES User(id),
	FOREIGN KEY (receiver_id) REFERENCES User(id),
	CHECK (sender_id != receiver_id)
);

CREATE INDEX IF NOT EXISTS idx_message_receiver_status ON Message(receiver_id, status);
CREATE INDEX IF NOT EXISTS idx_message_conversation ON Message(sender_id, receiver_id, id);
`

	_, err := db.writeConn.Exec(schema)
	return err
}

// nowMillis returns the current time in Unix milliseconds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
