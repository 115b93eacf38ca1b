package database

import (
	"database/sql"
	"errors"
	"strings"
)

// User is a portal account, referenced by messages through its id.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	Role         string
	PasswordHash string
	CreatedAt    int64
}

// CreateUser inserts a new user and returns its id.
func (db *DB) CreateUser(username, displayName, role, passwordHash string) (int64, error) {
	result, err := db.writeConn.Exec(`
		INSERT INTO User (username, display_name, role, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, username, displayName, role, passwordHash, nowMillis())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, ErrUsernameTaken
		}
		return 0, err
	}

	return result.LastInsertId()
}

// GetUserByID returns the user with the given id.
func (db *DB) GetUserByID(userID int64) (*User, error) {
	return db.scanUser(db.conn.QueryRow(`
		SELECT id, username, display_name, role, password_hash, created_at
		FROM User WHERE id = ?
	`, userID))
}

// GetUserByUsername returns the user with the given username.
func (db *DB) GetUserByUsername(username string) (*User, error) {
	return db.scanUser(db.conn.QueryRow(`
		SELECT id, username, display_name, role, password_hash, created_at
		FROM User WHERE username = ?
	`, username))
}

func (db *DB) scanUser(row *sql.Row) (*User, error) {
	user := &User{}
	err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.Role, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
