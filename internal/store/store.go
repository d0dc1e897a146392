// Package store provides read-only PostgreSQL access to the chat data the
// fan-out engine needs: chat membership, users, and workspaces. Writes
// happen in the chat server; this process only reads.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// User is a chat user row.
type User struct {
	ID        int64
	WsID      int64
	Fullname  string
	Email     string
	CreatedAt time.Time
}

// Workspace is a workspace row.
type Workspace struct {
	ID        int64
	Name      string
	OwnerID   int64
	CreatedAt time.Time
}

// Store manages read access to chat state in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection. A failure here is
// startup-fatal for the caller.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	return &Store{db: db}, nil
}

// ChatMembers returns the current member ids of a chat. A missing chat
// yields an empty set, not an error.
func (s *Store) ChatMembers(ctx context.Context, chatID int64) ([]int64, error) {
	const query = `
		SELECT members
		FROM chats
		WHERE id = $1`

	var members pq.Int64Array
	err := s.db.QueryRowContext(ctx, query, chatID).Scan(&members)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: chat members %d: %w", chatID, err)
	}
	return []int64(members), nil
}

// GetUser returns a user by id, or nil if not found.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	const query = `
		SELECT id, ws_id, fullname, email, created_at
		FROM users
		WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.WsID, &u.Fullname, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: user %d: %w", id, err)
	}
	return &u, nil
}

// GetWorkspace returns a workspace by id, or nil if not found.
func (s *Store) GetWorkspace(ctx context.Context, id int64) (*Workspace, error) {
	const query = `
		SELECT id, name, owner_id, created_at
		FROM workspaces
		WHERE id = $1`

	var ws Workspace
	err := s.db.QueryRowContext(ctx, query, id).Scan(&ws.ID, &ws.Name, &ws.OwnerID, &ws.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: workspace %d: %w", id, err)
	}
	return &ws, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
