package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
	"github.com/chipside6/flow-dialer-sub000/internal/dispatch"
	"github.com/chipside6/flow-dialer-sub000/internal/ports"
)

// Store is the MySQL-backed implementation of the port ledger, call history,
// contact queue, and job log
type Store struct {
	db *sql.DB
}

var (
	_ ports.Store            = (*Store)(nil)
	_ calls.Store            = (*Store)(nil)
	_ dispatch.ContactSource = (*Store)(nil)
	_ dispatch.JobStore      = (*Store)(nil)
)

// NewStore creates a store over an open connection
func NewStore(conn *Connection) *Store {
	return &Store{db: conn.DB}
}

// DB returns the underlying sql.DB
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- users ---

// CreateUser inserts a new API account
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role) VALUES (?, ?, ?)`,
		u.Username, u.PasswordHash, u.Role,
	)
	if err != nil {
		return fmt.Errorf("error creating user: %w", err)
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

// UserByUsername fetches an account for login
func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", username, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user: %w", err)
	}
	return &u, nil
}

// ListUsers returns all accounts
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error listing users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes an account
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("error deleting user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", id, ports.ErrNotFound)
	}
	return nil
}
