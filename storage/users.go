package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreateUser inserts a new credential record.
func (s *Store) CreateUser(user User) error {
	if user.Username == "" {
		return errors.New("username is required")
	}
	if user.PasswordHash == "" {
		return errors.New("password_hash is required")
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	if err := validateRole(user.Role); err != nil {
		return err
	}
	if user.CreatedAt == 0 {
		user.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO users (username, password_hash, role, created_at)
		VALUES (?, ?, ?, ?)`,
		user.Username,
		user.PasswordHash,
		user.Role,
		user.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert user %q: %w", user.Username, err)
	}

	return nil
}

// GetUser fetches one credential record by username.
func (s *Store) GetUser(username string) (*User, error) {
	row := s.db.QueryRow(
		`SELECT username, password_hash, role, created_at
		FROM users
		WHERE username = ?`,
		username,
	)

	var user User
	if err := row.Scan(&user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}

	return &user, nil
}

// CountUsers returns the number of credential records.
func (s *Store) CountUsers() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}
