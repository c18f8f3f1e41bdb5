// Package auth verifies peer credentials against the users table.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"voidlink/storage"
)

var (
	// ErrInvalidCredentials indicates an unknown user or wrong password.
	// Both collapse into one error so callers cannot probe for usernames.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrUserExists indicates a registration conflict.
	ErrUserExists = errors.New("auth: user already exists")
)

// UserStore is the credential backend. *storage.Store satisfies it.
type UserStore interface {
	CreateUser(user storage.User) error
	GetUser(username string) (*storage.User, error)
	CountUsers() (int, error)
}

// Authenticator checks and registers credentials.
type Authenticator struct {
	store UserStore
}

// New returns an Authenticator over the given credential backend.
func New(store UserStore) *Authenticator {
	return &Authenticator{store: store}
}

// Register creates a credential record with a bcrypt password hash.
func (a *Authenticator) Register(username, password, role string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New("auth: username is required")
	}
	if password == "" {
		return errors.New("auth: password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	err = a.store.CreateUser(storage.User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return ErrUserExists
	}
	return err
}

// Verify checks a username/password pair and returns the matching record.
func (a *Authenticator) Verify(username, password string) (*storage.User, error) {
	user, err := a.store.GetUser(strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// EnsureDefaultAdmin creates an initial admin account when the users table is
// empty, so a fresh server is reachable.
func (a *Authenticator) EnsureDefaultAdmin(username, password string) (created bool, err error) {
	count, err := a.store.CountUsers()
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	if err := a.Register(username, password, storage.RoleAdmin); err != nil {
		return false, err
	}
	return true, nil
}
