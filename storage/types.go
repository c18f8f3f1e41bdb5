package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAlreadyExists indicates a uniqueness conflict on insert.
	ErrAlreadyExists = errors.New("storage: record already exists")
)

const (
	// RoleAdmin marks an administrative account.
	RoleAdmin = "admin"
	// RoleUser marks a regular account.
	RoleUser = "user"
)

// FileMetadata is the durable record for one finalized file, keyed by the
// collision-disambiguated storage filename.
type FileMetadata struct {
	// Filename is the storage name under the durable files directory. It may
	// differ from OriginalFilename when a collision was disambiguated.
	Filename         string
	OriginalFilename string
	StoredPath       string
	Filesize         int64
	Checksum         string
	UploadedBy       string
	UploadedAt       int64
	MIMEType         string
	IsSafe           bool
	ScanReason       string
	Quarantined      bool
	TransferID       string
}

// User is one credential record.
type User struct {
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    int64
}

func validateRole(role string) error {
	switch role {
	case RoleAdmin, RoleUser:
		return nil
	default:
		return fmt.Errorf("invalid user role %q", role)
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func stringValue(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
