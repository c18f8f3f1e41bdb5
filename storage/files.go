package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SaveFileMetadata inserts a new file metadata row.
func (s *Store) SaveFileMetadata(file FileMetadata) error {
	if file.Filename == "" {
		return errors.New("filename is required")
	}
	if file.OriginalFilename == "" {
		return errors.New("original_filename is required")
	}
	if file.StoredPath == "" {
		return errors.New("stored_path is required")
	}
	if file.Checksum == "" {
		return errors.New("checksum is required")
	}
	if file.UploadedAt == 0 {
		file.UploadedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO files (
			filename,
			original_filename,
			stored_path,
			filesize,
			checksum,
			uploaded_by,
			uploaded_at,
			mime_type,
			is_safe,
			scan_reason,
			quarantined,
			transfer_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.Filename,
		file.OriginalFilename,
		file.StoredPath,
		file.Filesize,
		file.Checksum,
		file.UploadedBy,
		file.UploadedAt,
		nullString(file.MIMEType),
		boolToInt(file.IsSafe),
		nullString(file.ScanReason),
		boolToInt(file.Quarantined),
		nullString(file.TransferID),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert file metadata %q: %w", file.Filename, err)
	}

	return nil
}

// GetFileByName fetches file metadata by storage filename.
func (s *Store) GetFileByName(filename string) (*FileMetadata, error) {
	row := s.db.QueryRow(
		`SELECT
			filename,
			original_filename,
			stored_path,
			filesize,
			checksum,
			uploaded_by,
			uploaded_at,
			mime_type,
			is_safe,
			scan_reason,
			quarantined,
			transfer_id
		FROM files
		WHERE filename = ?`,
		filename,
	)

	file, err := scanFileMetadata(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file metadata %q: %w", filename, err)
	}

	return file, nil
}

// ListFiles returns all file records, newest first.
func (s *Store) ListFiles() ([]FileMetadata, error) {
	rows, err := s.db.Query(
		`SELECT
			filename,
			original_filename,
			stored_path,
			filesize,
			checksum,
			uploaded_by,
			uploaded_at,
			mime_type,
			is_safe,
			scan_reason,
			quarantined,
			transfer_id
		FROM files
		ORDER BY uploaded_at DESC, filename`,
	)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files := make([]FileMetadata, 0)
	for rows.Next() {
		file, scanErr := scanFileMetadata(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan file metadata row: %w", scanErr)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file metadata rows: %w", err)
	}
	return files, nil
}

// DeleteFile removes one file metadata row.
func (s *Store) DeleteFile(filename string) error {
	if filename == "" {
		return errors.New("filename is required")
	}

	res, err := s.db.Exec(`DELETE FROM files WHERE filename = ?`, filename)
	if err != nil {
		return fmt.Errorf("delete file metadata %q: %w", filename, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for file delete %q: %w", filename, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFileMetadata(row scanner) (*FileMetadata, error) {
	var (
		file       FileMetadata
		mimeType   sql.NullString
		scanReason sql.NullString
		transferID sql.NullString
		isSafe     int
		quarantine int
	)

	if err := row.Scan(
		&file.Filename,
		&file.OriginalFilename,
		&file.StoredPath,
		&file.Filesize,
		&file.Checksum,
		&file.UploadedBy,
		&file.UploadedAt,
		&mimeType,
		&isSafe,
		&scanReason,
		&quarantine,
		&transferID,
	); err != nil {
		return nil, err
	}

	file.MIMEType = stringValue(mimeType)
	file.ScanReason = stringValue(scanReason)
	file.TransferID = stringValue(transferID)
	file.IsSafe = isSafe != 0
	file.Quarantined = quarantine != 0

	return &file, nil
}
