package transfer

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"voidlink/security"
	"voidlink/storage"
)

// MetadataStore is the durable metadata collection consumed by the engine.
// *storage.Store satisfies it.
type MetadataStore interface {
	SaveFileMetadata(file storage.FileMetadata) error
	GetFileByName(filename string) (*storage.FileMetadata, error)
	DeleteFile(filename string) error
}

// Scanner classifies a finalized file. *security.Scanner satisfies it.
type Scanner interface {
	Scan(path, filename string, size int64) security.Result
}

// Config wires the engine's directories and collaborators.
type Config struct {
	// FilesDir is the durable store for finalized files.
	FilesDir string
	// QuarantineDir receives files with an unsafe scan verdict.
	QuarantineDir string
	// TempDir holds in-flight transfer temp files.
	TempDir string

	Store   MetadataStore
	Scanner Scanner
}

// Engine is the resumable chunked file-transfer engine. One instance serves
// all connections; per-transfer mutual exclusion lives in the registry.
type Engine struct {
	cfg      Config
	registry *Registry
	sender   *senderPath
}

// NewEngine creates an engine over the given directories and collaborators.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.FilesDir == "" || cfg.QuarantineDir == "" || cfg.TempDir == "" {
		return nil, errors.New("transfer: files, quarantine and temp directories are required")
	}
	if cfg.Store == nil {
		return nil, errors.New("transfer: metadata store is required")
	}
	if cfg.Scanner == nil {
		return nil, errors.New("transfer: scanner is required")
	}
	return &Engine{
		cfg:      cfg,
		registry: NewRegistry(),
		sender:   newSenderPath(cfg.Store),
	}, nil
}

// StartUpload allocates a fresh transfer and returns its ID. No file I/O
// happens here; the temp file opens lazily on the first chunk.
func (e *Engine) StartUpload(filename string, totalSize int64, sender string) (string, error) {
	if filename == "" {
		return "", errors.New("transfer: filename is required")
	}
	if totalSize < 0 {
		return "", fmt.Errorf("transfer: invalid total size %d", totalSize)
	}

	// Sender, filename and timestamp make the ID traceable in logs; the
	// random suffix makes collisions astronomically unlikely rather than
	// impossible, so creation still checks.
	transferID := fmt.Sprintf("%s_%s_%d_%s",
		sender, filepath.Base(filename), time.Now().Unix(), uuid.NewString()[:8])
	tempPath := filepath.Join(e.cfg.TempDir, transferID+".part")

	state := newTransferState(transferID, filepath.Base(filename), totalSize, sender, tempPath)
	if err := e.registry.add(state); err != nil {
		return "", fmt.Errorf("register transfer %q: %w", transferID, err)
	}

	return transferID, nil
}

// HandleChunk verifies and commits one chunk under the transfer's lock.
//
// The returned Progress is valid for both success and the retryable-error
// case; errors follow the taxonomy in errors.go.
func (e *Engine) HandleChunk(transferID, sender string, index int, data []byte, chunkHash string) (Progress, error) {
	if index < 0 {
		return Progress{}, fmt.Errorf("transfer %s: invalid chunk index %d", transferID, index)
	}

	ent, ok := e.registry.get(transferID)
	if !ok {
		return Progress{}, ErrTransferNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	state := ent.state
	if state.Sender != sender {
		return Progress{}, ErrNotOwner
	}
	if state.Status().terminal() {
		return Progress{}, ErrTransferNotFound
	}

	err := state.acceptChunk(index, data, chunkHash)

	var failed *TransferFailedError
	if errors.As(err, &failed) {
		e.registry.remove(transferID)
	}

	return state.progress(), err
}

// CancelTransfer tears down a non-terminal transfer: the temp file is
// deleted and the registry entry removed. Always succeeds for a live entry.
func (e *Engine) CancelTransfer(transferID, sender string) error {
	ent, ok := e.registry.get(transferID)
	if !ok {
		return ErrTransferNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	state := ent.state
	if state.Sender != sender {
		return ErrNotOwner
	}
	if state.Status().terminal() {
		return ErrTransferNotFound
	}

	state.status = StatusCancelled
	state.errorText = "transfer cancelled"
	if err := state.store.Remove(); err != nil {
		// Entry still goes away; a stray temp file is the worst case.
		e.registry.remove(transferID)
		return err
	}
	e.registry.remove(transferID)
	return nil
}

// ActiveTransfers returns a progress snapshot per in-flight upload.
func (e *Engine) ActiveTransfers() map[string]Progress {
	return e.registry.snapshot()
}
