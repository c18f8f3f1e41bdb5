package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voidlink/storage"
)

// CompleteUpload promotes a fully-received transfer into the durable store:
// close the temp file, rename it into the files directory (disambiguating
// name collisions with a timestamp), run the security scan, quarantine an
// unsafe file, persist the metadata record and drop the registry entry.
//
// The registry entry is removed on every path, success or failure; a transfer
// cannot be resumed after a finalize attempt.
func (e *Engine) CompleteUpload(transferID, sender string) (*storage.FileMetadata, error) {
	ent, ok := e.registry.get(transferID)
	if !ok {
		return nil, ErrTransferNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	state := ent.state
	if state.Sender != sender {
		return nil, ErrNotOwner
	}
	if state.Status().terminal() {
		return nil, ErrTransferNotFound
	}

	defer e.registry.remove(transferID)

	meta, err := e.finalize(state)
	if err != nil {
		state.status = StatusFailed
		state.errorText = err.Error()
		return nil, err
	}

	state.status = StatusComplete
	return meta, nil
}

func (e *Engine) finalize(state *TransferState) (*storage.FileMetadata, error) {
	if err := state.store.Close(); err != nil {
		_ = state.store.Remove()
		return nil, &TransferFailedError{TransferID: state.ID, Index: -1, Reason: "close temp file", Err: err}
	}

	// The wire protocol allows a short-circuit "complete"; a size mismatch is
	// reported rather than silently finalizing a short file.
	if state.receivedSize != state.TotalSize {
		_ = state.store.Remove()
		return nil, &TransferFailedError{
			TransferID: state.ID,
			Index:      -1,
			Reason:     fmt.Sprintf("received %d of %d bytes", state.receivedSize, state.TotalSize),
			Err:        ErrSizeMismatch,
		}
	}

	// A zero-byte upload never touched the temp file; materialize it so the
	// rename below has a source.
	tempPath := state.store.Path()
	if _, err := os.Stat(tempPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, &TransferFailedError{TransferID: state.ID, Index: -1, Reason: "stat temp file", Err: err}
		}
		if err := os.WriteFile(tempPath, nil, 0o600); err != nil {
			return nil, &TransferFailedError{TransferID: state.ID, Index: -1, Reason: "create empty temp file", Err: err}
		}
	}

	storageName, destPath := e.destinationFor(state.Filename)
	if err := os.Rename(tempPath, destPath); err != nil {
		_ = state.store.Remove()
		return nil, &TransferFailedError{TransferID: state.ID, Index: -1, Reason: "move into durable store", Err: err}
	}

	// The running digest saw chunks in acceptance order; for an out-of-order
	// upload the content digest has to come from the assembled file.
	checksum := state.fileDigest.Sum()
	if !state.inOrder {
		fileSum, err := hashFile(destPath)
		if err != nil {
			return nil, &TransferFailedError{TransferID: state.ID, Index: -1, Reason: "hash stored file", Err: err}
		}
		checksum = fileSum
	}

	verdict := e.cfg.Scanner.Scan(destPath, state.Filename, state.receivedSize)

	storedPath := destPath
	quarantined := false
	if !verdict.IsSafe {
		quarantinePath := filepath.Join(e.cfg.QuarantineDir, storageName)
		if err := os.Rename(destPath, quarantinePath); err == nil {
			storedPath = quarantinePath
			quarantined = true
		}
		// On rename failure the file stays in place un-quarantined; the
		// unsafe verdict alone already blocks downloads.
	}

	meta := storage.FileMetadata{
		Filename:         storageName,
		OriginalFilename: state.Filename,
		StoredPath:       storedPath,
		Filesize:         state.receivedSize,
		Checksum:         checksum,
		UploadedBy:       state.Sender,
		UploadedAt:       time.Now().UnixMilli(),
		MIMEType:         verdict.MIMEType,
		IsSafe:           verdict.IsSafe,
		ScanReason:       verdict.Reason,
		Quarantined:      quarantined,
		TransferID:       state.ID,
	}

	if err := e.cfg.Store.SaveFileMetadata(meta); err != nil {
		return nil, &TransferFailedError{TransferID: state.ID, Index: -1, Reason: "persist file metadata", Err: err}
	}

	return &meta, nil
}

// destinationFor maps an original filename onto the durable store, appending
// a generation timestamp when the name is already taken. Storage names are a
// single namespace spanning the files and quarantine directories: a name held
// by a quarantined file counts as taken, so a later upload can never rename
// over quarantined content or collide on the metadata key.
func (e *Engine) destinationFor(filename string) (storageName, destPath string) {
	storageName = filepath.Base(filename)
	if e.storageNameTaken(storageName) {
		ext := filepath.Ext(storageName)
		name := strings.TrimSuffix(storageName, ext)
		storageName = fmt.Sprintf("%s_%d%s", name, time.Now().UnixNano(), ext)
	}
	destPath = filepath.Join(e.cfg.FilesDir, storageName)
	return storageName, destPath
}

func (e *Engine) storageNameTaken(name string) bool {
	for _, dir := range []string{e.cfg.FilesDir, e.cfg.QuarantineDir} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	digest := NewDigest()
	buf := make([]byte, ChunkSize)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
		}
		if err == io.EOF {
			return digest.Sum(), nil
		}
		if err != nil {
			return "", fmt.Errorf("read %q: %w", path, err)
		}
	}
}

// DeleteFile removes a stored file and its metadata record.
func (e *Engine) DeleteFile(filename string) error {
	meta, err := e.cfg.Store.GetFileByName(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(meta.StoredPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stored file %q: %w", meta.StoredPath, err)
	}
	return e.cfg.Store.DeleteFile(filename)
}
