package transfer

import (
	"errors"
	"fmt"
	"os"
)

var errDigestMismatch = errors.New("transfer: chunk digest mismatch")

// ChunkStore owns the write-ahead temp file for one in-flight transfer.
//
// The file is opened lazily on the first chunk so starting an upload does not
// need I/O to succeed before any data arrives. All methods assume the caller
// holds the owning transfer's lock.
type ChunkStore struct {
	path string
	file *os.File
}

func newChunkStore(path string) *ChunkStore {
	return &ChunkStore{path: path}
}

// Path returns the temp file location.
func (cs *ChunkStore) Path() string {
	return cs.path
}

func (cs *ChunkStore) open() error {
	if cs.file != nil {
		return nil
	}
	file, err := os.OpenFile(cs.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open temp file %q: %w", cs.path, err)
	}
	cs.file = file
	return nil
}

// WriteChunk verifies data against expectedDigest and, on match, commits it at
// offset. The digest is checked before any byte reaches the file so a corrupt
// chunk never pollutes the output.
func (cs *ChunkStore) WriteChunk(offset int64, data []byte, expectedDigest string) error {
	if SumBytes(data) != expectedDigest {
		return errDigestMismatch
	}
	if err := cs.open(); err != nil {
		return err
	}
	if _, err := cs.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write chunk at offset %d: %w", offset, err)
	}
	if err := cs.file.Sync(); err != nil {
		return fmt.Errorf("flush temp file: %w", err)
	}
	return nil
}

// Close releases the file handle. Safe to call on an already-closed store.
func (cs *ChunkStore) Close() error {
	if cs.file == nil {
		return nil
	}
	err := cs.file.Close()
	cs.file = nil
	if err != nil {
		return fmt.Errorf("close temp file %q: %w", cs.path, err)
	}
	return nil
}

// Remove closes the store and deletes the temp file if it exists.
func (cs *ChunkStore) Remove() error {
	_ = cs.Close()
	if err := os.Remove(cs.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove temp file %q: %w", cs.path, err)
	}
	return nil
}
