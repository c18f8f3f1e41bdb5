package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"voidlink/storage"
)

// DownloadInfo describes an authorized download stream.
type DownloadInfo struct {
	TransferID    string
	Filename      string
	TotalSize     int64
	ChunkSize     int
	StartPosition int64
}

// senderPath is the read side: stored files are immutable once finalized, so
// downloads carry no retry state of their own.
type senderPath struct {
	store MetadataStore

	mu        sync.RWMutex
	downloads map[string]*downloadState
}

type downloadState struct {
	id        string
	filename  string
	path      string
	totalSize int64
}

func newSenderPath(store MetadataStore) *senderPath {
	return &senderPath{
		store:     store,
		downloads: make(map[string]*downloadState),
	}
}

// StartDownload authorizes a download of a stored file. Absent, quarantined
// and scan-flagged files are refused.
func (e *Engine) StartDownload(filename string, startPosition int64) (*DownloadInfo, error) {
	if startPosition < 0 {
		return nil, fmt.Errorf("transfer: invalid start position %d", startPosition)
	}

	meta, err := e.cfg.Store.GetFileByName(filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	if meta.Quarantined {
		return nil, fmt.Errorf("%w: file is quarantined", ErrFileUnavailable)
	}
	if !meta.IsSafe {
		reason := meta.ScanReason
		if reason == "" {
			reason = "failed security scan"
		}
		return nil, fmt.Errorf("%w: %s", ErrFileUnavailable, reason)
	}

	info, err := os.Stat(meta.StoredPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("stat stored file %q: %w", meta.StoredPath, err)
	}

	state := &downloadState{
		id:        fmt.Sprintf("download_%s_%d_%s", meta.Filename, time.Now().Unix(), uuid.NewString()[:8]),
		filename:  meta.Filename,
		path:      meta.StoredPath,
		totalSize: info.Size(),
	}

	e.sender.mu.Lock()
	e.sender.downloads[state.id] = state
	e.sender.mu.Unlock()

	return &DownloadInfo{
		TransferID:    state.id,
		Filename:      state.filename,
		TotalSize:     state.totalSize,
		ChunkSize:     ChunkSize,
		StartPosition: startPosition,
	}, nil
}

// SendChunk reads the chunk at index from the stored file and returns its
// bytes with their digest. io.EOF signals no bytes remain at that index; a
// short read is valid at end-of-file. On EOF the download entry is dropped.
func (e *Engine) SendChunk(transferID string, index int) ([]byte, string, error) {
	if index < 0 {
		return nil, "", fmt.Errorf("transfer: invalid chunk index %d", index)
	}

	e.sender.mu.RLock()
	state, ok := e.sender.downloads[transferID]
	e.sender.mu.RUnlock()
	if !ok {
		return nil, "", ErrTransferNotFound
	}

	file, err := os.Open(state.path)
	if err != nil {
		return nil, "", fmt.Errorf("open stored file %q: %w", state.path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	buf := make([]byte, ChunkSize)
	n, err := file.ReadAt(buf, int64(index)*ChunkSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, "", fmt.Errorf("read chunk %d of %q: %w", index, state.filename, err)
	}
	if n == 0 {
		e.CloseDownload(transferID)
		return nil, "", io.EOF
	}

	data := buf[:n]
	return data, SumBytes(data), nil
}

// CloseDownload drops a download entry. Safe for unknown IDs.
func (e *Engine) CloseDownload(transferID string) {
	e.sender.mu.Lock()
	delete(e.sender.downloads, transferID)
	e.sender.mu.Unlock()
}
