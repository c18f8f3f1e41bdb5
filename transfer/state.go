package transfer

import (
	"fmt"
	"time"
)

const (
	// ChunkSize is the fixed chunk size in bytes, shared by both peers.
	ChunkSize = 4096
	// MaxRetries bounds consecutive failures per chunk index before the
	// whole transfer is failed.
	MaxRetries = 3
)

// Status is the lifecycle state of one transfer.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// terminal reports whether a status is a sink: no transition leaves it.
func (s Status) terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TransferState tracks one in-flight upload. It is owned exclusively by its
// registry entry; every mutation happens under that entry's lock.
type TransferState struct {
	ID        string
	Filename  string
	TotalSize int64
	Sender    string

	status         Status
	receivedSize   int64
	chunksReceived int
	chunkHashes    map[int]string
	retries        map[int]int
	errorText      string

	startTime      time.Time
	lastUpdateTime time.Time

	store      *ChunkStore
	fileDigest *Digest

	// nextIndex and inOrder track whether chunks were accepted in index
	// order. The running digest is only authoritative when they were; the
	// finalizer re-hashes the stored file otherwise.
	nextIndex int
	inOrder   bool
}

func newTransferState(id, filename string, totalSize int64, sender, tempPath string) *TransferState {
	now := time.Now()
	return &TransferState{
		ID:             id,
		Filename:       filename,
		TotalSize:      totalSize,
		Sender:         sender,
		status:         StatusPending,
		chunkHashes:    make(map[int]string),
		retries:        make(map[int]int),
		startTime:      now,
		lastUpdateTime: now,
		store:          newChunkStore(tempPath),
		fileDigest:     NewDigest(),
		inOrder:        true,
	}
}

// Status returns the current lifecycle state.
func (ts *TransferState) Status() Status {
	return ts.status
}

// acceptChunk applies one chunk write. Caller holds the entry lock.
//
// Return values by case:
//   - accepted (including an idempotent re-send of an already-accepted index
//     with an identical digest): nil error.
//   - retryable failure with retries remaining: *ChunkError.
//   - retry exhaustion: the transfer is marked failed, temp resources are
//     released, and a *TransferFailedError names the offending index. The
//     caller must remove the registry entry.
func (ts *TransferState) acceptChunk(index int, data []byte, expectedDigest string) error {
	if prior, ok := ts.chunkHashes[index]; ok && prior == expectedDigest {
		// Idempotent re-send. No write, no counter change.
		return nil
	}

	// A chunk is written at index*ChunkSize; an oversized one would bleed
	// into the next chunk's slot.
	if len(data) > ChunkSize {
		return ts.retryableFailure(index, fmt.Sprintf("chunk of %d bytes exceeds %d byte limit", len(data), ChunkSize))
	}

	err := ts.store.WriteChunk(int64(index)*ChunkSize, data, expectedDigest)
	if err != nil {
		reason := "write failed"
		if err == errDigestMismatch {
			reason = "chunk digest mismatch"
		}
		return ts.retryableFailure(index, reason)
	}

	ts.receivedSize += int64(len(data))
	ts.chunksReceived++
	ts.chunkHashes[index] = expectedDigest
	if index == ts.nextIndex {
		ts.nextIndex++
	} else {
		ts.inOrder = false
	}
	ts.fileDigest.Write(data)
	ts.lastUpdateTime = time.Now()
	ts.status = StatusInProgress
	return nil
}

// retryableFailure counts one failed attempt on index, returning a
// *ChunkError while retries remain and failing the transfer otherwise.
func (ts *TransferState) retryableFailure(index int, reason string) error {
	ts.retries[index]++
	if ts.retries[index] >= MaxRetries {
		return ts.failChunk(index)
	}
	return &ChunkError{
		TransferID: ts.ID,
		Index:      index,
		Attempt:    ts.retries[index],
		Reason:     reason,
	}
}

// failChunk moves the transfer to Failed after retry exhaustion on index.
func (ts *TransferState) failChunk(index int) error {
	ts.status = StatusFailed
	ts.errorText = "retry limit exceeded"
	_ = ts.store.Remove()
	return &TransferFailedError{
		TransferID: ts.ID,
		Index:      index,
		Reason:     "retry limit exceeded",
	}
}

// Progress is a snapshot of transfer state for acks and listing.
type Progress struct {
	TransferID     string  `json:"transfer_id"`
	Filename       string  `json:"filename"`
	TotalSize      int64   `json:"total_size"`
	ReceivedSize   int64   `json:"received_size"`
	Percent        float64 `json:"percent"`
	ElapsedSeconds float64 `json:"elapsed"`
	BytesPerSecond float64 `json:"speed"`
	ChunksReceived int     `json:"chunks_received"`
	Complete       bool    `json:"complete"`
	Failed         bool    `json:"failed"`
	Error          string  `json:"error,omitempty"`
}

// progress builds a snapshot. Caller holds the entry lock.
func (ts *TransferState) progress() Progress {
	elapsed := time.Since(ts.startTime).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(ts.receivedSize) / elapsed
	}
	var percent float64
	if ts.TotalSize > 0 {
		percent = float64(ts.receivedSize) / float64(ts.TotalSize) * 100
	}
	return Progress{
		TransferID:     ts.ID,
		Filename:       ts.Filename,
		TotalSize:      ts.TotalSize,
		ReceivedSize:   ts.receivedSize,
		Percent:        percent,
		ElapsedSeconds: elapsed,
		BytesPerSecond: speed,
		ChunksReceived: ts.chunksReceived,
		Complete:       ts.status == StatusComplete,
		Failed:         ts.status == StatusFailed,
		Error:          ts.errorText,
	}
}
