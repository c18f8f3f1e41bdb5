package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrTransferNotFound indicates an unknown or already-removed transfer ID.
	ErrTransferNotFound = errors.New("transfer: transfer not found")
	// ErrNotOwner indicates the caller does not own the transfer.
	ErrNotOwner = errors.New("transfer: transfer owned by another peer")
	// ErrFileNotFound indicates a download request for an absent file.
	ErrFileNotFound = errors.New("transfer: file not found")
	// ErrFileUnavailable indicates a file excluded from download by its scan verdict.
	ErrFileUnavailable = errors.New("transfer: file unavailable")
	// ErrSizeMismatch indicates the realized size differed from the announced total at finalize.
	ErrSizeMismatch = errors.New("transfer: received size does not match announced total")
	// ErrTransferExists indicates a transfer ID collision at creation time.
	ErrTransferExists = errors.New("transfer: transfer id already registered")
)

// ChunkError is a retryable, chunk-local failure. The same index may be
// retried until MaxRetries consecutive failures, after which the whole
// transfer fails with a TransferFailedError.
type ChunkError struct {
	TransferID string
	Index      int
	Attempt    int
	Reason     string
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("transfer %s: chunk %d attempt %d: %s", e.TransferID, e.Index, e.Attempt, e.Reason)
}

// TransferFailedError is a fatal, transfer-local failure: retry exhaustion on
// one chunk index or a failed finalize step. The transfer's temp resources are
// released and its registry entry removed before this error is returned.
type TransferFailedError struct {
	TransferID string
	// Index is the offending chunk index for retry exhaustion, -1 otherwise.
	Index  int
	Reason string
	Err    error
}

func (e *TransferFailedError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("transfer %s failed: chunk %d: %s", e.TransferID, e.Index, e.Reason)
	}
	return fmt.Sprintf("transfer %s failed: %s", e.TransferID, e.Reason)
}

func (e *TransferFailedError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a chunk-local failure the peer should
// retry, as opposed to a fatal or client error.
func IsRetryable(err error) bool {
	var chunkErr *ChunkError
	return errors.As(err, &chunkErr)
}
