package transfer

import (
	"bytes"
	"errors"
	"os"
	"sync"
	"testing"
)

func TestUploadOutOfOrderChunks(t *testing.T) {
	engine := newTestEngine(t)

	content := []byte("helloworld")
	id, err := engine.StartUpload("hello.txt", int64(len(content)), "alice")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	// Index 1 then index 0.
	mustChunk(t, engine, id, "alice", 1, content[5:])
	progress := mustChunk(t, engine, id, "alice", 0, content[:5])

	if progress.ReceivedSize != 10 {
		t.Fatalf("expected received_size 10, got %d", progress.ReceivedSize)
	}
	if progress.ChunksReceived != 2 {
		t.Fatalf("expected 2 chunks received, got %d", progress.ChunksReceived)
	}

	meta, err := engine.CompleteUpload(id, "alice")
	if err != nil {
		t.Fatalf("CompleteUpload failed: %v", err)
	}
	if meta.Checksum != SumBytes(content) {
		t.Fatalf("checksum mismatch: got %s want %s", meta.Checksum, SumBytes(content))
	}

	stored, err := os.ReadFile(meta.StoredPath)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatalf("stored bytes differ: got %q want %q", stored, content)
	}
}

func TestIdempotentResubmission(t *testing.T) {
	engine := newTestEngine(t)

	data := []byte("same chunk")
	id, err := engine.StartUpload("idem.txt", int64(len(data)), "alice")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	first := mustChunk(t, engine, id, "alice", 0, data)
	second := mustChunk(t, engine, id, "alice", 0, data)

	if second.ReceivedSize != first.ReceivedSize {
		t.Fatalf("resubmission changed received_size: %d -> %d", first.ReceivedSize, second.ReceivedSize)
	}
	if second.ChunksReceived != first.ChunksReceived {
		t.Fatalf("resubmission changed chunks_received: %d -> %d", first.ChunksReceived, second.ChunksReceived)
	}
}

func TestWrongDigestExhaustsRetries(t *testing.T) {
	engine := newTestEngine(t)

	id, err := engine.StartUpload("bad.txt", 100, "alice")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	// Write one good chunk first so a temp file exists to clean up.
	mustChunk(t, engine, id, "alice", 1, bytes.Repeat([]byte("x"), 10))
	tempPath := tempPathOf(t, engine, id)

	data := []byte("chunk zero")
	wrongDigest := SumBytes([]byte("something else"))

	for attempt := 1; attempt < MaxRetries; attempt++ {
		_, err := engine.HandleChunk(id, "alice", 0, data, wrongDigest)
		var chunkErr *ChunkError
		if !errors.As(err, &chunkErr) {
			t.Fatalf("attempt %d: expected ChunkError, got %v", attempt, err)
		}
		if chunkErr.Attempt != attempt {
			t.Fatalf("attempt %d: recorded attempt %d", attempt, chunkErr.Attempt)
		}
	}

	_, err = engine.HandleChunk(id, "alice", 0, data, wrongDigest)
	var failed *TransferFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected TransferFailedError on final attempt, got %v", err)
	}
	if failed.Index != 0 {
		t.Fatalf("expected failing index 0, got %d", failed.Index)
	}

	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed, stat err: %v", err)
	}
	if _, err := engine.HandleChunk(id, "alice", 2, data, SumBytes(data)); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound after failure, got %v", err)
	}
}

func TestOversizedChunkRejected(t *testing.T) {
	engine := newTestEngine(t)

	content := bytes.Repeat([]byte("z"), 2*ChunkSize)
	id, err := engine.StartUpload("big.bin", int64(len(content)), "alice")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	mustChunk(t, engine, id, "alice", 1, content[ChunkSize:])

	// A chunk longer than ChunkSize at index 0 would overlap chunk 1's
	// bytes; it has to bounce as a retryable chunk failure.
	oversized := content[:ChunkSize+1]
	_, err = engine.HandleChunk(id, "alice", 0, oversized, SumBytes(oversized))
	var chunkErr *ChunkError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("expected ChunkError for oversized chunk, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}

	// The rejected chunk must not have been written or counted.
	progress := engine.ActiveTransfers()[id]
	if progress.ReceivedSize != ChunkSize {
		t.Fatalf("expected received_size %d, got %d", ChunkSize, progress.ReceivedSize)
	}

	// A correctly-sized retry completes the transfer intact.
	mustChunk(t, engine, id, "alice", 0, content[:ChunkSize])
	meta, err := engine.CompleteUpload(id, "alice")
	if err != nil {
		t.Fatalf("CompleteUpload failed: %v", err)
	}
	stored, err := os.ReadFile(meta.StoredPath)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatal("stored bytes differ from original content")
	}
}

func TestCancelTransfer(t *testing.T) {
	engine := newTestEngine(t)

	data := []byte("partial")
	id, err := engine.StartUpload("cancel.txt", 100, "alice")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	mustChunk(t, engine, id, "alice", 0, data)
	tempPath := tempPathOf(t, engine, id)

	if err := engine.CancelTransfer(id, "alice"); err != nil {
		t.Fatalf("CancelTransfer failed: %v", err)
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed, stat err: %v", err)
	}
	if _, err := engine.HandleChunk(id, "alice", 1, data, SumBytes(data)); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound after cancel, got %v", err)
	}
	if err := engine.CancelTransfer(id, "alice"); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound on second cancel, got %v", err)
	}
}

func TestTransferOwnership(t *testing.T) {
	engine := newTestEngine(t)

	data := []byte("mine")
	id, err := engine.StartUpload("owned.txt", int64(len(data)), "alice")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	if _, err := engine.HandleChunk(id, "mallory", 0, data, SumBytes(data)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for foreign chunk, got %v", err)
	}
	if err := engine.CancelTransfer(id, "mallory"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for foreign cancel, got %v", err)
	}
	if _, err := engine.CompleteUpload(id, "mallory"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for foreign complete, got %v", err)
	}

	// The rightful owner is unaffected.
	mustChunk(t, engine, id, "alice", 0, data)
	if _, err := engine.CompleteUpload(id, "alice"); err != nil {
		t.Fatalf("CompleteUpload by owner failed: %v", err)
	}
}

func TestConcurrentTransfersAreIndependent(t *testing.T) {
	engine := newTestEngine(t)

	const chunks = 8
	ids := make([]string, 2)
	senders := []string{"alice", "bob"}
	contents := [][]byte{
		bytes.Repeat([]byte("a"), chunks*ChunkSize),
		bytes.Repeat([]byte("b"), chunks*ChunkSize),
	}

	for i := range ids {
		id, err := engine.StartUpload("parallel.bin", int64(len(contents[i])), senders[i])
		if err != nil {
			t.Fatalf("StartUpload %d failed: %v", i, err)
		}
		ids[i] = id
	}
	if ids[0] == ids[1] {
		t.Fatalf("expected distinct transfer IDs, both %q", ids[0])
	}

	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for c := 0; c < chunks; c++ {
				chunk := contents[i][c*ChunkSize : (c+1)*ChunkSize]
				if _, err := engine.HandleChunk(ids[i], senders[i], c, chunk, SumBytes(chunk)); err != nil {
					t.Errorf("transfer %d chunk %d: %v", i, c, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	active := engine.ActiveTransfers()
	for i, id := range ids {
		progress, ok := active[id]
		if !ok {
			t.Fatalf("transfer %d missing from active snapshot", i)
		}
		if progress.ReceivedSize != int64(len(contents[i])) {
			t.Fatalf("transfer %d: received %d of %d bytes", i, progress.ReceivedSize, len(contents[i]))
		}
	}
}

func TestSameIndexRace(t *testing.T) {
	engine := newTestEngine(t)

	data := bytes.Repeat([]byte("r"), ChunkSize)
	id, err := engine.StartUpload("race.bin", int64(len(data)), "alice")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.HandleChunk(id, "alice", 0, data, SumBytes(data))
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Fatalf("racer %d failed: %v", i, err)
		}
	}

	progress := engine.ActiveTransfers()[id]
	if progress.ReceivedSize != int64(len(data)) {
		t.Fatalf("expected exactly one write counted, received_size %d", progress.ReceivedSize)
	}
	if progress.ChunksReceived != 1 {
		t.Fatalf("expected 1 distinct chunk, got %d", progress.ChunksReceived)
	}
}

func TestHandleChunkUnknownTransfer(t *testing.T) {
	engine := newTestEngine(t)

	data := []byte("orphan")
	if _, err := engine.HandleChunk("no-such-id", "alice", 0, data, SumBytes(data)); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
}
