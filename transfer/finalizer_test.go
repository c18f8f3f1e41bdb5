package transfer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"voidlink/storage"
)

func TestCompleteUploadSizeMismatch(t *testing.T) {
	engine := newTestEngine(t)

	data := []byte("only half")
	id, err := engine.StartUpload("short.txt", 100, "alice")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	mustChunk(t, engine, id, "alice", 0, data)
	tempPath := tempPathOf(t, engine, id)

	_, err = engine.CompleteUpload(id, "alice")
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	var failed *TransferFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected TransferFailedError, got %T", err)
	}

	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed, stat err: %v", err)
	}
	// A finalize attempt consumes the transfer even on failure.
	if _, err := engine.CompleteUpload(id, "alice"); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound after failed finalize, got %v", err)
	}
}

func TestCompleteUploadNameCollision(t *testing.T) {
	engine := newTestEngine(t)

	upload := func(content []byte) *storage.FileMetadata {
		id, err := engine.StartUpload("twice.txt", int64(len(content)), "alice")
		if err != nil {
			t.Fatalf("StartUpload failed: %v", err)
		}
		mustChunk(t, engine, id, "alice", 0, content)
		meta, err := engine.CompleteUpload(id, "alice")
		if err != nil {
			t.Fatalf("CompleteUpload failed: %v", err)
		}
		return meta
	}

	first := upload([]byte("generation one"))
	second := upload([]byte("generation two"))

	if first.Filename != "twice.txt" {
		t.Fatalf("unexpected first storage name %q", first.Filename)
	}
	if second.Filename == first.Filename {
		t.Fatalf("expected disambiguated storage name, both %q", first.Filename)
	}
	if !strings.HasPrefix(second.Filename, "twice_") || !strings.HasSuffix(second.Filename, ".txt") {
		t.Fatalf("unexpected disambiguated name %q", second.Filename)
	}
	if second.OriginalFilename != "twice.txt" {
		t.Fatalf("original filename not preserved: %q", second.OriginalFilename)
	}

	for _, meta := range []*storage.FileMetadata{first, second} {
		if _, err := os.Stat(meta.StoredPath); err != nil {
			t.Fatalf("stored file %q missing: %v", meta.StoredPath, err)
		}
	}
}

func TestCompleteUploadQuarantinesUnsafeFile(t *testing.T) {
	engine := newTestEngine(t)

	content := []byte("MZ fake executable")
	id, err := engine.StartUpload("dropper.exe", int64(len(content)), "mallory")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	mustChunk(t, engine, id, "mallory", 0, content)

	meta, err := engine.CompleteUpload(id, "mallory")
	if err != nil {
		t.Fatalf("CompleteUpload failed: %v", err)
	}
	if meta.IsSafe {
		t.Fatal("expected unsafe verdict for .exe upload")
	}
	if !meta.Quarantined {
		t.Fatal("expected quarantined record")
	}
	if filepath.Dir(meta.StoredPath) != engine.cfg.QuarantineDir {
		t.Fatalf("expected file under quarantine dir, stored at %q", meta.StoredPath)
	}
	if _, err := os.Stat(meta.StoredPath); err != nil {
		t.Fatalf("quarantined file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(engine.cfg.FilesDir, meta.Filename)); !os.IsNotExist(err) {
		t.Fatalf("file left behind in durable store, stat err: %v", err)
	}
}

func TestQuarantineNameCollisionPreservesFirstFile(t *testing.T) {
	engine := newTestEngine(t)

	upload := func(sender string, content []byte) *storage.FileMetadata {
		id, err := engine.StartUpload("dropper.exe", int64(len(content)), sender)
		if err != nil {
			t.Fatalf("StartUpload failed: %v", err)
		}
		mustChunk(t, engine, id, sender, 0, content)
		meta, err := engine.CompleteUpload(id, sender)
		if err != nil {
			t.Fatalf("CompleteUpload failed: %v", err)
		}
		if !meta.Quarantined {
			t.Fatalf("expected quarantined record for %q", meta.Filename)
		}
		return meta
	}

	firstContent := []byte("first generation payload")
	first := upload("mallory", firstContent)
	second := upload("mallory", []byte("second generation payload"))

	if second.Filename == first.Filename {
		t.Fatalf("expected disambiguated storage name, both %q", first.Filename)
	}
	stored, err := os.ReadFile(first.StoredPath)
	if err != nil {
		t.Fatalf("read first quarantined file: %v", err)
	}
	if !bytes.Equal(stored, firstContent) {
		t.Fatalf("first quarantined file overwritten: %q", stored)
	}
	if _, err := os.Stat(second.StoredPath); err != nil {
		t.Fatalf("second quarantined file missing: %v", err)
	}
}

func TestCompleteUploadZeroByteFile(t *testing.T) {
	engine := newTestEngine(t)

	id, err := engine.StartUpload("empty.txt", 0, "alice")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	meta, err := engine.CompleteUpload(id, "alice")
	if err != nil {
		t.Fatalf("CompleteUpload failed: %v", err)
	}
	if meta.Filesize != 0 {
		t.Fatalf("expected size 0, got %d", meta.Filesize)
	}
	if meta.Checksum != SumBytes(nil) {
		t.Fatalf("expected empty-content checksum, got %s", meta.Checksum)
	}
	info, err := os.Stat(meta.StoredPath)
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty stored file, size %d", info.Size())
	}
}

type failingSaveStore struct {
	MetadataStore
}

func (f *failingSaveStore) SaveFileMetadata(storage.FileMetadata) error {
	return errors.New("metadata write failed")
}

func TestCompleteUploadMetadataFailureIsFatal(t *testing.T) {
	engine := newTestEngineWithStore(t, &failingSaveStore{MetadataStore: newMetadataStore(t)})

	data := []byte("doomed")
	id, err := engine.StartUpload("doomed.txt", int64(len(data)), "alice")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	mustChunk(t, engine, id, "alice", 0, data)

	_, err = engine.CompleteUpload(id, "alice")
	var failed *TransferFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected TransferFailedError, got %v", err)
	}
	if _, err := engine.CompleteUpload(id, "alice"); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected transfer removed after finalize error, got %v", err)
	}
}

func TestDeleteFile(t *testing.T) {
	engine := newTestEngine(t)

	content := []byte("delete me")
	id, err := engine.StartUpload("victim.txt", int64(len(content)), "alice")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	mustChunk(t, engine, id, "alice", 0, content)
	meta, err := engine.CompleteUpload(id, "alice")
	if err != nil {
		t.Fatalf("CompleteUpload failed: %v", err)
	}

	if err := engine.DeleteFile(meta.Filename); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	if _, err := os.Stat(meta.StoredPath); !os.IsNotExist(err) {
		t.Fatalf("expected stored file removed, stat err: %v", err)
	}
	if err := engine.DeleteFile(meta.Filename); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second delete, got %v", err)
	}
}

func TestFinalizedDigestMatchesContent(t *testing.T) {
	engine := newTestEngine(t)

	// Three full chunks plus a short tail, delivered in scrambled order.
	content := bytes.Repeat([]byte("0123456789abcdef"), 3*ChunkSize/16)
	content = append(content, []byte("tail bytes")...)
	id, err := engine.StartUpload("scrambled.bin", int64(len(content)), "alice")
	if err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}

	for _, index := range []int{2, 0, 3, 1} {
		start := index * ChunkSize
		end := start + ChunkSize
		if end > len(content) {
			end = len(content)
		}
		mustChunk(t, engine, id, "alice", index, content[start:end])
	}

	meta, err := engine.CompleteUpload(id, "alice")
	if err != nil {
		t.Fatalf("CompleteUpload failed: %v", err)
	}
	if meta.Checksum != SumBytes(content) {
		t.Fatalf("digest mismatch: got %s want %s", meta.Checksum, SumBytes(content))
	}
	stored, err := os.ReadFile(meta.StoredPath)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatal("stored bytes differ from original content")
	}
}
