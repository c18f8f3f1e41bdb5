package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testFile(filename string) FileMetadata {
	return FileMetadata{
		Filename:         filename,
		OriginalFilename: filename,
		StoredPath:       "/data/files/" + filename,
		Filesize:         2048,
		Checksum:         "checksum-" + filename,
		UploadedBy:       "alice",
		UploadedAt:       nowUnixMilli(),
		MIMEType:         "text/plain",
		IsSafe:           true,
	}
}
