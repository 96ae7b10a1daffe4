package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/coldforge/vaultcore/internal/manifest"
	"github.com/coldforge/vaultcore/internal/store"
)

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestScanFilesDetectsMissingFile(t *testing.T) {
	root := t.TempDir()
	s := New(root, 0)

	files := []manifest.File{{Path: "missing.dat", Size: 10, Hash: hashBytes([]byte("0123456789"))}}
	results := s.ScanFiles(files, ModeFull, nil)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Exists || results[0].Complete() {
		t.Errorf("expected missing file to be incomplete: %+v", results[0])
	}
}

func TestScanFilesDetectsCompleteFile(t *testing.T) {
	root := t.TempDir()
	s := New(root, 0)

	data := []byte("hello world, this is game data")
	writeFile(t, root, "game.dat", data)

	files := []manifest.File{{Path: "game.dat", Size: int64(len(data)), Hash: hashBytes(data)}}
	results := s.ScanFiles(files, ModeFull, nil)
	if !results[0].Complete() {
		t.Errorf("expected file to be complete: %+v", results[0])
	}
}

func TestScanFilesDetectsSizeMismatch(t *testing.T) {
	root := t.TempDir()
	s := New(root, 0)

	writeFile(t, root, "game.dat", []byte("short"))

	files := []manifest.File{{Path: "game.dat", Size: 999, Hash: "irrelevant"}}
	results := s.ScanFiles(files, ModeFull, nil)
	if results[0].SizeMatches {
		t.Error("expected size mismatch to be detected")
	}
}

func TestScanFilesDetectsHashMismatch(t *testing.T) {
	root := t.TempDir()
	s := New(root, 0)

	data := []byte("corrupted content here")
	writeFile(t, root, "game.dat", data)

	files := []manifest.File{{Path: "game.dat", Size: int64(len(data)), Hash: hashBytes([]byte("different content"))}}
	results := s.ScanFiles(files, ModeFull, nil)
	if results[0].HashMatches {
		t.Error("expected hash mismatch to be detected")
	}
}

func TestCheckPartialFileTruncatesToLastValidChunk(t *testing.T) {
	root := t.TempDir()
	chunkA := []byte("AAAAAAAAAA") // 10 bytes
	chunkB := []byte("BBBBBBBBBB")
	full := append(append([]byte{}, chunkA...), chunkB...)
	// simulate a third, corrupted trailing chunk
	corrupted := append(append([]byte{}, full...), []byte("XXXXXXXXXX")...)

	writeFile(t, root, "game.dat", corrupted)

	chunks := []manifest.Chunk{
		{Index: 0, Size: 10, Hash: hashBytes(chunkA)},
		{Index: 1, Size: 10, Hash: hashBytes(chunkB)},
		{Index: 2, Size: 10, Hash: hashBytes([]byte("CCCCCCCCCC"))}, // won't match corrupted bytes
	}

	start, validBytes, err := CheckPartialFile(filepath.Join(root, "game.dat"), chunks, 10)
	if err != nil {
		t.Fatalf("CheckPartialFile: %v", err)
	}
	if start != 2 {
		t.Errorf("start = %d, want 2", start)
	}
	if validBytes != 20 {
		t.Errorf("validBytes = %d, want 20", validBytes)
	}

	info, statErr := os.Stat(filepath.Join(root, "game.dat"))
	if statErr != nil {
		t.Fatalf("stat after truncate: %v", statErr)
	}
	if info.Size() != 20 {
		t.Errorf("file size after truncate = %d, want 20", info.Size())
	}
}

func TestCheckPartialFileRemovesFileWithNoValidChunks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "game.dat", []byte("garbage123"))

	chunks := []manifest.Chunk{
		{Index: 0, Size: 10, Hash: hashBytes([]byte("expected!!"))},
	}

	start, validBytes, err := CheckPartialFile(filepath.Join(root, "game.dat"), chunks, 10)
	if err != nil {
		t.Fatalf("CheckPartialFile: %v", err)
	}
	if start != 0 || validBytes != 0 {
		t.Errorf("expected start=0 validBytes=0, got start=%d validBytes=%d", start, validBytes)
	}
	if _, statErr := os.Stat(filepath.Join(root, "game.dat")); !os.IsNotExist(statErr) {
		t.Error("expected file with no valid chunks to be removed")
	}
}

func TestScanFilesHonorsCheckpoint(t *testing.T) {
	root := t.TempDir()
	s := New(root, 0)

	data := []byte("checkpoint-backed content")
	writeFile(t, root, "game.dat", data)
	info, err := os.Stat(filepath.Join(root, "game.dat"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	files := []manifest.File{{Path: "game.dat", Size: int64(len(data)), Hash: hashBytes(data)}}
	checkpoint := map[string]store.FileIndexEntry{
		"game.dat": {
			Path:    "game.dat",
			Size:    info.Size(),
			Hash:    hashBytes(data),
			MtimeNS: info.ModTime().UnixNano(),
		},
	}

	results := s.ScanFiles(files, ModePreflight, checkpoint)
	if !results[0].Complete() {
		t.Errorf("expected checkpoint hit to report complete: %+v", results[0])
	}
}

func TestCachedSnapshotRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := New(root, 0)

	if _, ok := s.CachedSnapshot("dl-1"); ok {
		t.Fatal("expected no cached snapshot initially")
	}

	snap := map[string]store.FileIndexEntry{"a.dat": {Path: "a.dat", Size: 10}}
	s.CacheSnapshot("dl-1", snap)

	got, ok := s.CachedSnapshot("dl-1")
	if !ok || len(got) != 1 {
		t.Fatalf("expected cached snapshot to round-trip, got ok=%v got=%v", ok, got)
	}
}
