package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vaultcore.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDownloadState(t *testing.T) {
	s := openTestStore(t)

	state := DownloadState{
		ID:              "dl-1",
		GameID:          "game-1",
		Slug:            "game-one",
		Status:          "downloading",
		InstallDir:      "/games/game-one",
		ManifestJSON:    `{"game_id":"game-1"}`,
		CheckpointValid: true,
		UpdatedAt:       time.Now().Unix(),
	}
	if err := s.SaveDownloadState(state); err != nil {
		t.Fatalf("SaveDownloadState: %v", err)
	}

	got, ok, err := s.GetDownloadState("dl-1")
	if err != nil {
		t.Fatalf("GetDownloadState: %v", err)
	}
	if !ok {
		t.Fatal("expected state to be found")
	}
	if got.GameID != "game-1" || got.Status != "downloading" || !got.CheckpointValid {
		t.Errorf("unexpected state: %+v", got)
	}
}

func TestGetDownloadStateMissing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetDownloadState("does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing download")
	}
}

func TestInvalidateCheckpoint(t *testing.T) {
	s := openTestStore(t)
	state := DownloadState{ID: "dl-2", GameID: "g", Slug: "g", Status: "paused", InstallDir: "/x", ManifestJSON: "{}", CheckpointValid: true, UpdatedAt: time.Now().Unix()}
	if err := s.SaveDownloadState(state); err != nil {
		t.Fatalf("SaveDownloadState: %v", err)
	}
	if err := s.InvalidateCheckpoint("dl-2"); err != nil {
		t.Fatalf("InvalidateCheckpoint: %v", err)
	}
	got, _, err := s.GetDownloadState("dl-2")
	if err != nil {
		t.Fatalf("GetDownloadState: %v", err)
	}
	if got.CheckpointValid {
		t.Error("expected checkpoint to be invalidated")
	}
}

func TestUpsertAndGetDownloadProgress(t *testing.T) {
	s := openTestStore(t)

	p := DownloadProgress{
		ID:              "dl-3",
		GameID:          "game-3",
		Status:          "downloading",
		Progress:        42.5,
		DownloadedBytes: 4096,
		TotalBytes:      10000,
		NetworkBPS:      2048,
		ETASeconds:      30,
		UpdatedAt:       time.Now().Unix(),
	}
	if err := s.UpsertDownloadProgress(p); err != nil {
		t.Fatalf("UpsertDownloadProgress: %v", err)
	}

	got, ok, err := s.GetDownloadProgress("dl-3")
	if err != nil {
		t.Fatalf("GetDownloadProgress: %v", err)
	}
	if !ok {
		t.Fatal("expected progress to be found")
	}
	if got.DownloadedBytes != 4096 || got.ETASeconds != 30 {
		t.Errorf("unexpected progress: %+v", got)
	}

	p.DownloadedBytes = 8192
	p.Progress = 81.9
	if err := s.UpsertDownloadProgress(p); err != nil {
		t.Fatalf("UpsertDownloadProgress (update): %v", err)
	}
	got, _, err = s.GetDownloadProgress("dl-3")
	if err != nil {
		t.Fatalf("GetDownloadProgress: %v", err)
	}
	if got.DownloadedBytes != 8192 {
		t.Errorf("expected upsert to update in place, got %+v", got)
	}
}

func TestClearDownloadStateAlsoClearsProgress(t *testing.T) {
	s := openTestStore(t)
	state := DownloadState{ID: "dl-4", GameID: "g", Slug: "g", Status: "downloading", InstallDir: "/x", ManifestJSON: "{}", UpdatedAt: time.Now().Unix()}
	if err := s.SaveDownloadState(state); err != nil {
		t.Fatalf("SaveDownloadState: %v", err)
	}
	if err := s.UpsertDownloadProgress(DownloadProgress{ID: "dl-4", Status: "downloading", UpdatedAt: time.Now().Unix()}); err != nil {
		t.Fatalf("UpsertDownloadProgress: %v", err)
	}

	if err := s.ClearDownloadState("dl-4"); err != nil {
		t.Fatalf("ClearDownloadState: %v", err)
	}

	if _, ok, err := s.GetDownloadProgress("dl-4"); err != nil || ok {
		t.Errorf("expected progress row to be cleared alongside state, ok=%v err=%v", ok, err)
	}
}

func TestUpsertAndListCompletedChunks(t *testing.T) {
	s := openTestStore(t)

	chunk := DownloadChunk{DownloadID: "dl-3", FileID: "f1", ChunkIndex: 0, Hash: "abc", Size: 1024, Status: "completed", UpdatedAt: time.Now().Unix()}
	if err := s.UpsertDownloadChunk(chunk); err != nil {
		t.Fatalf("UpsertDownloadChunk: %v", err)
	}
	pending := DownloadChunk{DownloadID: "dl-3", FileID: "f1", ChunkIndex: 1, Hash: "def", Size: 1024, Status: "pending", UpdatedAt: time.Now().Unix()}
	if err := s.UpsertDownloadChunk(pending); err != nil {
		t.Fatalf("UpsertDownloadChunk: %v", err)
	}

	completed, err := s.ListCompletedChunks("dl-3")
	if err != nil {
		t.Fatalf("ListCompletedChunks: %v", err)
	}
	if len(completed) != 1 || completed[0].ChunkIndex != 0 {
		t.Errorf("expected exactly chunk 0 completed, got %+v", completed)
	}
}

func TestUpsertDownloadChunkIdempotent(t *testing.T) {
	s := openTestStore(t)
	chunk := DownloadChunk{DownloadID: "dl-4", FileID: "f1", ChunkIndex: 0, Hash: "abc", Size: 1024, Status: "completed", UpdatedAt: 1}
	if err := s.UpsertDownloadChunk(chunk); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	chunk.UpdatedAt = 2
	if err := s.UpsertDownloadChunk(chunk); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	completed, err := s.ListCompletedChunks("dl-4")
	if err != nil {
		t.Fatalf("ListCompletedChunks: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("expected a single row after repeated upsert, got %d", len(completed))
	}
}

func TestClearDownloadChunks(t *testing.T) {
	s := openTestStore(t)
	chunk := DownloadChunk{DownloadID: "dl-5", FileID: "f1", ChunkIndex: 0, Hash: "abc", Size: 1024, Status: "completed", UpdatedAt: 1}
	if err := s.UpsertDownloadChunk(chunk); err != nil {
		t.Fatalf("UpsertDownloadChunk: %v", err)
	}
	if err := s.ClearDownloadChunks("dl-5"); err != nil {
		t.Fatalf("ClearDownloadChunks: %v", err)
	}
	completed, err := s.ListCompletedChunks("dl-5")
	if err != nil {
		t.Fatalf("ListCompletedChunks: %v", err)
	}
	if len(completed) != 0 {
		t.Errorf("expected no chunks after clear, got %d", len(completed))
	}
}

func TestFileIndexRoundTrip(t *testing.T) {
	s := openTestStore(t)
	entry := FileIndexEntry{DownloadID: "dl-6", Path: "data/game.dat", Size: 4096, Hash: "deadbeef", MtimeNS: 123, VerifiedAt: 456}
	if err := s.UpsertFileIndexEntry(entry); err != nil {
		t.Fatalf("UpsertFileIndexEntry: %v", err)
	}
	snap, err := s.FileIndexSnapshot("dl-6")
	if err != nil {
		t.Fatalf("FileIndexSnapshot: %v", err)
	}
	got, ok := snap["data/game.dat"]
	if !ok {
		t.Fatal("expected entry in snapshot")
	}
	if got.Hash != "deadbeef" || got.Size != 4096 {
		t.Errorf("unexpected entry: %+v", got)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	type cfg struct {
		MaxConcurrency int `json:"max_concurrency"`
	}
	if err := s.SetSetting("governor", cfg{MaxConcurrency: 12}); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	var got cfg
	ok, err := s.GetSetting("governor", &got)
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if !ok || got.MaxConcurrency != 12 {
		t.Errorf("unexpected setting: ok=%v got=%+v", ok, got)
	}
}

func TestGetSettingMissing(t *testing.T) {
	s := openTestStore(t)
	var out map[string]string
	ok, err := s.GetSetting("missing", &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing setting")
	}
}
