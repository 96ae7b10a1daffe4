package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/coldforge/vaultcore/internal/manifest"
)

func buildZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()
	w := zip.NewWriter(f)
	for name, content := range entries {
		entry, err := w.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
}

func archiveManifest(zipPath string, cleanup bool) *manifest.Manifest {
	return &manifest.Manifest{
		GameID:         "g1",
		Slug:           "g1",
		Version:        "1",
		ChunkSize:      1024,
		InstallMode:    manifest.ModeArchiveChunks,
		ArchiveDir:     "archives",
		ArchiveCleanup: cleanup,
		Files: []manifest.File{
			{Path: "archives/" + zipPath, FileID: "a1", Hash: "h1"},
		},
	}
}

func TestExtractAllWritesEntriesAndCleansUp(t *testing.T) {
	installDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(installDir, "archives"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	zipPath := filepath.Join(installDir, "archives", "pak0.zip")
	buildZip(t, zipPath, map[string]string{"data/hello.txt": "hello world"})

	m := archiveManifest("pak0.zip", true)

	if err := ExtractAll(installDir, m, nil); err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(installDir, "data", "hello.txt"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
	if _, err := os.Stat(zipPath); !os.IsNotExist(err) {
		t.Error("expected archive_cleanup to remove the zip")
	}
}

func TestExtractAllSkipsUnchangedArchive(t *testing.T) {
	installDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(installDir, "archives"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	zipPath := filepath.Join(installDir, "archives", "pak0.zip")
	buildZip(t, zipPath, map[string]string{"data/hello.txt": "hello world"})

	m := archiveManifest("pak0.zip", false)
	oldM := archiveManifest("pak0.zip", false) // same hash h1

	if err := ExtractAll(installDir, m, oldM); err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	if _, err := os.Stat(filepath.Join(installDir, "data", "hello.txt")); !os.IsNotExist(err) {
		t.Error("expected unchanged archive to be skipped, not extracted")
	}
}

func TestExtractAllRejectsPathTraversal(t *testing.T) {
	installDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(installDir, "archives"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	zipPath := filepath.Join(installDir, "archives", "evil.zip")
	buildZip(t, zipPath, map[string]string{"../../evil.exe": "malicious"})

	m := archiveManifest("evil.zip", false)

	if err := ExtractAll(installDir, m, nil); err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}

	if _, err := os.Stat(filepath.Join(installDir, "..", "..", "evil.exe")); err == nil {
		t.Fatal("expected no file written outside install_dir")
	}
}

func TestExtractAllIgnoresNonArchiveMode(t *testing.T) {
	installDir := t.TempDir()
	m := &manifest.Manifest{
		GameID: "g1", Slug: "g1", Version: "1", ChunkSize: 1024,
		InstallMode: manifest.ModeFiles,
	}
	if err := ExtractAll(installDir, m, nil); err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
}
