// Package manifest defines the signed, immutable description of one game
// build (spec.md section 3) and the invariant checks a manifest must pass
// before a plan can be built from it.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coldforge/vaultcore/internal/vaulterr"
)

// InstallMode selects whether files are installed directly or arrive as
// archive containers that get extracted after download.
type InstallMode string

const (
	ModeFiles         InstallMode = "files"
	ModeArchiveChunks InstallMode = "archive_chunks"
)

// Compression identifies the wire encoding of a chunk's bytes.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// Chunk describes one contiguous byte range of a file.
type Chunk struct {
	Index        int         `json:"index"`
	Hash         string      `json:"hash"`
	Size         int64       `json:"size"`
	URL          string      `json:"url"`
	FallbackURLs []string    `json:"fallback_urls,omitempty"`
	Compression  Compression `json:"compression,omitempty"`
}

// Offset returns the chunk's byte offset within its file, given the
// manifest's uniform chunk size.
func (c Chunk) Offset(chunkSize int64) int64 {
	return int64(c.Index) * chunkSize
}

// File describes one file entry in the manifest.
type File struct {
	Path   string  `json:"path"`
	Size   int64   `json:"size"`
	Hash   string  `json:"hash"`
	FileID string  `json:"file_id"`
	Chunks []Chunk `json:"chunks"`
}

// Manifest is the immutable description of one game build.
type Manifest struct {
	GameID  string `json:"game_id"`
	Slug    string `json:"slug"`
	Version string `json:"version"`
	BuildID string `json:"build_id"`

	ChunkSize int64 `json:"chunk_size"`

	TotalSize          int64  `json:"total_size"`
	CompressedSize     int64  `json:"compressed_size"`
	TotalOriginalSize  int64  `json:"total_original_size,omitempty"`

	InstallMode InstallMode `json:"install_mode"`

	ArchiveDir      string   `json:"archive_dir,omitempty"`
	ArchiveCleanup  bool     `json:"archive_cleanup,omitempty"`
	ArchiveFiles    []string `json:"archive_files,omitempty"`

	Files []File `json:"files"`
}

// Parse decodes and validates a manifest's JSON representation. Unknown
// fields are ignored; missing required fields or impossible sizes produce
// a vaulterr.ManifestInvalid error.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, vaulterr.New(vaulterr.ManifestInvalid, "manifest.Parse", err)
	}
	for i := range m.Files {
		for j := range m.Files[i].Chunks {
			if m.Files[i].Chunks[j].Compression == "" {
				m.Files[i].Chunks[j].Compression = CompressionNone
			}
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the invariants in spec.md section 3: chunk indices are
// sequential, chunk sizes sum to the file size, offsets line up with the
// uniform chunk size, and chunk sizes are within bounds.
func (m *Manifest) Validate() error {
	if m.GameID == "" || m.Slug == "" || m.Version == "" {
		return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate", fmt.Errorf("missing required identity field"))
	}
	if m.ChunkSize <= 0 {
		return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate", fmt.Errorf("chunk_size must be positive"))
	}
	switch m.InstallMode {
	case ModeFiles, ModeArchiveChunks, "":
	default:
		return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate", fmt.Errorf("unknown install_mode %q", m.InstallMode))
	}

	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if f.Path == "" {
			return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate", fmt.Errorf("file with empty path"))
		}
		if strings.Contains(f.Path, "\\") {
			return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate", fmt.Errorf("file path %q must use forward slashes", f.Path))
		}
		if seen[f.FileID] {
			return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate", fmt.Errorf("duplicate file_id %q", f.FileID))
		}
		seen[f.FileID] = true

		var sum int64
		for i, c := range f.Chunks {
			if c.Index != i {
				return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate",
					fmt.Errorf("file %q chunk %d has index %d, want %d", f.Path, i, c.Index, i))
			}
			if c.Size <= 0 || c.Size > m.ChunkSize {
				return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate",
					fmt.Errorf("file %q chunk %d has invalid size %d (chunk_size=%d)", f.Path, i, c.Size, m.ChunkSize))
			}
			if i < len(f.Chunks)-1 {
				if c.Offset(m.ChunkSize) != int64(i)*m.ChunkSize {
					return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate",
						fmt.Errorf("file %q chunk %d offset mismatch", f.Path, i))
				}
				if c.Size != m.ChunkSize {
					return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate",
						fmt.Errorf("file %q chunk %d is not full-sized but is not last", f.Path, i))
				}
			}
			if !isHexSHA256(c.Hash) {
				return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate",
					fmt.Errorf("file %q chunk %d has malformed hash %q", f.Path, i, c.Hash))
			}
			sum += c.Size
		}
		if len(f.Chunks) > 0 && sum != f.Size {
			return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate",
				fmt.Errorf("file %q: chunk sizes sum to %d, want %d", f.Path, sum, f.Size))
		}
	}

	if m.InstallMode == ModeArchiveChunks {
		if m.ArchiveDir == "" {
			return vaulterr.New(vaulterr.ManifestInvalid, "manifest.Validate", fmt.Errorf("archive_chunks mode requires archive_dir"))
		}
	}

	return nil
}

// IsArchiveMember reports whether a file path belongs to the archive
// staging directory and is a zip transport container, per spec.md
// section 4.6.
func (m *Manifest) IsArchiveMember(path string) bool {
	if m.InstallMode != ModeArchiveChunks || m.ArchiveDir == "" {
		return false
	}
	prefix := strings.TrimSuffix(m.ArchiveDir, "/") + "/"
	return strings.HasPrefix(path, prefix) && strings.HasSuffix(path, ".zip")
}

// FileByPath looks up a file entry by its relative path.
func (m *Manifest) FileByPath(path string) (File, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return File{}, false
}

func isHexSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
