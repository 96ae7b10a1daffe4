// Package plan turns a manifest, a prior manifest (if any), and a store
// snapshot of already-completed chunks into a concrete DownloadPlan, per
// spec.md section 4.6.
package plan

import (
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coldforge/vaultcore/internal/manifest"
	"github.com/coldforge/vaultcore/internal/scanner"
	"github.com/coldforge/vaultcore/internal/store"
	"github.com/coldforge/vaultcore/internal/vaulterr"
)

// ChangeTag classifies how a file differs between two manifest versions.
type ChangeTag string

const (
	ChangeTagAdded    ChangeTag = "added"
	ChangeTagModified ChangeTag = "modified"
	ChangeTagRemoved  ChangeTag = "removed"
)

// ChunkJob is one chunk that needs fetching.
type ChunkJob struct {
	FilePath string
	Chunk    manifest.Chunk
}

// DownloadPlan is the complete set of work needed to bring an install
// directory to match a manifest.
type DownloadPlan struct {
	Chunks             []ChunkJob
	TotalBytes         int64
	PreexistingBytes   int64
	FilesToFinalize    []string
	DeleteFiles        []string
	PrecompletedChunks map[string]bool // keyed by "fileID:chunkIndex"
}

func chunkKey(filePath string, index int) string {
	return filePath + ":" + strconv.Itoa(index)
}

// Diff compares the file lists of oldM (may be nil, meaning a fresh
// install) against newM, classifying each file as added, modified, or
// removed by hash, matching the teacher's GenerateDelta shape.
func Diff(oldM, newM *manifest.Manifest) (added, modified, removed []manifest.File) {
	oldFiles := make(map[string]manifest.File)
	if oldM != nil {
		for _, f := range oldM.Files {
			oldFiles[f.Path] = f
		}
	}
	newFiles := make(map[string]manifest.File)
	for _, f := range newM.Files {
		newFiles[f.Path] = f
	}

	for path, nf := range newFiles {
		of, exists := oldFiles[path]
		if !exists {
			added = append(added, nf)
		} else if of.Hash != nf.Hash {
			modified = append(modified, nf)
		}
	}
	for path, of := range oldFiles {
		if _, exists := newFiles[path]; !exists {
			removed = append(removed, of)
		}
	}
	return added, modified, removed
}

// Build produces a DownloadPlan for installing/updating to m. If
// precompleted is non-nil, chunks it marks "completed" are candidates to
// skip, but a chunk is only actually treated as already done when both:
//
//  1. the precompleted record's hash equals the manifest chunk's hash, and
//  2. the file's .part file under installDir is at least
//     (index+1)*ChunkSize bytes long and, re-hashed, matches every chunk
//     up to and including this one. A final chunk shorter than ChunkSize
//     never meets this length guard, so it is always fetched again.
//
// A completion row that outlived a torn write (process killed mid-write,
// disk full) fails check 2 and its chunk gets refetched, rather than being
// silently trusted. installDir may be "" (e.g. in tests exercising only
// the diff/delete-file logic), in which case no chunk is ever skipped.
func Build(m *manifest.Manifest, oldM *manifest.Manifest, precompleted []store.DownloadChunk, installDir string) (*DownloadPlan, error) {
	if m == nil {
		return nil, vaulterr.New(vaulterr.ManifestInvalid, "plan.Build", errNilManifest{})
	}

	added, modified, removed := Diff(oldM, m)

	recordHash := make(map[string]string, len(precompleted))
	for _, c := range precompleted {
		recordHash[chunkKey(c.FileID, c.ChunkIndex)] = c.Hash
	}

	done := make(map[string]bool, len(precompleted))

	p := &DownloadPlan{
		PrecompletedChunks: done,
	}

	needsChunks := make([]manifest.File, 0, len(added)+len(modified))
	needsChunks = append(needsChunks, added...)
	needsChunks = append(needsChunks, modified...)

	for _, f := range needsChunks {
		if err := ValidateSafePath(f.Path); err != nil {
			return nil, err
		}
		p.FilesToFinalize = append(p.FilesToFinalize, f.Path)

		verifiedChunks := 0
		if installDir != "" {
			partPath := filepath.Join(installDir, filepath.FromSlash(f.Path)) + ".part"
			startChunk, _, err := scanner.CheckPartialFile(partPath, f.Chunks, m.ChunkSize)
			if err != nil {
				return nil, vaulterr.New(vaulterr.Fatal, "plan.Build", err)
			}
			verifiedChunks = startChunk
		}

		for _, c := range f.Chunks {
			key := chunkKey(f.FileID, c.Index)
			if c.Index < verifiedChunks && recordHash[key] == c.Hash {
				done[key] = true
				p.PreexistingBytes += c.Size
				continue
			}
			p.Chunks = append(p.Chunks, ChunkJob{FilePath: f.Path, Chunk: c})
			p.TotalBytes += c.Size
		}
	}
	p.TotalBytes += p.PreexistingBytes

	for _, f := range removed {
		p.DeleteFiles = append(p.DeleteFiles, f.Path)
	}

	return p, nil
}

type errNilManifest struct{}

func (errNilManifest) Error() string { return "manifest is nil" }

// ValidateSafePath rejects paths that would escape the install root:
// absolute paths, backslashes (already rejected at manifest parse time,
// checked again defensively), and ".." traversal segments. It is also
// used by the archive extractor to vet zip entry names.
func ValidateSafePath(p string) error {
	if p == "" || path.IsAbs(p) {
		return vaulterr.New(vaulterr.PathUnsafe, "plan.ValidateSafePath", errUnsafePath{p})
	}
	if strings.Contains(p, "\\") {
		return vaulterr.New(vaulterr.PathUnsafe, "plan.ValidateSafePath", errUnsafePath{p})
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return vaulterr.New(vaulterr.PathUnsafe, "plan.ValidateSafePath", errUnsafePath{p})
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return vaulterr.New(vaulterr.PathUnsafe, "plan.ValidateSafePath", errUnsafePath{p})
		}
	}
	return nil
}

type errUnsafePath struct{ path string }

func (e errUnsafePath) Error() string { return "unsafe path: " + e.path }

// IsEmpty reports whether a plan requires no work at all.
func (p *DownloadPlan) IsEmpty() bool {
	return len(p.Chunks) == 0 && len(p.DeleteFiles) == 0
}
