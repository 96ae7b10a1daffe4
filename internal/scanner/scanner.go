// Package scanner checks an install directory's files against a
// manifest, in two modes: a fast preflight pass (size, plus a bounded
// prefix hash) and a full post-download pass, per spec.md section 4.7.
package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coldforge/vaultcore/internal/manifest"
	"github.com/coldforge/vaultcore/internal/store"
	"github.com/coldforge/vaultcore/internal/vaulterr"
	"github.com/coldforge/vaultcore/internal/vlog"
)

// Mode selects how thoroughly a file is checked.
type Mode int

const (
	// ModePreflight does a size check plus a bounded-prefix hash, cheap
	// enough to run before every download/resume.
	ModePreflight Mode = iota
	// ModeFull hashes the entire file, used after a download completes
	// and for on-demand "verify install" operations.
	ModeFull
)

// FileResult is the outcome of checking one file.
type FileResult struct {
	Path          string
	Exists        bool
	SizeMatches   bool
	HashMatches   bool
	ValidBytes    int64
	LastGoodChunk int // -1 if no chunk boundary could be trusted
	Err           error
}

// Complete reports whether a file needs no further work.
func (r FileResult) Complete() bool {
	return r.Exists && r.SizeMatches && r.HashMatches && r.Err == nil
}

// Scanner checks files under Root against manifest entries.
type Scanner struct {
	Root             string
	PreScanHashMaxBytes int64
	Workers          int

	snapshotCache *lru.Cache[string, map[string]store.FileIndexEntry]
}

// New builds a Scanner. preScanHashMaxBytes bounds how many bytes of a
// large file ModePreflight will hash; 0 means hash the whole file even
// in preflight mode.
func New(root string, preScanHashMaxBytes int64) *Scanner {
	cache, _ := lru.New[string, map[string]store.FileIndexEntry](8)
	return &Scanner{
		Root:                root,
		PreScanHashMaxBytes: preScanHashMaxBytes,
		Workers:             workerCount(),
		snapshotCache:       cache,
	}
}

// CachedSnapshot returns a previously stored file-index snapshot for a
// download, avoiding a store round-trip on repeated scans within the
// same process.
func (s *Scanner) CachedSnapshot(downloadID string) (map[string]store.FileIndexEntry, bool) {
	return s.snapshotCache.Get(downloadID)
}

// CacheSnapshot stores a file-index snapshot for later CachedSnapshot
// lookups.
func (s *Scanner) CacheSnapshot(downloadID string, snapshot map[string]store.FileIndexEntry) {
	s.snapshotCache.Add(downloadID, snapshot)
}

// workerCount mirrors spec.md's clamp(min(32, max(8, 2*cores)), 1, 64).
func workerCount() int {
	n := runtime.NumCPU() * 2
	if n < 8 {
		n = 8
	}
	if n > 32 {
		n = 32
	}
	return n
}

// ScanFiles checks every file in the manifest in parallel and returns
// one FileResult per entry. If checkpoint is non-nil, entries whose
// on-disk (size, mtime) match their checkpoint entry skip rehashing
// entirely and are judged by the checkpoint's recorded hash.
func (s *Scanner) ScanFiles(files []manifest.File, mode Mode, checkpoint map[string]store.FileIndexEntry) []FileResult {
	if len(files) == 0 {
		return nil
	}

	workCh := make(chan manifest.File, len(files))
	resultCh := make(chan FileResult, len(files))

	numWorkers := s.Workers
	if numWorkers > len(files) {
		numWorkers = len(files)
	}

	var wg sync.WaitGroup
	var done atomic.Int64
	total := int64(len(files))

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range workCh {
				resultCh <- s.checkFile(f, mode, checkpoint)
				done.Add(1)
			}
		}()
	}
	for _, f := range files {
		workCh <- f
	}
	close(workCh)
	wg.Wait()
	close(resultCh)

	results := make([]FileResult, 0, len(files))
	for r := range resultCh {
		results = append(results, r)
	}
	vlog.Info("scan complete", "files", total, "mode", mode)
	return results
}

func (s *Scanner) checkFile(f manifest.File, mode Mode, checkpoint map[string]store.FileIndexEntry) FileResult {
	result := FileResult{Path: f.Path, LastGoodChunk: -1}
	full := filepath.Join(s.Root, filepath.FromSlash(f.Path))

	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return result
	}
	if err != nil {
		result.Err = vaulterr.New(vaulterr.Fatal, "scanner.checkFile", err)
		return result
	}
	result.Exists = true

	if checkpoint != nil {
		if entry, ok := checkpoint[f.Path]; ok {
			if entry.Size == info.Size() && entry.MtimeNS == info.ModTime().UnixNano() {
				result.SizeMatches = true
				result.HashMatches = entry.Hash == f.Hash
				result.ValidBytes = f.Size
				return result
			}
		}
	}

	if info.Size() != f.Size {
		result.SizeMatches = false
		return result
	}
	result.SizeMatches = true

	maxBytes := int64(0)
	if mode == ModePreflight {
		maxBytes = s.PreScanHashMaxBytes
	}

	hash, n, err := hashFile(full, maxBytes)
	if err != nil {
		result.Err = vaulterr.New(vaulterr.Fatal, "scanner.checkFile", err)
		return result
	}

	if maxBytes > 0 && n < info.Size() {
		// Preflight mode hashed only a prefix, which cannot be compared
		// with the whole-file manifest hash: the file passes on size
		// alone, and the authoritative check is the full scan.
		result.HashMatches = true
		result.ValidBytes = info.Size()
		return result
	}

	result.HashMatches = hash == f.Hash
	if result.HashMatches {
		result.ValidBytes = info.Size()
	}
	return result
}

func hashFile(path string, maxBytes int64) (hash string, n int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hasher := sha256.New()
	var reader io.Reader = file
	if maxBytes > 0 {
		reader = io.LimitReader(file, maxBytes)
	}
	written, err := io.Copy(hasher, reader)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), written, nil
}

// CheckPartialFile locates the last chunk boundary at which an
// in-progress file's bytes still match the manifest, truncating the
// file to that boundary. It returns the index of the first chunk that
// still needs downloading.
func CheckPartialFile(fullPath string, chunks []manifest.Chunk, chunkSize int64) (startChunk int, validBytes int64, err error) {
	info, statErr := os.Stat(fullPath)
	if statErr != nil {
		return 0, 0, nil
	}

	completeChunks := int(info.Size() / chunkSize)
	if completeChunks > len(chunks) {
		completeChunks = len(chunks)
	}

	file, openErr := os.Open(fullPath)
	if openErr != nil {
		return 0, 0, nil
	}
	defer file.Close()

	lastValid := -1
	for i := 0; i < completeChunks; i++ {
		buf := make([]byte, chunks[i].Size)
		if _, err := io.ReadFull(file, buf); err != nil {
			break
		}
		sum := sha256.Sum256(buf)
		if hex.EncodeToString(sum[:]) != chunks[i].Hash {
			break
		}
		lastValid = i
	}

	if lastValid < 0 {
		_ = os.Remove(fullPath)
		return 0, 0, nil
	}

	validBytes = chunks[lastValid].Offset(chunkSize) + chunks[lastValid].Size
	if err := os.Truncate(fullPath, validBytes); err != nil {
		_ = os.Remove(fullPath)
		return 0, 0, nil
	}
	return lastValid + 1, validBytes, nil
}
