// Package depot implements the content-addressed chunk cache described in
// spec.md section 4.2: a two-hex-character fanout directory tree, shared
// across games and versions, safe under concurrent readers and writers
// via tmp-then-rename.
package depot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/coldforge/vaultcore/internal/vaulterr"
	"github.com/coldforge/vaultcore/internal/vlog"
)

// Depot is a shared, content-addressed chunk store rooted at Root.
type Depot struct {
	Root    string
	MaxBytes int64

	gcMu        sync.Mutex
	scheduler   gocron.Scheduler
}

// New creates a Depot rooted at root. The directory is created if absent.
func New(root string, maxBytes int64) (*Depot, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, vaulterr.New(vaulterr.Fatal, "depot.New", err)
	}
	return &Depot{Root: root, MaxBytes: maxBytes}, nil
}

// path returns the final path for a hash, without validating it.
func (d *Depot) path(hash string) string {
	return filepath.Join(d.Root, hash[:2], hash+".bin")
}

func validateHash(hash string) error {
	if len(hash) != 64 {
		return vaulterr.New(vaulterr.Fatal, "depot.validateHash", fmt.Errorf("InvalidHash: %q is not 64 hex chars", hash))
	}
	for _, r := range hash {
		isLowerHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !isLowerHex {
			return vaulterr.New(vaulterr.Fatal, "depot.validateHash", fmt.Errorf("InvalidHash: %q is not lowercase hex", hash))
		}
	}
	return nil
}

// Has reports whether a file exists at hash's computed path with exactly
// size bytes.
func (d *Depot) Has(hash string, size int64) (bool, error) {
	if err := validateHash(hash); err != nil {
		return false, err
	}
	info, err := os.Stat(d.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, vaulterr.New(vaulterr.Fatal, "depot.Has", err)
	}
	return info.Size() == size, nil
}

// StatSize reports the size in bytes of the entry stored at hash, and
// whether it exists at all. It does not verify the content hash; callers
// that need the integrity guarantee should follow up with Load.
func (d *Depot) StatSize(hash string) (size int64, found bool, err error) {
	if err := validateHash(hash); err != nil {
		return 0, false, err
	}
	info, statErr := os.Stat(d.path(hash))
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return 0, false, nil
		}
		return 0, false, vaulterr.New(vaulterr.Fatal, "depot.StatSize", statErr)
	}
	return info.Size(), true, nil
}

// Load returns the bytes stored at hash iff the file exists, its length
// matches size, and its SHA-256 equals hash. On a mismatch the entry is
// deleted and Load reports absence (ok=false) rather than an error.
func (d *Depot) Load(hash string, size int64) (data []byte, ok bool, err error) {
	if err := validateHash(hash); err != nil {
		return nil, false, err
	}
	p := d.path(hash)

	info, statErr := os.Stat(p)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, false, nil
		}
		return nil, false, vaulterr.New(vaulterr.Fatal, "depot.Load", statErr)
	}
	if info.Size() != size {
		return nil, false, nil
	}

	data, readErr := os.ReadFile(p)
	if readErr != nil {
		return nil, false, vaulterr.New(vaulterr.Fatal, "depot.Load", readErr)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hash {
		vlog.Warn("depot entry hash mismatch, evicting", "hash", hash)
		_ = os.Remove(p)
		return nil, false, nil
	}
	return data, true, nil
}

// Store writes bytes to a temp file and renames it into place. If the
// final path already exists with the correct length, Store is a no-op.
func (d *Depot) Store(hash string, data []byte) error {
	if err := validateHash(hash); err != nil {
		return err
	}
	final := d.path(hash)

	if info, err := os.Stat(final); err == nil && info.Size() == int64(len(data)) {
		return nil
	}

	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return vaulterr.New(vaulterr.Fatal, "depot.Store", err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d-%d", final, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return vaulterr.New(vaulterr.Fatal, "depot.Store", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return vaulterr.New(vaulterr.Fatal, "depot.Store", err)
	}
	return nil
}

type entry struct {
	path    string
	size    int64
	modTime time.Time
}

// GCIfNeeded walks the depot tree, and if its total size exceeds
// MaxBytes, deletes oldest-by-mtime entries until it is back under
// budget. It returns the number of bytes freed.
func (d *Depot) GCIfNeeded() (freed int64, err error) {
	d.gcMu.Lock()
	defer d.gcMu.Unlock()

	if d.MaxBytes <= 0 {
		return 0, nil
	}

	var entries []entry
	var total int64

	walkErr := filepath.Walk(d.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries
		}
		if info.IsDir() {
			return nil
		}
		if strings.Contains(filepath.Base(path), ".tmp-") {
			return nil // never collect transient writes
		}
		if !strings.HasSuffix(path, ".bin") {
			return nil
		}
		entries = append(entries, entry{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if walkErr != nil {
		return 0, vaulterr.New(vaulterr.Fatal, "depot.GCIfNeeded", walkErr)
	}

	if total <= d.MaxBytes {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})

	for _, e := range entries {
		if total <= d.MaxBytes {
			break
		}
		if err := os.Remove(e.path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			vlog.Warn("depot gc: failed to remove entry", "path", e.path, "error", err)
			continue
		}
		total -= e.size
		freed += e.size
	}

	vlog.Info("depot gc complete", "freed_bytes", freed, "remaining_bytes", total)
	return freed, nil
}

// StartScheduledGC runs GCIfNeeded on a fixed interval until StopScheduledGC
// is called. Errors from individual sweeps are logged, not returned; GC is
// best-effort background housekeeping and must never block a caller.
func (d *Depot) StartScheduledGC(interval time.Duration) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "depot.StartScheduledGC", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := d.GCIfNeeded(); err != nil {
				vlog.Warn("scheduled depot gc failed", "error", err)
			}
		}),
	)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "depot.StartScheduledGC", err)
	}
	d.scheduler = s
	s.Start()
	return nil
}

// StopScheduledGC halts the background sweep started by StartScheduledGC.
// It is a no-op if no sweep is running.
func (d *Depot) StopScheduledGC() error {
	if d.scheduler == nil {
		return nil
	}
	return d.scheduler.Shutdown()
}
