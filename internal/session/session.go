// Package session implements the download manager orchestrator: the
// state machine and 14-step happy-path algorithm of spec.md section
// 4.10, wiring together the manifest, plan, store, scanner, fetch,
// governor, depot, and peercoord packages. It generalizes the teacher's
// downloader.go worker/writer goroutine wiring (channels, WaitGroup,
// cancel-on-error) from a fixed CDN-only pipeline to the full
// plan->preallocate->hydrate->fetch->verify->extract->finalize
// lifecycle, and adds pause/resume/cancel as a watched control value,
// grounded on original_source's download_manager.rs state machine.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/coldforge/vaultcore/internal/archive"
	"github.com/coldforge/vaultcore/internal/depot"
	"github.com/coldforge/vaultcore/internal/fetch"
	"github.com/coldforge/vaultcore/internal/governor"
	"github.com/coldforge/vaultcore/internal/manifest"
	"github.com/coldforge/vaultcore/internal/peercoord"
	"github.com/coldforge/vaultcore/internal/plan"
	"github.com/coldforge/vaultcore/internal/scanner"
	"github.com/coldforge/vaultcore/internal/store"
	"github.com/coldforge/vaultcore/internal/throttle"
	"github.com/coldforge/vaultcore/internal/vaulterr"
	"github.com/coldforge/vaultcore/internal/vconfig"
	"github.com/coldforge/vaultcore/internal/vlog"
	"github.com/coldforge/vaultcore/internal/vprogress"
)

// Status is a session's position in the state machine of spec.md
// section 4.10.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCancelled   Status = "cancelled"
	StatusVerifying   Status = "verifying"
	StatusExtracting  Status = "extracting"
	StatusFinalizing  Status = "finalizing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

const (
	manifestFileName = "manifest.json"
	peerFanout       = 4

	minStorageSafety = 256 * 1024 * 1024
	maxStorageSafety = 2 * 1024 * 1024 * 1024

	progressReportPeriod = 500 * time.Millisecond
)

// Snapshot is a point-in-time progress report, handed to Options.OnProgress.
type Snapshot struct {
	DownloadID string
	Status     Status
	Downloaded int64
	Total      int64
	Percent    float64
	SpeedBPS   float64
	ETASeconds int64
}

// Options describes one download run.
type Options struct {
	DownloadID         string
	GameID             string
	Slug               string
	ManifestURL        string
	InstallDirOverride string
	Method             vconfig.DownloadMethod
	BaseConcurrency    int
	OnProgress         func(Snapshot)
}

// Deps are the shared, long-lived collaborators a Manager wires into
// every session it runs.
type Deps struct {
	Store     *store.Store
	Depot     *depot.Depot
	Throttler *throttle.Throttler
	Peers     *peercoord.Coordinator // nil when P2P is disabled
	Config    *vconfig.Config
}

// Manager runs download sessions and tracks the active ones so
// Pause/Resume/Cancel can be issued out-of-band (e.g. from a CLI signal
// handler or another goroutine) while Run blocks.
type Manager struct {
	deps Deps

	mu     sync.Mutex
	active map[string]*controlSignal
}

// NewManager builds a Manager over the given shared dependencies.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, active: make(map[string]*controlSignal)}
}

// Pause transitions a running download to Paused. Returns false if no
// such download is currently running.
func (m *Manager) Pause(downloadID string) bool { return m.signal(downloadID, ControlPaused) }

// Resume transitions a paused download back to Running.
func (m *Manager) Resume(downloadID string) bool { return m.signal(downloadID, ControlRunning) }

// Cancel aborts a running or paused download. Completed chunks remain
// recorded so a future Run re-plans against them.
func (m *Manager) Cancel(downloadID string) bool { return m.signal(downloadID, ControlCancelled) }

func (m *Manager) signal(downloadID string, v Control) bool {
	m.mu.Lock()
	c, ok := m.active[downloadID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	c.set(v)
	return true
}

// Run executes one download session synchronously, following spec.md
// section 4.10's algorithm. It blocks until the session reaches a
// terminal status or ctx is cancelled.
func (m *Manager) Run(ctx context.Context, opts Options) error {
	if opts.BaseConcurrency <= 0 {
		opts.BaseConcurrency = 8
	}

	s := &session{mgr: m, opts: opts, control: newControlSignal()}

	m.mu.Lock()
	m.active[opts.DownloadID] = s.control
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, opts.DownloadID)
		m.mu.Unlock()
	}()

	return s.run(ctx)
}

// session is the per-run state threaded through the algorithm's steps.
type session struct {
	mgr     *Manager
	opts    Options
	control *controlSignal

	installDir  string
	manifest    *manifest.Manifest
	oldManifest *manifest.Manifest
	plan        *plan.DownloadPlan
	peers       []peercoord.Candidate

	progress *vprogress.Tracker
	governor *governor.Governor
	fetcher  *fetch.Fetcher

	partMu    sync.Mutex
	partFiles map[string]*os.File

	lastReportMu sync.Mutex
	lastReport   time.Time
}

func (s *session) deps() Deps { return s.mgr.deps }

func (s *session) run(ctx context.Context) error {
	if err := s.resolveInstallDir(); err != nil {
		return s.fail(err)
	}
	if err := s.fetchManifest(ctx); err != nil {
		return s.fail(err)
	}
	s.loadOldManifest()

	if err := s.buildPlan(); err != nil {
		return s.fail(err)
	}

	s.peerAssist(ctx)
	s.preflightScan()

	if err := s.checkStorageBudget(); err != nil {
		return s.fail(err)
	}

	if err := s.deleteObsoleteFiles(); err != nil {
		return s.fail(err)
	}

	s.progress = vprogress.New(s.plan.TotalBytes, len(s.plan.FilesToFinalize))

	if err := s.preallocate(); err != nil {
		return s.fail(err)
	}
	defer s.closePartFiles()

	s.hydrateFromDepot()

	s.governor = governor.New(governor.Method(s.opts.Method), s.opts.BaseConcurrency)
	if err := s.governor.Start(ctx); err != nil {
		vlog.Warn("governor scheduler failed to start", "error", err)
	}
	defer s.governor.Stop()

	fetcher, err := fetch.New(func(ev fetch.PressureEvent) {
		s.governor.OnPressure()
		vlog.Debug("network pressure observed", "source", ev.Source, "error", ev.Err)
	})
	if err != nil {
		return s.fail(err)
	}
	s.fetcher = fetcher
	defer s.fetcher.Close()

	if err := s.setStatus(ctx, StatusDownloading); err != nil {
		return s.fail(err)
	}

	if err := s.dispatch(ctx); err != nil {
		if vaulterr.Is(err, vaulterr.Cancelled) {
			return s.cancel()
		}
		return s.fail(err)
	}

	s.closePartFiles()
	if err := s.finalizeFiles(); err != nil {
		return s.fail(err)
	}

	if err := s.setStatus(ctx, StatusVerifying); err != nil {
		return s.fail(err)
	}
	if err := s.postDownloadScan(); err != nil {
		return s.fail(err)
	}

	if s.manifest.InstallMode == manifest.ModeArchiveChunks {
		if err := s.setStatus(ctx, StatusExtracting); err != nil {
			return s.fail(err)
		}
		if err := archive.ExtractAll(s.installDir, s.manifest, s.oldManifest); err != nil {
			return s.fail(err)
		}
	}

	if err := s.setStatus(ctx, StatusFinalizing); err != nil {
		return s.fail(err)
	}
	if err := s.writeManifestAtomically(); err != nil {
		return s.fail(err)
	}
	if err := s.deps().Store.ClearDownloadChunks(s.opts.DownloadID); err != nil {
		vlog.Warn("failed to clear chunk records after completion", "error", err)
	}

	if err := s.setStatus(ctx, StatusCompleted); err != nil {
		return err
	}
	if _, err := s.deps().Depot.GCIfNeeded(); err != nil {
		vlog.Warn("depot GC failed after finalize", "error", err)
	}
	return nil
}

// resolveInstallDir: explicit override > persisted install_dir > default.
func (s *session) resolveInstallDir() error {
	if s.opts.InstallDirOverride != "" {
		s.installDir = s.opts.InstallDirOverride
		return nil
	}
	st, ok, err := s.deps().Store.GetDownloadState(s.opts.DownloadID)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "session.resolveInstallDir", err)
	}
	if ok && st.InstallDir != "" {
		s.installDir = st.InstallDir
		return nil
	}
	s.installDir = filepath.Join(s.deps().Config.InstallRoot, s.opts.Slug)
	return nil
}

func (s *session) fetchManifest(ctx context.Context) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 6
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.opts.ManifestURL, nil)
	if err != nil {
		return vaulterr.New(vaulterr.ManifestInvalid, "session.fetchManifest", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "session.fetchManifest", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return vaulterr.New(vaulterr.Fatal, "session.fetchManifest",
			fmt.Errorf("manifest fetch: HTTP %d", resp.StatusCode))
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "session.fetchManifest", err)
	}

	m, err := manifest.Parse(buf)
	if err != nil {
		return err
	}
	s.manifest = m

	if err := os.MkdirAll(s.installDir, 0o755); err != nil {
		return vaulterr.New(vaulterr.Fatal, "session.fetchManifest", err)
	}

	return s.deps().Store.SaveDownloadState(store.DownloadState{
		ID:              s.opts.DownloadID,
		GameID:          s.opts.GameID,
		Slug:            s.opts.Slug,
		Status:          string(StatusQueued),
		InstallDir:      s.installDir,
		ManifestJSON:    string(buf),
		CheckpointValid: true,
		UpdatedAt:       time.Now().Unix(),
	})
}

// loadOldManifest reads a previously finalized manifest.json, if any. A
// missing or unparsable old manifest just means "treat as fresh install".
func (s *session) loadOldManifest() {
	data, err := os.ReadFile(filepath.Join(s.installDir, manifestFileName))
	if err != nil {
		return
	}
	old, err := manifest.Parse(data)
	if err != nil {
		vlog.Warn("ignoring unparsable previous manifest", "error", err)
		return
	}
	s.oldManifest = old
}

func (s *session) buildPlan() error {
	completed, err := s.deps().Store.ListCompletedChunks(s.opts.DownloadID)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "session.buildPlan", err)
	}
	p, err := plan.Build(s.manifest, s.oldManifest, completed, s.installDir)
	if err != nil {
		return err
	}
	s.plan = p
	return nil
}

// peerAssist resolves peer candidates for later per-chunk URL fan-out
// when the method allows peer traffic.
func (s *session) peerAssist(ctx context.Context) {
	if s.opts.Method == vconfig.MethodCDN || s.deps().Peers == nil {
		return
	}
	s.peers = s.deps().Peers.PeersForGame(ctx, s.opts.GameID)
}

// preflightScan is non-fatal and only logged: it gives an early read on
// how much of the plan's work is already satisfied on disk.
func (s *session) preflightScan() {
	sc := scanner.New(s.installDir, s.deps().Config.PreScanHashMaxBytes)
	checkpoint, err := s.deps().Store.FileIndexSnapshot(s.opts.DownloadID)
	if err != nil {
		vlog.Warn("preflight scan: failed to load file index", "error", err)
		checkpoint = nil
	}
	results := sc.ScanFiles(s.manifest.Files, scanner.ModePreflight, checkpoint)
	ok := 0
	for _, r := range results {
		if r.Complete() {
			ok++
		}
	}
	vlog.Info("preflight scan complete", "ok", ok, "total", len(results))
}

func (s *session) checkStorageBudget() error {
	free, err := availableBytes(s.deps().Config.InstallRoot)
	if err != nil {
		vlog.Warn("storage budget check skipped: could not stat volume", "error", err)
		return nil
	}
	var extraction int64
	if s.manifest.InstallMode == manifest.ModeArchiveChunks {
		extraction = estimateExtractionBytes(s.manifest, s.oldManifest)
	}
	required := s.plan.TotalBytes - s.plan.PreexistingBytes + extraction
	if required < 0 {
		required = 0
	}
	safety := required / 20
	if safety < minStorageSafety {
		safety = minStorageSafety
	}
	if safety > maxStorageSafety {
		safety = maxStorageSafety
	}
	if free < required+safety {
		return vaulterr.New(vaulterr.InsufficientSpace, "session.checkStorageBudget",
			fmt.Errorf("need %d bytes (required %d + safety %d), have %d free", required+safety, required, safety, free))
	}
	return nil
}

// estimateExtractionBytes mirrors original_source's proportional
// estimate: total manifest bytes outside the archive zips, scaled by
// the fraction of archive bytes that actually changed.
func estimateExtractionBytes(m, oldM *manifest.Manifest) int64 {
	oldHashes := make(map[string]string)
	if oldM != nil {
		for _, f := range oldM.Files {
			oldHashes[f.Path] = f.Hash
		}
	}
	var totalArchiveBytes, changedArchiveBytes, nonArchiveBytes int64
	for _, f := range m.Files {
		if m.IsArchiveMember(f.Path) {
			totalArchiveBytes += f.Size
			if oldHashes[f.Path] != f.Hash {
				changedArchiveBytes += f.Size
			}
			continue
		}
		nonArchiveBytes += f.Size
	}
	if changedArchiveBytes == 0 {
		return 0
	}
	if totalArchiveBytes == 0 {
		return nonArchiveBytes
	}
	estimate := nonArchiveBytes * changedArchiveBytes / totalArchiveBytes
	if estimate < changedArchiveBytes {
		estimate = changedArchiveBytes
	}
	return estimate
}

func (s *session) deleteObsoleteFiles() error {
	for _, rel := range s.plan.DeleteFiles {
		full := filepath.Join(s.installDir, filepath.FromSlash(rel))
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			vlog.Warn("failed to delete obsolete file", "path", full, "error", err)
		}
	}
	return nil
}

// preallocate creates each target file's .part sibling at its final
// size (Truncate/set_len) so chunk writers can write at arbitrary
// offsets, and registers a progress bar for each.
func (s *session) preallocate() error {
	s.partFiles = make(map[string]*os.File)
	for _, rel := range s.plan.FilesToFinalize {
		f, ok := s.manifest.FileByPath(rel)
		if !ok {
			continue
		}
		full := filepath.Join(s.installDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return vaulterr.New(vaulterr.Fatal, "session.preallocate", err)
		}
		part := full + ".part"
		pf, err := os.OpenFile(part, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return vaulterr.New(vaulterr.Fatal, "session.preallocate", err)
		}
		if err := pf.Truncate(f.Size); err != nil {
			pf.Close()
			return vaulterr.New(vaulterr.Fatal, "session.preallocate", err)
		}
		s.partFiles[rel] = pf
		s.progress.AddFile(rel, f.Size)
	}
	return nil
}

func (s *session) closePartFiles() {
	s.partMu.Lock()
	defer s.partMu.Unlock()
	for path, f := range s.partFiles {
		if err := f.Close(); err != nil {
			vlog.Warn("failed to close part file", "path", path, "error", err)
		}
	}
	s.partFiles = nil
}

func (s *session) partFile(rel string) (*os.File, bool) {
	s.partMu.Lock()
	defer s.partMu.Unlock()
	f, ok := s.partFiles[rel]
	return f, ok
}

// hydrateFromDepot fills in any chunk already present in the depot
// cache, writing its bytes immediately and removing it from the
// dispatch queue.
func (s *session) hydrateFromDepot() {
	remaining := s.plan.Chunks[:0]
	for _, job := range s.plan.Chunks {
		data, ok, err := s.deps().Depot.Load(job.Chunk.Hash, job.Chunk.Size)
		if err != nil {
			vlog.Warn("depot load failed", "hash", job.Chunk.Hash, "error", err)
		}
		if !ok {
			remaining = append(remaining, job)
			continue
		}
		if err := s.writeChunk(job, data); err != nil {
			vlog.Warn("failed to hydrate chunk from depot", "error", err)
			remaining = append(remaining, job)
			continue
		}
		s.recordChunkComplete(job)
		s.plan.PreexistingBytes += job.Chunk.Size
		s.progress.AddPreexisting(job.Chunk.Size)
		vlog.Info("reused chunk from depot cache", "hash", job.Chunk.Hash)
	}
	s.plan.Chunks = remaining
}

func (s *session) writeChunk(job plan.ChunkJob, data []byte) error {
	f, ok := s.partFile(job.FilePath)
	if !ok {
		return fmt.Errorf("no preallocated part file for %q", job.FilePath)
	}
	offset := job.Chunk.Offset(s.manifest.ChunkSize)
	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}
	if err := s.deps().Depot.Store(job.Chunk.Hash, data); err != nil {
		vlog.Warn("depot store best-effort failed", "hash", job.Chunk.Hash, "error", err)
	}
	return nil
}

func (s *session) recordChunkComplete(job plan.ChunkJob) {
	fileID := job.FilePath
	if f, ok := s.manifest.FileByPath(job.FilePath); ok {
		fileID = f.FileID
	}
	if err := s.deps().Store.UpsertDownloadChunk(store.DownloadChunk{
		DownloadID: s.opts.DownloadID,
		FileID:     fileID,
		ChunkIndex: job.Chunk.Index,
		Hash:       job.Chunk.Hash,
		Size:       job.Chunk.Size,
		Status:     "completed",
		UpdatedAt:  time.Now().Unix(),
	}); err != nil {
		vlog.Warn("failed to record completed chunk", "error", err)
	}
}

// dispatch fans the plan's remaining chunk jobs out over a
// governor-bounded worker pool, mirroring the teacher's
// downloadAndWrite channel/WaitGroup pattern.
func (s *session) dispatch(ctx context.Context) error {
	if len(s.plan.Chunks) == 0 {
		return nil
	}

	jobs := make(chan plan.ChunkJob, len(s.plan.Chunks))
	for _, j := range s.plan.Chunks {
		jobs <- j
	}
	close(jobs)

	workers := s.governor.Capacity()
	if workers < 1 {
		workers = 1
	}
	if workers > len(s.plan.Chunks) {
		workers = len(s.plan.Chunks)
	}

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	setErr := func(err error) {
		errOnce.Do(func() { firstErr = err })
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := s.control.checkpoint(workerCtx); err != nil {
					setErr(err)
					cancel()
					return
				}
				if !s.governor.Acquire(workerCtx) {
					setErr(workerCtx.Err())
					return
				}
				err := s.runJob(workerCtx, job)
				s.governor.Release()
				if err != nil {
					setErr(err)
					cancel()
					return
				}
				s.maybeReportProgress()
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		if ctx.Err() != nil && !vaulterr.Is(firstErr, vaulterr.Cancelled) {
			return vaulterr.New(vaulterr.Cancelled, "session.dispatch", ctx.Err())
		}
		return firstErr
	}
	return nil
}

func (s *session) runJob(ctx context.Context, job plan.ChunkJob) error {
	var peerURLs []string
	if len(s.peers) > 0 {
		peerURLs = peercoord.BuildChunkPeerURLs(job.Chunk.Hash, s.peers, peerFanout)
	}
	candidates := fetch.BuildCandidates(peerURLs, job.Chunk.URL, job.Chunk.FallbackURLs)

	data, err := s.fetcher.Fetch(ctx, job.Chunk, candidates)
	if err != nil {
		return err
	}

	if err := s.deps().Throttler.Acquire(ctx, int64(len(data))); err != nil {
		return err
	}

	if err := s.writeChunk(job, data); err != nil {
		return vaulterr.New(vaulterr.Fatal, "session.runJob", err)
	}
	s.recordChunkComplete(job)
	s.progress.ChunkDownloaded(job.FilePath, job.Chunk.Size)
	return nil
}

func (s *session) maybeReportProgress() {
	s.lastReportMu.Lock()
	due := time.Since(s.lastReport) >= progressReportPeriod
	if due {
		s.lastReport = time.Now()
	}
	s.lastReportMu.Unlock()
	if due {
		s.reportProgress(StatusDownloading)
	}
}

// postDownloadScan hashes every finalized file against the manifest and
// records the file index for future accelerated rescans.
func (s *session) postDownloadScan() error {
	sc := scanner.New(s.installDir, 0)
	files := filesToFinalizeEntries(s.manifest, s.plan.FilesToFinalize)
	results := sc.ScanFiles(files, scanner.ModeFull, nil)
	now := time.Now().Unix()
	snapshot := make(map[string]store.FileIndexEntry, len(results))
	for _, r := range results {
		if !r.Complete() {
			return vaulterr.New(vaulterr.IntegrityMismatch, "session.postDownloadScan",
				fmt.Errorf("file %q failed post-download verification", r.Path))
		}
		f, ok := s.manifest.FileByPath(r.Path)
		if !ok {
			continue
		}
		full := filepath.Join(s.installDir, filepath.FromSlash(r.Path))
		var mtime int64
		if info, err := os.Stat(full); err == nil {
			mtime = info.ModTime().UnixNano()
		}
		entry := store.FileIndexEntry{
			DownloadID: s.opts.DownloadID,
			Path:       f.Path,
			Size:       f.Size,
			Hash:       f.Hash,
			MtimeNS:    mtime,
			VerifiedAt: now,
		}
		if err := s.deps().Store.UpsertFileIndexEntry(entry); err != nil {
			vlog.Warn("failed to record file index entry", "path", f.Path, "error", err)
		}
		snapshot[f.Path] = entry
		s.progress.FileComplete(f.Path)
	}
	sc.CacheSnapshot(s.opts.DownloadID, snapshot)
	return nil
}

// finalizeFiles atomically renames every downloaded file's .part sibling
// into place.
func (s *session) finalizeFiles() error {
	for _, rel := range s.plan.FilesToFinalize {
		full := filepath.Join(s.installDir, filepath.FromSlash(rel))
		part := full + ".part"
		if _, err := os.Stat(part); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return vaulterr.New(vaulterr.Fatal, "session.finalizeFiles", err)
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return vaulterr.New(vaulterr.Fatal, "session.finalizeFiles", err)
		}
		if err := os.Rename(part, full); err != nil {
			return vaulterr.New(vaulterr.Fatal, "session.finalizeFiles", err)
		}
	}
	return nil
}

// writeManifestAtomically persists the new manifest as the install
// directory's durable record of its own contents, via a temp-file
// write-then-rename so a crash mid-write never leaves a corrupt
// manifest.json behind.
func (s *session) writeManifestAtomically() error {
	buf, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "session.writeManifestAtomically", err)
	}
	final := filepath.Join(s.installDir, manifestFileName)
	tmp := fmt.Sprintf("%s.tmp-%d", final, time.Now().UnixNano())
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return vaulterr.New(vaulterr.Fatal, "session.writeManifestAtomically", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return vaulterr.New(vaulterr.Fatal, "session.writeManifestAtomically", err)
	}
	return nil
}

func (s *session) setStatus(ctx context.Context, status Status) error {
	if err := s.control.checkpoint(ctx); err != nil {
		return err
	}
	if err := s.deps().Store.UpdateDownloadStatus(s.opts.DownloadID, string(status)); err != nil {
		return vaulterr.New(vaulterr.Fatal, "session.setStatus", err)
	}
	s.reportProgress(status)
	return nil
}

func (s *session) reportProgress(status Status) {
	snap := Snapshot{DownloadID: s.opts.DownloadID, Status: status}
	if s.progress != nil {
		snap.Downloaded = s.progress.Downloaded()
		snap.Total = s.progress.TotalBytes()
		snap.Percent = s.progress.Percent()
		snap.SpeedBPS = s.progress.Speed()
		snap.ETASeconds = int64(s.progress.ETA().Seconds())
	}

	if err := s.deps().Store.UpsertDownloadProgress(store.DownloadProgress{
		ID:              s.opts.DownloadID,
		GameID:          s.opts.GameID,
		Status:          string(status),
		Progress:        snap.Percent,
		DownloadedBytes: snap.Downloaded,
		TotalBytes:      snap.Total,
		NetworkBPS:      int64(snap.SpeedBPS),
		ETASeconds:      snap.ETASeconds,
		UpdatedAt:       time.Now().Unix(),
	}); err != nil {
		vlog.Warn("failed to persist download progress", "error", err)
	}

	if s.opts.OnProgress != nil {
		s.opts.OnProgress(snap)
	}
}

func (s *session) fail(err error) error {
	if setErr := s.deps().Store.UpdateDownloadStatus(s.opts.DownloadID, string(StatusFailed)); setErr != nil {
		vlog.Warn("failed to persist failed status", "error", setErr)
	}
	s.reportProgress(StatusFailed)
	vlog.Error("download session failed", "download_id", s.opts.DownloadID, "error", err)
	return err
}

func (s *session) cancel() error {
	if err := s.deps().Store.UpdateDownloadStatus(s.opts.DownloadID, string(StatusCancelled)); err != nil {
		vlog.Warn("failed to persist cancelled status", "error", err)
	}
	s.reportProgress(StatusCancelled)
	return vaulterr.New(vaulterr.Cancelled, "session.cancel", errCancelled{})
}

// filesToFinalizeEntries resolves the plan's finalized paths back to
// their full manifest.File entries, for a post-download scan limited to
// the files this run actually touched.
func filesToFinalizeEntries(m *manifest.Manifest, paths []string) []manifest.File {
	out := make([]manifest.File, 0, len(paths))
	for _, p := range paths {
		if f, ok := m.FileByPath(p); ok {
			out = append(out, f)
		}
	}
	return out
}
