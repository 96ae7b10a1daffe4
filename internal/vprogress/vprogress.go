// Package vprogress tracks and displays download progress. It replaces
// the teacher's two duplicated trackers (progress/progress.go and
// download/progress.go, which differ only in bookkeeping detail) with
// one tracker rendered through vbauerster/mpb/v8 multi-bar progress
// instead of hand-rolled ANSI cursor movement, and formats byte counts
// with inhies/go-bytesize instead of a hand-rolled FormatBytes.
package vprogress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// speedWindowSize matches spec.md's 48-sample sliding speed window.
const speedWindowSize = 48

type sample struct {
	at    time.Time
	bytes int64
}

// Tracker aggregates overall and per-file progress for one download
// session and renders it as terminal progress bars.
type Tracker struct {
	totalBytes     int64
	totalFiles     int
	downloaded     atomic.Int64
	completedFiles atomic.Int32

	container *mpb.Progress
	overall   *mpb.Bar

	mu       sync.Mutex
	fileBars map[string]*mpb.Bar

	samplesMu sync.Mutex
	samples   []sample
}

// New builds a Tracker and starts its overall progress bar. totalBytes
// should already include any preexisting (depot-hydrated) bytes the
// caller plans to report via AddPreexisting.
func New(totalBytes int64, totalFiles int) *Tracker {
	p := mpb.New(mpb.WithWidth(64))
	t := &Tracker{
		totalBytes: totalBytes,
		totalFiles: totalFiles,
		container:  p,
		fileBars:   make(map[string]*mpb.Bar),
	}
	t.overall = p.AddBar(totalBytes,
		mpb.PrependDecorators(
			decor.Name("overall"),
			decor.Percentage(decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
			decor.Name(" "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 60),
		),
	)
	t.samples = append(t.samples, sample{at: time.Now(), bytes: 0})
	return t
}

// AddFile registers a per-file progress bar.
func (t *Tracker) AddFile(path string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fileBars[path] = t.container.AddBar(size,
		mpb.PrependDecorators(
			decor.Name(shortenName(path)),
			decor.Percentage(decor.WCSyncSpace),
		),
	)
}

// AddPreexisting records bytes that were already present (depot hit or
// resumed chunk) without representing a live transfer.
func (t *Tracker) AddPreexisting(n int64) {
	t.downloaded.Add(n)
	t.overall.IncrInt64(n)
	t.recordSample()
}

// ChunkDownloaded records n freshly transferred bytes against path's
// file bar and the overall bar, and appends a speed sample.
func (t *Tracker) ChunkDownloaded(path string, n int64) {
	t.downloaded.Add(n)
	t.overall.IncrInt64(n)

	t.mu.Lock()
	bar := t.fileBars[path]
	t.mu.Unlock()
	if bar != nil {
		bar.IncrInt64(n)
	}
	t.recordSample()
}

// FileComplete marks one file as finished.
func (t *Tracker) FileComplete(path string) {
	t.completedFiles.Add(1)
}

// Downloaded returns total bytes accounted for so far (preexisting plus
// transferred).
func (t *Tracker) Downloaded() int64 { return t.downloaded.Load() }

// TotalBytes returns the session's total byte count.
func (t *Tracker) TotalBytes() int64 { return t.totalBytes }

// Percent returns overall completion in the range [0,100].
func (t *Tracker) Percent() float64 {
	if t.totalBytes <= 0 {
		return 100
	}
	return float64(t.downloaded.Load()) / float64(t.totalBytes) * 100
}

// CompletedFiles returns how many files have finished so far.
func (t *Tracker) CompletedFiles() int { return int(t.completedFiles.Load()) }

func (t *Tracker) recordSample() {
	t.samplesMu.Lock()
	defer t.samplesMu.Unlock()
	t.samples = append(t.samples, sample{at: time.Now(), bytes: t.downloaded.Load()})
	if len(t.samples) > speedWindowSize {
		t.samples = t.samples[len(t.samples)-speedWindowSize:]
	}
}

// Speed returns the current bytes/second rate over the 48-sample window.
func (t *Tracker) Speed() float64 {
	t.samplesMu.Lock()
	defer t.samplesMu.Unlock()
	if len(t.samples) < 2 {
		return 0
	}
	first, last := t.samples[0], t.samples[len(t.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / elapsed
}

// ETA estimates remaining time at the current speed; zero when the
// speed is zero or the session is already complete.
func (t *Tracker) ETA() time.Duration {
	speed := t.Speed()
	remaining := t.totalBytes - t.downloaded.Load()
	if speed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / speed * float64(time.Second))
}

// Wait blocks until all bars have rendered their final frame.
func (t *Tracker) Wait() {
	t.container.Wait()
}

func shortenName(path string) string {
	const maxLen = 40
	if len(path) <= maxLen {
		return path
	}
	return "..." + path[len(path)-(maxLen-3):]
}

// FormatBytes renders n as a human-readable byte count.
func FormatBytes(n int64) string {
	return bytesize.New(float64(n)).String()
}
