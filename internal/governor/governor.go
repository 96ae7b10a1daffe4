// Package governor implements the adaptive concurrency semaphore that
// gates chunk-fetch workers, per spec.md section 4.9. It generalizes the
// condvar-based acquire/release shape of the teacher's memory limiter
// from a byte budget to a permit count, and adds pressure/quiet-period
// hysteresis the teacher has no equivalent for.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Method selects which permit formula governs a session.
type Method string

const (
	MethodAuto     Method = "auto"
	MethodMaxSpeed Method = "max_speed"
	MethodBalance  Method = "balance"
	MethodCDN      Method = "cdn"
)

const (
	pressureHoldWindow = 4 * time.Second
	quietReleaseMinGap = 2 * time.Second
	quietCheckInterval = 500 * time.Millisecond
)

// Governor is a permit semaphore whose capacity shrinks under network
// pressure and recovers after a quiet period.
type Governor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	max     int
	min     int
	held    int // permits withheld due to pressure
	inUse   int
	enabled bool // false for unknown methods: no pressure reaction

	lastPressure time.Time
	lastRelease  time.Time

	scheduler gocron.Scheduler
}

// maxPermits implements the per-method formula table from spec.md 4.9.
func maxPermits(method Method, base int) (permits int, ok bool) {
	switch method {
	case MethodAuto:
		return clamp(2*base, 16, 64), true
	case MethodMaxSpeed:
		return clamp(2*base+8, 20, 64), true
	case MethodBalance:
		return clamp(base, 12, 40), true
	case MethodCDN:
		return clamp(base/2, 6, 20), true
	default:
		return 0, false
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// New builds a Governor for the given method and base concurrency (the
// caller's suggested worker count, typically runtime.NumCPU()-derived).
// Unknown methods fall back to an unthrottled semaphore at baseConcurrency
// permits that never reacts to pressure.
func New(method Method, baseConcurrency int) *Governor {
	max, ok := maxPermits(method, baseConcurrency)
	if !ok {
		if baseConcurrency < 1 {
			baseConcurrency = 1
		}
		max = baseConcurrency
	}
	min := max / 2
	if min < 1 {
		min = 1
	}
	g := &Governor{max: max, min: min, enabled: ok}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *Governor) capacity() int {
	return g.max - g.held
}

// Acquire blocks until a permit is available, then reserves it. It
// returns false if ctx is cancelled before a permit frees up.
func (g *Governor) Acquire(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.cond.Broadcast()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()

	for g.inUse >= g.capacity() {
		if ctx.Err() != nil {
			return false
		}
		g.cond.Wait()
	}
	g.inUse++
	return true
}

// Release returns a permit to the pool.
func (g *Governor) Release() {
	g.mu.Lock()
	g.inUse--
	g.mu.Unlock()
	g.cond.Broadcast()
}

// OnPressure withholds one additional permit, never shrinking capacity
// below min. Disabled governors (unknown method) ignore pressure.
func (g *Governor) OnPressure() {
	if !g.enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if g.max-g.held > g.min {
		g.held++
	}
	g.lastPressure = now
}

// maybeQuietRelease gives back one held-back permit if the last pressure
// event was more than pressureHoldWindow ago and the last release was
// more than quietReleaseMinGap ago.
func (g *Governor) maybeQuietRelease() {
	if !g.enabled {
		return
	}
	g.mu.Lock()
	now := time.Now()
	if g.held == 0 || now.Sub(g.lastPressure) < pressureHoldWindow || now.Sub(g.lastRelease) < quietReleaseMinGap {
		g.mu.Unlock()
		return
	}
	g.held--
	g.lastRelease = now
	g.mu.Unlock()
	g.cond.Broadcast()
}

// InUse reports the number of permits currently checked out.
func (g *Governor) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// Capacity reports the current effective permit ceiling (max minus any
// pressure-held permits).
func (g *Governor) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity()
}

// Start runs the quiet-period release check on a recurring schedule
// until ctx is cancelled or Stop is called.
func (g *Governor) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	g.scheduler = s
	_, err = s.NewJob(
		gocron.DurationJob(quietCheckInterval),
		gocron.NewTask(g.maybeQuietRelease),
	)
	if err != nil {
		return err
	}
	s.Start()
	go func() {
		<-ctx.Done()
		_ = g.Stop()
	}()
	return nil
}

// Stop halts the quiet-period release job.
func (g *Governor) Stop() error {
	if g.scheduler == nil {
		return nil
	}
	return g.scheduler.Shutdown()
}
