package session

import (
	"context"
	"sync"

	"github.com/coldforge/vaultcore/internal/vaulterr"
)

// Control is the watched pause/resume/cancel value. Workers read it
// before starting each chunk; a chunk whose fetch is already under way
// runs to completion before a pause or cancel takes effect.
type Control int32

const (
	ControlRunning Control = iota
	ControlPaused
	ControlCancelled
)

type controlSignal struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value Control
}

func newControlSignal() *controlSignal {
	c := &controlSignal{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *controlSignal) set(v Control) {
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *controlSignal) get() Control {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// checkpoint blocks while the control is Paused and returns a Cancelled
// vaulterr.Error once it is Cancelled. Workers call this before starting
// each chunk, and the session calls it before each status change; it is
// not called between a chunk's retry attempts.
func (c *controlSignal) checkpoint(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value == ControlPaused {
		// cond.Wait only wakes on set()'s Broadcast; without this watcher
		// a cancelled ctx would never be observed while paused.
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				c.cond.Broadcast()
			case <-stop:
			}
		}()
	}

	for c.value == ControlPaused {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.cond.Wait()
	}
	if c.value == ControlCancelled {
		return vaulterr.New(vaulterr.Cancelled, "session.checkpoint", errCancelled{})
	}
	return nil
}

type errCancelled struct{}

func (errCancelled) Error() string { return "cancelled by user" }
