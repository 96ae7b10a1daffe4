package session

import (
	"context"
	"testing"
	"time"
)

func TestCheckpointBlocksWhilePausedAndResumes(t *testing.T) {
	c := newControlSignal()
	c.set(ControlPaused)

	done := make(chan error, 1)
	go func() { done <- c.checkpoint(context.Background()) }()

	select {
	case <-done:
		t.Fatal("checkpoint returned while still paused")
	case <-time.After(20 * time.Millisecond):
	}

	c.set(ControlRunning)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("checkpoint: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not unblock after resume")
	}
}

func TestCheckpointReturnsCancelledError(t *testing.T) {
	c := newControlSignal()
	c.set(ControlCancelled)
	if err := c.checkpoint(context.Background()); err == nil {
		t.Fatal("expected an error for a cancelled control")
	}
}

// TestCheckpointObservesContextCancellationWhilePaused is the regression
// test for the case where cond.Wait only wakes on set()'s Broadcast: a
// paused worker whose context is cancelled must still return promptly
// rather than hang until someone calls resume.
func TestCheckpointObservesContextCancellationWhilePaused(t *testing.T) {
	c := newControlSignal()
	c.set(ControlPaused)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.checkpoint(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != ctx.Err() {
			t.Fatalf("checkpoint error = %v, want %v", err, ctx.Err())
		}
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not observe context cancellation while paused")
	}
}
