package throttle

import (
	"context"
	"testing"
	"time"
)

func TestAcquireUnlimited(t *testing.T) {
	tr := New(0)
	defer tr.Close()

	ctx := context.Background()
	if err := tr.Acquire(ctx, 1<<30); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAcquireWithinBudget(t *testing.T) {
	tr := New(1000)
	defer tr.Close()

	ctx := context.Background()
	if err := tr.Acquire(ctx, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Acquire(ctx, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAcquireBlocksUntilContextCancelled(t *testing.T) {
	tr := New(100)
	defer tr.Close()

	ctx := context.Background()
	if err := tr.Acquire(ctx, 100); err != nil {
		t.Fatalf("unexpected error filling budget: %v", err)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tr.Acquire(cctx, 1)
	if err == nil {
		t.Fatal("expected Acquire to block until cancellation")
	}
}

// TestAcquireOversizedRequestDoesNotDeadlock covers a chunk larger than
// the configured per-second budget: usedBPS+n never drops below maxBPS,
// so a naive guard would block forever.
func TestAcquireOversizedRequestDoesNotDeadlock(t *testing.T) {
	tr := New(100)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := tr.Acquire(ctx, 10_000); err != nil {
		t.Fatalf("Acquire with n > maxBPS should not block forever: %v", err)
	}
}

func TestSetLimitUnblocksWaiters(t *testing.T) {
	tr := New(10)
	defer tr.Close()

	ctx := context.Background()
	if err := tr.Acquire(ctx, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- tr.Acquire(ctx, 5)
	}()

	time.Sleep(20 * time.Millisecond)
	tr.SetLimit(1000)

	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after SetLimit raised the budget")
	}
}
