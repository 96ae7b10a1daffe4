package governor

import (
	"context"
	"testing"
	"time"
)

func TestMaxPermitsFormulas(t *testing.T) {
	cases := []struct {
		method Method
		base   int
		want   int
	}{
		{MethodAuto, 4, 16},       // clamp(8,16,64)
		{MethodAuto, 40, 64},      // clamp(80,16,64)
		{MethodMaxSpeed, 4, 20},   // clamp(16,20,64)
		{MethodMaxSpeed, 40, 64},  // clamp(88,20,64)
		{MethodBalance, 4, 12},    // clamp(4,12,40)
		{MethodBalance, 20, 20},   // clamp(20,12,40)
		{MethodCDN, 4, 6},         // clamp(2,6,20)
		{MethodCDN, 100, 20},      // clamp(50,6,20)
	}
	for _, c := range cases {
		got, ok := maxPermits(c.method, c.base)
		if !ok {
			t.Fatalf("%s: expected ok", c.method)
		}
		if got != c.want {
			t.Errorf("%s base=%d: got %d, want %d", c.method, c.base, got, c.want)
		}
	}
}

func TestMaxPermitsUnknownMethodDisabled(t *testing.T) {
	_, ok := maxPermits(Method("bogus"), 8)
	if ok {
		t.Fatal("expected unknown method to report ok=false")
	}
}

func TestNewUnknownMethodFallsBackUnthrottled(t *testing.T) {
	g := New(Method("bogus"), 8)
	if g.enabled {
		t.Error("expected disabled governor for unknown method")
	}
	if g.max != 8 {
		t.Errorf("max = %d, want 8", g.max)
	}
}

func TestAcquireReleaseRespectsCapacity(t *testing.T) {
	g := New(MethodCDN, 100) // max 20
	ctx := context.Background()

	for i := 0; i < g.Capacity(); i++ {
		if !g.Acquire(ctx) {
			t.Fatalf("acquire %d should have succeeded", i)
		}
	}
	if g.InUse() != g.Capacity() {
		t.Fatalf("InUse=%d, want %d", g.InUse(), g.Capacity())
	}

	ctx2, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if g.Acquire(ctx2) {
		t.Error("expected acquire to block when at capacity")
	}

	g.Release()
	ctx3, cancel3 := context.WithTimeout(context.Background(), time.Second)
	defer cancel3()
	if !g.Acquire(ctx3) {
		t.Error("expected acquire to succeed after a release")
	}
}

func TestOnPressureNeverShrinksBelowMin(t *testing.T) {
	g := New(MethodCDN, 12) // max 6, min 3
	for i := 0; i < 10; i++ {
		g.OnPressure()
	}
	if g.capacity() < g.min {
		t.Errorf("capacity %d fell below min %d", g.capacity(), g.min)
	}
}

func TestOnPressureIgnoredWhenDisabled(t *testing.T) {
	g := New(Method("bogus"), 8)
	g.OnPressure()
	if g.held != 0 {
		t.Error("expected disabled governor to ignore pressure")
	}
}

func TestMaybeQuietReleaseRespectsHoldWindow(t *testing.T) {
	g := New(MethodCDN, 12)
	g.OnPressure()
	before := g.capacity()
	g.maybeQuietRelease() // too soon: within the 4s hold window
	if g.capacity() != before {
		t.Errorf("expected no release before hold window elapses, capacity went from %d to %d", before, g.capacity())
	}
}

func TestMaybeQuietReleaseRecoversAfterWindow(t *testing.T) {
	g := New(MethodCDN, 12)
	g.OnPressure()
	before := g.capacity()
	g.lastPressure = time.Now().Add(-5 * time.Second)
	g.lastRelease = time.Time{}
	g.maybeQuietRelease()
	if g.capacity() != before+1 {
		t.Errorf("expected one permit released, capacity went from %d to %d", before, g.capacity())
	}
}
