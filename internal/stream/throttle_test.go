package stream

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestThrottleTenChunksInOneSecond(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	th := NewThrottle(2 * time.Second).WithClock(clk.now)

	passed := 0
	for i := 0; i < 10; i++ {
		if th.Allow() {
			passed++
		}
		clk.advance(100 * time.Millisecond)
	}
	if passed > 1 {
		t.Fatalf("passed = %d, want at most 1", passed)
	}
}

func TestThrottleReopensAfterWindow(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	th := NewThrottle(1200 * time.Millisecond).WithClock(clk.now)

	if !th.Allow() {
		t.Fatal("first call should pass")
	}
	clk.advance(time.Second)
	if th.Allow() {
		t.Fatal("inside window should be dropped")
	}
	clk.advance(250 * time.Millisecond)
	if !th.Allow() {
		t.Fatal("window elapsed, should pass")
	}
	th.Reset()
	if !th.Allow() {
		t.Fatal("after Reset, should pass")
	}
}

func TestThrottleZeroWindowAlwaysPasses(t *testing.T) {
	t.Parallel()
	th := NewThrottle(0)
	for i := 0; i < 5; i++ {
		if !th.Allow() {
			t.Fatalf("call %d dropped with zero window", i)
		}
	}
}
