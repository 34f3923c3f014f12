package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/event"
)

type capture struct {
	mu    sync.Mutex
	fired []string
}

func (c *capture) emit(env event.Envelope) {
	var p event.TimerFired
	if err := env.DecodeInto(&p); err != nil {
		return
	}
	c.mu.Lock()
	c.fired = append(c.fired, p.TimerID)
	c.mu.Unlock()
}

func (c *capture) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.fired))
	copy(out, c.fired)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSetReplacesExistingTimer(t *testing.T) {
	c := &capture{}
	s := New(c.emit, logger.Default())
	s.Start(context.Background())
	defer s.Stop()

	s.Set("liveness:job:1", time.Hour)
	s.Set("liveness:job:1", 20*time.Millisecond)

	waitFor(t, time.Second, func() bool { return len(c.snapshot()) == 1 })
	if got := c.snapshot(); got[0] != "liveness:job:1" {
		t.Errorf("unexpected timer fired: %v", got)
	}
	if s.Has("liveness:job:1") {
		t.Error("fired timer should be removed")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	c := &capture{}
	s := New(c.emit, logger.Default())
	s.Start(context.Background())
	defer s.Stop()

	s.Set("idle-grace:job:1", 30*time.Millisecond)
	s.Cancel("idle-grace:job:1")

	time.Sleep(80 * time.Millisecond)
	if fired := c.snapshot(); len(fired) != 0 {
		t.Errorf("cancelled timer fired: %v", fired)
	}
}

func TestCancelPrefixSweepsOwnerTimers(t *testing.T) {
	c := &capture{}
	s := New(c.emit, logger.Default())
	s.Start(context.Background())
	defer s.Stop()

	s.Set("cooldown:job:1:idle:0", 25*time.Millisecond)
	s.Set("cooldown:job:1:exit:0", 25*time.Millisecond)
	s.Set("cooldown:job:2:idle:0", 25*time.Millisecond)
	s.CancelPrefix("cooldown:job:1:")

	waitFor(t, time.Second, func() bool { return len(c.snapshot()) == 1 })
	time.Sleep(50 * time.Millisecond)
	fired := c.snapshot()
	if len(fired) != 1 || fired[0] != "cooldown:job:2:idle:0" {
		t.Errorf("unexpected firings: %v", fired)
	}
}

func TestDueTimersFireInDeadlineOrder(t *testing.T) {
	c := &capture{}
	s := New(c.emit, logger.Default())
	s.Start(context.Background())
	defer s.Stop()

	s.Set("b", 40*time.Millisecond)
	s.Set("a", 15*time.Millisecond)

	waitFor(t, time.Second, func() bool { return len(c.snapshot()) == 2 })
	fired := c.snapshot()
	if fired[0] != "a" || fired[1] != "b" {
		t.Errorf("expected a then b, got %v", fired)
	}
}

func TestPendingListsScheduledIDs(t *testing.T) {
	c := &capture{}
	s := New(c.emit, logger.Default())

	s.Set("x", time.Hour)
	s.Set("y", time.Hour)
	pending := s.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %v", pending)
	}
}
