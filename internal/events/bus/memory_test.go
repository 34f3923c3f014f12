package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oddjobs/oddjobs/internal/common/logger"
)

func collect(t *testing.T, b *MemoryEventBus, pattern string) *[]string {
	t.Helper()
	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe(pattern, func(_ context.Context, ev *Event) error {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe(%q) failed: %v", pattern, err)
	}
	// Handlers run on goroutines; give deliveries a moment when asserting.
	t.Cleanup(func() { mu.Lock(); defer mu.Unlock() })
	return &got
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestExactSubjectDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()
	got := collect(t, b, "job.created")

	_ = b.Publish(context.Background(), "job.created", NewEvent("job.created", "engine", nil))
	_ = b.Publish(context.Background(), "job.deleted", NewEvent("job.deleted", "engine", nil))

	eventually(t, func() bool { return len(*got) == 1 })
	time.Sleep(20 * time.Millisecond)
	if len(*got) != 1 {
		t.Errorf("expected only job.created, got %v", *got)
	}
}

func TestWildcardPatterns(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	star := collect(t, b, "job.*")
	all := collect(t, b, ">")

	subjects := []string{"job.created", "job.advanced", "agent.idle"}
	for _, s := range subjects {
		_ = b.Publish(context.Background(), s, NewEvent(s, "engine", nil))
	}

	eventually(t, func() bool { return len(*all) == 3 })
	eventually(t, func() bool { return len(*star) == 2 })
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var count int
	var mu sync.Mutex
	sub, err := b.Subscribe("x", func(_ context.Context, _ *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = b.Publish(context.Background(), "x", NewEvent("x", "t", nil))
	eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return count == 1 })

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("unsubscribed subscription still valid")
	}
	_ = b.Publish(context.Background(), "x", NewEvent("x", "t", nil))
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("delivery after unsubscribe: %d", count)
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()
	if b.IsConnected() {
		t.Error("closed bus reports connected")
	}
	if err := b.Publish(context.Background(), "x", NewEvent("x", "t", nil)); err == nil {
		t.Error("expected publish error after close")
	}
}
