package bus

import (
	"testing"
	"time"

	"github.com/oddjobs/oddjobs/internal/event"
)

func TestPublishAndConsume(t *testing.T) {
	b := New(4)
	if err := b.Publish(event.New(event.TypeCustom, &event.Custom{Name: "x"})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case env := <-b.C():
		if env.Type != event.TypeCustom {
			t.Errorf("unexpected type %s", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishBlocksUntilConsumed(t *testing.T) {
	b := New(1)
	_ = b.Publish(event.New(event.TypeCustom, &event.Custom{Name: "1"}))

	published := make(chan struct{})
	go func() {
		_ = b.Publish(event.New(event.TypeCustom, &event.Custom{Name: "2"}))
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish should block while the bus is full")
	case <-time.After(50 * time.Millisecond):
	}

	<-b.C()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish did not unblock after consume")
	}
}

func TestCloseUnblocksProducers(t *testing.T) {
	b := New(1)
	_ = b.Publish(event.New(event.TypeCustom, &event.Custom{Name: "1"}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Publish(event.New(event.TypeCustom, &event.Custom{Name: "2"}))
	}()
	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not released")
	}

	if err := b.Publish(event.New(event.TypeCustom, &event.Custom{Name: "3"})); err != ErrClosed {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}
