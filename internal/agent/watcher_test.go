package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/event"
)

// scriptedAdapter serves a controllable state for one agent.
type scriptedAdapter struct {
	UnavailableAdapter
	mu    sync.Mutex
	state State
}

func (a *scriptedAdapter) set(st State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = st
}

func (a *scriptedAdapter) GetState(context.Context, string) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, nil
}

type sink struct {
	mu     sync.Mutex
	events []event.Envelope
}

func (s *sink) emit(env event.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, env)
}

func (s *sink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func waitForTypes(t *testing.T, s *sink, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.types(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events, got %v", want, s.types())
	return nil
}

func TestInitialWorkingProducesNoEvent(t *testing.T) {
	a := &scriptedAdapter{state: State{Kind: StateWorking}}
	s := &sink{}
	w := NewWatcher("a1", a, s.emit, 10*time.Millisecond, logger.Default())
	w.Start(context.Background())
	defer w.Stop()

	time.Sleep(60 * time.Millisecond)
	if got := s.types(); len(got) != 0 {
		t.Errorf("initial Working must be silent, got %v", got)
	}
}

func TestInitialNonWorkingEmits(t *testing.T) {
	a := &scriptedAdapter{state: State{Kind: StateWaitingForInput}}
	s := &sink{}
	w := NewWatcher("a1", a, s.emit, 10*time.Millisecond, logger.Default())
	w.Start(context.Background())
	defer w.Stop()

	got := waitForTypes(t, s, 1)
	if got[0] != event.TypeAgentIdle {
		t.Errorf("expected agent.idle first, got %v", got)
	}
}

func TestConsecutiveIdenticalStatesDeduplicated(t *testing.T) {
	a := &scriptedAdapter{state: State{Kind: StateWorking}}
	s := &sink{}
	w := NewWatcher("a1", a, s.emit, 5*time.Millisecond, logger.Default())
	w.Start(context.Background())
	defer w.Stop()

	a.set(State{Kind: StateWaitingForInput})
	waitForTypes(t, s, 1)
	// Hold the same state over many poll intervals.
	time.Sleep(60 * time.Millisecond)
	if got := s.types(); len(got) != 1 {
		t.Errorf("duplicate states must not re-emit, got %v", got)
	}

	a.set(State{Kind: StateWorking})
	got := waitForTypes(t, s, 2)
	if got[1] != event.TypeAgentWorking {
		t.Errorf("expected agent.working, got %v", got)
	}
}

func TestSessionGoneEmitsAndExits(t *testing.T) {
	a := &scriptedAdapter{state: State{Kind: StateWorking}}
	s := &sink{}
	w := NewWatcher("a1", a, s.emit, 5*time.Millisecond, logger.Default())
	w.Start(context.Background())

	a.set(State{Kind: StateSessionGone})
	got := waitForTypes(t, s, 1)
	if got[len(got)-1] != event.TypeAgentGone {
		t.Errorf("expected agent.gone, got %v", got)
	}

	// The loop exits on its own; Stop must return promptly.
	done := make(chan struct{})
	go func() { w.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after session gone")
	}
}

func TestPromptStateCarriesQuestions(t *testing.T) {
	a := &scriptedAdapter{state: State{Kind: StateWorking}}
	s := &sink{}
	w := NewWatcher("a1", a, s.emit, 5*time.Millisecond, logger.Default())
	w.Start(context.Background())
	defer w.Stop()

	a.set(State{
		Kind:   StatePrompting,
		Prompt: PromptQuestion,
		Questions: []event.Question{
			{Question: "Which database?", Options: []string{"postgres", "sqlite"}},
		},
	})
	waitForTypes(t, s, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	var p event.AgentPrompt
	if err := s.events[0].DecodeInto(&p); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.PromptType != string(PromptQuestion) || len(p.Questions) != 1 {
		t.Errorf("prompt payload mangled: %+v", p)
	}
}
