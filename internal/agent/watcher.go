package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/event"
)

// Emit delivers watcher events to the engine bus.
type Emit func(event.Envelope)

// Watcher observes one agent and tags raw state into lifecycle
// events. Consecutive identical observations are de-duplicated; the
// initial observation produces an event only when it is not Working.
type Watcher struct {
	agentID  string
	adapter  Adapter
	emit     Emit
	interval time.Duration
	logger   *logger.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher for one agent.
func NewWatcher(agentID string, adapter Adapter, emit Emit, interval time.Duration, log *logger.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		agentID:  agentID,
		adapter:  adapter,
		emit:     emit,
		interval: interval,
		logger:   log.WithComponent("watcher").WithAgentID(agentID),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the watch loop.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Signal asks the watch loop to exit without waiting. Safe to call
// from the engine task: a watcher blocked publishing must not be
// awaited by the bus's own consumer.
func (w *Watcher) Signal() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Stop signals the watch loop to exit and waits for it.
func (w *Watcher) Stop() {
	w.Signal()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last State
	first := true

	for {
		st, err := w.adapter.GetState(ctx, w.agentID)
		if err != nil {
			// Transient observation failures are absorbed; the
			// liveness timer catches a dead session.
			w.logger.Warn("agent state read failed", zap.Error(err))
		} else {
			if first {
				// Attach rule: an initial Working state produces no event.
				if st.Kind != StateWorking {
					w.publish(st)
				}
				first = false
				last = st
			} else if !st.Equal(last) {
				w.publish(st)
				last = st
			}
			if st.Kind == StateSessionGone {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) publish(st State) {
	switch st.Kind {
	case StateWorking:
		w.emit(event.New(event.TypeAgentWorking, &event.AgentWorking{AgentID: w.agentID}))
	case StateWaitingForInput:
		w.emit(event.New(event.TypeAgentIdle, &event.AgentIdle{AgentID: w.agentID}))
	case StateFailed:
		w.emit(event.New(event.TypeAgentFailed, &event.AgentFailed{
			AgentID: w.agentID,
			Kind:    string(st.Error),
			Message: st.ErrorMessage,
		}))
	case StateExited:
		w.emit(event.New(event.TypeAgentExited, &event.AgentExited{
			AgentID:  w.agentID,
			ExitCode: st.ExitCode,
		}))
	case StateSessionGone:
		w.emit(event.New(event.TypeAgentGone, &event.AgentGone{AgentID: w.agentID}))
	case StatePrompting:
		w.emit(event.New(event.TypeAgentPrompt, &event.AgentPrompt{
			AgentID:     w.agentID,
			PromptType:  string(st.Prompt),
			Questions:   st.Questions,
			LastMessage: st.LastMessage,
		}))
	}
}

// Watchers manages the per-agent watcher tasks.
type Watchers struct {
	mu       sync.Mutex
	adapter  Adapter
	emit     Emit
	interval time.Duration
	logger   *logger.Logger
	byAgent  map[string]*Watcher
}

// NewWatchers creates the watcher set.
func NewWatchers(adapter Adapter, emit Emit, interval time.Duration, log *logger.Logger) *Watchers {
	return &Watchers{
		adapter:  adapter,
		emit:     emit,
		interval: interval,
		logger:   log,
		byAgent:  make(map[string]*Watcher),
	}
}

// Watch starts a watcher for an agent; an existing watcher is kept.
func (ws *Watchers) Watch(ctx context.Context, agentID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, ok := ws.byAgent[agentID]; ok {
		return
	}
	w := NewWatcher(agentID, ws.adapter, ws.emit, ws.interval, ws.logger)
	ws.byAgent[agentID] = w
	w.Start(ctx)
}

// Unwatch signals an agent's watcher to exit and forgets it. It does
// not wait: the caller is usually the engine task, which is also the
// consumer the watcher may be blocked publishing to.
func (ws *Watchers) Unwatch(agentID string) {
	ws.mu.Lock()
	w, ok := ws.byAgent[agentID]
	if ok {
		delete(ws.byAgent, agentID)
	}
	ws.mu.Unlock()
	if ok {
		w.Signal()
	}
}

// StopAll stops every watcher; used during shutdown.
func (ws *Watchers) StopAll() {
	ws.mu.Lock()
	watchers := make([]*Watcher, 0, len(ws.byAgent))
	for id, w := range ws.byAgent {
		watchers = append(watchers, w)
		delete(ws.byAgent, id)
	}
	ws.mu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}
}
