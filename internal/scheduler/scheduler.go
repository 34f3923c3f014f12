// Package scheduler provides the monotonic timer wheel feeding
// TimerFired events onto the engine bus.
package scheduler

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/event"
)

// Timer key prefixes. The full key shapes are
// liveness:<owner>, exit-deferred:<owner>, idle-grace:<owner>,
// cooldown:<owner>:<trigger>:<pos>, queue-poll:<worker>:<project>,
// queue-retry:<scoped_queue>:<item>, cron:<name>:<project>.
const (
	PrefixLiveness     = "liveness:"
	PrefixExitDeferred = "exit-deferred:"
	PrefixIdleGrace    = "idle-grace:"
	PrefixCooldown     = "cooldown:"
	PrefixQueuePoll    = "queue-poll:"
	PrefixQueueRetry   = "queue-retry:"
	PrefixCron         = "cron:"
)

type entry struct {
	id       string
	deadline time.Time
	index    int
}

// timerHeap implements heap.Interface ordered by deadline.
type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	// Stable order for simultaneous deadlines.
	return h[i].id < h[j].id
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	n := len(*h)
	e := x.(*entry)
	e.index = n
	*h = append(*h, e)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[0 : n-1]
	return e
}

// Emit delivers a fired timer event to the engine bus.
type Emit func(event.Envelope)

// Scheduler is a keyed min-heap of deadlines with a driver goroutine.
// Setting an id that already exists replaces its deadline.
type Scheduler struct {
	mu     sync.Mutex
	heap   timerHeap
	byID   map[string]*entry
	wake   chan struct{}
	emit   Emit
	logger *logger.Logger

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler that emits TimerFired envelopes via emit.
func New(emit Emit, log *logger.Logger) *Scheduler {
	s := &Scheduler{
		byID:   make(map[string]*entry),
		wake:   make(chan struct{}, 1),
		emit:   emit,
		logger: log.WithComponent("scheduler"),
	}
	heap.Init(&s.heap)
	return s
}

// Set schedules (or reschedules) a timer.
func (s *Scheduler) Set(id string, d time.Duration) {
	s.mu.Lock()
	deadline := time.Now().Add(d)
	if e, ok := s.byID[id]; ok {
		e.deadline = deadline
		heap.Fix(&s.heap, e.index)
	} else {
		e := &entry{id: id, deadline: deadline}
		heap.Push(&s.heap, e)
		s.byID[id] = e
	}
	s.mu.Unlock()
	s.kick()
}

// Cancel removes a timer; unknown ids are a no-op.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	if e, ok := s.byID[id]; ok {
		heap.Remove(&s.heap, e.index)
		delete(s.byID, id)
	}
	s.mu.Unlock()
	s.kick()
}

// CancelPrefix removes every timer whose id starts with prefix.
func (s *Scheduler) CancelPrefix(prefix string) {
	s.mu.Lock()
	for id, e := range s.byID {
		if strings.HasPrefix(id, prefix) {
			heap.Remove(&s.heap, e.index)
			delete(s.byID, id)
		}
	}
	s.mu.Unlock()
	s.kick()
}

// Pending returns the ids of all scheduled timers.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	return ids
}

// Has reports whether a timer id is scheduled.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// Start launches the driver goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drive(ctx)
}

// Stop halts the driver and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drive(ctx context.Context) {
	defer s.wg.Done()

	const idleWait = time.Hour
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		wait := idleWait
		s.mu.Lock()
		if len(s.heap) > 0 {
			wait = time.Until(s.heap[0].deadline)
		}
		s.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			for _, id := range s.popDue() {
				s.logger.Debug("timer fired", zap.String("timer_id", id))
				s.emit(event.New(event.TypeTimerFired, &event.TimerFired{TimerID: id}))
			}
		}
	}
}

// popDue removes and returns every timer at or past its deadline.
func (s *Scheduler) popDue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var due []string
	for len(s.heap) > 0 && !s.heap[0].deadline.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.byID, e.id)
		due = append(due, e.id)
	}
	return due
}
