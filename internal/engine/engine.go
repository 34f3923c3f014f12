package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/agent"
	"github.com/oddjobs/oddjobs/internal/bus"
	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/event"
	outbound "github.com/oddjobs/oddjobs/internal/events/bus"
	"github.com/oddjobs/oddjobs/internal/scheduler"
	"github.com/oddjobs/oddjobs/internal/state"
	"github.com/oddjobs/oddjobs/internal/wal"
)

// Config holds engine tunables.
type Config struct {
	LivenessInterval time.Duration
	IdleGrace        time.Duration
	ExitGrace        time.Duration
	AutoResumeWindow time.Duration
	MaxStepVisits    int
}

// Engine is the single-consumer lifecycle kernel. One goroutine drains
// the bus; every state mutation and effect synthesis happens there,
// which yields a total order on transitions.
type Engine struct {
	cfg      Config
	wal      *wal.Log
	st       *state.State
	bus      *bus.Bus
	exec     *Executor
	sched    *scheduler.Scheduler
	registry *agent.Registry
	watchers *agent.Watchers
	adapter  agent.Adapter
	outbound outbound.EventBus
	crumbs   *Breadcrumbs
	alog     *ActivityLog
	archiver Archiver
	logger   *logger.Logger

	requests chan syncRequest
	stopping bool
	done     chan struct{}
}

// Archiver receives terminal jobs before they are pruned from state.
type Archiver interface {
	ArchiveJob(ctx context.Context, job *state.Job) error
}

// syncRequest carries a listener-injected event that must be fully
// processed (WAL-appended, applied, effects executed) before the
// response goes out.
type syncRequest struct {
	env  event.Envelope
	done chan error
}

// New wires the engine.
func New(
	cfg Config,
	w *wal.Log,
	st *state.State,
	b *bus.Bus,
	exec *Executor,
	sched *scheduler.Scheduler,
	registry *agent.Registry,
	watchers *agent.Watchers,
	adapter agent.Adapter,
	out outbound.EventBus,
	crumbs *Breadcrumbs,
	alog *ActivityLog,
	archiver Archiver,
	log *logger.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		wal:      w,
		st:       st,
		bus:      b,
		exec:     exec,
		sched:    sched,
		registry: registry,
		watchers: watchers,
		adapter:  adapter,
		outbound: out,
		crumbs:   crumbs,
		alog:     alog,
		archiver: archiver,
		logger:   log.WithComponent("engine"),
		requests: make(chan syncRequest),
		done:     make(chan struct{}),
	}
}

// State exposes the materialized state for queries.
func (e *Engine) State() *state.State { return e.st }

// Scheduler exposes the timer wheel (reconciler, tests).
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Emit publishes an event onto the bus without waiting.
func (e *Engine) Emit(env event.Envelope) error { return e.bus.Publish(env) }

// ProcessSync injects an event and blocks until it (and its inline
// follow-ups) have been appended and applied. Listener mutations go
// through here so responses only return durable state.
func (e *Engine) ProcessSync(ctx context.Context, env event.Envelope) error {
	req := syncRequest{env: env, done: make(chan error, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return bus.ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the bus until a Shutdown event is processed or the
// context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-e.requests:
			err := e.process(ctx, req.env)
			req.done <- err
		case env := <-e.bus.C():
			if err := e.process(ctx, env); err != nil {
				return err
			}
		}
		if e.stopping {
			return nil
		}
	}
}

// process appends one event, folds it into state, computes effects,
// and executes them in order. Emit effects recurse inline so the
// WAL order matches the order effects were produced.
func (e *Engine) process(ctx context.Context, env event.Envelope) error {
	seq, err := e.wal.Append(env)
	if err != nil {
		// Never acknowledge a state change that was not persisted.
		e.logger.Error("wal append failed, shutting down", zap.Error(err))
		e.stopping = true
		return err
	}
	env.Seq = seq

	e.st.Lock()
	if err := e.st.Apply(env); err != nil {
		e.logger.Warn("apply rejected event",
			zap.String("type", env.Type), zap.Error(err))
	}
	effects := e.handle(ctx, env)
	e.st.Unlock()

	e.republish(ctx, env)

	for _, eff := range effects {
		follow, err := e.exec.Execute(ctx, eff)
		if err != nil {
			e.logger.Error("effect execution failed", zap.Error(err))
			continue
		}
		if follow != nil {
			if err := e.process(ctx, *follow); err != nil {
				return err
			}
		}
	}
	return nil
}

// republish mirrors applied events onto the outbound bus for
// streaming subscribers; failures only warn.
func (e *Engine) republish(ctx context.Context, env event.Envelope) {
	if e.outbound == nil {
		return
	}
	out := outbound.NewEvent(env.Type, "engine", map[string]interface{}{
		"seq":   env.Seq,
		"ts_ms": env.TSMs,
		"data":  string(env.Data),
	})
	if err := e.outbound.Publish(ctx, env.Type, out); err != nil {
		e.logger.Warn("outbound publish failed", zap.Error(err))
	}
}

// handle computes the effects for one applied event. The state lock is
// held; handlers read state and return effects without blocking.
func (e *Engine) handle(ctx context.Context, env event.Envelope) []Effect {
	payload, err := env.Decode()
	if err != nil {
		e.logger.Warn("undecodable event", zap.String("type", env.Type), zap.Error(err))
		return nil
	}

	switch p := payload.(type) {
	case *event.JobCreated:
		return e.onJobCreated(p)
	case *event.JobAdvanced:
		return e.onJobAdvanced(p)
	case *event.JobDeleted:
		return e.onJobDeleted(p)
	case *event.JobSignal:
		return e.onJobSignal(p)
	case *event.JobResume:
		return e.onJobResume(p)
	case *event.JobCancel:
		return e.onJobCancel(p)
	case *event.JobSuspend:
		return e.onJobSuspend(p)
	case *event.StepCompleted:
		return e.onStepCompleted(p)
	case *event.StepFailed:
		return e.onStepFailed(p)
	case *event.CrewCreated:
		return e.onCrewCreated(p)
	case *event.CrewUpdated:
		return e.onCrewUpdated(p)
	case *event.CrewResume:
		return e.onCrewResume(p)
	case *event.CrewCancel:
		return e.onCrewCancel(p)
	case *event.AgentSpawned:
		return e.onAgentSpawned(ctx, p)
	case *event.AgentSpawnFailed:
		return e.onAgentSpawnFailed(p)
	case *event.AgentWorking:
		return e.onAgentWorking(env, p)
	case *event.AgentIdle:
		return e.onAgentIdle(p)
	case *event.AgentFailed:
		return e.onAgentFailed(p)
	case *event.AgentExited:
		return e.onAgentExited(p)
	case *event.AgentGone:
		return e.onAgentGone(p)
	case *event.AgentPrompt:
		return e.onAgentPrompt(p)
	case *event.WorkspaceReady:
		return e.onWorkspaceReady(p)
	case *event.WorkspaceFailed:
		return e.onWorkspaceFailed(p)
	case *event.WorkspaceDrop:
		return e.onWorkspaceDrop(p)
	case *event.WorkerStarted:
		return e.onWorkerStarted(p)
	case *event.WorkerStopped:
		return e.onWorkerStopped(p)
	case *event.WorkerWake:
		return e.onWorkerWake(p)
	case *event.WorkerPolled:
		return e.onWorkerPolled(p)
	case *event.WorkerTook:
		return e.onWorkerTook(p)
	case *event.QueuePushed:
		return e.onQueuePushed(p)
	case *event.QueueFailed:
		return e.onQueueFailed(p)
	case *event.QueueRetry:
		return e.onQueueRetry(p)
	case *event.CronStarted:
		return e.onCronStarted(p)
	case *event.CronStopped:
		return e.onCronStopped(p)
	case *event.CronFired:
		return e.onCronFired(p)
	case *event.DecisionCreated:
		return e.onDecisionCreated(p)
	case *event.DecisionResolved:
		return e.onDecisionResolved(p)
	case *event.TimerFired:
		return e.onTimerFired(p)
	case *event.ShellExited:
		return e.onShellExited(p)
	case *event.Shutdown:
		e.stopping = true
		return nil
	}
	return nil
}

// ownerTimerSuffix is the timer id fragment identifying an owner.
func ownerTimerSuffix(owner event.Owner) string { return owner.String() }

// cancelOwnerTimers cancels liveness, exit-deferred, idle-grace, and
// cooldown timers for an owner; emitted whenever the owner leaves an
// agent step.
func cancelOwnerTimers(owner event.Owner) []Effect {
	o := ownerTimerSuffix(owner)
	return []Effect{
		CancelTimer{ID: scheduler.PrefixLiveness + o},
		CancelTimer{ID: scheduler.PrefixExitDeferred + o},
		CancelTimer{ID: scheduler.PrefixIdleGrace + o},
		CancelTimerPrefix{Prefix: scheduler.PrefixCooldown + o + ":"},
	}
}

// parseOwnerTimer extracts the owner from a "<prefix><kind>:<id>" or
// "<prefix><kind>:<id>:<rest>" timer id.
func parseOwnerTimer(id, prefix string) (event.Owner, string, bool) {
	rest := strings.TrimPrefix(id, prefix)
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) < 2 {
		return event.Owner{}, "", false
	}
	owner := event.Owner{Kind: parts[0], ID: parts[1]}
	tail := ""
	if len(parts) == 3 {
		tail = parts[2]
	}
	return owner, tail, true
}
