package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/agent"
	"github.com/oddjobs/oddjobs/internal/bus"
	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/notify"
	"github.com/oddjobs/oddjobs/internal/scheduler"
	"github.com/oddjobs/oddjobs/internal/shellexec"
	"github.com/oddjobs/oddjobs/internal/workspace"
)

// Executor translates Effect values into adapter calls and background
// tasks. Short effects run inline; long-running ones are dispatched
// onto goroutines that complete by publishing follow-up events.
type Executor struct {
	adapter    agent.Adapter
	sched      *scheduler.Scheduler
	workspaces *workspace.Manager
	notifier   *notify.Notifier
	bus        *bus.Bus
	alog       *ActivityLog
	timeouts   Timeouts
	logger     *logger.Logger
	wg         sync.WaitGroup
}

// Timeouts are the per-category wall-clock limits for shell work.
type Timeouts struct {
	Shell    time.Duration
	Gate     time.Duration
	QueueCmd time.Duration
}

// NewExecutor wires the effect executor.
func NewExecutor(
	adapter agent.Adapter,
	sched *scheduler.Scheduler,
	workspaces *workspace.Manager,
	notifier *notify.Notifier,
	b *bus.Bus,
	alog *ActivityLog,
	timeouts Timeouts,
	log *logger.Logger,
) *Executor {
	return &Executor{
		adapter:    adapter,
		sched:      sched,
		workspaces: workspaces,
		notifier:   notifier,
		bus:        b,
		alog:       alog,
		timeouts:   timeouts,
		logger:     log.WithComponent("executor"),
	}
}

// Execute runs one effect. Emit effects return their event for inline
// processing; everything else returns nil.
func (x *Executor) Execute(ctx context.Context, eff Effect) (*event.Envelope, error) {
	switch e := eff.(type) {
	case Emit:
		env := e.Event
		return &env, nil

	case SetTimer:
		x.sched.Set(e.ID, e.Duration)
		return nil, nil

	case CancelTimer:
		x.sched.Cancel(e.ID)
		return nil, nil

	case CancelTimerPrefix:
		x.sched.CancelPrefix(e.Prefix)
		return nil, nil

	case Notify:
		x.notifier.Send(ctx, notify.Message{
			Title: e.Title,
			Body:  e.Body,
			Owner: e.Owner,
		})
		return nil, nil

	case SendToAgent:
		if err := x.adapter.Send(ctx, e.AgentID, e.Message); err != nil {
			x.logger.Warn("send to agent failed",
				zap.String("agent_id", e.AgentID), zap.Error(err))
		}
		return nil, nil

	case RespondToAgent:
		if err := x.adapter.Respond(ctx, e.AgentID, e.Response); err != nil {
			x.logger.Warn("respond to agent failed",
				zap.String("agent_id", e.AgentID), zap.Error(err))
		}
		return nil, nil

	case KillAgent:
		if err := x.adapter.Kill(ctx, e.AgentID); err != nil {
			x.logger.Warn("kill agent failed",
				zap.String("agent_id", e.AgentID), zap.Error(err))
		}
		return nil, nil

	case SpawnAgent:
		x.background(func() { x.spawn(ctx, e) })
		return nil, nil

	case CheckLiveness:
		if x.adapter.IsAlive(ctx, e.AgentID) {
			x.sched.Set(e.TimerID, e.Interval)
			return nil, nil
		}
		env := event.New(event.TypeAgentGone, &event.AgentGone{AgentID: e.AgentID})
		return &env, nil

	case CaptureAgent:
		x.background(func() { x.capture(ctx, e) })
		return nil, nil

	case Shell:
		x.background(func() { x.shell(ctx, e) })
		return nil, nil

	case PollQueue:
		x.background(func() { x.poll(ctx, e) })
		return nil, nil

	case TakeQueueItem:
		x.background(func() { x.take(ctx, e) })
		return nil, nil

	case CreateWorkspace:
		x.background(func() { x.createWorkspace(ctx, e) })
		return nil, nil

	case DeleteWorkspace:
		x.background(func() { x.deleteWorkspace(ctx, e) })
		return nil, nil
	}
	return nil, fmt.Errorf("engine: unknown effect %T", eff)
}

// Wait blocks until all background effect tasks finish.
func (x *Executor) Wait() { x.wg.Wait() }

func (x *Executor) background(fn func()) {
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		fn()
	}()
}

// publish feeds a follow-up event back to the engine. A failed publish
// (daemon shutting down) is logged; liveness compensates after restart.
func (x *Executor) publish(env event.Envelope) {
	if err := x.bus.Publish(env); err != nil {
		x.logger.Warn("dropping result event",
			zap.String("type", env.Type), zap.Error(err))
	}
}

func (x *Executor) spawn(ctx context.Context, e SpawnAgent) {
	res, err := x.adapter.Spawn(ctx, e.Config)
	if err != nil {
		x.publish(event.New(event.TypeAgentSpawnFailed, &event.AgentSpawnFailed{
			Owner: e.Config.Owner,
			Name:  e.Config.Name,
			Error: err.Error(),
		}))
		return
	}
	x.publish(event.New(event.TypeAgentSpawned, &event.AgentSpawned{
		AgentID:   e.Config.AgentID,
		Owner:     e.Config.Owner,
		Name:      e.Config.Name,
		SessionID: res.SessionID,
		Runtime:   res.Runtime,
		AuthToken: res.AuthToken,
	}))
}

// capture preserves what the agent leaves behind: the tail of its
// terminal and its transcript.
func (x *Executor) capture(ctx context.Context, e CaptureAgent) {
	if out, err := x.adapter.CaptureOutput(ctx, e.AgentID, 200); err == nil && out != "" {
		x.alog.CaptureAgent(e.AgentID, "terminal.txt", out)
	}
	if transcript, err := x.adapter.FetchTranscript(ctx, e.AgentID); err == nil && transcript != "" {
		x.alog.CaptureAgent(e.AgentID, "transcript.txt", transcript)
	}
}

func (x *Executor) shell(ctx context.Context, e Shell) {
	timeout := x.timeouts.Shell
	if e.Purpose == event.ShellPurposeGate {
		timeout = x.timeouts.Gate
	}
	res, err := shellexec.Run(ctx, e.Command, e.Dir, e.Env, timeout)
	out := &event.ShellExited{
		Owner:    e.Owner,
		Step:     e.Step,
		Purpose:  e.Purpose,
		Command:  e.Command,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		Trigger:  e.Trigger,
		ChainPos: e.ChainPos,
	}
	if err != nil {
		out.Error = err.Error()
	}
	x.publish(event.New(event.TypeShellExited, out))
}

func (x *Executor) poll(ctx context.Context, e PollQueue) {
	res, err := shellexec.Run(ctx, e.Command, e.Dir, nil, x.timeouts.QueueCmd)
	out := &event.WorkerPolled{Name: e.WorkerName, Project: e.Project}
	switch {
	case err != nil:
		out.Error = err.Error()
	case res.ExitCode != 0:
		out.Error = fmt.Sprintf("list command exited %d: %s", res.ExitCode, res.Stderr)
	default:
		var items []json.RawMessage
		if jsonErr := json.Unmarshal([]byte(res.Stdout), &items); jsonErr != nil {
			out.Error = fmt.Sprintf("list output is not a JSON array: %v", jsonErr)
		} else {
			out.Items = items
		}
	}
	x.publish(event.New(event.TypeWorkerPolled, out))
}

func (x *Executor) take(ctx context.Context, e TakeQueueItem) {
	env := map[string]string{"ODDJOBS_ITEM_ID": e.ItemID}
	res, err := shellexec.Run(ctx, e.Command, e.Dir, env, x.timeouts.QueueCmd)
	out := &event.WorkerTook{
		Name:    e.WorkerName,
		Project: e.Project,
		ItemID:  e.ItemID,
		Item:    e.Item,
	}
	switch {
	case err != nil:
		out.Error = err.Error()
	case res.ExitCode != 0:
		out.Error = fmt.Sprintf("take command exited %d: %s", res.ExitCode, res.Stderr)
	default:
		out.OK = true
	}
	x.publish(event.New(event.TypeWorkerTook, out))
}

func (x *Executor) createWorkspace(ctx context.Context, e CreateWorkspace) {
	if _, err := x.workspaces.Create(ctx, e.Spec); err != nil {
		x.publish(event.New(event.TypeWorkspaceFailed, &event.WorkspaceFailed{
			WorkspaceID: e.Spec.WorkspaceID,
			Error:       err.Error(),
		}))
		return
	}
	x.publish(event.New(event.TypeWorkspaceReady, &event.WorkspaceReady{
		WorkspaceID: e.Spec.WorkspaceID,
	}))
}

func (x *Executor) deleteWorkspace(ctx context.Context, e DeleteWorkspace) {
	if err := x.workspaces.Delete(ctx, e.Type, e.Path, e.Repo, e.Branch); err != nil {
		// Best-effort: the record is removed regardless.
		x.logger.Warn("workspace removal failed",
			zap.String("workspace_id", e.WorkspaceID), zap.Error(err))
	}
	x.publish(event.New(event.TypeWorkspaceDeleted, &event.WorkspaceDeleted{
		WorkspaceID: e.WorkspaceID,
	}))
}
