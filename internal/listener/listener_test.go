package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oddjobs/oddjobs/internal/agent"
	"github.com/oddjobs/oddjobs/internal/bus"
	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/engine"
	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/notify"
	"github.com/oddjobs/oddjobs/internal/runbook"
	"github.com/oddjobs/oddjobs/internal/scheduler"
	"github.com/oddjobs/oddjobs/internal/state"
	"github.com/oddjobs/oddjobs/internal/wal"
	"github.com/oddjobs/oddjobs/internal/workspace"
	v1 "github.com/oddjobs/oddjobs/pkg/api/v1"
)

func newTestListener(t *testing.T) (*Listener, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	log := logger.Default()

	w, err := wal.Open(dir+"/wal", wal.Options{})
	require.NoError(t, err)

	st := state.New()
	b := bus.New(256)
	emit := func(env event.Envelope) { _ = b.Publish(env) }
	sched := scheduler.New(emit, log)
	adapter := agent.UnavailableAdapter{}
	registry := agent.NewRegistry()
	watchers := agent.NewWatchers(adapter, emit, 50*time.Millisecond, log)
	workspaces, err := workspace.NewManager(dir+"/workspaces", log)
	require.NoError(t, err)
	crumbs, err := engine.NewBreadcrumbs(dir+"/breadcrumbs", log)
	require.NoError(t, err)
	alog, err := engine.NewActivityLog(dir+"/logs", log)
	require.NoError(t, err)
	notifier := notify.New(log)
	exec := engine.NewExecutor(adapter, sched, workspaces, notifier, b, alog, engine.Timeouts{
		Shell: time.Minute, Gate: time.Minute, QueueCmd: time.Minute,
	}, log)

	eng := engine.New(engine.Config{
		LivenessInterval: 50 * time.Millisecond,
		IdleGrace:        20 * time.Millisecond,
		ExitGrace:        20 * time.Millisecond,
		AutoResumeWindow: time.Minute,
		MaxStepVisits:    20,
	}, w, st, b, exec, sched, registry, watchers, adapter, nil, crumbs, alog, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	t.Cleanup(func() {
		_ = b.Publish(event.New(event.TypeShutdown, &event.Shutdown{}))
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			cancel()
			<-done
		}
		sched.Stop()
		b.Close()
		exec.Wait()
		w.Close()
	})

	return New(eng, adapter, nil, dir+"/logs", log), eng
}

func testListenerRunbook() *runbook.Runbook {
	rb := runbook.Runbook{
		Project: "demo",
		Jobs: map[string]runbook.JobDef{
			"ship": {Steps: []runbook.StepDef{{Name: "compile", Shell: "exit 0"}}},
		},
		Commands: map[string]runbook.CommandDef{
			"ship": {Job: "ship"},
		},
	}
	return &rb
}

func handle(t *testing.T, l *Listener, req v1.Request) v1.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.Handle(ctx, req)
}

func TestPing(t *testing.T) {
	l, _ := newTestListener(t)
	resp := handle(t, l, v1.Request{Op: v1.OpPing})
	require.True(t, resp.OK)
}

func TestUnknownOperation(t *testing.T) {
	l, _ := newTestListener(t)
	resp := handle(t, l, v1.Request{Op: "frobnicate"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown operation")
}

func TestRunCommandCreatesJob(t *testing.T) {
	l, eng := newTestListener(t)
	resp := handle(t, l, v1.Request{
		Op:          v1.OpRunCommand,
		Command:     "ship",
		ProjectPath: t.TempDir(),
		Runbook:     testListenerRunbook(),
	})
	require.True(t, resp.OK, resp.Error)

	st := eng.State()
	st.RLock()
	defer st.RUnlock()
	require.Len(t, st.Jobs, 1)
	require.Len(t, st.Runbooks, 1)
}

func TestRunCommandUnknownCommand(t *testing.T) {
	l, _ := newTestListener(t)
	resp := handle(t, l, v1.Request{
		Op:      v1.OpRunCommand,
		Command: "nope",
		Runbook: testListenerRunbook(),
	})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, `unknown command "nope"`)
}

func TestCancelUnknownJobRejected(t *testing.T) {
	l, _ := newTestListener(t)
	resp := handle(t, l, v1.Request{Op: v1.OpJobCancel, ID: "missing-job"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown job")
}

func TestDecisionResolutionValidation(t *testing.T) {
	l, eng := newTestListener(t)

	// Seed a job and a decision against it.
	resp := handle(t, l, v1.Request{
		Op: v1.OpRunCommand, Command: "ship",
		ProjectPath: t.TempDir(), Runbook: testListenerRunbook(),
	})
	require.True(t, resp.OK)
	st := eng.State()
	st.RLock()
	var jobID string
	for id := range st.Jobs {
		jobID = id
	}
	st.RUnlock()

	require.NoError(t, eng.ProcessSync(context.Background(),
		event.New(event.TypeDecisionCreated, &event.DecisionCreated{
			DecisionID: "d1",
			Owner:      event.JobOwner(jobID),
			Source:     state.SourceIdle,
			Context:    "agent idle",
			Options: []event.DecisionOption{
				{Label: "Nudge"}, {Label: "Done"}, {Label: "Cancel"}, {Label: "Dismiss"},
			},
		})))

	resp = handle(t, l, v1.Request{Op: v1.OpDecisionResolve, ID: "d1", Choices: []int{9}})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "choice 9 out of range (1..4)")

	resp = handle(t, l, v1.Request{Op: v1.OpDecisionResolve, ID: "d1", Choices: []int{4}})
	require.True(t, resp.OK, resp.Error)

	// Resolving twice is rejected without touching state.
	resp = handle(t, l, v1.Request{Op: v1.OpDecisionResolve, ID: "d1", Choices: []int{1}})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "decision already resolved")

	st.RLock()
	defer st.RUnlock()
	require.Equal(t, []int{4}, st.Decisions["d1"].Choices)
}

func TestDecisionResolveUnknown(t *testing.T) {
	l, _ := newTestListener(t)
	resp := handle(t, l, v1.Request{Op: v1.OpDecisionResolve, ID: "ghost", Choices: []int{1}})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown decision")
}

func TestQueuePushAndQueries(t *testing.T) {
	l, _ := newTestListener(t)

	resp := handle(t, l, v1.Request{
		Op:      v1.OpQueuePush,
		Queue:   "tasks",
		Project: "demo",
		Data:    []byte(`{"id":"t1"}`),
	})
	require.True(t, resp.OK, resp.Error)

	resp = handle(t, l, v1.Request{Op: v1.OpQuery, Scope: v1.QueryQueues, Project: "demo"})
	require.True(t, resp.OK)
	require.Contains(t, string(resp.Result), `"pending"`)

	resp = handle(t, l, v1.Request{Op: v1.OpQuery, Scope: v1.QueryStatus})
	require.True(t, resp.OK)
	require.Contains(t, string(resp.Result), `"queue_items":1`)
}

func TestHelloStartsSession(t *testing.T) {
	l, eng := newTestListener(t)
	resp := handle(t, l, v1.Request{Op: v1.OpHello, Client: "cli", PID: 42})
	require.True(t, resp.OK)

	st := eng.State()
	st.RLock()
	defer st.RUnlock()
	require.Len(t, st.Sessions, 1)
}

func TestWorkerStopUnknownWorker(t *testing.T) {
	l, _ := newTestListener(t)
	resp := handle(t, l, v1.Request{Op: v1.OpWorkerStop, Name: "w", Project: "demo"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown worker")
}

func TestJobPruneRemovesTerminalOnly(t *testing.T) {
	l, eng := newTestListener(t)
	resp := handle(t, l, v1.Request{
		Op: v1.OpRunCommand, Command: "ship",
		ProjectPath: t.TempDir(), Runbook: testListenerRunbook(),
	})
	require.True(t, resp.OK)

	// Wait for the shell step to finish.
	st := eng.State()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st.RLock()
		terminal := false
		for _, job := range st.Jobs {
			terminal = job.Terminal()
		}
		st.RUnlock()
		if terminal {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = handle(t, l, v1.Request{Op: v1.OpJobPrune, All: true})
	require.True(t, resp.OK)
	require.Contains(t, string(resp.Result), `"removed":1`)

	st.RLock()
	defer st.RUnlock()
	require.Empty(t, st.Jobs)
}
