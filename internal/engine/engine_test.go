package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oddjobs/oddjobs/internal/agent"
	"github.com/oddjobs/oddjobs/internal/bus"
	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/runbook"
	"github.com/oddjobs/oddjobs/internal/scheduler"
	"github.com/oddjobs/oddjobs/internal/state"
	"github.com/oddjobs/oddjobs/internal/wal"
	"github.com/oddjobs/oddjobs/internal/workspace"

	"github.com/oddjobs/oddjobs/internal/notify"
)

// fakeAdapter is a controllable in-memory agent runtime.
type fakeAdapter struct {
	mu           sync.Mutex
	states       map[string]agent.State
	alive        map[string]bool
	sent         map[string][]string
	responded    map[string][]agent.PromptResponse
	spawned      []agent.SpawnConfig
	killed       []string
	reconnectErr error
	reconnected  []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		states:    make(map[string]agent.State),
		alive:     make(map[string]bool),
		sent:      make(map[string][]string),
		responded: make(map[string][]agent.PromptResponse),
	}
}

func (f *fakeAdapter) setReconnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnectErr = err
}

func (f *fakeAdapter) setState(agentID string, st agent.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[agentID] = st
	if st.Kind == agent.StateExited || st.Kind == agent.StateSessionGone {
		f.alive[agentID] = false
	}
}

func (f *fakeAdapter) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeAdapter) lastSpawn() agent.SpawnConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned[len(f.spawned)-1]
}

func (f *fakeAdapter) sentTo(agentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent[agentID]))
	copy(out, f.sent[agentID])
	return out
}

func (f *fakeAdapter) Spawn(_ context.Context, cfg agent.SpawnConfig) (agent.SpawnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, cfg)
	f.states[cfg.AgentID] = agent.State{Kind: agent.StateWorking}
	f.alive[cfg.AgentID] = true
	return agent.SpawnResult{SessionID: "sess-" + cfg.AgentID, Runtime: "fake"}, nil
}

func (f *fakeAdapter) Reconnect(_ context.Context, cfg agent.ReconnectConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reconnectErr != nil {
		return f.reconnectErr
	}
	f.reconnected = append(f.reconnected, cfg.AgentID)
	f.alive[cfg.AgentID] = true
	if _, ok := f.states[cfg.AgentID]; !ok {
		f.states[cfg.AgentID] = agent.State{Kind: agent.StateWorking}
	}
	return nil
}

func (f *fakeAdapter) Send(_ context.Context, agentID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[agentID] = append(f.sent[agentID], text)
	return nil
}

func (f *fakeAdapter) Respond(_ context.Context, agentID string, resp agent.PromptResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded[agentID] = append(f.responded[agentID], resp)
	return nil
}

func (f *fakeAdapter) Kill(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, agentID)
	f.alive[agentID] = false
	f.states[agentID] = agent.State{Kind: agent.StateExited}
	return nil
}

func (f *fakeAdapter) GetState(_ context.Context, agentID string) (agent.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[agentID]; ok {
		return st, nil
	}
	return agent.State{Kind: agent.StateWorking}, nil
}

func (f *fakeAdapter) LastMessage(context.Context, string) (string, error) { return "", nil }

func (f *fakeAdapter) IsAlive(_ context.Context, agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[agentID]
}

func (f *fakeAdapter) CaptureOutput(context.Context, string, int) (string, error) {
	return "terminal tail", nil
}

func (f *fakeAdapter) FetchTranscript(context.Context, string) (string, error) {
	return "transcript", nil
}

func (f *fakeAdapter) ResolveStop(context.Context, string) error { return nil }

func (f *fakeAdapter) CleanupStaleResources(context.Context, []string) error { return nil }

// rig wires a full engine against temp dirs and the fake adapter.
type rig struct {
	t     *testing.T
	eng   *Engine
	b     *bus.Bus
	fa    *fakeAdapter
	st    *state.State
	sched *scheduler.Scheduler
	wal   *wal.Log
	dir   string

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

func defaultTestConfig() Config {
	return Config{
		LivenessInterval: 50 * time.Millisecond,
		IdleGrace:        20 * time.Millisecond,
		ExitGrace:        20 * time.Millisecond,
		AutoResumeWindow: 150 * time.Millisecond,
		MaxStepVisits:    20,
	}
}

func newRig(t *testing.T, cfg Config) *rig {
	return newRigAt(t, cfg, t.TempDir())
}

func newRigAt(t *testing.T, cfg Config, dir string) *rig {
	t.Helper()
	log := logger.Default()

	w, err := wal.Open(dir+"/wal", wal.Options{})
	require.NoError(t, err)

	st := state.New()
	require.NoError(t, w.ReadFrom(1, func(env event.Envelope) error {
		_ = st.Apply(env)
		return nil
	}))

	b := bus.New(1024)
	emit := func(env event.Envelope) { _ = b.Publish(env) }
	sched := scheduler.New(emit, log)
	fa := newFakeAdapter()
	registry := agent.NewRegistry()
	watchers := agent.NewWatchers(fa, emit, 10*time.Millisecond, log)

	workspaces, err := workspace.NewManager(dir+"/workspaces", log)
	require.NoError(t, err)
	crumbs, err := NewBreadcrumbs(dir+"/breadcrumbs", log)
	require.NoError(t, err)
	alog, err := NewActivityLog(dir+"/logs", log)
	require.NoError(t, err)

	notifier := notify.New(log, notify.NewLogProvider(log))
	exec := NewExecutor(fa, sched, workspaces, notifier, b, alog, Timeouts{
		Shell:    time.Minute,
		Gate:     time.Minute,
		QueueCmd: time.Minute,
	}, log)

	eng := New(cfg, w, st, b, exec, sched, registry, watchers, fa, nil, crumbs, alog, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	r := &rig{
		t: t, eng: eng, b: b, fa: fa, st: st,
		sched: sched, wal: w, dir: dir,
		cancel: cancel, done: make(chan error, 1),
	}
	go func() { r.done <- eng.Run(ctx) }()

	t.Cleanup(func() {
		r.stop()
		sched.Stop()
		b.Close()
		exec.Wait()
		w.Close()
	})
	return r
}

// stop shuts the engine down once; safe to call from tests and cleanup.
func (r *rig) stop() {
	r.stopOnce.Do(func() {
		_ = r.b.Publish(event.New(event.TypeShutdown, &event.Shutdown{}))
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			r.cancel()
			select {
			case <-r.done:
			case <-time.After(2 * time.Second):
			}
		}
	})
}

func (r *rig) submit(typ string, payload any) {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(r.t, r.eng.ProcessSync(ctx, event.New(typ, payload)))
}

// waitState polls a read-locked predicate until it holds.
func (r *rig) waitState(timeout time.Duration, cond func(st *state.State) bool) {
	r.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.st.RLock()
		ok := cond(r.st)
		r.st.RUnlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.t.Fatal("state condition not reached in time")
}

func waitCond(t *testing.T, timeout time.Duration, cond func() bool) {
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

func testRunbook() runbook.Runbook {
	rb := runbook.Runbook{
		Project: "demo",
		Jobs: map[string]runbook.JobDef{
			"ship": {Steps: []runbook.StepDef{
				{Name: "compile", Shell: "echo hi; exit 0"},
			}},
			"agentwork": {Steps: []runbook.StepDef{
				{Name: "work", Agent: "coder", Prompt: "get going"},
			}},
			"gated": {Steps: []runbook.StepDef{
				{Name: "work", Agent: "gatekeeper"},
			}},
			"escalating": {Steps: []runbook.StepDef{
				{Name: "work", Agent: "escalator"},
			}},
			"qjob": {Steps: []runbook.StepDef{
				{Name: "attempt", Shell: "exit 1"},
			}},
			"loop": {Steps: []runbook.StepDef{
				{Name: "again", Shell: "true", OnDone: "again"},
			}},
		},
		Agents: map[string]runbook.AgentDef{
			"coder": {
				Command: "fake-agent",
				OnDead:  runbook.ActionChain{{Kind: runbook.ActionDone}},
			},
			"gatekeeper": {
				Command: "fake-agent",
				OnDead: runbook.ActionChain{{
					Kind:    runbook.ActionGate,
					Command: "echo assert failed >&2; exit 1",
				}},
			},
			"escalator": {
				Command: "fake-agent",
				OnIdle:  runbook.ActionChain{{Kind: runbook.ActionEscalate}},
			},
		},
		Queues: map[string]runbook.QueueDef{
			"tasks": {
				Kind:  runbook.QueuePersisted,
				Retry: &runbook.QueueRetry{Attempts: 2, Cooldown: 50 * time.Millisecond},
			},
		},
		Workers: map[string]runbook.WorkerDef{
			"runner": {Queue: "tasks", Job: "qjob", Concurrency: 1},
		},
	}
	return rb.Hashed()
}

func (r *rig) loadRunbook() runbook.Runbook {
	rb := testRunbook()
	r.submit(event.TypeRunbookLoaded, &event.RunbookLoaded{Runbook: rb})
	return rb
}

func (r *rig) createJob(rb runbook.Runbook, jobID, kind string) {
	r.submit(event.TypeJobCreated, &event.JobCreated{
		JobID:       jobID,
		Kind:        kind,
		Name:        kind + "-1",
		Project:     rb.Project,
		RunbookHash: rb.Hash,
		CWD:         r.dir,
	})
}

func TestShellStepRunsToCompletion(t *testing.T) {
	r := newRig(t, defaultTestConfig())
	rb := r.loadRunbook()
	r.createJob(rb, "job-ship", "ship")

	r.waitState(5*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-ship"]
		return job != nil && job.Step == state.StepDone && job.StepStatus == state.StepCompleted
	})

	r.st.RLock()
	defer r.st.RUnlock()
	job := r.st.Jobs["job-ship"]
	require.Len(t, job.StepHistory, 1)
	require.Equal(t, state.OutcomeCompleted, job.StepHistory[0].Outcome)
	require.Equal(t, 1, job.StepVisits["compile"])
}

func TestFailingShellStepGoesTerminal(t *testing.T) {
	r := newRig(t, defaultTestConfig())
	rb := r.loadRunbook()
	r.createJob(rb, "job-q", "qjob")

	r.waitState(5*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-q"]
		return job != nil && job.Step == state.StepLabelFailed
	})

	r.st.RLock()
	defer r.st.RUnlock()
	require.Contains(t, r.st.Jobs["job-q"].Error, "exit 1")
}

func TestAgentIdleNudgeThenDeadAdvances(t *testing.T) {
	r := newRig(t, defaultTestConfig())
	rb := r.loadRunbook()
	r.createJob(rb, "job-a", "agentwork")

	waitCond(t, 5*time.Second, func() bool { return r.fa.spawnCount() == 1 })
	agentID := r.fa.lastSpawn().AgentID
	require.Equal(t, "get going", r.fa.lastSpawn().Prompt)

	// Wait for the spawn to be folded before flipping states.
	r.waitState(5*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-a"]
		return job != nil && job.AgentID() == agentID
	})

	// Idle -> idle-grace -> nudge.
	r.fa.setState(agentID, agent.State{Kind: agent.StateWaitingForInput})
	waitCond(t, 5*time.Second, func() bool {
		sent := r.fa.sentTo(agentID)
		return len(sent) == 1 && sent[0] == "Please continue with the task."
	})
	r.waitState(5*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-a"]
		key := state.AttemptKey{Trigger: "idle", ChainPos: 0}
		return job != nil && job.ActionAttempts[key] == 1
	})

	// Genuine progress outside the nudge window resets the counters.
	time.Sleep(200 * time.Millisecond)
	r.fa.setState(agentID, agent.State{Kind: agent.StateWorking})
	r.waitState(5*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-a"]
		return job != nil && len(job.ActionAttempts) == 0
	})

	// Exit -> exit grace -> on_dead done -> job advances.
	exitCode := 0
	r.fa.setState(agentID, agent.State{Kind: agent.StateExited, ExitCode: &exitCode})
	r.waitState(5*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-a"]
		return job != nil && job.Step == state.StepDone
	})

	// Owner timers are swept on terminal.
	waitCond(t, time.Second, func() bool {
		for _, id := range r.sched.Pending() {
			if strings.Contains(id, "job-a") {
				return false
			}
		}
		return true
	})
}

func TestGateFailureRaisesDecisionAndRetryResumes(t *testing.T) {
	r := newRig(t, defaultTestConfig())
	rb := r.loadRunbook()
	r.createJob(rb, "job-g", "gated")

	waitCond(t, 5*time.Second, func() bool { return r.fa.spawnCount() == 1 })
	agentID := r.fa.lastSpawn().AgentID
	r.waitState(5*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-g"]
		return job != nil && job.AgentID() == agentID
	})

	r.fa.setState(agentID, agent.State{Kind: agent.StateExited})

	var decisionID string
	r.waitState(5*time.Second, func(st *state.State) bool {
		for _, d := range st.Decisions {
			if !d.Resolved && d.Source == state.SourceGate {
				decisionID = d.ID
				return true
			}
		}
		return false
	})

	r.st.RLock()
	d := r.st.Decisions[decisionID]
	job := r.st.Jobs["job-g"]
	r.st.RUnlock()
	require.Contains(t, d.Context, "Exit code: 1")
	require.Contains(t, d.Context, "assert failed")
	require.Equal(t, state.StepWaiting, job.StepStatus)
	require.Equal(t, decisionID, job.WaitingDecision)

	// The pending decision supersedes the exit-deferred timer.
	require.False(t, r.sched.Has(scheduler.PrefixExitDeferred+"job:job-g"))

	// Retry respawns against the prior session.
	r.submit(event.TypeDecisionResolved, &event.DecisionResolved{
		DecisionID: decisionID,
		Choices:    []int{1},
	})
	waitCond(t, 5*time.Second, func() bool { return r.fa.spawnCount() == 2 })
	require.Equal(t, "sess-"+agentID, r.fa.lastSpawn().SessionID)
}

func TestAutoResumeDismissesStaleDecision(t *testing.T) {
	r := newRig(t, defaultTestConfig())
	rb := r.loadRunbook()
	r.createJob(rb, "job-e", "escalating")

	waitCond(t, 5*time.Second, func() bool { return r.fa.spawnCount() == 1 })
	agentID := r.fa.lastSpawn().AgentID
	r.waitState(5*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-e"]
		return job != nil && job.AgentID() == agentID
	})

	r.fa.setState(agentID, agent.State{Kind: agent.StateWaitingForInput})
	var decisionID string
	r.waitState(5*time.Second, func(st *state.State) bool {
		for _, d := range st.Decisions {
			if !d.Resolved && d.Source == state.SourceIdle {
				decisionID = d.ID
				return true
			}
		}
		return false
	})

	// The agent wakes up on its own; the escalation is stale.
	r.fa.setState(agentID, agent.State{Kind: agent.StateWorking})
	r.waitState(5*time.Second, func(st *state.State) bool {
		d := st.Decisions[decisionID]
		return d != nil && d.Resolved && d.Message == "auto-dismissed: agent became active"
	})
	r.waitState(5*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-e"]
		return job != nil && job.StepStatus == state.StepRunning && len(job.ActionAttempts) == 0
	})
}

func TestPersistedQueueRetriesThenDies(t *testing.T) {
	r := newRig(t, defaultTestConfig())
	rb := r.loadRunbook()

	r.submit(event.TypeWorkerStarted, &event.WorkerStarted{
		Name:        "runner",
		Project:     "demo",
		ProjectPath: r.dir,
		RunbookHash: rb.Hash,
		Queue:       "tasks",
		Job:         "qjob",
		Concurrency: 1,
		QueueKind:   string(runbook.QueuePersisted),
	})
	r.submit(event.TypeQueuePushed, &event.QueuePushed{
		ItemID:  "item-1",
		Queue:   "tasks",
		Project: "demo",
		Data:    []byte(`{"n":1}`),
	})

	r.waitState(10*time.Second, func(st *state.State) bool {
		item := st.QueueItems["item-1"]
		return item != nil && item.Status == state.ItemDead
	})

	r.st.RLock()
	defer r.st.RUnlock()
	item := r.st.QueueItems["item-1"]
	require.Equal(t, uint32(2), item.Failures)
	w := r.st.Workers[state.WorkerKey("demo", "runner")]
	require.Empty(t, w.Active)
	require.Empty(t, w.Items)
	require.Equal(t, uint32(0), w.PendingTakes)
}

func TestCircuitBreakerTripsOnRoutingLoop(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxStepVisits = 3
	r := newRig(t, cfg)
	rb := r.loadRunbook()
	r.createJob(rb, "job-l", "loop")

	r.waitState(10*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-l"]
		return job != nil && job.Step == state.StepLabelFailed
	})

	r.st.RLock()
	defer r.st.RUnlock()
	require.Contains(t, r.st.Jobs["job-l"].Error, "circuit breaker")
}

func TestJobCancelRoutesToCancelled(t *testing.T) {
	r := newRig(t, defaultTestConfig())
	rb := r.loadRunbook()
	r.createJob(rb, "job-c", "agentwork")

	waitCond(t, 5*time.Second, func() bool { return r.fa.spawnCount() == 1 })
	agentID := r.fa.lastSpawn().AgentID
	r.waitState(5*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-c"]
		return job != nil && job.AgentID() == agentID
	})

	r.submit(event.TypeJobCancel, &event.JobCancel{JobID: "job-c"})

	r.waitState(5*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-c"]
		return job != nil && job.Step == state.StepLabelCancel && job.Cancelling
	})
	waitCond(t, time.Second, func() bool {
		r.fa.mu.Lock()
		defer r.fa.mu.Unlock()
		return len(r.fa.killed) >= 1
	})
}

func TestWorkerStartedWhileRunningActsAsWake(t *testing.T) {
	r := newRig(t, defaultTestConfig())
	rb := r.loadRunbook()

	start := &event.WorkerStarted{
		Name:        "runner",
		Project:     "demo",
		ProjectPath: r.dir,
		RunbookHash: rb.Hash,
		Queue:       "tasks",
		Job:         "qjob",
		Concurrency: 1,
		QueueKind:   string(runbook.QueuePersisted),
	}
	r.submit(event.TypeWorkerStarted, start)
	r.submit(event.TypeWorkerStarted, start)

	r.st.RLock()
	defer r.st.RUnlock()
	require.Len(t, r.st.Workers, 1)
	w := r.st.Workers[state.WorkerKey("demo", "runner")]
	require.Equal(t, state.WorkerRunning, w.Status)
	require.Equal(t, 1, w.AvailableSlots())
}

func TestRestartReconcilesDeadAgentThroughOnDead(t *testing.T) {
	dir := t.TempDir()
	r1 := newRigAt(t, defaultTestConfig(), dir)
	rb := r1.loadRunbook()
	r1.createJob(rb, "job-r", "agentwork")
	waitCond(t, 5*time.Second, func() bool { return r1.fa.spawnCount() == 1 })
	r1.waitState(5*time.Second, func(st *state.State) bool {
		job := st.Jobs["job-r"]
		return job != nil && job.AgentID() != ""
	})

	// Stop the first daemon instance.
	r1.stop()

	// Second instance replays the same WAL; reconnect fails, so the
	// on_dead chain (done) finishes the job.
	r2 := newRigAt(t, defaultTestConfig(), dir)
	r2.fa.setReconnectErr(context.DeadlineExceeded)

	r2.st.RLock()
	job := r2.st.Jobs["job-r"]
	r2.st.RUnlock()
	require.NotNil(t, job)
	require.False(t, job.Terminal())

	r2.eng.Reconcile(context.Background())

	r2.waitState(10*time.Second, func(st *state.State) bool {
		j := st.Jobs["job-r"]
		return j != nil && j.Step == state.StepDone
	})
}
