package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/runbook"
)

func env(t *testing.T, seq uint64, typ string, payload any) event.Envelope {
	t.Helper()
	e := event.New(typ, payload)
	e.Seq = seq
	return e
}

func applyAll(t *testing.T, s *State, envs []event.Envelope) {
	t.Helper()
	for _, e := range envs {
		if err := s.Apply(e); err != nil {
			t.Fatalf("apply %s: %v", e.Type, err)
		}
	}
}

func jobFlow(t *testing.T) []event.Envelope {
	return []event.Envelope{
		env(t, 1, event.TypeRunbookLoaded, &event.RunbookLoaded{Runbook: runbook.Runbook{
			Hash:    "h1",
			Project: "demo",
			Jobs: map[string]runbook.JobDef{
				"build": {Steps: []runbook.StepDef{{Name: "compile", Shell: "make"}}},
			},
		}}),
		env(t, 2, event.TypeJobCreated, &event.JobCreated{
			JobID: "j1", Kind: "build", Name: "build-1", Project: "demo",
			RunbookHash: "h1", CWD: "/tmp",
		}),
		env(t, 3, event.TypeJobAdvanced, &event.JobAdvanced{JobID: "j1", Step: "compile"}),
		env(t, 4, event.TypeStepStarted, &event.StepStarted{JobID: "j1", Step: "compile"}),
	}
}

func TestJobFoldThroughCompletion(t *testing.T) {
	s := New()
	flow := append(jobFlow(t),
		env(t, 5, event.TypeStepCompleted, &event.StepCompleted{JobID: "j1", Step: "compile"}),
		env(t, 6, event.TypeJobAdvanced, &event.JobAdvanced{JobID: "j1", Step: StepDone}),
	)
	applyAll(t, s, flow)

	job := s.Jobs["j1"]
	require.NotNil(t, job)
	assert.Equal(t, StepDone, job.Step)
	assert.Equal(t, StepCompleted, job.StepStatus)
	assert.True(t, job.Terminal())
	require.Len(t, job.StepHistory, 1)
	assert.Equal(t, OutcomeCompleted, job.StepHistory[0].Outcome)
	assert.Equal(t, 1, job.StepVisits["compile"])
	assert.Equal(t, uint64(6), s.AppliedSeq)
}

func TestReplayMatchesIncremental(t *testing.T) {
	flow := append(jobFlow(t),
		env(t, 5, event.TypeStepFailed, &event.StepFailed{JobID: "j1", Step: "compile", Error: "boom"}),
		env(t, 6, event.TypeJobAdvanced, &event.JobAdvanced{JobID: "j1", Step: StepLabelFailed}),
	)

	incremental := New()
	applyAll(t, incremental, flow)

	replayed := New()
	applyAll(t, replayed, flow)

	assert.Equal(t, incremental.Jobs["j1"], replayed.Jobs["j1"])
	assert.Equal(t, incremental.AppliedSeq, replayed.AppliedSeq)
}

func TestStepFailureRecordsError(t *testing.T) {
	s := New()
	flow := append(jobFlow(t),
		env(t, 5, event.TypeStepFailed, &event.StepFailed{JobID: "j1", Step: "compile", Error: "exit 2"}),
	)
	applyAll(t, s, flow)

	job := s.Jobs["j1"]
	assert.Equal(t, StepFailed, job.StepStatus)
	assert.Equal(t, "exit 2", job.Error)
	assert.Equal(t, OutcomeFailed, job.StepHistory[0].Outcome)
}

func TestWaitingToRunningKeepsOneRecord(t *testing.T) {
	s := New()
	flow := append(jobFlow(t),
		env(t, 5, event.TypeStepWaiting, &event.StepWaiting{JobID: "j1", Step: "compile", DecisionID: "d1"}),
		env(t, 6, event.TypeStepStarted, &event.StepStarted{JobID: "j1", Step: "compile"}),
	)
	applyAll(t, s, flow)

	job := s.Jobs["j1"]
	assert.Equal(t, StepRunning, job.StepStatus)
	assert.Empty(t, job.WaitingDecision)
	assert.Len(t, job.StepHistory, 1)
}

func TestAgentSpawnBindsStepRecord(t *testing.T) {
	s := New()
	flow := append(jobFlow(t),
		env(t, 5, event.TypeAgentSpawned, &event.AgentSpawned{
			AgentID: "a1", Owner: event.JobOwner("j1"), Name: "coder", SessionID: "sess",
		}),
	)
	applyAll(t, s, flow)

	job := s.Jobs["j1"]
	rec := job.CurrentRecord()
	require.NotNil(t, rec)
	assert.Equal(t, "a1", rec.AgentID)
	assert.Equal(t, "coder", rec.AgentName)
	require.NotNil(t, s.Agents["a1"])
	assert.Equal(t, "sess", s.Agents["a1"].SessionID)
}

func TestActionAttemptsAndReset(t *testing.T) {
	s := New()
	applyAll(t, s, jobFlow(t))
	owner := event.JobOwner("j1")

	applyAll(t, s, []event.Envelope{
		env(t, 5, event.TypeActionDispatched, &event.ActionDispatched{
			Owner: owner, Trigger: "idle", ChainPos: 0, Kind: "nudge",
		}),
		env(t, 6, event.TypeActionDispatched, &event.ActionDispatched{
			Owner: owner, Trigger: "idle", ChainPos: 0, Kind: "nudge",
		}),
	})

	job := s.Jobs["j1"]
	key := AttemptKey{Trigger: "idle", ChainPos: 0}
	assert.Equal(t, 2, job.ActionAttempts[key])
	assert.NotZero(t, job.LastNudgeAtMs)

	applyAll(t, s, []event.Envelope{
		env(t, 7, event.TypeActionReset, &event.ActionReset{Owner: owner}),
	})
	assert.Empty(t, job.ActionAttempts)
}

func TestDecisionDoubleResolveRejected(t *testing.T) {
	s := New()
	applyAll(t, s, []event.Envelope{
		env(t, 1, event.TypeDecisionCreated, &event.DecisionCreated{
			DecisionID: "d1",
			Owner:      event.JobOwner("j1"),
			Source:     SourceIdle,
			Context:    "idle",
			Options:    []event.DecisionOption{{Label: "Nudge"}},
		}),
		env(t, 2, event.TypeDecisionResolved, &event.DecisionResolved{DecisionID: "d1", Choices: []int{1}}),
	})
	require.True(t, s.Decisions["d1"].Resolved)

	err := s.Apply(env(t, 3, event.TypeDecisionResolved, &event.DecisionResolved{
		DecisionID: "d1", Choices: []int{2},
	}))
	require.Error(t, err)
	assert.Equal(t, []int{1}, s.Decisions["d1"].Choices)
}

func TestWorkerSlotBookkeeping(t *testing.T) {
	s := New()
	applyAll(t, s, []event.Envelope{
		env(t, 1, event.TypeWorkerStarted, &event.WorkerStarted{
			Name: "w1", Project: "demo", Queue: "q", Job: "build",
			Concurrency: 2, QueueKind: "external",
		}),
		env(t, 2, event.TypeWorkerTakeStarted, &event.WorkerTakeStarted{
			Name: "w1", Project: "demo", ItemID: "i1",
		}),
	})

	w := s.Workers[WorkerKey("demo", "w1")]
	require.NotNil(t, w)
	assert.Equal(t, uint32(1), w.PendingTakes)
	assert.True(t, w.InflightItems["i1"])
	assert.Equal(t, 1, w.AvailableSlots())

	owner := event.JobOwner("jq")
	applyAll(t, s, []event.Envelope{
		env(t, 3, event.TypeWorkerTook, &event.WorkerTook{
			Name: "w1", Project: "demo", ItemID: "i1", OK: true,
		}),
		env(t, 4, event.TypeWorkerDispatched, &event.WorkerDispatched{
			Name: "w1", Project: "demo", ItemID: "i1", Owner: owner,
		}),
	})
	assert.Equal(t, uint32(0), w.PendingTakes)
	assert.True(t, w.Active[owner])
	assert.Equal(t, "i1", w.Items[owner])
	// Invariant: |active| + pending_takes <= concurrency.
	assert.LessOrEqual(t, len(w.Active)+int(w.PendingTakes), int(w.Concurrency))

	applyAll(t, s, []event.Envelope{
		env(t, 5, event.TypeWorkerFreed, &event.WorkerFreed{Name: "w1", Project: "demo", Owner: owner}),
	})
	assert.Empty(t, w.Active)
	assert.Empty(t, w.Items)
	assert.False(t, w.InflightItems["i1"])
}

func TestFailedTakeClearsInflight(t *testing.T) {
	s := New()
	applyAll(t, s, []event.Envelope{
		env(t, 1, event.TypeWorkerStarted, &event.WorkerStarted{
			Name: "w1", Project: "demo", Queue: "q", Job: "build",
			Concurrency: 1, QueueKind: "external",
		}),
		env(t, 2, event.TypeWorkerTakeStarted, &event.WorkerTakeStarted{
			Name: "w1", Project: "demo", ItemID: "i1",
		}),
		env(t, 3, event.TypeWorkerTook, &event.WorkerTook{
			Name: "w1", Project: "demo", ItemID: "i1", OK: false, Error: "claimed elsewhere",
		}),
	})
	w := s.Workers[WorkerKey("demo", "w1")]
	assert.Equal(t, uint32(0), w.PendingTakes)
	assert.False(t, w.InflightItems["i1"])
}

func TestQueueItemLifecycle(t *testing.T) {
	s := New()
	applyAll(t, s, []event.Envelope{
		env(t, 1, event.TypeQueuePushed, &event.QueuePushed{
			ItemID: "i1", Queue: "q", Project: "demo", Data: []byte(`{"n":1}`),
		}),
		env(t, 2, event.TypeQueueDispatched, &event.QueueDispatched{
			ItemID: "i1", Queue: "q", Project: "demo", Worker: "w1", Owner: event.JobOwner("j1"),
		}),
		env(t, 3, event.TypeQueueFailed, &event.QueueFailed{ItemID: "i1", Queue: "q", Project: "demo", Error: "boom"}),
	})
	item := s.QueueItems["i1"]
	require.NotNil(t, item)
	assert.Equal(t, ItemFailed, item.Status)
	assert.Equal(t, uint32(1), item.Failures)

	applyAll(t, s, []event.Envelope{
		env(t, 4, event.TypeQueueRetry, &event.QueueRetry{ItemID: "i1", Queue: "q", Project: "demo"}),
	})
	assert.Equal(t, ItemPending, item.Status)

	applyAll(t, s, []event.Envelope{
		env(t, 5, event.TypeQueueFailed, &event.QueueFailed{ItemID: "i1", Queue: "q", Project: "demo"}),
		env(t, 6, event.TypeQueueDead, &event.QueueDead{ItemID: "i1", Queue: "q", Project: "demo"}),
	})
	assert.Equal(t, ItemDead, item.Status)
	assert.Equal(t, uint32(2), item.Failures)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New()
	flow := append(jobFlow(t),
		env(t, 5, event.TypeAgentSpawned, &event.AgentSpawned{
			AgentID: "a1", Owner: event.JobOwner("j1"), Name: "coder",
		}),
		env(t, 6, event.TypeWorkerStarted, &event.WorkerStarted{
			Name: "w1", Project: "demo", Queue: "q", Job: "build",
			Concurrency: 1, QueueKind: "persisted",
		}),
	)
	applyAll(t, s, flow)

	dir := t.TempDir()
	if _, err := s.SaveSnapshot(dir); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	loaded, seq, err := LoadLatestSnapshot(dir)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(6), seq)
	assert.Equal(t, s.Jobs["j1"].Step, loaded.Jobs["j1"].Step)
	assert.Equal(t, s.Agents["a1"].Name, loaded.Agents["a1"].Name)
	require.NotNil(t, loaded.Workers[WorkerKey("demo", "w1")])

	// Loaded state keeps accepting events.
	err = loaded.Apply(env(t, 7, event.TypeJobAdvanced, &event.JobAdvanced{JobID: "j1", Step: StepDone}))
	require.NoError(t, err)
}

func TestPendingDecisionPerOwner(t *testing.T) {
	s := New()
	owner := event.JobOwner("j1")
	applyAll(t, s, []event.Envelope{
		env(t, 1, event.TypeDecisionCreated, &event.DecisionCreated{
			DecisionID: "d1", Owner: owner, Source: SourceIdle, Context: "x",
			Options: []event.DecisionOption{{Label: "Nudge"}},
		}),
	})
	require.NotNil(t, s.PendingDecision(owner))

	applyAll(t, s, []event.Envelope{
		env(t, 2, event.TypeDecisionResolved, &event.DecisionResolved{DecisionID: "d1", Message: "done"}),
	})
	assert.Nil(t, s.PendingDecision(owner))
}

func TestAttemptKeyTextRoundTrip(t *testing.T) {
	key := AttemptKey{Trigger: "error:rate_limited", ChainPos: 2}
	text, err := key.MarshalText()
	require.NoError(t, err)

	var back AttemptKey
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, key, back)
}
