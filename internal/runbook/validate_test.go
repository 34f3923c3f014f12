package runbook

import (
	"strings"
	"testing"
)

func validRunbook() Runbook {
	return Runbook{
		Hash:    "h",
		Project: "demo",
		Jobs: map[string]JobDef{
			"build": {
				Steps: []StepDef{
					{Name: "compile", Shell: "make"},
					{Name: "review", Agent: "coder", OnFail: "compile"},
				},
			},
		},
		Agents: map[string]AgentDef{
			"coder": {Command: "claude"},
		},
		Workers: map[string]WorkerDef{
			"builder": {Queue: "tasks", Job: "build", Concurrency: 2},
		},
		Queues: map[string]QueueDef{
			"tasks": {Kind: QueuePersisted, Retry: &QueueRetry{Attempts: 2}},
		},
		Crons: map[string]CronDef{
			"nightly": {Schedule: "0 3 * * *", Job: "build"},
		},
		Commands: map[string]CommandDef{
			"build": {Job: "build"},
			"ask":   {Agent: "coder", Prompt: "look around"},
		},
	}
}

func TestValidRunbookPasses(t *testing.T) {
	rb := validRunbook()
	if err := rb.Validate(); err != nil {
		t.Fatalf("expected valid runbook, got %v", err)
	}
}

func TestStepNeedsExactlyOneKind(t *testing.T) {
	rb := validRunbook()
	job := rb.Jobs["build"]
	job.Steps[0].Agent = "coder" // now both shell and agent
	rb.Jobs["build"] = job
	err := rb.Validate()
	if err == nil || !strings.Contains(err.Error(), "exactly one of shell or agent") {
		t.Fatalf("expected shell/agent error, got %v", err)
	}
}

func TestUnknownAgentRejected(t *testing.T) {
	rb := validRunbook()
	job := rb.Jobs["build"]
	job.Steps[1].Agent = "ghost"
	rb.Jobs["build"] = job
	if err := rb.Validate(); err == nil {
		t.Fatal("expected unknown agent error")
	}
}

func TestUnknownRoutingTargetRejected(t *testing.T) {
	rb := validRunbook()
	job := rb.Jobs["build"]
	job.Steps[0].OnDone = "nowhere"
	rb.Jobs["build"] = job
	if err := rb.Validate(); err == nil {
		t.Fatal("expected routing target error")
	}
}

func TestTerminalRoutingTargetsAllowed(t *testing.T) {
	rb := validRunbook()
	job := rb.Jobs["build"]
	job.Steps[0].OnFail = "failed"
	job.OnDone = "done"
	rb.Jobs["build"] = job
	if err := rb.Validate(); err != nil {
		t.Fatalf("terminal labels must validate: %v", err)
	}
}

func TestWorkerReferencesChecked(t *testing.T) {
	rb := validRunbook()
	rb.Workers["builder"] = WorkerDef{Queue: "missing", Job: "build"}
	if err := rb.Validate(); err == nil {
		t.Fatal("expected unknown queue error")
	}
}

func TestExternalQueueNeedsCommands(t *testing.T) {
	rb := validRunbook()
	rb.Queues["tasks"] = QueueDef{Kind: QueueExternal}
	err := rb.Validate()
	if err == nil || !strings.Contains(err.Error(), "list and take") {
		t.Fatalf("expected list/take error, got %v", err)
	}
}

func TestBadCronScheduleRejected(t *testing.T) {
	rb := validRunbook()
	rb.Crons["nightly"] = CronDef{Schedule: "not a schedule", Job: "build"}
	if err := rb.Validate(); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestDuplicateStepNamesRejected(t *testing.T) {
	rb := validRunbook()
	job := rb.Jobs["build"]
	job.Steps = append(job.Steps, StepDef{Name: "compile", Shell: "make again"})
	rb.Jobs["build"] = job
	if err := rb.Validate(); err == nil {
		t.Fatal("expected duplicate step error")
	}
}

func TestHashIsStableAndContentSensitive(t *testing.T) {
	a := validRunbook().Hashed()
	b := validRunbook().Hashed()
	if a.Hash != b.Hash {
		t.Error("identical runbooks must hash identically")
	}
	c := validRunbook()
	c.Jobs["build"] = JobDef{Steps: []StepDef{{Name: "compile", Shell: "make -j"}}}
	if c.Hashed().Hash == a.Hash {
		t.Error("different runbooks must hash differently")
	}
}

func TestActionDefaults(t *testing.T) {
	def := AgentDef{Command: "claude"}
	idle := def.IdleChain()
	if len(idle) != 1 || idle[0].Kind != ActionNudge {
		t.Errorf("default on_idle should nudge, got %+v", idle)
	}
	dead := def.DeadChain()
	if len(dead) != 1 || dead[0].Kind != ActionEscalate {
		t.Errorf("default on_dead should escalate, got %+v", dead)
	}
	a := Action{Kind: ActionNudge}
	if a.AttemptBudget() != DefaultAttempts {
		t.Errorf("zero attempts should use the default budget")
	}
	inf := Action{Kind: ActionNudge, Attempts: AttemptsInfinite}
	if inf.AttemptBudget() != AttemptsInfinite {
		t.Errorf("infinite attempts must survive")
	}
}

func TestErrorChainFallbacks(t *testing.T) {
	e := ErrorActions{
		RateLimited: ActionChain{{Kind: ActionResume}},
		Default:     ActionChain{{Kind: ActionFail}},
	}
	if got := e.ChainFor("rate_limited"); got[0].Kind != ActionResume {
		t.Errorf("typed chain not used: %+v", got)
	}
	if got := e.ChainFor("no_internet"); got[0].Kind != ActionFail {
		t.Errorf("default chain not used: %+v", got)
	}
	empty := ErrorActions{}
	if got := empty.ChainFor("other"); got[0].Kind != ActionEscalate {
		t.Errorf("escalate fallback not used: %+v", got)
	}
}
