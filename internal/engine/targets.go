package engine

import (
	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/runbook"
	"github.com/oddjobs/oddjobs/internal/state"
)

// runTarget is the small capability set the monitor and action
// dispatcher need from an owner. Jobs and crews implement it; the
// engine never switches on the concrete kind beyond what it exposes.
type runTarget interface {
	Owner() event.Owner
	DisplayName() string
	AgentName() string
	RunbookHash() string
	ExecDir(e *Engine) string
	Vars(e *Engine) map[string]string
	Waiting() bool
	LastNudgeAtMs() int64
	Attempts(key state.AttemptKey) int
	Terminal() bool

	// Effect builders for the owner-shaped transitions.
	resumeRunning(e *Engine) []Effect
	advance(e *Engine) []Effect
	fail(e *Engine, reason string) []Effect
	markWaiting(e *Engine, decisionID string) []Effect
	respawn(e *Engine, message string, kill, appendPrompt bool) []Effect
}

// targetOf resolves the runTarget for an owner. Callers hold the
// state lock.
func (e *Engine) targetOf(owner event.Owner) (runTarget, bool) {
	switch owner.Kind {
	case event.OwnerJob:
		if job, ok := e.st.Jobs[owner.ID]; ok {
			return &jobTarget{job: job}, true
		}
	case event.OwnerCrew:
		if crew, ok := e.st.Crews[owner.ID]; ok {
			return &crewTarget{crew: crew}, true
		}
	}
	return nil, false
}

// agentDefOf resolves the runbook agent definition monitoring a target.
func (e *Engine) agentDefOf(t runTarget) (*runbook.AgentDef, bool) {
	rb, ok := e.st.RunbookFor(t.RunbookHash())
	if !ok {
		return nil, false
	}
	def, ok := rb.Agents[t.AgentName()]
	if !ok {
		return nil, false
	}
	return &def, true
}

// --- job ---

type jobTarget struct {
	job *state.Job
}

func (t *jobTarget) Owner() event.Owner  { return event.JobOwner(t.job.ID) }
func (t *jobTarget) DisplayName() string { return t.job.Name }
func (t *jobTarget) RunbookHash() string { return t.job.RunbookHash }
func (t *jobTarget) Terminal() bool      { return t.job.Terminal() }
func (t *jobTarget) Waiting() bool       { return t.job.StepStatus == state.StepWaiting }

func (t *jobTarget) AgentName() string {
	if rec := t.job.CurrentRecord(); rec != nil && rec.AgentName != "" {
		return rec.AgentName
	}
	return ""
}

func (t *jobTarget) ExecDir(e *Engine) string { return e.execDir(t.job) }

func (t *jobTarget) Vars(e *Engine) map[string]string {
	return jobVars(t.job, e.execDir(t.job))
}

func (t *jobTarget) LastNudgeAtMs() int64 { return t.job.LastNudgeAtMs }

func (t *jobTarget) Attempts(key state.AttemptKey) int {
	return t.job.ActionAttempts[key]
}

func (t *jobTarget) resumeRunning(e *Engine) []Effect {
	return []Effect{emitEvent(event.TypeStepStarted, &event.StepStarted{
		JobID: t.job.ID, Step: t.job.Step,
	})}
}

func (t *jobTarget) advance(e *Engine) []Effect {
	return []Effect{emitEvent(event.TypeStepCompleted, &event.StepCompleted{
		JobID: t.job.ID, Step: t.job.Step,
	})}
}

func (t *jobTarget) fail(e *Engine, reason string) []Effect {
	return []Effect{emitEvent(event.TypeStepFailed, &event.StepFailed{
		JobID: t.job.ID, Step: t.job.Step, Error: reason,
	})}
}

func (t *jobTarget) markWaiting(e *Engine, decisionID string) []Effect {
	return []Effect{emitEvent(event.TypeStepWaiting, &event.StepWaiting{
		JobID: t.job.ID, Step: t.job.Step, DecisionID: decisionID,
	})}
}

func (t *jobTarget) respawn(e *Engine, message string, kill, appendPrompt bool) []Effect {
	return e.resumeAgentStep(t.job, message, kill, appendPrompt)
}

// --- crew ---

type crewTarget struct {
	crew *state.Crew
}

func (t *crewTarget) Owner() event.Owner  { return event.CrewOwner(t.crew.ID) }
func (t *crewTarget) DisplayName() string { return t.crew.Agent }
func (t *crewTarget) AgentName() string   { return t.crew.Agent }
func (t *crewTarget) RunbookHash() string { return t.crew.RunbookHash }
func (t *crewTarget) Terminal() bool      { return t.crew.Status.Terminal() }

func (t *crewTarget) Waiting() bool {
	return t.crew.Status == state.CrewWaiting || t.crew.Status == state.CrewEscalated
}

func (t *crewTarget) ExecDir(_ *Engine) string { return t.crew.CWD }

func (t *crewTarget) Vars(_ *Engine) map[string]string { return crewVars(t.crew) }

func (t *crewTarget) LastNudgeAtMs() int64 { return t.crew.LastNudgeAtMs }

func (t *crewTarget) Attempts(key state.AttemptKey) int {
	return t.crew.ActionAttempts[key]
}

func (t *crewTarget) resumeRunning(e *Engine) []Effect {
	return []Effect{emitEvent(event.TypeCrewUpdated, &event.CrewUpdated{
		CrewID: t.crew.ID, Status: string(state.CrewRunning),
	})}
}

func (t *crewTarget) advance(e *Engine) []Effect {
	return []Effect{emitEvent(event.TypeCrewUpdated, &event.CrewUpdated{
		CrewID: t.crew.ID, Status: string(state.CrewCompleted),
	})}
}

func (t *crewTarget) fail(e *Engine, reason string) []Effect {
	return []Effect{emitEvent(event.TypeCrewUpdated, &event.CrewUpdated{
		CrewID: t.crew.ID, Status: string(state.CrewFailed), Reason: reason,
	})}
}

func (t *crewTarget) markWaiting(e *Engine, decisionID string) []Effect {
	return []Effect{emitEvent(event.TypeCrewUpdated, &event.CrewUpdated{
		CrewID: t.crew.ID, Status: string(state.CrewEscalated),
	})}
}

func (t *crewTarget) respawn(e *Engine, message string, kill, appendPrompt bool) []Effect {
	return e.resumeCrew(t.crew, message, kill, appendPrompt)
}
