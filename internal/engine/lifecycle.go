package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/agent"
	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/runbook"
	"github.com/oddjobs/oddjobs/internal/shellexec"
	"github.com/oddjobs/oddjobs/internal/state"
	"github.com/oddjobs/oddjobs/internal/workspace"
)

// defaultNudge is the message sent when a nudge or resume carries none.
const defaultNudge = "Please continue with the task."

// jobDef resolves a job's runbook definition.
func (e *Engine) jobDef(job *state.Job) (*runbook.JobDef, *runbook.Runbook, bool) {
	rb, ok := e.st.RunbookFor(job.RunbookHash)
	if !ok {
		return nil, nil, false
	}
	def, ok := rb.Jobs[job.Kind]
	if !ok {
		return nil, nil, false
	}
	return &def, rb, true
}

// execDir is where an owner's commands and agents run: its workspace
// when ready, otherwise its recorded working directory.
func (e *Engine) execDir(job *state.Job) string {
	if job.WorkspaceID != "" {
		if ws, ok := e.st.Workspaces[job.WorkspaceID]; ok && ws.Status == state.WorkspaceReady {
			return ws.Path
		}
	}
	return job.CWD
}

// jobVars merges a job's vars with the system substitution keys.
func jobVars(job *state.Job, execDir string) map[string]string {
	vars := make(map[string]string, len(job.Vars)+4)
	for k, v := range job.Vars {
		vars[k] = v
	}
	vars["job_id"] = job.ID
	vars["name"] = job.Name
	vars["workspace"] = execDir
	if job.Error != "" {
		vars["error"] = job.Error
	}
	return vars
}

// crewVars merges a crew's vars with the system substitution keys.
func crewVars(crew *state.Crew) map[string]string {
	vars := make(map[string]string, len(crew.Vars)+3)
	for k, v := range crew.Vars {
		vars[k] = v
	}
	vars["crew_id"] = crew.ID
	vars["name"] = crew.Agent
	vars["workspace"] = crew.CWD
	if crew.Reason != "" {
		vars["error"] = crew.Reason
	}
	return vars
}

// substPrompt substitutes ${var.*} references in prompt text without
// shell quoting.
func substPrompt(text string, vars map[string]string) string {
	for k, v := range vars {
		text = strings.ReplaceAll(text, "${var."+k+"}", v)
	}
	return text
}

func (e *Engine) onJobCreated(p *event.JobCreated) []Effect {
	job, ok := e.st.Jobs[p.JobID]
	if !ok {
		return nil
	}
	def, _, ok := e.jobDef(job)
	if !ok {
		return e.failJobNow(job, fmt.Sprintf("unknown job kind %q in runbook %s", job.Kind, event.ShortID(job.RunbookHash)))
	}

	e.crumbs.Write(job)
	e.alog.AppendJob(job.ID, "create", "job created: "+job.Kind)

	// A declared workspace is created first; the first step starts on
	// WorkspaceReady.
	if def.Workspace != nil && job.WorkspaceID != "" {
		if _, exists := e.st.Workspaces[job.WorkspaceID]; !exists {
			spec := e.workspaceSpec(job, def.Workspace)
			return []Effect{
				emitEvent(event.TypeWorkspaceCreated, &event.WorkspaceCreated{
					WorkspaceID: job.WorkspaceID,
					Owner:       event.JobOwner(job.ID),
					Path:        e.exec.workspaces.Path(spec),
					Type:        string(def.Workspace.Type),
					Repo:        spec.Repo,
					Branch:      spec.Branch,
					StartPoint:  spec.StartPoint,
				}),
				CreateWorkspace{Spec: spec},
			}
		}
	}

	first := def.FirstStep()
	return []Effect{emitEvent(event.TypeJobAdvanced, &event.JobAdvanced{JobID: job.ID, Step: first.Name})}
}

func (e *Engine) workspaceSpec(job *state.Job, def *runbook.WorkspaceDef) workspace.Spec {
	repo := def.Repo
	if repo == "" {
		repo = job.CWD
	}
	return workspace.Spec{
		WorkspaceID: job.WorkspaceID,
		Owner:       event.JobOwner(job.ID),
		Type:        def.Type,
		Repo:        repo,
		Branch:      def.Branch,
		StartPoint:  def.StartPoint,
	}
}

func (e *Engine) onWorkspaceReady(p *event.WorkspaceReady) []Effect {
	ws, ok := e.st.Workspaces[p.WorkspaceID]
	if !ok || ws.Owner.Kind != event.OwnerJob {
		return nil
	}
	job, ok := e.st.Jobs[ws.Owner.ID]
	if !ok || job.Step != "" {
		return nil
	}
	def, _, ok := e.jobDef(job)
	if !ok {
		return e.failJobNow(job, "runbook definition missing after workspace creation")
	}
	first := def.FirstStep()
	return []Effect{emitEvent(event.TypeJobAdvanced, &event.JobAdvanced{JobID: job.ID, Step: first.Name})}
}

func (e *Engine) onWorkspaceFailed(p *event.WorkspaceFailed) []Effect {
	ws, ok := e.st.Workspaces[p.WorkspaceID]
	if !ok || ws.Owner.Kind != event.OwnerJob {
		return nil
	}
	job, ok := e.st.Jobs[ws.Owner.ID]
	if !ok || job.Terminal() {
		return nil
	}
	return e.failJobNow(job, "workspace creation failed: "+p.Error)
}

func (e *Engine) onWorkspaceDrop(p *event.WorkspaceDrop) []Effect {
	ws, ok := e.st.Workspaces[p.WorkspaceID]
	if !ok {
		return nil
	}
	return []Effect{DeleteWorkspace{
		WorkspaceID: ws.ID,
		Type:        ws.Type,
		Path:        ws.Path,
		Repo:        ws.Repo,
		Branch:      ws.Branch,
	}}
}

// failJobNow terminal-fails a job outside the step machinery (domain
// fatal conditions: missing definitions, workspace failure, breaker).
func (e *Engine) failJobNow(job *state.Job, reason string) []Effect {
	e.logger.Warn("job failed", zap.String("job_id", job.ID), zap.String("reason", reason))
	msg := reason
	return []Effect{
		emitEvent(event.TypeJobUpdated, &event.JobUpdated{JobID: job.ID, Error: &msg}),
		emitEvent(event.TypeJobAdvanced, &event.JobAdvanced{JobID: job.ID, Step: state.StepLabelFailed}),
	}
}

func (e *Engine) onJobAdvanced(p *event.JobAdvanced) []Effect {
	job, ok := e.st.Jobs[p.JobID]
	if !ok {
		return nil
	}

	if state.TerminalStep(p.Step) {
		return e.finalizeJob(job)
	}

	def, rb, ok := e.jobDef(job)
	if !ok {
		return e.failJobNow(job, fmt.Sprintf("unknown job kind %q", job.Kind))
	}

	// Circuit breaker: a routing loop re-enters the same step until the
	// visit budget is gone.
	if visits := job.StepVisits[p.Step]; visits > e.cfg.MaxStepVisits {
		return e.failJobNow(job, fmt.Sprintf(
			"circuit breaker: step '%s' entered %d times (limit %d)",
			p.Step, visits, e.cfg.MaxStepVisits))
	}

	stepDef, ok := def.Step(p.Step)
	if !ok {
		return e.failJobNow(job, fmt.Sprintf("unknown step %q in job %q", p.Step, job.Kind))
	}

	e.crumbs.Write(job)
	e.alog.AppendJob(job.ID, p.Step, "step started")

	effects := []Effect{emitEvent(event.TypeStepStarted, &event.StepStarted{JobID: job.ID, Step: p.Step})}
	effects = append(effects, e.startStep(job, stepDef, rb, "")...)
	return effects
}

// startStep builds the effects that run a step's work. For agent
// steps, a non-empty resumePrompt replaces the step's declared prompt;
// the agent is always spawned fresh, without a prior session.
func (e *Engine) startStep(job *state.Job, stepDef *runbook.StepDef, rb *runbook.Runbook, resumePrompt string) []Effect {
	dir := e.execDir(job)
	vars := jobVars(job, dir)
	owner := event.JobOwner(job.ID)

	if !stepDef.IsAgent() {
		return []Effect{Shell{
			Owner:   owner,
			Step:    stepDef.Name,
			Purpose: event.ShellPurposeStep,
			Command: shellexec.Substitute(stepDef.Shell, vars),
			Dir:     dir,
		}}
	}

	agentDef, ok := rb.Agents[stepDef.Agent]
	if !ok {
		return e.failJobNow(job, fmt.Sprintf("unknown agent %q for step %q", stepDef.Agent, stepDef.Name))
	}

	prompt := resumePrompt
	if prompt == "" {
		prompt = substPrompt(stepDef.Prompt, vars)
	}

	return []Effect{SpawnAgent{Config: agent.SpawnConfig{
		AgentID: uuid.New().String(),
		Owner:   owner,
		Name:    stepDef.Agent,
		Command: agentDef.Command,
		Prompt:  prompt,
		Dir:     dir,
		Env:     vars,
	}}}
}

func (e *Engine) onStepCompleted(p *event.StepCompleted) []Effect {
	job, ok := e.st.Jobs[p.JobID]
	if !ok || job.Terminal() {
		return nil
	}
	e.alog.AppendJob(job.ID, p.Step, "step completed")

	effects := e.leaveAgentStep(event.JobOwner(job.ID))

	next := ""
	switch {
	case job.Failing:
		next = state.StepLabelFailed
	case job.Cancelling:
		next = state.StepLabelCancel
	case job.Suspending:
		next = state.StepLabelSuspend
	default:
		def, _, ok := e.jobDef(job)
		if !ok {
			return append(effects, e.failJobNow(job, "runbook definition missing")...)
		}
		if stepDef, ok := def.Step(p.Step); ok && stepDef.OnDone != "" {
			next = stepDef.OnDone
		} else if def.OnDone != "" {
			next = def.OnDone
		} else {
			next = state.StepDone
		}
	}
	return append(effects, emitEvent(event.TypeJobAdvanced, &event.JobAdvanced{JobID: job.ID, Step: next}))
}

func (e *Engine) onStepFailed(p *event.StepFailed) []Effect {
	job, ok := e.st.Jobs[p.JobID]
	if !ok || job.Terminal() {
		return nil
	}
	e.alog.AppendJob(job.ID, p.Step, "step failed: "+p.Error)

	effects := e.leaveAgentStep(event.JobOwner(job.ID))

	if job.Cancelling {
		return append(effects, emitEvent(event.TypeJobAdvanced, &event.JobAdvanced{JobID: job.ID, Step: state.StepLabelCancel}))
	}
	if job.Failing {
		// The cleanup path itself failed; stop here.
		return append(effects, emitEvent(event.TypeJobAdvanced, &event.JobAdvanced{JobID: job.ID, Step: state.StepLabelFailed}))
	}

	target := ""
	if def, _, ok := e.jobDef(job); ok {
		if stepDef, ok := def.Step(p.Step); ok && stepDef.OnFail != "" {
			target = stepDef.OnFail
		} else if def.OnFail != "" {
			target = def.OnFail
		}
	}
	if target == "" || state.TerminalStep(target) {
		return append(effects, emitEvent(event.TypeJobAdvanced, &event.JobAdvanced{JobID: job.ID, Step: state.StepLabelFailed}))
	}

	failing := true
	return append(effects,
		emitEvent(event.TypeJobUpdated, &event.JobUpdated{JobID: job.ID, Failing: &failing}),
		emitEvent(event.TypeJobAdvanced, &event.JobAdvanced{JobID: job.ID, Step: target}),
	)
}

// leaveAgentStep cancels the owner's timers and detaches its agent
// monitoring. Emitted whenever an owner leaves an agent step (advance,
// fail, cancel, suspend, resume-with-kill).
func (e *Engine) leaveAgentStep(owner event.Owner) []Effect {
	if agentID, ok := e.registry.AgentFor(owner); ok {
		e.registry.Unbind(agentID)
		e.watchers.Unwatch(agentID)
	}
	return cancelOwnerTimers(owner)
}

// finalizeJob runs terminal cleanup: timers, agent, workspace, worker
// slot, breadcrumb, archive.
func (e *Engine) finalizeJob(job *state.Job) []Effect {
	owner := event.JobOwner(job.ID)
	e.logger.Info("job terminal",
		zap.String("job_id", job.ID),
		zap.String("step", job.Step),
		zap.String("error", job.Error))
	e.alog.AppendJob(job.ID, job.Step, "job terminal")

	effects := e.leaveAgentStep(owner)

	// A live agent does not outlive its job.
	if meta, ok := e.agentOf(owner); ok && meta.Live() {
		effects = append(effects, KillAgent{AgentID: meta.ID})
	}

	// A terminal job leaves no unresolved decision behind.
	if d := e.st.PendingDecision(owner); d != nil {
		effects = append(effects, emitEvent(event.TypeDecisionResolved, &event.DecisionResolved{
			DecisionID: d.ID,
			Message:    "auto-dismissed: job reached " + job.Step,
		}))
	}

	// Suspended jobs keep their workspace for resume.
	if job.WorkspaceID != "" && job.Step != state.StepLabelSuspend {
		if ws, ok := e.st.Workspaces[job.WorkspaceID]; ok {
			effects = append(effects, DeleteWorkspace{
				WorkspaceID: ws.ID,
				Type:        ws.Type,
				Path:        ws.Path,
				Repo:        ws.Repo,
				Branch:      ws.Branch,
			})
		}
	}

	effects = append(effects, e.releaseWorkerSlot(owner, job.Step, job.Error)...)

	if job.Step != state.StepLabelSuspend {
		e.crumbs.Remove(job.ID)
	} else {
		e.crumbs.Write(job)
	}

	if e.archiver != nil && job.Step != state.StepLabelSuspend {
		snapshot := *job
		go func() {
			if err := e.archiver.ArchiveJob(context.Background(), &snapshot); err != nil {
				e.logger.Warn("job archive failed", zap.String("job_id", snapshot.ID), zap.Error(err))
			}
		}()
	}

	return effects
}

// agentOf resolves the agent metadata bound to an owner.
func (e *Engine) agentOf(owner event.Owner) (*state.AgentMeta, bool) {
	var agentID string
	switch owner.Kind {
	case event.OwnerJob:
		if job, ok := e.st.Jobs[owner.ID]; ok {
			agentID = job.AgentID()
			// A terminal job's history still names its last agent.
			if agentID == "" && len(job.StepHistory) > 0 {
				agentID = job.StepHistory[len(job.StepHistory)-1].AgentID
			}
		}
	case event.OwnerCrew:
		if crew, ok := e.st.Crews[owner.ID]; ok {
			agentID = crew.AgentID
		}
	}
	if agentID == "" {
		return nil, false
	}
	meta, ok := e.st.Agents[agentID]
	return meta, ok
}

func (e *Engine) onShellExited(p *event.ShellExited) []Effect {
	if p.Purpose == event.ShellPurposeGate {
		return e.onGateExited(p)
	}

	if p.Owner.Kind != event.OwnerJob {
		return nil
	}
	job, ok := e.st.Jobs[p.Owner.ID]
	if !ok || job.Terminal() || job.Step != p.Step {
		// Stale result from a step the job already left.
		return nil
	}

	if p.Error != "" {
		return []Effect{emitEvent(event.TypeStepFailed, &event.StepFailed{
			JobID: job.ID, Step: p.Step,
			Error: "command error: " + p.Error,
		})}
	}
	if p.ExitCode != 0 {
		msg := fmt.Sprintf("command failed (exit %d)", p.ExitCode)
		if s := strings.TrimSpace(p.Stderr); s != "" {
			msg += ": " + s
		}
		return []Effect{emitEvent(event.TypeStepFailed, &event.StepFailed{
			JobID: job.ID, Step: p.Step, Error: msg,
		})}
	}
	return []Effect{emitEvent(event.TypeStepCompleted, &event.StepCompleted{JobID: job.ID, Step: p.Step})}
}

func (e *Engine) onJobCancel(p *event.JobCancel) []Effect {
	job, ok := e.st.Jobs[p.JobID]
	if !ok || job.Terminal() || job.Cancelling {
		return nil
	}

	cancelling := true
	effects := []Effect{emitEvent(event.TypeJobUpdated, &event.JobUpdated{JobID: job.ID, Cancelling: &cancelling})}

	if d := e.st.PendingDecision(event.JobOwner(job.ID)); d != nil {
		effects = append(effects, emitEvent(event.TypeDecisionResolved, &event.DecisionResolved{
			DecisionID: d.ID,
			Message:    "auto-dismissed: job cancelled",
		}))
	}

	if meta, ok := e.agentOf(event.JobOwner(job.ID)); ok && meta.Live() {
		effects = append(effects, KillAgent{AgentID: meta.ID})
	}
	effects = append(effects, e.leaveAgentStep(event.JobOwner(job.ID))...)

	// Route through the cancel path when one is declared.
	target := state.StepLabelCancel
	if def, _, ok := e.jobDef(job); ok {
		if stepDef, ok := def.Step(job.Step); ok && stepDef.OnCancel != "" {
			target = stepDef.OnCancel
		} else if def.OnCancel != "" {
			target = def.OnCancel
		}
	}
	return append(effects, emitEvent(event.TypeJobAdvanced, &event.JobAdvanced{JobID: job.ID, Step: target}))
}

func (e *Engine) onJobSuspend(p *event.JobSuspend) []Effect {
	job, ok := e.st.Jobs[p.JobID]
	if !ok || job.Terminal() {
		return nil
	}

	suspending := true
	effects := []Effect{emitEvent(event.TypeJobUpdated, &event.JobUpdated{JobID: job.ID, Suspending: &suspending})}

	if d := e.st.PendingDecision(event.JobOwner(job.ID)); d != nil {
		effects = append(effects, emitEvent(event.TypeDecisionResolved, &event.DecisionResolved{
			DecisionID: d.ID,
			Message:    "auto-dismissed: job suspended",
		}))
	}
	if meta, ok := e.agentOf(event.JobOwner(job.ID)); ok && meta.Live() {
		effects = append(effects, KillAgent{AgentID: meta.ID})
	}
	effects = append(effects, e.leaveAgentStep(event.JobOwner(job.ID))...)
	return append(effects, emitEvent(event.TypeJobAdvanced, &event.JobAdvanced{JobID: job.ID, Step: state.StepLabelSuspend}))
}

func (e *Engine) onJobResume(p *event.JobResume) []Effect {
	job, ok := e.st.Jobs[p.JobID]
	if !ok {
		return nil
	}

	// Resuming a suspended job restarts its last step.
	if job.Step == state.StepLabelSuspend {
		last := ""
		if len(job.StepHistory) > 0 {
			last = job.StepHistory[len(job.StepHistory)-1].Name
		}
		if last == "" {
			return e.failJobNow(job, "cannot resume: no step history")
		}
		suspending := false
		return []Effect{
			emitEvent(event.TypeJobUpdated, &event.JobUpdated{JobID: job.ID, Suspending: &suspending}),
			emitEvent(event.TypeJobAdvanced, &event.JobAdvanced{JobID: job.ID, Step: last}),
		}
	}

	if job.Terminal() {
		return nil
	}

	var effects []Effect

	// A pending decision is overtaken by the operator's resume.
	if d := e.st.PendingDecision(event.JobOwner(job.ID)); d != nil {
		effects = append(effects, emitEvent(event.TypeDecisionResolved, &event.DecisionResolved{
			DecisionID: d.ID,
			Message:    "auto-dismissed: job resumed",
		}))
	}

	return append(effects, e.resumeAgentStep(job, p.Message, p.Kill, p.Message != "")...)
}

// resumeAgentStep continues a job's current agent step: a live agent
// gets the message; a dead one is respawned against its prior session.
func (e *Engine) resumeAgentStep(job *state.Job, message string, kill, appendPrompt bool) []Effect {
	owner := event.JobOwner(job.ID)
	def, rb, ok := e.jobDef(job)
	if !ok {
		return e.failJobNow(job, "runbook definition missing")
	}
	stepDef, ok := def.Step(job.Step)
	if !ok {
		return e.failJobNow(job, fmt.Sprintf("unknown step %q", job.Step))
	}

	var effects []Effect
	meta, hasAgent := e.agentOf(owner)

	if kill && hasAgent && meta.Live() {
		effects = append(effects, KillAgent{AgentID: meta.ID})
		e.registry.Unbind(meta.ID)
		e.watchers.Unwatch(meta.ID)
		hasAgent = false
	}

	effects = append(effects, emitEvent(event.TypeStepStarted, &event.StepStarted{JobID: job.ID, Step: job.Step}))
	effects = append(effects, emitEvent(event.TypeActionReset, &event.ActionReset{Owner: owner}))

	if hasAgent && meta.Live() {
		msg := message
		if msg == "" {
			msg = defaultNudge
		}
		return append(effects, SendToAgent{AgentID: meta.ID, Message: msg})
	}

	if !stepDef.IsAgent() {
		// Shell steps are simply re-run.
		return append(effects, e.startStep(job, stepDef, rb, "")...)
	}

	agentDef, ok := rb.Agents[stepDef.Agent]
	if !ok {
		return e.failJobNow(job, fmt.Sprintf("unknown agent %q", stepDef.Agent))
	}

	cfg := agent.SpawnConfig{
		AgentID: uuid.New().String(),
		Owner:   owner,
		Name:    stepDef.Agent,
		Command: agentDef.Command,
		Prompt:  message,
		Dir:     e.execDir(job),
		Env:     jobVars(job, e.execDir(job)),
	}
	// With a prior session and no fresh message, resume where the
	// agent left off; otherwise the message replaces (or, when
	// appending, extends) the prior prompt.
	if hasAgent && meta.SessionID != "" {
		cfg.SessionID = meta.SessionID
		cfg.Append = appendPrompt
	}
	return append(effects, SpawnAgent{Config: cfg})
}

func (e *Engine) onJobSignal(p *event.JobSignal) []Effect {
	job, ok := e.st.Jobs[p.JobID]
	if !ok || job.Terminal() {
		return nil
	}
	owner := event.JobOwner(job.ID)
	if e.st.PendingDecision(owner) != nil {
		return nil
	}
	context := p.Message
	if context == "" {
		context = "signal raised"
	}
	meta, _ := e.agentOf(owner)
	agentID := ""
	if meta != nil {
		agentID = meta.ID
	}
	return e.escalate(owner, agentID, state.SourceSignal, context, nil, "")
}

func (e *Engine) onJobDeleted(p *event.JobDeleted) []Effect {
	// No timer keyed by this job survives a delete.
	owner := event.JobOwner(p.JobID)
	e.crumbs.Remove(p.JobID)
	if agentID, ok := e.registry.AgentFor(owner); ok {
		e.registry.Unbind(agentID)
		e.watchers.Unwatch(agentID)
	}
	return cancelOwnerTimers(owner)
}
