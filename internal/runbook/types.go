// Package runbook defines the validated runbook data structures the
// engine consumes. Parsing runbook text into these structures happens
// in the front-end; the daemon only ever sees validated values.
package runbook

import (
	"time"
)

// Runbook is one project's declarative definition of jobs, agents,
// workers, queues, crons, and commands. The Hash identifies the exact
// revision a job was created from so replay stays deterministic.
type Runbook struct {
	Hash     string                `json:"hash" yaml:"-" validate:"required"`
	Project  string                `json:"project" yaml:"project" validate:"required"`
	Jobs     map[string]JobDef     `json:"jobs,omitempty" yaml:"jobs,omitempty" validate:"dive"`
	Agents   map[string]AgentDef   `json:"agents,omitempty" yaml:"agents,omitempty" validate:"dive"`
	Workers  map[string]WorkerDef  `json:"workers,omitempty" yaml:"workers,omitempty" validate:"dive"`
	Queues   map[string]QueueDef   `json:"queues,omitempty" yaml:"queues,omitempty" validate:"dive"`
	Crons    map[string]CronDef    `json:"crons,omitempty" yaml:"crons,omitempty" validate:"dive"`
	Commands map[string]CommandDef `json:"commands,omitempty" yaml:"commands,omitempty" validate:"dive"`
}

// JobDef declares a job kind: an ordered list of steps plus job-level
// routing that applies when a step has no routing of its own.
type JobDef struct {
	Steps     []StepDef     `json:"steps" yaml:"steps" validate:"min=1,dive"`
	OnDone    string        `json:"on_done,omitempty" yaml:"on_done,omitempty"`
	OnFail    string        `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`
	OnCancel  string        `json:"on_cancel,omitempty" yaml:"on_cancel,omitempty"`
	Workspace *WorkspaceDef `json:"workspace,omitempty" yaml:"workspace,omitempty"`
}

// StepDef is a single unit of work: exactly one of Shell or Agent is set.
type StepDef struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	Shell    string `json:"shell,omitempty" yaml:"shell,omitempty"`
	Agent    string `json:"agent,omitempty" yaml:"agent,omitempty"`
	Prompt   string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	OnDone   string `json:"on_done,omitempty" yaml:"on_done,omitempty"`
	OnFail   string `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`
	OnCancel string `json:"on_cancel,omitempty" yaml:"on_cancel,omitempty"`
}

// IsAgent reports whether the step runs an agent rather than a shell command.
func (s *StepDef) IsAgent() bool { return s.Agent != "" }

// WorkspaceDef declares the workspace a job runs in.
type WorkspaceDef struct {
	Type       WorkspaceType `json:"type" yaml:"type" validate:"oneof=folder worktree"`
	Repo       string        `json:"repo,omitempty" yaml:"repo,omitempty"`
	Branch     string        `json:"branch,omitempty" yaml:"branch,omitempty"`
	StartPoint string        `json:"start_point,omitempty" yaml:"start_point,omitempty"`
}

// WorkspaceType selects between a plain directory and a git worktree.
type WorkspaceType string

const (
	WorkspaceFolder   WorkspaceType = "folder"
	WorkspaceWorktree WorkspaceType = "worktree"
)

// AgentDef declares how to run one agent and how to react to its
// lifecycle transitions.
type AgentDef struct {
	Command  string       `json:"command" yaml:"command" validate:"required"`
	Runtime  string       `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	OnIdle   ActionChain  `json:"on_idle,omitempty" yaml:"on_idle,omitempty"`
	OnDead   ActionChain  `json:"on_dead,omitempty" yaml:"on_dead,omitempty"`
	OnPrompt ActionChain  `json:"on_prompt,omitempty" yaml:"on_prompt,omitempty"`
	OnError  ErrorActions `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// IdleChain returns the configured on_idle chain, defaulting to a
// single nudge.
func (a *AgentDef) IdleChain() ActionChain {
	if len(a.OnIdle) > 0 {
		return a.OnIdle
	}
	return ActionChain{{Kind: ActionNudge}}
}

// DeadChain returns the configured on_dead chain, defaulting to escalate.
func (a *AgentDef) DeadChain() ActionChain {
	if len(a.OnDead) > 0 {
		return a.OnDead
	}
	return ActionChain{{Kind: ActionEscalate}}
}

// PromptChain returns the configured on_prompt chain, defaulting to escalate.
func (a *AgentDef) PromptChain() ActionChain {
	if len(a.OnPrompt) > 0 {
		return a.OnPrompt
	}
	return ActionChain{{Kind: ActionEscalate}}
}

// ErrorActions maps typed agent errors to reaction chains, with a
// fallback for anything unrecognized.
type ErrorActions struct {
	Unauthorized ActionChain `json:"unauthorized,omitempty" yaml:"unauthorized,omitempty"`
	OutOfCredits ActionChain `json:"out_of_credits,omitempty" yaml:"out_of_credits,omitempty"`
	NoInternet   ActionChain `json:"no_internet,omitempty" yaml:"no_internet,omitempty"`
	RateLimited  ActionChain `json:"rate_limited,omitempty" yaml:"rate_limited,omitempty"`
	Default      ActionChain `json:"default,omitempty" yaml:"default,omitempty"`
}

// ChainFor returns the chain configured for the given error kind,
// falling back to Default and finally to escalate.
func (e *ErrorActions) ChainFor(kind string) ActionChain {
	var chain ActionChain
	switch kind {
	case "unauthorized":
		chain = e.Unauthorized
	case "out_of_credits":
		chain = e.OutOfCredits
	case "no_internet":
		chain = e.NoInternet
	case "rate_limited":
		chain = e.RateLimited
	}
	if len(chain) == 0 {
		chain = e.Default
	}
	if len(chain) == 0 {
		chain = ActionChain{{Kind: ActionEscalate}}
	}
	return chain
}

// ActionKind enumerates the declared reactions to agent transitions.
type ActionKind string

const (
	ActionNudge    ActionKind = "nudge"
	ActionDone     ActionKind = "done"
	ActionFail     ActionKind = "fail"
	ActionResume   ActionKind = "resume"
	ActionGate     ActionKind = "gate"
	ActionEscalate ActionKind = "escalate"
)

// AttemptsInfinite marks an action that never exhausts.
const AttemptsInfinite = -1

// DefaultAttempts is applied when an action declares no attempt budget.
const DefaultAttempts = 3

// Action is one declared reaction. Attempts of zero means
// DefaultAttempts; AttemptsInfinite disables exhaustion.
type Action struct {
	Kind     ActionKind    `json:"kind" yaml:"kind" validate:"oneof=nudge done fail resume gate escalate"`
	Message  string        `json:"message,omitempty" yaml:"message,omitempty"`
	Append   bool          `json:"append,omitempty" yaml:"append,omitempty"`
	Kill     bool          `json:"kill,omitempty" yaml:"kill,omitempty"`
	Command  string        `json:"command,omitempty" yaml:"command,omitempty"`
	Attempts int           `json:"attempts,omitempty" yaml:"attempts,omitempty" validate:"gte=-1"`
	Cooldown time.Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

// AttemptBudget resolves the effective attempt budget.
func (a *Action) AttemptBudget() int {
	if a.Attempts == 0 {
		return DefaultAttempts
	}
	return a.Attempts
}

// ActionChain is an ordered reaction list; the engine walks positions
// as earlier ones exhaust their attempts.
type ActionChain []Action

// WorkerDef declares a persistent queue poller.
type WorkerDef struct {
	Queue       string        `json:"queue" yaml:"queue" validate:"required"`
	Job         string        `json:"job" yaml:"job" validate:"required"`
	Concurrency uint32        `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Poll        time.Duration `json:"poll,omitempty" yaml:"poll,omitempty"`
}

// EffectiveConcurrency defaults to one slot.
func (w *WorkerDef) EffectiveConcurrency() uint32 {
	if w.Concurrency == 0 {
		return 1
	}
	return w.Concurrency
}

// QueueKind selects the queue implementation.
type QueueKind string

const (
	// QueueExternal queues are driven by user-supplied list/take commands.
	QueueExternal QueueKind = "external"
	// QueuePersisted queues live in materialized state.
	QueuePersisted QueueKind = "persisted"
)

// QueueDef declares a work source.
type QueueDef struct {
	Kind  QueueKind     `json:"kind" yaml:"kind" validate:"oneof=external persisted"`
	List  string        `json:"list,omitempty" yaml:"list,omitempty"`
	Take  string        `json:"take,omitempty" yaml:"take,omitempty"`
	Retry *QueueRetry   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Poll  time.Duration `json:"poll,omitempty" yaml:"poll,omitempty"`
}

// QueueRetry declares the retry-or-dead policy for persisted queues.
type QueueRetry struct {
	Attempts uint32        `json:"attempts" yaml:"attempts" validate:"min=1"`
	Cooldown time.Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

// CronDef declares a recurring job dispatch. Schedule uses the
// standard five-field cron syntax.
type CronDef struct {
	Schedule string            `json:"schedule" yaml:"schedule" validate:"required"`
	Job      string            `json:"job" yaml:"job" validate:"required"`
	Vars     map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// CommandDef maps an operator command to a job or a standalone crew.
// Exactly one of Job or Agent is set.
type CommandDef struct {
	Job    string            `json:"job,omitempty" yaml:"job,omitempty"`
	Agent  string            `json:"agent,omitempty" yaml:"agent,omitempty"`
	Prompt string            `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Vars   map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
}
