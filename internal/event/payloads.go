package event

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oddjobs/oddjobs/internal/runbook"
)

// Owner identifies the job or crew an agent, decision, or workspace
// belongs to. It is comparable and usable as a map key; the text form
// is "<kind>:<id>".
type Owner struct {
	Kind string `json:"kind"` // "job" or "crew"
	ID   string `json:"id"`
}

const (
	OwnerJob  = "job"
	OwnerCrew = "crew"
)

// JobOwner builds a job owner reference.
func JobOwner(id string) Owner { return Owner{Kind: OwnerJob, ID: id} }

// CrewOwner builds a crew owner reference.
func CrewOwner(id string) Owner { return Owner{Kind: OwnerCrew, ID: id} }

// IsZero reports whether the owner reference is unset.
func (o Owner) IsZero() bool { return o.ID == "" }

// String returns the canonical "<kind>:<id>" form.
func (o Owner) String() string { return o.Kind + ":" + o.ID }

// Short returns the display-friendly "<kind>:<id8>" form.
func (o Owner) Short() string { return o.Kind + ":" + ShortID(o.ID) }

// MarshalText lets Owner key JSON maps.
func (o Owner) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText parses the canonical text form.
func (o *Owner) UnmarshalText(text []byte) error {
	kind, id, ok := strings.Cut(string(text), ":")
	if !ok {
		return fmt.Errorf("event: malformed owner %q", text)
	}
	o.Kind, o.ID = kind, id
	return nil
}

// ShortID returns the first eight characters of an id for display.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// --- Job family ---

// JobCreated carries the full initial job record.
type JobCreated struct {
	JobID       string            `json:"job_id"`
	Kind        string            `json:"kind"`
	Name        string            `json:"name"`
	Project     string            `json:"project"`
	RunbookHash string            `json:"runbook_hash"`
	CWD         string            `json:"cwd"`
	Vars        map[string]string `json:"vars,omitempty"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
}

// JobAdvanced moves a job to a new step (or a terminal label).
type JobAdvanced struct {
	JobID string `json:"job_id"`
	Step  string `json:"step"`
}

// JobUpdated carries a delta of the job's sticky flags and error.
type JobUpdated struct {
	JobID      string  `json:"job_id"`
	Failing    *bool   `json:"failing,omitempty"`
	Cancelling *bool   `json:"cancelling,omitempty"`
	Suspending *bool   `json:"suspending,omitempty"`
	Error      *string `json:"error,omitempty"`
}

// JobDeleted prunes a job from state.
type JobDeleted struct {
	JobID string `json:"job_id"`
}

// JobSignal raises an operator signal against a running job.
type JobSignal struct {
	JobID   string `json:"job_id"`
	Message string `json:"message,omitempty"`
}

// JobResume asks a waiting, stalled, or suspended job to continue.
type JobResume struct {
	JobID   string            `json:"job_id"`
	Message string            `json:"message,omitempty"`
	Vars    map[string]string `json:"vars,omitempty"`
	Kill    bool              `json:"kill,omitempty"`
}

// JobCancel asks a job to wind down through its cancel routing.
type JobCancel struct {
	JobID string `json:"job_id"`
}

// JobSuspend parks a job: its agent is killed and the job can be
// resumed later at the same step.
type JobSuspend struct {
	JobID string `json:"job_id"`
}

// --- Step family ---

// StepStarted begins a step for a job.
type StepStarted struct {
	JobID string `json:"job_id"`
	Step  string `json:"step"`
}

// StepCompleted finishes a step successfully.
type StepCompleted struct {
	JobID string `json:"job_id"`
	Step  string `json:"step"`
}

// StepFailed finishes a step with an error.
type StepFailed struct {
	JobID string `json:"job_id"`
	Step  string `json:"step"`
	Error string `json:"error"`
}

// StepWaiting parks a step behind a pending decision.
type StepWaiting struct {
	JobID      string `json:"job_id"`
	Step       string `json:"step"`
	DecisionID string `json:"decision_id"`
}

// --- Crew family ---

// CrewCreated carries the full initial crew record.
type CrewCreated struct {
	CrewID      string            `json:"crew_id"`
	Agent       string            `json:"agent"`
	Command     string            `json:"command"`
	Project     string            `json:"project"`
	CWD         string            `json:"cwd"`
	RunbookHash string            `json:"runbook_hash"`
	Vars        map[string]string `json:"vars,omitempty"`
}

// CrewUpdated carries a crew status delta.
type CrewUpdated struct {
	CrewID  string `json:"crew_id"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// CrewDeleted prunes a crew from state.
type CrewDeleted struct {
	CrewID string `json:"crew_id"`
}

// CrewResume asks a stalled crew to continue.
type CrewResume struct {
	CrewID  string `json:"crew_id"`
	Message string `json:"message,omitempty"`
	Kill    bool   `json:"kill,omitempty"`
}

// CrewCancel terminates a crew.
type CrewCancel struct {
	CrewID string `json:"crew_id"`
}

// --- Agent family ---

// AgentSpawned records a live agent bound to its owner, with the
// reconnect metadata the reconciler needs after a daemon restart.
type AgentSpawned struct {
	AgentID   string `json:"agent_id"`
	Owner     Owner  `json:"owner"`
	Name      string `json:"name"` // runbook agent definition name
	SessionID string `json:"session_id,omitempty"`
	Runtime   string `json:"runtime,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
}

// AgentSpawnFailed records a spawn that never produced a live agent.
type AgentSpawnFailed struct {
	Owner Owner  `json:"owner"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

// AgentWorking tags the agent as actively working.
type AgentWorking struct {
	AgentID string `json:"agent_id"`
}

// AgentIdle tags the agent as waiting for input.
type AgentIdle struct {
	AgentID string `json:"agent_id"`
}

// AgentFailed tags the agent as failed with a typed error.
type AgentFailed struct {
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"` // rate_limited, out_of_credits, unauthorized, no_internet, other
	Message string `json:"message,omitempty"`
}

// AgentExited records the agent process exiting.
type AgentExited struct {
	AgentID  string `json:"agent_id"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// AgentGone records the agent session disappearing without a clean exit.
type AgentGone struct {
	AgentID string `json:"agent_id"`
}

// Question is one entry of a multi-question agent prompt.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}

// AgentPrompt records the agent asking for permission, plan approval,
// or answers.
type AgentPrompt struct {
	AgentID     string     `json:"agent_id"`
	PromptType  string     `json:"prompt_type"` // permission, plan, question, other
	Questions   []Question `json:"questions,omitempty"`
	LastMessage string     `json:"last_message,omitempty"`
}

// AgentLogEntries carries raw log lines observed by the watcher.
type AgentLogEntries struct {
	AgentID string   `json:"agent_id"`
	Entries []string `json:"entries"`
}

// --- Workspace family ---

// WorkspaceCreated carries the full initial workspace record.
type WorkspaceCreated struct {
	WorkspaceID string `json:"workspace_id"`
	Owner       Owner  `json:"owner"`
	Path        string `json:"path"`
	Type        string `json:"type"` // folder or worktree
	Repo        string `json:"repo,omitempty"`
	Branch      string `json:"branch,omitempty"`
	StartPoint  string `json:"start_point,omitempty"`
}

// WorkspaceReady marks a workspace usable.
type WorkspaceReady struct {
	WorkspaceID string `json:"workspace_id"`
}

// WorkspaceFailed marks a workspace creation failure.
type WorkspaceFailed struct {
	WorkspaceID string `json:"workspace_id"`
	Error       string `json:"error"`
}

// WorkspaceDrop asks for a workspace's removal; deletion completes
// with WorkspaceDeleted once the filesystem work is done.
type WorkspaceDrop struct {
	WorkspaceID string `json:"workspace_id"`
}

// WorkspaceDeleted removes the workspace record.
type WorkspaceDeleted struct {
	WorkspaceID string `json:"workspace_id"`
}

// --- Worker family ---

// WorkerStarted carries the full initial worker record.
type WorkerStarted struct {
	Name        string `json:"name"`
	Project     string `json:"project"`
	ProjectPath string `json:"project_path"`
	RunbookHash string `json:"runbook_hash"`
	Queue       string `json:"queue"`
	Job         string `json:"job"`
	Concurrency uint32 `json:"concurrency"`
	QueueKind   string `json:"queue_kind"` // external or persisted
	PollMs      int64  `json:"poll_ms,omitempty"`
}

// WorkerStopped stops a worker's polling.
type WorkerStopped struct {
	Name    string `json:"name"`
	Project string `json:"project"`
}

// WorkerWake asks a worker to check for dispatchable items.
type WorkerWake struct {
	Name    string `json:"name"`
	Project string `json:"project"`
}

// WorkerPolled carries the outcome of an external queue list command.
type WorkerPolled struct {
	Name    string            `json:"name"`
	Project string            `json:"project"`
	Items   []json.RawMessage `json:"items,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// WorkerTakeStarted reserves a slot and marks an external item inflight
// before its take command runs.
type WorkerTakeStarted struct {
	Name    string `json:"name"`
	Project string `json:"project"`
	ItemID  string `json:"item_id"`
}

// WorkerTook carries the outcome of an external queue take command.
type WorkerTook struct {
	Name    string          `json:"name"`
	Project string          `json:"project"`
	ItemID  string          `json:"item_id"`
	OK      bool            `json:"ok"`
	Item    json.RawMessage `json:"item,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WorkerDispatched binds a dispatched owner to the item it carries.
type WorkerDispatched struct {
	Name    string `json:"name"`
	Project string `json:"project"`
	ItemID  string `json:"item_id"`
	Owner   Owner  `json:"owner"`
}

// WorkerFreed releases the slot held by a finished owner.
type WorkerFreed struct {
	Name    string `json:"name"`
	Project string `json:"project"`
	Owner   Owner  `json:"owner"`
}

// WorkerResized changes a worker's concurrency.
type WorkerResized struct {
	Name        string `json:"name"`
	Project     string `json:"project"`
	Concurrency uint32 `json:"concurrency"`
}

// --- Queue family (persisted queues) ---

// QueuePushed adds an item to a persisted queue.
type QueuePushed struct {
	ItemID  string          `json:"item_id"`
	Queue   string          `json:"queue"`
	Project string          `json:"project"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// QueueDispatched marks an item active under a worker and owner.
type QueueDispatched struct {
	ItemID  string `json:"item_id"`
	Queue   string `json:"queue"`
	Project string `json:"project"`
	Worker  string `json:"worker"`
	Owner   Owner  `json:"owner"`
}

// QueueCompleted finishes an item successfully.
type QueueCompleted struct {
	ItemID  string `json:"item_id"`
	Queue   string `json:"queue"`
	Project string `json:"project"`
}

// QueueFailed records a dispatch failure for an item.
type QueueFailed struct {
	ItemID  string `json:"item_id"`
	Queue   string `json:"queue"`
	Project string `json:"project"`
	Error   string `json:"error,omitempty"`
}

// QueueRetry returns a failed item to pending.
type QueueRetry struct {
	ItemID  string `json:"item_id"`
	Queue   string `json:"queue"`
	Project string `json:"project"`
}

// QueueDead parks an item after its retry budget is spent.
type QueueDead struct {
	ItemID  string `json:"item_id"`
	Queue   string `json:"queue"`
	Project string `json:"project"`
}

// QueueDropped removes an item outright.
type QueueDropped struct {
	ItemID  string `json:"item_id"`
	Queue   string `json:"queue"`
	Project string `json:"project"`
}

// --- Cron family ---

// CronStarted registers a cron schedule.
type CronStarted struct {
	Name        string            `json:"name"`
	Project     string            `json:"project"`
	ProjectPath string            `json:"project_path"`
	RunbookHash string            `json:"runbook_hash"`
	Schedule    string            `json:"schedule"`
	Job         string            `json:"job"`
	Vars        map[string]string `json:"vars,omitempty"`
}

// CronStopped deregisters a cron schedule.
type CronStopped struct {
	Name    string `json:"name"`
	Project string `json:"project"`
}

// CronFired dispatches a cron's job.
type CronFired struct {
	Name    string `json:"name"`
	Project string `json:"project"`
}

// --- Decision family ---

// DecisionOption is one numbered choice presented to the operator.
type DecisionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Recommended bool   `json:"recommended,omitempty"`
}

// DecisionCreated carries the full initial decision record.
type DecisionCreated struct {
	DecisionID string           `json:"decision_id"`
	Owner      Owner            `json:"owner"`
	AgentID    string           `json:"agent_id,omitempty"`
	Source     string           `json:"source"` // idle, dead, error, gate, approval, plan, question, signal
	Context    string           `json:"context"`
	Options    []DecisionOption `json:"options"`
	Questions  []Question       `json:"questions,omitempty"`
}

// DecisionResolved resolves a decision with chosen option indexes
// (1-indexed) and an optional freeform message.
type DecisionResolved struct {
	DecisionID string `json:"decision_id"`
	Choices    []int  `json:"choices,omitempty"`
	Message    string `json:"message,omitempty"`
}

// --- Session family ---

// SessionStarted records a client hello.
type SessionStarted struct {
	SessionID string `json:"session_id"`
	Client    string `json:"client,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

// SessionEnded records a client going away.
type SessionEnded struct {
	SessionID string `json:"session_id"`
}

// --- Action bookkeeping ---

// ActionDispatched increments the attempt counter for an owner's
// (trigger, chain position) pair. A nudge also stamps last_nudge_at.
type ActionDispatched struct {
	Owner    Owner  `json:"owner"`
	Trigger  string `json:"trigger"`
	ChainPos int    `json:"chain_pos"`
	Kind     string `json:"kind"`
}

// ActionReset clears an owner's attempt counters (agent became
// genuinely active again, or a step advanced).
type ActionReset struct {
	Owner Owner `json:"owner"`
}

// --- Plumbing ---

// TimerFired is emitted by the scheduler when a deadline passes.
type TimerFired struct {
	TimerID string `json:"timer_id"`
}

// ShellExited carries the result of a shell step or gate command.
type ShellExited struct {
	Owner    Owner  `json:"owner"`
	Step     string `json:"step,omitempty"`
	Purpose  string `json:"purpose"` // step or gate
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"` // spawn/timeout failures, not command failures
	Trigger  string `json:"trigger,omitempty"`
	ChainPos int    `json:"chain_pos,omitempty"`
}

const (
	ShellPurposeStep = "step"
	ShellPurposeGate = "gate"
)

// RunbookLoaded registers a validated runbook revision in state so
// replay can resolve definitions by hash.
type RunbookLoaded struct {
	Runbook runbook.Runbook `json:"runbook"`
}

// Custom is an escape hatch for raw operator-emitted events.
type Custom struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Shutdown asks the engine to stop; Kill skips graceful agent teardown.
type Shutdown struct {
	Kill bool `json:"kill,omitempty"`
}
