// Package state holds the in-memory projection folded from WAL
// events. Replaying the log from empty yields the same state as
// incremental maintenance; everything here is behind one coarse lock.
package state

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/runbook"
)

// StepStatus is the job's position in its current step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepWaiting   StepStatus = "waiting"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal step labels.
const (
	StepDone         = "done"
	StepLabelFailed  = "failed"
	StepLabelCancel  = "cancelled"
	StepLabelSuspend = "suspended"
)

// TerminalStep reports whether a step name is a terminal label.
func TerminalStep(step string) bool {
	switch step {
	case StepDone, StepLabelFailed, StepLabelCancel, StepLabelSuspend:
		return true
	}
	return false
}

// StepOutcome labels a finished step history record.
type StepOutcome string

const (
	OutcomeRunning   StepOutcome = "running"
	OutcomeCompleted StepOutcome = "completed"
	OutcomeFailed    StepOutcome = "failed"
	OutcomeCancelled StepOutcome = "cancelled"
)

// StepRecord is one entry of a job's step history.
type StepRecord struct {
	Name         string      `json:"name"`
	AgentID      string      `json:"agent_id,omitempty"`
	AgentName    string      `json:"agent_name,omitempty"`
	StartedAtMs  int64       `json:"started_at_ms"`
	FinishedAtMs int64       `json:"finished_at_ms,omitempty"`
	Outcome      StepOutcome `json:"outcome"`
	Error        string      `json:"error,omitempty"`
}

// AttemptKey identifies one action counter: the trigger that fired and
// the position in its reaction chain.
type AttemptKey struct {
	Trigger  string
	ChainPos int
}

// MarshalText lets AttemptKey key JSON maps ("<trigger>#<pos>").
func (k AttemptKey) MarshalText() ([]byte, error) {
	return []byte(k.Trigger + "#" + strconv.Itoa(k.ChainPos)), nil
}

// UnmarshalText parses the "<trigger>#<pos>" form.
func (k *AttemptKey) UnmarshalText(text []byte) error {
	trigger, pos, ok := strings.Cut(string(text), "#")
	if !ok {
		return fmt.Errorf("state: malformed attempt key %q", text)
	}
	n, err := strconv.Atoi(pos)
	if err != nil {
		return fmt.Errorf("state: malformed attempt key %q", text)
	}
	k.Trigger, k.ChainPos = trigger, n
	return nil
}

// Job is one execution of a runbook job definition.
type Job struct {
	ID              string             `json:"id"`
	Kind            string             `json:"kind"`
	Name            string             `json:"name"`
	Project         string             `json:"project"`
	RunbookHash     string             `json:"runbook_hash"`
	CWD             string             `json:"cwd"`
	Vars            map[string]string  `json:"vars,omitempty"`
	WorkspaceID     string             `json:"workspace_id,omitempty"`
	Step            string             `json:"step"`
	StepStatus      StepStatus         `json:"step_status"`
	WaitingDecision string             `json:"waiting_decision,omitempty"`
	StepHistory     []StepRecord       `json:"step_history,omitempty"`
	StepVisits      map[string]int     `json:"step_visits,omitempty"`
	Failing         bool               `json:"failing,omitempty"`
	Cancelling      bool               `json:"cancelling,omitempty"`
	Suspending      bool               `json:"suspending,omitempty"`
	Error           string             `json:"error,omitempty"`
	CreatedAtMs     int64              `json:"created_at_ms"`
	UpdatedAtMs     int64              `json:"updated_at_ms"`
	ActionAttempts  map[AttemptKey]int `json:"action_attempts,omitempty"`
	LastNudgeAtMs   int64              `json:"last_nudge_at_ms,omitempty"`
}

// Terminal reports whether the job has reached a terminal step label.
func (j *Job) Terminal() bool { return TerminalStep(j.Step) }

// CurrentRecord returns the open step history record, if any.
func (j *Job) CurrentRecord() *StepRecord {
	if len(j.StepHistory) == 0 {
		return nil
	}
	rec := &j.StepHistory[len(j.StepHistory)-1]
	if rec.Outcome != OutcomeRunning {
		return nil
	}
	return rec
}

// AgentID returns the agent bound to the current step, if any.
func (j *Job) AgentID() string {
	if rec := j.CurrentRecord(); rec != nil {
		return rec.AgentID
	}
	return ""
}

// CrewStatus is a standalone crew's lifecycle position.
type CrewStatus string

const (
	CrewStarting  CrewStatus = "starting"
	CrewRunning   CrewStatus = "running"
	CrewWaiting   CrewStatus = "waiting"
	CrewEscalated CrewStatus = "escalated"
	CrewCompleted CrewStatus = "completed"
	CrewFailed    CrewStatus = "failed"
)

// Terminal reports whether the crew has finished.
func (s CrewStatus) Terminal() bool { return s == CrewCompleted || s == CrewFailed }

// Crew is a standalone agent invocation.
type Crew struct {
	ID              string             `json:"id"`
	Agent           string             `json:"agent"`
	Command         string             `json:"command"`
	Project         string             `json:"project"`
	CWD             string             `json:"cwd"`
	RunbookHash     string             `json:"runbook_hash"`
	Vars            map[string]string  `json:"vars,omitempty"`
	AgentID         string             `json:"agent_id,omitempty"`
	Status          CrewStatus         `json:"status"`
	Reason          string             `json:"reason,omitempty"`
	WaitingDecision string             `json:"waiting_decision,omitempty"`
	CreatedAtMs     int64              `json:"created_at_ms"`
	UpdatedAtMs     int64              `json:"updated_at_ms"`
	ActionAttempts  map[AttemptKey]int `json:"action_attempts,omitempty"`
	LastNudgeAtMs   int64              `json:"last_nudge_at_ms,omitempty"`
}

// WorkspaceStatus is a workspace's lifecycle position.
type WorkspaceStatus string

const (
	WorkspaceCreating WorkspaceStatus = "creating"
	WorkspaceReady    WorkspaceStatus = "ready"
	WorkspaceCleaning WorkspaceStatus = "cleaning"
	WorkspaceFailed   WorkspaceStatus = "failed"
)

// Workspace is a filesystem working directory owned by a job or crew.
type Workspace struct {
	ID         string          `json:"id"`
	Path       string          `json:"path"`
	Owner      event.Owner     `json:"owner"`
	Type       string          `json:"type"` // folder or worktree
	Repo       string          `json:"repo,omitempty"`
	Branch     string          `json:"branch,omitempty"`
	StartPoint string          `json:"start_point,omitempty"`
	Status     WorkspaceStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
}

// WorkerStatus is a worker's lifecycle position.
type WorkerStatus string

const (
	WorkerRunning WorkerStatus = "running"
	WorkerStopped WorkerStatus = "stopped"
)

// Worker is a persistent poller bound to a queue.
type Worker struct {
	Name          string                 `json:"name"`
	Project       string                 `json:"project"`
	ProjectPath   string                 `json:"project_path"`
	RunbookHash   string                 `json:"runbook_hash"`
	Queue         string                 `json:"queue"`
	Job           string                 `json:"job"`
	Concurrency   uint32                 `json:"concurrency"`
	Status        WorkerStatus           `json:"status"`
	Active        map[event.Owner]bool   `json:"active,omitempty"`
	Items         map[event.Owner]string `json:"items,omitempty"`
	InflightItems map[string]bool        `json:"inflight_items,omitempty"`
	PendingTakes  uint32                 `json:"pending_takes"`
	QueueKind     string                 `json:"queue_kind"`
	PollMs        int64                  `json:"poll_ms,omitempty"`
}

// Key returns the worker's state key.
func (w *Worker) Key() string { return WorkerKey(w.Project, w.Name) }

// WorkerKey builds the "<project>/<name>" worker key.
func WorkerKey(project, name string) string { return project + "/" + name }

// AvailableSlots returns concurrency minus active and pending takes.
func (w *Worker) AvailableSlots() int {
	used := len(w.Active) + int(w.PendingTakes)
	if int(w.Concurrency) <= used {
		return 0
	}
	return int(w.Concurrency) - used
}

// QueueItemStatus is a persisted queue item's lifecycle position.
type QueueItemStatus string

const (
	ItemPending   QueueItemStatus = "pending"
	ItemActive    QueueItemStatus = "active"
	ItemCompleted QueueItemStatus = "completed"
	ItemFailed    QueueItemStatus = "failed"
	ItemDead      QueueItemStatus = "dead"
)

// QueueItem is one persisted queue entry.
type QueueItem struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Project     string          `json:"project"`
	Data        json.RawMessage `json:"data,omitempty"`
	Status      QueueItemStatus `json:"status"`
	Worker      string          `json:"worker,omitempty"`
	Failures    uint32          `json:"failures"`
	CreatedAtMs int64           `json:"created_at_ms"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
}

// ScopedQueue returns the "<project>/<queue>" key.
func (q *QueueItem) ScopedQueue() string { return q.Project + "/" + q.Queue }

// Decision sources.
const (
	SourceIdle     = "idle"
	SourceDead     = "dead"
	SourceError    = "error"
	SourceGate     = "gate"
	SourceApproval = "approval"
	SourcePlan     = "plan"
	SourceQuestion = "question"
	SourceSignal   = "signal"
)

// AliveSource reports whether a decision source presumes a live agent.
// While one of these is pending, automatic action dispatch is
// suppressed; an agent exit dismisses it as stale.
func AliveSource(source string) bool {
	switch source {
	case SourceIdle, SourceGate, SourceQuestion, SourcePlan, SourceApproval:
		return true
	}
	return false
}

// Decision is a pending human choice.
type Decision struct {
	ID           string                 `json:"id"`
	Owner        event.Owner            `json:"owner"`
	AgentID      string                 `json:"agent_id,omitempty"`
	Source       string                 `json:"source"`
	Context      string                 `json:"context"`
	Options      []event.DecisionOption `json:"options"`
	Questions    []event.Question       `json:"questions,omitempty"`
	CreatedAtMs  int64                  `json:"created_at_ms"`
	Resolved     bool                   `json:"resolved"`
	Choices      []int                  `json:"choices,omitempty"`
	Message      string                 `json:"message,omitempty"`
	ResolvedAtMs int64                  `json:"resolved_at_ms,omitempty"`
}

// AgentMeta is the reconnect metadata and last observed condition of a
// spawned agent.
type AgentMeta struct {
	ID         string      `json:"id"`
	Owner      event.Owner `json:"owner"`
	Name       string      `json:"name"`
	SessionID  string      `json:"session_id,omitempty"`
	Runtime    string      `json:"runtime,omitempty"`
	AuthToken  string      `json:"auth_token,omitempty"`
	Condition  string      `json:"condition,omitempty"` // working, idle, prompting, failed, exited, gone
	ExitCode   *int        `json:"exit_code,omitempty"`
	LastSeenMs int64       `json:"last_seen_ms,omitempty"`
}

// Live reports whether the agent has not exited or vanished.
func (a *AgentMeta) Live() bool {
	return a.Condition != "exited" && a.Condition != "gone"
}

// Session is one connected client.
type Session struct {
	ID          string `json:"id"`
	Client      string `json:"client,omitempty"`
	PID         int    `json:"pid,omitempty"`
	StartedAtMs int64  `json:"started_at_ms"`
}

// CronStatus is a cron registration's lifecycle position.
type CronStatus string

const (
	CronRunning CronStatus = "running"
	CronStopped CronStatus = "stopped"
)

// Cron is a registered recurring job dispatch.
type Cron struct {
	Name        string            `json:"name"`
	Project     string            `json:"project"`
	ProjectPath string            `json:"project_path"`
	RunbookHash string            `json:"runbook_hash"`
	Schedule    string            `json:"schedule"`
	Job         string            `json:"job"`
	Vars        map[string]string `json:"vars,omitempty"`
	Status      CronStatus        `json:"status"`
}

// Key returns the cron's state key.
func (c *Cron) Key() string { return CronKey(c.Project, c.Name) }

// CronKey builds the "<project>/<name>" cron key.
func CronKey(project, name string) string { return project + "/" + name }

// State is the process-wide materialized projection.
type State struct {
	mu sync.RWMutex

	Jobs       map[string]*Job             `json:"jobs"`
	Crews      map[string]*Crew            `json:"crews"`
	Workspaces map[string]*Workspace       `json:"workspaces"`
	Workers    map[string]*Worker          `json:"workers"`
	QueueItems map[string]*QueueItem       `json:"queue_items"`
	Decisions  map[string]*Decision        `json:"decisions"`
	Agents     map[string]*AgentMeta       `json:"agents"`
	Sessions   map[string]*Session         `json:"sessions"`
	Crons      map[string]*Cron            `json:"crons"`
	Runbooks   map[string]*runbook.Runbook `json:"runbooks"`
	AppliedSeq uint64                      `json:"applied_seq"`
}

// New returns an empty state container.
func New() *State {
	return &State{
		Jobs:       make(map[string]*Job),
		Crews:      make(map[string]*Crew),
		Workspaces: make(map[string]*Workspace),
		Workers:    make(map[string]*Worker),
		QueueItems: make(map[string]*QueueItem),
		Decisions:  make(map[string]*Decision),
		Agents:     make(map[string]*AgentMeta),
		Sessions:   make(map[string]*Session),
		Crons:      make(map[string]*Cron),
		Runbooks:   make(map[string]*runbook.Runbook),
	}
}

// Lock takes the coarse write lock.
func (s *State) Lock() { s.mu.Lock() }

// Unlock releases the coarse write lock.
func (s *State) Unlock() { s.mu.Unlock() }

// RLock takes the coarse read lock.
func (s *State) RLock() { s.mu.RLock() }

// RUnlock releases the coarse read lock.
func (s *State) RUnlock() { s.mu.RUnlock() }

// PendingDecision returns the unresolved decision for an owner, if any.
// Callers hold the lock.
func (s *State) PendingDecision(owner event.Owner) *Decision {
	for _, d := range s.Decisions {
		if !d.Resolved && d.Owner == owner {
			return d
		}
	}
	return nil
}

// OwnerOfAgent returns the owner recorded for an agent id. Callers
// hold the lock.
func (s *State) OwnerOfAgent(agentID string) (event.Owner, bool) {
	meta, ok := s.Agents[agentID]
	if !ok {
		return event.Owner{}, false
	}
	return meta.Owner, true
}

// RunbookFor resolves the runbook revision an entity was created from.
// Callers hold the lock.
func (s *State) RunbookFor(hash string) (*runbook.Runbook, bool) {
	rb, ok := s.Runbooks[hash]
	return rb, ok
}
