// Package engine is the lifecycle kernel: it drains the event bus,
// folds events into the WAL and materialized state, and turns them
// into effects executed against adapters and background tasks.
package engine

import (
	"encoding/json"
	"time"

	"github.com/oddjobs/oddjobs/internal/agent"
	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/workspace"
)

// Effect is a side-effecting command produced by an engine step.
// Variants are plain structs; the executor switches on the concrete
// type.
type Effect interface{ isEffect() }

// Emit feeds a follow-up event through the engine inline.
type Emit struct {
	Event event.Envelope
}

// SpawnAgent launches (or resumes) an agent in the background.
type SpawnAgent struct {
	Config agent.SpawnConfig
}

// SendToAgent delivers text to a live agent.
type SendToAgent struct {
	AgentID string
	Message string
}

// RespondToAgent answers an agent prompt.
type RespondToAgent struct {
	AgentID  string
	Response agent.PromptResponse
}

// KillAgent terminates an agent.
type KillAgent struct {
	AgentID string
}

// CreateWorkspace materializes a workspace in the background.
type CreateWorkspace struct {
	Spec workspace.Spec
}

// DeleteWorkspace removes a workspace in the background; best-effort.
type DeleteWorkspace struct {
	WorkspaceID string
	Type        string
	Path        string
	Repo        string
	Branch      string
}

// SetTimer schedules (or reschedules) a timer.
type SetTimer struct {
	ID       string
	Duration time.Duration
}

// CancelTimer removes a timer.
type CancelTimer struct {
	ID string
}

// CancelTimerPrefix removes every timer with the given id prefix.
type CancelTimerPrefix struct {
	Prefix string
}

// Shell runs a command in the background and reports via ShellExited.
type Shell struct {
	Owner    event.Owner
	Step     string
	Purpose  string // event.ShellPurposeStep or event.ShellPurposeGate
	Command  string
	Dir      string
	Env      map[string]string
	Trigger  string
	ChainPos int
}

// PollQueue runs an external queue's list command in the background.
type PollQueue struct {
	WorkerName string
	Project    string
	Command    string
	Dir        string
}

// TakeQueueItem runs an external queue's take command for one item.
type TakeQueueItem struct {
	WorkerName string
	Project    string
	Command    string
	Dir        string
	ItemID     string
	Item       json.RawMessage
}

// CheckLiveness asks the adapter whether an agent is alive; alive
// agents re-arm the liveness timer, dead ones produce AgentGone.
type CheckLiveness struct {
	AgentID  string
	TimerID  string
	Interval time.Duration
}

// CaptureAgent stores an agent's terminal output and transcript before
// its final state is lost.
type CaptureAgent struct {
	AgentID string
}

// Notify fans a human-facing notification out to providers.
type Notify struct {
	Title string
	Body  string
	Owner event.Owner
}

func (Emit) isEffect()              {}
func (SpawnAgent) isEffect()        {}
func (SendToAgent) isEffect()       {}
func (RespondToAgent) isEffect()    {}
func (KillAgent) isEffect()         {}
func (CreateWorkspace) isEffect()   {}
func (DeleteWorkspace) isEffect()   {}
func (SetTimer) isEffect()          {}
func (CancelTimer) isEffect()       {}
func (CancelTimerPrefix) isEffect() {}
func (CheckLiveness) isEffect()     {}
func (CaptureAgent) isEffect()      {}
func (Shell) isEffect()             {}
func (PollQueue) isEffect()         {}
func (TakeQueueItem) isEffect()     {}
func (Notify) isEffect()            {}

// emitEvent is a small helper for the common Emit construction.
func emitEvent(typ string, payload any) Effect {
	return Emit{Event: event.New(typ, payload)}
}
