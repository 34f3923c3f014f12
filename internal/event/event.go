// Package event defines the tagged event records the daemon is built
// around. Every state change is an Envelope appended to the WAL and
// folded into the materialized state; payload structs carry enough
// fields to replay.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type tags, grouped by family. The tag doubles as the outbound
// bus subject for streaming subscribers.
const (
	TypeJobCreated  = "job.created"
	TypeJobAdvanced = "job.advanced"
	TypeJobUpdated  = "job.updated"
	TypeJobDeleted  = "job.deleted"
	TypeJobSignal   = "job.signal"
	TypeJobResume   = "job.resume"
	TypeJobCancel   = "job.cancel"
	TypeJobSuspend  = "job.suspend"

	TypeStepStarted   = "step.started"
	TypeStepCompleted = "step.completed"
	TypeStepFailed    = "step.failed"
	TypeStepWaiting   = "step.waiting"

	TypeCrewCreated = "crew.created"
	TypeCrewUpdated = "crew.updated"
	TypeCrewDeleted = "crew.deleted"
	TypeCrewResume  = "crew.resume"
	TypeCrewCancel  = "crew.cancel"

	TypeAgentSpawned     = "agent.spawned"
	TypeAgentSpawnFailed = "agent.spawn_failed"
	TypeAgentWorking     = "agent.working"
	TypeAgentIdle        = "agent.idle"
	TypeAgentFailed      = "agent.failed"
	TypeAgentExited      = "agent.exited"
	TypeAgentGone        = "agent.gone"
	TypeAgentPrompt      = "agent.prompt"
	TypeAgentLogEntries  = "agent.log_entries"

	TypeWorkspaceCreated = "workspace.created"
	TypeWorkspaceReady   = "workspace.ready"
	TypeWorkspaceFailed  = "workspace.failed"
	TypeWorkspaceDrop    = "workspace.drop"
	TypeWorkspaceDeleted = "workspace.deleted"

	TypeWorkerStarted     = "worker.started"
	TypeWorkerStopped     = "worker.stopped"
	TypeWorkerWake        = "worker.wake"
	TypeWorkerPolled      = "worker.polled"
	TypeWorkerTakeStarted = "worker.take_started"
	TypeWorkerTook        = "worker.took"
	TypeWorkerDispatched  = "worker.dispatched"
	TypeWorkerFreed       = "worker.freed"
	TypeWorkerResized     = "worker.resized"

	TypeQueuePushed     = "queue.pushed"
	TypeQueueDispatched = "queue.dispatched"
	TypeQueueCompleted  = "queue.completed"
	TypeQueueFailed     = "queue.failed"
	TypeQueueRetry      = "queue.retry"
	TypeQueueDead       = "queue.dead"
	TypeQueueDropped    = "queue.dropped"

	TypeCronStarted = "cron.started"
	TypeCronStopped = "cron.stopped"
	TypeCronFired   = "cron.fired"

	TypeDecisionCreated  = "decision.created"
	TypeDecisionResolved = "decision.resolved"

	TypeSessionStarted = "session.started"
	TypeSessionEnded   = "session.ended"

	TypeActionDispatched = "action.dispatched"
	TypeActionReset      = "action.reset"

	TypeTimerFired  = "timer.fired"
	TypeShellExited = "shell.exited"

	TypeRunbookLoaded = "runbook.loaded"
	TypeCustom        = "custom"
	TypeShutdown      = "shutdown"
)

// Envelope is the WAL record: a sequence number assigned at append
// time, a type tag, a millisecond timestamp, and the JSON payload.
type Envelope struct {
	Seq  uint64          `json:"seq,omitempty"`
	Type string          `json:"type"`
	TSMs int64           `json:"ts_ms"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope for the given payload, stamped with the
// current wall clock. Marshal failures indicate a programming error in
// the payload struct and panic.
func New(typ string, payload any) Envelope {
	return At(typ, payload, time.Now())
}

// At builds an envelope with an explicit timestamp (used by replay
// tooling and tests).
func At(typ string, payload any, at time.Time) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("event: marshal %s: %v", typ, err))
	}
	return Envelope{Type: typ, TSMs: at.UnixMilli(), Data: data}
}

// Time returns the envelope timestamp.
func (e Envelope) Time() time.Time { return time.UnixMilli(e.TSMs) }

// Decode unmarshals the payload into the registered struct for the
// envelope's type. Unknown types return an error so replay surfaces
// version skew instead of silently dropping records.
func (e Envelope) Decode() (any, error) {
	ctor, ok := payloadTypes[e.Type]
	if !ok {
		return nil, fmt.Errorf("event: unknown type %q", e.Type)
	}
	p := ctor()
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, p); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", e.Type, err)
		}
	}
	return p, nil
}

// DecodeInto unmarshals the payload into the caller's struct.
func (e Envelope) DecodeInto(p any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, p)
}

var payloadTypes = map[string]func() any{
	TypeJobCreated:  func() any { return &JobCreated{} },
	TypeJobAdvanced: func() any { return &JobAdvanced{} },
	TypeJobUpdated:  func() any { return &JobUpdated{} },
	TypeJobDeleted:  func() any { return &JobDeleted{} },
	TypeJobSignal:   func() any { return &JobSignal{} },
	TypeJobResume:   func() any { return &JobResume{} },
	TypeJobCancel:   func() any { return &JobCancel{} },
	TypeJobSuspend:  func() any { return &JobSuspend{} },

	TypeStepStarted:   func() any { return &StepStarted{} },
	TypeStepCompleted: func() any { return &StepCompleted{} },
	TypeStepFailed:    func() any { return &StepFailed{} },
	TypeStepWaiting:   func() any { return &StepWaiting{} },

	TypeCrewCreated: func() any { return &CrewCreated{} },
	TypeCrewUpdated: func() any { return &CrewUpdated{} },
	TypeCrewDeleted: func() any { return &CrewDeleted{} },
	TypeCrewResume:  func() any { return &CrewResume{} },
	TypeCrewCancel:  func() any { return &CrewCancel{} },

	TypeAgentSpawned:     func() any { return &AgentSpawned{} },
	TypeAgentSpawnFailed: func() any { return &AgentSpawnFailed{} },
	TypeAgentWorking:     func() any { return &AgentWorking{} },
	TypeAgentIdle:        func() any { return &AgentIdle{} },
	TypeAgentFailed:      func() any { return &AgentFailed{} },
	TypeAgentExited:      func() any { return &AgentExited{} },
	TypeAgentGone:        func() any { return &AgentGone{} },
	TypeAgentPrompt:      func() any { return &AgentPrompt{} },
	TypeAgentLogEntries:  func() any { return &AgentLogEntries{} },

	TypeWorkspaceCreated: func() any { return &WorkspaceCreated{} },
	TypeWorkspaceReady:   func() any { return &WorkspaceReady{} },
	TypeWorkspaceFailed:  func() any { return &WorkspaceFailed{} },
	TypeWorkspaceDrop:    func() any { return &WorkspaceDrop{} },
	TypeWorkspaceDeleted: func() any { return &WorkspaceDeleted{} },

	TypeWorkerStarted:     func() any { return &WorkerStarted{} },
	TypeWorkerStopped:     func() any { return &WorkerStopped{} },
	TypeWorkerWake:        func() any { return &WorkerWake{} },
	TypeWorkerPolled:      func() any { return &WorkerPolled{} },
	TypeWorkerTakeStarted: func() any { return &WorkerTakeStarted{} },
	TypeWorkerTook:        func() any { return &WorkerTook{} },
	TypeWorkerDispatched:  func() any { return &WorkerDispatched{} },
	TypeWorkerFreed:       func() any { return &WorkerFreed{} },
	TypeWorkerResized:     func() any { return &WorkerResized{} },

	TypeQueuePushed:     func() any { return &QueuePushed{} },
	TypeQueueDispatched: func() any { return &QueueDispatched{} },
	TypeQueueCompleted:  func() any { return &QueueCompleted{} },
	TypeQueueFailed:     func() any { return &QueueFailed{} },
	TypeQueueRetry:      func() any { return &QueueRetry{} },
	TypeQueueDead:       func() any { return &QueueDead{} },
	TypeQueueDropped:    func() any { return &QueueDropped{} },

	TypeCronStarted: func() any { return &CronStarted{} },
	TypeCronStopped: func() any { return &CronStopped{} },
	TypeCronFired:   func() any { return &CronFired{} },

	TypeDecisionCreated:  func() any { return &DecisionCreated{} },
	TypeDecisionResolved: func() any { return &DecisionResolved{} },

	TypeSessionStarted: func() any { return &SessionStarted{} },
	TypeSessionEnded:   func() any { return &SessionEnded{} },

	TypeActionDispatched: func() any { return &ActionDispatched{} },
	TypeActionReset:      func() any { return &ActionReset{} },

	TypeTimerFired:  func() any { return &TimerFired{} },
	TypeShellExited: func() any { return &ShellExited{} },

	TypeRunbookLoaded: func() any { return &RunbookLoaded{} },
	TypeCustom:        func() any { return &Custom{} },
	TypeShutdown:      func() any { return &Shutdown{} },
}
