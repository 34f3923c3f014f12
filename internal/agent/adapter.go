// Package agent defines the runtime adapter contract the engine
// consumes and the per-agent watcher that tags raw agent state into
// lifecycle events. Concrete runtimes (subprocess, container, pod)
// live outside the daemon and plug in through the Adapter interface.
package agent

import (
	"context"

	"github.com/oddjobs/oddjobs/internal/event"
)

// StateKind is the raw condition reported by a runtime.
type StateKind string

const (
	StateWorking         StateKind = "working"
	StateWaitingForInput StateKind = "waiting_for_input"
	StateFailed          StateKind = "failed"
	StateExited          StateKind = "exited"
	StateSessionGone     StateKind = "session_gone"
	StatePrompting       StateKind = "prompting"
)

// ErrorKind classifies agent failures the action system recognizes.
type ErrorKind string

const (
	ErrRateLimited  ErrorKind = "rate_limited"
	ErrOutOfCredits ErrorKind = "out_of_credits"
	ErrUnauthorized ErrorKind = "unauthorized"
	ErrNoInternet   ErrorKind = "no_internet"
	ErrOther        ErrorKind = "other"
)

// PromptKind classifies what an agent is asking for.
type PromptKind string

const (
	PromptPermission PromptKind = "permission"
	PromptPlan       PromptKind = "plan"
	PromptQuestion   PromptKind = "question"
	PromptOther      PromptKind = "other"
)

// State is one observation of an agent.
type State struct {
	Kind         StateKind
	Error        ErrorKind
	ErrorMessage string
	ExitCode     *int
	Prompt       PromptKind
	Questions    []event.Question
	LastMessage  string
}

// Equal reports whether two observations are the same for
// de-duplication purposes.
func (s State) Equal(o State) bool {
	if s.Kind != o.Kind || s.Error != o.Error || s.Prompt != o.Prompt {
		return false
	}
	if (s.ExitCode == nil) != (o.ExitCode == nil) {
		return false
	}
	if s.ExitCode != nil && *s.ExitCode != *o.ExitCode {
		return false
	}
	return true
}

// PromptResponse answers an agent prompt.
type PromptResponse struct {
	Accept *bool  `json:"accept,omitempty"`
	Option *int   `json:"option,omitempty"`
	Text   string `json:"text,omitempty"`
}

// SpawnConfig describes the agent to launch.
type SpawnConfig struct {
	AgentID string
	Owner   event.Owner
	Name    string // runbook agent definition name
	Command string
	Prompt  string
	Dir     string
	Env     map[string]string
	// SessionID resumes a prior session when set.
	SessionID string
	// Append adds the prompt to the prior session instead of replacing it.
	Append bool
}

// SpawnResult carries the reconnect metadata for a launched agent.
type SpawnResult struct {
	SessionID string
	Runtime   string
	AuthToken string
}

// ReconnectConfig re-binds monitoring to a surviving agent after a
// daemon restart; no new process is started.
type ReconnectConfig struct {
	AgentID   string
	SessionID string
	Runtime   string
	AuthToken string
}

// Adapter is the capability set the core requires from a runtime.
type Adapter interface {
	Spawn(ctx context.Context, cfg SpawnConfig) (SpawnResult, error)
	Reconnect(ctx context.Context, cfg ReconnectConfig) error
	Send(ctx context.Context, agentID, text string) error
	Respond(ctx context.Context, agentID string, resp PromptResponse) error
	Kill(ctx context.Context, agentID string) error
	GetState(ctx context.Context, agentID string) (State, error)
	LastMessage(ctx context.Context, agentID string) (string, error)
	IsAlive(ctx context.Context, agentID string) bool
	CaptureOutput(ctx context.Context, agentID string, lines int) (string, error)
	FetchTranscript(ctx context.Context, agentID string) (string, error)
	ResolveStop(ctx context.Context, agentID string) error
	CleanupStaleResources(ctx context.Context, knownIDs []string) error
}
