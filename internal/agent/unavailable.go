package agent

import (
	"context"
	"errors"
)

// ErrNoRuntime is returned by the placeholder adapter.
var ErrNoRuntime = errors.New("agent: no runtime adapter configured")

// UnavailableAdapter satisfies Adapter for deployments with no agent
// runtime wired in. Shell-only runbooks work fully; agent steps fail
// fast with a clear error.
type UnavailableAdapter struct{}

// Spawn always fails.
func (UnavailableAdapter) Spawn(context.Context, SpawnConfig) (SpawnResult, error) {
	return SpawnResult{}, ErrNoRuntime
}

// Reconnect always fails.
func (UnavailableAdapter) Reconnect(context.Context, ReconnectConfig) error { return ErrNoRuntime }

// Send always fails.
func (UnavailableAdapter) Send(context.Context, string, string) error { return ErrNoRuntime }

// Respond always fails.
func (UnavailableAdapter) Respond(context.Context, string, PromptResponse) error {
	return ErrNoRuntime
}

// Kill always fails.
func (UnavailableAdapter) Kill(context.Context, string) error { return ErrNoRuntime }

// GetState reports the session gone.
func (UnavailableAdapter) GetState(context.Context, string) (State, error) {
	return State{Kind: StateSessionGone}, nil
}

// LastMessage returns nothing.
func (UnavailableAdapter) LastMessage(context.Context, string) (string, error) {
	return "", ErrNoRuntime
}

// IsAlive reports false.
func (UnavailableAdapter) IsAlive(context.Context, string) bool { return false }

// CaptureOutput returns nothing.
func (UnavailableAdapter) CaptureOutput(context.Context, string, int) (string, error) {
	return "", ErrNoRuntime
}

// FetchTranscript returns nothing.
func (UnavailableAdapter) FetchTranscript(context.Context, string) (string, error) {
	return "", ErrNoRuntime
}

// ResolveStop is a no-op.
func (UnavailableAdapter) ResolveStop(context.Context, string) error { return nil }

// CleanupStaleResources is a no-op.
func (UnavailableAdapter) CleanupStaleResources(context.Context, []string) error { return nil }
