// Package v1 defines the request/response shapes the daemon's
// listener speaks. Transport and serialization live outside the core;
// only these shapes matter to it.
package v1

import (
	"encoding/json"

	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/runbook"
)

// Request operations.
const (
	OpPing     = "ping"
	OpHello    = "hello"
	OpGoodbye  = "goodbye"
	OpShutdown = "shutdown"
	OpEvent    = "event"

	OpRunCommand = "run_command"

	OpJobResume  = "job_resume"
	OpJobSuspend = "job_suspend"
	OpJobCancel  = "job_cancel"
	OpJobSignal  = "job_signal"
	OpJobPrune   = "job_prune"

	OpAgentSend   = "agent_send"
	OpAgentResume = "agent_resume"

	OpWorkspaceDrop       = "workspace_drop"
	OpWorkspaceDropFailed = "workspace_drop_failed"
	OpWorkspaceDropAll    = "workspace_drop_all"

	OpWorkerStart   = "worker_start"
	OpWorkerStop    = "worker_stop"
	OpWorkerRestart = "worker_restart"
	OpWorkerResize  = "worker_resize"
	OpWorkerWake    = "worker_wake"

	OpCronStart   = "cron_start"
	OpCronStop    = "cron_stop"
	OpCronRestart = "cron_restart"
	OpCronOnce    = "cron_once"

	OpQueuePush  = "queue_push"
	OpQueueDrop  = "queue_drop"
	OpQueueRetry = "queue_retry"
	OpQueueDrain = "queue_drain"
	OpQueueFail  = "queue_fail"
	OpQueueDone  = "queue_done"
	OpQueuePrune = "queue_prune"

	OpDecisionResolve = "decision_resolve"

	OpQuery = "query"
)

// Query scopes for OpQuery.
const (
	QueryStatus     = "status"
	QueryJobs       = "jobs"
	QueryJob        = "job"
	QueryCrews      = "crews"
	QueryAgents     = "agents"
	QueryWorkspaces = "workspaces"
	QuerySessions   = "sessions"
	QueryWorkers    = "workers"
	QueryCrons      = "crons"
	QueryQueues     = "queues"
	QueryDecisions  = "decisions"
	QueryOrphans    = "orphans"
	QueryProjects   = "projects"
	QueryLogs       = "logs"
	QueryHistory    = "history"
)

// Request is the flat envelope the listener consumes. Fields are
// op-specific; unused fields stay zero.
type Request struct {
	Op string `json:"op"`

	// Common selectors.
	ID      string   `json:"id,omitempty"`
	IDs     []string `json:"ids,omitempty"`
	All     bool     `json:"all,omitempty"`
	Project string   `json:"project,omitempty"`

	// Client identity (hello).
	Client string `json:"client,omitempty"`
	PID    int    `json:"pid,omitempty"`

	// RunCommand.
	ProjectPath string            `json:"project_path,omitempty"`
	InvokeDir   string            `json:"invoke_dir,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Kwargs      map[string]string `json:"kwargs,omitempty"`
	Runbook     *runbook.Runbook  `json:"runbook,omitempty"`

	// Job / agent control.
	Message string            `json:"message,omitempty"`
	Vars    map[string]string `json:"vars,omitempty"`
	Kill    bool              `json:"kill,omitempty"`

	// Worker / cron / queue addressing.
	Name        string `json:"name,omitempty"`
	Queue       string `json:"queue,omitempty"`
	Concurrency uint32 `json:"concurrency,omitempty"`

	// Queue push payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Decision resolution.
	Choices []int `json:"choices,omitempty"`

	// Shutdown.
	KillAgents bool `json:"kill_agents,omitempty"`

	// Raw event emit.
	Event *event.Envelope `json:"event,omitempty"`

	// Query scope and step selector for logs.
	Scope string `json:"scope,omitempty"`
	Step  string `json:"step,omitempty"`
}

// Response is the listener's reply. Error responses carry a
// human-readable message and no result.
type Response struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// OKResponse marshals a result into a success response. Marshal
// failures degrade to an error response.
func OKResponse(result any) Response {
	if result == nil {
		return Response{OK: true}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse("encode result: " + err.Error())
	}
	return Response{OK: true, Result: data}
}

// ErrorResponse builds an error response.
func ErrorResponse(message string) Response {
	return Response{OK: false, Error: message}
}

// StatusOverview is the QueryStatus result.
type StatusOverview struct {
	Jobs       int    `json:"jobs"`
	ActiveJobs int    `json:"active_jobs"`
	Crews      int    `json:"crews"`
	Agents     int    `json:"agents"`
	LiveAgents int    `json:"live_agents"`
	Workers    int    `json:"workers"`
	Crons      int    `json:"crons"`
	QueueItems int    `json:"queue_items"`
	Decisions  int    `json:"decisions"`
	Sessions   int    `json:"sessions"`
	AppliedSeq uint64 `json:"applied_seq"`
}

// RunResult is the RunCommand result: what got created.
type RunResult struct {
	JobID  string `json:"job_id,omitempty"`
	CrewID string `json:"crew_id,omitempty"`
}

// PruneResult reports how many records a prune removed.
type PruneResult struct {
	Removed int `json:"removed"`
}
