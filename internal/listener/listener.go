// Package listener translates inbound requests into engine events and
// state queries. Transport (unix socket, HTTP) lives outside; every
// mutation returning OK has already been appended to the WAL.
package listener

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/oddjobs/oddjobs/internal/agent"
	"github.com/oddjobs/oddjobs/internal/archive"
	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/engine"
	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/state"
	v1 "github.com/oddjobs/oddjobs/pkg/api/v1"
)

// Listener handles requests against the engine and state.
type Listener struct {
	engine  *engine.Engine
	adapter agent.Adapter
	archive *archive.Store
	logDir  string
	logger  *logger.Logger
}

// New wires the listener. logDir points at the activity log root for
// log queries; empty disables them.
func New(eng *engine.Engine, adapter agent.Adapter, arch *archive.Store, logDir string, log *logger.Logger) *Listener {
	return &Listener{
		engine:  eng,
		adapter: adapter,
		archive: arch,
		logDir:  logDir,
		logger:  log.WithComponent("listener"),
	}
}

// Handle processes one request. Invalid requests produce error
// responses and no WAL entries.
func (l *Listener) Handle(ctx context.Context, req v1.Request) v1.Response {
	switch req.Op {
	case v1.OpPing:
		return v1.OKResponse(map[string]string{"pong": "pong"})
	case v1.OpHello:
		return l.hello(ctx, req)
	case v1.OpGoodbye:
		return l.emitOK(ctx, event.New(event.TypeSessionEnded, &event.SessionEnded{SessionID: req.ID}))
	case v1.OpShutdown:
		return l.emitOK(ctx, event.New(event.TypeShutdown, &event.Shutdown{Kill: req.KillAgents}))
	case v1.OpEvent:
		if req.Event == nil {
			return v1.ErrorResponse("event is required")
		}
		return l.emitOK(ctx, *req.Event)
	case v1.OpRunCommand:
		return l.runCommand(ctx, req)
	case v1.OpJobResume:
		return l.jobResume(ctx, req)
	case v1.OpJobSuspend:
		return l.jobEach(ctx, req, func(job *state.Job) (event.Envelope, error) {
			if job.Terminal() {
				return event.Envelope{}, fmt.Errorf("job %s is already terminal", event.ShortID(job.ID))
			}
			return event.New(event.TypeJobSuspend, &event.JobSuspend{JobID: job.ID}), nil
		})
	case v1.OpJobCancel:
		return l.jobEach(ctx, req, func(job *state.Job) (event.Envelope, error) {
			if job.Terminal() {
				return event.Envelope{}, fmt.Errorf("job %s is already terminal", event.ShortID(job.ID))
			}
			if job.Cancelling {
				return event.Envelope{}, fmt.Errorf("cancel not permitted while cancelling")
			}
			return event.New(event.TypeJobCancel, &event.JobCancel{JobID: job.ID}), nil
		})
	case v1.OpJobSignal:
		return l.jobEach(ctx, req, func(job *state.Job) (event.Envelope, error) {
			if job.Terminal() {
				return event.Envelope{}, fmt.Errorf("job %s is already terminal", event.ShortID(job.ID))
			}
			return event.New(event.TypeJobSignal, &event.JobSignal{JobID: job.ID, Message: req.Message}), nil
		})
	case v1.OpJobPrune:
		return l.jobPrune(ctx, req)
	case v1.OpAgentSend:
		return l.agentSend(ctx, req)
	case v1.OpAgentResume:
		return l.agentResume(ctx, req)
	case v1.OpWorkspaceDrop, v1.OpWorkspaceDropFailed, v1.OpWorkspaceDropAll:
		return l.workspaceDrop(ctx, req)
	case v1.OpWorkerStart, v1.OpWorkerStop, v1.OpWorkerRestart, v1.OpWorkerResize, v1.OpWorkerWake:
		return l.worker(ctx, req)
	case v1.OpCronStart, v1.OpCronStop, v1.OpCronRestart, v1.OpCronOnce:
		return l.cron(ctx, req)
	case v1.OpQueuePush, v1.OpQueueDrop, v1.OpQueueRetry, v1.OpQueueDrain,
		v1.OpQueueFail, v1.OpQueueDone, v1.OpQueuePrune:
		return l.queue(ctx, req)
	case v1.OpDecisionResolve:
		return l.decisionResolve(ctx, req)
	case v1.OpQuery:
		return l.query(ctx, req)
	}
	return v1.ErrorResponse(fmt.Sprintf("unknown operation %q", req.Op))
}

// emitOK routes an event through the engine synchronously.
func (l *Listener) emitOK(ctx context.Context, env event.Envelope) v1.Response {
	if err := l.engine.ProcessSync(ctx, env); err != nil {
		return v1.ErrorResponse(err.Error())
	}
	return v1.OKResponse(nil)
}

func (l *Listener) hello(ctx context.Context, req v1.Request) v1.Response {
	sessionID := req.ID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	env := event.New(event.TypeSessionStarted, &event.SessionStarted{
		SessionID: sessionID,
		Client:    req.Client,
		PID:       req.PID,
	})
	if err := l.engine.ProcessSync(ctx, env); err != nil {
		return v1.ErrorResponse(err.Error())
	}
	return v1.OKResponse(map[string]string{"session_id": sessionID})
}

// runCommand loads the request's validated runbook and dispatches the
// named command as a job or a crew. The response returns as soon as
// the first step is dispatched; callers poll for progress.
func (l *Listener) runCommand(ctx context.Context, req v1.Request) v1.Response {
	if req.Runbook == nil {
		return v1.ErrorResponse("run_command requires a runbook")
	}
	rb := req.Runbook.Hashed()
	if err := rb.Validate(); err != nil {
		return v1.ErrorResponse(err.Error())
	}
	cmd, ok := rb.Commands[req.Command]
	if !ok {
		return v1.ErrorResponse(fmt.Sprintf("unknown command %q in project %q", req.Command, rb.Project))
	}

	st := l.engine.State()
	st.RLock()
	_, loaded := st.Runbooks[rb.Hash]
	st.RUnlock()
	if !loaded {
		env := event.New(event.TypeRunbookLoaded, &event.RunbookLoaded{Runbook: rb})
		if err := l.engine.ProcessSync(ctx, env); err != nil {
			return v1.ErrorResponse(err.Error())
		}
	}

	vars := make(map[string]string)
	for k, v := range cmd.Vars {
		vars[k] = v
	}
	for k, v := range req.Kwargs {
		vars[k] = v
	}
	for i, a := range req.Args {
		vars[fmt.Sprintf("arg%d", i+1)] = a
	}

	cwd := req.InvokeDir
	if cwd == "" {
		cwd = req.ProjectPath
	}

	if cmd.Job != "" {
		jobID := uuid.New().String()
		def := rb.Jobs[cmd.Job]
		created := &event.JobCreated{
			JobID:       jobID,
			Kind:        cmd.Job,
			Name:        req.Command + "-" + event.ShortID(jobID),
			Project:     rb.Project,
			RunbookHash: rb.Hash,
			CWD:         cwd,
			Vars:        vars,
		}
		if def.Workspace != nil {
			created.WorkspaceID = uuid.New().String()
		}
		if err := l.engine.ProcessSync(ctx, event.New(event.TypeJobCreated, created)); err != nil {
			return v1.ErrorResponse(err.Error())
		}
		return v1.OKResponse(v1.RunResult{JobID: jobID})
	}

	crewID := uuid.New().String()
	prompt := cmd.Prompt
	if prompt == "" {
		prompt = req.Message
	}
	env := event.New(event.TypeCrewCreated, &event.CrewCreated{
		CrewID:      crewID,
		Agent:       cmd.Agent,
		Command:     prompt,
		Project:     rb.Project,
		CWD:         cwd,
		RunbookHash: rb.Hash,
		Vars:        vars,
	})
	if err := l.engine.ProcessSync(ctx, env); err != nil {
		return v1.ErrorResponse(err.Error())
	}
	return v1.OKResponse(v1.RunResult{CrewID: crewID})
}

// targetJobs resolves the jobs a request addresses.
func (l *Listener) targetJobs(req v1.Request) ([]string, error) {
	st := l.engine.State()
	st.RLock()
	defer st.RUnlock()

	if req.All {
		var ids []string
		for id, job := range st.Jobs {
			if !job.Terminal() && (req.Project == "" || job.Project == req.Project) {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}
	ids := req.IDs
	if req.ID != "" {
		ids = append(ids, req.ID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no jobs selected")
	}
	for _, id := range ids {
		if _, ok := st.Jobs[id]; !ok {
			return nil, fmt.Errorf("unknown job %s", event.ShortID(id))
		}
	}
	return ids, nil
}

func (l *Listener) jobEach(ctx context.Context, req v1.Request, build func(*state.Job) (event.Envelope, error)) v1.Response {
	ids, err := l.targetJobs(req)
	if err != nil {
		return v1.ErrorResponse(err.Error())
	}
	st := l.engine.State()
	for _, id := range ids {
		st.RLock()
		job := st.Jobs[id]
		var env event.Envelope
		if job != nil {
			env, err = build(job)
		}
		st.RUnlock()
		if job == nil {
			continue
		}
		if err != nil {
			return v1.ErrorResponse(err.Error())
		}
		if err := l.engine.ProcessSync(ctx, env); err != nil {
			return v1.ErrorResponse(err.Error())
		}
	}
	return v1.OKResponse(map[string]int{"affected": len(ids)})
}

func (l *Listener) jobResume(ctx context.Context, req v1.Request) v1.Response {
	return l.jobEach(ctx, req, func(job *state.Job) (event.Envelope, error) {
		if job.Terminal() && job.Step != state.StepLabelSuspend {
			return event.Envelope{}, fmt.Errorf("job %s is already terminal", event.ShortID(job.ID))
		}
		return event.New(event.TypeJobResume, &event.JobResume{
			JobID:   job.ID,
			Message: req.Message,
			Vars:    req.Vars,
			Kill:    req.Kill,
		}), nil
	})
}

func (l *Listener) jobPrune(ctx context.Context, req v1.Request) v1.Response {
	st := l.engine.State()
	st.RLock()
	var ids []string
	for id, job := range st.Jobs {
		if !job.Terminal() {
			continue
		}
		if req.Project != "" && job.Project != req.Project {
			continue
		}
		if !req.All && len(req.IDs) > 0 && !contains(req.IDs, id) {
			continue
		}
		ids = append(ids, id)
	}
	st.RUnlock()

	for _, id := range ids {
		env := event.New(event.TypeJobDeleted, &event.JobDeleted{JobID: id})
		if err := l.engine.ProcessSync(ctx, env); err != nil {
			return v1.ErrorResponse(err.Error())
		}
	}
	return v1.OKResponse(v1.PruneResult{Removed: len(ids)})
}

func (l *Listener) agentSend(ctx context.Context, req v1.Request) v1.Response {
	st := l.engine.State()
	st.RLock()
	meta, ok := st.Agents[req.ID]
	live := ok && meta.Live()
	st.RUnlock()
	if !ok {
		return v1.ErrorResponse(fmt.Sprintf("unknown agent %s", event.ShortID(req.ID)))
	}
	if !live {
		return v1.ErrorResponse(fmt.Sprintf("agent %s is not running", event.ShortID(req.ID)))
	}
	if err := l.adapter.Send(ctx, req.ID, req.Message); err != nil {
		return v1.ErrorResponse(err.Error())
	}
	return v1.OKResponse(nil)
}

func (l *Listener) agentResume(ctx context.Context, req v1.Request) v1.Response {
	st := l.engine.State()
	st.RLock()
	meta, ok := st.Agents[req.ID]
	var owner event.Owner
	if ok {
		owner = meta.Owner
	}
	st.RUnlock()
	if !ok {
		return v1.ErrorResponse(fmt.Sprintf("unknown agent %s", event.ShortID(req.ID)))
	}

	var env event.Envelope
	switch owner.Kind {
	case event.OwnerJob:
		env = event.New(event.TypeJobResume, &event.JobResume{JobID: owner.ID, Kill: req.Kill})
	case event.OwnerCrew:
		env = event.New(event.TypeCrewResume, &event.CrewResume{CrewID: owner.ID, Kill: req.Kill})
	default:
		return v1.ErrorResponse("agent has no owner")
	}
	return l.emitOK(ctx, env)
}

func (l *Listener) workspaceDrop(ctx context.Context, req v1.Request) v1.Response {
	st := l.engine.State()
	st.RLock()
	var ids []string
	for id, ws := range st.Workspaces {
		switch req.Op {
		case v1.OpWorkspaceDrop:
			if id == req.ID {
				ids = append(ids, id)
			}
		case v1.OpWorkspaceDropFailed:
			if ws.Status == state.WorkspaceFailed {
				ids = append(ids, id)
			}
		case v1.OpWorkspaceDropAll:
			ids = append(ids, id)
		}
	}
	st.RUnlock()

	if req.Op == v1.OpWorkspaceDrop && len(ids) == 0 {
		return v1.ErrorResponse(fmt.Sprintf("unknown workspace %s", event.ShortID(req.ID)))
	}
	for _, id := range ids {
		env := event.New(event.TypeWorkspaceDrop, &event.WorkspaceDrop{WorkspaceID: id})
		if err := l.engine.ProcessSync(ctx, env); err != nil {
			return v1.ErrorResponse(err.Error())
		}
	}
	return v1.OKResponse(v1.PruneResult{Removed: len(ids)})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
