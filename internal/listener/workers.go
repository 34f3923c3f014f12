package listener

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/runbook"
	"github.com/oddjobs/oddjobs/internal/state"
	v1 "github.com/oddjobs/oddjobs/pkg/api/v1"
)

// loadRunbook validates and registers the request's runbook, returning
// the hashed revision.
func (l *Listener) loadRunbook(ctx context.Context, req v1.Request) (*runbook.Runbook, v1.Response) {
	if req.Runbook == nil {
		return nil, v1.ErrorResponse("a runbook is required")
	}
	rb := req.Runbook.Hashed()
	if err := rb.Validate(); err != nil {
		return nil, v1.ErrorResponse(err.Error())
	}
	st := l.engine.State()
	st.RLock()
	_, loaded := st.Runbooks[rb.Hash]
	st.RUnlock()
	if !loaded {
		env := event.New(event.TypeRunbookLoaded, &event.RunbookLoaded{Runbook: rb})
		if err := l.engine.ProcessSync(ctx, env); err != nil {
			return nil, v1.ErrorResponse(err.Error())
		}
	}
	return &rb, v1.Response{OK: true}
}

func (l *Listener) worker(ctx context.Context, req v1.Request) v1.Response {
	switch req.Op {
	case v1.OpWorkerStart, v1.OpWorkerRestart:
		rb, resp := l.loadRunbook(ctx, req)
		if rb == nil {
			return resp
		}
		def, ok := rb.Workers[req.Name]
		if !ok {
			return v1.ErrorResponse(fmt.Sprintf("unknown worker %q in project %q", req.Name, rb.Project))
		}
		queueDef, ok := rb.Queues[def.Queue]
		if !ok {
			return v1.ErrorResponse(fmt.Sprintf("worker %q references unknown queue %q", req.Name, def.Queue))
		}

		if req.Op == v1.OpWorkerRestart {
			stop := event.New(event.TypeWorkerStopped, &event.WorkerStopped{
				Name: req.Name, Project: rb.Project,
			})
			if err := l.engine.ProcessSync(ctx, stop); err != nil {
				return v1.ErrorResponse(err.Error())
			}
		}

		pollMs := int64(0)
		if queueDef.Poll > 0 {
			pollMs = queueDef.Poll.Milliseconds()
		} else if def.Poll > 0 {
			pollMs = def.Poll.Milliseconds()
		}
		start := event.New(event.TypeWorkerStarted, &event.WorkerStarted{
			Name:        req.Name,
			Project:     rb.Project,
			ProjectPath: req.ProjectPath,
			RunbookHash: rb.Hash,
			Queue:       def.Queue,
			Job:         def.Job,
			Concurrency: def.EffectiveConcurrency(),
			QueueKind:   string(queueDef.Kind),
			PollMs:      pollMs,
		})
		return l.emitOK(ctx, start)

	case v1.OpWorkerStop:
		if resp := l.requireWorker(req); !resp.OK {
			return resp
		}
		return l.emitOK(ctx, event.New(event.TypeWorkerStopped, &event.WorkerStopped{
			Name: req.Name, Project: req.Project,
		}))

	case v1.OpWorkerResize:
		if resp := l.requireWorker(req); !resp.OK {
			return resp
		}
		if req.Concurrency == 0 {
			return v1.ErrorResponse("concurrency must be at least 1")
		}
		return l.emitOK(ctx, event.New(event.TypeWorkerResized, &event.WorkerResized{
			Name: req.Name, Project: req.Project, Concurrency: req.Concurrency,
		}))

	case v1.OpWorkerWake:
		if resp := l.requireWorker(req); !resp.OK {
			return resp
		}
		return l.emitOK(ctx, event.New(event.TypeWorkerWake, &event.WorkerWake{
			Name: req.Name, Project: req.Project,
		}))
	}
	return v1.ErrorResponse("unknown worker operation")
}

func (l *Listener) requireWorker(req v1.Request) v1.Response {
	st := l.engine.State()
	st.RLock()
	defer st.RUnlock()
	if _, ok := st.Workers[state.WorkerKey(req.Project, req.Name)]; !ok {
		return v1.ErrorResponse(fmt.Sprintf("unknown worker %q in project %q", req.Name, req.Project))
	}
	return v1.Response{OK: true}
}

func (l *Listener) cron(ctx context.Context, req v1.Request) v1.Response {
	switch req.Op {
	case v1.OpCronStart, v1.OpCronRestart:
		rb, resp := l.loadRunbook(ctx, req)
		if rb == nil {
			return resp
		}
		def, ok := rb.Crons[req.Name]
		if !ok {
			return v1.ErrorResponse(fmt.Sprintf("unknown cron %q in project %q", req.Name, rb.Project))
		}
		return l.emitOK(ctx, event.New(event.TypeCronStarted, &event.CronStarted{
			Name:        req.Name,
			Project:     rb.Project,
			ProjectPath: req.ProjectPath,
			RunbookHash: rb.Hash,
			Schedule:    def.Schedule,
			Job:         def.Job,
			Vars:        def.Vars,
		}))

	case v1.OpCronStop:
		if resp := l.requireCron(req); !resp.OK {
			return resp
		}
		return l.emitOK(ctx, event.New(event.TypeCronStopped, &event.CronStopped{
			Name: req.Name, Project: req.Project,
		}))

	case v1.OpCronOnce:
		if resp := l.requireCron(req); !resp.OK {
			return resp
		}
		return l.emitOK(ctx, event.New(event.TypeCronFired, &event.CronFired{
			Name: req.Name, Project: req.Project,
		}))
	}
	return v1.ErrorResponse("unknown cron operation")
}

func (l *Listener) requireCron(req v1.Request) v1.Response {
	st := l.engine.State()
	st.RLock()
	defer st.RUnlock()
	if _, ok := st.Crons[state.CronKey(req.Project, req.Name)]; !ok {
		return v1.ErrorResponse(fmt.Sprintf("unknown cron %q in project %q", req.Name, req.Project))
	}
	return v1.Response{OK: true}
}

func (l *Listener) queue(ctx context.Context, req v1.Request) v1.Response {
	st := l.engine.State()

	switch req.Op {
	case v1.OpQueuePush:
		if req.Queue == "" || req.Project == "" {
			return v1.ErrorResponse("queue and project are required")
		}
		itemID := uuid.New().String()
		env := event.New(event.TypeQueuePushed, &event.QueuePushed{
			ItemID:  itemID,
			Queue:   req.Queue,
			Project: req.Project,
			Data:    req.Data,
		})
		if err := l.engine.ProcessSync(ctx, env); err != nil {
			return v1.ErrorResponse(err.Error())
		}
		return v1.OKResponse(map[string]string{"item_id": itemID})

	case v1.OpQueueDrop:
		item, resp := l.requireItem(req.ID)
		if item == nil {
			return resp
		}
		return l.emitOK(ctx, event.New(event.TypeQueueDropped, &event.QueueDropped{
			ItemID: item.ID, Queue: item.Queue, Project: item.Project,
		}))

	case v1.OpQueueRetry:
		item, resp := l.requireItem(req.ID)
		if item == nil {
			return resp
		}
		if item.Status != state.ItemFailed && item.Status != state.ItemDead {
			return v1.ErrorResponse(fmt.Sprintf("item %s is %s, not retryable", event.ShortID(item.ID), item.Status))
		}
		return l.emitOK(ctx, event.New(event.TypeQueueRetry, &event.QueueRetry{
			ItemID: item.ID, Queue: item.Queue, Project: item.Project,
		}))

	case v1.OpQueueFail:
		item, resp := l.requireItem(req.ID)
		if item == nil {
			return resp
		}
		return l.emitOK(ctx, event.New(event.TypeQueueFailed, &event.QueueFailed{
			ItemID: item.ID, Queue: item.Queue, Project: item.Project,
			Error: "failed by operator",
		}))

	case v1.OpQueueDone:
		item, resp := l.requireItem(req.ID)
		if item == nil {
			return resp
		}
		return l.emitOK(ctx, event.New(event.TypeQueueCompleted, &event.QueueCompleted{
			ItemID: item.ID, Queue: item.Queue, Project: item.Project,
		}))

	case v1.OpQueueDrain, v1.OpQueuePrune:
		st.RLock()
		var targets []*state.QueueItem
		for _, item := range st.QueueItems {
			if req.Queue != "" && item.Queue != req.Queue {
				continue
			}
			if req.Project != "" && item.Project != req.Project {
				continue
			}
			switch req.Op {
			case v1.OpQueueDrain:
				if item.Status == state.ItemPending {
					targets = append(targets, item)
				}
			case v1.OpQueuePrune:
				if item.Status == state.ItemCompleted || item.Status == state.ItemDead {
					targets = append(targets, item)
				}
			}
		}
		st.RUnlock()
		for _, item := range targets {
			env := event.New(event.TypeQueueDropped, &event.QueueDropped{
				ItemID: item.ID, Queue: item.Queue, Project: item.Project,
			})
			if err := l.engine.ProcessSync(ctx, env); err != nil {
				return v1.ErrorResponse(err.Error())
			}
		}
		return v1.OKResponse(v1.PruneResult{Removed: len(targets)})
	}
	return v1.ErrorResponse("unknown queue operation")
}

func (l *Listener) requireItem(id string) (*state.QueueItem, v1.Response) {
	st := l.engine.State()
	st.RLock()
	defer st.RUnlock()
	item, ok := st.QueueItems[id]
	if !ok {
		return nil, v1.ErrorResponse(fmt.Sprintf("unknown queue item %s", event.ShortID(id)))
	}
	cp := *item
	return &cp, v1.Response{OK: true}
}

// decisionResolve validates the choice against the decision record and
// routes the resolution through the engine.
func (l *Listener) decisionResolve(ctx context.Context, req v1.Request) v1.Response {
	st := l.engine.State()
	st.RLock()
	d, ok := st.Decisions[req.ID]
	var resolved bool
	var optionCount, questionCount int
	if ok {
		resolved = d.Resolved
		optionCount = len(d.Options)
		questionCount = len(d.Questions)
	}
	st.RUnlock()

	if !ok {
		return v1.ErrorResponse(fmt.Sprintf("unknown decision %s", event.ShortID(req.ID)))
	}
	if resolved {
		return v1.ErrorResponse("decision already resolved")
	}
	if len(req.Choices) == 0 {
		return v1.ErrorResponse("at least one choice is required")
	}
	// Multi-question resolutions validate per question; everything else
	// validates against the flattened option list.
	if questionCount > 1 && len(req.Choices) == questionCount {
		// Per-question indexes are validated by the engine against each
		// question's options.
	} else {
		for _, c := range req.Choices {
			if c < 1 || c > optionCount {
				return v1.ErrorResponse(fmt.Sprintf("choice %d out of range (1..%d)", c, optionCount))
			}
		}
	}

	return l.emitOK(ctx, event.New(event.TypeDecisionResolved, &event.DecisionResolved{
		DecisionID: req.ID,
		Choices:    req.Choices,
		Message:    req.Message,
	}))
}
