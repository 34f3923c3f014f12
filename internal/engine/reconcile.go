package engine

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/agent"
	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/scheduler"
	"github.com/oddjobs/oddjobs/internal/state"
)

// Reconcile runs once after startup replay: it re-binds surviving
// agents, restarts worker polling, re-arms crons, fails orphaned work,
// and asks the adapter to collect stale resources. It publishes
// synthetic events onto the bus; the engine loop folds them like any
// other input.
func (e *Engine) Reconcile(ctx context.Context) {
	log := e.logger.WithComponent("reconciler")

	type liveAgent struct {
		meta  state.AgentMeta
		owner event.Owner
	}
	var (
		agents    []liveAgent
		orphans   []string // jobs whose agent step has no surviving agent
		workers   []event.WorkerStarted
		crons     []event.CronStarted
		lostItems []event.QueueFailed
		freed     []event.WorkerFreed
	)

	e.st.RLock()
	for _, job := range e.st.Jobs {
		if job.Terminal() {
			continue
		}
		rec := job.CurrentRecord()
		if rec == nil {
			continue
		}
		if rec.AgentName == "" {
			continue // shell step; its result event was lost, liveness is moot
		}
		if rec.AgentID == "" {
			orphans = append(orphans, job.ID)
			continue
		}
		if meta, ok := e.st.Agents[rec.AgentID]; ok && meta.Live() {
			agents = append(agents, liveAgent{meta: *meta, owner: event.JobOwner(job.ID)})
		} else {
			orphans = append(orphans, job.ID)
		}
	}
	for _, crew := range e.st.Crews {
		if crew.Status.Terminal() || crew.AgentID == "" {
			continue
		}
		if meta, ok := e.st.Agents[crew.AgentID]; ok && meta.Live() {
			agents = append(agents, liveAgent{meta: *meta, owner: event.CrewOwner(crew.ID)})
		}
	}
	for _, w := range e.st.Workers {
		if w.Status != state.WorkerRunning {
			continue
		}
		workers = append(workers, event.WorkerStarted{
			Name:        w.Name,
			Project:     w.Project,
			ProjectPath: w.ProjectPath,
			RunbookHash: w.RunbookHash,
			Queue:       w.Queue,
			Job:         w.Job,
			Concurrency: w.Concurrency,
			QueueKind:   w.QueueKind,
			PollMs:      w.PollMs,
		})
		// Free slots held by jobs that finished before the crash.
		for owner := range w.Active {
			if job, ok := e.st.Jobs[owner.ID]; owner.Kind == event.OwnerJob && (!ok || job.Terminal()) {
				freed = append(freed, event.WorkerFreed{Name: w.Name, Project: w.Project, Owner: owner})
			}
		}
	}
	// Active items whose job vanished take the normal retry-or-dead path.
	for _, item := range e.st.QueueItems {
		if item.Status != state.ItemActive {
			continue
		}
		if !e.itemHasLiveOwner(item) {
			lostItems = append(lostItems, event.QueueFailed{
				ItemID:  item.ID,
				Queue:   item.Queue,
				Project: item.Project,
				Error:   "job lost during daemon recovery",
			})
		}
	}
	for _, c := range e.st.Crons {
		if c.Status != state.CronRunning {
			continue
		}
		crons = append(crons, event.CronStarted{
			Name:        c.Name,
			Project:     c.Project,
			ProjectPath: c.ProjectPath,
			RunbookHash: c.RunbookHash,
			Schedule:    c.Schedule,
			Job:         c.Job,
			Vars:        c.Vars,
		})
	}
	known := make([]string, 0, len(e.st.Agents))
	for id := range e.st.Agents {
		known = append(known, id)
	}
	jobsByID := make(map[string]bool, len(e.st.Jobs))
	for id := range e.st.Jobs {
		jobsByID[id] = true
	}
	e.st.RUnlock()

	// Reconnect surviving agents; failures degrade to AgentGone so the
	// normal on_dead machinery runs.
	for _, la := range agents {
		cfg := agent.ReconnectConfig{
			AgentID:   la.meta.ID,
			SessionID: la.meta.SessionID,
			Runtime:   la.meta.Runtime,
			AuthToken: la.meta.AuthToken,
		}
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		err := backoff.Retry(func() error {
			return e.adapter.Reconnect(ctx, cfg)
		}, backoff.WithContext(policy, ctx))
		if err != nil {
			log.Warn("agent reconnect failed",
				zap.String("agent_id", la.meta.ID), zap.Error(err))
			e.publishSynthetic(event.New(event.TypeAgentGone, &event.AgentGone{AgentID: la.meta.ID}))
			continue
		}
		log.Info("agent reconnected",
			zap.String("agent_id", la.meta.ID),
			zap.String("owner", la.owner.String()))
		e.registry.Bind(la.meta.ID, la.owner)
		e.watchers.Watch(ctx, la.meta.ID)
		e.sched.Set(scheduler.PrefixLiveness+ownerTimerSuffix(la.owner), e.cfg.LivenessInterval)
	}

	for _, jobID := range orphans {
		e.publishSynthetic(event.New(event.TypeJobUpdated, &event.JobUpdated{
			JobID: jobID, Error: strPtr("no surviving agent"),
		}))
		e.publishSynthetic(event.New(event.TypeJobAdvanced, &event.JobAdvanced{
			JobID: jobID, Step: state.StepLabelFailed,
		}))
	}
	for i := range freed {
		e.publishSynthetic(event.New(event.TypeWorkerFreed, &freed[i]))
	}
	for i := range lostItems {
		e.publishSynthetic(event.New(event.TypeQueueFailed, &lostItems[i]))
	}
	for i := range workers {
		e.publishSynthetic(event.New(event.TypeWorkerStarted, &workers[i]))
	}
	for i := range crons {
		e.publishSynthetic(event.New(event.TypeCronStarted, &crons[i]))
	}

	// Breadcrumbs with no surviving job are leftovers from a crash
	// mid-append; there is nothing to recover.
	for _, crumb := range e.crumbs.List() {
		if !jobsByID[crumb.JobID] {
			log.Warn("dropping orphaned breadcrumb", zap.String("job_id", crumb.JobID))
			e.crumbs.Remove(crumb.JobID)
		}
	}

	if err := e.adapter.CleanupStaleResources(ctx, known); err != nil {
		log.Warn("stale resource cleanup failed", zap.Error(err))
	}

	log.Info("reconciliation complete",
		zap.Int("agents", len(agents)),
		zap.Int("orphaned_jobs", len(orphans)),
		zap.Int("workers", len(workers)),
		zap.Int("crons", len(crons)),
		zap.Int("lost_items", len(lostItems)))
}

// itemHasLiveOwner checks whether any worker still maps an owner to
// the item and that owner is a live job. Callers hold the read lock.
func (e *Engine) itemHasLiveOwner(item *state.QueueItem) bool {
	for _, w := range e.st.Workers {
		for owner, id := range w.Items {
			if id != item.ID {
				continue
			}
			if owner.Kind != event.OwnerJob {
				continue
			}
			if job, ok := e.st.Jobs[owner.ID]; ok && !job.Terminal() {
				return true
			}
		}
	}
	return false
}

func (e *Engine) publishSynthetic(env event.Envelope) {
	if err := e.bus.Publish(env); err != nil {
		e.logger.Warn("synthetic event dropped", zap.String("type", env.Type), zap.Error(err))
	}
}

func strPtr(s string) *string { return &s }
