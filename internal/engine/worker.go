package engine

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/runbook"
	"github.com/oddjobs/oddjobs/internal/scheduler"
	"github.com/oddjobs/oddjobs/internal/shellexec"
	"github.com/oddjobs/oddjobs/internal/state"
)

// queuePollTimer builds the poll timer id for a worker.
func queuePollTimer(name, project string) string {
	return scheduler.PrefixQueuePoll + name + ":" + project
}

// queueRetryTimer builds the retry timer id for an item.
func queueRetryTimer(project, queue, itemID string) string {
	return scheduler.PrefixQueueRetry + project + "/" + queue + ":" + itemID
}

// queueDefOf resolves the runbook queue definition a worker polls.
func (e *Engine) queueDefOf(w *state.Worker) (*runbook.QueueDef, bool) {
	rb, ok := e.st.RunbookFor(w.RunbookHash)
	if !ok {
		return nil, false
	}
	def, ok := rb.Queues[w.Queue]
	if !ok {
		return nil, false
	}
	return &def, true
}

func (e *Engine) onWorkerStarted(p *event.WorkerStarted) []Effect {
	w, ok := e.st.Workers[state.WorkerKey(p.Project, p.Name)]
	if !ok {
		return nil
	}
	effects := []Effect{}
	if w.QueueKind == string(runbook.QueueExternal) && w.PollMs > 0 {
		effects = append(effects, SetTimer{
			ID:       queuePollTimer(w.Name, w.Project),
			Duration: time.Duration(w.PollMs) * time.Millisecond,
		})
	}
	// Starting an already-running worker degrades to a wake.
	return append(effects, emitEvent(event.TypeWorkerWake, &event.WorkerWake{
		Name: p.Name, Project: p.Project,
	}))
}

func (e *Engine) onWorkerStopped(p *event.WorkerStopped) []Effect {
	return []Effect{CancelTimer{ID: queuePollTimer(p.Name, p.Project)}}
}

func (e *Engine) onWorkerWake(p *event.WorkerWake) []Effect {
	w, ok := e.st.Workers[state.WorkerKey(p.Project, p.Name)]
	if !ok || w.Status != state.WorkerRunning {
		return nil
	}
	if w.AvailableSlots() == 0 {
		return nil
	}

	if w.QueueKind == string(runbook.QueueExternal) {
		def, ok := e.queueDefOf(w)
		if !ok {
			e.logger.Warn("worker has no queue definition",
				zap.String("worker", w.Key()))
			return nil
		}
		return []Effect{PollQueue{
			WorkerName: w.Name,
			Project:    w.Project,
			Command:    def.List,
			Dir:        w.ProjectPath,
		}}
	}

	return e.dispatchPersisted(w)
}

// dispatchPersisted fills free slots with the oldest pending items.
func (e *Engine) dispatchPersisted(w *state.Worker) []Effect {
	var effects []Effect
	for slot := 0; slot < w.AvailableSlots(); slot++ {
		item := e.oldestPending(w.Queue, w.Project, effects)
		if item == nil {
			break
		}
		jobID := uuid.New().String()
		owner := event.JobOwner(jobID)
		effects = append(effects,
			emitEvent(event.TypeQueueDispatched, &event.QueueDispatched{
				ItemID:  item.ID,
				Queue:   w.Queue,
				Project: w.Project,
				Worker:  w.Name,
				Owner:   owner,
			}),
			emitEvent(event.TypeWorkerDispatched, &event.WorkerDispatched{
				Name:    w.Name,
				Project: w.Project,
				ItemID:  item.ID,
				Owner:   owner,
			}),
		)
		effects = append(effects, e.queueJobCreate(w, jobID, item.ID, item.Data)...)
	}
	return effects
}

// oldestPending picks the oldest pending item not already claimed by
// an effect produced earlier in this engine step.
func (e *Engine) oldestPending(queue, project string, pending []Effect) *state.QueueItem {
	claimed := make(map[string]bool)
	for _, eff := range pending {
		if em, ok := eff.(Emit); ok && em.Event.Type == event.TypeQueueDispatched {
			var p event.QueueDispatched
			if em.Event.DecodeInto(&p) == nil {
				claimed[p.ItemID] = true
			}
		}
	}
	var oldest *state.QueueItem
	for _, item := range e.st.QueueItems {
		if item.Queue != queue || item.Project != project || item.Status != state.ItemPending {
			continue
		}
		if claimed[item.ID] {
			continue
		}
		if oldest == nil || item.CreatedAtMs < oldest.CreatedAtMs {
			oldest = item
		}
	}
	return oldest
}

// queueJobCreate builds the JobCreated event for a dispatched item.
func (e *Engine) queueJobCreate(w *state.Worker, jobID, itemID string, data json.RawMessage) []Effect {
	vars := map[string]string{
		"item_id": itemID,
		"queue":   w.Queue,
	}
	if len(data) > 0 {
		vars["item"] = string(data)
	}
	return []Effect{emitEvent(event.TypeJobCreated, &event.JobCreated{
		JobID:       jobID,
		Kind:        w.Job,
		Name:        w.Job + "-" + event.ShortID(itemID),
		Project:     w.Project,
		RunbookHash: w.RunbookHash,
		CWD:         w.ProjectPath,
		Vars:        vars,
	})}
}

func (e *Engine) onWorkerPolled(p *event.WorkerPolled) []Effect {
	w, ok := e.st.Workers[state.WorkerKey(p.Project, p.Name)]
	if !ok || w.Status != state.WorkerRunning {
		return nil
	}
	if p.Error != "" {
		e.logger.Warn("queue poll failed",
			zap.String("worker", w.Key()), zap.String("error", p.Error))
		return nil
	}
	def, ok := e.queueDefOf(w)
	if !ok {
		return nil
	}

	var effects []Effect
	slots := w.AvailableSlots()
	for _, raw := range p.Items {
		if slots <= 0 {
			break
		}
		itemID := externalItemID(raw)
		if itemID == "" {
			e.logger.Warn("queue item without id skipped", zap.String("worker", w.Key()))
			continue
		}
		// Overlapping polls must not double-dispatch an item.
		if w.InflightItems[itemID] || e.itemAssigned(w, itemID) {
			continue
		}
		slots--
		vars := map[string]string{"item_id": itemID, "item": string(raw)}
		effects = append(effects,
			emitEvent(event.TypeWorkerTakeStarted, &event.WorkerTakeStarted{
				Name: w.Name, Project: w.Project, ItemID: itemID,
			}),
			TakeQueueItem{
				WorkerName: w.Name,
				Project:    w.Project,
				Command:    shellexec.Substitute(def.Take, vars),
				Dir:        w.ProjectPath,
				ItemID:     itemID,
				Item:       raw,
			},
		)
	}
	return effects
}

// itemAssigned reports whether an item id is already bound to an
// active owner.
func (e *Engine) itemAssigned(w *state.Worker, itemID string) bool {
	for _, id := range w.Items {
		if id == itemID {
			return true
		}
	}
	return false
}

func externalItemID(raw json.RawMessage) string {
	var probe struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	switch v := probe.ID.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func (e *Engine) onWorkerTook(p *event.WorkerTook) []Effect {
	w, ok := e.st.Workers[state.WorkerKey(p.Project, p.Name)]
	if !ok {
		return nil
	}
	if !p.OK {
		e.logger.Warn("queue take failed",
			zap.String("worker", w.Key()),
			zap.String("item_id", p.ItemID),
			zap.String("error", p.Error))
		return nil
	}
	if w.Status != state.WorkerRunning {
		return nil
	}

	jobID := uuid.New().String()
	owner := event.JobOwner(jobID)
	effects := []Effect{emitEvent(event.TypeWorkerDispatched, &event.WorkerDispatched{
		Name:    w.Name,
		Project: w.Project,
		ItemID:  p.ItemID,
		Owner:   owner,
	})}
	return append(effects, e.queueJobCreate(w, jobID, p.ItemID, p.Item)...)
}

// releaseWorkerSlot frees the slot held by a finished owner and closes
// out its queue item.
func (e *Engine) releaseWorkerSlot(owner event.Owner, terminalStep, errMsg string) []Effect {
	for _, w := range e.st.Workers {
		itemID, ok := w.Items[owner]
		if !ok {
			continue
		}
		var effects []Effect
		if item, isPersisted := e.st.QueueItems[itemID]; isPersisted {
			if terminalStep == state.StepDone {
				effects = append(effects, emitEvent(event.TypeQueueCompleted, &event.QueueCompleted{
					ItemID: item.ID, Queue: item.Queue, Project: item.Project,
				}))
			} else {
				msg := errMsg
				if msg == "" {
					msg = "job " + terminalStep
				}
				effects = append(effects, emitEvent(event.TypeQueueFailed, &event.QueueFailed{
					ItemID: item.ID, Queue: item.Queue, Project: item.Project, Error: msg,
				}))
			}
		}
		effects = append(effects,
			emitEvent(event.TypeWorkerFreed, &event.WorkerFreed{
				Name: w.Name, Project: w.Project, Owner: owner,
			}),
			emitEvent(event.TypeWorkerWake, &event.WorkerWake{
				Name: w.Name, Project: w.Project,
			}),
		)
		return effects
	}
	return nil
}

func (e *Engine) onQueuePushed(p *event.QueuePushed) []Effect {
	return e.wakeWorkersFor(p.Queue, p.Project)
}

func (e *Engine) onQueueFailed(p *event.QueueFailed) []Effect {
	item, ok := e.st.QueueItems[p.ItemID]
	if !ok {
		return nil
	}
	def := e.queueDefForItem(item)
	if def == nil || def.Retry == nil || item.Failures >= def.Retry.Attempts {
		return []Effect{emitEvent(event.TypeQueueDead, &event.QueueDead{
			ItemID: item.ID, Queue: item.Queue, Project: item.Project,
		})}
	}
	cooldown := def.Retry.Cooldown
	if cooldown <= 0 {
		return []Effect{emitEvent(event.TypeQueueRetry, &event.QueueRetry{
			ItemID: item.ID, Queue: item.Queue, Project: item.Project,
		})}
	}
	return []Effect{SetTimer{
		ID:       queueRetryTimer(item.Project, item.Queue, item.ID),
		Duration: cooldown,
	}}
}

func (e *Engine) onQueueRetry(p *event.QueueRetry) []Effect {
	return e.wakeWorkersFor(p.Queue, p.Project)
}

// queueDefForItem resolves a queue definition through any worker bound
// to the item's queue.
func (e *Engine) queueDefForItem(item *state.QueueItem) *runbook.QueueDef {
	for _, w := range e.st.Workers {
		if w.Queue != item.Queue || w.Project != item.Project {
			continue
		}
		if def, ok := e.queueDefOf(w); ok {
			return def
		}
	}
	// No worker yet; search loaded runbooks directly.
	for _, rb := range e.st.Runbooks {
		if rb.Project != item.Project {
			continue
		}
		if def, ok := rb.Queues[item.Queue]; ok {
			return &def
		}
	}
	return nil
}

// wakeWorkersFor wakes every running worker bound to a queue.
func (e *Engine) wakeWorkersFor(queue, project string) []Effect {
	var effects []Effect
	for _, w := range e.st.Workers {
		if w.Queue == queue && w.Project == project && w.Status == state.WorkerRunning {
			effects = append(effects, emitEvent(event.TypeWorkerWake, &event.WorkerWake{
				Name: w.Name, Project: w.Project,
			}))
		}
	}
	return effects
}

func (e *Engine) onQueuePollFired(id string) []Effect {
	rest := strings.TrimPrefix(id, scheduler.PrefixQueuePoll)
	name, project, ok := strings.Cut(rest, ":")
	if !ok {
		return nil
	}
	w, exists := e.st.Workers[state.WorkerKey(project, name)]
	if !exists || w.Status != state.WorkerRunning {
		return nil
	}
	effects := []Effect{emitEvent(event.TypeWorkerWake, &event.WorkerWake{
		Name: name, Project: project,
	})}
	if w.PollMs > 0 {
		effects = append(effects, SetTimer{
			ID:       queuePollTimer(name, project),
			Duration: time.Duration(w.PollMs) * time.Millisecond,
		})
	}
	return effects
}

func (e *Engine) onQueueRetryFired(id string) []Effect {
	rest := strings.TrimPrefix(id, scheduler.PrefixQueueRetry)
	cut := strings.LastIndex(rest, ":")
	if cut < 0 {
		return nil
	}
	scoped, itemID := rest[:cut], rest[cut+1:]
	project, queue, ok := strings.Cut(scoped, "/")
	if !ok {
		return nil
	}
	item, exists := e.st.QueueItems[itemID]
	if !exists || item.Status != state.ItemFailed {
		return nil
	}
	return []Effect{emitEvent(event.TypeQueueRetry, &event.QueueRetry{
		ItemID: itemID, Queue: queue, Project: project,
	})}
}
