package state

import (
	"fmt"

	"github.com/oddjobs/oddjobs/internal/event"
)

// Apply folds one event into the projection. It is total: unknown or
// stale references are ignored rather than erroring, so replay of any
// valid WAL always succeeds. Callers hold the write lock.
func (s *State) Apply(env event.Envelope) error {
	payload, err := env.Decode()
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *event.RunbookLoaded:
		rb := p.Runbook
		s.Runbooks[rb.Hash] = &rb

	case *event.JobCreated:
		s.Jobs[p.JobID] = &Job{
			ID:             p.JobID,
			Kind:           p.Kind,
			Name:           p.Name,
			Project:        p.Project,
			RunbookHash:    p.RunbookHash,
			CWD:            p.CWD,
			Vars:           p.Vars,
			WorkspaceID:    p.WorkspaceID,
			StepStatus:     StepPending,
			StepVisits:     make(map[string]int),
			ActionAttempts: make(map[AttemptKey]int),
			CreatedAtMs:    env.TSMs,
			UpdatedAtMs:    env.TSMs,
		}

	case *event.JobAdvanced:
		job, ok := s.Jobs[p.JobID]
		if !ok {
			return nil
		}
		job.Step = p.Step
		job.UpdatedAtMs = env.TSMs
		job.WaitingDecision = ""
		if TerminalStep(p.Step) {
			s.closeOpenRecord(job, env.TSMs)
			switch p.Step {
			case StepDone:
				job.StepStatus = StepCompleted
			case StepLabelFailed:
				job.StepStatus = StepFailed
			default:
				job.StepStatus = StepCompleted
			}
		} else {
			job.StepVisits[p.Step]++
			job.StepStatus = StepPending
		}
		// A successful advance resets the attempt bookkeeping.
		job.ActionAttempts = make(map[AttemptKey]int)

	case *event.JobUpdated:
		job, ok := s.Jobs[p.JobID]
		if !ok {
			return nil
		}
		if p.Failing != nil {
			job.Failing = *p.Failing
		}
		if p.Cancelling != nil {
			job.Cancelling = *p.Cancelling
		}
		if p.Suspending != nil {
			job.Suspending = *p.Suspending
		}
		if p.Error != nil {
			job.Error = *p.Error
		}
		job.UpdatedAtMs = env.TSMs

	case *event.JobDeleted:
		delete(s.Jobs, p.JobID)

	case *event.JobSignal:
		// The engine raises a decision; nothing to fold.

	case *event.StepStarted:
		job, ok := s.Jobs[p.JobID]
		if !ok {
			return nil
		}
		job.StepStatus = StepRunning
		job.WaitingDecision = ""
		job.UpdatedAtMs = env.TSMs
		// Waiting -> Running re-entry keeps the open record; a fresh
		// step opens a new one.
		if rec := job.CurrentRecord(); rec == nil || rec.Name != p.Step {
			job.StepHistory = append(job.StepHistory, StepRecord{
				Name:        p.Step,
				StartedAtMs: env.TSMs,
				Outcome:     OutcomeRunning,
			})
		}

	case *event.StepCompleted:
		job, ok := s.Jobs[p.JobID]
		if !ok {
			return nil
		}
		job.StepStatus = StepCompleted
		job.WaitingDecision = ""
		job.UpdatedAtMs = env.TSMs
		if rec := job.CurrentRecord(); rec != nil && rec.Name == p.Step {
			rec.Outcome = OutcomeCompleted
			rec.FinishedAtMs = env.TSMs
		}

	case *event.StepFailed:
		job, ok := s.Jobs[p.JobID]
		if !ok {
			return nil
		}
		job.StepStatus = StepFailed
		job.WaitingDecision = ""
		job.Error = p.Error
		job.UpdatedAtMs = env.TSMs
		if rec := job.CurrentRecord(); rec != nil && rec.Name == p.Step {
			rec.Outcome = OutcomeFailed
			rec.Error = p.Error
			rec.FinishedAtMs = env.TSMs
		}

	case *event.StepWaiting:
		job, ok := s.Jobs[p.JobID]
		if !ok {
			return nil
		}
		job.StepStatus = StepWaiting
		job.WaitingDecision = p.DecisionID
		job.UpdatedAtMs = env.TSMs

	case *event.CrewCreated:
		s.Crews[p.CrewID] = &Crew{
			ID:             p.CrewID,
			Agent:          p.Agent,
			Command:        p.Command,
			Project:        p.Project,
			CWD:            p.CWD,
			RunbookHash:    p.RunbookHash,
			Vars:           p.Vars,
			Status:         CrewStarting,
			ActionAttempts: make(map[AttemptKey]int),
			CreatedAtMs:    env.TSMs,
			UpdatedAtMs:    env.TSMs,
		}

	case *event.CrewUpdated:
		crew, ok := s.Crews[p.CrewID]
		if !ok {
			return nil
		}
		if p.Status != "" {
			crew.Status = CrewStatus(p.Status)
			if crew.Status != CrewWaiting && crew.Status != CrewEscalated {
				crew.WaitingDecision = ""
			}
		}
		if p.Reason != "" {
			crew.Reason = p.Reason
		}
		if p.AgentID != "" {
			crew.AgentID = p.AgentID
		}
		crew.UpdatedAtMs = env.TSMs

	case *event.CrewDeleted:
		delete(s.Crews, p.CrewID)

	case *event.AgentSpawned:
		s.Agents[p.AgentID] = &AgentMeta{
			ID:         p.AgentID,
			Owner:      p.Owner,
			Name:       p.Name,
			SessionID:  p.SessionID,
			Runtime:    p.Runtime,
			AuthToken:  p.AuthToken,
			Condition:  "working",
			LastSeenMs: env.TSMs,
		}
		switch p.Owner.Kind {
		case event.OwnerJob:
			if job, ok := s.Jobs[p.Owner.ID]; ok {
				if rec := job.CurrentRecord(); rec != nil {
					rec.AgentID = p.AgentID
					rec.AgentName = p.Name
				}
			}
		case event.OwnerCrew:
			if crew, ok := s.Crews[p.Owner.ID]; ok {
				crew.AgentID = p.AgentID
			}
		}

	case *event.AgentSpawnFailed:
		// Terminal handling is the engine's job.

	case *event.AgentWorking:
		s.touchAgent(p.AgentID, "working", env.TSMs)

	case *event.AgentIdle:
		s.touchAgent(p.AgentID, "idle", env.TSMs)

	case *event.AgentFailed:
		s.touchAgent(p.AgentID, "failed", env.TSMs)

	case *event.AgentExited:
		if meta, ok := s.Agents[p.AgentID]; ok {
			meta.Condition = "exited"
			meta.ExitCode = p.ExitCode
			meta.LastSeenMs = env.TSMs
		}

	case *event.AgentGone:
		s.touchAgent(p.AgentID, "gone", env.TSMs)

	case *event.AgentPrompt:
		s.touchAgent(p.AgentID, "prompting", env.TSMs)

	case *event.AgentLogEntries:
		// Activity logs are written to disk, not folded.

	case *event.WorkspaceCreated:
		s.Workspaces[p.WorkspaceID] = &Workspace{
			ID:         p.WorkspaceID,
			Path:       p.Path,
			Owner:      p.Owner,
			Type:       p.Type,
			Repo:       p.Repo,
			Branch:     p.Branch,
			StartPoint: p.StartPoint,
			Status:     WorkspaceCreating,
		}

	case *event.WorkspaceReady:
		if ws, ok := s.Workspaces[p.WorkspaceID]; ok {
			ws.Status = WorkspaceReady
		}

	case *event.WorkspaceFailed:
		if ws, ok := s.Workspaces[p.WorkspaceID]; ok {
			ws.Status = WorkspaceFailed
			ws.Error = p.Error
		}

	case *event.WorkspaceDrop:
		if ws, ok := s.Workspaces[p.WorkspaceID]; ok {
			ws.Status = WorkspaceCleaning
		}

	case *event.WorkspaceDeleted:
		delete(s.Workspaces, p.WorkspaceID)

	case *event.WorkerStarted:
		key := WorkerKey(p.Project, p.Name)
		if w, ok := s.Workers[key]; ok {
			// Re-start keeps slot bookkeeping; reconciliation relinks it.
			w.Status = WorkerRunning
			w.ProjectPath = p.ProjectPath
			w.RunbookHash = p.RunbookHash
			w.Queue = p.Queue
			w.Job = p.Job
			w.Concurrency = p.Concurrency
			w.QueueKind = p.QueueKind
			w.PollMs = p.PollMs
			return nil
		}
		s.Workers[key] = &Worker{
			Name:          p.Name,
			Project:       p.Project,
			ProjectPath:   p.ProjectPath,
			RunbookHash:   p.RunbookHash,
			Queue:         p.Queue,
			Job:           p.Job,
			Concurrency:   p.Concurrency,
			Status:        WorkerRunning,
			Active:        make(map[event.Owner]bool),
			Items:         make(map[event.Owner]string),
			InflightItems: make(map[string]bool),
			QueueKind:     p.QueueKind,
			PollMs:        p.PollMs,
		}

	case *event.WorkerStopped:
		if w, ok := s.Workers[WorkerKey(p.Project, p.Name)]; ok {
			w.Status = WorkerStopped
		}

	case *event.WorkerWake, *event.WorkerPolled:
		// Dispatch decisions are the engine's job.

	case *event.WorkerTakeStarted:
		if w, ok := s.Workers[WorkerKey(p.Project, p.Name)]; ok {
			w.PendingTakes++
			w.InflightItems[p.ItemID] = true
		}

	case *event.WorkerTook:
		if w, ok := s.Workers[WorkerKey(p.Project, p.Name)]; ok {
			if w.PendingTakes > 0 {
				w.PendingTakes--
			}
			if !p.OK {
				delete(w.InflightItems, p.ItemID)
			}
		}

	case *event.WorkerDispatched:
		if w, ok := s.Workers[WorkerKey(p.Project, p.Name)]; ok {
			w.Active[p.Owner] = true
			w.Items[p.Owner] = p.ItemID
		}

	case *event.WorkerFreed:
		if w, ok := s.Workers[WorkerKey(p.Project, p.Name)]; ok {
			if item, ok := w.Items[p.Owner]; ok {
				delete(w.InflightItems, item)
			}
			delete(w.Active, p.Owner)
			delete(w.Items, p.Owner)
		}

	case *event.WorkerResized:
		if w, ok := s.Workers[WorkerKey(p.Project, p.Name)]; ok {
			w.Concurrency = p.Concurrency
		}

	case *event.QueuePushed:
		s.QueueItems[p.ItemID] = &QueueItem{
			ID:          p.ItemID,
			Queue:       p.Queue,
			Project:     p.Project,
			Data:        p.Data,
			Status:      ItemPending,
			CreatedAtMs: env.TSMs,
			UpdatedAtMs: env.TSMs,
		}

	case *event.QueueDispatched:
		if item, ok := s.QueueItems[p.ItemID]; ok {
			item.Status = ItemActive
			item.Worker = p.Worker
			item.UpdatedAtMs = env.TSMs
		}

	case *event.QueueCompleted:
		if item, ok := s.QueueItems[p.ItemID]; ok {
			item.Status = ItemCompleted
			item.Worker = ""
			item.UpdatedAtMs = env.TSMs
		}

	case *event.QueueFailed:
		if item, ok := s.QueueItems[p.ItemID]; ok {
			item.Status = ItemFailed
			item.Worker = ""
			item.Failures++
			item.UpdatedAtMs = env.TSMs
		}

	case *event.QueueRetry:
		if item, ok := s.QueueItems[p.ItemID]; ok {
			item.Status = ItemPending
			item.UpdatedAtMs = env.TSMs
		}

	case *event.QueueDead:
		if item, ok := s.QueueItems[p.ItemID]; ok {
			item.Status = ItemDead
			item.UpdatedAtMs = env.TSMs
		}

	case *event.QueueDropped:
		delete(s.QueueItems, p.ItemID)

	case *event.CronStarted:
		s.Crons[CronKey(p.Project, p.Name)] = &Cron{
			Name:        p.Name,
			Project:     p.Project,
			ProjectPath: p.ProjectPath,
			RunbookHash: p.RunbookHash,
			Schedule:    p.Schedule,
			Job:         p.Job,
			Vars:        p.Vars,
			Status:      CronRunning,
		}

	case *event.CronStopped:
		if c, ok := s.Crons[CronKey(p.Project, p.Name)]; ok {
			c.Status = CronStopped
		}

	case *event.CronFired:
		// Dispatch is the engine's job.

	case *event.DecisionCreated:
		s.Decisions[p.DecisionID] = &Decision{
			ID:          p.DecisionID,
			Owner:       p.Owner,
			AgentID:     p.AgentID,
			Source:      p.Source,
			Context:     p.Context,
			Options:     p.Options,
			Questions:   p.Questions,
			CreatedAtMs: env.TSMs,
		}
		if p.Owner.Kind == event.OwnerCrew {
			if crew, ok := s.Crews[p.Owner.ID]; ok {
				crew.WaitingDecision = p.DecisionID
			}
		}

	case *event.DecisionResolved:
		d, ok := s.Decisions[p.DecisionID]
		if !ok {
			return nil
		}
		if d.Resolved {
			return fmt.Errorf("state: decision %s already resolved", event.ShortID(p.DecisionID))
		}
		d.Resolved = true
		d.Choices = p.Choices
		d.Message = p.Message
		d.ResolvedAtMs = env.TSMs

	case *event.ActionDispatched:
		key := AttemptKey{Trigger: p.Trigger, ChainPos: p.ChainPos}
		switch p.Owner.Kind {
		case event.OwnerJob:
			if job, ok := s.Jobs[p.Owner.ID]; ok {
				job.ActionAttempts[key]++
				if p.Kind == "nudge" {
					job.LastNudgeAtMs = env.TSMs
				}
			}
		case event.OwnerCrew:
			if crew, ok := s.Crews[p.Owner.ID]; ok {
				crew.ActionAttempts[key]++
				if p.Kind == "nudge" {
					crew.LastNudgeAtMs = env.TSMs
				}
			}
		}

	case *event.ActionReset:
		switch p.Owner.Kind {
		case event.OwnerJob:
			if job, ok := s.Jobs[p.Owner.ID]; ok {
				job.ActionAttempts = make(map[AttemptKey]int)
			}
		case event.OwnerCrew:
			if crew, ok := s.Crews[p.Owner.ID]; ok {
				crew.ActionAttempts = make(map[AttemptKey]int)
			}
		}

	case *event.SessionStarted:
		s.Sessions[p.SessionID] = &Session{
			ID:          p.SessionID,
			Client:      p.Client,
			PID:         p.PID,
			StartedAtMs: env.TSMs,
		}

	case *event.SessionEnded:
		delete(s.Sessions, p.SessionID)

	case *event.TimerFired, *event.ShellExited, *event.Custom, *event.Shutdown:
		// Pure engine inputs; nothing to fold.
	}

	if env.Seq > s.AppliedSeq {
		s.AppliedSeq = env.Seq
	}
	return nil
}

func (s *State) touchAgent(agentID, condition string, ts int64) {
	if meta, ok := s.Agents[agentID]; ok {
		meta.Condition = condition
		meta.LastSeenMs = ts
	}
}

// closeOpenRecord finishes a dangling running record when the job goes
// terminal without a step completion (cancel, suspend, breaker).
func (s *State) closeOpenRecord(job *Job, ts int64) {
	rec := job.CurrentRecord()
	if rec == nil {
		return
	}
	rec.FinishedAtMs = ts
	switch job.Step {
	case StepLabelCancel:
		rec.Outcome = OutcomeCancelled
	case StepLabelFailed:
		rec.Outcome = OutcomeFailed
		rec.Error = job.Error
	default:
		rec.Outcome = OutcomeCompleted
	}
}
