package listener

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/state"
	v1 "github.com/oddjobs/oddjobs/pkg/api/v1"
)

// query serves read-only snapshots of the materialized state.
func (l *Listener) query(ctx context.Context, req v1.Request) v1.Response {
	st := l.engine.State()

	switch req.Scope {
	case v1.QueryStatus:
		st.RLock()
		defer st.RUnlock()
		overview := v1.StatusOverview{
			Jobs:       len(st.Jobs),
			Crews:      len(st.Crews),
			Agents:     len(st.Agents),
			Workers:    len(st.Workers),
			Crons:      len(st.Crons),
			QueueItems: len(st.QueueItems),
			Sessions:   len(st.Sessions),
			AppliedSeq: st.AppliedSeq,
		}
		for _, job := range st.Jobs {
			if !job.Terminal() {
				overview.ActiveJobs++
			}
		}
		for _, meta := range st.Agents {
			if meta.Live() {
				overview.LiveAgents++
			}
		}
		for _, d := range st.Decisions {
			if !d.Resolved {
				overview.Decisions++
			}
		}
		return v1.OKResponse(overview)

	case v1.QueryJobs:
		st.RLock()
		defer st.RUnlock()
		jobs := make([]*state.Job, 0, len(st.Jobs))
		for _, job := range st.Jobs {
			if req.Project != "" && job.Project != req.Project {
				continue
			}
			jobs = append(jobs, job)
		}
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAtMs > jobs[j].CreatedAtMs })
		return v1.OKResponse(jobs)

	case v1.QueryJob:
		st.RLock()
		defer st.RUnlock()
		job, ok := st.Jobs[req.ID]
		if !ok {
			return v1.ErrorResponse(fmt.Sprintf("unknown job %s", event.ShortID(req.ID)))
		}
		return v1.OKResponse(job)

	case v1.QueryCrews:
		st.RLock()
		defer st.RUnlock()
		crews := make([]*state.Crew, 0, len(st.Crews))
		for _, crew := range st.Crews {
			if req.Project != "" && crew.Project != req.Project {
				continue
			}
			crews = append(crews, crew)
		}
		sort.Slice(crews, func(i, j int) bool { return crews[i].CreatedAtMs > crews[j].CreatedAtMs })
		return v1.OKResponse(crews)

	case v1.QueryAgents:
		st.RLock()
		defer st.RUnlock()
		agents := make([]*state.AgentMeta, 0, len(st.Agents))
		for _, meta := range st.Agents {
			agents = append(agents, meta)
		}
		sort.Slice(agents, func(i, j int) bool { return agents[i].LastSeenMs > agents[j].LastSeenMs })
		return v1.OKResponse(agents)

	case v1.QueryWorkspaces:
		st.RLock()
		defer st.RUnlock()
		workspaces := make([]*state.Workspace, 0, len(st.Workspaces))
		for _, ws := range st.Workspaces {
			workspaces = append(workspaces, ws)
		}
		sort.Slice(workspaces, func(i, j int) bool { return workspaces[i].ID < workspaces[j].ID })
		return v1.OKResponse(workspaces)

	case v1.QuerySessions:
		st.RLock()
		defer st.RUnlock()
		sessions := make([]*state.Session, 0, len(st.Sessions))
		for _, s := range st.Sessions {
			sessions = append(sessions, s)
		}
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAtMs > sessions[j].StartedAtMs })
		return v1.OKResponse(sessions)

	case v1.QueryWorkers:
		st.RLock()
		defer st.RUnlock()
		workers := make([]*state.Worker, 0, len(st.Workers))
		for _, w := range st.Workers {
			if req.Project != "" && w.Project != req.Project {
				continue
			}
			workers = append(workers, w)
		}
		sort.Slice(workers, func(i, j int) bool { return workers[i].Key() < workers[j].Key() })
		return v1.OKResponse(workers)

	case v1.QueryCrons:
		st.RLock()
		defer st.RUnlock()
		crons := make([]*state.Cron, 0, len(st.Crons))
		for _, c := range st.Crons {
			if req.Project != "" && c.Project != req.Project {
				continue
			}
			crons = append(crons, c)
		}
		sort.Slice(crons, func(i, j int) bool { return crons[i].Key() < crons[j].Key() })
		return v1.OKResponse(crons)

	case v1.QueryQueues:
		st.RLock()
		defer st.RUnlock()
		items := make([]*state.QueueItem, 0, len(st.QueueItems))
		for _, item := range st.QueueItems {
			if req.Project != "" && item.Project != req.Project {
				continue
			}
			if req.Queue != "" && item.Queue != req.Queue {
				continue
			}
			items = append(items, item)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].CreatedAtMs < items[j].CreatedAtMs })
		return v1.OKResponse(items)

	case v1.QueryDecisions:
		st.RLock()
		defer st.RUnlock()
		decisions := make([]*state.Decision, 0, len(st.Decisions))
		for _, d := range st.Decisions {
			if !req.All && d.Resolved {
				continue
			}
			decisions = append(decisions, d)
		}
		sort.Slice(decisions, func(i, j int) bool { return decisions[i].CreatedAtMs < decisions[j].CreatedAtMs })
		return v1.OKResponse(decisions)

	case v1.QueryOrphans:
		return l.queryOrphans()

	case v1.QueryProjects:
		st.RLock()
		defer st.RUnlock()
		seen := make(map[string]bool)
		for _, job := range st.Jobs {
			seen[job.Project] = true
		}
		for _, crew := range st.Crews {
			seen[crew.Project] = true
		}
		for _, w := range st.Workers {
			seen[w.Project] = true
		}
		projects := make([]string, 0, len(seen))
		for p := range seen {
			projects = append(projects, p)
		}
		sort.Strings(projects)
		return v1.OKResponse(projects)

	case v1.QueryLogs:
		return l.queryLogs(req)

	case v1.QueryHistory:
		if l.archive == nil {
			return v1.ErrorResponse("archive is disabled")
		}
		entries, err := l.archive.History(ctx, req.Project, 200)
		if err != nil {
			return v1.ErrorResponse(err.Error())
		}
		return v1.OKResponse(entries)
	}

	return v1.ErrorResponse(fmt.Sprintf("unknown query scope %q", req.Scope))
}

// orphanView is a job whose current agent step has no live agent.
type orphanView struct {
	JobID  string `json:"job_id"`
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

func (l *Listener) queryOrphans() v1.Response {
	st := l.engine.State()
	st.RLock()
	defer st.RUnlock()

	var orphans []orphanView
	for _, job := range st.Jobs {
		if job.Terminal() {
			continue
		}
		rec := job.CurrentRecord()
		if rec == nil || rec.AgentName == "" {
			continue
		}
		if rec.AgentID == "" {
			orphans = append(orphans, orphanView{JobID: job.ID, Step: job.Step, Reason: "no agent recorded"})
			continue
		}
		if meta, ok := st.Agents[rec.AgentID]; !ok || !meta.Live() {
			orphans = append(orphans, orphanView{JobID: job.ID, Step: job.Step, Reason: "agent not running"})
		}
	}
	return v1.OKResponse(orphans)
}

func (l *Listener) queryLogs(req v1.Request) v1.Response {
	if l.logDir == "" {
		return v1.ErrorResponse("activity logs are not configured")
	}
	if req.ID == "" {
		return v1.ErrorResponse("a job id is required")
	}
	dir := filepath.Join(l.logDir, "job", req.ID, "step")
	if req.Step != "" {
		data, err := os.ReadFile(filepath.Join(dir, req.Step+".log"))
		if err != nil {
			return v1.ErrorResponse(fmt.Sprintf("no log for step %q", req.Step))
		}
		return v1.OKResponse(map[string]string{req.Step: string(data)})
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return v1.ErrorResponse(fmt.Sprintf("no logs for job %s", event.ShortID(req.ID)))
	}
	logs := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		logs[e.Name()] = string(data)
	}
	return v1.OKResponse(logs)
}
