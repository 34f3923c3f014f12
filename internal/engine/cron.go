package engine

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/scheduler"
	"github.com/oddjobs/oddjobs/internal/state"
)

// cronParser accepts the standard five-field syntax.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronTimer builds the timer id for a cron registration.
func cronTimer(name, project string) string {
	return scheduler.PrefixCron + name + ":" + project
}

// armCron schedules the next firing of a cron entry.
func (e *Engine) armCron(c *state.Cron) []Effect {
	sched, err := cronParser.Parse(c.Schedule)
	if err != nil {
		e.logger.Warn("invalid cron schedule",
			zap.String("cron", c.Key()),
			zap.String("schedule", c.Schedule),
			zap.Error(err))
		return nil
	}
	now := time.Now()
	next := sched.Next(now)
	return []Effect{SetTimer{
		ID:       cronTimer(c.Name, c.Project),
		Duration: next.Sub(now),
	}}
}

func (e *Engine) onCronStarted(p *event.CronStarted) []Effect {
	c, ok := e.st.Crons[state.CronKey(p.Project, p.Name)]
	if !ok {
		return nil
	}
	return e.armCron(c)
}

func (e *Engine) onCronStopped(p *event.CronStopped) []Effect {
	return []Effect{CancelTimer{ID: cronTimer(p.Name, p.Project)}}
}

func (e *Engine) onCronTimerFired(id string) []Effect {
	rest := strings.TrimPrefix(id, scheduler.PrefixCron)
	name, project, ok := strings.Cut(rest, ":")
	if !ok {
		return nil
	}
	c, exists := e.st.Crons[state.CronKey(project, name)]
	if !exists || c.Status != state.CronRunning {
		return nil
	}
	effects := []Effect{emitEvent(event.TypeCronFired, &event.CronFired{
		Name: name, Project: project,
	})}
	return append(effects, e.armCron(c)...)
}

func (e *Engine) onCronFired(p *event.CronFired) []Effect {
	c, ok := e.st.Crons[state.CronKey(p.Project, p.Name)]
	if !ok || c.Status != state.CronRunning {
		return nil
	}
	jobID := uuid.New().String()
	return []Effect{emitEvent(event.TypeJobCreated, &event.JobCreated{
		JobID:       jobID,
		Kind:        c.Job,
		Name:        c.Name + "-" + event.ShortID(jobID),
		Project:     c.Project,
		RunbookHash: c.RunbookHash,
		CWD:         c.ProjectPath,
		Vars:        c.Vars,
	})}
}
