package runbook

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New()

// Validate checks structural and referential integrity of a runbook.
// The front-end validates before handing structures to the daemon, and
// the daemon's listener re-validates before it emits RunbookLoaded so a
// bad client cannot wedge replay.
func (r *Runbook) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("runbook %s: %w", r.Project, err)
	}

	for name, job := range r.Jobs {
		seen := make(map[string]bool, len(job.Steps))
		for _, step := range job.Steps {
			if seen[step.Name] {
				return fmt.Errorf("job %q: duplicate step %q", name, step.Name)
			}
			seen[step.Name] = true
			if (step.Shell == "") == (step.Agent == "") {
				return fmt.Errorf("job %q step %q: exactly one of shell or agent required", name, step.Name)
			}
			if step.Agent != "" {
				if _, ok := r.Agents[step.Agent]; !ok {
					return fmt.Errorf("job %q step %q: unknown agent %q", name, step.Name, step.Agent)
				}
			}
		}
		for _, target := range []string{job.OnDone, job.OnFail, job.OnCancel} {
			if err := checkTarget(job, target); err != nil {
				return fmt.Errorf("job %q: %w", name, err)
			}
		}
		for _, step := range job.Steps {
			for _, target := range []string{step.OnDone, step.OnFail, step.OnCancel} {
				if err := checkTarget(job, target); err != nil {
					return fmt.Errorf("job %q step %q: %w", name, step.Name, err)
				}
			}
		}
	}

	for name, w := range r.Workers {
		if _, ok := r.Queues[w.Queue]; !ok {
			return fmt.Errorf("worker %q: unknown queue %q", name, w.Queue)
		}
		if _, ok := r.Jobs[w.Job]; !ok {
			return fmt.Errorf("worker %q: unknown job %q", name, w.Job)
		}
	}

	for name, q := range r.Queues {
		if q.Kind == QueueExternal && (q.List == "" || q.Take == "") {
			return fmt.Errorf("queue %q: external queues require list and take commands", name)
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for name, c := range r.Crons {
		if _, err := parser.Parse(c.Schedule); err != nil {
			return fmt.Errorf("cron %q: invalid schedule %q: %w", name, c.Schedule, err)
		}
		if _, ok := r.Jobs[c.Job]; !ok {
			return fmt.Errorf("cron %q: unknown job %q", name, c.Job)
		}
	}

	for name, c := range r.Commands {
		if (c.Job == "") == (c.Agent == "") {
			return fmt.Errorf("command %q: exactly one of job or agent required", name)
		}
		if c.Job != "" {
			if _, ok := r.Jobs[c.Job]; !ok {
				return fmt.Errorf("command %q: unknown job %q", name, c.Job)
			}
		}
		if c.Agent != "" {
			if _, ok := r.Agents[c.Agent]; !ok {
				return fmt.Errorf("command %q: unknown agent %q", name, c.Agent)
			}
		}
	}

	return nil
}

// Step returns a job's step by name.
func (j *JobDef) Step(name string) (*StepDef, bool) {
	for i := range j.Steps {
		if j.Steps[i].Name == name {
			return &j.Steps[i], true
		}
	}
	return nil, false
}

// FirstStep returns the job's entry step.
func (j *JobDef) FirstStep() *StepDef {
	if len(j.Steps) == 0 {
		return nil
	}
	return &j.Steps[0]
}

// checkTarget verifies a routing target names a step or a terminal label.
func checkTarget(job JobDef, target string) error {
	switch target {
	case "", "done", "failed", "cancelled", "suspended":
		return nil
	}
	if _, ok := job.Step(target); !ok {
		return fmt.Errorf("unknown routing target %q", target)
	}
	return nil
}
