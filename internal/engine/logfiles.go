package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/state"
)

// Breadcrumb is the per-job crash marker written on step transitions
// and removed on terminal. The reconciler cross-checks breadcrumbs
// against replayed state to spot orphaned work.
type Breadcrumb struct {
	JobID       string `json:"job_id"`
	Kind        string `json:"kind"`
	Step        string `json:"step"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// Breadcrumbs manages the breadcrumb directory.
type Breadcrumbs struct {
	dir    string
	logger *logger.Logger
}

// NewBreadcrumbs creates the breadcrumb store.
func NewBreadcrumbs(dir string, log *logger.Logger) (*Breadcrumbs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("breadcrumbs: create dir: %w", err)
	}
	return &Breadcrumbs{dir: dir, logger: log.WithComponent("breadcrumbs")}, nil
}

// Write records (or refreshes) a job's breadcrumb. Best-effort.
func (b *Breadcrumbs) Write(job *state.Job) {
	crumb := Breadcrumb{
		JobID:       job.ID,
		Kind:        job.Kind,
		Step:        job.Step,
		UpdatedAtMs: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(crumb)
	if err != nil {
		return
	}
	path := filepath.Join(b.dir, job.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		b.logger.Warn("breadcrumb write failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Remove deletes a job's breadcrumb. Best-effort.
func (b *Breadcrumbs) Remove(jobID string) {
	if err := os.Remove(filepath.Join(b.dir, jobID+".json")); err != nil && !os.IsNotExist(err) {
		b.logger.Warn("breadcrumb remove failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// List returns every breadcrumb on disk.
func (b *Breadcrumbs) List() []Breadcrumb {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil
	}
	var crumbs []Breadcrumb
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, e.Name()))
		if err != nil {
			continue
		}
		var crumb Breadcrumb
		if json.Unmarshal(data, &crumb) == nil {
			crumbs = append(crumbs, crumb)
		}
	}
	return crumbs
}

// ActivityLog writes the append-only human-readable text logs. Never
// read by the engine.
type ActivityLog struct {
	dir    string
	logger *logger.Logger
}

// NewActivityLog creates the activity log root.
func NewActivityLog(dir string, log *logger.Logger) (*ActivityLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("activity log: create dir: %w", err)
	}
	return &ActivityLog{dir: dir, logger: log.WithComponent("activity-log")}, nil
}

// AppendJob writes one line to a job step's activity log.
func (a *ActivityLog) AppendJob(jobID, step, line string) {
	dir := filepath.Join(a.dir, "job", jobID, "step")
	a.append(filepath.Join(dir, sanitize(step)+".log"), line)
}

// AppendAgent writes one line to an agent's activity log.
func (a *ActivityLog) AppendAgent(agentID, line string) {
	a.append(filepath.Join(a.dir, "agent", agentID, "activity.log"), line)
}

// CaptureAgent stores a terminal capture or transcript for an agent.
func (a *ActivityLog) CaptureAgent(agentID, name, content string) {
	dir := filepath.Join(a.dir, "agent", agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(dir, sanitize(name)), []byte(content), 0o644); err != nil {
		a.logger.Warn("agent capture write failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (a *ActivityLog) append(path, line string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.logger.Warn("activity log open failed", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()
	stamp := time.Now().Format(time.RFC3339)
	fmt.Fprintf(f, "%s %s\n", stamp, line)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '-'
		}
		return r
	}, name)
}
