package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/oddjobs/oddjobs/internal/event"
	"github.com/oddjobs/oddjobs/internal/runbook"
)

const snapshotSuffix = ".json"

// SaveSnapshot writes the projection to dir as <applied_seq>.json.
// The write goes through a temp file and rename so a crash never
// leaves a torn snapshot behind.
func (s *State) SaveSnapshot(dir string) (string, error) {
	s.mu.RLock()
	data, err := json.Marshal(s)
	seq := s.AppliedSeq
	s.mu.RUnlock()
	if err != nil {
		return "", fmt.Errorf("state: marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("state: create snapshot dir: %w", err)
	}
	final := filepath.Join(dir, fmt.Sprintf("%020d%s", seq, snapshotSuffix))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("state: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("state: rename snapshot: %w", err)
	}
	return final, nil
}

// LoadLatestSnapshot loads the newest valid snapshot in dir into a
// fresh state. Returns (nil, 0, nil) when no snapshot exists; corrupt
// snapshots are skipped in favor of older ones.
func LoadLatestSnapshot(dir string) (*State, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("state: read snapshot dir: %w", err)
	}

	var seqs []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, snapshotSuffix), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })

	for _, seq := range seqs {
		path := filepath.Join(dir, fmt.Sprintf("%020d%s", seq, snapshotSuffix))
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		st := New()
		if err := json.Unmarshal(data, st); err != nil {
			continue
		}
		if st.AppliedSeq != seq {
			// A snapshot that disagrees with its filename is suspect.
			return nil, 0, fmt.Errorf("state: snapshot %s claims seq %d", path, st.AppliedSeq)
		}
		st.normalize()
		return st, seq, nil
	}
	return nil, 0, nil
}

// normalize re-creates maps JSON decoding may have left nil so Apply
// can mutate them unconditionally.
func (s *State) normalize() {
	if s.Jobs == nil {
		s.Jobs = make(map[string]*Job)
	}
	if s.Crews == nil {
		s.Crews = make(map[string]*Crew)
	}
	if s.Workspaces == nil {
		s.Workspaces = make(map[string]*Workspace)
	}
	if s.Workers == nil {
		s.Workers = make(map[string]*Worker)
	}
	if s.QueueItems == nil {
		s.QueueItems = make(map[string]*QueueItem)
	}
	if s.Decisions == nil {
		s.Decisions = make(map[string]*Decision)
	}
	if s.Agents == nil {
		s.Agents = make(map[string]*AgentMeta)
	}
	if s.Sessions == nil {
		s.Sessions = make(map[string]*Session)
	}
	if s.Crons == nil {
		s.Crons = make(map[string]*Cron)
	}
	if s.Runbooks == nil {
		s.Runbooks = make(map[string]*runbook.Runbook)
	}
	for _, j := range s.Jobs {
		if j.StepVisits == nil {
			j.StepVisits = make(map[string]int)
		}
		if j.ActionAttempts == nil {
			j.ActionAttempts = make(map[AttemptKey]int)
		}
	}
	for _, c := range s.Crews {
		if c.ActionAttempts == nil {
			c.ActionAttempts = make(map[AttemptKey]int)
		}
	}
	for _, w := range s.Workers {
		if w.Active == nil {
			w.Active = make(map[event.Owner]bool)
		}
		if w.Items == nil {
			w.Items = make(map[event.Owner]string)
		}
		if w.InflightItems == nil {
			w.InflightItems = make(map[string]bool)
		}
	}
}
