package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oddjobs/oddjobs/internal/event"
)

func appendJob(t *testing.T, l *Log, jobID string) uint64 {
	t.Helper()
	seq, err := l.Append(event.New(event.TypeJobCreated, &event.JobCreated{JobID: jobID}))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return seq
}

func readAll(t *testing.T, l *Log, from uint64) []event.Envelope {
	t.Helper()
	var envs []event.Envelope
	if err := l.ReadFrom(from, func(env event.Envelope) error {
		envs = append(envs, env)
		return nil
	}); err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	return envs
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	l, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	for i := 1; i <= 5; i++ {
		seq := appendJob(t, l, "job-1")
		if seq != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, seq)
		}
	}
	if l.LastSeq() != 5 {
		t.Errorf("expected LastSeq 5, got %d", l.LastSeq())
	}
}

func TestReadFromSkipsEarlierRecords(t *testing.T) {
	l, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	for i := 0; i < 10; i++ {
		appendJob(t, l, "job")
	}
	envs := readAll(t, l, 7)
	if len(envs) != 4 {
		t.Fatalf("expected 4 records from seq 7, got %d", len(envs))
	}
	if envs[0].Seq != 7 {
		t.Errorf("expected first seq 7, got %d", envs[0].Seq)
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	appendJob(t, l, "a")
	appendJob(t, l, "b")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	l2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()
	if seq := appendJob(t, l2, "c"); seq != 3 {
		t.Errorf("expected seq 3 after reopen, got %d", seq)
	}
	if got := len(readAll(t, l2, 0)); got != 3 {
		t.Errorf("expected 3 records, got %d", got)
	}
}

func TestTornTailIsDiscardedOnOpen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	appendJob(t, l, "a")
	appendJob(t, l, "b")
	l.Close()

	// Tear the final record.
	segs, err := listSegments(dir)
	if err != nil || len(segs) != 1 {
		t.Fatalf("expected one segment, got %v (%v)", segs, err)
	}
	path := filepath.Join(dir, segmentName(segs[0]))
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	l2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen with torn tail failed: %v", err)
	}
	defer l2.Close()

	envs := readAll(t, l2, 0)
	if len(envs) != 1 {
		t.Fatalf("expected 1 surviving record, got %d", len(envs))
	}
	// The torn seq is reused.
	if seq := appendJob(t, l2, "b2"); seq != 2 {
		t.Errorf("expected seq 2 after torn tail, got %d", seq)
	}
}

func TestBatchAppendsInOrder(t *testing.T) {
	l, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	batch := []event.Envelope{
		event.New(event.TypeJobCreated, &event.JobCreated{JobID: "x"}),
		event.New(event.TypeJobAdvanced, &event.JobAdvanced{JobID: "x", Step: "build"}),
		event.New(event.TypeJobDeleted, &event.JobDeleted{JobID: "x"}),
	}
	seqs, err := l.AppendBatch(batch)
	if err != nil {
		t.Fatalf("AppendBatch failed: %v", err)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Fatalf("unexpected seqs: %v", seqs)
	}
	envs := readAll(t, l, 0)
	if envs[1].Type != event.TypeJobAdvanced {
		t.Errorf("expected ordered types, got %s", envs[1].Type)
	}
}

func TestSegmentRotationAndTruncate(t *testing.T) {
	dir := t.TempDir()
	// Tiny limit forces a rotation per record or two.
	l, err := Open(dir, Options{SegmentLimit: 64})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 6; i++ {
		appendJob(t, l, "job")
	}

	segs, _ := listSegments(dir)
	if len(segs) < 2 {
		t.Fatalf("expected rotation, got %d segments", len(segs))
	}

	if err := l.TruncateTo(4); err != nil {
		t.Fatalf("TruncateTo failed: %v", err)
	}
	envs := readAll(t, l, 0)
	for _, env := range envs {
		if env.Seq > 6 {
			t.Errorf("unexpected seq %d", env.Seq)
		}
	}
	// Everything from seq 5 must survive compaction.
	later := readAll(t, l, 5)
	if len(later) != 2 {
		t.Errorf("expected records 5..6 to survive, got %d", len(later))
	}
	l.Close()

	// Replay still works after compaction.
	l2, err := Open(dir, Options{SegmentLimit: 64})
	if err != nil {
		t.Fatalf("reopen after truncate failed: %v", err)
	}
	defer l2.Close()
	if seq := appendJob(t, l2, "next"); seq != 7 {
		t.Errorf("expected seq 7, got %d", seq)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	l, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	l.Close()
	if _, err := l.Append(event.New(event.TypeCustom, &event.Custom{Name: "x"})); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
