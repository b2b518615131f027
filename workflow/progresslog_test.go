// ABOUTME: Tests for the NDJSON progress logger and its live.json snapshot.
// ABOUTME: Covers event append, state transitions, copy semantics, and close behavior.
package workflow

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readNDJSON(t *testing.T, dir string) []LogEntry {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, "progress.ndjson"))
	if err != nil {
		t.Fatalf("open ndjson: %v", err)
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("bad ndjson line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestProgressLoggerRecordsRun(t *testing.T) {
	dir := t.TempDir()
	pl, err := NewProgressLogger(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer pl.Close()

	now := time.Now()
	pl.HandleScheduler(SchedulerEvent{Type: EventRunStarted, RunID: "run-1", Timestamp: now})
	pl.HandleScheduler(SchedulerEvent{Type: EventStageStarted, RunID: "run-1", Stage: "metrics", Timestamp: now})
	pl.HandleProgress(ProgressEvent{Channel: "finance_ticker", Message: "Completed AAA (1/1)", Timestamp: now})
	pl.HandleScheduler(SchedulerEvent{Type: EventStageCompleted, RunID: "run-1", Stage: "metrics", Timestamp: now})
	pl.HandleScheduler(SchedulerEvent{Type: EventRunCompleted, RunID: "run-1", Timestamp: now})

	entries := readNDJSON(t, dir)
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[2].Type != "progress" || entries[2].Channel != "finance_ticker" {
		t.Errorf("progress entry = %+v", entries[2])
	}

	state := pl.State()
	if state.Status != "completed" {
		t.Errorf("status = %q, want completed", state.Status)
	}
	if len(state.Completed) != 1 || state.Completed[0] != "metrics" {
		t.Errorf("completed = %v", state.Completed)
	}
	if len(state.Active) != 0 {
		t.Errorf("active = %v, want empty", state.Active)
	}
	if state.EventCount != 5 {
		t.Errorf("event count = %d", state.EventCount)
	}
}

func TestProgressLoggerFailurePath(t *testing.T) {
	dir := t.TempDir()
	pl, err := NewProgressLogger(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer pl.Close()

	now := time.Now()
	pl.HandleScheduler(SchedulerEvent{Type: EventRunStarted, RunID: "run-2", Timestamp: now})
	pl.HandleScheduler(SchedulerEvent{Type: EventStageStarted, RunID: "run-2", Stage: "analysis", Timestamp: now})
	pl.HandleScheduler(SchedulerEvent{Type: EventStageFailed, RunID: "run-2", Stage: "analysis", Err: "boom", Timestamp: now})
	pl.HandleScheduler(SchedulerEvent{Type: EventRunFailed, RunID: "run-2", Err: "boom", Timestamp: now})

	state := pl.State()
	if state.Status != "failed" {
		t.Errorf("status = %q, want failed", state.Status)
	}
	if len(state.Failed) != 1 || state.Failed[0] != "analysis" {
		t.Errorf("failed = %v", state.Failed)
	}

	// live.json must reflect the same snapshot.
	data, err := os.ReadFile(filepath.Join(dir, "live.json"))
	if err != nil {
		t.Fatal(err)
	}
	var live LiveState
	if err := json.Unmarshal(data, &live); err != nil {
		t.Fatal(err)
	}
	if live.Status != "failed" || live.RunID != "run-2" {
		t.Errorf("live.json = %+v", live)
	}
}

func TestProgressLoggerClosedIsNoop(t *testing.T) {
	dir := t.TempDir()
	pl, err := NewProgressLogger(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := pl.Close(); err != nil {
		t.Fatal(err)
	}

	pl.HandleScheduler(SchedulerEvent{Type: EventRunStarted, RunID: "late", Timestamp: time.Now()})
	if entries := readNDJSON(t, dir); len(entries) != 0 {
		t.Errorf("entries after close = %d, want 0", len(entries))
	}
}
