// ABOUTME: Append-only NDJSON log of scheduler and progress events for run observability.
// ABOUTME: Maintains a live.json snapshot external tools can poll for current run status.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogEntry is a JSON-serializable record written as one line of the NDJSON log.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	RunID     string `json:"run_id,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Message   string `json:"message,omitempty"`
	Err       string `json:"error,omitempty"`
}

// LiveState is the current run snapshot written to live.json after each event.
type LiveState struct {
	Status     string   `json:"status"`
	RunID      string   `json:"run_id"`
	Active     []string `json:"active"`
	Completed  []string `json:"completed"`
	Failed     []string `json:"failed"`
	StartedAt  string   `json:"started_at"`
	UpdatedAt  string   `json:"updated_at"`
	EventCount int      `json:"event_count"`
}

// ProgressLogger writes workflow events to an append-only NDJSON file
// and keeps a live.json snapshot alongside it. HandleScheduler matches
// the Scheduler event handler signature; HandleProgress can be fed from
// an Emitter subscription.
type ProgressLogger struct {
	dir         string
	file        *os.File
	state       LiveState
	mu          sync.Mutex
	closed      bool
	WriteErrors int
}

// NewProgressLogger opens progress.ndjson for appending in dir and
// writes an initial pending live.json.
func NewProgressLogger(dir string) (*ProgressLogger, error) {
	f, err := os.OpenFile(filepath.Join(dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	pl := &ProgressLogger{
		dir:  dir,
		file: f,
		state: LiveState{
			Status:    "pending",
			Active:    []string{},
			Completed: []string{},
			Failed:    []string{},
		},
	}
	if err := pl.writeLiveJSON(); err != nil {
		f.Close()
		return nil, err
	}
	return pl, nil
}

// HandleScheduler records a scheduler lifecycle event and updates the
// live snapshot. Wire it via WithEventHandler.
func (p *ProgressLogger) HandleScheduler(evt SchedulerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	ts := evt.Timestamp.UTC().Format(time.RFC3339)
	p.appendLocked(LogEntry{
		Timestamp: ts,
		Type:      string(evt.Type),
		RunID:     evt.RunID,
		Stage:     evt.Stage,
		Err:       evt.Err,
	})

	switch evt.Type {
	case EventRunStarted:
		p.state.Status = "running"
		p.state.RunID = evt.RunID
		p.state.StartedAt = ts
	case EventStageStarted:
		p.state.Active = append(p.state.Active, evt.Stage)
	case EventStageCompleted:
		p.state.Active = removeString(p.state.Active, evt.Stage)
		p.state.Completed = append(p.state.Completed, evt.Stage)
	case EventStageFailed:
		p.state.Active = removeString(p.state.Active, evt.Stage)
		p.state.Failed = append(p.state.Failed, evt.Stage)
	case EventRunCompleted:
		p.state.Status = "completed"
	case EventRunFailed:
		p.state.Status = "failed"
	}

	p.finishLocked()
}

// HandleProgress records one per-item progress event.
func (p *ProgressLogger) HandleProgress(evt ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.appendLocked(LogEntry{
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339),
		Type:      "progress",
		Channel:   evt.Channel,
		Message:   evt.Message,
	})
	p.finishLocked()
}

// appendLocked writes one NDJSON line, best-effort. Caller holds p.mu.
func (p *ProgressLogger) appendLocked(entry LogEntry) {
	line, err := json.Marshal(entry)
	if err != nil {
		p.WriteErrors++
		fmt.Fprintf(os.Stderr, "[progress] marshal error: %v\n", err)
		return
	}
	line = append(line, '\n')
	if _, err := p.file.Write(line); err != nil {
		p.WriteErrors++
		fmt.Fprintf(os.Stderr, "[progress] write error: %v\n", err)
	}
}

// finishLocked bumps counters and rewrites live.json. Caller holds p.mu.
func (p *ProgressLogger) finishLocked() {
	p.state.EventCount++
	p.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := p.writeLiveJSON(); err != nil {
		fmt.Fprintf(os.Stderr, "[progress] live.json write error: %v\n", err)
	}
}

// State returns a copy of the current live snapshot.
func (p *ProgressLogger) State() LiveState {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := p.state
	cp.Active = append([]string(nil), p.state.Active...)
	cp.Completed = append([]string(nil), p.state.Completed...)
	cp.Failed = append([]string(nil), p.state.Failed...)
	return cp
}

// Close closes the NDJSON file. Afterwards both handlers become no-ops.
func (p *ProgressLogger) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.file.Close()
}

// writeLiveJSON atomically rewrites live.json. Caller must hold p.mu.
func (p *ProgressLogger) writeLiveJSON() error {
	return writeJSONAtomic(filepath.Join(p.dir, "live.json"), p.state)
}

// writeJSONAtomic writes v as JSON to path via a temp file and rename,
// so readers never observe a partially-written snapshot.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// removeString returns s without the first occurrence of v.
func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
