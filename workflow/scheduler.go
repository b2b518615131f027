// ABOUTME: Dependency-ordered concurrent executor for workflow graphs.
// ABOUTME: Dispatches eligible stages in bounded parallel batches and merges outputs on completion.
package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of scheduler lifecycle event.
type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventRunCompleted   EventType = "run.completed"
	EventRunFailed      EventType = "run.failed"
	EventStageStarted   EventType = "stage.started"
	EventStageCompleted EventType = "stage.completed"
	EventStageFailed    EventType = "stage.failed"
)

// SchedulerEvent is a lifecycle event emitted while a graph executes.
type SchedulerEvent struct {
	Type      EventType
	RunID     string
	Stage     string
	Err       string
	Timestamp time.Time
}

// Scheduler executes workflow graphs. The zero value is not usable;
// create one with NewScheduler.
type Scheduler struct {
	maxParallel  int
	eventHandler func(SchedulerEvent)
}

// SchedulerOption is a functional option for configuring a Scheduler.
type SchedulerOption func(*Scheduler)

// WithMaxParallel bounds how many stages may execute concurrently.
// Values below one are ignored.
func WithMaxParallel(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxParallel = n
		}
	}
}

// WithEventHandler registers a callback receiving scheduler lifecycle
// events. The callback runs on scheduler goroutines and must not block.
func WithEventHandler(fn func(SchedulerEvent)) SchedulerOption {
	return func(s *Scheduler) {
		s.eventHandler = fn
	}
}

// NewScheduler creates a Scheduler. Defaults: maxParallel 8, no event handler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{maxParallel: 8}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// stageOutcome carries one stage's result back to the scheduling loop.
type stageOutcome struct {
	stage   *Stage
	outputs map[string]any
	err     error
}

// Run executes the graph to completion. Eligible stages (all input
// slots present) run concurrently up to the parallelism bound; each
// completed stage's outputs are committed atomically before the next
// eligibility pass. The returned State holds every committed slot.
//
// A stage error (or panic, converted to an error) aborts the run: the
// remaining in-flight stages are cancelled through the derived context
// and the first error is returned. Per-item failures contained inside a
// stage via RunPool never reach this level.
func (s *Scheduler) Run(ctx context.Context, graph *Graph, initial map[string]any) (*State, error) {
	if graph == nil {
		return nil, fmt.Errorf("nil graph")
	}

	runID := uuid.NewString()
	state := NewState(initial)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.emit(SchedulerEvent{Type: EventRunStarted, RunID: runID})

	pending := make(map[string]*Stage, len(graph.Stages()))
	for _, st := range graph.Stages() {
		pending[st.Name] = st
	}

	sem := make(chan struct{}, s.maxParallel)
	outcomes := make(chan stageOutcome)
	running := 0
	var firstErr error

	for len(pending) > 0 || running > 0 {
		// Dispatch every pending stage whose inputs are all present.
		// Outputs are only committed in this loop, so eligibility is
		// stable between passes.
		if firstErr == nil {
			for name, st := range pending {
				if !state.Has(st.Inputs...) {
					continue
				}
				delete(pending, name)
				running++
				s.emit(SchedulerEvent{Type: EventStageStarted, RunID: runID, Stage: st.Name})
				go func(st *Stage) {
					sem <- struct{}{}
					defer func() { <-sem }()
					outputs, err := safeRun(runCtx, st, state)
					outcomes <- stageOutcome{stage: st, outputs: outputs, err: err}
				}(st)
			}
		}

		if running == 0 {
			if firstErr != nil {
				break
			}
			// Pending stages remain but nothing is running and nothing
			// is eligible. NewGraph validation makes this unreachable
			// unless a promised initial slot was never provided.
			var stuck []string
			for name := range pending {
				stuck = append(stuck, name)
			}
			firstErr = fmt.Errorf("workflow stalled: stages %v have unsatisfied inputs", stuck)
			break
		}

		select {
		case <-ctx.Done():
			cancel()
			// Drain in-flight stages so none outlive the run.
			for running > 0 {
				<-outcomes
				running--
			}
			s.emit(SchedulerEvent{Type: EventRunFailed, RunID: runID, Err: ctx.Err().Error()})
			return state, ctx.Err()
		case oc := <-outcomes:
			running--
			if oc.err != nil {
				s.emit(SchedulerEvent{Type: EventStageFailed, RunID: runID, Stage: oc.stage.Name, Err: oc.err.Error()})
				if firstErr == nil {
					firstErr = fmt.Errorf("stage %q: %w", oc.stage.Name, oc.err)
					cancel()
				}
				continue
			}
			state.Commit(filterOutputs(oc.stage, oc.outputs))
			s.emit(SchedulerEvent{Type: EventStageCompleted, RunID: runID, Stage: oc.stage.Name})
		}
	}

	if firstErr != nil {
		s.emit(SchedulerEvent{Type: EventRunFailed, RunID: runID, Err: firstErr.Error()})
		return state, firstErr
	}

	s.emit(SchedulerEvent{Type: EventRunCompleted, RunID: runID})
	return state, nil
}

// filterOutputs restricts a stage's returned map to its declared output
// slots, so an undeclared write can never race another stage's slot.
func filterOutputs(st *Stage, outputs map[string]any) map[string]any {
	filtered := make(map[string]any, len(st.Outputs))
	for _, name := range st.Outputs {
		if v, ok := outputs[name]; ok {
			filtered[name] = v
		}
	}
	return filtered
}

// safeRun invokes a stage body with panic recovery, converting panics
// into errors so one misbehaving stage cannot crash the process.
func safeRun(ctx context.Context, st *Stage, state *State) (outputs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = fmt.Errorf("stage panic: %v\n%s", r, debug.Stack())
		}
	}()
	return st.Run(ctx, state)
}

func (s *Scheduler) emit(evt SchedulerEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if s.eventHandler != nil {
		s.eventHandler(evt)
	}
}
