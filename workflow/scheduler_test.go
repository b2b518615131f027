// ABOUTME: Tests for the graph scheduler: fan-out/fan-in ordering, atomic merges,
// ABOUTME: abort-on-failure semantics, panic recovery, and lifecycle event emission.
package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// eventRecorder collects scheduler events in emission order.
type eventRecorder struct {
	mu     sync.Mutex
	events []SchedulerEvent
}

func (r *eventRecorder) handle(evt SchedulerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]EventType, len(r.events))
	for i, evt := range r.events {
		types[i] = evt.Type
	}
	return types
}

func TestSchedulerRunsChain(t *testing.T) {
	graph, err := NewGraph([]*Stage{
		{
			Name:    "first",
			Outputs: []string{"a"},
			Run: func(ctx context.Context, state *State) (map[string]any, error) {
				return map[string]any{"a": 1}, nil
			},
		},
		{
			Name:   "second",
			Inputs: []string{"a"},

			Outputs: []string{"b"},
			Run: func(ctx context.Context, state *State) (map[string]any, error) {
				a, ok := Slot[int](state, "a")
				if !ok {
					t.Error("second ran without slot a committed")
				}
				return map[string]any{"b": a + 1}, nil
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	state, err := NewScheduler().Run(context.Background(), graph, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b, _ := Slot[int](state, "b"); b != 2 {
		t.Errorf("b = %d, want 2", b)
	}
}

func TestSchedulerFanInWaitsForAllPredecessors(t *testing.T) {
	// Every interleaving of A and B completing must leave both outputs
	// committed before S starts. Alternate which side is slow.
	for iter := 0; iter < 20; iter++ {
		slowA := iter%2 == 0

		var sStartedEarly atomic.Bool
		graph, err := NewGraph([]*Stage{
			{
				Name:    "a",
				Outputs: []string{"a_out"},
				Run: func(ctx context.Context, state *State) (map[string]any, error) {
					if slowA {
						time.Sleep(3 * time.Millisecond)
					}
					return map[string]any{"a_out": "A"}, nil
				},
			},
			{
				Name:    "b",
				Outputs: []string{"b_out"},
				Run: func(ctx context.Context, state *State) (map[string]any, error) {
					if !slowA {
						time.Sleep(3 * time.Millisecond)
					}
					return map[string]any{"b_out": "B"}, nil
				},
			},
			{
				Name:    "s",
				Inputs:  []string{"a_out", "b_out"},
				Outputs: []string{"s_out"},
				Run: func(ctx context.Context, state *State) (map[string]any, error) {
					if !state.Has("a_out", "b_out") {
						sStartedEarly.Store(true)
					}
					return map[string]any{"s_out": "S"}, nil
				},
			},
		})
		if err != nil {
			t.Fatal(err)
		}

		if _, err := NewScheduler().Run(context.Background(), graph, nil); err != nil {
			t.Fatalf("iteration %d: %v", iter, err)
		}
		if sStartedEarly.Load() {
			t.Fatalf("iteration %d: fan-in stage started before both predecessors committed", iter)
		}
	}
}

func TestSchedulerFanOutRunsConcurrently(t *testing.T) {
	release := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(2)

	mk := func(name, slot string) *Stage {
		return &Stage{
			Name:    name,
			Outputs: []string{slot},
			Run: func(ctx context.Context, state *State) (map[string]any, error) {
				arrived.Done()
				<-release
				return map[string]any{slot: name}, nil
			},
		}
	}
	graph, err := NewGraph([]*Stage{mk("left", "l"), mk("right", "r")})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := NewScheduler().Run(context.Background(), graph, nil)
		done <- err
	}()

	// Both stages must be in flight at once; if the scheduler serialized
	// them this wait would never finish.
	waitDone := make(chan struct{})
	go func() {
		arrived.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("start-only stages did not run concurrently")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestSchedulerStageErrorAbortsRun(t *testing.T) {
	depRan := atomic.Bool{}
	graph, err := NewGraph([]*Stage{
		{
			Name:    "broken",
			Outputs: []string{"x"},
			Run: func(ctx context.Context, state *State) (map[string]any, error) {
				return nil, errors.New("collaborator unreachable")
			},
		},
		{
			Name:    "dependent",
			Inputs:  []string{"x"},
			Outputs: []string{"y"},
			Run: func(ctx context.Context, state *State) (map[string]any, error) {
				depRan.Store(true)
				return map[string]any{"y": 1}, nil
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := &eventRecorder{}
	_, runErr := NewScheduler(WithEventHandler(rec.handle)).Run(context.Background(), graph, nil)
	if runErr == nil {
		t.Fatal("expected run to fail")
	}
	if !strings.Contains(runErr.Error(), "broken") {
		t.Errorf("error %q does not name the failed stage", runErr)
	}
	if depRan.Load() {
		t.Error("dependent stage ran after its producer failed")
	}

	types := rec.types()
	if types[len(types)-1] != EventRunFailed {
		t.Errorf("last event = %s, want run.failed", types[len(types)-1])
	}
}

func TestSchedulerPanicBecomesError(t *testing.T) {
	graph, err := NewGraph([]*Stage{
		{
			Name:    "volatile",
			Outputs: []string{"x"},
			Run: func(ctx context.Context, state *State) (map[string]any, error) {
				panic("nil map write")
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, runErr := NewScheduler().Run(context.Background(), graph, nil)
	if runErr == nil || !strings.Contains(runErr.Error(), "stage panic") {
		t.Fatalf("expected panic converted to error, got %v", runErr)
	}
}

func TestSchedulerEventsBracketRun(t *testing.T) {
	graph, err := NewGraph([]*Stage{
		{
			Name:    "only",
			Outputs: []string{"x"},
			Run: func(ctx context.Context, state *State) (map[string]any, error) {
				return map[string]any{"x": true}, nil
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := &eventRecorder{}
	if _, err := NewScheduler(WithEventHandler(rec.handle)).Run(context.Background(), graph, nil); err != nil {
		t.Fatal(err)
	}

	types := rec.types()
	want := []EventType{EventRunStarted, EventStageStarted, EventStageCompleted, EventRunCompleted}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestSchedulerUndeclaredOutputsDropped(t *testing.T) {
	graph, err := NewGraph([]*Stage{
		{
			Name:    "sloppy",
			Outputs: []string{"declared"},
			Run: func(ctx context.Context, state *State) (map[string]any, error) {
				return map[string]any{"declared": 1, "smuggled": 2}, nil
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	state, err := NewScheduler().Run(context.Background(), graph, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := state.Get("smuggled"); ok {
		t.Error("undeclared output slot was committed")
	}
	if _, ok := state.Get("declared"); !ok {
		t.Error("declared output slot missing")
	}
}

func TestSchedulerStallsOnMissingInitialSlot(t *testing.T) {
	graph, err := NewGraph([]*Stage{
		noopStage("needy", []string{"promised"}, []string{"out"}),
	}, "promised")
	if err != nil {
		t.Fatal(err)
	}

	// The graph promised "promised" as an initial slot but the caller
	// never provided it.
	_, runErr := NewScheduler().Run(context.Background(), graph, nil)
	if runErr == nil || !strings.Contains(runErr.Error(), "stalled") {
		t.Fatalf("expected stall error, got %v", runErr)
	}
}

func TestSchedulerContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	graph, err := NewGraph([]*Stage{
		{
			Name:    "hang",
			Outputs: []string{"never"},
			Run: func(ctx context.Context, state *State) (map[string]any, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		<-started
		cancel()
	}()

	_, runErr := NewScheduler().Run(ctx, graph, nil)
	if runErr == nil {
		t.Fatal("expected cancellation error")
	}
}
