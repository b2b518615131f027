// ABOUTME: Bounded-parallel task pool executing one sub-task per work-item key.
// ABOUTME: Contains per-key failures behind a fallback value and reports completed/total progress.
package workflow

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// DefaultMaxWorkers bounds pool concurrency when the caller passes a
// non-positive worker count. Matches the external rate limits the
// per-item tasks are expected to respect.
const DefaultMaxWorkers = 4

// TaskFunc produces the value for one work-item key. An error marks the
// key as failed; the pool substitutes the fallback value and keeps going.
type TaskFunc[V any] func(ctx context.Context, key string) (V, error)

// FallbackFunc produces the substitute value for a key whose task failed.
type FallbackFunc[V any] func(key string) V

// poolResult is one worker's completion, drained by the orchestrating
// goroutine. Workers never touch the shared result map.
type poolResult[V any] struct {
	key   string
	value V
	err   error
}

// RunPool executes task for every key with at most min(len(keys),
// maxWorkers) concurrent executions, draining completions in whatever
// order they finish. A failed task is logged, replaced by fallback(key),
// and reported as "Failed"; it never fails the pool. The returned map
// always has exactly the input key set.
//
// After each key completes, a "Completed KEY (i/n)" or "Failed KEY (i/n)"
// event is emitted on channel via the emitter, which may be nil.
func RunPool[V any](
	ctx context.Context,
	keys []string,
	task TaskFunc[V],
	fallback FallbackFunc[V],
	maxWorkers int,
	emitter *Emitter,
	channel string,
) map[string]V {
	out := make(map[string]V, len(keys))
	if len(keys) == 0 {
		return out
	}

	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	workers := min(len(keys), maxWorkers)

	jobs := make(chan string)
	results := make(chan poolResult[V])

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range jobs {
				value, err := runTask(ctx, task, key)
				results <- poolResult[V]{key: key, value: value, err: err}
			}
		}()
	}

	go func() {
		for _, key := range keys {
			jobs <- key
		}
		close(jobs)
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	completed := 0
	total := len(keys)
	for res := range results {
		completed++
		if res.err != nil {
			log.Printf("task failed for %s: %v", res.key, res.err)
			out[res.key] = fallback(res.key)
			emitter.Emit(channel, fmt.Sprintf("Failed %s (%d/%d)", res.key, completed, total))
			continue
		}
		out[res.key] = res.value
		emitter.Emit(channel, fmt.Sprintf("Completed %s (%d/%d)", res.key, completed, total))
	}

	return out
}

// runTask invokes one task with panic recovery so a panicking item is
// contained the same way as a returned error.
func runTask[V any](ctx context.Context, task TaskFunc[V], key string) (value V, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			value = zero
			err = fmt.Errorf("task panic for %q: %v", key, r)
		}
	}()
	return task(ctx, key)
}
