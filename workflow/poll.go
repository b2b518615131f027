// ABOUTME: Long-poll state machine driving an asynchronous external job to a terminal state.
// ABOUTME: Re-queries on a fixed interval and enforces an overall wall-clock deadline.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobState is the externally-owned status of an asynchronous job. The
// engine only observes transitions; valid terminal states are
// JobCompleted and JobFailed.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the state is one the job cannot leave.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobStatus is one observation of an external job: its state plus the
// completed payload or the failure detail, whichever applies.
type JobStatus struct {
	State   JobState
	Payload json.RawMessage
	Detail  string
}

// StatusFunc queries the external job once. An error from the query
// itself (as opposed to a reported JobFailed state) aborts the poll.
type StatusFunc func(ctx context.Context) (JobStatus, error)

// TimeoutError reports that a job did not reach a terminal state within
// the deadline. LastState is the most recent observation.
type TimeoutError struct {
	LastState JobState
	Deadline  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job still %s after %s deadline", e.LastState, e.Deadline)
}

// JobFailedError reports that the external authority marked the job
// failed, carrying its error detail.
type JobFailedError struct {
	Detail string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job failed: %s", e.Detail)
}

// Poll drives an external job to completion: query status, return on a
// terminal state, otherwise sleep interval and re-query. Elapsed time is
// checked against deadline before each sleep; reaching it returns a
// *TimeoutError carrying the last observed state. A JobFailed status
// returns a *JobFailedError; only JobCompleted returns the payload.
//
// Poll blocks its calling goroutine for its full duration, so run it
// inside a pool worker slot rather than on scheduling goroutines.
func Poll(ctx context.Context, check StatusFunc, interval, deadline time.Duration) (JobStatus, error) {
	start := time.Now()
	for {
		status, err := check(ctx)
		if err != nil {
			return status, fmt.Errorf("status check: %w", err)
		}

		switch status.State {
		case JobCompleted:
			return status, nil
		case JobFailed:
			return status, &JobFailedError{Detail: status.Detail}
		}

		if time.Since(start) >= deadline {
			return status, &TimeoutError{LastState: status.State, Deadline: deadline}
		}

		if err := sleepContext(ctx, interval); err != nil {
			return status, err
		}
	}
}

// sleepContext sleeps for d, returning the context error if cancelled first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
