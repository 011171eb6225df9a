package poller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"judge-tuner/pkg/models"
)

// ErrPollTimeout is returned when the attempt ceiling is reached without the
// job turning terminal. The backend job may still be running; this is a
// client-visibility timeout, not a cancellation.
var ErrPollTimeout = errors.New("poll attempt ceiling reached, job may still be running")

// PollFunc fetches the current job state, returning only log lines past
// sinceLogIndex.
type PollFunc func(ctx context.Context, sinceLogIndex int) (*models.JobPollResponse, error)

type Config struct {
	// Interval is the fixed delay between successful polls.
	Interval time.Duration
	// ErrorBackoff is the longer delay applied after a transient poll failure.
	ErrorBackoff time.Duration
	// MaxAttempts bounds the total number of polls, counting failed ones.
	MaxAttempts int
}

// Evaluation jobs run minutes; alignment runs an optimizer and is expected to
// take much longer. Auto-evaluation is polled tighter since alignment is
// blocked on it.
func EvaluationConfig() Config {
	return Config{Interval: 2 * time.Second, ErrorBackoff: 5 * time.Second, MaxAttempts: 600}
}

func AlignmentConfig() Config {
	return Config{Interval: 2 * time.Second, ErrorBackoff: 5 * time.Second, MaxAttempts: 1800}
}

func AutoEvaluationConfig() Config {
	return Config{Interval: 1 * time.Second, ErrorBackoff: 5 * time.Second, MaxAttempts: 180}
}

// Outcome is the single terminal result of a poll run.
type Outcome struct {
	Status   string // models.JobCompleted or models.JobFailed
	Result   json.RawMessage
	Error    string
	Logs     []string
	Attempts int
}

// Run polls until the job reports a terminal status, the attempt ceiling is
// hit, or ctx is canceled. Transient poll errors never abort the run; they
// cost an attempt and a longer backoff. onLogs, if non-nil, receives each
// batch of new log lines in arrival order, never duplicated.
//
// Exactly one of the following is returned: a terminal Outcome, ErrPollTimeout,
// or ctx.Err().
func Run(ctx context.Context, cfg Config, poll PollFunc, onLogs func(lines []string)) (*Outcome, error) {
	var logs []string
	cursor := 0

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		resp, err := poll(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("transient poll failure, backing off", "attempt", attempt, "error", err)
			if err := sleep(ctx, cfg.ErrorBackoff); err != nil {
				return nil, err
			}
			continue
		}

		if len(resp.Logs) > 0 {
			logs = append(logs, resp.Logs...)
			if onLogs != nil {
				onLogs(resp.Logs)
			}
		}
		// The cursor only ever moves forward, even against a backend that
		// reports a stale log_count.
		if resp.LogCount > cursor {
			cursor = resp.LogCount
		} else {
			cursor += len(resp.Logs)
		}

		if resp.Status == models.JobCompleted || resp.Status == models.JobFailed {
			return &Outcome{
				Status:   resp.Status,
				Result:   resp.Result,
				Error:    resp.Error,
				Logs:     logs,
				Attempts: attempt,
			}, nil
		}

		if err := sleep(ctx, cfg.Interval); err != nil {
			return nil, err
		}
	}

	return nil, ErrPollTimeout
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
