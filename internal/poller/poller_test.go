package poller_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"judge-tuner/internal/poller"
	"judge-tuner/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxAttempts int) poller.Config {
	return poller.Config{
		Interval:     time.Millisecond,
		ErrorBackoff: 2 * time.Millisecond,
		MaxAttempts:  maxAttempts,
	}
}

// scripted returns a PollFunc that replays the given responses in order. A nil
// entry simulates a transient poll failure.
func scripted(t *testing.T, responses []*models.JobPollResponse) (poller.PollFunc, *[]int) {
	t.Helper()
	var cursors []int
	i := 0
	return func(ctx context.Context, since int) (*models.JobPollResponse, error) {
		require.Less(t, i, len(responses), "poll called more times than scripted")
		resp := responses[i]
		i++
		if resp == nil {
			return nil, errors.New("connection reset")
		}
		cursors = append(cursors, since)
		return resp, nil
	}, &cursors
}

func TestRunCompletes(t *testing.T) {
	result := json.RawMessage(`{"success": true}`)
	poll, _ := scripted(t, []*models.JobPollResponse{
		{Status: models.JobRunning, Logs: []string{"starting"}, LogCount: 1},
		{Status: models.JobRunning, Logs: []string{"working"}, LogCount: 2},
		{Status: models.JobCompleted, Logs: []string{"done"}, LogCount: 3, Result: result},
	})

	outcome, err := poller.Run(context.Background(), fastConfig(10), poll, nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, outcome.Status)
	assert.Equal(t, result, outcome.Result)
	assert.Equal(t, []string{"starting", "working", "done"}, outcome.Logs)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestRunLogCursorMonotonic(t *testing.T) {
	poll, cursors := scripted(t, []*models.JobPollResponse{
		{Status: models.JobRunning, Logs: []string{"a", "b"}, LogCount: 2},
		{Status: models.JobRunning, Logs: nil, LogCount: 2},
		// Backend reports a stale log_count; cursor must not regress.
		{Status: models.JobRunning, Logs: []string{"c"}, LogCount: 0},
		{Status: models.JobCompleted, Logs: []string{"d"}, LogCount: 4},
	})

	var streamed []string
	outcome, err := poller.Run(context.Background(), fastConfig(10), poll, func(lines []string) {
		streamed = append(streamed, lines...)
	})
	require.NoError(t, err)

	// Prefix-extending, order-preserving, no duplicates.
	assert.Equal(t, []string{"a", "b", "c", "d"}, outcome.Logs)
	assert.Equal(t, outcome.Logs, streamed)
	assert.Equal(t, []int{0, 2, 2, 3}, *cursors)
}

func TestRunTransientErrorDoesNotAbort(t *testing.T) {
	// Scenario: running, transient network error, running, completed.
	poll, _ := scripted(t, []*models.JobPollResponse{
		{Status: models.JobRunning, Logs: []string{"one"}, LogCount: 1},
		nil,
		{Status: models.JobRunning, Logs: []string{"two"}, LogCount: 2},
		{Status: models.JobCompleted, Logs: []string{"three"}, LogCount: 3},
	})

	outcome, err := poller.Run(context.Background(), fastConfig(10), poll, nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, outcome.Status)
	assert.Empty(t, outcome.Error)
	// All logs from the three successful polls, none duplicated for the
	// failed attempt.
	assert.Equal(t, []string{"one", "two", "three"}, outcome.Logs)
	assert.Equal(t, 4, outcome.Attempts)
}

func TestRunFailedJob(t *testing.T) {
	poll, _ := scripted(t, []*models.JobPollResponse{
		{Status: models.JobRunning, LogCount: 0},
		{Status: models.JobFailed, Error: "optimizer crashed", LogCount: 0},
	})

	outcome, err := poller.Run(context.Background(), fastConfig(10), poll, nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, outcome.Status)
	assert.Equal(t, "optimizer crashed", outcome.Error)
}

func TestRunCeiling(t *testing.T) {
	polls := 0
	poll := func(ctx context.Context, since int) (*models.JobPollResponse, error) {
		polls++
		return &models.JobPollResponse{Status: models.JobRunning}, nil
	}

	outcome, err := poller.Run(context.Background(), fastConfig(5), poll, nil)
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, poller.ErrPollTimeout)
	assert.Equal(t, 5, polls)
}

func TestRunCeilingCountsFailedAttempts(t *testing.T) {
	polls := 0
	poll := func(ctx context.Context, since int) (*models.JobPollResponse, error) {
		polls++
		return nil, errors.New("gateway timeout")
	}

	_, err := poller.Run(context.Background(), fastConfig(3), poll, nil)
	assert.ErrorIs(t, err, poller.ErrPollTimeout)
	assert.Equal(t, 3, polls)
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	poll := func(ctx context.Context, since int) (*models.JobPollResponse, error) {
		cancel()
		return &models.JobPollResponse{Status: models.JobRunning}, nil
	}

	outcome, err := poller.Run(ctx, fastConfig(10), poll, nil)
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, context.Canceled)
}
