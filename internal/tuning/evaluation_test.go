package tuning_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"judge-tuner/internal/cache"
	"judge-tuner/internal/poller"
	"judge-tuner/internal/tuning"
	"judge-tuner/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() tuning.Options {
	cfg := poller.Config{Interval: time.Millisecond, ErrorBackoff: time.Millisecond, MaxAttempts: 50}
	return tuning.Options{Evaluation: cfg, Alignment: cfg, AutoEvaluation: cfg}
}

func simpleJudge() models.JudgeConfig {
	return models.JudgeConfig{
		JudgeName:           "helpfulness",
		JudgeType:           models.JudgeTypeLikert,
		EvaluationModelName: "gpt-judge",
		EndpointName:        "X",
		Mode:                models.ModeSimple,
	}
}

func mlflowJudge() models.JudgeConfig {
	j := simpleJudge()
	j.Mode = models.ModeMLflow
	j.EndpointName = ""
	return j
}

func floatPtr(v float64) *float64 { return &v }

func evalResult(t *testing.T, result models.EvaluationResult) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	return raw
}

func newTestTuner(backend *fakeBackend, store cache.Store) *tuning.Tuner {
	if store == nil {
		store = cache.NewMemoryStore()
	}
	session := tuning.Session{WorkshopID: "ws-1", QuestionIndex: 0}
	return tuning.NewTuner(session, backend, store, fastOptions())
}

func TestStartEvaluationValidation(t *testing.T) {
	backend := newFakeBackend()
	tuner := newTestTuner(backend, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		prompt string
		mutate func(*models.JudgeConfig)
		want   error
	}{
		{"empty prompt", "", func(j *models.JudgeConfig) {}, tuning.ErrEmptyPrompt},
		{"missing judge name", "Rate this.", func(j *models.JudgeConfig) { j.JudgeName = "" }, tuning.ErrMissingJudgeName},
		{"invalid judge type", "Rate this.", func(j *models.JudgeConfig) { j.JudgeType = "stars" }, tuning.ErrInvalidJudgeType},
		{"simple mode without endpoint", "Rate this.", func(j *models.JudgeConfig) { j.EndpointName = "" }, tuning.ErrMissingEndpoint},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			judge := simpleJudge()
			tc.mutate(&judge)
			_, err := tuner.StartEvaluation(ctx, tc.prompt, judge)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	// Validation errors must never reach the network layer.
	assert.Zero(t, backend.submissionCount())
	assert.Equal(t, tuning.PhaseIdle, tuner.State().Evaluation.Phase)
}

func TestStartEvaluationNormalizesPlaceholders(t *testing.T) {
	cases := []struct {
		name   string
		prompt string
	}{
		{"no placeholders", "Rate the response from 1 to 5."},
		{"input only", "Given {input}, rate the answer."},
		{"output only", "Rate {output} for helpfulness."},
		{"both present", "Q: {input}\nA: {output}\nRate it."},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.evalPolls = []*models.JobPollResponse{
				{Status: models.JobCompleted, Result: evalResult(t, models.EvaluationResult{Success: true})},
			}
			tuner := newTestTuner(backend, nil)

			_, err := tuner.StartEvaluation(context.Background(), tc.prompt, simpleJudge())
			require.NoError(t, err)

			require.Len(t, backend.startSimpleReqs, 1)
			sent := backend.startSimpleReqs[0].JudgePrompt
			assert.Contains(t, sent, "{input}")
			assert.Contains(t, sent, "{output}")
		})
	}
}

func TestStartEvaluationSimpleMode(t *testing.T) {
	backend := newFakeBackend()
	backend.evalPolls = []*models.JobPollResponse{
		{Status: models.JobRunning, Logs: []string{"loading traces"}, LogCount: 1},
		{Status: models.JobCompleted, Logs: []string{"scored 1 trace"}, LogCount: 2, Result: evalResult(t, models.EvaluationResult{
			Success: true,
			Evaluations: []models.EvaluationRecord{
				{TraceID: "trace-1", PredictedRating: floatPtr(4), HumanRating: floatPtr(4)},
			},
			Metrics:       &models.PerformanceMetrics{Correlation: 1, Accuracy: 1, TotalEvaluations: 1},
			SavedPromptID: "prompt-v2",
		})},
	}
	store := cache.NewMemoryStore()
	tuner := newTestTuner(backend, store)

	outcome, err := tuner.StartEvaluation(context.Background(), "Rate helpfulness of {output} for {input}.", simpleJudge())
	require.NoError(t, err)

	require.Len(t, outcome.Snapshot.Evaluations, 1)
	assert.Equal(t, "trace-1", outcome.Snapshot.Evaluations[0].TraceID)
	assert.Equal(t, "prompt-v2", outcome.SavedPromptID)
	assert.Equal(t, []string{"loading traces", "scored 1 trace"}, outcome.Logs)

	// The simple-mode endpoint carries through to the submission.
	require.Len(t, backend.startSimpleReqs, 1)
	assert.Equal(t, "X", backend.startSimpleReqs[0].EndpointName)
	assert.Empty(t, backend.startEvalReqs)

	// Saved prompt id becomes the current, unmodified version.
	state := tuner.State()
	assert.Equal(t, tuning.PhaseSucceeded, state.Evaluation.Phase)
	assert.Equal(t, "prompt-v2", state.Prompt.ID)
	assert.Equal(t, 1, state.Prompt.Version)
	assert.False(t, state.Prompt.Modified)

	// Snapshot was cached with a fresh timestamp.
	cached, ok, err := store.GetSnapshot(context.Background(), cache.Key{WorkshopID: "ws-1", QuestionIndex: 0})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, cached.Evaluations, 1)
	assert.WithinDuration(t, time.Now(), cached.Timestamp, time.Minute)
}

func TestStartEvaluationMLflowRequiresConfig(t *testing.T) {
	backend := newFakeBackend()
	backend.hasMLflow = false
	tuner := newTestTuner(backend, nil)

	_, err := tuner.StartEvaluation(context.Background(), "Rate this.", mlflowJudge())
	assert.ErrorIs(t, err, tuning.ErrConfigRequired)
	assert.Zero(t, backend.submissionCount())
	assert.Zero(t, backend.aggregateCalls)
	assert.Equal(t, tuning.PhaseIdle, tuner.State().Evaluation.Phase)
}

func TestStartEvaluationAggregateFailureAborts(t *testing.T) {
	backend := newFakeBackend()
	backend.aggregateErr = errors.New("aggregation exploded")
	tuner := newTestTuner(backend, nil)

	_, err := tuner.StartEvaluation(context.Background(), "Rate this.", mlflowJudge())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggregation exploded")

	// Stale aggregated feedback must never feed an evaluation.
	assert.Zero(t, backend.submissionCount())
	assert.Equal(t, tuning.PhaseFailed, tuner.State().Evaluation.Phase)
}

func TestStartEvaluationMLflowAggregatesFirst(t *testing.T) {
	backend := newFakeBackend()
	backend.evalPolls = []*models.JobPollResponse{
		{Status: models.JobCompleted, Result: evalResult(t, models.EvaluationResult{Success: true})},
	}
	tuner := newTestTuner(backend, nil)

	_, err := tuner.StartEvaluation(context.Background(), "Rate this.", mlflowJudge())
	require.NoError(t, err)
	assert.Equal(t, []string{"aggregate-feedback", "start-evaluation"}, backend.callOrder())
}

func TestStartEvaluationJobFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.evalPolls = []*models.JobPollResponse{
		{Status: models.JobRunning},
		{Status: models.JobFailed, Error: "judge model unavailable"},
	}
	tuner := newTestTuner(backend, nil)
	tuner.SetPrompt("previous text", models.JudgeTypeLikert)

	_, err := tuner.StartEvaluation(context.Background(), "Rate this.", simpleJudge())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "judge model unavailable")

	state := tuner.State()
	assert.Equal(t, tuning.PhaseFailed, state.Evaluation.Phase)
	// Failures are non-destructive: no version bump, no snapshot.
	assert.Empty(t, state.Prompt.ID)
	assert.Zero(t, state.Prompt.Version)
	assert.Nil(t, state.Snapshot)
}

func TestStartEvaluationCompletedWithoutSuccess(t *testing.T) {
	backend := newFakeBackend()
	backend.evalPolls = []*models.JobPollResponse{
		{Status: models.JobCompleted, Result: evalResult(t, models.EvaluationResult{Success: false, Error: "no traces matched"})},
	}
	tuner := newTestTuner(backend, nil)

	_, err := tuner.StartEvaluation(context.Background(), "Rate this.", simpleJudge())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no traces matched")
	assert.Nil(t, tuner.Snapshot())
}

func TestStartEvaluationTransientPollErrors(t *testing.T) {
	// Scenario: running, transient network error, running, completed. One
	// version bump, no duplicate logs, no surfaced poll error.
	backend := newFakeBackend()
	backend.evalPolls = []*models.JobPollResponse{
		{Status: models.JobRunning, Logs: []string{"one"}, LogCount: 1},
		nil,
		{Status: models.JobRunning, Logs: []string{"two"}, LogCount: 2},
		{Status: models.JobCompleted, Logs: []string{"three"}, LogCount: 3, Result: evalResult(t, models.EvaluationResult{
			Success:       true,
			SavedPromptID: "prompt-v3",
		})},
	}
	tuner := newTestTuner(backend, nil)

	outcome, err := tuner.StartEvaluation(context.Background(), "Rate this.", simpleJudge())
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, outcome.Logs)

	state := tuner.State()
	assert.Equal(t, []string{"one", "two", "three"}, state.Evaluation.Logs)
	assert.Equal(t, 1, state.Prompt.Version)
}

func TestStartEvaluationTimeout(t *testing.T) {
	backend := newFakeBackend()
	backend.evalPolls = []*models.JobPollResponse{{Status: models.JobRunning}}
	tuner := newTestTuner(backend, nil)

	_, err := tuner.StartEvaluation(context.Background(), "Rate this.", simpleJudge())
	assert.ErrorIs(t, err, poller.ErrPollTimeout)
	assert.Equal(t, tuning.PhaseTimedOut, tuner.State().Evaluation.Phase)
}

func TestStartEvaluationReentrancyGuard(t *testing.T) {
	backend := newFakeBackend()
	backend.evalPolls = []*models.JobPollResponse{{Status: models.JobRunning}}
	tuner := newTestTuner(backend, nil)

	require.NoError(t, tuner.StartEvaluationAsync("Rate this.", simpleJudge()))

	_, err := tuner.StartEvaluation(context.Background(), "Rate this.", simpleJudge())
	assert.ErrorIs(t, err, tuning.ErrEvaluationRunning)

	err = tuner.StartEvaluationAsync("Rate this.", simpleJudge())
	assert.ErrorIs(t, err, tuning.ErrEvaluationRunning)

	tuner.Reset()
}

func TestStartEvaluationSupersededRunDoesNotApply(t *testing.T) {
	backend := newFakeBackend()
	backend.evalPolls = []*models.JobPollResponse{
		{Status: models.JobCompleted, Result: evalResult(t, models.EvaluationResult{
			Success:     true,
			Evaluations: []models.EvaluationRecord{{TraceID: "stale"}},
		})},
	}
	tuner := newTestTuner(backend, nil)

	// The run is marked obsolete while its final poll is in flight.
	backend.onEvalPoll = func(call int) { tuner.Reset() }

	_, err := tuner.StartEvaluation(context.Background(), "Rate this.", simpleJudge())
	require.NoError(t, err)

	state := tuner.State()
	assert.Equal(t, tuning.PhaseIdle, state.Evaluation.Phase)
	assert.Nil(t, state.Snapshot)
}

type failingStore struct {
	*cache.MemoryStore
}

func (s *failingStore) PutSnapshot(ctx context.Context, key cache.Key, snapshot *models.EvaluationSnapshot) error {
	return errors.New("disk full")
}

func TestStartEvaluationCacheFailureIsSwallowed(t *testing.T) {
	backend := newFakeBackend()
	backend.evalPolls = []*models.JobPollResponse{
		{Status: models.JobCompleted, Result: evalResult(t, models.EvaluationResult{
			Success:     true,
			Evaluations: []models.EvaluationRecord{{TraceID: "trace-1"}},
		})},
	}
	tuner := newTestTuner(backend, &failingStore{cache.NewMemoryStore()})

	outcome, err := tuner.StartEvaluation(context.Background(), "Rate this.", simpleJudge())
	require.NoError(t, err)
	assert.Len(t, outcome.Snapshot.Evaluations, 1)
	assert.Equal(t, tuning.PhaseSucceeded, tuner.State().Evaluation.Phase)
}
