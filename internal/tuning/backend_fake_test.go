package tuning_test

import (
	"context"
	"errors"
	"sync"

	"judge-tuner/pkg/models"
)

// fakeBackend is a scriptable BackendClient. Poll scripts are consumed in
// order; a nil entry simulates a transient transport failure and the last
// entry repeats once a script is exhausted.
type fakeBackend struct {
	mu sync.Mutex

	hasMLflow    bool
	mlflowErr    error
	aggregateErr error
	annotated    int
	annotatedErr error

	evalJobID  string
	alignJobID string
	submitErr  error

	evalPolls  []*models.JobPollResponse
	alignPolls []*models.JobPollResponse
	evalPollN  int
	alignPollN int

	autoStatuses  []*models.AutoEvaluationState
	autoStatusN   int
	autoResults   *models.AutoEvaluationState
	restartErr    error
	versions      []models.PromptVersion

	startEvalReqs   []models.StartEvaluationRequest
	startSimpleReqs []models.StartEvaluationRequest
	startAlignReqs  []models.StartAlignmentRequest
	aggregateCalls  int
	restartCalls    int

	// onEvalPoll, when set, runs before the nth (1-based) evaluation poll is
	// answered. Used to interleave resets with a running poll chain.
	onEvalPoll func(call int)

	// calls records the order of mutating backend operations.
	calls []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		hasMLflow:  true,
		evalJobID:  "eval-job-1",
		alignJobID: "align-job-1",
		autoResults: &models.AutoEvaluationState{
			Status: models.JobCompleted,
		},
	}
}

func next(script []*models.JobPollResponse, n *int) (*models.JobPollResponse, error) {
	if len(script) == 0 {
		return nil, errors.New("no poll script configured")
	}
	i := *n
	if i >= len(script) {
		i = len(script) - 1
	}
	*n++
	resp := script[i]
	if resp == nil {
		return nil, errors.New("connection reset")
	}
	out := *resp
	return &out, nil
}

func (f *fakeBackend) StartEvaluation(ctx context.Context, workshopID string, req models.StartEvaluationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.startEvalReqs = append(f.startEvalReqs, req)
	f.calls = append(f.calls, "start-evaluation")
	return f.evalJobID, nil
}

func (f *fakeBackend) StartSimpleEvaluation(ctx context.Context, workshopID string, req models.StartEvaluationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.startSimpleReqs = append(f.startSimpleReqs, req)
	f.calls = append(f.calls, "start-simple-evaluation")
	return f.evalJobID, nil
}

func (f *fakeBackend) PollEvaluationJob(ctx context.Context, workshopID, jobID string, since int) (*models.JobPollResponse, error) {
	f.mu.Lock()
	hook := f.onEvalPoll
	call := f.evalPollN + 1
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return next(f.evalPolls, &f.evalPollN)
}

func (f *fakeBackend) StartAlignment(ctx context.Context, workshopID string, req models.StartAlignmentRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.startAlignReqs = append(f.startAlignReqs, req)
	f.calls = append(f.calls, "start-alignment")
	return f.alignJobID, nil
}

func (f *fakeBackend) PollAlignmentJob(ctx context.Context, workshopID, jobID string, since int) (*models.JobPollResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return next(f.alignPolls, &f.alignPollN)
}

func (f *fakeBackend) AutoEvaluationStatus(ctx context.Context, workshopID string) (*models.AutoEvaluationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.autoStatuses) == 0 {
		return &models.AutoEvaluationState{Status: models.JobCompleted}, nil
	}
	i := f.autoStatusN
	if i >= len(f.autoStatuses) {
		i = len(f.autoStatuses) - 1
	}
	f.autoStatusN++
	return f.autoStatuses[i], nil
}

func (f *fakeBackend) AutoEvaluationResults(ctx context.Context, workshopID string) (*models.AutoEvaluationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.autoResults == nil {
		return nil, errors.New("no auto-evaluation results")
	}
	return f.autoResults, nil
}

func (f *fakeBackend) RestartAutoEvaluation(ctx context.Context, workshopID, evaluationModelName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartCalls++
	f.calls = append(f.calls, "restart-auto-evaluation")
	return f.restartErr
}

func (f *fakeBackend) AggregateFeedback(ctx context.Context, workshopID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggregateCalls++
	f.calls = append(f.calls, "aggregate-feedback")
	return f.aggregateErr
}

func (f *fakeBackend) HasMLflowConfig(ctx context.Context, workshopID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasMLflow, f.mlflowErr
}

func (f *fakeBackend) ListPromptVersions(ctx context.Context, workshopID string, questionIndex int) ([]models.PromptVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions, nil
}

func (f *fakeBackend) AnnotatedTraceCount(ctx context.Context, workshopID string, questionIndex int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.annotated, f.annotatedErr
}

func (f *fakeBackend) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.startEvalReqs) + len(f.startSimpleReqs) + len(f.startAlignReqs)
}

func (f *fakeBackend) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}
