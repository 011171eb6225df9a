// Package tuning hosts the judge-tuning orchestration: submitting evaluation
// and alignment jobs against the workshop backend, polling them to a terminal
// outcome, and maintaining the prompt/snapshot state the UI renders from.
package tuning

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"judge-tuner/internal/cache"
	"judge-tuner/internal/poller"
	"judge-tuner/pkg/models"
)

// BackendClient is the slice of the workshop backend the orchestrators
// consume. *workshop.Client satisfies it; tests substitute a fake.
type BackendClient interface {
	StartEvaluation(ctx context.Context, workshopID string, req models.StartEvaluationRequest) (string, error)
	StartSimpleEvaluation(ctx context.Context, workshopID string, req models.StartEvaluationRequest) (string, error)
	PollEvaluationJob(ctx context.Context, workshopID, jobID string, sinceLogIndex int) (*models.JobPollResponse, error)

	StartAlignment(ctx context.Context, workshopID string, req models.StartAlignmentRequest) (string, error)
	PollAlignmentJob(ctx context.Context, workshopID, jobID string, sinceLogIndex int) (*models.JobPollResponse, error)

	AutoEvaluationStatus(ctx context.Context, workshopID string) (*models.AutoEvaluationState, error)
	AutoEvaluationResults(ctx context.Context, workshopID string) (*models.AutoEvaluationState, error)
	RestartAutoEvaluation(ctx context.Context, workshopID, evaluationModelName string) error

	AggregateFeedback(ctx context.Context, workshopID string) error
	HasMLflowConfig(ctx context.Context, workshopID string) (bool, error)

	ListPromptVersions(ctx context.Context, workshopID string, questionIndex int) ([]models.PromptVersion, error)
	AnnotatedTraceCount(ctx context.Context, workshopID string, questionIndex int) (int, error)
}

// Options carries the poll cadences. Production uses the defaults; tests
// shrink them to milliseconds.
type Options struct {
	Evaluation     poller.Config
	Alignment      poller.Config
	AutoEvaluation poller.Config
}

func DefaultOptions() Options {
	return Options{
		Evaluation:     poller.EvaluationConfig(),
		Alignment:      poller.AlignmentConfig(),
		AutoEvaluation: poller.AutoEvaluationConfig(),
	}
}

// Tuner orchestrates evaluation and alignment for one (workshop, question)
// pair. All shared state behind mu; a generation counter marks in-flight runs
// obsolete so a superseded poll chain can never mutate current state.
type Tuner struct {
	session Session
	backend BackendClient
	store   cache.Store
	opts    Options

	mu         sync.Mutex
	generation uint64
	cancels    []context.CancelFunc
	evalState  RunState
	alignState RunState
	prompt     models.Prompt
	snapshot   *models.EvaluationSnapshot
}

func NewTuner(session Session, backend BackendClient, store cache.Store, opts Options) *Tuner {
	t := &Tuner{
		session:    session,
		backend:    backend,
		store:      store,
		opts:       opts,
		evalState:  RunState{Phase: PhaseIdle},
		alignState: RunState{Phase: PhaseIdle},
	}

	// Best-effort rehydration from the local cache; a miss or error just
	// means starting empty.
	if snapshot, ok, err := store.GetSnapshot(context.Background(), t.cacheKey()); err != nil {
		slog.Warn("error reading cached snapshot", "workshop_id", session.WorkshopID, "question_index", session.QuestionIndex, "error", err)
	} else if ok {
		t.snapshot = snapshot
	}

	return t
}

func (t *Tuner) cacheKey() cache.Key {
	return cache.Key{WorkshopID: t.session.WorkshopID, QuestionIndex: t.session.QuestionIndex}
}

// SetPrompt replaces the active prompt text, marking it as diverged from the
// last persisted version.
func (t *Tuner) SetPrompt(text string, judgeType models.JudgeType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prompt.Text = text
	t.prompt.JudgeType = judgeType
	t.prompt.Modified = true
}

func (t *Tuner) Prompt() models.Prompt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prompt
}

func (t *Tuner) Snapshot() *models.EvaluationSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

// State returns a point-in-time copy for rendering.
func (t *Tuner) State() TunerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TunerState{
		Evaluation: copyRunState(t.evalState),
		Alignment:  copyRunState(t.alignState),
		Prompt:     t.prompt,
		Snapshot:   t.snapshot,
	}
}

func copyRunState(s RunState) RunState {
	out := s
	out.Logs = make([]string, len(s.Logs))
	copy(out.Logs, s.Logs)
	return out
}

// Reset marks every in-flight run obsolete and cancels its polling. Late
// results from superseded runs are dropped rather than applied.
func (t *Tuner) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	for _, cancel := range t.cancels {
		cancel()
	}
	t.cancels = nil
	t.evalState = RunState{Phase: PhaseIdle}
	t.alignState = RunState{Phase: PhaseIdle}
}

// ifCurrent runs fn under the lock only when the run that produced the update
// is still the active one.
func (t *Tuner) ifCurrent(gen uint64, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.generation {
		return false
	}
	fn()
	return true
}

func (t *Tuner) trackCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancels = append(t.cancels, cancel)
}

// setSnapshot applies a new evaluation snapshot. Evaluation runs and
// auto-evaluation pulls share this state: the last writer wins, there is no
// merge.
func (t *Tuner) setSnapshot(gen uint64, snapshot *models.EvaluationSnapshot) {
	t.ifCurrent(gen, func() {
		t.snapshot = snapshot
	})
}

// persistSnapshot writes the snapshot to the local cache. Caching is an
// optimization: failures are logged and swallowed.
func (t *Tuner) persistSnapshot(ctx context.Context, snapshot *models.EvaluationSnapshot) {
	if err := t.store.PutSnapshot(ctx, t.cacheKey(), snapshot); err != nil {
		slog.Warn("error caching evaluation snapshot", "workshop_id", t.session.WorkshopID, "question_index", t.session.QuestionIndex, "error", err)
	}
}

func newSnapshot(evaluations []models.EvaluationRecord, metrics *models.PerformanceMetrics) *models.EvaluationSnapshot {
	return &models.EvaluationSnapshot{
		Evaluations: evaluations,
		Metrics:     metrics,
		Timestamp:   time.Now(),
	}
}
