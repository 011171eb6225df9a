package tuning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"judge-tuner/internal/poller"
	"judge-tuner/pkg/models"
)

// EvaluationOutcome is the success result of an evaluation run.
type EvaluationOutcome struct {
	Snapshot      *models.EvaluationSnapshot
	SavedPromptID string
	Logs          []string
}

func validateEvaluation(promptText string, judge models.JudgeConfig) error {
	if promptText == "" {
		return ErrEmptyPrompt
	}
	if judge.JudgeName == "" {
		return ErrMissingJudgeName
	}
	if !judge.JudgeType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidJudgeType, judge.JudgeType)
	}
	switch judge.Mode {
	case models.ModeSimple:
		if judge.EndpointName == "" {
			return ErrMissingEndpoint
		}
	case models.ModeMLflow:
		// Backend configuration presence is checked at run time.
	default:
		return fmt.Errorf("unknown evaluation mode %q", judge.Mode)
	}
	return nil
}

// ModeSimpleOrDefault resolves an unset mode to simple.
func ModeSimpleOrDefault(mode models.EvaluationMode) models.EvaluationMode {
	if mode == "" {
		return models.ModeSimple
	}
	return mode
}

// StartEvaluation runs one evaluation to its single terminal outcome:
// a success outcome, a failure error, or a timeout error. Validation errors
// return before any network call; a second call while one is in flight fails
// fast with ErrEvaluationRunning.
func (t *Tuner) StartEvaluation(ctx context.Context, promptText string, judge models.JudgeConfig) (*EvaluationOutcome, error) {
	return t.StartEvaluationWithLogs(ctx, promptText, judge, nil)
}

// StartEvaluationWithLogs is StartEvaluation with a live tap on the execution
// log, used for terminal streaming.
func (t *Tuner) StartEvaluationWithLogs(ctx context.Context, promptText string, judge models.JudgeConfig, onLogs func(lines []string)) (*EvaluationOutcome, error) {
	judge.Mode = ModeSimpleOrDefault(judge.Mode)
	if err := validateEvaluation(promptText, judge); err != nil {
		return nil, err
	}

	gen, err := t.beginEvaluation(promptText, judge)
	if err != nil {
		return nil, err
	}
	return t.runEvaluation(ctx, gen, promptText, judge, onLogs)
}

// StartEvaluationAsync validates and reserves the run synchronously, then
// drives it on a background goroutine. Progress is observed through State.
func (t *Tuner) StartEvaluationAsync(promptText string, judge models.JudgeConfig) error {
	judge.Mode = ModeSimpleOrDefault(judge.Mode)
	if err := validateEvaluation(promptText, judge); err != nil {
		return err
	}

	gen, err := t.beginEvaluation(promptText, judge)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.trackCancel(cancel)
	go func() {
		defer cancel()
		if _, err := t.runEvaluation(ctx, gen, promptText, judge, nil); err != nil {
			slog.Warn("evaluation finished with error",
				"workshop_id", t.session.WorkshopID, "question_index", t.session.QuestionIndex, "error", err)
		}
	}()
	return nil
}

func (t *Tuner) beginEvaluation(promptText string, judge models.JudgeConfig) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.evalState.Phase.InFlight() {
		return 0, ErrEvaluationRunning
	}
	t.evalState = RunState{Phase: PhaseSubmitting, RunID: uuid.NewString()}
	t.prompt.Text = promptText
	t.prompt.JudgeType = judge.JudgeType
	t.prompt.ModelName = judge.EvaluationModelName
	t.prompt.Modified = true
	return t.generation, nil
}

func (t *Tuner) runEvaluation(ctx context.Context, gen uint64, promptText string, judge models.JudgeConfig, onLogs func(lines []string)) (*EvaluationOutcome, error) {
	// Preconditions that need the backend. Configuration gaps are resolved
	// locally: the run backs off to idle without a submission.
	if judge.Mode == models.ModeMLflow {
		ok, err := t.backend.HasMLflowConfig(ctx, t.session.WorkshopID)
		if err != nil {
			return nil, t.failEvaluation(gen, fmt.Errorf("checking backend configuration: %w", err))
		}
		if !ok {
			t.ifCurrent(gen, func() { t.evalState = RunState{Phase: PhaseIdle} })
			return nil, ErrConfigRequired
		}
		// Evaluation must not start on stale aggregated feedback.
		if err := t.backend.AggregateFeedback(ctx, t.session.WorkshopID); err != nil {
			return nil, t.failEvaluation(gen, fmt.Errorf("aggregating feedback: %w", err))
		}
	}

	req := models.StartEvaluationRequest{
		JudgePrompt:         NormalizePromptText(promptText),
		JudgeName:           judge.JudgeName,
		EvaluationModelName: judge.EvaluationModelName,
		JudgeType:           judge.JudgeType,
		PromptID:            t.Prompt().ID,
		QuestionIndex:       t.session.QuestionIndex,
	}

	var jobID string
	var err error
	if judge.Mode == models.ModeSimple {
		req.EndpointName = judge.EndpointName
		jobID, err = t.backend.StartSimpleEvaluation(ctx, t.session.WorkshopID, req)
	} else {
		jobID, err = t.backend.StartEvaluation(ctx, t.session.WorkshopID, req)
	}
	if err != nil {
		return nil, t.failEvaluation(gen, fmt.Errorf("submitting evaluation: %w", err))
	}

	t.ifCurrent(gen, func() {
		t.evalState.Phase = PhasePolling
		t.evalState.JobID = jobID
	})

	outcome, err := poller.Run(ctx, t.opts.Evaluation,
		func(ctx context.Context, since int) (*models.JobPollResponse, error) {
			return t.backend.PollEvaluationJob(ctx, t.session.WorkshopID, jobID, since)
		},
		func(lines []string) {
			t.ifCurrent(gen, func() { t.evalState.Logs = append(t.evalState.Logs, lines...) })
			if onLogs != nil {
				onLogs(lines)
			}
		})
	if err != nil {
		if errors.Is(err, poller.ErrPollTimeout) {
			t.ifCurrent(gen, func() {
				t.evalState.Phase = PhaseTimedOut
				t.evalState.Error = err.Error()
			})
			return nil, fmt.Errorf("evaluation job %s: %w", jobID, err)
		}
		// Canceled: this run was superseded, leave current state alone.
		return nil, err
	}

	if outcome.Status == models.JobFailed {
		msg := outcome.Error
		if msg == "" {
			msg = "evaluation job failed"
		}
		return nil, t.failEvaluation(gen, errors.New(msg))
	}

	var result models.EvaluationResult
	if len(outcome.Result) > 0 {
		if err := json.Unmarshal(outcome.Result, &result); err != nil {
			return nil, t.failEvaluation(gen, fmt.Errorf("decoding evaluation result: %w", err))
		}
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "evaluation completed without a success result"
		}
		return nil, t.failEvaluation(gen, errors.New(msg))
	}

	snapshot := newSnapshot(result.Evaluations, result.Metrics)
	applied := t.ifCurrent(gen, func() {
		t.snapshot = snapshot
		if result.SavedPromptID != "" {
			// The backend persisted a new version; the in-memory prompt now
			// matches it.
			t.prompt.ID = result.SavedPromptID
			t.prompt.Version++
			t.prompt.Modified = false
		}
		t.prompt.Metrics = result.Metrics
		t.evalState.Phase = PhaseSucceeded
	})
	if applied {
		t.persistSnapshot(ctx, snapshot)
	}

	return &EvaluationOutcome{
		Snapshot:      snapshot,
		SavedPromptID: result.SavedPromptID,
		Logs:          outcome.Logs,
	}, nil
}

// failEvaluation records the terminal failure and hands the error back.
// Failures are non-destructive: the active prompt and the last known-good
// snapshot stay untouched.
func (t *Tuner) failEvaluation(gen uint64, err error) error {
	t.ifCurrent(gen, func() {
		t.evalState.Phase = PhaseFailed
		t.evalState.Error = err.Error()
	})
	return err
}
