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

// AlignmentOutcome is the success result of an alignment run.
type AlignmentOutcome struct {
	Result   models.AlignmentResult
	Prompt   models.Prompt
	Snapshot *models.EvaluationSnapshot
	Logs     []string
}

func validateAlignment(promptText string, judge models.JudgeConfig) error {
	if promptText == "" {
		return ErrEmptyPrompt
	}
	if judge.JudgeName == "" {
		return ErrMissingJudgeName
	}
	return nil
}

// StartAlignment runs one alignment to its single terminal outcome. The
// coverage precondition (MinAlignmentAnnotations annotated traces) and any
// required auto-evaluation catch-up are resolved before the alignment job is
// submitted; no submission happens below the threshold.
func (t *Tuner) StartAlignment(ctx context.Context, promptText string, judge models.JudgeConfig) (*AlignmentOutcome, error) {
	return t.StartAlignmentWithLogs(ctx, promptText, judge, nil)
}

// StartAlignmentWithLogs is StartAlignment with a live tap on the execution
// log, used for terminal streaming.
func (t *Tuner) StartAlignmentWithLogs(ctx context.Context, promptText string, judge models.JudgeConfig, onLogs func(lines []string)) (*AlignmentOutcome, error) {
	if err := validateAlignment(promptText, judge); err != nil {
		return nil, err
	}

	gen, err := t.beginAlignment()
	if err != nil {
		return nil, err
	}

	annotated, err := t.checkAlignmentPreconditions(ctx, gen)
	if err != nil {
		return nil, err
	}
	return t.alignAfterPreconditions(ctx, gen, promptText, judge, annotated, onLogs)
}

// StartAlignmentAsync resolves validation, configuration and the coverage
// precondition synchronously, then drives the (long) auto-evaluation catch-up
// and alignment job on a background goroutine.
func (t *Tuner) StartAlignmentAsync(ctx context.Context, promptText string, judge models.JudgeConfig) error {
	if err := validateAlignment(promptText, judge); err != nil {
		return err
	}

	gen, err := t.beginAlignment()
	if err != nil {
		return err
	}

	annotated, err := t.checkAlignmentPreconditions(ctx, gen)
	if err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	t.trackCancel(cancel)
	go func() {
		defer cancel()
		if _, err := t.alignAfterPreconditions(bgCtx, gen, promptText, judge, annotated, nil); err != nil {
			slog.Warn("alignment finished with error",
				"workshop_id", t.session.WorkshopID, "question_index", t.session.QuestionIndex, "error", err)
		}
	}()
	return nil
}

func (t *Tuner) beginAlignment() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.alignState.Phase.InFlight() {
		return 0, ErrAlignmentRunning
	}
	t.alignState = RunState{Phase: PhaseSubmitting, RunID: uuid.NewString()}
	return t.generation, nil
}

// checkAlignmentPreconditions verifies backend configuration and annotation
// coverage. On a precondition miss the run backs off to idle: nothing was
// submitted, nothing is mutated.
func (t *Tuner) checkAlignmentPreconditions(ctx context.Context, gen uint64) (int, error) {
	ok, err := t.backend.HasMLflowConfig(ctx, t.session.WorkshopID)
	if err != nil {
		return 0, t.failAlignment(gen, fmt.Errorf("checking backend configuration: %w", err))
	}
	if !ok {
		t.ifCurrent(gen, func() { t.alignState = RunState{Phase: PhaseIdle} })
		return 0, ErrConfigRequired
	}

	annotated, err := t.backend.AnnotatedTraceCount(ctx, t.session.WorkshopID, t.session.QuestionIndex)
	if err != nil {
		return 0, t.failAlignment(gen, fmt.Errorf("fetching annotation count: %w", err))
	}
	if annotated < MinAlignmentAnnotations {
		t.ifCurrent(gen, func() { t.alignState = RunState{Phase: PhaseIdle} })
		return 0, &CoverageError{Annotated: annotated, Required: MinAlignmentAnnotations}
	}
	return annotated, nil
}

func (t *Tuner) alignAfterPreconditions(ctx context.Context, gen uint64, promptText string, judge models.JudgeConfig, annotated int, onLogs func(lines []string)) (*AlignmentOutcome, error) {
	// Coverage gap: the optimizer needs judge predictions for the annotated
	// traces. If evaluation records lag behind annotations, auto-evaluation
	// must reach a terminal state first.
	if t.evaluationCount() < annotated {
		if err := t.ensureAutoEvaluation(ctx, gen, judge); err != nil {
			return nil, t.failAlignment(gen, err)
		}
	}

	req := models.StartAlignmentRequest{
		JudgeName:           judge.JudgeName,
		JudgePrompt:         NormalizePromptText(promptText),
		EvaluationModelName: judge.EvaluationModelName,
		AlignmentModelName:  judge.AlignmentModelName,
		QuestionIndex:       t.session.QuestionIndex,
	}

	jobID, err := t.backend.StartAlignment(ctx, t.session.WorkshopID, req)
	if err != nil {
		return nil, t.failAlignment(gen, fmt.Errorf("submitting alignment: %w", err))
	}

	t.ifCurrent(gen, func() {
		t.alignState.Phase = PhasePolling
		t.alignState.JobID = jobID
	})

	outcome, err := poller.Run(ctx, t.opts.Alignment,
		func(ctx context.Context, since int) (*models.JobPollResponse, error) {
			return t.backend.PollAlignmentJob(ctx, t.session.WorkshopID, jobID, since)
		},
		func(lines []string) {
			t.ifCurrent(gen, func() {
				t.alignState.Logs = append(t.alignState.Logs, lines...)
				t.persistAlignmentLog(t.alignState.Logs)
			})
			if onLogs != nil {
				onLogs(lines)
			}
		})
	if err != nil {
		if errors.Is(err, poller.ErrPollTimeout) {
			t.ifCurrent(gen, func() {
				t.alignState.Phase = PhaseTimedOut
				t.alignState.Error = err.Error()
			})
			return nil, fmt.Errorf("alignment job %s: %w", jobID, err)
		}
		return nil, err
	}

	if outcome.Status == models.JobFailed {
		msg := outcome.Error
		if msg == "" {
			msg = "alignment job failed"
		}
		return nil, t.failAlignment(gen, errors.New(msg))
	}

	var result models.AlignmentResult
	if len(outcome.Result) > 0 {
		if err := json.Unmarshal(outcome.Result, &result); err != nil {
			return nil, t.failAlignment(gen, fmt.Errorf("decoding alignment result: %w", err))
		}
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "alignment completed without a success result"
		}
		return nil, t.failAlignment(gen, errors.New(msg))
	}

	// Alignment is all-or-nothing: everything below applies only on success.
	prompt := t.applyAlignmentResult(ctx, gen, result)

	// Auto-eval results computed before alignment remain valid; re-fetch and
	// redisplay rather than clearing them.
	var snapshot *models.EvaluationSnapshot
	if state, err := t.backend.AutoEvaluationResults(ctx, t.session.WorkshopID); err != nil {
		slog.Warn("error refreshing evaluations after alignment", "workshop_id", t.session.WorkshopID, "error", err)
	} else {
		snapshot = newSnapshot(state.Evaluations, state.Metrics)
		t.setSnapshot(gen, snapshot)
		t.persistSnapshot(ctx, snapshot)
	}

	t.ifCurrent(gen, func() { t.alignState.Phase = PhaseSucceeded })

	return &AlignmentOutcome{
		Result:   result,
		Prompt:   prompt,
		Snapshot: snapshot,
		Logs:     outcome.Logs,
	}, nil
}

// applyAlignmentResult replaces the active prompt text with the aligned
// instructions. When the backend reports a saved version, the authoritative
// copy is re-fetched so local and persisted text agree bit for bit.
func (t *Tuner) applyAlignmentResult(ctx context.Context, gen uint64, result models.AlignmentResult) models.Prompt {
	text := result.AlignedInstructions
	version := 0
	if result.SavedPromptID != "" {
		if versions, err := t.backend.ListPromptVersions(ctx, t.session.WorkshopID, t.session.QuestionIndex); err != nil {
			slog.Warn("error listing prompt versions after alignment", "workshop_id", t.session.WorkshopID, "error", err)
		} else {
			for _, v := range versions {
				if v.ID == result.SavedPromptID {
					text = v.Text
					version = v.Version
					break
				}
			}
		}
	}

	var prompt models.Prompt
	t.ifCurrent(gen, func() {
		t.prompt.Text = text
		t.prompt.Modified = false
		if result.SavedPromptID != "" {
			t.prompt.ID = result.SavedPromptID
		}
		if version > 0 {
			t.prompt.Version = version
		}
		prompt = t.prompt
	})
	return prompt
}

// ensureAutoEvaluation brings evaluation coverage up to date before alignment.
// Auto-evaluation may have finished out of band, so the status is re-checked
// before anything is restarted.
func (t *Tuner) ensureAutoEvaluation(ctx context.Context, gen uint64, judge models.JudgeConfig) error {
	state, err := t.backend.AutoEvaluationStatus(ctx, t.session.WorkshopID)
	if err != nil {
		return fmt.Errorf("checking auto-evaluation status: %w", err)
	}

	if state.Status != models.JobCompleted {
		if err := t.backend.RestartAutoEvaluation(ctx, t.session.WorkshopID, judge.EvaluationModelName); err != nil {
			return fmt.Errorf("restarting auto-evaluation: %w", err)
		}

		outcome, err := poller.Run(ctx, t.opts.AutoEvaluation,
			func(ctx context.Context, since int) (*models.JobPollResponse, error) {
				st, err := t.backend.AutoEvaluationStatus(ctx, t.session.WorkshopID)
				if err != nil {
					return nil, err
				}
				return &models.JobPollResponse{Status: st.Status}, nil
			}, nil)
		if err != nil {
			if errors.Is(err, poller.ErrPollTimeout) {
				return fmt.Errorf("auto-evaluation: %w", err)
			}
			return err
		}
		if outcome.Status == models.JobFailed {
			return errors.New("auto-evaluation failed, cannot align")
		}
	}

	results, err := t.backend.AutoEvaluationResults(ctx, t.session.WorkshopID)
	if err != nil {
		return fmt.Errorf("fetching auto-evaluation results: %w", err)
	}
	if results.Status == models.JobFailed {
		return errors.New("auto-evaluation failed, cannot align")
	}

	snapshot := newSnapshot(results.Evaluations, results.Metrics)
	t.setSnapshot(gen, snapshot)
	t.persistSnapshot(ctx, snapshot)
	return nil
}

func (t *Tuner) evaluationCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot == nil {
		return 0
	}
	return len(t.snapshot.Evaluations)
}

// persistAlignmentLog mirrors the live execution log; best-effort, called
// with t.mu held.
func (t *Tuner) persistAlignmentLog(lines []string) {
	stored := make([]string, len(lines))
	copy(stored, lines)
	go func() {
		if err := t.store.PutAlignmentLog(context.Background(), t.session.WorkshopID, stored); err != nil {
			slog.Warn("error persisting alignment log", "workshop_id", t.session.WorkshopID, "error", err)
		}
	}()
}

func (t *Tuner) failAlignment(gen uint64, err error) error {
	t.ifCurrent(gen, func() {
		t.alignState.Phase = PhaseFailed
		t.alignState.Error = err.Error()
	})
	return err
}
