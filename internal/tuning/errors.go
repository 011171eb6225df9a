package tuning

import (
	"errors"
	"fmt"
)

// Validation and precondition errors are resolved locally: when one of these
// is returned no job submission has been issued.
var (
	ErrEmptyPrompt      = errors.New("judge prompt is empty")
	ErrMissingJudgeName = errors.New("judge name is required")
	ErrInvalidJudgeType = errors.New("invalid judge type")
	ErrMissingEndpoint  = errors.New("an endpoint name is required for simple evaluation")
	ErrConfigRequired   = errors.New("mlflow configuration required: configure the workshop backend first")

	ErrEvaluationRunning = errors.New("an evaluation is already running for this question")
	ErrAlignmentRunning  = errors.New("an alignment is already running for this question")
)

// MinAlignmentAnnotations is the human-annotation coverage the alignment
// optimizer needs before it can run.
const MinAlignmentAnnotations = 10

// CoverageError reports insufficient annotation coverage with a quantified
// remedy.
type CoverageError struct {
	Annotated int
	Required  int
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("need %d more annotations before alignment can run (%d of %d annotated)",
		e.Required-e.Annotated, e.Annotated, e.Required)
}
