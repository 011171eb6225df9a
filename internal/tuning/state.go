package tuning

import "judge-tuner/pkg/models"

// Phase is the tagged state of one orchestration kind. A single value replaces
// the scattered boolean flags this workflow is usually expressed with, so
// impossible combinations cannot be represented.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhasePolling    Phase = "polling"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
	PhaseTimedOut   Phase = "timed_out"
)

func (p Phase) InFlight() bool {
	return p == PhaseSubmitting || p == PhasePolling
}

// RunState is the caller-visible state of one orchestration kind. RunID is
// minted client-side per run so observers can tell a fresh run apart from the
// previous one even before the backend assigns a job id.
type RunState struct {
	Phase Phase    `json:"phase"`
	RunID string   `json:"run_id,omitempty"`
	JobID string   `json:"job_id,omitempty"`
	Logs  []string `json:"logs,omitempty"`
	Error string   `json:"error,omitempty"`
}

// TunerState is a point-in-time copy of everything the rendering layer needs.
type TunerState struct {
	Evaluation RunState                   `json:"evaluation"`
	Alignment  RunState                   `json:"alignment"`
	Prompt     models.Prompt              `json:"prompt"`
	Snapshot   *models.EvaluationSnapshot `json:"snapshot,omitempty"`
}

// Session identifies whose state an orchestrator call operates on. It is
// threaded explicitly rather than read from ambient scope.
type Session struct {
	WorkshopID    string
	QuestionIndex int
	UserID        string
}
