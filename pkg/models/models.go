package models

import (
	"encoding/json"
	"time"
)

type JudgeType string

const (
	JudgeTypeLikert   JudgeType = "likert"
	JudgeTypeBinary   JudgeType = "binary"
	JudgeTypeFreeform JudgeType = "freeform"
)

func (t JudgeType) Valid() bool {
	switch t {
	case JudgeTypeLikert, JudgeTypeBinary, JudgeTypeFreeform:
		return true
	}
	return false
}

type EvaluationMode string

const (
	ModeMLflow EvaluationMode = "mlflow"
	ModeSimple EvaluationMode = "simple"
)

// Job statuses as reported by the workshop backend poll endpoints.
const (
	JobRunning   string = "running"
	JobCompleted string = "completed"
	JobFailed    string = "failed"
)

// JudgeConfig describes one judge: how it is named, what it rates, and which
// models drive evaluation and alignment.
type JudgeConfig struct {
	JudgeName           string         `json:"judge_name" yaml:"judge_name"`
	JudgeType           JudgeType      `json:"judge_type" yaml:"judge_type"`
	EvaluationModelName string         `json:"evaluation_model_name" yaml:"evaluation_model_name"`
	AlignmentModelName  string         `json:"alignment_model_name" yaml:"alignment_model_name"`
	EndpointName        string         `json:"endpoint_name" yaml:"endpoint_name"`
	Mode                EvaluationMode `json:"mode" yaml:"mode"`
}

// Prompt is one immutable version of a judge prompt. A save, evaluation or
// alignment that persists a prompt produces a new version; versions are never
// mutated in place.
type Prompt struct {
	ID              string              `json:"id"`
	Version         int                 `json:"version"`
	Text            string              `json:"text"`
	JudgeType       JudgeType           `json:"judge_type"`
	ModelName       string              `json:"model_name,omitempty"`
	ModelParameters map[string]any      `json:"model_parameters,omitempty"`
	Metrics         *PerformanceMetrics `json:"performance_metrics,omitempty"`

	// Modified tracks whether the in-memory text has diverged from the last
	// persisted version. Cleared when the backend reports a saved prompt id.
	Modified bool `json:"modified"`
}

// EvaluationRecord is one judge-vs-human comparison row for a single trace.
type EvaluationRecord struct {
	TraceID         string   `json:"trace_id"`
	PredictedRating *float64 `json:"predicted_rating,omitempty"`
	HumanRating     *float64 `json:"human_rating,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	Reasoning       string   `json:"reasoning,omitempty"`
	JudgeLabel      string   `json:"judge_label,omitempty"`
}

type PerformanceMetrics struct {
	Correlation       float64                   `json:"correlation"`
	Accuracy          float64                   `json:"accuracy"`
	TotalEvaluations  int                       `json:"total_evaluations"`
	AgreementByRating map[string]float64        `json:"agreement_by_rating,omitempty"`
	ConfusionMatrix   map[string]map[string]int `json:"confusion_matrix,omitempty"`
}

// EvaluationSnapshot is one evaluation run's records plus aggregate metrics,
// tied to the prompt version that produced it.
type EvaluationSnapshot struct {
	Evaluations []EvaluationRecord  `json:"evaluations"`
	Metrics     *PerformanceMetrics `json:"metrics,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// PromptVersion is the backend's authoritative record of a saved prompt.
type PromptVersion struct {
	ID        string    `json:"id"`
	Version   int       `json:"version"`
	Text      string    `json:"text"`
	JudgeType JudgeType `json:"judge_type"`
	ModelName string    `json:"model_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Workshop backend wire shapes ---

type StartEvaluationRequest struct {
	JudgePrompt         string    `json:"judge_prompt"`
	JudgeName           string    `json:"judge_name"`
	EvaluationModelName string    `json:"evaluation_model_name"`
	JudgeType           JudgeType `json:"judge_type"`
	PromptID            string    `json:"prompt_id,omitempty"`
	EndpointName        string    `json:"endpoint_name,omitempty"`
	QuestionIndex       int       `json:"question_index"`
}

type StartAlignmentRequest struct {
	JudgeName           string `json:"judge_name"`
	JudgePrompt         string `json:"judge_prompt"`
	EvaluationModelName string `json:"evaluation_model_name"`
	AlignmentModelName  string `json:"alignment_model_name"`
	QuestionIndex       int    `json:"question_index"`
}

type StartJobResponse struct {
	JobID string `json:"job_id"`
}

// JobPollResponse is the shared shape of the evaluation and alignment job poll
// endpoints. Logs holds only the lines past the requested since_log_index;
// LogCount is the backend's total line count so far.
type JobPollResponse struct {
	Status   string          `json:"status"`
	Logs     []string        `json:"logs"`
	LogCount int             `json:"log_count"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// EvaluationResult is the terminal result payload of a completed evaluation job.
type EvaluationResult struct {
	Success       bool                `json:"success"`
	Evaluations   []EvaluationRecord  `json:"evaluations"`
	Metrics       *PerformanceMetrics `json:"metrics,omitempty"`
	SavedPromptID string              `json:"saved_prompt_id,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// AlignmentResult is the terminal result payload of a completed alignment job.
type AlignmentResult struct {
	Success             bool   `json:"success"`
	JudgeName           string `json:"judge_name"`
	TraceCount          int    `json:"trace_count"`
	SavedPromptID       string `json:"saved_prompt_id,omitempty"`
	AlignedInstructions string `json:"aligned_instructions,omitempty"`
	Error               string `json:"error,omitempty"`
}

// AutoEvaluationState is the combined shape of the auto-evaluation status and
// results endpoints.
type AutoEvaluationState struct {
	Status      string              `json:"status"`
	Evaluations []EvaluationRecord  `json:"evaluations"`
	Metrics     *PerformanceMetrics `json:"metrics,omitempty"`
}
