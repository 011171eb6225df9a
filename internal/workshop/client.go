// Package workshop is the REST client for the workshop backend. The backend
// owns trace ingestion, annotation storage and the actual evaluation and
// alignment jobs; this client only submits jobs and observes them.
package workshop

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"judge-tuner/pkg/models"
)

const defaultRequestTimeout = 30 * time.Second

// SubmissionError is a non-2xx response from the backend, surfaced with the
// status code and body text.
type SubmissionError struct {
	StatusCode int
	Body       string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("workshop backend returned status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	http *resty.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(defaultRequestTimeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func checkResponse(res *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return &SubmissionError{StatusCode: res.StatusCode(), Body: res.String()}
	}
	return nil
}

func (c *Client) StartEvaluation(ctx context.Context, workshopID string, req models.StartEvaluationRequest) (string, error) {
	var out models.StartJobResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(fmt.Sprintf("/workshops/%s/start-evaluation", workshopID))
	if err := checkResponse(res, err); err != nil {
		return "", fmt.Errorf("starting evaluation: %w", err)
	}
	return out.JobID, nil
}

func (c *Client) StartSimpleEvaluation(ctx context.Context, workshopID string, req models.StartEvaluationRequest) (string, error) {
	var out models.StartJobResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(fmt.Sprintf("/workshops/%s/start-simple-evaluation", workshopID))
	if err := checkResponse(res, err); err != nil {
		return "", fmt.Errorf("starting simple evaluation: %w", err)
	}
	return out.JobID, nil
}

func (c *Client) PollEvaluationJob(ctx context.Context, workshopID, jobID string, sinceLogIndex int) (*models.JobPollResponse, error) {
	var out models.JobPollResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("since_log_index", strconv.Itoa(sinceLogIndex)).
		SetResult(&out).
		Get(fmt.Sprintf("/workshops/%s/evaluation-job/%s", workshopID, jobID))
	if err := checkResponse(res, err); err != nil {
		return nil, fmt.Errorf("polling evaluation job %s: %w", jobID, err)
	}
	return &out, nil
}

func (c *Client) StartAlignment(ctx context.Context, workshopID string, req models.StartAlignmentRequest) (string, error) {
	var out models.StartJobResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(fmt.Sprintf("/workshops/%s/start-alignment", workshopID))
	if err := checkResponse(res, err); err != nil {
		return "", fmt.Errorf("starting alignment: %w", err)
	}
	return out.JobID, nil
}

func (c *Client) PollAlignmentJob(ctx context.Context, workshopID, jobID string, sinceLogIndex int) (*models.JobPollResponse, error) {
	var out models.JobPollResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("since_log_index", strconv.Itoa(sinceLogIndex)).
		SetResult(&out).
		Get(fmt.Sprintf("/workshops/%s/alignment-job/%s", workshopID, jobID))
	if err := checkResponse(res, err); err != nil {
		return nil, fmt.Errorf("polling alignment job %s: %w", jobID, err)
	}
	return &out, nil
}

func (c *Client) AutoEvaluationStatus(ctx context.Context, workshopID string) (*models.AutoEvaluationState, error) {
	var out models.AutoEvaluationState
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/workshops/%s/auto-evaluation-status", workshopID))
	if err := checkResponse(res, err); err != nil {
		return nil, fmt.Errorf("fetching auto-evaluation status: %w", err)
	}
	return &out, nil
}

func (c *Client) AutoEvaluationResults(ctx context.Context, workshopID string) (*models.AutoEvaluationState, error) {
	var out models.AutoEvaluationState
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/workshops/%s/auto-evaluation-results", workshopID))
	if err := checkResponse(res, err); err != nil {
		return nil, fmt.Errorf("fetching auto-evaluation results: %w", err)
	}
	return &out, nil
}

func (c *Client) RestartAutoEvaluation(ctx context.Context, workshopID, evaluationModelName string) error {
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"evaluation_model_name": evaluationModelName}).
		Post(fmt.Sprintf("/workshops/%s/restart-auto-evaluation", workshopID))
	if err := checkResponse(res, err); err != nil {
		return fmt.Errorf("restarting auto-evaluation: %w", err)
	}
	return nil
}

// AggregateFeedback asks the backend to fold all collected human feedback into
// its evaluation dataset. MLflow-mode evaluations must not start on stale
// aggregated feedback, so callers abort when this fails.
func (c *Client) AggregateFeedback(ctx context.Context, workshopID string) error {
	res, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/workshops/%s/aggregate-feedback", workshopID))
	if err := checkResponse(res, err); err != nil {
		return fmt.Errorf("aggregating feedback: %w", err)
	}
	return nil
}

// HasMLflowConfig reports whether the backend holds an MLflow/Databricks
// configuration for this workshop. 404 means not configured.
func (c *Client) HasMLflowConfig(ctx context.Context, workshopID string) (bool, error) {
	res, err := c.http.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/workshops/%s/mlflow-config", workshopID))
	if err != nil {
		return false, fmt.Errorf("checking mlflow config: %w", err)
	}
	if res.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if !res.IsSuccess() {
		return false, fmt.Errorf("checking mlflow config: %w", &SubmissionError{StatusCode: res.StatusCode(), Body: res.String()})
	}
	return true, nil
}

func (c *Client) ListPromptVersions(ctx context.Context, workshopID string, questionIndex int) ([]models.PromptVersion, error) {
	var out []models.PromptVersion
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("question_index", strconv.Itoa(questionIndex)).
		SetResult(&out).
		Get(fmt.Sprintf("/workshops/%s/prompts", workshopID))
	if err := checkResponse(res, err); err != nil {
		return nil, fmt.Errorf("listing prompt versions: %w", err)
	}
	return out, nil
}

func (c *Client) GetPromptVersion(ctx context.Context, workshopID, promptID string) (*models.PromptVersion, error) {
	var out models.PromptVersion
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/workshops/%s/prompts/%s", workshopID, promptID))
	if err := checkResponse(res, err); err != nil {
		return nil, fmt.Errorf("fetching prompt version %s: %w", promptID, err)
	}
	return &out, nil
}

func (c *Client) AnnotatedTraceCount(ctx context.Context, workshopID string, questionIndex int) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("question_index", strconv.Itoa(questionIndex)).
		SetResult(&out).
		Get(fmt.Sprintf("/workshops/%s/annotation-count", workshopID))
	if err := checkResponse(res, err); err != nil {
		return 0, fmt.Errorf("fetching annotation count: %w", err)
	}
	return out.Count, nil
}
