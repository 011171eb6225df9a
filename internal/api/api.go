// Package api is the local HTTP facade over the tuning orchestrators. The
// workshop UI drives evaluation and alignment through it and renders from the
// state endpoint.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"judge-tuner/internal/cache"
	"judge-tuner/internal/tuning"
	"judge-tuner/pkg/models"
)

type TunerService struct {
	manager *tuning.Manager
	store   cache.Store
}

func NewTunerService(manager *tuning.Manager, store cache.Store) *TunerService {
	return &TunerService{manager: manager, store: store}
}

func (s *TunerService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/workshops/{workshop_id}/questions/{question_index}", func(r chi.Router) {
		r.Post("/evaluate", RestHandler(s.StartEvaluation))
		r.Post("/align", RestHandler(s.StartAlignment))
		r.Get("/state", RestHandler(s.GetState))
		r.Get("/snapshot", RestHandler(s.GetSnapshot))
	})
	r.Get("/workshops/{workshop_id}/alignment-log", RestHandler(s.GetAlignmentLog))
}

type StartRequest struct {
	PromptText string             `json:"prompt_text"`
	Judge      models.JudgeConfig `json:"judge"`
}

type StartResponse struct {
	Message string `json:"message"`
}

func (s *TunerService) sessionFromRequest(r *http.Request) (tuning.Session, error) {
	workshopID, err := URLParamString(r, "workshop_id")
	if err != nil {
		return tuning.Session{}, err
	}
	questionIndex, err := URLParamInt(r, "question_index")
	if err != nil {
		return tuning.Session{}, err
	}
	return tuning.Session{WorkshopID: workshopID, QuestionIndex: questionIndex}, nil
}

// codedTuningError maps orchestrator error classes onto HTTP statuses:
// validation 400, missing backend configuration 412, coverage 422, duplicate
// in-flight operation 409.
func codedTuningError(err error) error {
	var coverage *tuning.CoverageError
	switch {
	case errors.Is(err, tuning.ErrEvaluationRunning), errors.Is(err, tuning.ErrAlignmentRunning):
		return CodedError(http.StatusConflict, err)
	case errors.As(err, &coverage):
		return CodedError(http.StatusUnprocessableEntity, err)
	case errors.Is(err, tuning.ErrConfigRequired):
		return CodedError(http.StatusPreconditionFailed, err)
	case errors.Is(err, tuning.ErrEmptyPrompt),
		errors.Is(err, tuning.ErrMissingJudgeName),
		errors.Is(err, tuning.ErrInvalidJudgeType),
		errors.Is(err, tuning.ErrMissingEndpoint):
		return CodedError(http.StatusBadRequest, err)
	}
	return CodedError(http.StatusBadGateway, err)
}

func (s *TunerService) StartEvaluation(r *http.Request) (any, error) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[StartRequest](r)
	if err != nil {
		return nil, err
	}

	if err := s.manager.Tuner(session).StartEvaluationAsync(req.PromptText, req.Judge); err != nil {
		return nil, codedTuningError(err)
	}
	return StartResponse{Message: "evaluation started"}, nil
}

func (s *TunerService) StartAlignment(r *http.Request) (any, error) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[StartRequest](r)
	if err != nil {
		return nil, err
	}

	if err := s.manager.Tuner(session).StartAlignmentAsync(r.Context(), req.PromptText, req.Judge); err != nil {
		return nil, codedTuningError(err)
	}
	return StartResponse{Message: "alignment started"}, nil
}

type StateQuery struct {
	// MaxLogLines, when positive, trims each execution log to its tail.
	MaxLogLines int `schema:"max_log_lines"`
}

func (s *TunerService) GetState(r *http.Request) (any, error) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		return nil, err
	}
	query, err := ParseRequestQueryParams[StateQuery](r)
	if err != nil {
		return nil, err
	}

	state := s.manager.Tuner(session).State()
	if query.MaxLogLines > 0 {
		state.Evaluation.Logs = tailLines(state.Evaluation.Logs, query.MaxLogLines)
		state.Alignment.Logs = tailLines(state.Alignment.Logs, query.MaxLogLines)
	}
	return state, nil
}

func tailLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func (s *TunerService) GetSnapshot(r *http.Request) (any, error) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		return nil, err
	}

	// Prefer live orchestrator state; fall back to the TTL-bounded cache.
	if snapshot := s.manager.Tuner(session).Snapshot(); snapshot != nil {
		return snapshot, nil
	}

	key := cache.Key{WorkshopID: session.WorkshopID, QuestionIndex: session.QuestionIndex}
	snapshot, ok, err := s.store.GetSnapshot(r.Context(), key)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error reading cached snapshot: %v", err)
	}
	if !ok {
		return nil, CodedErrorf(http.StatusNotFound, "no evaluation snapshot for workshop %s question %d", session.WorkshopID, session.QuestionIndex)
	}
	return snapshot, nil
}

func (s *TunerService) GetAlignmentLog(r *http.Request) (any, error) {
	workshopID, err := URLParamString(r, "workshop_id")
	if err != nil {
		return nil, err
	}

	lines, err := s.store.GetAlignmentLog(r.Context(), workshopID)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error reading alignment log: %v", err)
	}
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}
