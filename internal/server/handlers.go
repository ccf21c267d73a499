package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/knoguchi/scout/internal/criteria"
	"github.com/knoguchi/scout/internal/evaluation"
	"github.com/knoguchi/scout/internal/repository"
)

type projectResponse struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	ResultsSummary string    `json:"results_summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type criterionResponse struct {
	ID       uuid.UUID `json:"id"`
	Gate     string    `json:"gate"`
	Category string    `json:"category"`
	Question string    `json:"question"`
	Evidence string    `json:"evidence"`
}

type resultResponse struct {
	ID          uuid.UUID   `json:"id,omitempty"`
	CriterionID uuid.UUID   `json:"criterion_id"`
	Answer      string      `json:"answer"`
	FullText    string      `json:"full_text"`
	ChunkIDs    []uuid.UUID `json:"chunk_ids"`
	CreatedAt   time.Time   `json:"created_at"`
}

type failureResponse struct {
	CriterionID uuid.UUID `json:"criterion_id"`
	Question    string    `json:"question"`
	Stage       string    `json:"stage"`
	Error       string    `json:"error"`
}

type evaluationRequest struct {
	Gate string `json:"gate"`
	K    int    `json:"k"`
	Save *bool  `json:"save"`
}

type revisionResponse struct {
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type evaluationResponse struct {
	ProjectID         uuid.UUID          `json:"project_id"`
	Criteria          int                `json:"criteria"`
	Results           []resultResponse   `json:"results"`
	Failures          []failureResponse  `json:"failures"`
	Summary           string             `json:"summary,omitempty"`
	Hypotheses        string             `json:"hypotheses"`
	HypothesisHistory []revisionResponse `json:"hypothesis_history"`
	DurationMS        int64              `json:"duration_ms"`
	Canceled          bool               `json:"canceled,omitempty"`
}

func toProject(p *repository.Project) projectResponse {
	return projectResponse{
		ID:             p.ID,
		Name:           p.Name,
		ResultsSummary: p.ResultsSummary,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func toResult(r *repository.Result) resultResponse {
	ids := r.ChunkIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return resultResponse{
		ID:          r.ID,
		CriterionID: r.CriterionID,
		Answer:      string(r.Answer),
		FullText:    r.FullText,
		ChunkIDs:    ids,
		CreatedAt:   r.CreatedAt,
	}
}

func (s *HTTPServer) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context(), repository.ProjectFilter{Name: r.URL.Query().Get("name")})
	if err != nil {
		s.internalError(w, r, "list projects", err)
		return
	}
	out := make([]projectResponse, len(projects))
	for i, p := range projects {
		out[i] = toProject(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (s *HTTPServer) getProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toProject(p))
}

func (s *HTTPServer) listCriteria(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	gate, err := repository.ParseGate(r.URL.Query().Get("gate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	crit, _, err := criteria.ForProject(r.Context(), s.store, p.ID, gate)
	if err != nil {
		s.internalError(w, r, "list criteria", err)
		return
	}
	out := make([]criterionResponse, len(crit))
	for i, c := range crit {
		out[i] = criterionResponse{
			ID:       c.ID,
			Gate:     string(c.Gate),
			Category: c.Category,
			Question: c.Question,
			Evidence: c.Evidence,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"criteria": out})
}

func (s *HTTPServer) listResults(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	results, err := s.store.ListResults(r.Context(), p.ID)
	if err != nil {
		s.internalError(w, r, "list results", err)
		return
	}
	out := make([]resultResponse, len(results))
	for i, res := range results {
		out[i] = toResult(res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// runEvaluation evaluates the project's criteria synchronously. Only one
// evaluation per project runs at a time.
func (s *HTTPServer) runEvaluation(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProject(w, r)
	if !ok {
		return
	}

	var req evaluationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.K < 0 {
		writeError(w, http.StatusBadRequest, "k must be positive")
		return
	}
	k := req.K
	if k == 0 {
		k = s.cfg.DefaultK
	}
	persist := req.Save == nil || *req.Save

	gate, err := repository.ParseGate(req.Gate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, busy := s.running.LoadOrStore(p.ID, struct{}{}); busy {
		writeError(w, http.StatusConflict, "an evaluation is already running for this project")
		return
	}
	defer s.running.Delete(p.ID)

	crit, shared, err := criteria.ForProject(r.Context(), s.store, p.ID, gate)
	if err != nil {
		s.internalError(w, r, "list criteria", err)
		return
	}
	if shared {
		s.logger.Info("no criteria linked to project, using all stored criteria", "project", p.ID, "gate", gate)
	}
	if len(crit) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "project has no criteria for this gate")
		return
	}

	ctx := r.Context()
	if s.cfg.EvalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.EvalTimeout)
		defer cancel()
	}

	s.logger.Info("evaluation requested",
		"project", p.Name,
		"gate", gate,
		"criteria", len(crit),
		"k", k,
		"save", persist,
		"request_id", middleware.GetReqID(r.Context()),
	)

	report, err := s.runner.Run(ctx, p, crit, evaluation.RunOptions{K: k, Persist: persist})
	switch {
	case errors.Is(err, evaluation.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && report == nil:
		s.internalError(w, r, "run evaluation", err)
		return
	}

	resp := evaluationResponse{
		ProjectID:         p.ID,
		Criteria:          len(crit),
		Results:           make([]resultResponse, len(report.Results)),
		Failures:          make([]failureResponse, len(report.Failures)),
		Summary:           report.Summary,
		Hypotheses:        report.Hypotheses,
		HypothesisHistory: make([]revisionResponse, len(report.HypothesisHistory)),
		DurationMS:        report.Duration.Milliseconds(),
		Canceled:          err != nil,
	}
	for i, rev := range report.HypothesisHistory {
		resp.HypothesisHistory[i] = revisionResponse{Text: rev.Text, Source: rev.Source, Timestamp: rev.Timestamp}
	}
	for i, res := range report.Results {
		resp.Results[i] = toResult(res)
	}
	for i, f := range report.Failures {
		resp.Failures[i] = failureResponse{
			CriterionID: f.Criterion.ID,
			Question:    f.Criterion.Question,
			Stage:       f.Stage.String(),
			Error:       f.Err.Error(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) loadProject(w http.ResponseWriter, r *http.Request) (*repository.Project, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return nil, false
	}
	p, err := s.store.GetProject(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "project not found")
		return nil, false
	}
	if err != nil {
		s.internalError(w, r, "get project", err)
		return nil, false
	}
	return p, true
}

func (s *HTTPServer) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("request failed",
		"op", op,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}
