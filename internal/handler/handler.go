// Package handler exposes exams, grading jobs and submission review over a
// JSON HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pavelanni/papergrader/internal/i18n"
	"github.com/pavelanni/papergrader/internal/jobs"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/pages"
	"github.com/pavelanni/papergrader/internal/scoring"
	"github.com/pavelanni/papergrader/internal/store"
)

// maxBodyBytes bounds request bodies; page images arrive inline as base64.
const maxBodyBytes = 64 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store      *store.Store
	pages      *pages.Store
	tracker    *jobs.Tracker
	rasterizer pages.Rasterizer
	validate   *validator.Validate
}

// New creates a new Handler. rasterizer may be nil, in which case documents
// must be uploaded as page images.
func New(st *store.Store, ps *pages.Store, tracker *jobs.Tracker, rasterizer pages.Rasterizer) *Handler {
	return &Handler{
		store:      st,
		pages:      ps,
		tracker:    tracker,
		rasterizer: rasterizer,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/exams", h.handleListExams)
		r.Post("/exams", h.handleCreateExam)
		r.Get("/exams/{examID}", h.handleGetExam)
		r.Put("/exams/{examID}/questions", h.handleSaveQuestions)
		r.Get("/exams/{examID}/stats", h.handleExamStats)

		r.Post("/jobs", h.handleSubmitJob)
		r.Get("/jobs/{jobID}", h.handlePollJob)
		r.Post("/jobs/{jobID}/cancel", h.handleCancelJob)
		r.Get("/jobs/{jobID}/submissions", h.handleJobSubmissions)

		r.Get("/submissions/{submissionID}", h.handleGetSubmission)
		r.Post("/submissions/{submissionID}/scores/{number}", h.handleUpdateScore)
		r.Post("/submissions/{submissionID}/publish", h.handlePublish)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// document is an uploaded source: page images, or one file to rasterize.
type document struct {
	Pages    [][]byte `json:"pages,omitempty"`
	Document []byte   `json:"document,omitempty"`
}

func (d document) empty() bool {
	return len(d.Pages) == 0 && len(d.Document) == 0
}

type createExamRequest struct {
	ExamID        string           `json:"exam_id"`
	Name          string           `json:"name" validate:"required"`
	GradingMode   string           `json:"grading_mode"`
	TotalMarks    float64          `json:"total_marks" validate:"gte=0"`
	Questions     []model.Question `json:"questions" validate:"omitempty,dive"`
	QuestionPaper document         `json:"question_paper"`
	ModelAnswer   document         `json:"model_answer"`
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListExams(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	writeJSON(w, http.StatusOK, exams)
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req createExamRequest
	if !h.decode(w, r, &req) {
		return
	}
	mode, ok := model.ParseGradingMode(req.GradingMode)
	if !ok {
		h.badRequest(w, r, "unknown grading mode "+req.GradingMode)
		return
	}
	if req.ExamID == "" {
		req.ExamID = uuid.NewString()
	} else if _, err := h.store.GetExam(r.Context(), req.ExamID); err == nil {
		writeJSON(w, http.StatusConflict, apiError{
			Kind:    "conflict",
			Message: i18n.Td(r.Context(), "ErrExamExists", map[string]any{"ID": req.ExamID}),
		})
		return
	}

	exam := model.Exam{
		ID:          req.ExamID,
		Name:        req.Name,
		GradingMode: mode,
		TotalMarks:  req.TotalMarks,
		Questions:   req.Questions,
	}
	var err error
	if !req.QuestionPaper.empty() {
		exam.QuestionPaperHandle, err = h.pages.Ingest(r.Context(), pages.KindQuestionPaper,
			req.QuestionPaper.Pages, req.QuestionPaper.Document, h.rasterizer)
		if err != nil {
			h.badRequest(w, r, "question_paper: "+err.Error())
			return
		}
	}
	if !req.ModelAnswer.empty() {
		exam.ModelAnswerHandle, err = h.pages.Ingest(r.Context(), pages.KindModelAnswer,
			req.ModelAnswer.Pages, req.ModelAnswer.Document, h.rasterizer)
		if err != nil {
			h.badRequest(w, r, "model_answer: "+err.Error())
			return
		}
	}
	if err := h.store.CreateExam(r.Context(), &exam); err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("exam created", "exam_id", exam.ID, "questions", len(exam.Questions),
		"has_question_paper", exam.QuestionPaperHandle != "", "has_model_answer", exam.ModelAnswerHandle != "")
	writeJSON(w, http.StatusCreated, exam)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.store.GetExam(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

type questionsRequest struct {
	Questions []model.Question `json:"questions" validate:"required,min=1,dive"`
}

// handleSaveQuestions replaces the exam's question list with a teacher's
// corrected version.
func (h *Handler) handleSaveQuestions(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	var req questionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	seen := make(map[int]bool, len(req.Questions))
	for _, q := range req.Questions {
		if seen[q.Number] {
			h.badRequest(w, r, "duplicate question number")
			return
		}
		seen[q.Number] = true
	}
	if err := h.store.SaveQuestions(r.Context(), examID, req.Questions); err != nil {
		h.writeError(w, r, err)
		return
	}
	exam, err := h.store.GetExam(r.Context(), examID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("questions replaced", "exam_id", examID, "questions", len(exam.Questions))
	writeJSON(w, http.StatusOK, exam)
}

type statsResponse struct {
	ExamID      string                `json:"exam_id"`
	Submissions int                   `json:"submissions"`
	Questions   []model.QuestionStats `json:"questions"`
}

func (h *Handler) handleExamStats(w http.ResponseWriter, r *http.Request) {
	exam, err := h.store.GetExam(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	subs, err := h.store.ListSubmissions(r.Context(), exam.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		ExamID:      exam.ID,
		Submissions: len(subs),
		Questions:   scoring.Stats(exam, subs),
	})
}

func (h *Handler) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if !decodeBody(w, r, &req) {
		h.badRequest(w, r, "malformed JSON body")
		return
	}
	id, err := h.tracker.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (h *Handler) handlePollJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.tracker.Poll(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if job.Errors == nil {
		job.Errors = []model.JobError{}
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	status, err := h.tracker.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.JobStatus{"status": status})
}

func (h *Handler) handleJobSubmissions(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := h.tracker.Poll(r.Context(), jobID); err != nil {
		h.writeError(w, r, err)
		return
	}
	subs, err := h.store.ListJobSubmissions(r.Context(), jobID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// decode reads a JSON body and validates it, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !decodeBody(w, r, dst) {
		h.badRequest(w, r, "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, r, err)
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Debug("decode request body", "path", r.URL.Path, "error", err)
		return false
	}
	return true
}

type apiError struct {
	Kind      string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeJSON(w, http.StatusBadRequest, apiError{
		Kind:    "invalid_request",
		Message: i18n.Td(r.Context(), "ErrInvalidRequest", map[string]any{"Detail": detail}),
	})
}

// writeError maps an error chain to a status code and a localized message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		h.badRequest(w, r, verrs.Error())
		return
	}
	if errors.Is(err, model.ErrInvalidTransition) {
		writeJSON(w, http.StatusConflict, apiError{
			Kind:    "invalid_transition",
			Message: i18n.T(r.Context(), "ErrInvalidTransition"),
		})
		return
	}

	kind := model.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case model.KindExamNotFound, model.KindJobNotFound, model.KindSubmissionNotFound:
		status = http.StatusNotFound
	case model.KindInvalidPaper:
		status = http.StatusUnprocessableEntity
	case model.KindRateLimited:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, apiError{
		Kind:      string(kind),
		Message:   i18n.Kind(r.Context(), kind),
		Retryable: kind.Retryable(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
