package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/scoring"
)

func (h *Handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, exam, err := h.loadSubmission(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.NewSubmissionView(exam, sub))
}

// scoreRequest is a teacher's correction of one question. Questions with
// sub-questions are corrected through SubScores so the question total stays
// the sum of its parts; Marks corrects a question without parts.
type scoreRequest struct {
	Marks     *float64           `json:"marks" validate:"omitempty,gte=0"`
	SubScores map[string]float64 `json:"sub_scores" validate:"omitempty,dive,gte=0"`
	Comment   string             `json:"comment"`
}

func (h *Handler) handleUpdateScore(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 1 {
		h.badRequest(w, r, "invalid question number")
		return
	}
	var req scoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Marks == nil && len(req.SubScores) == 0 {
		h.badRequest(w, r, "marks or sub_scores required")
		return
	}

	sub, exam, err := h.loadSubmission(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sub.Status != model.SubmissionGraded && sub.Status != model.SubmissionReviewed {
		h.writeError(w, r, model.ErrInvalidTransition)
		return
	}
	qs, ok := sub.Score(number)
	if !ok {
		h.badRequest(w, r, "question "+strconv.Itoa(number)+" is not on this paper")
		return
	}

	q, _ := exam.Question(number)
	hasParts := q.HasSubQuestions() || len(qs.SubScores) > 0
	if hasParts && len(req.SubScores) == 0 {
		h.badRequest(w, r, "question "+strconv.Itoa(number)+" has sub-questions; sub_scores required")
		return
	}
	if !hasParts && len(req.SubScores) > 0 {
		h.badRequest(w, r, "question "+strconv.Itoa(number)+" has no sub-questions")
		return
	}

	if qs.AIMarks == nil {
		ai := qs.ObtainedMarks
		qs.AIMarks = &ai
	}
	if hasParts {
		if len(qs.SubScores) == 0 {
			// A question that failed grading has no breakdown yet.
			for _, sq := range q.SubQuestions {
				qs.SubScores = append(qs.SubScores, model.SubScore{
					SubID: sq.SubID, MaxMarks: sq.MaxMarks, ObtainedMarks: model.NotFoundMarks,
				})
			}
		}
		for id, marks := range req.SubScores {
			if !setSubScore(qs, id, marks) {
				h.badRequest(w, r, "unknown sub-question "+id)
				return
			}
		}
	} else {
		qs.ObtainedMarks = scoring.Clamp(*req.Marks, qs.MaxMarks)
	}
	qs.Failed = false
	if req.Comment != "" {
		qs.TeacherComment = req.Comment
	}

	scoring.Finalize(&sub, exam)
	sub.Status = model.SubmissionReviewed
	if err := h.store.UpdateSubmission(r.Context(), &sub); err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("score corrected", "submission_id", sub.ID, "question", number, "total", sub.TotalMarks)
	writeJSON(w, http.StatusOK, model.NewSubmissionView(exam, sub))
}

func setSubScore(qs *model.QuestionScore, id string, marks float64) bool {
	for i := range qs.SubScores {
		if qs.SubScores[i].SubID == id {
			qs.SubScores[i].ObtainedMarks = scoring.Clamp(marks, qs.SubScores[i].MaxMarks)
			return true
		}
	}
	return false
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	sub, exam, err := h.loadSubmission(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	switch sub.Status {
	case model.SubmissionPublished:
	case model.SubmissionGraded, model.SubmissionReviewed:
		sub.Status = model.SubmissionPublished
		if err := h.store.UpdateSubmission(r.Context(), &sub); err != nil {
			h.writeError(w, r, err)
			return
		}
		slog.Info("submission published", "submission_id", sub.ID, "percentage", sub.Percentage)
	default:
		h.writeError(w, r, model.ErrInvalidTransition)
		return
	}
	writeJSON(w, http.StatusOK, model.NewSubmissionView(exam, sub))
}

func (h *Handler) loadSubmission(r *http.Request) (model.Submission, model.Exam, error) {
	sub, err := h.store.GetSubmission(r.Context(), chi.URLParam(r, "submissionID"))
	if err != nil {
		return sub, model.Exam{}, err
	}
	exam, err := h.store.GetExam(r.Context(), sub.ExamID)
	return sub, exam, err
}
