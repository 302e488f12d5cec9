package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/scoring"
)

// ExportExam builds the export document for one exam: its questions, every
// submission denormalized for display, and per-question statistics.
func (s *Store) ExportExam(ctx context.Context, examID string) (model.ExamExport, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return model.ExamExport{}, err
	}
	subs, err := s.ListSubmissions(ctx, examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("list submissions: %w", err)
	}

	results := make([]model.SubmissionView, 0, len(subs))
	for _, sub := range subs {
		results = append(results, model.NewSubmissionView(exam, sub))
	}

	return model.ExamExport{
		ExamID:      exam.ID,
		Name:        exam.Name,
		GradingMode: exam.GradingMode,
		MaxMarks:    exam.MaxMarks(),
		ExportedAt:  time.Now().UTC(),
		Questions:   exam.Questions,
		Results:     results,
		Stats:       scoring.Stats(exam, subs),
	}, nil
}
