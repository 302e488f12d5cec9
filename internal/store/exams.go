package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/papergrader/internal/model"
)

// CreateExam inserts an exam. CreatedAt and UpdatedAt are set here.
func (s *Store) CreateExam(ctx context.Context, e *model.Exam) error {
	qs, err := json.Marshal(questionsOrEmpty(e.Questions))
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exams (exam_id, name, grading_mode, total_marks, questions,
			question_paper_handle, model_answer_handle, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.GradingMode, e.TotalMarks, string(qs),
		e.QuestionPaperHandle, e.ModelAnswerHandle, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert exam: %w", err)
	}
	e.CreatedAt, e.UpdatedAt = now, now
	return nil
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(ctx context.Context, id string) (model.Exam, error) {
	var e model.Exam
	var qs string
	err := s.db.QueryRowContext(ctx,
		`SELECT exam_id, name, grading_mode, total_marks, questions,
			question_paper_handle, model_answer_handle, created_at, updated_at
		 FROM exams WHERE exam_id = ?`, id,
	).Scan(&e.ID, &e.Name, &e.GradingMode, &e.TotalMarks, &qs,
		&e.QuestionPaperHandle, &e.ModelAnswerHandle, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%w: %s", model.ErrExamNotFound, id)
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(qs), &e.Questions); err != nil {
		return e, fmt.Errorf("decode questions of exam %s: %w", id, err)
	}
	return e, nil
}

// ListExams returns every exam, newest first.
func (s *Store) ListExams(ctx context.Context) ([]model.Exam, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT exam_id FROM exams ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	exams := make([]model.Exam, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExam(ctx, id)
		if err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, nil
}

// SaveQuestions replaces the exam's question list.
func (s *Store) SaveQuestions(ctx context.Context, examID string, questions []model.Question) error {
	qs, err := json.Marshal(questionsOrEmpty(questions))
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE exams SET questions = ?, updated_at = ? WHERE exam_id = ?`,
		string(qs), time.Now().UTC(), examID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("%w: %s", model.ErrExamNotFound, examID))
}

func questionsOrEmpty(qs []model.Question) []model.Question {
	if qs == nil {
		return []model.Question{}
	}
	return qs
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
