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

const submissionColumns = `submission_id, exam_id, job_id, paper_id, student_id, pages_handle,
	question_scores, total_marks, max_marks, percentage, status, answer_mode, error, created_at, updated_at`

// CreateSubmission inserts a submission in its current state.
func (s *Store) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	return insertSubmission(ctx, s.db, sub)
}

func insertSubmission(ctx context.Context, ex execer, sub *model.Submission) error {
	scores, err := encodeScores(sub.QuestionScores)
	if err != nil {
		return err
	}
	if sub.Status == "" {
		sub.Status = model.SubmissionPending
	}
	now := time.Now().UTC()
	_, err = ex.ExecContext(ctx,
		`INSERT INTO submissions (`+submissionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.ExamID, sub.JobID, sub.PaperID, sub.StudentID, sub.PagesHandle,
		scores, sub.TotalMarks, sub.MaxMarks, sub.Percentage, sub.Status, sub.AnswerMode, sub.Error, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	sub.CreatedAt, sub.UpdatedAt = now, now
	return nil
}

// UpdateSubmission writes scores, totals, status and error back.
func (s *Store) UpdateSubmission(ctx context.Context, sub *model.Submission) error {
	scores, err := encodeScores(sub.QuestionScores)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET question_scores = ?, total_marks = ?, max_marks = ?, percentage = ?,
			status = ?, answer_mode = ?, error = ?, updated_at = ?
		 WHERE submission_id = ?`,
		scores, sub.TotalMarks, sub.MaxMarks, sub.Percentage, sub.Status, sub.AnswerMode, sub.Error, now, sub.ID,
	)
	if err != nil {
		return err
	}
	if err := requireRow(res, fmt.Errorf("%w: %s", model.ErrSubmissionNotFound, sub.ID)); err != nil {
		return err
	}
	sub.UpdatedAt = now
	return nil
}

// GetSubmission returns a submission by ID.
func (s *Store) GetSubmission(ctx context.Context, id string) (model.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE submission_id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, fmt.Errorf("%w: %s", model.ErrSubmissionNotFound, id)
	}
	return sub, err
}

// ListSubmissions returns an exam's submissions in creation order.
func (s *Store) ListSubmissions(ctx context.Context, examID string) ([]model.Submission, error) {
	return s.querySubmissions(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE exam_id = ? ORDER BY created_at, submission_id`, examID)
}

// ListJobSubmissions returns the submissions created by a job.
func (s *Store) ListJobSubmissions(ctx context.Context, jobID string) ([]model.Submission, error) {
	return s.querySubmissions(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE job_id = ? ORDER BY created_at, submission_id`, jobID)
}

func (s *Store) querySubmissions(ctx context.Context, query string, args ...any) ([]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (model.Submission, error) {
	var sub model.Submission
	var scores string
	err := row.Scan(&sub.ID, &sub.ExamID, &sub.JobID, &sub.PaperID, &sub.StudentID, &sub.PagesHandle,
		&scores, &sub.TotalMarks, &sub.MaxMarks, &sub.Percentage, &sub.Status, &sub.AnswerMode, &sub.Error,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return sub, err
	}
	if err := json.Unmarshal([]byte(scores), &sub.QuestionScores); err != nil {
		return sub, fmt.Errorf("decode scores of submission %s: %w", sub.ID, err)
	}
	return sub, nil
}

func encodeScores(scores []model.QuestionScore) (string, error) {
	if scores == nil {
		scores = []model.QuestionScore{}
	}
	data, err := json.Marshal(scores)
	if err != nil {
		return "", fmt.Errorf("encode question scores: %w", err)
	}
	return string(data), nil
}
