package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/papergrader/internal/model"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateJob inserts a pending job.
func (s *Store) CreateJob(ctx context.Context, j *model.GradingJob) error {
	return insertJob(ctx, s.db, j)
}

// CreateBatch inserts a pending job and its submissions atomically, so a
// submission never references a job that was not written.
func (s *Store) CreateBatch(ctx context.Context, j *model.GradingJob, subs []*model.Submission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertJob(ctx, tx, j); err != nil {
		return err
	}
	for _, sub := range subs {
		sub.JobID = j.ID
		if err := insertSubmission(ctx, tx, sub); err != nil {
			return fmt.Errorf("paper %s: %w", sub.PaperID, err)
		}
	}
	return tx.Commit()
}

func insertJob(ctx context.Context, ex execer, j *model.GradingJob) error {
	j.Status = model.JobPending
	j.CreatedAt = time.Now().UTC()
	if j.Errors == nil {
		j.Errors = []model.JobError{}
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO grading_jobs (job_id, exam_id, grading_mode, total_papers, status, errors, created_at)
		 VALUES (?, ?, ?, ?, ?, '[]', ?)`,
		j.ID, j.ExamID, j.GradingMode, j.TotalPapers, j.Status, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (model.GradingJob, error) {
	var j model.GradingJob
	var errs string
	var started, finished sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, exam_id, grading_mode, total_papers, processed_papers, successful, failed,
			status, errors, created_at, started_at, finished_at
		 FROM grading_jobs WHERE job_id = ?`, id,
	).Scan(&j.ID, &j.ExamID, &j.GradingMode, &j.TotalPapers, &j.ProcessedPapers, &j.Successful, &j.Failed,
		&j.Status, &errs, &j.CreatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return j, fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
	}
	if err != nil {
		return j, err
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	if err := json.Unmarshal([]byte(errs), &j.Errors); err != nil {
		return j, fmt.Errorf("decode errors of job %s: %w", id, err)
	}
	return j, nil
}

// PendingJobs returns the IDs of jobs waiting for a worker, oldest first.
func (s *Store) PendingJobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM grading_jobs WHERE status = ? ORDER BY created_at, job_id`, model.JobPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TransitionJob moves a job to status `to` only if it is currently in one
// of `from`. It returns ErrInvalidTransition when the job is elsewhere.
func (s *Store) TransitionJob(ctx context.Context, id string, to model.JobStatus, from ...model.JobStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: no source state", model.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, to, now, to.IsTerminal(), now, id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE grading_jobs SET status = ?,
			started_at = CASE WHEN ? = 'processing' THEN ? ELSE started_at END,
			finished_at = CASE WHEN ? THEN ? ELSE finished_at END
		 WHERE job_id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	cur, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s, cannot become %s", model.ErrInvalidTransition, id, cur.Status, to)
}

// RecordPaper counts one finished paper. The increments run in SQL so that
// concurrent workers never lose an update. A non-nil jobErr is appended.
func (s *Store) RecordPaper(ctx context.Context, id string, success bool, jobErr *model.JobError) error {
	ok, bad := 0, 1
	if success {
		ok, bad = 1, 0
	}
	if jobErr == nil {
		res, err := s.db.ExecContext(ctx,
			`UPDATE grading_jobs SET processed_papers = processed_papers + 1,
				successful = successful + ?, failed = failed + ?
			 WHERE job_id = ?`, ok, bad, id)
		if err != nil {
			return err
		}
		return requireRow(res, fmt.Errorf("%w: %s", model.ErrJobNotFound, id))
	}
	data, err := json.Marshal(jobErr)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE grading_jobs SET processed_papers = processed_papers + 1,
			successful = successful + ?, failed = failed + ?,
			errors = json_insert(errors, '$[#]', json(?))
		 WHERE job_id = ?`, ok, bad, string(data), id)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("%w: %s", model.ErrJobNotFound, id))
}

// AppendJobErrors records failures that do not change the paper counters,
// such as a single failed question on an otherwise graded paper.
func (s *Store) AppendJobErrors(ctx context.Context, id string, errs []model.JobError) error {
	if len(errs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, je := range errs {
		data, err := json.Marshal(je)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE grading_jobs SET errors = json_insert(errors, '$[#]', json(?)) WHERE job_id = ?`,
			string(data), id)
		if err != nil {
			return err
		}
		if err := requireRow(res, fmt.Errorf("%w: %s", model.ErrJobNotFound, id)); err != nil {
			return err
		}
	}
	return tx.Commit()
}
