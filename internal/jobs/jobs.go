// Package jobs runs batch grading jobs: it accepts a batch of papers,
// grades them with bounded concurrency and keeps the job record's counters
// and error list current.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/papergrader/internal/events"
	"github.com/pavelanni/papergrader/internal/i18n"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/orchestrator"
	"github.com/pavelanni/papergrader/internal/pages"
	"github.com/pavelanni/papergrader/internal/store"
)

// Paper is one student's answer sheet, either as page images or as a
// source document to rasterize.
type Paper struct {
	PaperID   string   `json:"paper_id" validate:"required"`
	StudentID string   `json:"student_id"`
	Pages     [][]byte `json:"pages,omitempty"`
	Document  []byte   `json:"document,omitempty"`
}

// SubmitRequest is a batch grading request. An empty GradingMode uses the
// exam's mode.
type SubmitRequest struct {
	ExamID      string            `json:"exam_id" validate:"required"`
	GradingMode model.GradingMode `json:"grading_mode" validate:"omitempty,oneof=strict balanced conceptual lenient"`
	Papers      []Paper           `json:"papers" validate:"required,min=1,dive"`
}

// Config tunes the tracker.
type Config struct {
	PaperConcurrency int
	PollInterval     time.Duration
}

// DefaultConfig grades four papers at a time and looks for stray pending
// jobs every five seconds.
func DefaultConfig() Config {
	return Config{PaperConcurrency: 4, PollInterval: 5 * time.Second}
}

// Tracker owns the grading job lifecycle.
type Tracker struct {
	store      *store.Store
	pages      *pages.Store
	coord      *orchestrator.Coordinator
	events     *events.Publisher
	rasterizer pages.Rasterizer
	validate   *validator.Validate
	cfg        Config
	queue      chan string
}

// New creates a tracker. rasterizer may be nil when papers always arrive as
// page images.
func New(st *store.Store, ps *pages.Store, coord *orchestrator.Coordinator, pub *events.Publisher, rasterizer pages.Rasterizer, cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.PaperConcurrency <= 0 {
		cfg.PaperConcurrency = def.PaperConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Tracker{
		store:      st,
		pages:      ps,
		coord:      coord,
		events:     pub,
		rasterizer: rasterizer,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		cfg:        cfg,
		queue:      make(chan string, 64),
	}
}

// Submit validates the request, stores every paper's pages and writes the
// pending job with its submissions in one transaction. Papers whose pages
// cannot be stored are kept without pages and fail when the job runs.
func (t *Tracker) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := t.validate.Struct(req); err != nil {
		return "", err
	}
	jobID := uuid.NewString()

	subs := make([]*model.Submission, 0, len(req.Papers))
	for _, p := range req.Papers {
		sub := &model.Submission{
			ID:        uuid.NewString(),
			ExamID:    req.ExamID,
			PaperID:   p.PaperID,
			StudentID: p.StudentID,
			Status:    model.SubmissionPending,
		}
		handle, err := t.pages.Ingest(ctx, pages.KindSubmission, p.Pages, p.Document, t.rasterizer)
		if err != nil {
			slog.Warn("paper pages rejected", "job_id", jobID, "paper_id", p.PaperID, "error", err)
			sub.Error = err.Error()
		}
		sub.PagesHandle = handle
		subs = append(subs, sub)
	}

	job := model.GradingJob{ID: jobID, ExamID: req.ExamID, GradingMode: req.GradingMode, TotalPapers: len(req.Papers)}
	if err := t.store.CreateBatch(ctx, &job, subs); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	slog.Info("job submitted", "job_id", jobID, "exam_id", req.ExamID, "papers", len(req.Papers))
	t.publish(ctx, jobID)

	select {
	case t.queue <- jobID:
	default:
		// The poll loop picks it up.
	}
	return jobID, nil
}

// Poll returns the job record.
func (t *Tracker) Poll(ctx context.Context, jobID string) (model.GradingJob, error) {
	return t.store.GetJob(ctx, jobID)
}

// Cancel stops a pending or running job. Papers already being graded
// finish; no new paper starts. Cancelling a cancelled job is a no-op; any
// other terminal job returns ErrInvalidTransition with its status.
func (t *Tracker) Cancel(ctx context.Context, jobID string) (model.JobStatus, error) {
	err := t.store.TransitionJob(ctx, jobID, model.JobCancelled, model.JobPending, model.JobProcessing)
	if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		return "", err
	}
	job, gerr := t.store.GetJob(ctx, jobID)
	if gerr != nil {
		return "", gerr
	}
	if err != nil && job.Status != model.JobCancelled {
		return job.Status, err
	}
	if err == nil {
		slog.Info("job cancelled", "job_id", jobID)
		t.events.JobChanged(job)
	}
	return job.Status, nil
}

// Run processes queued jobs one at a time until ctx is done. Pending jobs
// left from an earlier run are picked up first.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	t.drainPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-t.queue:
			t.runOne(ctx, id)
		case <-ticker.C:
			t.drainPending(ctx)
		}
	}
}

func (t *Tracker) drainPending(ctx context.Context) {
	ids, err := t.store.PendingJobs(ctx)
	if err != nil {
		slog.Error("list pending jobs", "error", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		t.runOne(ctx, id)
	}
}

func (t *Tracker) runOne(ctx context.Context, id string) {
	if err := t.Process(ctx, id); err != nil {
		slog.Error("job processing failed", "job_id", id, "error", err)
	}
}

// Process runs one job to a terminal state. A job that is no longer
// pending is left alone.
func (t *Tracker) Process(ctx context.Context, jobID string) error {
	err := t.store.TransitionJob(ctx, jobID, model.JobProcessing, model.JobPending)
	if errors.Is(err, model.ErrInvalidTransition) {
		slog.Debug("job not pending, skipped", "job_id", jobID)
		return nil
	}
	if err != nil {
		return err
	}
	t.publish(ctx, jobID)
	log := slog.With("job_id", jobID)

	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	exam, err := t.store.GetExam(ctx, job.ExamID)
	if err != nil {
		return t.fail(ctx, jobID, err)
	}
	ec, err := t.coord.PrepareExam(ctx, exam)
	if err != nil {
		return t.fail(ctx, jobID, err)
	}
	if job.GradingMode.IsValid() {
		ec.Mode = job.GradingMode
	}
	var problems []model.JobError
	for _, p := range ec.Problems() {
		je := i18n.JobError(ctx, p, 0)
		je.At = time.Now().UTC()
		problems = append(problems, je)
	}
	if err := t.store.AppendJobErrors(ctx, jobID, problems); err != nil {
		return t.fail(ctx, jobID, err)
	}

	subs, err := t.store.ListJobSubmissions(ctx, jobID)
	if err != nil {
		return t.fail(ctx, jobID, err)
	}
	log.Info("job started", "exam_id", exam.ID, "papers", len(subs), "mode", ec.Mode)

	// Until the exam has questions each paper is graded on its own, so the
	// first one that yields questions serves the rest.
	rest := subs
	for len(rest) > 0 && !ec.HasQuestions() {
		if t.cancelled(ctx, jobID) {
			return t.finish(ctx, jobID)
		}
		if err := t.gradePaper(ctx, jobID, ec, rest[0]); err != nil {
			return t.fail(ctx, jobID, err)
		}
		rest = rest[1:]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.PaperConcurrency)
	for _, sub := range rest {
		g.Go(func() error {
			if t.cancelled(gctx, jobID) {
				return nil
			}
			return t.gradePaper(gctx, jobID, ec, sub)
		})
	}
	if err := g.Wait(); err != nil {
		return t.fail(ctx, jobID, err)
	}
	return t.finish(ctx, jobID)
}

// gradePaper grades one submission and records the outcome. Only storage
// failures are returned; grading failures are recorded on the job.
func (t *Tracker) gradePaper(ctx context.Context, jobID string, ec *orchestrator.ExamContext, sub model.Submission) error {
	log := slog.With("job_id", jobID, "paper_id", sub.PaperID)

	var out *orchestrator.Outcome
	var err error
	if sub.PagesHandle == "" && sub.Error != "" {
		err = fmt.Errorf("%w: %s", model.ErrInvalidPaper, sub.Error)
	} else {
		out, err = t.coord.GradeSubmission(ctx, ec, &sub)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("paper failed", "error", err)
		je := i18n.JobError(ctx, err, 0)
		je.PaperID, je.StudentID, je.SubmissionID, je.At = sub.PaperID, sub.StudentID, sub.ID, time.Now().UTC()
		sub.Error = je.Message
		if err := t.store.UpdateSubmission(ctx, &sub); err != nil {
			return err
		}
		if err := t.store.RecordPaper(ctx, jobID, false, &je); err != nil {
			return err
		}
		t.publish(ctx, jobID)
		return nil
	}

	if err := t.store.UpdateSubmission(ctx, out.Submission); err != nil {
		return err
	}
	if err := t.store.AppendJobErrors(ctx, jobID, out.Errors); err != nil {
		return err
	}
	if err := t.store.RecordPaper(ctx, jobID, !out.AllFailed(), nil); err != nil {
		return err
	}
	t.publish(ctx, jobID)
	return nil
}

func (t *Tracker) cancelled(ctx context.Context, jobID string) bool {
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Warn("job status check failed", "job_id", jobID, "error", err)
		return ctx.Err() != nil
	}
	return job.Status == model.JobCancelled
}

func (t *Tracker) finish(ctx context.Context, jobID string) error {
	err := t.store.TransitionJob(ctx, jobID, model.JobCompleted, model.JobProcessing)
	if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		return err
	}
	job, gerr := t.store.GetJob(ctx, jobID)
	if gerr != nil {
		return gerr
	}
	slog.Info("job finished", "job_id", jobID, "status", job.Status,
		"processed", job.ProcessedPapers, "successful", job.Successful, "failed", job.Failed)
	t.events.JobChanged(job)
	return nil
}

// fail records cause and moves the job to failed. It runs on a context
// that outlives cancellation so an interrupted job is never left processing.
func (t *Tracker) fail(ctx context.Context, jobID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	je := i18n.JobError(ctx, cause, 0)
	je.At = time.Now().UTC()
	if err := t.store.AppendJobErrors(ctx, jobID, []model.JobError{je}); err != nil {
		slog.Error("record job failure", "job_id", jobID, "error", err)
	}
	err := t.store.TransitionJob(ctx, jobID, model.JobFailed, model.JobProcessing)
	if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		return err
	}
	slog.Warn("job failed", "job_id", jobID, "kind", je.Kind, "error", cause)
	t.publish(ctx, jobID)
	return nil
}

func (t *Tracker) publish(ctx context.Context, jobID string) {
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Warn("job event skipped", "job_id", jobID, "error", err)
		return
	}
	t.events.JobChanged(job)
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (t *Tracker) Wait(ctx context.Context, jobID string, interval time.Duration) (model.GradingJob, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := t.store.GetJob(ctx, jobID)
		if err != nil {
			return job, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
