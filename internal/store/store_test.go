package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/papergrader/internal/cache"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/pages"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestExam(t *testing.T, s *Store, id string) model.Exam {
	t.Helper()
	e := model.Exam{
		ID:          id,
		Name:        "Physics midterm",
		GradingMode: model.ModeBalanced,
		Questions: []model.Question{
			{Number: 1, Text: "Define force", MaxMarks: 10},
			{Number: 2, Text: "Water cycle", MaxMarks: 5, SubQuestions: []model.SubQuestion{
				{SubID: "a", MaxMarks: 2}, {SubID: "b", MaxMarks: 3},
			}},
		},
	}
	if err := s.CreateExam(context.Background(), &e); err != nil {
		t.Fatalf("insertTestExam: %v", err)
	}
	return e
}

func TestExamCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetExam(ctx, "nope"); !errors.Is(err, model.ErrExamNotFound) {
		t.Fatalf("expected ErrExamNotFound, got %v", err)
	}

	insertTestExam(t, s, "exam-1")
	got, err := s.GetExam(ctx, "exam-1")
	if err != nil {
		t.Fatalf("GetExam: %v", err)
	}
	if got.Name != "Physics midterm" || len(got.Questions) != 2 || got.MaxMarks() != 15 {
		t.Errorf("unexpected exam: %+v", got)
	}
	if len(got.Questions[1].SubQuestions) != 2 {
		t.Error("sub-questions not persisted")
	}

	if err := s.SaveQuestions(ctx, "exam-1", []model.Question{{Number: 1, MaxMarks: 20}}); err != nil {
		t.Fatalf("SaveQuestions: %v", err)
	}
	got, _ = s.GetExam(ctx, "exam-1")
	if len(got.Questions) != 1 || got.Questions[0].MaxMarks != 20 {
		t.Errorf("questions not replaced: %+v", got.Questions)
	}

	if err := s.SaveQuestions(ctx, "nope", nil); !errors.Is(err, model.ErrExamNotFound) {
		t.Errorf("expected ErrExamNotFound, got %v", err)
	}

	list, err := s.ListExams(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("ListExams = %d, %v", len(list), err)
	}
}

func TestExamWithoutQuestions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e := model.Exam{ID: "empty", GradingMode: model.ModeStrict}
	if err := s.CreateExam(ctx, &e); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetExam(ctx, "empty")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Questions) != 0 {
		t.Errorf("expected no questions, got %d", len(got.Questions))
	}
}

func TestSubmissionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	insertTestExam(t, s, "exam-1")

	sub := model.Submission{ID: "sub-1", ExamID: "exam-1", JobID: "job-1", PaperID: "p1", StudentID: "s1", PagesHandle: "h1"}
	if err := s.CreateSubmission(ctx, &sub); err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	if sub.Status != model.SubmissionPending {
		t.Errorf("status = %q, want pending", sub.Status)
	}

	sub.QuestionScores = []model.QuestionScore{
		{QuestionNumber: 1, ObtainedMarks: 7, MaxMarks: 10},
		{QuestionNumber: 2, ObtainedMarks: 0, MaxMarks: 5, SubScores: []model.SubScore{
			{SubID: "a", ObtainedMarks: model.NotFoundMarks, MaxMarks: 2},
			{SubID: "b", ObtainedMarks: 0, MaxMarks: 3},
		}},
		{QuestionNumber: 3, ObtainedMarks: model.NotFoundMarks, MaxMarks: 5},
	}
	sub.TotalMarks, sub.MaxMarks, sub.Percentage = 7, 20, 35
	sub.Status = model.SubmissionGraded
	sub.AnswerMode = model.AnswerText
	if err := s.UpdateSubmission(ctx, &sub); err != nil {
		t.Fatalf("UpdateSubmission: %v", err)
	}

	got, err := s.GetSubmission(ctx, "sub-1")
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.Status != model.SubmissionGraded || got.TotalMarks != 7 || len(got.QuestionScores) != 3 {
		t.Errorf("unexpected submission: %+v", got)
	}
	q2 := got.QuestionScores[1]
	if q2.NotFound() || !q2.SubScores[0].NotFound() || q2.SubScores[1].NotFound() {
		t.Errorf("zero and sentinel conflated in storage: %+v", q2)
	}
	if !got.QuestionScores[2].NotFound() {
		t.Error("sentinel lost in storage")
	}

	if _, err := s.GetSubmission(ctx, "nope"); !errors.Is(err, model.ErrSubmissionNotFound) {
		t.Errorf("expected ErrSubmissionNotFound, got %v", err)
	}
	missing := model.Submission{ID: "nope"}
	if err := s.UpdateSubmission(ctx, &missing); !errors.Is(err, model.ErrSubmissionNotFound) {
		t.Errorf("expected ErrSubmissionNotFound, got %v", err)
	}

	byExam, err := s.ListSubmissions(ctx, "exam-1")
	if err != nil || len(byExam) != 1 {
		t.Errorf("ListSubmissions = %d, %v", len(byExam), err)
	}
	byJob, err := s.ListJobSubmissions(ctx, "job-1")
	if err != nil || len(byJob) != 1 {
		t.Errorf("ListJobSubmissions = %d, %v", len(byJob), err)
	}
}

func TestCreateBatch(t *testing.T) {
	tests := []struct {
		name    string
		subIDs  []string
		wantErr bool
	}{
		{"all papers", []string{"s1", "s2"}, false},
		{"duplicate paper rolls back", []string{"s1", "s1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t)
			insertTestExam(t, s, "exam-1")

			subs := make([]*model.Submission, len(tt.subIDs))
			for i, id := range tt.subIDs {
				subs[i] = &model.Submission{ID: id, ExamID: "exam-1", PaperID: "p" + id, StudentID: id}
			}
			j := model.GradingJob{ID: "job-1", ExamID: "exam-1", TotalPapers: len(subs)}
			err := s.CreateBatch(ctx, &j, subs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CreateBatch err = %v, wantErr %v", err, tt.wantErr)
			}

			stored, lerr := s.ListJobSubmissions(ctx, "job-1")
			if lerr != nil {
				t.Fatal(lerr)
			}
			_, jerr := s.GetJob(ctx, "job-1")
			if tt.wantErr {
				if !errors.Is(jerr, model.ErrJobNotFound) || len(stored) != 0 {
					t.Errorf("after rollback: job err %v, %d submissions", jerr, len(stored))
				}
				return
			}
			if jerr != nil || len(stored) != len(subs) {
				t.Errorf("job err %v, %d submissions, want %d", jerr, len(stored), len(subs))
			}
			for _, sub := range stored {
				if sub.JobID != "job-1" || sub.Status != model.SubmissionPending {
					t.Errorf("submission = %+v", sub)
				}
			}
		})
	}
}

func newTestJob(t *testing.T, s *Store, id string, papers int) {
	t.Helper()
	j := model.GradingJob{ID: id, ExamID: "exam-1", GradingMode: model.ModeBalanced, TotalPapers: papers}
	if err := s.CreateJob(context.Background(), &j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

func TestJobTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newTestJob(t, s, "job-1", 3)

	j, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != model.JobPending || j.StartedAt != nil || len(j.Errors) != 0 {
		t.Errorf("unexpected new job: %+v", j)
	}

	pending, err := s.PendingJobs(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("PendingJobs = %v, %v", pending, err)
	}

	if err := s.TransitionJob(ctx, "job-1", model.JobProcessing, model.JobPending); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.TransitionJob(ctx, "job-1", model.JobCompleted, model.JobProcessing); err != nil {
		t.Fatalf("complete: %v", err)
	}
	j, _ = s.GetJob(ctx, "job-1")
	if j.Status != model.JobCompleted || j.StartedAt == nil || j.FinishedAt == nil {
		t.Errorf("unexpected finished job: %+v", j)
	}

	tests := []struct {
		name string
		to   model.JobStatus
		from []model.JobStatus
	}{
		{"completed to cancelled", model.JobCancelled, []model.JobStatus{model.JobPending, model.JobProcessing}},
		{"completed to failed", model.JobFailed, []model.JobStatus{model.JobProcessing}},
		{"completed to processing", model.JobProcessing, []model.JobStatus{model.JobPending}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.TransitionJob(ctx, "job-1", tt.to, tt.from...)
			if !errors.Is(err, model.ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
	j, _ = s.GetJob(ctx, "job-1")
	if j.Status != model.JobCompleted {
		t.Errorf("terminal state changed to %s", j.Status)
	}

	if err := s.TransitionJob(ctx, "nope", model.JobProcessing, model.JobPending); !errors.Is(err, model.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRecordPaperConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	const papers = 40
	newTestJob(t, s, "job-1", papers)

	var wg sync.WaitGroup
	for i := range papers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var je *model.JobError
			if i%10 == 0 {
				je = &model.JobError{PaperID: "p", Kind: model.KindInvalidPaper, Message: "no pages", At: time.Now()}
			}
			if err := s.RecordPaper(ctx, "job-1", je == nil, je); err != nil {
				t.Errorf("RecordPaper: %v", err)
			}
		}()
	}
	wg.Wait()

	j, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.ProcessedPapers != papers || j.Successful != 36 || j.Failed != 4 || len(j.Errors) != 4 {
		t.Errorf("counters = processed %d, ok %d, failed %d, errors %d",
			j.ProcessedPapers, j.Successful, j.Failed, len(j.Errors))
	}
	if j.Errors[0].Kind != model.KindInvalidPaper {
		t.Errorf("error kind = %q", j.Errors[0].Kind)
	}

	if err := s.AppendJobErrors(ctx, "job-1", []model.JobError{{QuestionNumber: 2, Kind: model.KindGradingParseFailure}}); err != nil {
		t.Fatalf("AppendJobErrors: %v", err)
	}
	j, _ = s.GetJob(ctx, "job-1")
	if len(j.Errors) != 5 || j.ProcessedPapers != papers {
		t.Errorf("AppendJobErrors changed counters or lost error: %+v", j)
	}
}

func TestPageBlobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ps := []pages.Page{
		{Index: 1, MIME: "image/png", Data: []byte{1}},
		{Index: 2, MIME: "image/png", Data: []byte{2}},
		{Index: 3, MIME: "image/jpeg", Data: []byte{3}},
	}
	if err := s.PutPages(ctx, "h1", pages.KindSubmission, ps); err != nil {
		t.Fatalf("PutPages: %v", err)
	}
	n, err := s.CountPages(ctx, "h1")
	if err != nil || n != 3 {
		t.Fatalf("CountPages = %d, %v", n, err)
	}
	got, err := s.GetPages(ctx, "h1", 2, 3)
	if err != nil {
		t.Fatalf("GetPages: %v", err)
	}
	if len(got) != 2 || got[0].Index != 2 || got[1].MIME != "image/jpeg" || got[1].Data[0] != 3 {
		t.Errorf("unexpected pages: %+v", got)
	}
	if n, _ := s.CountPages(ctx, "other"); n != 0 {
		t.Errorf("unknown handle has %d pages", n)
	}
}

func TestPageStoreOverSqlite(t *testing.T) {
	ctx := context.Background()
	ps := pages.NewStore(newTestStore(t))
	handle, err := ps.Save(ctx, pages.KindSubmission, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n, err := ps.Count(ctx, handle); err != nil || n != 0 {
		t.Errorf("Count = %d, %v", n, err)
	}
}

func TestCacheBackend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc := cache.New(s.Cache(), time.Hour, clock)

	key := cache.GradingKey("exam-1", "abc", 2)
	want := model.GradingResult{ObtainedMarks: 3, SubScores: []model.SubScore{{SubID: "a", ObtainedMarks: 2}, {SubID: "b", ObtainedMarks: 1}}}
	if err := svc.Grading.Put(ctx, key, want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Writing the same key again replaces rather than duplicates.
	if err := svc.Grading.Put(ctx, key, want); err != nil {
		t.Fatalf("Put again: %v", err)
	}
	if n, _ := s.Cache().Count(ctx, cache.TableGrading); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}

	got, ok, err := svc.Grading.Get(ctx, key)
	if err != nil || !ok || got.ObtainedMarks != 3 || len(got.SubScores) != 2 {
		t.Fatalf("Get = %+v, %v, %v", got, ok, err)
	}

	now = now.Add(2 * time.Hour)
	if _, ok, _ := svc.Grading.Get(ctx, key); ok {
		t.Error("expired entry should miss")
	}
	removed, err := svc.Purge(ctx)
	if err != nil || removed != 1 {
		t.Errorf("Purge = %d, %v", removed, err)
	}
	last, err := s.GetMetadata(ctx, MetaLastCachePurge)
	if err != nil || last == "" {
		t.Errorf("last purge not recorded: %q, %v", last, err)
	}

	if _, _, err := s.Cache().Get(ctx, "bogus", "k"); err == nil {
		t.Error("unknown table should be rejected")
	}
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	v, err := s.GetMetadata(ctx, MetaSchemaVersion)
	if err != nil || v != schemaVersion {
		t.Errorf("schema version = %q, %v", v, err)
	}
	if v, _ := s.GetMetadata(ctx, "missing"); v != "" {
		t.Errorf("missing key = %q", v)
	}
	if err := s.SetMetadata(ctx, "k", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMetadata(ctx, "k", "2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetMetadata(ctx, "k"); v != "2" {
		t.Errorf("k = %q, want 2", v)
	}
}

func TestExportExam(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	insertTestExam(t, s, "exam-1")

	for i, marks := range []float64{0, model.NotFoundMarks, 10} {
		sub := model.Submission{
			ID: "sub-" + string(rune('a'+i)), ExamID: "exam-1", Status: model.SubmissionGraded,
			QuestionScores: []model.QuestionScore{{QuestionNumber: 1, ObtainedMarks: marks, MaxMarks: 10}},
		}
		if err := s.CreateSubmission(ctx, &sub); err != nil {
			t.Fatal(err)
		}
	}

	exp, err := s.ExportExam(ctx, "exam-1")
	if err != nil {
		t.Fatalf("ExportExam: %v", err)
	}
	if len(exp.Results) != 3 || exp.MaxMarks != 15 {
		t.Fatalf("unexpected export: %d results, max %v", len(exp.Results), exp.MaxMarks)
	}
	if exp.Results[0].Questions[0].Text != "Define force" {
		t.Error("results should carry question text")
	}
	q1 := exp.Stats[0]
	if q1.Attempted != 2 || q1.NotFound != 1 || q1.ZeroScore != 1 || q1.FullMarks != 1 {
		t.Errorf("stats = %+v", q1)
	}

	if _, err := s.ExportExam(ctx, "nope"); !errors.Is(err, model.ErrExamNotFound) {
		t.Errorf("expected ErrExamNotFound, got %v", err)
	}
}
