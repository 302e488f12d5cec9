// Package orchestrator grades one submission end to end: it resolves the
// exam's questions and model answers through the result cache, decides
// between text and image grading, grades every question and aggregates the
// marks.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pavelanni/papergrader/internal/cache"
	"github.com/pavelanni/papergrader/internal/extract"
	"github.com/pavelanni/papergrader/internal/grading"
	"github.com/pavelanni/papergrader/internal/hasher"
	"github.com/pavelanni/papergrader/internal/i18n"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/pages"
	"github.com/pavelanni/papergrader/internal/scoring"

	"golang.org/x/sync/singleflight"
)

// PageSource reads the pages behind a handle. *pages.Store implements it.
type PageSource interface {
	All(ctx context.Context, handle string) ([]pages.Page, error)
}

// ExamStore persists inferred questions. *store.Store implements it.
type ExamStore interface {
	SaveQuestions(ctx context.Context, examID string, questions []model.Question) error
}

// Coordinator sequences extraction, caching and grading.
type Coordinator struct {
	extract *extract.Service
	engine  *grading.Engine
	cache   *cache.Service
	pages   PageSource
	exams   ExamStore
}

// New creates a coordinator.
func New(ex *extract.Service, engine *grading.Engine, c *cache.Service, ps PageSource, exams ExamStore) *Coordinator {
	return &Coordinator{extract: ex, engine: engine, cache: c, pages: ps, exams: exams}
}

// ExamContext is the prepared, read-mostly state shared by every paper of
// one exam. Questions are filled in by the first paper when the exam has
// none; concurrent papers share that single inference.
type ExamContext struct {
	Mode model.GradingMode

	infer      singleflight.Group
	modelPages []pages.Page

	mu           sync.Mutex
	exam         model.Exam
	modelAnswers []model.ModelAnswerEntry
	lowQuality   bool
	problems     []error
}

// Exam returns a copy of the exam as currently known.
func (ec *ExamContext) Exam() model.Exam {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	e := ec.exam
	e.Questions = append([]model.Question(nil), ec.exam.Questions...)
	return e
}

// ModelAnswers returns the model answer entries and whether their text is
// too thin to grade students in text mode.
func (ec *ExamContext) ModelAnswers() ([]model.ModelAnswerEntry, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]model.ModelAnswerEntry(nil), ec.modelAnswers...), ec.lowQuality
}

// HasQuestions reports whether the exam's questions are known.
func (ec *ExamContext) HasQuestions() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.exam.Questions) > 0
}

// PrepareExam loads the exam's questions and model answers. Questions come
// from the question paper when the exam has none stored. An exam left
// without questions gets them from its first graded paper. Extraction
// failures do not stop the exam: they are kept in Problems and grading
// proceeds without the missing piece.
func (c *Coordinator) PrepareExam(ctx context.Context, exam model.Exam) (*ExamContext, error) {
	ec := &ExamContext{Mode: exam.GradingMode, exam: exam}
	if !ec.Mode.IsValid() {
		ec.Mode = model.ModeBalanced
	}

	if len(exam.Questions) == 0 && exam.QuestionPaperHandle != "" {
		pgs, err := c.pages.All(ctx, exam.QuestionPaperHandle)
		if err != nil {
			return nil, fmt.Errorf("load question paper: %w", err)
		}
		qs, err := c.Questions(ctx, exam.ID, pgs, exam.TotalMarks)
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			slog.Warn("question paper extraction failed, questions will be inferred", "exam_id", exam.ID, "error", err)
			ec.problems = append(ec.problems, fmt.Errorf("extract questions: %w", err))
		default:
			if err := c.exams.SaveQuestions(ctx, exam.ID, qs); err != nil {
				return nil, fmt.Errorf("save questions: %w", err)
			}
			ec.exam.Questions = qs
		}
	}

	if exam.ModelAnswerHandle != "" {
		pgs, err := c.pages.All(ctx, exam.ModelAnswerHandle)
		if err != nil {
			return nil, fmt.Errorf("load model answer: %w", err)
		}
		ec.modelPages = pgs
		entries, low, err := c.ModelAnswers(ctx, exam.ID, pgs, ec.exam.Questions)
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			slog.Warn("model answer extraction failed, grading without it", "exam_id", exam.ID, "error", err)
			ec.problems = append(ec.problems, fmt.Errorf("extract model answer: %w", err))
		default:
			ec.modelAnswers, ec.lowQuality = entries, low
		}
	}
	return ec, nil
}

// Problems returns the extraction failures met while preparing the exam.
func (ec *ExamContext) Problems() []error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]error(nil), ec.problems...)
}

// Questions extracts the question list of a paper, reading and writing the
// question cache.
func (c *Coordinator) Questions(ctx context.Context, examID string, pgs []pages.Page, declaredTotal float64) ([]model.Question, error) {
	hash := hasher.HashPages(pages.Bytes(pgs), hasher.Params{
		"declared_total": strconv.FormatFloat(declaredTotal, 'f', -1, 64),
	})
	key := cache.QuestionKey(examID, hash)
	if qs, ok, err := c.cache.Questions.Get(ctx, key); err != nil {
		slog.Warn("question cache unavailable", "exam_id", examID, "error", err)
	} else if ok {
		slog.Debug("question cache hit", "exam_id", examID)
		return qs, nil
	}

	qs, err := c.extract.ExtractQuestions(ctx, pgs, declaredTotal)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Questions.Put(ctx, key, qs); err != nil {
		slog.Warn("question cache write failed", "exam_id", examID, "error", err)
	}
	return qs, nil
}

// ModelAnswers extracts per-question model answers with the given question
// context. The cache key covers the pages and the question context, so an
// extraction with populated questions is stored apart from, and supersedes,
// an earlier one without. A context-free extraction also stores a manifest
// of the question numbers it found, under question number 0, so it can be
// read back without knowing them. The boolean reports low extraction quality.
func (c *Coordinator) ModelAnswers(ctx context.Context, examID string, pgs []pages.Page, questions []model.Question) ([]model.ModelAnswerEntry, bool, error) {
	srcHash := hasher.HashPages(pages.Bytes(pgs), hasher.Params{"questions": questionsFingerprint(questions)})

	numbers, known := questionNumbers(questions), len(questions) > 0
	if !known {
		numbers, known = c.answerManifest(ctx, examID, srcHash)
	}
	if known {
		entries, ok := c.cachedAnswers(ctx, examID, srcHash, numbers)
		if ok {
			slog.Debug("model answer cache hit", "exam_id", examID, "questions", len(numbers))
			return nonEmpty(entries), extract.LowQuality(entries, len(pgs), c.extract.MinTextChars()), nil
		}
	}

	entries, err := c.extract.ExtractAnswers(ctx, pgs, questions, false)
	switch {
	case errors.Is(err, model.ErrExtractionEmpty):
		slog.Warn("model answer extraction empty", "exam_id", examID, "pages", len(pgs))
	case errors.Is(err, model.ErrExtractionQualityLow):
		slog.Warn("model answer extraction thin", "exam_id", examID, "pages", len(pgs), "chars", extract.TextLength(entries))
	case err != nil:
		return nil, false, err
	}

	// Store one entry per known question, including questions with no
	// answer, so the next lookup can be a complete hit.
	toStore := entries
	if len(questions) > 0 {
		toStore = make([]model.ModelAnswerEntry, 0, len(questions))
		for _, q := range questions {
			e, ok := extract.Answer(entries, q.Number)
			if !ok {
				e = model.ModelAnswerEntry{QuestionNumber: q.Number}
			}
			toStore = append(toStore, e)
		}
	}
	for _, e := range toStore {
		if err := c.cache.ModelAnswers.Put(ctx, cache.AnswerKey(examID, e.QuestionNumber, srcHash), e); err != nil {
			slog.Warn("model answer cache write failed", "exam_id", examID, "question", e.QuestionNumber, "error", err)
		}
	}
	if len(questions) == 0 {
		manifest := model.ModelAnswerEntry{AnswerText: joinNumbers(toStore)}
		if err := c.cache.ModelAnswers.Put(ctx, cache.AnswerKey(examID, 0, srcHash), manifest); err != nil {
			slog.Warn("model answer cache write failed", "exam_id", examID, "question", 0, "error", err)
		}
	}
	return nonEmpty(entries), extract.LowQuality(entries, len(pgs), c.extract.MinTextChars()), nil
}

func (c *Coordinator) cachedAnswers(ctx context.Context, examID, srcHash string, numbers []int) ([]model.ModelAnswerEntry, bool) {
	entries := make([]model.ModelAnswerEntry, 0, len(numbers))
	for _, n := range numbers {
		e, ok, err := c.cache.ModelAnswers.Get(ctx, cache.AnswerKey(examID, n, srcHash))
		if err != nil {
			slog.Warn("model answer cache unavailable", "exam_id", examID, "error", err)
			return nil, false
		}
		if !ok {
			return nil, false
		}
		entries = append(entries, e)
	}
	return entries, true
}

// answerManifest reads the question numbers a context-free extraction stored.
func (c *Coordinator) answerManifest(ctx context.Context, examID, srcHash string) ([]int, bool) {
	m, ok, err := c.cache.ModelAnswers.Get(ctx, cache.AnswerKey(examID, 0, srcHash))
	if err != nil || !ok {
		return nil, false
	}
	var numbers []int
	for _, f := range strings.Split(m.AnswerText, ",") {
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 {
			slog.Warn("model answer manifest corrupt", "exam_id", examID, "manifest", m.AnswerText)
			return nil, false
		}
		numbers = append(numbers, n)
	}
	return numbers, true
}

func questionNumbers(qs []model.Question) []int {
	out := make([]int, len(qs))
	for i, q := range qs {
		out[i] = q.Number
	}
	return out
}

func joinNumbers(entries []model.ModelAnswerEntry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = strconv.Itoa(e.QuestionNumber)
	}
	return strings.Join(parts, ",")
}

// Outcome is the result of grading one submission.
type Outcome struct {
	Submission *model.Submission
	Errors     []model.JobError
}

// AllFailed reports whether no question could be graded.
func (o *Outcome) AllFailed() bool {
	if len(o.Submission.QuestionScores) == 0 {
		return true
	}
	for _, qs := range o.Submission.QuestionScores {
		if !qs.Failed {
			return false
		}
	}
	return true
}

// GradeSubmission grades every question of sub, fills in its scores and
// totals and marks it graded. Question-level failures are returned in the
// outcome with the question left at the sentinel; the returned error is for
// failures of the whole paper.
func (c *Coordinator) GradeSubmission(ctx context.Context, ec *ExamContext, sub *model.Submission) (*Outcome, error) {
	log := slog.With("exam_id", sub.ExamID, "paper_id", sub.PaperID, "submission_id", sub.ID)

	pgs, err := c.pages.All(ctx, sub.PagesHandle)
	if err != nil {
		return nil, fmt.Errorf("load paper pages: %w", err)
	}
	if len(pgs) == 0 {
		return nil, fmt.Errorf("%w: paper %s has no pages", model.ErrInvalidPaper, sub.PaperID)
	}

	if err := c.ensureQuestions(ctx, ec, pgs); err != nil {
		return nil, err
	}
	exam := ec.Exam()
	modelAnswers, modelLow := ec.ModelAnswers()

	questions := append([]model.Question(nil), exam.Questions...)
	sort.Slice(questions, func(i, j int) bool { return questions[i].Number < questions[j].Number })

	inputs := make([]grading.Input, len(questions))
	for i, q := range questions {
		inputs[i] = grading.Input{Question: q, Mode: ec.Mode}
		if e, ok := extract.Answer(modelAnswers, q.Number); ok && strings.TrimSpace(e.AnswerText) != "" {
			inputs[i].ModelAnswer = &e
		}
	}
	pagesHash := hasher.HashPages(pages.Bytes(pgs), nil)

	// A paper graded before is served from the cache without transcribing
	// it again.
	cached, imageMode := c.cachedGrades(ctx, exam.ID, inputs, pagesHash, modelLow)
	var transcript []model.ModelAnswerEntry
	if cached == nil && !imageMode {
		transcript, err = c.extract.ExtractAnswers(ctx, pgs, questions, true)
		switch {
		case errors.Is(err, model.ErrExtractionEmpty), errors.Is(err, model.ErrExtractionQualityLow):
			log.Info("student transcription unusable, grading from images", "error", err)
			imageMode = true
		case err != nil:
			return nil, fmt.Errorf("transcribe paper: %w", err)
		}
	}

	out := &Outcome{Submission: sub}
	sub.QuestionScores = make([]model.QuestionScore, 0, len(questions))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q := in.Question
		var (
			res  model.GradingResult
			repr model.AnswerMode
			err  error
		)
		if cg, ok := cached[q.Number]; ok {
			res, repr = cg.result, cg.repr
		} else {
			if !imageMode {
				if e, ok := extract.Answer(transcript, q.Number); ok {
					in.AnswerText = e.AnswerText
				}
			}
			if in.AnswerMode() == model.AnswerImage {
				in.AnswerPages = pgs
			}
			repr = in.AnswerMode()
			res, err = c.grade(ctx, exam.ID, in, pagesHash)
		}

		score := model.QuestionScore{QuestionNumber: q.Number, MaxMarks: q.MaxMarks, AnswerMode: repr}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("question not graded", "question", q.Number, "error", err)
			je := i18n.JobError(ctx, err, q.Number)
			je.PaperID, je.StudentID, je.SubmissionID, je.At = sub.PaperID, sub.StudentID, sub.ID, time.Now().UTC()
			out.Errors = append(out.Errors, je)
			score.ObtainedMarks = model.NotFoundMarks
			score.Failed = true
			score.Feedback = je.Message
		} else {
			score.ObtainedMarks = res.ObtainedMarks
			score.Feedback = res.Feedback
			score.SubScores = res.SubScores
			score.Confidence = res.Confidence
		}
		sub.QuestionScores = append(sub.QuestionScores, score)
	}

	scoring.Finalize(sub, exam)
	sub.Status = model.SubmissionGraded
	sub.AnswerMode = model.AnswerText
	if imageMode {
		sub.AnswerMode = model.AnswerImage
	}
	sub.Error = ""
	if out.AllFailed() {
		sub.Error = "no question could be graded"
	}
	log.Info("submission graded", "total", sub.TotalMarks, "max", sub.MaxMarks,
		"mode", sub.AnswerMode, "failed_questions", len(out.Errors), "cached", cached != nil)
	return out, nil
}

type cachedGrade struct {
	result model.GradingResult
	repr   model.AnswerMode
}

// cachedGrades looks up every question of a paper in the grading cache. It
// returns the hits only when all questions hit, together with whether they
// were all graded from images. Otherwise it returns nil and imageOnly.
func (c *Coordinator) cachedGrades(ctx context.Context, examID string, inputs []grading.Input, pagesHash string, imageOnly bool) (map[int]cachedGrade, bool) {
	reprs := []model.AnswerMode{model.AnswerText, model.AnswerImage}
	if imageOnly {
		reprs = reprs[1:]
	}
	hits := make(map[int]cachedGrade, len(inputs))
	allImage := true
	for _, in := range inputs {
		var found bool
		for _, repr := range reprs {
			res, ok, err := c.cache.Grading.Get(ctx, gradingKey(examID, in, repr, pagesHash))
			if err != nil {
				slog.Warn("grading cache unavailable", "question", in.Question.Number, "error", err)
				return nil, imageOnly
			}
			if ok {
				hits[in.Question.Number] = cachedGrade{result: res, repr: repr}
				allImage = allImage && repr == model.AnswerImage
				found = true
				break
			}
		}
		if !found {
			return nil, imageOnly
		}
	}
	if len(hits) == 0 {
		return nil, imageOnly
	}
	return hits, allImage
}

// gradingKey keys a grade by the paper's pages, the question, the grading
// mode, the model answer and the representation graded. The transcription
// is left out so a paper re-graded later hits even if it would transcribe
// differently.
func gradingKey(examID string, in grading.Input, repr model.AnswerMode, pagesHash string) string {
	params := hasher.Params{
		"mode":     string(in.Mode),
		"repr":     string(repr),
		"question": questionsFingerprint([]model.Question{in.Question}),
	}
	if in.ModelAnswer != nil {
		params["model_answer"] = hasher.String(in.ModelAnswer.AnswerText, nil)
	}
	return cache.GradingKey(examID, hasher.String(pagesHash, params), in.Question.Number)
}

// grade consults the grading cache before calling the engine and writes
// successful results back.
func (c *Coordinator) grade(ctx context.Context, examID string, in grading.Input, pagesHash string) (model.GradingResult, error) {
	key := gradingKey(examID, in, in.AnswerMode(), pagesHash)

	if res, ok, err := c.cache.Grading.Get(ctx, key); err != nil {
		slog.Warn("grading cache unavailable", "question", in.Question.Number, "error", err)
	} else if ok {
		slog.Debug("grading cache hit", "question", in.Question.Number)
		return res, nil
	}

	res, err := c.engine.Grade(ctx, in)
	if err != nil {
		return model.GradingResult{}, err
	}
	if err := c.cache.Grading.Put(ctx, key, res); err != nil {
		slog.Warn("grading cache write failed", "question", in.Question.Number, "error", err)
	}
	return res, nil
}

// ensureQuestions infers the exam's questions from the current paper when
// none are known, persists them and re-extracts the model answer with the
// new question context.
func (c *Coordinator) ensureQuestions(ctx context.Context, ec *ExamContext, pgs []pages.Page) error {
	if ec.HasQuestions() {
		return nil
	}
	_, err, _ := ec.infer.Do("questions", func() (any, error) {
		if ec.HasQuestions() {
			return nil, nil
		}
		exam := ec.Exam()
		slog.Info("exam has no questions, inferring from paper", "exam_id", exam.ID, "pages", len(pgs))
		qs, err := c.Questions(ctx, exam.ID, pgs, exam.TotalMarks)
		if err != nil {
			return nil, fmt.Errorf("infer questions: %w", err)
		}
		if err := c.exams.SaveQuestions(ctx, exam.ID, qs); err != nil {
			return nil, fmt.Errorf("save inferred questions: %w", err)
		}

		var problem error
		entries, low := ec.ModelAnswers()
		if len(ec.modelPages) > 0 {
			fresh, freshLow, err := c.ModelAnswers(ctx, exam.ID, ec.modelPages, qs)
			if err != nil {
				slog.Warn("model answer re-extraction failed", "exam_id", exam.ID, "error", err)
				problem = fmt.Errorf("extract model answer: %w", err)
			} else {
				entries, low = fresh, freshLow
			}
		}

		ec.mu.Lock()
		ec.exam.Questions = qs
		ec.modelAnswers, ec.lowQuality = entries, low
		if problem != nil {
			ec.problems = append(ec.problems, problem)
		}
		ec.mu.Unlock()
		return nil, nil
	})
	return err
}

func questionsFingerprint(qs []model.Question) string {
	if len(qs) == 0 {
		return "none"
	}
	data, err := json.Marshal(qs)
	if err != nil {
		return "none"
	}
	return hasher.Hash(data, nil)
}

func nonEmpty(entries []model.ModelAnswerEntry) []model.ModelAnswerEntry {
	out := make([]model.ModelAnswerEntry, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.AnswerText) != "" {
			out = append(out, e)
		}
	}
	return out
}
