// Package extract turns page images into structured exam content: the
// question list of a paper and the per-question answer text of a model
// answer or a student sheet.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/papergrader/internal/llm"
	"github.com/pavelanni/papergrader/internal/llm/prompts"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/pages"
	"github.com/pavelanni/papergrader/internal/parse"

	"golang.org/x/sync/errgroup"
)

// MaxAttempts bounds how often one chunk is re-asked after unparseable output.
const MaxAttempts = 3

// Config tunes chunking and quality checks.
type Config struct {
	ChunkPages   int
	MinTextChars int
	Concurrency  int
}

// DefaultConfig returns 10-page chunks, a 100 character quality floor and
// four concurrent chunks.
func DefaultConfig() Config {
	return Config{ChunkPages: pages.MaxChunkPages, MinTextChars: 100, Concurrency: 4}
}

// Service runs extraction prompts against a vision model.
type Service struct {
	model llm.Model
	chain parse.Chain
	cfg   Config
}

// New creates an extraction service.
func New(m llm.Model, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.ChunkPages <= 0 {
		cfg.ChunkPages = def.ChunkPages
	}
	if cfg.MinTextChars <= 0 {
		cfg.MinTextChars = def.MinTextChars
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Service{model: m, chain: parse.DefaultChain, cfg: cfg}
}

// MinTextChars is the quality floor in characters.
func (s *Service) MinTextChars() int { return s.cfg.MinTextChars }

type questionsResponse struct {
	Questions []model.Question `json:"questions"`
}

type answersResponse struct {
	Answers []model.ModelAnswerEntry `json:"answers"`
}

var errUnparseable = errors.New("unparseable extraction response")

// ExtractQuestions decomposes a question paper. declaredTotal is the exam's
// stated total marks, or 0 when unknown.
func (s *Service) ExtractQuestions(ctx context.Context, pgs []pages.Page, declaredTotal float64) ([]model.Question, error) {
	if len(pgs) == 0 {
		return nil, fmt.Errorf("%w: no pages", model.ErrExtractionEmpty)
	}
	chunks := pages.Chunk(pgs, s.cfg.ChunkPages)
	results := make([][]model.Question, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			prompt, err := prompts.BuildQuestionsPrompt(prompts.QuestionsData{
				Chunk:         chunkInfo(i, len(chunks), chunk),
				DeclaredTotal: declaredTotal,
			})
			if err != nil {
				return err
			}
			resp, err := complete[questionsResponse](gctx, s, llm.Request{
				System: prompts.System, Prompt: prompt, Images: chunk, JSON: true,
			}, "chunk", i+1)
			if errors.Is(err, errUnparseable) {
				slog.Warn("question chunk yielded nothing", "chunk", i+1, "error", err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i+1, err)
			}
			results[i] = resp.Questions
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	questions := MergeQuestions(results)
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: no questions found in %d pages", model.ErrExtractionEmpty, len(pgs))
	}
	RepairSubMarks(questions)
	if declaredTotal > 0 {
		if sum := totalMarks(questions); math.Abs(sum-declaredTotal) > 1e-6 {
			slog.Warn("extracted marks do not match declared total", "extracted", sum, "declared", declaredTotal)
		}
	}
	slog.Info("questions extracted", "pages", len(pgs), "chunks", len(chunks), "questions", len(questions))
	return questions, nil
}

// ExtractAnswers transcribes per-question answers. questions may be empty;
// student selects the answer-sheet wording of the prompt. When the combined
// text of a multi-page source is below the quality floor the entries are
// returned together with ErrExtractionQualityLow.
func (s *Service) ExtractAnswers(ctx context.Context, pgs []pages.Page, questions []model.Question, student bool) ([]model.ModelAnswerEntry, error) {
	if len(pgs) == 0 {
		return nil, fmt.Errorf("%w: no pages", model.ErrExtractionEmpty)
	}
	chunks := pages.Chunk(pgs, s.cfg.ChunkPages)
	results := make([][]model.ModelAnswerEntry, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			prompt, err := prompts.BuildAnswersPrompt(prompts.AnswersData{
				Chunk:     chunkInfo(i, len(chunks), chunk),
				Student:   student,
				Questions: questions,
			})
			if err != nil {
				return err
			}
			resp, err := complete[answersResponse](gctx, s, llm.Request{
				System: prompts.System, Prompt: prompt, Images: chunk, JSON: true,
			}, "chunk", i+1)
			if errors.Is(err, errUnparseable) {
				slog.Warn("answer chunk yielded nothing", "chunk", i+1, "error", err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i+1, err)
			}
			results[i] = resp.Answers
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := MergeAnswers(results)
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no answers found in %d pages", model.ErrExtractionEmpty, len(pgs))
	}
	if LowQuality(entries, len(pgs), s.cfg.MinTextChars) {
		return entries, fmt.Errorf("%w: %d characters from %d pages", model.ErrExtractionQualityLow, TextLength(entries), len(pgs))
	}
	slog.Info("answers extracted", "pages", len(pgs), "chunks", len(chunks), "answers", len(entries), "student", student)
	return entries, nil
}

func complete[T any](ctx context.Context, s *Service, req llm.Request, logArgs ...any) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		raw, err := s.model.Complete(ctx, req)
		if err != nil {
			return zero, err
		}
		v, r, err := parse.Decode[T](s.chain, raw)
		if err == nil {
			slog.Debug("extraction parsed", append(logArgs, "strategy", r.Strategy, "attempt", attempt)...)
			return v, nil
		}
		lastErr = err
		slog.Warn("extraction response rejected", append(logArgs, "attempt", attempt, "error", err)...)
	}
	return zero, fmt.Errorf("%w after %d attempts: %v", errUnparseable, MaxAttempts, lastErr)
}

func chunkInfo(i, n int, chunk []pages.Page) prompts.Chunk {
	c := prompts.Chunk{ChunkIndex: i + 1, ChunkCount: n}
	if len(chunk) > 0 {
		c.FirstPage = chunk[0].Index
		c.LastPage = chunk[len(chunk)-1].Index
	}
	return c
}

// MergeQuestions combines per-chunk question lists by number. A later chunk
// only fills fields an earlier one left empty. Numbers below 1 are dropped.
func MergeQuestions(chunks [][]model.Question) []model.Question {
	byNum := make(map[int]*model.Question)
	for _, qs := range chunks {
		for _, q := range qs {
			if q.Number < 1 {
				continue
			}
			cur, ok := byNum[q.Number]
			if !ok {
				c := q
				c.SubQuestions = append([]model.SubQuestion(nil), q.SubQuestions...)
				byNum[q.Number] = &c
				continue
			}
			if cur.Text == "" {
				cur.Text = q.Text
			}
			if cur.MaxMarks <= 0 {
				cur.MaxMarks = q.MaxMarks
			}
			if cur.Rubric == "" {
				cur.Rubric = q.Rubric
			}
			cur.SubQuestions = mergeSubQuestions(cur.SubQuestions, q.SubQuestions)
		}
	}
	out := make([]model.Question, 0, len(byNum))
	for _, q := range byNum {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func mergeSubQuestions(cur, next []model.SubQuestion) []model.SubQuestion {
	idx := make(map[string]int, len(cur))
	for i, sq := range cur {
		idx[sq.SubID] = i
	}
	for _, sq := range next {
		i, ok := idx[sq.SubID]
		if !ok {
			idx[sq.SubID] = len(cur)
			cur = append(cur, sq)
			continue
		}
		if cur[i].Text == "" {
			cur[i].Text = sq.Text
		}
		if cur[i].MaxMarks <= 0 {
			cur[i].MaxMarks = sq.MaxMarks
		}
		if cur[i].Rubric == "" {
			cur[i].Rubric = sq.Rubric
		}
	}
	return cur
}

// RepairSubMarks sets a question's marks to the sum of its sub-question
// marks when they disagree.
func RepairSubMarks(questions []model.Question) {
	for i := range questions {
		q := &questions[i]
		if !q.HasSubQuestions() {
			continue
		}
		sum := q.SubMarksTotal()
		if math.Abs(sum-q.MaxMarks) > 1e-6 {
			slog.Warn("sub-question marks do not add up, using their sum",
				"question", q.Number, "max_marks", q.MaxMarks, "sub_total", sum)
			q.MaxMarks = sum
		}
	}
}

func totalMarks(qs []model.Question) float64 {
	var sum float64
	for _, q := range qs {
		sum += q.MaxMarks
	}
	return sum
}

// MergeAnswers joins per-chunk entries by question number. Text for the
// same question from several chunks is concatenated in page order.
func MergeAnswers(chunks [][]model.ModelAnswerEntry) []model.ModelAnswerEntry {
	byNum := make(map[int]*model.ModelAnswerEntry)
	for _, es := range chunks {
		for _, e := range es {
			if e.QuestionNumber < 1 {
				continue
			}
			e.AnswerText = strings.TrimSpace(e.AnswerText)
			cur, ok := byNum[e.QuestionNumber]
			if !ok {
				c := e
				byNum[e.QuestionNumber] = &c
				continue
			}
			switch {
			case cur.AnswerText == "":
				cur.AnswerText = e.AnswerText
			case e.AnswerText != "":
				cur.AnswerText += "\n" + e.AnswerText
			}
			cur.HasDiagrams = cur.HasDiagrams || e.HasDiagrams
			cur.Confidence = math.Min(cur.Confidence, e.Confidence)
		}
	}
	out := make([]model.ModelAnswerEntry, 0, len(byNum))
	for _, e := range byNum {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionNumber < out[j].QuestionNumber })
	return out
}

// TextLength counts the characters of all answer texts.
func TextLength(entries []model.ModelAnswerEntry) int {
	n := 0
	for _, e := range entries {
		n += utf8.RuneCountInString(strings.TrimSpace(e.AnswerText))
	}
	return n
}

// LowQuality reports whether a multi-page extraction produced too little text.
func LowQuality(entries []model.ModelAnswerEntry, pageCount, minChars int) bool {
	return pageCount > 1 && TextLength(entries) < minChars
}

// Answer returns the entry for a question number.
func Answer(entries []model.ModelAnswerEntry, number int) (model.ModelAnswerEntry, bool) {
	for _, e := range entries {
		if e.QuestionNumber == number {
			return e, true
		}
	}
	return model.ModelAnswerEntry{}, false
}
