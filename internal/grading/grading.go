// Package grading scores one student answer to one question with the
// vision model.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/pavelanni/papergrader/internal/llm"
	"github.com/pavelanni/papergrader/internal/llm/prompts"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/pages"
	"github.com/pavelanni/papergrader/internal/parse"
	"github.com/pavelanni/papergrader/internal/scoring"

	"golang.org/x/sync/errgroup"
)

// MaxAttempts bounds how often a grading call is repeated after malformed output.
const MaxAttempts = 3

// Input is everything the engine needs to grade one question.
type Input struct {
	Question    model.Question
	ModelAnswer *model.ModelAnswerEntry
	AnswerText  string
	AnswerPages []pages.Page
	Mode        model.GradingMode
}

// AnswerMode reports which representation the input will be graded from.
func (in Input) AnswerMode() model.AnswerMode {
	if strings.TrimSpace(in.AnswerText) != "" {
		return model.AnswerText
	}
	return model.AnswerImage
}

// Engine grades answers.
type Engine struct {
	model      llm.Model
	chain      parse.Chain
	chunkPages int
}

// New creates an engine. chunkPages bounds image-mode chunks.
func New(m llm.Model, chunkPages int) *Engine {
	return &Engine{model: m, chain: parse.DefaultChain, chunkPages: chunkPages}
}

type subScoreResponse struct {
	SubID         string   `json:"sub_id"`
	ObtainedMarks *float64 `json:"obtained_marks"`
	Feedback      string   `json:"feedback"`
}

type gradeResponse struct {
	Found         *bool              `json:"found"`
	ObtainedMarks *float64           `json:"obtained_marks"`
	Feedback      string             `json:"feedback"`
	Confidence    float64            `json:"confidence"`
	SubScores     []subScoreResponse `json:"sub_scores"`
}

// Grade scores the answer. Text mode is used when AnswerText is set, image
// mode otherwise. An input with neither is graded as not found without
// calling the model.
func (e *Engine) Grade(ctx context.Context, in Input) (model.GradingResult, error) {
	modelAnswer := ""
	if in.ModelAnswer != nil {
		modelAnswer = in.ModelAnswer.AnswerText
	}

	if in.AnswerMode() == model.AnswerText {
		prompt, err := prompts.BuildGradePrompt(in.Mode, in.Question, modelAnswer, in.AnswerText, false, prompts.Chunk{})
		if err != nil {
			return model.GradingResult{}, err
		}
		return e.gradeOnce(ctx, in.Question, llm.Request{System: prompts.System, Prompt: prompt, JSON: true, Temperature: 0.1})
	}

	if len(in.AnswerPages) == 0 {
		return NotFound(in.Question, "No answer found."), nil
	}

	chunks := pages.Chunk(in.AnswerPages, e.chunkPages)
	results := make([]*model.GradingResult, len(chunks))
	errs := make([]error, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			prompt, err := prompts.BuildGradePrompt(in.Mode, in.Question, modelAnswer, "", true,
				prompts.Chunk{ChunkIndex: i + 1, ChunkCount: len(chunks), FirstPage: chunk[0].Index, LastPage: chunk[len(chunk)-1].Index})
			if err != nil {
				return err
			}
			r, err := e.gradeOnce(gctx, in.Question, llm.Request{
				System: prompts.System, Prompt: prompt, Images: chunk, JSON: true, Temperature: 0.1,
			})
			if errors.Is(err, model.ErrGradingParseFailure) {
				errs[i] = err
				return nil
			}
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i+1, err)
			}
			results[i] = &r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.GradingResult{}, err
	}

	var ok []model.GradingResult
	for i, r := range results {
		if r != nil {
			ok = append(ok, *r)
			continue
		}
		slog.Warn("grading chunk unparseable", "question", in.Question.Number, "chunk", i+1, "error", errs[i])
	}
	if len(ok) == 0 {
		return model.GradingResult{}, errors.Join(errs...)
	}
	return MergeChunks(in.Question, ok), nil
}

func (e *Engine) gradeOnce(ctx context.Context, q model.Question, req llm.Request) (model.GradingResult, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		raw, err := e.model.Complete(ctx, req)
		if err != nil {
			return model.GradingResult{}, err
		}
		resp, r, err := parse.Decode[gradeResponse](e.chain, raw)
		if err == nil {
			err = complete(q, resp)
		}
		if err == nil {
			slog.Debug("grading parsed", "question", q.Number, "strategy", r.Strategy, "attempt", attempt)
			return normalize(q, resp), nil
		}
		lastErr = err
		slog.Warn("grading response rejected", "question", q.Number, "attempt", attempt, "error", err)
	}
	return model.GradingResult{}, fmt.Errorf("%w: question %d after %d attempts: %v",
		model.ErrGradingParseFailure, q.Number, MaxAttempts, lastErr)
}

var errIncomplete = errors.New("response carries no marks")

// complete rejects a decoded response that neither reports the answer as
// missing nor marks it: no obtained_marks for a plain question, or no
// sub_scores entry naming one of the question's parts.
func complete(q model.Question, resp gradeResponse) error {
	if resp.Found != nil && !*resp.Found {
		return nil
	}
	if !q.HasSubQuestions() {
		if resp.ObtainedMarks == nil {
			return errIncomplete
		}
		return nil
	}
	known := make(map[string]bool, len(q.SubQuestions))
	for _, sq := range q.SubQuestions {
		known[normalizeSubID(sq.SubID)] = true
	}
	for _, s := range resp.SubScores {
		if known[normalizeSubID(s.SubID)] {
			return nil
		}
	}
	return fmt.Errorf("%w for sub-questions", errIncomplete)
}

// normalize clamps a raw response to the question's marks and mirrors the
// sub-question order. Missing sub-scores become the sentinel.
func normalize(q model.Question, resp gradeResponse) model.GradingResult {
	if resp.Found != nil && !*resp.Found {
		return NotFound(q, resp.Feedback)
	}
	res := model.GradingResult{
		Feedback:   strings.TrimSpace(resp.Feedback),
		Confidence: clamp01(resp.Confidence),
	}

	if !q.HasSubQuestions() {
		res.ObtainedMarks = scoring.Clamp(*resp.ObtainedMarks, q.MaxMarks)
		return res
	}

	byID := make(map[string]subScoreResponse, len(resp.SubScores))
	for _, s := range resp.SubScores {
		byID[normalizeSubID(s.SubID)] = s
	}
	res.SubScores = make([]model.SubScore, len(q.SubQuestions))
	for i, sq := range q.SubQuestions {
		ss := model.SubScore{SubID: sq.SubID, MaxMarks: sq.MaxMarks, ObtainedMarks: model.NotFoundMarks}
		if r, ok := byID[normalizeSubID(sq.SubID)]; ok && r.ObtainedMarks != nil {
			ss.ObtainedMarks = scoring.Clamp(*r.ObtainedMarks, sq.MaxMarks)
			ss.Feedback = strings.TrimSpace(r.Feedback)
		}
		res.SubScores[i] = ss
	}
	res.ObtainedMarks = scoring.QuestionMarks(res.SubScores)
	return res
}

// NotFound builds the sentinel result for q. With sub-questions every part
// carries the sentinel and the question scores their sub-total of 0.
func NotFound(q model.Question, feedback string) model.GradingResult {
	res := model.GradingResult{ObtainedMarks: model.NotFoundMarks, Feedback: strings.TrimSpace(feedback)}
	if !q.HasSubQuestions() {
		return res
	}
	for _, sq := range q.SubQuestions {
		res.SubScores = append(res.SubScores, model.SubScore{
			SubID: sq.SubID, MaxMarks: sq.MaxMarks, ObtainedMarks: model.NotFoundMarks,
		})
	}
	res.ObtainedMarks = scoring.QuestionMarks(res.SubScores)
	return res
}

// MergeChunks combines per-chunk results of an image-mode grade. With
// sub-questions each part takes its best found score across chunks; without,
// the found result with the highest confidence wins.
func MergeChunks(q model.Question, results []model.GradingResult) model.GradingResult {
	if len(results) == 1 {
		return results[0]
	}
	if !q.HasSubQuestions() {
		best := -1
		for i, r := range results {
			if r.NotFound() {
				continue
			}
			if best < 0 || r.Confidence > results[best].Confidence {
				best = i
			}
		}
		if best < 0 {
			return NotFound(q, results[0].Feedback)
		}
		return results[best]
	}

	merged := NotFound(q, "")
	var feedback []string
	for _, r := range results {
		if r.NotFound() {
			continue
		}
		merged.Confidence = math.Max(merged.Confidence, r.Confidence)
		if r.Feedback != "" {
			feedback = append(feedback, r.Feedback)
		}
		for i := range merged.SubScores {
			if i >= len(r.SubScores) || r.SubScores[i].NotFound() {
				continue
			}
			if merged.SubScores[i].NotFound() || r.SubScores[i].ObtainedMarks > merged.SubScores[i].ObtainedMarks {
				merged.SubScores[i].ObtainedMarks = r.SubScores[i].ObtainedMarks
				merged.SubScores[i].Feedback = r.SubScores[i].Feedback
			}
		}
	}
	merged.ObtainedMarks = scoring.QuestionMarks(merged.SubScores)
	merged.Feedback = strings.Join(feedback, "\n")
	return merged
}

func normalizeSubID(id string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(id), "()."))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 1)
}
