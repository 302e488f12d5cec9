package grading

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pavelanni/papergrader/internal/llm"
	"github.com/pavelanni/papergrader/internal/llm/llmtest"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/pages"
)

var (
	q1 = model.Question{Number: 1, Text: "Define force", MaxMarks: 10}
	q2 = model.Question{Number: 2, Text: "Water cycle", MaxMarks: 5, SubQuestions: []model.SubQuestion{
		{SubID: "a", MaxMarks: 2},
		{SubID: "b", MaxMarks: 3},
	}}
)

func mkPages(n int) []pages.Page {
	ps := make([]pages.Page, n)
	for i := range ps {
		ps[i] = pages.Page{Index: i + 1, MIME: "image/png", Data: []byte{byte(i)}}
	}
	return ps
}

func TestGradeText(t *testing.T) {
	tests := []struct {
		name     string
		question model.Question
		reply    string
		want     float64
		wantSubs []float64
	}{
		{"plain", q1, `{"found": true, "obtained_marks": 7, "feedback": "ok", "confidence": 0.8}`, 7, nil},
		{"clamped high", q1, `{"obtained_marks": 14}`, 10, nil},
		{"clamped negative", q1, `{"obtained_marks": -3}`, 0, nil},
		{"genuine zero", q1, `{"found": true, "obtained_marks": 0}`, 0, nil},
		{"not found flag", q1, `{"found": false, "obtained_marks": 4}`, -1, nil},
		{"sentinel marks", q1, `{"obtained_marks": -1}`, -1, nil},
		{"fenced", q1, "Here:\n```json\n{\"obtained_marks\": 6}\n```", 6, nil},
		{"sub-scores", q2, `{"obtained_marks": 3, "sub_scores": [{"sub_id": "b", "obtained_marks": 1}, {"sub_id": "a", "obtained_marks": 2}]}`, 3, []float64{2, 1}},
		{"sub-score clamped", q2, `{"sub_scores": [{"sub_id": "(a)", "obtained_marks": 5}, {"sub_id": "B", "obtained_marks": 3}]}`, 5, []float64{2, 3}},
		{"missing sub-score", q2, `{"sub_scores": [{"sub_id": "a", "obtained_marks": 2}]}`, 2, []float64{2, -1}},
		{"all sub-scores blank", q2, `{"sub_scores": [{"sub_id": "a", "obtained_marks": null}, {"sub_id": "b", "obtained_marks": null}]}`, 0, []float64{-1, -1}},
		{"sub-question not found", q2, `{"found": false}`, 0, []float64{-1, -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := llmtest.New(llmtest.Reply{Text: tt.reply})
			got, err := New(m, 10).Grade(context.Background(), Input{
				Question: tt.question, AnswerText: "some answer", Mode: model.ModeBalanced,
			})
			if err != nil {
				t.Fatalf("Grade: %v", err)
			}
			if got.ObtainedMarks != tt.want {
				t.Errorf("marks = %v, want %v", got.ObtainedMarks, tt.want)
			}
			if len(got.SubScores) != len(tt.wantSubs) {
				t.Fatalf("got %d sub-scores, want %d", len(got.SubScores), len(tt.wantSubs))
			}
			for i, w := range tt.wantSubs {
				if got.SubScores[i].ObtainedMarks != w || got.SubScores[i].SubID != tt.question.SubQuestions[i].SubID {
					t.Errorf("sub-score %d = %+v, want %v", i, got.SubScores[i], w)
				}
			}
			if len(m.Requests()[0].Images) != 0 {
				t.Error("text mode should not send images")
			}
		})
	}
}

func TestGradeRetriesMalformed(t *testing.T) {
	m := llmtest.New(
		llmtest.Reply{Text: "I think the student did well."},
		llmtest.Reply{Text: `{"obtained_marks": 8}`},
	)
	got, err := New(m, 10).Grade(context.Background(), Input{Question: q1, AnswerText: "F=ma"})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if got.ObtainedMarks != 8 || m.Calls() != 2 {
		t.Errorf("marks = %v after %d calls", got.ObtainedMarks, m.Calls())
	}
}

func TestGradeParseFailure(t *testing.T) {
	m := llmtest.New(
		llmtest.Reply{Text: "no"}, llmtest.Reply{Text: "{broken"}, llmtest.Reply{Text: "still no"},
	)
	_, err := New(m, 10).Grade(context.Background(), Input{Question: q1, AnswerText: "F=ma"})
	if !errors.Is(err, model.ErrGradingParseFailure) {
		t.Fatalf("expected ErrGradingParseFailure, got %v", err)
	}
	if m.Calls() != MaxAttempts {
		t.Errorf("calls = %d, want %d", m.Calls(), MaxAttempts)
	}
}

func TestGradeRetriesIncomplete(t *testing.T) {
	tests := []struct {
		name      string
		question  model.Question
		replies   []string
		want      float64
		wantCalls int
		wantErr   error
	}{
		{
			name:      "marks omitted",
			question:  q1,
			replies:   []string{`{"feedback": "good answer", "confidence": 0.9}`, `{"obtained_marks": 7}`},
			want:      7,
			wantCalls: 2,
		},
		{
			name:      "sub-scores omitted",
			question:  q2,
			replies:   []string{`{"obtained_marks": 3}`, `{"sub_scores": [{"sub_id": "a", "obtained_marks": 1}, {"sub_id": "b", "obtained_marks": 2}]}`},
			want:      3,
			wantCalls: 2,
		},
		{
			name:      "unknown sub ids",
			question:  q2,
			replies:   []string{`{"sub_scores": [{"sub_id": "z", "obtained_marks": 1}]}`, `{"found": false}`},
			want:      0,
			wantCalls: 2,
		},
		{
			name:      "never complete",
			question:  q1,
			replies:   []string{`{"feedback": "a"}`, `{"confidence": 0.5}`, `{}`},
			wantCalls: MaxAttempts,
			wantErr:   model.ErrGradingParseFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replies := make([]llmtest.Reply, len(tt.replies))
			for i, r := range tt.replies {
				replies[i] = llmtest.Reply{Text: r}
			}
			m := llmtest.New(replies...)
			got, err := New(m, 10).Grade(context.Background(), Input{Question: tt.question, AnswerText: "some answer"})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Grade: %v", err)
			} else if got.ObtainedMarks != tt.want {
				t.Errorf("marks = %v, want %v", got.ObtainedMarks, tt.want)
			}
			if m.Calls() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", m.Calls(), tt.wantCalls)
			}
		})
	}
}

func TestGradeModelErrorNotRetried(t *testing.T) {
	m := llmtest.New(llmtest.Reply{Err: model.ErrRateLimited})
	_, err := New(m, 10).Grade(context.Background(), Input{Question: q1, AnswerText: "F=ma"})
	if !errors.Is(err, model.ErrRateLimited) || m.Calls() != 1 {
		t.Fatalf("err = %v after %d calls", err, m.Calls())
	}
}

func TestGradeNoAnswer(t *testing.T) {
	m := llmtest.New()
	got, err := New(m, 10).Grade(context.Background(), Input{Question: q2})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if !got.NotFound() || len(got.SubScores) != 2 || m.Calls() != 0 {
		t.Errorf("got %+v after %d calls", got, m.Calls())
	}
	if got.ObtainedMarks != 0 {
		t.Errorf("marks = %v, want sub-total 0", got.ObtainedMarks)
	}
}

func TestGradePromptUsesModelAnswer(t *testing.T) {
	m := llmtest.New(llmtest.Reply{Text: `{"obtained_marks": 1}`})
	_, err := New(m, 10).Grade(context.Background(), Input{
		Question:    q1,
		ModelAnswer: &model.ModelAnswerEntry{QuestionNumber: 1, AnswerText: "Force is mass times acceleration."},
		AnswerText:  "F=ma",
		Mode:        model.ModeLenient,
	})
	if err != nil {
		t.Fatal(err)
	}
	p := m.Requests()[0].Prompt
	if !strings.Contains(p, "Force is mass times acceleration.") || !strings.Contains(p, "GRADING MODE: lenient") {
		t.Errorf("prompt missing model answer or mode:\n%s", p)
	}
}

func TestGradeImageChunks(t *testing.T) {
	m := llmtest.Func(func(_ int, req llm.Request) llmtest.Reply {
		if req.Images[0].Index == 1 {
			return llmtest.Reply{Text: `{"found": false}`}
		}
		return llmtest.Reply{Text: `{"found": true, "obtained_marks": 6, "confidence": 0.7}`}
	})
	got, err := New(m, 10).Grade(context.Background(), Input{Question: q1, AnswerPages: mkPages(15)})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if got.ObtainedMarks != 6 || m.Calls() != 2 {
		t.Errorf("marks = %v after %d calls", got.ObtainedMarks, m.Calls())
	}
	for _, r := range m.Requests() {
		if len(r.Images) > 10 {
			t.Errorf("chunk of %d pages exceeds limit", len(r.Images))
		}
	}
}

func TestGradeImageAllChunksUnparseable(t *testing.T) {
	m := llmtest.Func(func(int, llm.Request) llmtest.Reply { return llmtest.Reply{Text: "??"} })
	_, err := New(m, 10).Grade(context.Background(), Input{Question: q1, AnswerPages: mkPages(12)})
	if !errors.Is(err, model.ErrGradingParseFailure) {
		t.Fatalf("expected ErrGradingParseFailure, got %v", err)
	}
	if m.Calls() != 2*MaxAttempts {
		t.Errorf("calls = %d, want %d", m.Calls(), 2*MaxAttempts)
	}
}

func TestMergeChunks(t *testing.T) {
	nf := model.GradingResult{ObtainedMarks: model.NotFoundMarks}
	t.Run("highest confidence wins", func(t *testing.T) {
		got := MergeChunks(q1, []model.GradingResult{
			{ObtainedMarks: 4, Confidence: 0.5},
			nf,
			{ObtainedMarks: 6, Confidence: 0.9},
		})
		if got.ObtainedMarks != 6 {
			t.Errorf("marks = %v, want 6", got.ObtainedMarks)
		}
	})
	t.Run("zero beats not found", func(t *testing.T) {
		got := MergeChunks(q1, []model.GradingResult{nf, {ObtainedMarks: 0, Confidence: 0.4}})
		if got.NotFound() || got.ObtainedMarks != 0 {
			t.Errorf("got %+v, want genuine zero", got)
		}
	})
	t.Run("all not found", func(t *testing.T) {
		if got := MergeChunks(q1, []model.GradingResult{nf, nf}); !got.NotFound() {
			t.Errorf("got %+v, want sentinel", got)
		}
	})
	t.Run("sub-questions across chunks", func(t *testing.T) {
		got := MergeChunks(q2, []model.GradingResult{
			{ObtainedMarks: 2, Confidence: 0.6, SubScores: []model.SubScore{
				{SubID: "a", ObtainedMarks: 2, MaxMarks: 2}, {SubID: "b", ObtainedMarks: -1, MaxMarks: 3},
			}},
			{ObtainedMarks: 1, Confidence: 0.8, SubScores: []model.SubScore{
				{SubID: "a", ObtainedMarks: -1, MaxMarks: 2}, {SubID: "b", ObtainedMarks: 1, MaxMarks: 3},
			}},
		})
		if got.ObtainedMarks != 3 || got.SubScores[0].ObtainedMarks != 2 || got.SubScores[1].ObtainedMarks != 1 {
			t.Errorf("got %+v", got)
		}
		if got.Confidence != 0.8 {
			t.Errorf("confidence = %v, want 0.8", got.Confidence)
		}
	})
	t.Run("sub-questions blank in every chunk", func(t *testing.T) {
		blank := NotFound(q2, "")
		got := MergeChunks(q2, []model.GradingResult{blank, blank})
		if !got.NotFound() || got.ObtainedMarks != 0 || len(got.SubScores) != 2 {
			t.Errorf("got %+v, want blank parts scoring 0", got)
		}
	})
}
