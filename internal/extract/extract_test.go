package extract

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

func mkPages(n int) []pages.Page {
	ps := make([]pages.Page, n)
	for i := range ps {
		ps[i] = pages.Page{Index: i + 1, MIME: "image/png", Data: []byte{byte(i)}}
	}
	return ps
}

func TestExtractQuestions(t *testing.T) {
	m := llmtest.New(llmtest.Reply{Text: `{"questions": [
		{"number": 2, "text": "Water cycle", "max_marks": 4, "sub_questions": [
			{"sub_id": "a", "max_marks": 2}, {"sub_id": "b", "max_marks": 3}]},
		{"number": 1, "text": "Define force", "max_marks": 10}
	]}`})
	s := New(m, Config{})

	qs, err := s.ExtractQuestions(context.Background(), mkPages(3), 15)
	if err != nil {
		t.Fatalf("ExtractQuestions: %v", err)
	}
	if len(qs) != 2 || qs[0].Number != 1 || qs[1].Number != 2 {
		t.Fatalf("questions not sorted: %+v", qs)
	}
	if qs[1].MaxMarks != 5 {
		t.Errorf("parent marks = %v, want repaired to 5", qs[1].MaxMarks)
	}
	if m.Calls() != 1 {
		t.Errorf("calls = %d, want 1", m.Calls())
	}
	if got := len(m.Requests()[0].Images); got != 3 {
		t.Errorf("sent %d images, want 3", got)
	}
}

func TestExtractQuestionsChunksAndMerges(t *testing.T) {
	m := llmtest.Func(func(_ int, req llm.Request) llmtest.Reply {
		if req.Images[0].Index == 1 {
			return llmtest.Reply{Text: `{"questions": [{"number": 1, "text": "First", "max_marks": 5}, {"number": 2, "text": "", "max_marks": 0}]}`}
		}
		return llmtest.Reply{Text: "```json\n{\"questions\": [{\"number\": 2, \"text\": \"Second\", \"max_marks\": 3}]}\n```"}
	})
	s := New(m, Config{ChunkPages: 10})

	qs, err := s.ExtractQuestions(context.Background(), mkPages(15), 0)
	if err != nil {
		t.Fatalf("ExtractQuestions: %v", err)
	}
	if m.Calls() != 2 {
		t.Errorf("calls = %d, want 2 chunks", m.Calls())
	}
	if len(qs) != 2 || qs[1].Text != "Second" || qs[1].MaxMarks != 3 {
		t.Errorf("merge did not fill question 2: %+v", qs)
	}
}

func TestExtractQuestionsRetriesThenEmpty(t *testing.T) {
	m := llmtest.New(
		llmtest.Reply{Text: "I could not read the page."},
		llmtest.Reply{Text: "still nothing"},
		llmtest.Reply{Text: `{"questions": []}`},
	)
	s := New(m, Config{})

	_, err := s.ExtractQuestions(context.Background(), mkPages(1), 0)
	if !errors.Is(err, model.ErrExtractionEmpty) {
		t.Fatalf("expected ErrExtractionEmpty, got %v", err)
	}
	if m.Calls() != 3 {
		t.Errorf("calls = %d, want 3", m.Calls())
	}
}

func TestExtractQuestionsUnparseableIsEmpty(t *testing.T) {
	m := llmtest.New(
		llmtest.Reply{Text: "no"}, llmtest.Reply{Text: "no"}, llmtest.Reply{Text: "no"},
	)
	_, err := New(m, Config{}).ExtractQuestions(context.Background(), mkPages(2), 0)
	if !errors.Is(err, model.ErrExtractionEmpty) {
		t.Fatalf("expected ErrExtractionEmpty, got %v", err)
	}
	if m.Calls() != MaxAttempts {
		t.Errorf("calls = %d, want %d", m.Calls(), MaxAttempts)
	}
}

func TestExtractQuestionsModelError(t *testing.T) {
	m := llmtest.New(llmtest.Reply{Err: model.ErrRateLimited})
	_, err := New(m, Config{}).ExtractQuestions(context.Background(), mkPages(1), 0)
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestExtractQuestionsNoPages(t *testing.T) {
	m := llmtest.New()
	_, err := New(m, Config{}).ExtractQuestions(context.Background(), nil, 0)
	if !errors.Is(err, model.ErrExtractionEmpty) {
		t.Fatalf("expected ErrExtractionEmpty, got %v", err)
	}
	if m.Calls() != 0 {
		t.Error("no pages should not call the model")
	}
}

func TestExtractAnswers(t *testing.T) {
	long := strings.Repeat("Newton's second law relates force and acceleration. ", 3)
	m := llmtest.New(llmtest.Reply{Text: `{"answers": [{"question_number": 1, "answer_text": "` + long + `", "confidence": 0.9}]}`})
	s := New(m, Config{})
	questions := []model.Question{{Number: 1, Text: "Define force", MaxMarks: 10}}

	entries, err := s.ExtractAnswers(context.Background(), mkPages(2), questions, false)
	if err != nil {
		t.Fatalf("ExtractAnswers: %v", err)
	}
	if len(entries) != 1 || entries[0].QuestionNumber != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	if !strings.Contains(m.Requests()[0].Prompt, "Define force") {
		t.Error("prompt should include question context")
	}
}

func TestExtractAnswersQualityLow(t *testing.T) {
	m := llmtest.Func(func(_ int, req llm.Request) llmtest.Reply {
		if req.Images[0].Index == 1 {
			return llmtest.Reply{Text: `{"answers": [{"question_number": 1, "answer_text": "F=ma"}]}`}
		}
		return llmtest.Reply{Text: `{"answers": []}`}
	})
	entries, err := New(m, Config{}).ExtractAnswers(context.Background(), mkPages(15), nil, false)
	if !errors.Is(err, model.ErrExtractionQualityLow) {
		t.Fatalf("expected ErrExtractionQualityLow, got %v", err)
	}
	if len(entries) != 1 {
		t.Error("low quality result should still carry the entries")
	}
}

func TestExtractAnswersSinglePageShortIsFine(t *testing.T) {
	m := llmtest.New(llmtest.Reply{Text: `{"answers": [{"question_number": 1, "answer_text": "F=ma"}]}`})
	if _, err := New(m, Config{}).ExtractAnswers(context.Background(), mkPages(1), nil, true); err != nil {
		t.Fatalf("single page source should not be a quality failure: %v", err)
	}
}

func TestMergeAnswers(t *testing.T) {
	got := MergeAnswers([][]model.ModelAnswerEntry{
		{{QuestionNumber: 2, AnswerText: "part one", Confidence: 0.9}, {QuestionNumber: 0, AnswerText: "stray"}},
		{{QuestionNumber: 2, AnswerText: "part two", HasDiagrams: true, Confidence: 0.6}, {QuestionNumber: 1, AnswerText: "x"}},
	})
	if len(got) != 2 || got[0].QuestionNumber != 1 {
		t.Fatalf("got %+v", got)
	}
	q2 := got[1]
	if q2.AnswerText != "part one\npart two" || !q2.HasDiagrams || q2.Confidence != 0.6 {
		t.Errorf("merged entry = %+v", q2)
	}
}

func TestRepairSubMarks(t *testing.T) {
	qs := []model.Question{
		{Number: 1, MaxMarks: 10},
		{Number: 2, MaxMarks: 4, SubQuestions: []model.SubQuestion{{SubID: "a", MaxMarks: 2}, {SubID: "b", MaxMarks: 3}}},
		{Number: 3, MaxMarks: 6, SubQuestions: []model.SubQuestion{{SubID: "a", MaxMarks: 6}}},
	}
	RepairSubMarks(qs)
	want := []float64{10, 5, 6}
	for i, q := range qs {
		if q.MaxMarks != want[i] {
			t.Errorf("question %d marks = %v, want %v", q.Number, q.MaxMarks, want[i])
		}
	}
}

func TestLowQuality(t *testing.T) {
	short := []model.ModelAnswerEntry{{AnswerText: strings.Repeat("a", 50)}}
	tests := []struct {
		name  string
		pages int
		want  bool
	}{
		{"fifteen pages", 15, true},
		{"two pages", 2, true},
		{"one page", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LowQuality(short, tt.pages, 100); got != tt.want {
				t.Errorf("LowQuality() = %v, want %v", got, tt.want)
			}
		})
	}
}
