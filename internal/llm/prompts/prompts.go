package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/papergrader/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// System is the system message sent with every request.
const System = "You grade and transcribe handwritten exam papers. You always answer with a single JSON object and nothing else."

// ModeRule is the marking policy of one grading mode.
type ModeRule struct {
	Mode          model.GradingMode
	FullCredit    string
	PartialCredit string
	MethodCredit  string
}

// Rules holds the policy for every grading mode. This is the only place the
// semantics of a mode are written down.
var Rules = map[model.GradingMode]ModeRule{
	model.ModeStrict: {
		Mode:          model.ModeStrict,
		FullCredit:    "only for the exact final answer with complete, correct working and units",
		PartialCredit: "only for fully correct independent steps; no credit for partially correct steps",
		MethodCredit:  "award 0 for that part",
	},
	model.ModeBalanced: {
		Mode:          model.ModeBalanced,
		FullCredit:    "for the correct answer with reasonable working",
		PartialCredit: "in proportion to the correct steps shown",
		MethodCredit:  "award half of the marks for that part",
	},
	model.ModeConceptual: {
		Mode:          model.ModeConceptual,
		FullCredit:    "when the underlying concept is correctly understood, even if the figure is slightly off",
		PartialCredit: "most marks for a correctly explained concept, fewer for calculation alone",
		MethodCredit:  "award most of the marks for that part",
	},
	model.ModeLenient: {
		Mode:          model.ModeLenient,
		FullCredit:    "for a substantially correct answer",
		PartialCredit: "generously; any relevant work earns marks",
		MethodCredit:  "award full marks for that part",
	},
}

var strictness = []model.GradingMode{model.ModeLenient, model.ModeConceptual, model.ModeBalanced, model.ModeStrict}

// RuleFor returns the rule for mode. Without a model answer the next
// stricter mode applies. Unknown modes fall back to balanced.
func RuleFor(mode model.GradingMode, hasModelAnswer bool) ModeRule {
	if !mode.IsValid() {
		mode = model.ModeBalanced
	}
	if !hasModelAnswer {
		mode = stricter(mode)
	}
	return Rules[mode]
}

func stricter(mode model.GradingMode) model.GradingMode {
	for i, m := range strictness {
		if m == mode && i+1 < len(strictness) {
			return strictness[i+1]
		}
	}
	return mode
}

// Chunk locates a page range inside a document.
type Chunk struct {
	ChunkIndex int // 1-based
	ChunkCount int
	FirstPage  int
	LastPage   int
}

// QuestionsData holds template data for question extraction.
type QuestionsData struct {
	Chunk
	DeclaredTotal float64
}

// AnswersData holds template data for answer transcription.
type AnswersData struct {
	Chunk
	Student   bool
	Questions []model.Question
}

// GradeData holds template data for grading one question.
type GradeData struct {
	Chunk
	Question    model.Question
	ModelAnswer string
	Answer      string
	ImageMode   bool
	Rule        ModeRule
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates *template.Template
)

func load() (*template.Template, error) {
	loadOnce.Do(func() {
		templates, loadErr = template.ParseFS(templateFS, "templates/*.tmpl")
		if loadErr != nil {
			loadErr = errors.New("failed to parse prompt templates: " + loadErr.Error())
		}
	})
	return templates, loadErr
}

func execute(name string, data any) (string, error) {
	t, err := load()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// BuildQuestionsPrompt renders the question extraction prompt.
func BuildQuestionsPrompt(data QuestionsData) (string, error) {
	return execute("questions.tmpl", data)
}

// BuildAnswersPrompt renders the answer transcription prompt.
func BuildAnswersPrompt(data AnswersData) (string, error) {
	return execute("answers.tmpl", data)
}

// BuildGradePrompt renders the grading prompt for one question. In text mode
// the answer is sanitized and wrapped in delimiters.
func BuildGradePrompt(mode model.GradingMode, q model.Question, modelAnswer, answer string, imageMode bool, chunk Chunk) (string, error) {
	data := GradeData{
		Chunk:       chunk,
		Question:    q,
		ModelAnswer: strings.TrimSpace(modelAnswer),
		ImageMode:   imageMode,
		Rule:        RuleFor(mode, strings.TrimSpace(modelAnswer) != ""),
	}
	if !imageMode {
		data.Answer = sanitizeAnswer(answer)
	}
	return execute("grade.tmpl", data)
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > 10000 {
		runes := []rune(answer)
		runes = runes[:10000]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
