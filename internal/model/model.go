package model

import (
	"strings"
	"time"
)

// NotFoundMarks marks a question (or sub-question) the student did not attempt
// or the grader could not locate. It is distinct from a genuine 0.
const NotFoundMarks = -1.0

// GradingMode is the exam-wide marking policy.
type GradingMode string

const (
	// ModeStrict gives credit only for exact, fully worked answers.
	ModeStrict GradingMode = "strict"
	// ModeBalanced is the default policy.
	ModeBalanced GradingMode = "balanced"
	// ModeConceptual rewards the underlying concept over the final figure.
	ModeConceptual GradingMode = "conceptual"
	// ModeLenient gives generous partial credit.
	ModeLenient GradingMode = "lenient"
)

var validModes = map[GradingMode]bool{
	ModeStrict:     true,
	ModeBalanced:   true,
	ModeConceptual: true,
	ModeLenient:    true,
}

// IsValid reports whether m names one of the four grading modes.
func (m GradingMode) IsValid() bool {
	return validModes[m]
}

// ParseGradingMode normalizes s; an empty string yields ModeBalanced.
func ParseGradingMode(s string) (GradingMode, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModeBalanced, true
	}
	m := GradingMode(s)
	return m, m.IsValid()
}

// AnswerMode is the representation the grading engine received for an answer.
type AnswerMode string

const (
	AnswerText  AnswerMode = "text"
	AnswerImage AnswerMode = "image"
)

// SubmissionStatus represents the lifecycle of a graded paper.
type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionGraded    SubmissionStatus = "graded"
	SubmissionReviewed  SubmissionStatus = "reviewed"
	SubmissionPublished SubmissionStatus = "published"
)

// JobStatus represents the state of a batch grading job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// SubQuestion is one lettered part of a question.
type SubQuestion struct {
	SubID    string  `json:"sub_id" validate:"required"`
	Text     string  `json:"text"`
	MaxMarks float64 `json:"max_marks" validate:"gte=0"`
	Rubric   string  `json:"rubric"`
}

// Question is one numbered exam question.
type Question struct {
	Number       int           `json:"number" validate:"gte=1"`
	Text         string        `json:"text"`
	MaxMarks     float64       `json:"max_marks" validate:"gte=0"`
	Rubric       string        `json:"rubric"`
	SubQuestions []SubQuestion `json:"sub_questions,omitempty" validate:"omitempty,dive"`
}

// HasSubQuestions reports whether the question is split into parts.
func (q Question) HasSubQuestions() bool {
	return len(q.SubQuestions) > 0
}

// SubMarksTotal sums the parts' maximum marks.
func (q Question) SubMarksTotal() float64 {
	var total float64
	for _, sq := range q.SubQuestions {
		total += sq.MaxMarks
	}
	return total
}

// ModelAnswerEntry is the extracted answer text for one question, either from
// the teacher's model answer or from a student's paper.
type ModelAnswerEntry struct {
	QuestionNumber int     `json:"question_number"`
	AnswerText     string  `json:"answer_text"`
	HasDiagrams    bool    `json:"has_diagrams"`
	Confidence     float64 `json:"confidence"`
}

// SubScore is the mark for one sub-question.
type SubScore struct {
	SubID         string  `json:"sub_id"`
	ObtainedMarks float64 `json:"obtained_marks"`
	MaxMarks      float64 `json:"max_marks"`
	Feedback      string  `json:"feedback,omitempty"`
}

// NotFound reports whether the sub-question carries the sentinel.
func (s SubScore) NotFound() bool {
	return s.ObtainedMarks == NotFoundMarks
}

// GradingResult is the engine's verdict on one answer to one question.
type GradingResult struct {
	ObtainedMarks float64    `json:"obtained_marks"`
	Feedback      string     `json:"feedback"`
	SubScores     []SubScore `json:"sub_scores,omitempty"`
	Confidence    float64    `json:"confidence"`
}

// NotFound reports whether no answer was located. A result with sub-scores
// is not found only when every part carries the sentinel.
func (r GradingResult) NotFound() bool {
	if len(r.SubScores) == 0 {
		return r.ObtainedMarks == NotFoundMarks
	}
	for _, s := range r.SubScores {
		if !s.NotFound() {
			return false
		}
	}
	return true
}

// QuestionScore is a graded question inside a submission.
type QuestionScore struct {
	QuestionNumber int        `json:"question_number"`
	ObtainedMarks  float64    `json:"obtained_marks"`
	MaxMarks       float64    `json:"max_marks"`
	Feedback       string     `json:"feedback"`
	SubScores      []SubScore `json:"sub_scores,omitempty"`
	Confidence     float64    `json:"confidence"`
	AnswerMode     AnswerMode `json:"answer_mode,omitempty"`
	Failed         bool       `json:"failed,omitempty"`
	AIMarks        *float64   `json:"ai_marks,omitempty"`
	TeacherComment string     `json:"teacher_comment,omitempty"`
}

// NotFound reports whether the question carries the sentinel.
func (s QuestionScore) NotFound() bool {
	return s.ObtainedMarks == NotFoundMarks
}

// Exam holds the question list and the source documents for one exam.
type Exam struct {
	ID                  string      `json:"exam_id"`
	Name                string      `json:"name"`
	GradingMode         GradingMode `json:"grading_mode"`
	TotalMarks          float64     `json:"total_marks,omitempty"` // declared total, 0 when unknown
	Questions           []Question  `json:"questions"`
	QuestionPaperHandle string      `json:"question_paper_handle,omitempty"`
	ModelAnswerHandle   string      `json:"model_answer_handle,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// MaxMarks sums the question maxima.
func (e Exam) MaxMarks() float64 {
	var total float64
	for _, q := range e.Questions {
		total += q.MaxMarks
	}
	return total
}

// Question returns the question with the given number.
func (e Exam) Question(number int) (Question, bool) {
	for _, q := range e.Questions {
		if q.Number == number {
			return q, true
		}
	}
	return Question{}, false
}

// Submission is one student's graded paper.
type Submission struct {
	ID             string           `json:"submission_id"`
	ExamID         string           `json:"exam_id"`
	JobID          string           `json:"job_id,omitempty"`
	PaperID        string           `json:"paper_id"`
	StudentID      string           `json:"student_id"`
	PagesHandle    string           `json:"pages_handle,omitempty"`
	QuestionScores []QuestionScore  `json:"question_scores"`
	TotalMarks     float64          `json:"total_marks"`
	MaxMarks       float64          `json:"max_marks"`
	Percentage     float64          `json:"percentage"`
	Status         SubmissionStatus `json:"status"`
	AnswerMode     AnswerMode       `json:"answer_mode,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Score returns the score for a question number.
func (s *Submission) Score(number int) (*QuestionScore, bool) {
	for i := range s.QuestionScores {
		if s.QuestionScores[i].QuestionNumber == number {
			return &s.QuestionScores[i], true
		}
	}
	return nil, false
}

// GradingJob tracks a batch of papers graded against one exam.
type GradingJob struct {
	ID              string      `json:"job_id"`
	ExamID          string      `json:"exam_id"`
	GradingMode     GradingMode `json:"grading_mode"`
	TotalPapers     int         `json:"total_papers"`
	ProcessedPapers int         `json:"processed_papers"`
	Successful      int         `json:"successful"`
	Failed          int         `json:"failed"`
	Status          JobStatus   `json:"status"`
	Errors          []JobError  `json:"errors"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
}

// QuestionView is a graded question enriched with its text for display.
type QuestionView struct {
	QuestionScore
	Text         string        `json:"text"`
	Rubric       string        `json:"rubric"`
	SubQuestions []SubQuestion `json:"sub_questions,omitempty"`
}

// SubmissionView is a submission with every question denormalized.
type SubmissionView struct {
	Submission
	ExamName  string         `json:"exam_name"`
	Questions []QuestionView `json:"questions"`
}

// NewSubmissionView joins a submission with the exam's question list.
func NewSubmissionView(exam Exam, sub Submission) SubmissionView {
	view := SubmissionView{Submission: sub, ExamName: exam.Name}
	for _, qs := range sub.QuestionScores {
		qv := QuestionView{QuestionScore: qs}
		if q, ok := exam.Question(qs.QuestionNumber); ok {
			qv.Text = q.Text
			qv.Rubric = q.Rubric
			qv.SubQuestions = q.SubQuestions
		}
		view.Questions = append(view.Questions, qv)
	}
	return view
}
