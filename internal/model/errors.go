package model

import (
	"errors"
	"time"
)

var (
	// ErrExtractionEmpty means the AI model returned nothing usable.
	ErrExtractionEmpty = errors.New("extraction returned no content")
	// ErrExtractionQualityLow means text came back but is too short to trust.
	ErrExtractionQualityLow = errors.New("extracted text below quality threshold")
	// ErrGradingParseFailure means no parser strategy could read the grader output.
	ErrGradingParseFailure = errors.New("grading output could not be parsed")
	// ErrRateLimited means the AI model kept throttling after all retries.
	ErrRateLimited = errors.New("AI model rate limit exceeded")
	ErrJobNotFound        = errors.New("grading job not found")
	ErrExamNotFound       = errors.New("exam not found")
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrInvalidPaper means the paper has no usable pages.
	ErrInvalidPaper = errors.New("invalid paper")
	// ErrInvalidTransition means a job or submission status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ErrorKind classifies a failure for the job-poll interface.
type ErrorKind string

const (
	KindExtractionEmpty      ErrorKind = "extraction_empty"
	KindExtractionQualityLow ErrorKind = "extraction_quality_low"
	KindGradingParseFailure  ErrorKind = "grading_parse_failure"
	KindRateLimited          ErrorKind = "rate_limited"
	KindJobNotFound          ErrorKind = "job_not_found"
	KindExamNotFound         ErrorKind = "exam_not_found"
	KindSubmissionNotFound   ErrorKind = "submission_not_found"
	KindInvalidPaper         ErrorKind = "invalid_paper"
	KindInternal             ErrorKind = "internal"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrExtractionEmpty, KindExtractionEmpty},
	{ErrExtractionQualityLow, KindExtractionQualityLow},
	{ErrGradingParseFailure, KindGradingParseFailure},
	{ErrRateLimited, KindRateLimited},
	{ErrJobNotFound, KindJobNotFound},
	{ErrExamNotFound, KindExamNotFound},
	{ErrSubmissionNotFound, KindSubmissionNotFound},
	{ErrInvalidPaper, KindInvalidPaper},
}

// KindOf maps an error chain to its taxonomy kind.
func KindOf(err error) ErrorKind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Retryable reports whether the caller may resubmit later.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimited
}

// JobError is one failure visible through the job-poll interface.
// QuestionNumber is zero for paper-level failures.
type JobError struct {
	PaperID        string    `json:"paper_id,omitempty"`
	StudentID      string    `json:"student_id,omitempty"`
	SubmissionID   string    `json:"submission_id,omitempty"`
	QuestionNumber int       `json:"question_number,omitempty"`
	Kind           ErrorKind `json:"kind"`
	Retryable      bool      `json:"retryable,omitempty"`
	Message        string    `json:"message"`
	At             time.Time `json:"at"`
}
