package model

import "time"

// ExamExport is the top-level JSON structure for exam result export.
type ExamExport struct {
	ExamID      string           `json:"exam_id"`
	Name        string           `json:"name"`
	GradingMode GradingMode      `json:"grading_mode"`
	MaxMarks    float64          `json:"max_marks"`
	ExportedAt  time.Time        `json:"exported_at"`
	Questions   []Question       `json:"questions"`
	Results     []SubmissionView `json:"results"`
	Stats       []QuestionStats  `json:"stats"`
}

// QuestionStats is the per-question analytics row.
// ZeroScore counts genuine zeros only; not-found sentinels are counted separately.
type QuestionStats struct {
	QuestionNumber int     `json:"question_number"`
	MaxMarks       float64 `json:"max_marks"`
	Attempted      int     `json:"attempted"`
	NotFound       int     `json:"not_found"`
	ZeroScore      int     `json:"zero_score"`
	FullMarks      int     `json:"full_marks"`
	Failed         int     `json:"failed"`
	MeanMarks      float64 `json:"mean_marks"`
}
