// Package scoring aggregates sub-question and question marks into submission
// totals. It is the one place the not-found sentinel is folded into sums.
package scoring

import (
	"math"
	"sort"

	"github.com/pavelanni/papergrader/internal/model"
)

// SubTotal sums sub-scores, counting sentinels as zero.
func SubTotal(subs []model.SubScore) float64 {
	var total float64
	for _, s := range subs {
		if s.NotFound() {
			continue
		}
		total += s.ObtainedMarks
	}
	return total
}

// QuestionMarks derives a question's marks from its sub-scores. Sentinel
// parts count as zero, so the question always equals its sub-total and a
// question whose parts were all left blank scores a genuine 0.
func QuestionMarks(subs []model.SubScore) float64 {
	return SubTotal(subs)
}

// Clamp bounds marks to [0, max] while letting the sentinel through.
func Clamp(marks, max float64) float64 {
	if marks == model.NotFoundMarks {
		return marks
	}
	if math.IsNaN(marks) || marks < 0 {
		return 0
	}
	if max >= 0 && marks > max {
		return max
	}
	return marks
}

// Total sums question marks, excluding sentinels.
func Total(scores []model.QuestionScore) float64 {
	var total float64
	for _, s := range scores {
		if s.NotFound() {
			continue
		}
		total += s.ObtainedMarks
	}
	return total
}

// Percentage returns total/max as a percentage rounded to two decimals.
func Percentage(total, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return math.Round(total/max*10000) / 100
}

// Finalize recomputes a submission's derived fields from its question scores.
// Questions are ordered ascending and sub-question totals refreshed.
func Finalize(sub *model.Submission, exam model.Exam) {
	sort.SliceStable(sub.QuestionScores, func(i, j int) bool {
		return sub.QuestionScores[i].QuestionNumber < sub.QuestionScores[j].QuestionNumber
	})
	for i := range sub.QuestionScores {
		qs := &sub.QuestionScores[i]
		if len(qs.SubScores) > 0 && !qs.Failed {
			qs.ObtainedMarks = QuestionMarks(qs.SubScores)
		}
	}
	sub.TotalMarks = Total(sub.QuestionScores)
	sub.MaxMarks = exam.MaxMarks()
	sub.Percentage = Percentage(sub.TotalMarks, sub.MaxMarks)
}

// Stats tallies per-question analytics across submissions. Zero-score counts
// only genuine zeros; the sentinel is reported as NotFound.
func Stats(exam model.Exam, subs []model.Submission) []model.QuestionStats {
	stats := make([]model.QuestionStats, 0, len(exam.Questions))
	index := make(map[int]int, len(exam.Questions))
	sums := make([]float64, len(exam.Questions))
	for i, q := range exam.Questions {
		index[q.Number] = i
		stats = append(stats, model.QuestionStats{QuestionNumber: q.Number, MaxMarks: q.MaxMarks})
	}

	for _, sub := range subs {
		for _, qs := range sub.QuestionScores {
			i, ok := index[qs.QuestionNumber]
			if !ok {
				continue
			}
			st := &stats[i]
			switch {
			case qs.Failed:
				st.Failed++
			case qs.NotFound():
				st.NotFound++
			default:
				st.Attempted++
				sums[i] += qs.ObtainedMarks
				if qs.ObtainedMarks == 0 {
					st.ZeroScore++
				}
				if st.MaxMarks > 0 && qs.ObtainedMarks >= st.MaxMarks {
					st.FullMarks++
				}
			}
		}
	}

	for i := range stats {
		if stats[i].Attempted > 0 {
			stats[i].MeanMarks = math.Round(sums[i]/float64(stats[i].Attempted)*100) / 100
		}
	}
	return stats
}
