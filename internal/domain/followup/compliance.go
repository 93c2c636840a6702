package followup

import "time"

const (
	complianceMax        = 100.0
	overduePenaltyPerDay = 10.0
	overduePenaltyCap    = 50.0
	earlyCompletionBonus = 10.0
)

// Compliance rates how well a patient kept up with a follow-up. It is
// analytics only. Records still pending are rated as if completed at now.
func Compliance(r *Record, now time.Time) float64 {
	done := now
	if r.CompletedAt != nil {
		done = *r.CompletedAt
	}

	score := complianceMax
	if days := int(done.Sub(r.ScheduledAt) / (24 * time.Hour)); days > 0 {
		penalty := float64(days) * overduePenaltyPerDay
		if penalty > overduePenaltyCap {
			penalty = overduePenaltyCap
		}
		score -= penalty
	}

	score *= answeredFraction(r)

	if r.CompletedAt != nil && r.CompletedAt.Before(r.ScheduledAt) {
		score += earlyCompletionBonus
	}

	if score < 0 {
		return 0
	}
	if score > complianceMax {
		return complianceMax
	}
	return score
}

// answeredFraction is the share of required questions with an answer. A
// questionnaire without required questions counts as fully answered.
func answeredFraction(r *Record) float64 {
	required, answered := 0, 0
	for _, q := range r.Questions {
		if !q.Required {
			continue
		}
		required++
		if _, ok := r.Responses[q.ID]; ok {
			answered++
		}
	}
	if required == 0 {
		return 1
	}
	return float64(answered) / float64(required)
}
