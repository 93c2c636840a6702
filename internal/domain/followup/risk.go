package followup

import "strings"

const (
	baseScore = 5.0
	maxScore  = 10.0

	painThreshold         = 7
	satisfactionThreshold = 3

	// EscalationScore and EscalationFlagCount are exclusive thresholds.
	EscalationScore     = 8.0
	EscalationFlagCount = 2
)

// Red flag labels.
const (
	FlagHighPain          = "High pain level reported"
	FlagNonAdherence      = "Medication non-adherence reported"
	criticalSymptomPrefix = "Critical symptom reported: "
)

// CriticalSymptoms is the fixed vocabulary matched against free-text
// symptom answers. Any match escalates immediately.
var CriticalSymptoms = []string{
	"chest pain",
	"difficulty breathing",
	"severe headache",
	"loss of consciousness",
	"shortness of breath",
	"bleeding",
}

// Assessment is the derived risk of a follow-up.
type Assessment struct {
	Score    float64   `json:"score"`
	RedFlags []RedFlag `json:"red_flags"`
}

// Critical reports whether any red flag escalates on its own.
func (a Assessment) Critical() bool {
	for _, f := range a.RedFlags {
		if f.Critical {
			return true
		}
	}
	return false
}

// Score evaluates responses against their questions. Responses are visited
// in question order so the flag list is stable. An answer that does not fit
// its question, or that names an unknown question, is an error.
func Score(questions []Question, responses map[string]Answer) (Assessment, error) {
	known := make(map[string]bool, len(questions))
	for _, q := range questions {
		known[q.ID] = true
	}
	for id := range responses {
		if !known[id] {
			return Assessment{}, &AnswerError{QuestionID: id, Problem: "unknown question"}
		}
	}

	a := Assessment{Score: baseScore, RedFlags: []RedFlag{}}
	seen := make(map[string]bool)
	flag := func(label string, critical bool) {
		if seen[label] {
			return
		}
		seen[label] = true
		a.RedFlags = append(a.RedFlags, RedFlag{Label: label, Critical: critical})
	}

	for _, q := range questions {
		ans, ok := responses[q.ID]
		if !ok {
			continue
		}
		if err := checkAnswer(q, ans); err != nil {
			return Assessment{}, err
		}
		switch q.Category {
		case CategoryPainScale:
			if *ans.Scale > painThreshold {
				a.Score += 2
				flag(FlagHighPain, true)
			}
		case CategorySymptomText:
			text := strings.ToLower(ans.Text)
			for _, term := range CriticalSymptoms {
				if strings.Contains(text, term) {
					a.Score += 3
					flag(criticalSymptomPrefix+term, true)
				}
			}
		case CategoryMedicationAdherence:
			if !*ans.Adherent {
				a.Score++
				flag(FlagNonAdherence, false)
			}
		case CategorySatisfaction:
			if *ans.Scale < satisfactionThreshold {
				a.Score++
			}
		}
	}

	if a.Score > maxScore {
		a.Score = maxScore
	}
	if a.Score < 0 {
		a.Score = 0
	}
	return a, nil
}

// usableAnswers keeps the responses Score would accept.
func usableAnswers(questions []Question, responses map[string]Answer) map[string]Answer {
	byID := make(map[string]Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	out := make(map[string]Answer, len(responses))
	for id, ans := range responses {
		q, ok := byID[id]
		if !ok || checkAnswer(q, ans) != nil {
			continue
		}
		out[id] = ans
	}
	return out
}

func checkAnswer(q Question, ans Answer) error {
	bad := func(problem string) error {
		return &AnswerError{QuestionID: q.ID, Category: q.Category, Problem: problem}
	}
	switch q.Category {
	case CategoryPainScale:
		if ans.Scale == nil {
			return bad("scale is required")
		}
		if *ans.Scale < 0 || *ans.Scale > 10 {
			return bad("scale must be between 0 and 10")
		}
	case CategorySatisfaction:
		if ans.Scale == nil {
			return bad("scale is required")
		}
		if *ans.Scale < 1 || *ans.Scale > 5 {
			return bad("scale must be between 1 and 5")
		}
	case CategorySymptomText:
		if ans.Scale != nil || ans.Adherent != nil {
			return bad("only text is accepted")
		}
	case CategoryMedicationAdherence:
		if ans.Adherent == nil {
			return bad("adherent is required")
		}
	default:
		return bad("unknown category")
	}
	return nil
}

// Escalation triggers, as recorded in metrics and escalation reasons.
const (
	TriggerScoringError = "scoring_error"
	TriggerCritical     = "critical_flag"
	TriggerScore        = "score"
	TriggerFlagCount    = "red_flag_count"
	TriggerOverdue      = "overdue"
	TriggerManual       = "manual"
)

// EscalationTrigger returns why an assessment must escalate, if it must. A
// scoring error escalates: when risk cannot be judged the patient is
// reviewed by a clinician.
func EscalationTrigger(a Assessment, err error) (string, bool) {
	switch {
	case err != nil:
		return TriggerScoringError, true
	case a.Critical():
		return TriggerCritical, true
	case a.Score > EscalationScore:
		return TriggerScore, true
	case len(a.RedFlags) > EscalationFlagCount:
		return TriggerFlagCount, true
	}
	return "", false
}

// DecideEscalation reports whether the outcome of Score requires an
// escalation.
func DecideEscalation(a Assessment, err error) bool {
	_, ok := EscalationTrigger(a, err)
	return ok
}

// Labels returns the red flag labels in order.
func Labels(flags []RedFlag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = f.Label
	}
	return out
}
