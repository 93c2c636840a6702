package referral

import "time"

var basePriority = map[Urgency]int{
	UrgencyEmergency:  100,
	UrgencyUrgent:     75,
	UrgencySemiUrgent: 50,
	UrgencyRoutine:    25,
}

var responseWindow = map[Urgency]time.Duration{
	UrgencyEmergency:  15 * time.Minute,
	UrgencyUrgent:     time.Hour,
	UrgencySemiUrgent: 4 * time.Hour,
	UrgencyRoutine:    24 * time.Hour,
}

// Priority ranks a referral for queueing. It is advisory and never gates a
// transition. The result is always within [0, 100].
func Priority(u Urgency, p PatientSnapshot) int {
	score := basePriority[u]
	switch {
	case p.Age < 18:
		score += 10
	case p.Age > 65:
		score += 5
	}
	if p.HighRisk {
		score += 15
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Window returns how long the receiving side has to respond.
func Window(u Urgency) (time.Duration, bool) {
	w, ok := responseWindow[u]
	return w, ok
}
