package notification

import "time"

// BackoffPolicy maps an attempt number (1-based) to the wait before the next
// retry. Attempts past the end of the table reuse the last entry.
type BackoffPolicy struct {
	table []time.Duration
}

// DefaultBackoff is the delay table shared by every delivery channel.
var DefaultBackoff = NewBackoffPolicy(
	5*time.Minute,
	15*time.Minute,
	45*time.Minute,
	120*time.Minute,
	360*time.Minute,
)

// NewBackoffPolicy builds a policy from a fixed table. Entries that would
// shorten the delay are raised to the previous value so the schedule never
// decreases.
func NewBackoffPolicy(delays ...time.Duration) BackoffPolicy {
	table := make([]time.Duration, len(delays))
	var prev time.Duration
	for i, d := range delays {
		if d < prev {
			d = prev
		}
		table[i] = d
		prev = d
	}
	return BackoffPolicy{table: table}
}

// Delay returns the wait after the given failed attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if len(p.table) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.table) {
		attempt = len(p.table)
	}
	return p.table[attempt-1]
}

// Table returns a copy of the configured delays.
func (p BackoffPolicy) Table() []time.Duration {
	out := make([]time.Duration, len(p.table))
	copy(out, p.table)
	return out
}
