package firmware

import "time"

// DefaultTimeout applies to every verb missing from the table.
const DefaultTimeout = 400 * time.Millisecond

// Timeouts maps a verb to its acknowledgement budget.
type Timeouts map[string]time.Duration

// DefaultTimeouts returns a fresh copy of the controller's standard table.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		VerbHome:            60 * time.Second,
		VerbRestart:         20 * time.Second,
		VerbBeginBatch:      10 * time.Second,
		VerbMoveMultiple:    60 * time.Second,
		VerbGetJointStatus:  time.Second,
		VerbGetSystemStatus: time.Second,
		VerbListParameters:  2 * time.Second,
	}
}

// For returns the budget for verb.
func (t Timeouts) For(verb string) time.Duration {
	if d, ok := t[verb]; ok && d > 0 {
		return d
	}
	return DefaultTimeout
}

// With returns a copy of t with overrides applied. Non-positive overrides
// are ignored.
func (t Timeouts) With(overrides map[string]time.Duration) Timeouts {
	out := make(Timeouts, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}
