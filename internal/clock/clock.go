package clock

import "time"

// Clock is the time source injected into the probing and escalation engines,
// so tests can drive failure windows and escalation deadlines directly.
// Params: none.
// Returns: observed current time.
type Clock interface {
	Now() time.Time
}

// RealClock is the production time source.
// Params: none.
// Returns: system time normalized to UTC.
type RealClock struct{}

// Now reads the system clock.
// Params: none.
// Returns: current time in UTC.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}
