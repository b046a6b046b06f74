package domain

import "github.com/jonboulle/clockwork"

// clock is a package-level time source so tests can freeze "the current year".
var clock = clockwork.NewRealClock()

// SetClock swaps the time source used for vintage calculations. Pass nil to
// reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// CurrentYear returns the calendar year according to the package clock.
func CurrentYear() int {
	return clock.Now().UTC().Year()
}
