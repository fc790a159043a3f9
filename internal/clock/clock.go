// Package clock provides the time source for the service.
// Components that stamp records take a Clock so tests can control time.
package clock

import "time"

// Clock supplies the current instant.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// New returns the default system clock.
func New() Clock {
	return SystemClock{}
}
