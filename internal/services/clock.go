package services

import "time"

// Clock is injected wherever window or expiry math happens so tests can move time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock reads wall time.
var SystemClock Clock = systemClock{}
