package engine

import "time"

// Clock abstracts wall time so tests can steer retry and sleep timing
type Clock func() time.Time

// SystemClock reads the system wall clock
func SystemClock() time.Time {
	return time.Now()
}
