// Package clock abstracts wall-clock access so the engine's timestamp
// bookkeeping (object atime/mtime/ctime) can be exercised deterministically
// from tests.
package clock

import "time"

// Clock is the engine's time source: engine.Device stamps object header
// times from a Clock instead of calling time.Now directly. The short-op
// cache's LRU uses its own counter and the garbage collector takes no Clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

var (
	_ Clock = RealClock{}
	_ Clock = &FakeClock{}
	_ Clock = &SimulatedClock{}
)
