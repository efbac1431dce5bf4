// Package clock abstracts wall time so period resets can be tested.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Module provides the UTC system clock.
var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)

type Clock interface {
	Now() time.Time
}

// SystemClock reports the current time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Since is the elapsed time on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
