package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time.Now so expiry logic is testable with a fixed instant.
type Clock interface {
	Now() time.Time
}

var Module = fx.Module("clock",
	fx.Provide(NewSystem),
)

type system struct{}

func NewSystem() Clock {
	return system{}
}

func (system) Now() time.Time {
	return time.Now()
}

// Fixed is a Clock pinned to one instant.
type Fixed struct {
	Instant time.Time
}

func (f Fixed) Now() time.Time {
	return f.Instant
}
