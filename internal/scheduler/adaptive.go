package scheduler

import "time"

// Adaptive policy defaults.
const (
	DefaultFloor         = 30 * time.Second
	DefaultCeiling       = 5 * time.Minute
	DefaultMaxErrorTicks = 5
	idleTicksBeforeGrow  = 2
)

// AdaptiveOptions bound the adaptive interval.
type AdaptiveOptions struct {
	Enabled       bool
	Floor         time.Duration
	Ceiling       time.Duration
	MaxErrorTicks int
}

// Adaptive adjusts the refresh interval from tick outcomes:
// a tick with updates halves it, every second consecutive idle tick grows it by half,
// and once MaxErrorTicks consecutive ticks fail completely each further failing tick doubles it.
// The interval always stays within [Floor, Ceiling].
type Adaptive struct {
	floor, ceiling time.Duration
	maxErrorTicks  int

	current   time.Duration
	idleTicks int
	errTicks  int
}

// NewAdaptive starts at initial clamped into the configured bounds.
func NewAdaptive(opts AdaptiveOptions, initial time.Duration) *Adaptive {
	if opts.Floor <= 0 {
		opts.Floor = DefaultFloor
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.Ceiling < opts.Floor {
		opts.Ceiling = opts.Floor
	}
	if opts.MaxErrorTicks <= 0 {
		opts.MaxErrorTicks = DefaultMaxErrorTicks
	}
	a := &Adaptive{floor: opts.Floor, ceiling: opts.Ceiling, maxErrorTicks: opts.MaxErrorTicks}
	a.current = a.clamp(initial)
	return a
}

// Current returns the interval before the next tick.
func (a *Adaptive) Current() time.Duration {
	return a.current
}

// Observe folds one tick result into the policy and returns the next interval.
func (a *Adaptive) Observe(o Outcome, err error) time.Duration {
	if err != nil || o.FullFailure() {
		a.idleTicks = 0
		a.errTicks++
		if a.errTicks >= a.maxErrorTicks {
			a.current = a.clamp(a.current * 2)
		}
		return a.current
	}
	a.errTicks = 0

	if o.Updated > 0 {
		a.idleTicks = 0
		a.current = a.clamp(a.current / 2)
		return a.current
	}

	a.idleTicks++
	if a.idleTicks >= idleTicksBeforeGrow {
		a.idleTicks = 0
		a.current = a.clamp(a.current * 3 / 2)
	}
	return a.current
}

func (a *Adaptive) clamp(d time.Duration) time.Duration {
	if d < a.floor {
		return a.floor
	}
	if d > a.ceiling {
		return a.ceiling
	}
	return d
}
