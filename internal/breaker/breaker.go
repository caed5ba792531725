package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 30 * time.Second
)

// ErrCircuitOpen is returned without invoking the guarded call while the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// IsFailure reports whether err should count against the breaker.
	// Nil counts every non-nil error except cancellation of the caller's context.
	IsFailure func(err error) bool
	// OnStateChange runs synchronously after a transition, outside the lock.
	OnStateChange func(from, to State)
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Snapshot is a consistent view of the breaker counters.
type Snapshot struct {
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Breaker guards one logical operation with the closed/open/half-open state machine.
// A single Breaker is shared by every caller, so failures from any caller count
// towards the same consecutive-failure counter.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

// New builds a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// Execute runs fn unless the circuit is open. The breaker lock is never held while fn runs.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	isTrial, err := b.allow()
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	switch {
	case callErr == nil:
		b.onSuccess()
	case b.counts(ctx, callErr):
		b.onFailure()
	default:
		b.release(isTrial)
	}
	return callErr
}

// Snapshot returns the current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		StateName:           b.state.String(),
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	var from, to State
	changed := false

	switch b.state {
	case Closed:
		b.mu.Unlock()
		return false, nil
	case Open:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		from, to, changed = b.state, HalfOpen, true
		b.state = HalfOpen
		b.trial = true
	case HalfOpen:
		if b.trial {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.trial = true
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return true, nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.trial = false
	b.state = Closed
	b.openedAt = time.Time{}
	b.mu.Unlock()

	if from != Closed {
		b.notify(from, Closed)
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.trial = false

	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = b.cfg.Now()
		}
	case HalfOpen:
		b.state = Open
		b.openedAt = b.cfg.Now()
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) release(isTrial bool) {
	if !isTrial {
		return
	}
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

func (b *Breaker) counts(ctx context.Context, err error) bool {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return false
	}
	if b.cfg.IsFailure != nil {
		return b.cfg.IsFailure(err)
	}
	return true
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
