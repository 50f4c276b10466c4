// Package breaker implements the circuit breaker guarding calls to the
// external drug-knowledge service. A single shared instance protects all
// concurrent callers of one dependency: once the upstream starts failing,
// every evaluation in the process stops attempting network calls until the
// cool-down elapses.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state machine position.
type State int

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen rejects calls without a network attempt.
	StateOpen
	// StateHalfOpen admits exactly one trial call.
	StateHalfOpen
)

// String returns the canonical state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Allow while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker is open")

// Snapshot is a read-only view of the breaker for the health surface.
type Snapshot struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// Breaker tracks failures of one external dependency. All methods are safe
// for concurrent use; critical sections only read or write the state fields.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	trialBusy bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a closed Breaker that opens after threshold consecutive
// failures and admits a single trial call once the cooldown elapses.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. In OPEN it returns ErrOpen until
// the cool-down has elapsed, then transitions to HALF_OPEN and admits one
// trial call; concurrent callers during the trial are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.trialBusy = true
		return nil
	case StateHalfOpen:
		if b.trialBusy {
			return ErrOpen
		}
		b.trialBusy = true
		return nil
	}
	return nil
}

// RecordSuccess resets the failure count. A success in HALF_OPEN closes the
// breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.trialBusy = false
	}
}

// RecordFailure increments the failure count. Reaching the threshold in
// CLOSED opens the breaker; any failure in HALF_OPEN re-opens it and restarts
// the cool-down.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.trialBusy = false
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceOpen opens the breaker immediately. Used by operational tooling and
// tests to take the upstream out of rotation.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateOpen
	b.failures = b.threshold
	b.openedAt = b.now()
}

// Snapshot returns a read-only view for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
	}
	if b.state != StateClosed && !b.openedAt.IsZero() {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	return snap
}
