package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before a single trial
	// call is let through.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker counts consecutive failures of a remote dependency. Callers ask
// Allow before a call and report the outcome with Success or Failure.
type Breaker struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	onChange func(from, to State)
}

func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{config: config, now: time.Now}
}

// OnStateChange registers fn. It runs outside the lock after every
// transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *Breaker) Allow() error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		from := b.transition(StateHalfOpen)
		b.probing = true
		b.unlockAndNotify(from, StateHalfOpen)
		return nil
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	b.mu.Unlock()
	return nil
}

func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	if b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	from := b.transition(StateClosed)
	b.unlockAndNotify(from, StateClosed)
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	b.failures++
	b.probing = false
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.config.FailureThreshold) {
		b.openedAt = b.now()
		from := b.transition(StateOpen)
		b.unlockAndNotify(from, StateOpen)
		return
	}
	b.mu.Unlock()
}

// Abandon reports a call whose outcome is unknown, such as one cancelled
// by its caller. Counts are unchanged; a pending trial slot is released.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) State {
	from := b.state
	b.state = to
	if to != StateOpen {
		b.failures = 0
	}
	return from
}

func (b *Breaker) unlockAndNotify(from, to State) {
	fn := b.onChange
	b.mu.Unlock()
	if fn != nil && from != to {
		fn(from, to)
	}
}
