// Package breaker guards outbound delivery against persistently dead
// domains. Each remote domain gets its own breaker; consecutive failures
// open it and deliveries to that domain short-circuit for an open window.
// Once the window elapses the breaker goes half-open and lets probe
// deliveries through: enough successes close it, a failure re-opens it.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 3
	defaultOpenTimeout      = 30 * time.Second
)

// Breaker tracks consecutive outcomes for one domain.
type Breaker struct {
	mu               sync.Mutex
	domain           string
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	openUntil        time.Time

	now func() time.Time
}

type Option func(b *Breaker)

// WithFailureThreshold sets how many consecutive failures open the breaker.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		b.failureThreshold = n
	}
}

// WithSuccessThreshold sets how many consecutive successes close an open breaker.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		b.successThreshold = n
	}
}

// WithOpenTimeout sets how long an open breaker short-circuits before
// going half-open and admitting probe deliveries.
func WithOpenTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		b.openTimeout = d
	}
}

// New constructs a closed breaker for a domain.
func New(domain string, opts ...Option) *Breaker {
	b := &Breaker{
		domain:           domain,
		state:            StateClosed,
		failureThreshold: defaultFailureThreshold,
		successThreshold: defaultSuccessThreshold,
		openTimeout:      defaultOpenTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Domain() string { return b.domain }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Allow reports whether a delivery to the domain may proceed. An open
// breaker whose window has elapsed flips to half-open and admits the call
// as a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return true
	}
	if b.now().Before(b.openUntil) {
		return false
	}
	b.state = StateHalfOpen
	b.successCount = 0
	return true
}

// RecordFailure notes a failed delivery. It returns true when the breaker is
// now open, meaning further deliveries to the domain should short-circuit.
// A failure while half-open re-opens the breaker for a fresh window.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.successCount = 0
	switch b.state {
	case StateOpen:
		return true
	case StateHalfOpen:
		b.open()
		return true
	default:
		if b.failureCount >= b.failureThreshold {
			b.open()
			return true
		}
		return false
	}
}

// RecordSuccess notes a successful delivery. A success in the closed state
// resets the failure count; enough consecutive successes close a half-open
// breaker (deliveries that race the open window still count).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		b.failureCount = 0
		return
	}
	b.successCount++
	if b.successCount >= b.successThreshold {
		b.state = StateClosed
		b.failureCount = 0
		b.successCount = 0
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.openUntil = time.Time{}
}

// open transitions to the open state. Caller holds the lock.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openUntil = b.now().Add(b.openTimeout)
}

// Registry hands out one breaker per domain.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
}

// NewRegistry constructs a registry whose breakers share opts.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// For returns the breaker for a domain, creating it on first use.
func (r *Registry) For(domain string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[domain]
	if !ok {
		b = New(domain, r.opts...)
		r.breakers[domain] = b
	}
	return b
}
