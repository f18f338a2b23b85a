package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAllFailed is matched (via errors.Is) by the [*ExhaustedError] returned
// when no member of a [Pool] accepted a call.
var ErrAllFailed = errors.New("all upstreams failed")

// FallbackConfig configures the circuit breaker created for each member of a
// [Pool]. The member name replaces CircuitBreaker.Name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// Attempt is the outcome of trying one pool member. Err wraps
// [ErrCircuitOpen] when the member was skipped without being called.
type Attempt struct {
	Name string
	Err  error
}

// ExhaustedError lists every attempt made by a failed [Call].
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Name, a.Err)
	}
	return fmt.Sprintf("%v [%s]", ErrAllFailed, strings.Join(parts, "; "))
}

// Unwrap exposes ErrAllFailed and each attempt's error.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	errs = append(errs, ErrAllFailed)
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Pool is an ordered list of interchangeable upstreams, each guarded by its
// own circuit breaker. Members are tried in the order they were added.
//
// Add members before sharing the pool; afterwards it is safe for concurrent
// use.
type Pool[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewPool returns an empty pool.
func NewPool[T any](cfg FallbackConfig) *Pool[T] {
	return &Pool[T]{cfg: cfg}
}

// Add appends a member with a fresh breaker named name.
func (p *Pool[T]) Add(name string, v T) {
	cb := p.cfg.CircuitBreaker
	cb.Name = name
	p.members = append(p.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(cb)})
}

// Len returns the number of members.
func (p *Pool[T]) Len() int { return len(p.members) }

// Breakers returns the member breakers in order.
func (p *Pool[T]) Breakers() []*CircuitBreaker {
	out := make([]*CircuitBreaker, len(p.members))
	for i := range p.members {
		out[i] = p.members[i].breaker
	}
	return out
}

// Available reports whether some member's breaker would admit a call.
func (p *Pool[T]) Available() bool {
	for i := range p.members {
		if p.members[i].breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Call runs fn against each member until one succeeds and returns its result
// together with the member's name. Open breakers are skipped.
//
// Once ctx is done no further member is tried and the context (or last
// member) error is returned as is, so a caller giving up never walks the
// whole pool. If every member fails the error is an [*ExhaustedError].
func Call[T, R any](ctx context.Context, p *Pool[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero     R
		attempts []Attempt
	)
	for i := range p.members {
		m := &p.members[i]
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}

		var out R
		err := m.breaker.Execute(func() error {
			var ferr error
			out, ferr = fn(ctx, m.value)
			return ferr
		})
		if err == nil {
			return out, m.name, nil
		}
		attempts = append(attempts, Attempt{Name: m.name, Err: err})

		switch {
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("upstream skipped, circuit open", "upstream", m.name)
		case ctx.Err() != nil:
			return zero, "", err
		default:
			slog.Warn("upstream failed", "upstream", m.name, "err", err, "remaining", len(p.members)-i-1)
		}
	}
	return zero, "", &ExhaustedError{Attempts: attempts}
}
