package reliability

import (
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned by BreakerRegistry.Execute when a device's
// breaker is open and admits no requests.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerOptions configures one device's circuit breaker, defaulting to the
// error-handler design: 3 consecutive failures trips the breaker, a 1s
// timeout before a single HalfOpen probe is admitted.
type BreakerOptions struct {
	ConsecutiveFailureThreshold uint32
	Timeout                     time.Duration
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.ConsecutiveFailureThreshold == 0 {
		o.ConsecutiveFailureThreshold = 3
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	return o
}

// BreakerRegistry keeps one *gobreaker.CircuitBreaker per device id, fully
// independent of one another (property: circuit isolation).
type BreakerRegistry struct {
	breakers *xsync.Map[string, *gobreaker.CircuitBreaker]
	opts     BreakerOptions
}

// NewBreakerRegistry creates a registry; breakers are created lazily per
// device id on first use.
func NewBreakerRegistry(opts BreakerOptions) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: xsync.NewMap[string, *gobreaker.CircuitBreaker](),
		opts:     opts.withDefaults(),
	}
}

func (r *BreakerRegistry) newBreaker(deviceID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        deviceID,
		MaxRequests: 1, // HalfOpen admits exactly one probe
		Timeout:     r.opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.opts.ConsecutiveFailureThreshold
		},
	})
}

func (r *BreakerRegistry) get(deviceID string) *gobreaker.CircuitBreaker {
	cb, _ := r.breakers.LoadOrCompute(deviceID, func() (*gobreaker.CircuitBreaker, bool) {
		return r.newBreaker(deviceID), false
	})
	return cb
}

// Execute runs fn through the breaker for deviceID. If the breaker is open,
// fn is never called and ErrCircuitOpen is returned.
func (r *BreakerRegistry) Execute(deviceID string, fn func() (any, error)) (any, error) {
	cb := r.get(deviceID)
	result, err := cb.Execute(fn)
	if err != nil && errors.Is(err, gobreaker.ErrOpenState) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// State reports the current breaker state for a device id, without creating
// one if it does not yet exist.
func (r *BreakerRegistry) State(deviceID string) (gobreaker.State, bool) {
	cb, ok := r.breakers.Load(deviceID)
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}

// IsOpen reports whether deviceID's breaker is currently Open, so a caller
// can skip acquiring a connection entirely (§4.6's "no pool acquire" edge
// case) without needing to know the gobreaker state type.
func (r *BreakerRegistry) IsOpen(deviceID string) bool {
	state, ok := r.State(deviceID)
	return ok && state == gobreaker.StateOpen
}

// Reset discards and recreates the breaker for deviceID, clearing its
// failure history and returning it to Closed.
func (r *BreakerRegistry) Reset(deviceID string) {
	r.breakers.Store(deviceID, r.newBreaker(deviceID))
}
