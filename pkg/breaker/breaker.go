package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/log"
	"github.com/gentmat/bore-control/pkg/metrics"
)

// Settings configures a Breaker
type Settings struct {
	// Name identifies the breaker in logs, metrics, and stats.
	Name string
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again.
	SuccessThreshold uint32
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// CallTimeout bounds each guarded call. A call that outlives it counts
	// as a failure.
	CallTimeout time.Duration
}

// Stats is a point-in-time snapshot of a breaker
type Stats struct {
	Name           string     `json:"name"`
	State          string     `json:"state"`
	Total          uint64     `json:"total"`
	Successful     uint64     `json:"successful"`
	Failed         uint64     `json:"failed"`
	Rejected       uint64     `json:"rejected"`
	Timeouts       uint64     `json:"timeouts"`
	FailureCount   uint32     `json:"failureCount"`
	SuccessCount   uint32     `json:"successCount"`
	SuccessRatePct float64    `json:"successRatePct"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty"`
}

// Breaker wraps gobreaker with per-call timeouts and cumulative stats
type Breaker struct {
	name        string
	cb          *gobreaker.CircuitBreaker
	callTimeout time.Duration

	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	rejected   atomic.Uint64
	timeouts   atomic.Uint64

	mu          sync.Mutex
	nextAttempt time.Time
}

var errCallTimeout = errors.New("call timed out")

// New creates a Breaker from settings. Zero thresholds get sane defaults.
func New(s Settings) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 3
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = 2
	}
	if s.ResetTimeout == 0 {
		s.ResetTimeout = 5 * time.Second
	}
	if s.CallTimeout == 0 {
		s.CallTimeout = time.Second
	}

	b := &Breaker{name: s.Name, callTimeout: s.CallTimeout}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.SuccessThreshold,
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger := log.WithComponent("breaker")
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.BreakerState.WithLabelValues(name).Set(stateGauge(to))
			b.mu.Lock()
			if to == gobreaker.StateOpen {
				b.nextAttempt = time.Now().Add(s.ResetTimeout)
			} else {
				b.nextAttempt = time.Time{}
			}
			b.mu.Unlock()
		},
	})
	metrics.BreakerState.WithLabelValues(s.Name).Set(stateGauge(gobreaker.StateClosed))
	return b
}

func stateGauge(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Do runs fn through the breaker. The function receives a context bounded by
// the call timeout; exceeding it counts as a breaker failure. When the
// breaker is open the call is rejected without invoking fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.total.Add(1)

	_, err := b.cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- fn(callCtx) }()

		select {
		case err := <-done:
			return nil, err
		case <-callCtx.Done():
			return nil, errCallTimeout
		}
	})

	switch {
	case err == nil:
		b.successful.Add(1)
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.rejected.Add(1)
		return errdefs.BreakerOpen("%s unavailable, retrying later", b.name).WithCause(err)
	case errors.Is(err, errCallTimeout):
		b.timeouts.Add(1)
		b.failed.Add(1)
		return errdefs.Unavailable("%s call timed out", b.name).WithCause(err)
	default:
		b.failed.Add(1)
		return err
	}
}

// State returns the current breaker state as a string
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Stats returns a snapshot of cumulative counters and the current state
func (b *Breaker) Stats() Stats {
	counts := b.cb.Counts()
	total := b.total.Load()
	successful := b.successful.Load()

	var rate float64
	if completed := successful + b.failed.Load(); completed > 0 {
		rate = float64(successful) / float64(completed) * 100
	}

	st := Stats{
		Name:           b.name,
		State:          b.cb.State().String(),
		Total:          total,
		Successful:     successful,
		Failed:         b.failed.Load(),
		Rejected:       b.rejected.Load(),
		Timeouts:       b.timeouts.Load(),
		FailureCount:   counts.ConsecutiveFailures,
		SuccessCount:   counts.ConsecutiveSuccesses,
		SuccessRatePct: rate,
	}

	b.mu.Lock()
	if !b.nextAttempt.IsZero() {
		next := b.nextAttempt
		st.NextAttemptAt = &next
	}
	b.mu.Unlock()
	return st
}
