package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerLookup wraps a LiveLookup with a circuit breaker so a failing helpdesk
// stops receiving enrichment calls for the rest of the run. 4xx answers such as
// a deleted user do not count as failures.
type BreakerLookup struct {
	Lookup LiveLookup
	cb     *gobreaker.CircuitBreaker[any]
}

func NewBreakerLookup(name string, lookup LiveLookup, logger zerolog.Logger) *BreakerLookup {
	circuitBreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			circuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	return &BreakerLookup{Lookup: lookup, cb: cb}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func execute[T any](b *BreakerLookup, fn func() (T, error)) (T, error) {
	var zero T
	result, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("live lookup rejected %w", err)
		}
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

func (b *BreakerLookup) TicketFieldOptionName(ctx context.Context, fieldID, value string) (string, error) {
	return execute(b, func() (string, error) {
		return b.Lookup.TicketFieldOptionName(ctx, fieldID, value)
	})
}

func (b *BreakerLookup) UserProfile(ctx context.Context, id string) (UserProfile, error) {
	return execute(b, func() (UserProfile, error) {
		return b.Lookup.UserProfile(ctx, id)
	})
}

func (b *BreakerLookup) OrganizationName(ctx context.Context, id string) (string, error) {
	return execute(b, func() (string, error) {
		return b.Lookup.OrganizationName(ctx, id)
	})
}

// State reports the breaker state, mostly for tests and the healthcheck.
func (b *BreakerLookup) State() gobreaker.State {
	return b.cb.State()
}
