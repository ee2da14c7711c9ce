package sync

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultRateLimitThreshold = 1500

var rateLimitRemainingHeaders = []string{
	"x-rate-limit-remaining",
	"x-ratelimit-remaining",
	"ratelimit-remaining",
}

// RemainingFromHeader reads the remaining-calls counter, matching header names case-insensitively.
func RemainingFromHeader(h http.Header) (int, bool) {
	for _, name := range rateLimitRemainingHeaders {
		for k, values := range h {
			if !strings.EqualFold(k, name) || len(values) == 0 {
				continue
			}
			// "ratelimit-remaining" may carry extra params, e.g. "412;w=60"
			v := strings.TrimSpace(strings.SplitN(values[0], ";", 2)[0])
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

type RateLimitProbe func(ctx context.Context) (Response, error)

// RateLimitGate blocks bulk requests until the helpdesk reports enough headroom.
type RateLimitGate struct {
	Probe     RateLimitProbe
	Threshold int
	Gap       time.Duration
	Sleep     Sleeper
	Budget    *RateBudget
	Now       func() time.Time
	Logger    zerolog.Logger
}

func NewRateLimitGate(sc *SyncContext, probe RateLimitProbe) *RateLimitGate {
	return &RateLimitGate{
		Probe:     probe,
		Threshold: sc.Config.RateLimit.Threshold,
		Gap:       sc.Config.RateLimitGap(),
		Sleep:     sc.Strategy.Sleep,
		Budget:    sc.Budget,
		Now:       sc.Strategy.Now,
		Logger:    sc.Logger,
	}
}

// Wait probes until remaining >= Threshold and returns the last remaining value.
// A failed probe counts as zero remaining. A probe that succeeds without any
// remaining header opens the gate, the API is not publishing a budget.
func (g *RateLimitGate) Wait(ctx context.Context) (int, error) {
	if g == nil || g.Probe == nil {
		return 0, nil
	}
	sleep := g.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		remaining, published := g.probe(ctx)
		if !published {
			g.Logger.Debug().Msg("rate limit probe returned no remaining header")
			return remaining, nil
		}
		if remaining >= g.Threshold {
			return remaining, nil
		}
		rateLimitWaitsTotal.Inc()
		g.Logger.Info().
			Int("remaining", remaining).
			Int("threshold", g.Threshold).
			Dur("gap", g.Gap).
			Msg("rate limit headroom low, waiting")
		if err := sleep(ctx, g.Gap); err != nil {
			return remaining, err
		}
	}
}

func (g *RateLimitGate) probe(ctx context.Context) (remaining int, published bool) {
	res, err := g.Probe(ctx)
	if g.Budget != nil {
		g.Budget.Attempted++
	}
	if err != nil || !res.OK() {
		g.Logger.Warn().Err(err).Int("status", res.StatusCode).Msg("rate limit probe failed, assuming no headroom")
		g.record(0)
		return 0, true
	}
	n, ok := RemainingFromHeader(res.Header)
	if !ok {
		return 0, false
	}
	g.record(n)
	return n, true
}

func (g *RateLimitGate) record(remaining int) {
	rateLimitRemaining.Set(float64(remaining))
	if g.Budget == nil {
		return
	}
	g.Budget.Remaining = remaining
	if g.Now != nil {
		g.Budget.CheckedAt = g.Now()
	}
}
