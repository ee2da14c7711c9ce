package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxAttempts is the per-request attempt ceiling.
const DefaultMaxAttempts = 6

type Outcome int

const (
	Success Outcome = iota
	RateLimited
	ServerError
	NetworkError
	ClientError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case ServerError:
		return "server_error"
	case NetworkError:
		return "network_error"
	case ClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

func (o Outcome) Retryable() bool {
	return o == RateLimited || o == ServerError || o == NetworkError
}

// Classify maps a status code, or a transport error when no response arrived, to an Outcome.
func Classify(status int, err error) Outcome {
	if err != nil {
		return NetworkError
	}
	switch {
	case status >= 200 && status < 300:
		return Success
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status >= 500:
		return ServerError
	default:
		return ClientError
	}
}

// RetryAfter parses a Retry-After header given in seconds, possibly fractional,
// or as an HTTP date.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Retrier repeats a remote call while its outcome is retryable.
type Retrier struct {
	MaxAttempts int
	Backoff     *Backoff
	Sleep       Sleeper
	Now         func() time.Time
	Logger      zerolog.Logger
}

func (r *Retrier) maxAttempts() int {
	if r.MaxAttempts < 1 {
		return DefaultMaxAttempts
	}
	return r.MaxAttempts
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep == nil {
		return SleepContext(ctx, d)
	}
	return r.Sleep(ctx, d)
}

// Attempt makes a single call and classifies it. Anything but Success comes back
// as a *RemoteError whose Outcome tells the caller whether another try makes sense.
func (r *Retrier) Attempt(ctx context.Context, op string, fn func(ctx context.Context) (Response, error)) (Response, error) {
	res, err := fn(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	outcome := Classify(res.StatusCode, err)
	remoteRequestsTotal.WithLabelValues(op, outcome.String()).Inc()
	if outcome == Success {
		return res, nil
	}
	if outcome == ClientError {
		r.Logger.Warn().Str("op", op).Int("status", res.StatusCode).Str("body", truncate(string(res.Body), 512)).Msg("remote client error")
		return res, &RemoteError{Outcome: outcome, StatusCode: res.StatusCode, Body: string(res.Body), URL: res.URL}
	}
	return res, &RemoteError{Outcome: outcome, StatusCode: res.StatusCode, Body: string(res.Body), URL: res.URL, Err: err}
}

// Wait is the pause after the given failed attempt: the backoff, or the
// response's Retry-After when a 429 asks for longer.
func (r *Retrier) Wait(attempt int, outcome Outcome, res Response) time.Duration {
	backoff := r.Backoff
	if backoff == nil {
		backoff = NewBackoff(DefaultBackoffBase, DefaultBackoffCap, 0)
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	wait := backoff.Compute(attempt)
	if outcome == RateLimited {
		if ra, ok := RetryAfter(res.Header, now()); ok && ra > wait {
			wait = ra
		}
	}
	return wait
}

// Do calls fn until it succeeds, fails with a client error, or MaxAttempts is reached.
// 429s wait max(backoff, Retry-After); 5xx and network errors wait the backoff.
// The last captured response is returned alongside any error.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) (Response, error)) (Response, error) {
	maxAttempts := r.maxAttempts()
	var res Response
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var err error
		res, err = r.Attempt(ctx, op, fn)
		if err == nil {
			return res, nil
		}
		var rerr *RemoteError
		if !errors.As(err, &rerr) || !rerr.Outcome.Retryable() {
			return res, err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		wait := r.Wait(attempt, rerr.Outcome, res)
		r.Logger.Warn().
			Str("op", op).
			Str("outcome", rerr.Outcome.String()).
			Int("status", res.StatusCode).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("wait", wait).
			AnErr("cause", rerr.Err).
			Msg("retrying remote call")
		if err := r.sleep(ctx, wait); err != nil {
			return res, err
		}
	}
	r.Logger.Error().Str("op", op).Err(lastErr).Msg("giving up on remote call")
	return res, fmt.Errorf("%s: %w: %w", op, ErrRetriesExhausted, lastErr)
}

// IsRetriesExhausted reports whether err came from a Retrier giving up.
func IsRetriesExhausted(err error) bool {
	return errors.Is(err, ErrRetriesExhausted)
}
