package sync

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// SyncContext holds per-invocation sync configuration and trigger metadata.
// It is built once per trigger firing and never shared between invocations.
type SyncContext struct {
	Config         Config
	RecordRequests bool

	RunID       string
	TriggerType string
	TriggerName string
	StartedAt   time.Time

	Logger   zerolog.Logger
	Strategy *Strategy
	Budget   *RateBudget
}

// Strategy bundles the retry and pacing collaborators shared by the fetchers and the walker.
type Strategy struct {
	Backoff *Backoff
	Retrier *Retrier
	Limiter *rate.Limiter
	Sleep   Sleeper
	Now     func() time.Time
}

// RateBudget tracks helpdesk headroom seen during one invocation.
type RateBudget struct {
	Attempted int
	Remaining int
	CheckedAt time.Time
}

type contextOptions struct {
	seed           uint64
	sleep          Sleeper
	now            func() time.Time
	logger         *zerolog.Logger
	recordRequests bool
	unlimited      bool
}

type ContextOption func(*contextOptions)

func WithSeed(seed uint64) ContextOption {
	return func(o *contextOptions) {
		o.seed = seed
	}
}

func WithSleeper(s Sleeper) ContextOption {
	return func(o *contextOptions) {
		o.sleep = s
	}
}

func WithClock(now func() time.Time) ContextOption {
	return func(o *contextOptions) {
		o.now = now
	}
}

func WithLogger(l zerolog.Logger) ContextOption {
	return func(o *contextOptions) {
		o.logger = &l
	}
}

// WithRecordRequests records helpdesk and CRM traffic under pkg/testdata/.requests.
func WithRecordRequests() ContextOption {
	return func(o *contextOptions) {
		o.recordRequests = true
	}
}

// WithoutLocalRateLimit disables the client side token bucket.
func WithoutLocalRateLimit() ContextOption {
	return func(o *contextOptions) {
		o.unlimited = true
	}
}

func NewSyncContext(cfg Config, triggerType, triggerName string, opts ...ContextOption) *SyncContext {
	var options contextOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.sleep == nil {
		options.sleep = SleepContext
	}
	if options.now == nil {
		options.now = time.Now
	}

	runID := uuid.NewString()
	var logger zerolog.Logger
	if options.logger != nil {
		logger = *options.logger
	} else {
		logger = log.Logger
	}
	logger = logger.With().
		Str("run_id", runID).
		Str("trigger", triggerType+"/"+triggerName).
		Logger()

	backoff := NewBackoff(cfg.BackoffBase(), cfg.BackoffCap(), options.seed)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if !options.unlimited && cfg.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst)
	}

	return &SyncContext{
		Config:         cfg,
		RecordRequests: options.recordRequests,
		RunID:          runID,
		TriggerType:    triggerType,
		TriggerName:    triggerName,
		StartedAt:      options.now(),
		Logger:         logger,
		Strategy: &Strategy{
			Backoff: backoff,
			Retrier: &Retrier{
				MaxAttempts: cfg.Retry.MaxAttempts,
				Backoff:     backoff,
				Sleep:       options.sleep,
				Now:         options.now,
				Logger:      logger,
			},
			Limiter: limiter,
			Sleep:   options.sleep,
			Now:     options.now,
		},
		Budget: &RateBudget{},
	}
}
