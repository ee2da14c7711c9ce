package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// HTTPServer matches the *http.Server lifecycle methods.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs the trigger endpoints as a supervised service.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. http.ErrServerClosed is not an error.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string {
	return "http-server"
}

// TimerService fires run at the next minute boundary and then every interval.
// A failed run is logged and the timer carries on.
type TimerService struct {
	name   string
	every  time.Duration
	run    func(ctx context.Context) error
	now    func() time.Time
	logger zerolog.Logger
}

func NewTimerService(name string, every time.Duration, run func(ctx context.Context) error, logger zerolog.Logger) *TimerService {
	return &TimerService{
		name:   name,
		every:  every,
		run:    run,
		now:    time.Now,
		logger: logger.With().Str("timer", name).Logger(),
	}
}

// nextMinute returns the first whole minute strictly after t.
func nextMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute).Add(time.Minute)
}

func (t *TimerService) Serve(ctx context.Context) error {
	now := t.now()
	timer := time.NewTimer(nextMinute(now).Sub(now))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			started := t.now()
			if err := t.run(ctx); err != nil {
				t.logger.Error().Err(err).Dur("took", time.Since(started)).Msg("timer run failed")
			} else {
				t.logger.Info().Dur("took", time.Since(started)).Msg("timer run finished")
			}
			timer.Reset(t.every)
		}
	}
}

func (t *TimerService) String() string {
	return "timer-" + t.name
}

// newSupervisor builds the service tree: the HTTP triggers plus one timer per enabled interval.
func newSupervisor(a *app, logger zerolog.Logger) *suture.Supervisor {
	root := suture.New("desk2crm", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn().Fields(e.Map()).Int("event_type", int(e.Type())).Msg(e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})

	server := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	root.Add(NewHTTPServerService(server, time.Duration(a.cfg.Server.ShutdownTimeoutSeconds)*time.Second))

	for _, timer := range a.timers() {
		if timer.every <= 0 {
			continue
		}
		root.Add(NewTimerService(timer.name, timer.every, timer.run, logger))
	}
	return root
}
