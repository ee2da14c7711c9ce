package sync

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	DefaultMaxPages               = 20
	DefaultMaxConsecutiveFailures = 20
)

// PageCursor is a helpdesk page URL with an embedded "page" query parameter.
type PageCursor struct {
	raw string
}

func NewPageCursor(raw string) PageCursor {
	return PageCursor{raw: raw}
}

func (c PageCursor) String() string {
	return c.raw
}

func (c PageCursor) IsZero() bool {
	return c.raw == ""
}

// PageNumber returns the page query parameter, if present and numeric.
func (c PageCursor) PageNumber() (int, bool) {
	u, err := url.Parse(c.raw)
	if err != nil {
		return 0, false
	}
	p := u.Query().Get("page")
	if p == "" {
		return 0, false
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0, false
	}
	return n, true
}

// WithPage returns a cursor with its page parameter set to n.
func (c PageCursor) WithPage(n int) PageCursor {
	u, err := url.Parse(c.raw)
	if err != nil {
		return c
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return PageCursor{raw: u.String()}
}

type SearchPage struct {
	Cursor  PageCursor
	Number  int
	Results []gjson.Result
	Next    PageCursor
}

type PageFetcher func(ctx context.Context, cursor PageCursor) (Response, error)

type PageHandler func(ctx context.Context, page SearchPage) error

type StopReason string

const (
	StopNoNextPage          StopReason = "no_next_page"
	StopEndPage             StopReason = "end_page"
	StopMaxPages            StopReason = "max_pages"
	StopConsecutiveFailures StopReason = "consecutive_failures"
	StopClientError         StopReason = "client_error"
	StopCancelled           StopReason = "cancelled"
	StopHandlerError        StopReason = "handler_error"
)

type walkState int

const (
	walkFirstPage walkState = iota
	walkFollowingCursor
	walkDone
)

func (s walkState) String() string {
	switch s {
	case walkFirstPage:
		return "FIRST_PAGE"
	case walkFollowingCursor:
		return "FOLLOWING_CURSOR"
	default:
		return "DONE"
	}
}

type WalkResult struct {
	Pages      int
	Records    int
	Failures   int
	StopReason StopReason
}

// Walker follows next_page cursors one page at a time.
type Walker struct {
	Fetch                  PageFetcher
	Gate                   *RateLimitGate
	ResultsKey             string
	StartPage              int
	EndPage                int
	MaxPages               int
	MaxConsecutiveFailures int
	PageInterval           time.Duration
	// Retrier, when set, paces retries of a failed page with its backoff.
	Retrier *Retrier
	Sleep   Sleeper
	Logger  zerolog.Logger
}

func NewWalker(sc *SyncContext, fetch PageFetcher, gate *RateLimitGate, resultsKey string) *Walker {
	return &Walker{
		Fetch:                  fetch,
		Gate:                   gate,
		ResultsKey:             resultsKey,
		MaxPages:               sc.Config.Pagination.MaxPages,
		MaxConsecutiveFailures: sc.Config.Pagination.MaxConsecutiveFailures,
		PageInterval:           sc.Config.PageInterval(),
		Retrier:                sc.Strategy.Retrier,
		Sleep:                  sc.Strategy.Sleep,
		Logger:                 sc.Logger,
	}
}

// Walk fetches first, hands each page to handle, then follows next_page.
// Stop conditions, in order: no next page, EndPage reached, MaxPages reached,
// more than MaxConsecutiveFailures failed fetches in a row. Every failed
// response counts, so an unavailable helpdesk costs MaxConsecutiveFailures+1
// requests before the walk is abandoned without an error. Only a client error
// from a fetch or an error from handle is returned.
func (w *Walker) Walk(ctx context.Context, first PageCursor, handle PageHandler) (WalkResult, error) {
	var result WalkResult
	maxFailures := w.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = DefaultMaxConsecutiveFailures
	}
	maxPages := w.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	sleep := w.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	cursor := first
	seq := 1
	if w.StartPage > 1 {
		cursor = cursor.WithPage(w.StartPage)
		seq = w.StartPage
	}
	state := walkFirstPage
	failures := 0

	finish := func(reason StopReason) WalkResult {
		state = walkDone
		result.StopReason = reason
		w.Logger.Debug().
			Str("state", state.String()).
			Str("stop_reason", string(reason)).
			Int("pages", result.Pages).
			Int("records", result.Records).
			Msg("pagination finished")
		return result
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(StopCancelled), err
		}
		if _, err := w.Gate.Wait(ctx); err != nil {
			return finish(StopCancelled), err
		}

		res, err := w.Fetch(ctx, cursor)
		if err != nil {
			if IsClientError(err) {
				return finish(StopClientError), err
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return finish(StopCancelled), err
			}
			failures++
			result.Failures++
			w.Logger.Warn().Err(err).
				Str("state", state.String()).
				Int("page", seq).
				Int("consecutive_failures", failures).
				Msg("page fetch failed")
			if failures > maxFailures {
				return finish(StopConsecutiveFailures), nil
			}
			wait := w.PageInterval
			var rerr *RemoteError
			if w.Retrier != nil && errors.As(err, &rerr) && rerr.Outcome.Retryable() {
				wait = w.Retrier.Wait(failures, rerr.Outcome, res)
			}
			if err := sleep(ctx, wait); err != nil {
				return finish(StopCancelled), err
			}
			continue
		}
		failures = 0

		body := res.JSON()
		page := SearchPage{
			Cursor:  cursor,
			Number:  seq,
			Results: body.Get(w.ResultsKey).Array(),
			Next:    NewPageCursor(body.Get("next_page").String()),
		}
		result.Pages++
		result.Records += len(page.Results)
		pagesFetchedTotal.WithLabelValues(w.ResultsKey).Inc()

		if err := handle(ctx, page); err != nil {
			return finish(StopHandlerError), err
		}
		state = walkFollowingCursor

		if page.Next.IsZero() {
			return finish(StopNoNextPage), nil
		}
		next := seq + 1
		if n, ok := page.Next.PageNumber(); ok {
			next = n
		}
		if w.EndPage > 0 && next > w.EndPage {
			return finish(StopEndPage), nil
		}
		if next > maxPages {
			return finish(StopMaxPages), nil
		}
		cursor = page.Next
		seq = next

		if err := sleep(ctx, w.PageInterval); err != nil {
			return finish(StopCancelled), err
		}
	}
}
