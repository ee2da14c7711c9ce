package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSearchURL = "https://helpdesk.test/api/v2/search?per_page=2&query=type%3Aticket"

// pagedFetcher serves total pages of two results each and records the page numbers requested.
func pagedFetcher(total int) (PageFetcher, *[]int) {
	var requested []int
	return func(ctx context.Context, cursor PageCursor) (Response, error) {
		n, ok := cursor.PageNumber()
		if !ok {
			n = 1
		}
		requested = append(requested, n)
		next := "null"
		if n < total {
			next = fmt.Sprintf("%q", cursor.WithPage(n+1).String())
		}
		body := fmt.Sprintf(`{"results":[{"id":%d1},{"id":%d2}],"next_page":%s}`, n, n, next)
		return Response{StatusCode: 200, Body: []byte(body)}, nil
	}, &requested
}

func newTestWalker(fetch PageFetcher) *Walker {
	return &Walker{
		Fetch:      fetch,
		ResultsKey: "results",
		Sleep:      (&sleepRecorder{}).Sleep,
		Logger:     zerolog.Nop(),
	}
}

func collectIDs(ids *[]string) PageHandler {
	return func(ctx context.Context, page SearchPage) error {
		for _, r := range page.Results {
			*ids = append(*ids, r.Get("id").String())
		}
		return nil
	}
}

func TestPageCursor(t *testing.T) {
	c := NewPageCursor(testSearchURL)
	_, ok := c.PageNumber()
	assert.False(t, ok)
	n, ok := c.WithPage(7).PageNumber()
	assert.True(t, ok)
	assert.Equal(t, 7, n)
	assert.Contains(t, c.WithPage(7).String(), "per_page=2")
	assert.True(t, PageCursor{}.IsZero())
}

func TestWalker_FollowsUntilNoNextPage(t *testing.T) {
	fetch, requested := pagedFetcher(3)
	var ids []string
	result, err := newTestWalker(fetch).Walk(context.Background(), NewPageCursor(testSearchURL), collectIDs(&ids))
	require.NoError(t, err)
	assert.Equal(t, StopNoNextPage, result.StopReason)
	assert.Equal(t, 3, result.Pages)
	assert.Equal(t, 6, result.Records)
	assert.Equal(t, []int{1, 2, 3}, *requested)
	assert.Equal(t, []string{"11", "12", "21", "22", "31", "32"}, ids)
}

func TestWalker_StopsAtEndPage(t *testing.T) {
	fetch, requested := pagedFetcher(10)
	w := newTestWalker(fetch)
	w.EndPage = 3
	result, err := w.Walk(context.Background(), NewPageCursor(testSearchURL), func(context.Context, SearchPage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StopEndPage, result.StopReason)
	assert.Equal(t, []int{1, 2, 3}, *requested)
}

func TestWalker_StartsAtStartPage(t *testing.T) {
	fetch, requested := pagedFetcher(6)
	w := newTestWalker(fetch)
	w.StartPage = 4
	var numbers []int
	result, err := w.Walk(context.Background(), NewPageCursor(testSearchURL), func(ctx context.Context, page SearchPage) error {
		numbers = append(numbers, page.Number)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5, 6}, *requested)
	assert.Equal(t, []int{4, 5, 6}, numbers)
	assert.Equal(t, 3, result.Pages)
}

func TestWalker_StopsAtMaxPages(t *testing.T) {
	fetch, requested := pagedFetcher(1000)
	result, err := newTestWalker(fetch).Walk(context.Background(), NewPageCursor(testSearchURL), func(context.Context, SearchPage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StopMaxPages, result.StopReason)
	assert.Len(t, *requested, DefaultMaxPages)
}

func TestWalker_RetriesSameCursorAfterFailure(t *testing.T) {
	inner, requested := pagedFetcher(2)
	failures := 2
	fetch := func(ctx context.Context, cursor PageCursor) (Response, error) {
		if n, _ := cursor.PageNumber(); n == 2 && failures > 0 {
			failures--
			return Response{}, fmt.Errorf("helpdesk.page: %w", ErrRetriesExhausted)
		}
		return inner(ctx, cursor)
	}
	result, err := newTestWalker(fetch).Walk(context.Background(), NewPageCursor(testSearchURL), func(context.Context, SearchPage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StopNoNextPage, result.StopReason)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, 2, result.Failures)
	assert.Equal(t, []int{1, 2}, *requested)
}

func TestWalker_AbandonsAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context, cursor PageCursor) (Response, error) {
		calls++
		return Response{}, fmt.Errorf("helpdesk.page: %w", ErrRetriesExhausted)
	}
	w := newTestWalker(fetch)
	w.MaxConsecutiveFailures = 3
	result, err := w.Walk(context.Background(), NewPageCursor(testSearchURL), func(context.Context, SearchPage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StopConsecutiveFailures, result.StopReason)
	assert.Equal(t, 0, result.Pages)
	assert.Equal(t, 4, calls)
}

func TestWalker_ClientErrorIsReturned(t *testing.T) {
	fetch := func(ctx context.Context, cursor PageCursor) (Response, error) {
		return Response{StatusCode: 422}, &RemoteError{Outcome: ClientError, StatusCode: 422}
	}
	result, err := newTestWalker(fetch).Walk(context.Background(), NewPageCursor(testSearchURL), func(context.Context, SearchPage) error { return nil })
	require.Error(t, err)
	assert.True(t, IsClientError(err))
	assert.Equal(t, StopClientError, result.StopReason)
}

func TestWalker_HandlerErrorStopsWalk(t *testing.T) {
	fetch, requested := pagedFetcher(5)
	boom := errors.New("boom")
	result, err := newTestWalker(fetch).Walk(context.Background(), NewPageCursor(testSearchURL), func(context.Context, SearchPage) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StopHandlerError, result.StopReason)
	assert.Equal(t, []int{1}, *requested)
}

func TestWalker_WaitsOnGateBeforeEachPage(t *testing.T) {
	fetch, _ := pagedFetcher(3)
	probe, probes := remainingProbe(5000)
	w := newTestWalker(fetch)
	w.Gate = newTestGate(probe, &sleepRecorder{})
	_, err := w.Walk(context.Background(), NewPageCursor(testSearchURL), func(context.Context, SearchPage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, *probes)
}

func TestWalker_UnavailableHelpdeskCostsOneRequestPerFailure(t *testing.T) {
	helpdesk := newFakeHelpdesk(t)
	helpdesk.Handle("search", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
	})
	sleeper := &sleepRecorder{}
	sc := newTestContext(t, testConfig(t, helpdesk.Server.URL, "http://crm.invalid"), sleeper)
	fetcher := HelpdeskFetcher{SyncContext: sc}
	first, err := fetcher.SearchCursor(SearchQuery{FormName: "gbl - support"}, 100)
	require.NoError(t, err)

	w := NewWalker(sc, fetcher.FetchPage, nil, "results")
	result, err := w.Walk(context.Background(), first, func(context.Context, SearchPage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StopConsecutiveFailures, result.StopReason)
	assert.Equal(t, DefaultMaxConsecutiveFailures+1, helpdesk.Calls("search"))
	assert.Equal(t, DefaultMaxConsecutiveFailures+1, result.Failures)

	waits := sleeper.Waits()
	require.Len(t, waits, DefaultMaxConsecutiveFailures)
	for _, d := range waits {
		assert.LessOrEqual(t, d, 8*time.Millisecond, "retries wait the configured backoff")
	}
}

func TestWalker_RateLimitedPageWaitsRetryAfter(t *testing.T) {
	helpdesk := newFakeHelpdesk(t)
	limited := true
	helpdesk.Handle("search", func(w http.ResponseWriter, r *http.Request) {
		if limited {
			limited = false
			w.Header().Set("Retry-After", "2")
			http.Error(w, `{"error":"slow down"}`, http.StatusTooManyRequests)
			return
		}
		writeTestJSON(w, `{"results":[{"id":1}],"next_page":null}`)
	})
	sleeper := &sleepRecorder{}
	sc := newTestContext(t, testConfig(t, helpdesk.Server.URL, "http://crm.invalid"), sleeper)
	fetcher := HelpdeskFetcher{SyncContext: sc}
	first, err := fetcher.SearchCursor(SearchQuery{FormName: "gbl - support"}, 100)
	require.NoError(t, err)

	result, err := NewWalker(sc, fetcher.FetchPage, nil, "results").Walk(context.Background(), first, func(context.Context, SearchPage) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StopNoNextPage, result.StopReason)
	assert.Equal(t, 1, result.Records)
	assert.Equal(t, 2, helpdesk.Calls("search"))
	assert.Contains(t, sleeper.Waits(), 2*time.Second)
}
