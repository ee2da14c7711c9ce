package sync

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
)

// HTTPRequestTimeout is the default timeout for all HTTP requests to external APIs.
const HTTPRequestTimeout = 60 * time.Second

// Response is a captured HTTP response. Non-2xx responses are captured
// rather than returned as errors so the classifier can decide what to do.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

func (r Response) JSON() gjson.Result {
	return gjson.ParseBytes(r.Body)
}

func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// acceptAnyStatus replaces the default 2xx validator of requests.Builder.
func acceptAnyStatus(*http.Response) error {
	return nil
}

func captureResponse(dst *Response) requests.ResponseHandler {
	return func(res *http.Response) error {
		dst.StatusCode = res.StatusCode
		dst.Header = res.Header
		if res.Request != nil && res.Request.URL != nil {
			dst.URL = res.Request.URL.String()
		}
		b, err := io.ReadAll(res.Body)
		dst.Body = b
		return err
	}
}

// fetchResponse runs the builder and captures whatever comes back.
func fetchResponse(ctx context.Context, rb *requests.Builder) (Response, error) {
	var result Response
	err := rb.
		AddValidator(acceptAnyStatus).
		Handle(captureResponse(&result)).
		Fetch(ctx)
	return result, err
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withTrailingSlash makes relative paths join under base rather than replace its last segment.
func withTrailingSlash(base string) string {
	if strings.HasSuffix(base, "/") {
		return base
	}
	return base + "/"
}
