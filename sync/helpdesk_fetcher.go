package sync

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
)

// SearchDateFormat is the date layout used in helpdesk search filters.
const SearchDateFormat = "2006-01-02"

// HelpdeskFetcher handles all helpdesk API reads.
// It embeds *SyncContext for shared sync configuration.
type HelpdeskFetcher struct {
	*SyncContext
}

// HelpdeskAPIBuilder returns a new requests.Builder for the helpdesk API base URL.
func (h HelpdeskFetcher) HelpdeskAPIBuilder() *requests.Builder {
	return h.builderFor(withTrailingSlash(h.Config.Helpdesk.BaseURL))
}

func (h HelpdeskFetcher) builderFor(rawURL string) *requests.Builder {
	result := requests.
		URL(rawURL).
		Client(&http.Client{Timeout: HTTPRequestTimeout}).
		Header("Authorization", "Basic "+h.Config.Helpdesk.APIKey).
		Accept("application/json")
	if h.RecordRequests {
		result = result.Transport(requests.Record(nil, "pkg/testdata/.requests/helpdesk"))
	}
	return result
}

// get runs one paced, retried helpdesk GET.
func (h HelpdeskFetcher) get(ctx context.Context, op string, build func() *requests.Builder) (Response, error) {
	return h.Strategy.Retrier.Do(ctx, op, h.paced(build))
}

func (h HelpdeskFetcher) paced(build func() *requests.Builder) func(ctx context.Context) (Response, error) {
	return func(ctx context.Context) (Response, error) {
		if err := h.Strategy.Limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
		return fetchResponse(ctx, build())
	}
}

type SearchQuery struct {
	FormName       string
	UpdatedAfter   string
	UpdatedBefore  string
	CreatedAfter   string
	CreatedBefore  string
	CountryFieldID string
	CountryCode    string
}

// String renders the helpdesk search query, e.g.
// type:ticket form:"gbl - support" updated>2025-01-01 updated<2025-01-02
func (q SearchQuery) String() string {
	parts := []string{"type:ticket"}
	if q.FormName != "" {
		parts = append(parts, fmt.Sprintf("form:%q", q.FormName))
	}
	if q.UpdatedAfter != "" {
		parts = append(parts, "updated>"+q.UpdatedAfter)
	}
	if q.UpdatedBefore != "" {
		parts = append(parts, "updated<"+q.UpdatedBefore)
	}
	if q.CreatedAfter != "" {
		parts = append(parts, "created>"+q.CreatedAfter)
	}
	if q.CreatedBefore != "" {
		parts = append(parts, "created<"+q.CreatedBefore)
	}
	if q.CountryFieldID != "" && q.CountryCode != "" {
		parts = append(parts, fmt.Sprintf("custom_field_%s:%s", q.CountryFieldID, q.CountryCode))
	}
	return strings.Join(parts, " ")
}

// SearchCursor returns the first page cursor for a ticket search.
func (h HelpdeskFetcher) SearchCursor(q SearchQuery, perPage int) (PageCursor, error) {
	if perPage <= 0 {
		perPage = h.Config.Helpdesk.PerPage
	}
	rb := h.HelpdeskAPIBuilder().
		Path("search").
		Param("query", q.String()).
		Param("per_page", strconv.Itoa(perPage))
	if h.Config.Helpdesk.SortBy != "" {
		rb = rb.Param("sort_by", h.Config.Helpdesk.SortBy)
	}
	if h.Config.Helpdesk.SortOrder != "" {
		rb = rb.Param("sort_order", h.Config.Helpdesk.SortOrder)
	}
	u, err := rb.URL()
	if err != nil {
		return PageCursor{}, err
	}
	return NewPageCursor(u.String()), nil
}

// ListCursor returns the first page cursor for a reference data listing
// such as "users.json" or "organizations.json".
func (h HelpdeskFetcher) ListCursor(resource string, perPage int) (PageCursor, error) {
	if perPage <= 0 {
		perPage = h.Config.Helpdesk.PerPage
	}
	u, err := h.HelpdeskAPIBuilder().
		Path(resource).
		Param("page", "1").
		Param("per_page", strconv.Itoa(perPage)).
		URL()
	if err != nil {
		return PageCursor{}, err
	}
	return NewPageCursor(u.String()), nil
}

// FetchPage makes a single paced request for the page a cursor points at.
// It does not retry: the Walker counts every failed response and owns the retries.
func (h HelpdeskFetcher) FetchPage(ctx context.Context, cursor PageCursor) (Response, error) {
	return h.Strategy.Retrier.Attempt(ctx, "helpdesk.page", h.paced(func() *requests.Builder {
		return h.builderFor(cursor.String())
	}))
}

func (h HelpdeskFetcher) fetchEntity(ctx context.Context, op, pathFormat, id, key string) (gjson.Result, error) {
	res, err := h.get(ctx, op, func() *requests.Builder {
		return h.HelpdeskAPIBuilder().Pathf(pathFormat, id)
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return res.JSON().Get(key), nil
}

func (h HelpdeskFetcher) FetchTicket(ctx context.Context, id string) (gjson.Result, error) {
	return h.fetchEntity(ctx, "helpdesk.ticket", "tickets/%s.json", id, "ticket")
}

func (h HelpdeskFetcher) FetchUser(ctx context.Context, id string) (gjson.Result, error) {
	return h.fetchEntity(ctx, "helpdesk.user", "users/%s.json", id, "user")
}

func (h HelpdeskFetcher) FetchOrganization(ctx context.Context, id string) (gjson.Result, error) {
	return h.fetchEntity(ctx, "helpdesk.organization", "organizations/%s.json", id, "organization")
}

func (h HelpdeskFetcher) FetchTicketField(ctx context.Context, id string) (gjson.Result, error) {
	return h.fetchEntity(ctx, "helpdesk.ticket_field", "ticket_fields/%s.json", id, "ticket_field")
}

// ProbeRateLimit issues a single cheap request whose headers carry the remaining budget.
func (h HelpdeskFetcher) ProbeRateLimit(ctx context.Context) (Response, error) {
	if err := h.Strategy.Limiter.Wait(ctx); err != nil {
		return Response{}, err
	}
	probePath := h.Config.RateLimit.ProbePath
	if probePath == "" {
		probePath = "users/me.json"
	}
	return fetchResponse(ctx, h.HelpdeskAPIBuilder().Path(probePath))
}

// TicketFieldOptionName resolves a custom field option value to its display name.
// An empty name means the field has no matching option.
func (h HelpdeskFetcher) TicketFieldOptionName(ctx context.Context, fieldID, value string) (string, error) {
	field, err := h.FetchTicketField(ctx, fieldID)
	if err != nil {
		return "", err
	}
	for _, option := range field.Get("custom_field_options").Array() {
		if option.Get("value").String() == value {
			return strings.TrimSpace(option.Get("name").String()), nil
		}
	}
	return "", nil
}

// UserProfile resolves a requester id to email, role and display name.
func (h HelpdeskFetcher) UserProfile(ctx context.Context, id string) (UserProfile, error) {
	user, err := h.FetchUser(ctx, id)
	if err != nil {
		return UserProfile{}, err
	}
	return UserProfile{
		ID:    id,
		Email: strings.TrimSpace(user.Get("email").String()),
		Role:  user.Get("role").String(),
		Name:  strings.TrimSpace(user.Get("name").String()),
	}, nil
}

func (h HelpdeskFetcher) OrganizationName(ctx context.Context, id string) (string, error) {
	org, err := h.FetchOrganization(ctx, id)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(org.Get("name").String()), nil
}

type UserProfile struct {
	ID    string
	Email string
	Role  string
	Name  string
}
