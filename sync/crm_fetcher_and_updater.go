package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type UpsertResult string

const (
	Insert UpsertResult = "INSERT"
	Update UpsertResult = "UPDATE"
)

// EntitySet names a CRM collection and the attribute holding its surrogate id.
type EntitySet struct {
	Name    string
	IDField string
}

type KeyCondition struct {
	Field string
	Value string
}

// NaturalKey is the ordered set of attribute equalities identifying one record.
type NaturalKey []KeyCondition

// Filter renders the key as an OData $filter expression.
func (k NaturalKey) Filter() string {
	conds := make([]string, len(k))
	for i, c := range k {
		conds[i] = fmt.Sprintf("%s eq %s", c.Field, ODataString(c.Value))
	}
	return strings.Join(conds, " and ")
}

// ODataString quotes s as an OData string literal.
func ODataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CRMFetcherAndUpdater handles all CRM Web API operations.
// It embeds *SyncContext for shared sync configuration.
type CRMFetcherAndUpdater struct {
	*SyncContext
	Tokens oauth2.TokenSource
}

// NewCRMFetcherAndUpdater authenticates with the OAuth2 client credentials grant.
func NewCRMFetcherAndUpdater(sc *SyncContext) CRMFetcherAndUpdater {
	cc := clientcredentials.Config{
		ClientID:     sc.Config.CRM.ClientID,
		ClientSecret: sc.Config.CRM.ClientSecret,
		TokenURL:     sc.Config.CRM.TokenURL,
		Scopes:       []string{sc.Config.CRMScope()},
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: HTTPRequestTimeout})
	return CRMFetcherAndUpdater{
		SyncContext: sc,
		Tokens:      cc.TokenSource(tokenCtx),
	}
}

// CRMAPIBuilder returns a new requests.Builder for the CRM Web API root.
func (c CRMFetcherAndUpdater) CRMAPIBuilder(token string) *requests.Builder {
	base := strings.TrimSuffix(c.Config.CRM.URL, "/") + c.Config.CRM.APIPath
	result := requests.
		URL(withTrailingSlash(base)).
		Client(&http.Client{Timeout: HTTPRequestTimeout}).
		Bearer(token).
		Accept("application/json").
		Header("OData-MaxVersion", "4.0").
		Header("OData-Version", "4.0")
	if c.RecordRequests {
		result = result.Transport(requests.Record(nil, "pkg/testdata/.requests/crm"))
	}
	return result
}

// do runs one retried CRM call with a fresh token per attempt.
func (c CRMFetcherAndUpdater) do(ctx context.Context, op string, build func(b *requests.Builder) *requests.Builder) (Response, error) {
	return c.Strategy.Retrier.Do(ctx, op, c.call(build))
}

func (c CRMFetcherAndUpdater) call(build func(b *requests.Builder) *requests.Builder) func(ctx context.Context) (Response, error) {
	return func(ctx context.Context) (Response, error) {
		token, err := c.Tokens.Token()
		if err != nil {
			return Response{}, fmt.Errorf("failed to obtain crm token %w", err)
		}
		return fetchResponse(ctx, build(c.CRMAPIBuilder(token.AccessToken)))
	}
}

// FindRecord returns the first record of set matching key.
func (c CRMFetcherAndUpdater) FindRecord(ctx context.Context, set EntitySet, key NaturalKey, selectFields ...string) (gjson.Result, bool, error) {
	res, err := c.do(ctx, "crm.query", func(b *requests.Builder) *requests.Builder {
		b = b.Path(set.Name).
			Param("$filter", key.Filter()).
			Param("$top", "1")
		if len(selectFields) > 0 {
			b = b.Param("$select", strings.Join(selectFields, ","))
		}
		return b
	})
	if err != nil {
		return gjson.Result{}, false, &UpsertError{EntitySet: set.Name, Op: "query", StatusCode: res.StatusCode, Body: string(res.Body), Err: err}
	}
	first := res.JSON().Get("value.0")
	return first, first.Exists(), nil
}

// QueryLatest returns the most recent record of set ordered by orderBy descending.
func (c CRMFetcherAndUpdater) QueryLatest(ctx context.Context, set EntitySet, orderBy string, selectFields ...string) (gjson.Result, bool, error) {
	res, err := c.do(ctx, "crm.query", func(b *requests.Builder) *requests.Builder {
		b = b.Path(set.Name).
			Param("$orderby", orderBy+" desc").
			Param("$top", "1")
		if len(selectFields) > 0 {
			b = b.Param("$select", strings.Join(selectFields, ","))
		}
		return b
	})
	if err != nil {
		return gjson.Result{}, false, &UpsertError{EntitySet: set.Name, Op: "query", StatusCode: res.StatusCode, Body: string(res.Body), Err: err}
	}
	first := res.JSON().Get("value.0")
	return first, first.Exists(), nil
}

// Upsert updates the record matching key or creates one when none exists.
// A write that fails with a retryable outcome is never replayed blind: the key
// is looked up again before each retry, so a create the CRM committed before
// answering with an error is followed by an update rather than a duplicate.
// The result reports whether the record existed when Upsert was called.
func (c CRMFetcherAndUpdater) Upsert(ctx context.Context, set EntitySet, key NaturalKey, payload map[string]interface{}) (UpsertResult, error) {
	retrier := c.Strategy.Retrier
	maxAttempts := retrier.maxAttempts()
	var result UpsertResult
	for attempt := 1; ; attempt++ {
		existing, found, err := c.FindRecord(ctx, set, key, set.IDField)
		if err != nil {
			return "", err
		}
		if result == "" {
			result = Insert
			if found {
				result = Update
			}
		}

		op := "create"
		build := func(b *requests.Builder) *requests.Builder {
			return b.Path(set.Name).
				Post().
				BodyJSON(payload)
		}
		if found {
			op = "update"
			id := existing.Get(set.IDField).String()
			build = func(b *requests.Builder) *requests.Builder {
				return b.Pathf("%s(%s)", set.Name, id).
					Method(http.MethodPatch).
					BodyJSON(payload)
			}
		}

		res, err := retrier.Attempt(ctx, "crm."+op, c.call(build))
		if err == nil {
			upsertsTotal.WithLabelValues(set.Name, string(result)).Inc()
			return result, nil
		}
		var rerr *RemoteError
		if !errors.As(err, &rerr) || !rerr.Outcome.Retryable() {
			return "", &UpsertError{EntitySet: set.Name, Op: op, StatusCode: res.StatusCode, Body: string(res.Body), Err: err}
		}
		if attempt == maxAttempts {
			err = fmt.Errorf("crm.%s: %w: %w", op, ErrRetriesExhausted, err)
			return "", &UpsertError{EntitySet: set.Name, Op: op, StatusCode: res.StatusCode, Body: string(res.Body), Err: err}
		}
		wait := retrier.Wait(attempt, rerr.Outcome, res)
		c.Logger.Warn().
			Str("entity_set", set.Name).
			Str("op", op).
			Str("outcome", rerr.Outcome.String()).
			Int("status", res.StatusCode).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("write failed, checking for the record before retrying")
		if err := retrier.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

// UpsertTicket writes a ticket keyed by its helpdesk ticket id.
func (c CRMFetcherAndUpdater) UpsertTicket(ctx context.Context, entity *TicketEntity) (UpsertResult, error) {
	idField := c.Config.Attribute("ticketid")
	id, _ := entity.Fields[idField].(string)
	if id == "" || id == MissingValue {
		return "", &ValidationError{Field: idField, Reason: "ticket has no id"}
	}
	return c.Upsert(ctx, c.Config.TicketEntitySet(), NaturalKey{{Field: idField, Value: id}}, entity.GetFields())
}

// LatestTicketUpdatedAt returns the helpdesk updated_at of the most recently modified CRM ticket.
// The value is stored in the accountid attribute because updated_at is a string column
// and cannot be ordered on.
func (c CRMFetcherAndUpdater) LatestTicketUpdatedAt(ctx context.Context) (string, bool, error) {
	field := c.Config.Attribute("accountid")
	latest, found, err := c.QueryLatest(ctx, c.Config.TicketEntitySet(), "modifiedon", field, "modifiedon")
	if err != nil || !found {
		return "", false, err
	}
	v := latest.Get(field).String()
	if v == "" || v == MissingValue {
		return "", false, nil
	}
	return v, true, nil
}
