package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func init() {
	Init(Zendesk2Dataverse)
}

const crmAPIPath = "/api/data/v9.2/"

// testConfig loads the embedded defaults pointed at the given fake servers.
func testConfig(t *testing.T, helpdeskURL, crmURL string) Config {
	t.Helper()
	env := MapEnvVar{
		"ZENDESK_API_BASEURL": helpdeskURL + "/api/v2",
		"ZENDESK_API_KEY":     "dGVzdEBleGFtcGxlLmNvbS90b2tlbjpzZWNyZXQ=",
		"CRM_URL":             crmURL,
		"CLIENT_ID":           "client",
		"CLIENT_SECRET":       "secret",
		"BACKOFF_BASE_MS":     "1",
		"BACKOFF_CAP_MS":      "8",
		"RATE_LIMIT_RPS":      "0",
	}
	override := ConfigFileFromBytes("test.yaml", []byte("crm:\n  tokenURL: "+crmURL+"/token\n"))
	cfg, err := LoadConfigFromEnvironment(ConfigWithEnvVar(env), ConfigWithoutConfigPath(), ConfigWithFile(override))
	require.NoError(t, err)
	return cfg
}

// sleepRecorder stands in for SleepContext and records every requested wait.
type sleepRecorder struct {
	mu    gosync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func newTestContext(t *testing.T, cfg Config, sleeper *sleepRecorder) *SyncContext {
	t.Helper()
	return NewSyncContext(cfg, "test", t.Name(),
		WithSeed(42),
		WithSleeper(sleeper.Sleep),
		WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }),
	)
}

type crmWrite struct {
	Method    string
	EntitySet string
	ID        string
	Body      map[string]interface{}
}

// fakeCRM is an in-memory OData service supporting the subset of the Web API the
// upsert engine uses: $filter with "eq" joined by "and", $orderby desc, $top, POST and PATCH.
type fakeCRM struct {
	t        *testing.T
	mu       gosync.Mutex
	idFields map[string]string
	records  map[string][]map[string]interface{}
	writes   []crmWrite
	seq      int
	// failures answers the next data calls with the given statuses,
	// writeFailures only the next POST or PATCH calls. committedFailures
	// apply the next writes and then answer with the given statuses.
	failures          []int
	writeFailures     []int
	committedFailures []int
	Server            *httptest.Server
}

func newFakeCRM(t *testing.T) *fakeCRM {
	f := &fakeCRM{
		t: t,
		idFields: map[string]string{
			"im360_zendeskticketses": "im360_zendeskticketsid",
			"im360_zendeskconfigs":   "im360_zendeskconfigid",
		},
		records: make(map[string][]map[string]interface{}),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeCRM) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/token" {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`)
		return
	}
	if r.Header.Get("Authorization") != "Bearer test-token" {
		http.Error(w, `{"error":"unauthorised"}`, http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		status := f.failures[0]
		f.failures = f.failures[1:]
		http.Error(w, `{"error":{"message":"injected"}}`, status)
		return
	}
	if r.Method != http.MethodGet && len(f.writeFailures) > 0 {
		status := f.writeFailures[0]
		f.writeFailures = f.writeFailures[1:]
		http.Error(w, `{"error":{"message":"injected"}}`, status)
		return
	}
	resource := strings.TrimPrefix(r.URL.Path, crmAPIPath)
	if r.Method != http.MethodGet && len(f.committedFailures) > 0 {
		status := f.committedFailures[0]
		f.committedFailures = f.committedFailures[1:]
		f.dispatch(httptest.NewRecorder(), r, resource)
		http.Error(w, `{"error":{"message":"injected after commit"}}`, status)
		return
	}
	f.dispatch(w, r, resource)
}

func (f *fakeCRM) dispatch(w http.ResponseWriter, r *http.Request, resource string) {
	switch r.Method {
	case http.MethodGet:
		f.query(w, r, resource)
	case http.MethodPost:
		f.create(w, r, resource)
	case http.MethodPatch:
		f.update(w, r, resource)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (f *fakeCRM) query(w http.ResponseWriter, r *http.Request, set string) {
	conds, err := parseODataFilter(r.URL.Query().Get("$filter"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var matched []map[string]interface{}
	for _, rec := range f.records[set] {
		ok := true
		for _, c := range conds {
			if fmt.Sprint(rec[c.Field]) != c.Value {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, rec)
		}
	}
	if orderBy := r.URL.Query().Get("$orderby"); orderBy != "" {
		field := strings.TrimSuffix(orderBy, " desc")
		sort.SliceStable(matched, func(i, j int) bool {
			return fmt.Sprint(matched[i][field]) > fmt.Sprint(matched[j][field])
		})
	}
	if top, err := strconv.Atoi(r.URL.Query().Get("$top")); err == nil && top < len(matched) {
		matched = matched[:top]
	}
	if matched == nil {
		matched = []map[string]interface{}{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"value": matched})
}

func (f *fakeCRM) decode(r *http.Request) map[string]interface{} {
	b, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)
	body := make(map[string]interface{})
	require.NoError(f.t, json.Unmarshal(b, &body))
	return body
}

func (f *fakeCRM) stamp(rec map[string]interface{}) {
	f.seq++
	rec["modifiedon"] = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.seq) * time.Second).Format(time.RFC3339)
}

func (f *fakeCRM) create(w http.ResponseWriter, r *http.Request, set string) {
	body := f.decode(r)
	rec := make(map[string]interface{}, len(body)+2)
	for k, v := range body {
		rec[k] = v
	}
	id := fmt.Sprintf("00000000-0000-0000-0000-%012d", len(f.records[set])+1)
	rec[f.idFields[set]] = id
	f.stamp(rec)
	f.records[set] = append(f.records[set], rec)
	f.writes = append(f.writes, crmWrite{Method: http.MethodPost, EntitySet: set, ID: id, Body: body})
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeCRM) update(w http.ResponseWriter, r *http.Request, resource string) {
	open := strings.Index(resource, "(")
	if open < 0 || !strings.HasSuffix(resource, ")") {
		http.Error(w, "bad resource", http.StatusBadRequest)
		return
	}
	set, id := resource[:open], resource[open+1:len(resource)-1]
	body := f.decode(r)
	for _, rec := range f.records[set] {
		if rec[f.idFields[set]] == id {
			for k, v := range body {
				rec[k] = v
			}
			f.stamp(rec)
			f.writes = append(f.writes, crmWrite{Method: http.MethodPatch, EntitySet: set, ID: id, Body: body})
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, `{"error":{"message":"not found"}}`, http.StatusNotFound)
}

// Writes returns the recorded writes to set, or all writes when set is empty.
func (f *fakeCRM) Writes(set string) []crmWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []crmWrite
	for _, w := range f.writes {
		if set == "" || w.EntitySet == set {
			result = append(result, w)
		}
	}
	return result
}

func (f *fakeCRM) Records(set string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.records[set]...)
}

// Seed stores a record directly without recording a write.
func (f *fakeCRM) Seed(set string, rec map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := rec[f.idFields[set]]; !ok {
		rec[f.idFields[set]] = fmt.Sprintf("seed-%d", len(f.records[set])+1)
	}
	f.stamp(rec)
	f.records[set] = append(f.records[set], rec)
}

func (f *fakeCRM) FailNext(statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, statuses...)
}

func (f *fakeCRM) FailNextWrite(statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeFailures = append(f.writeFailures, statuses...)
}

// FailNextWriteAfterCommit stores the next writes but answers them with statuses.
func (f *fakeCRM) FailNextWriteAfterCommit(statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committedFailures = append(f.committedFailures, statuses...)
}

// parseODataFilter reads "a eq 'x' and b eq 'y'", unescaping doubled quotes.
func parseODataFilter(s string) ([]KeyCondition, error) {
	var conds []KeyCondition
	rest := strings.TrimSpace(s)
	for rest != "" {
		eq := strings.Index(rest, " eq '")
		if eq < 0 {
			return nil, fmt.Errorf("unsupported filter %q", s)
		}
		field := strings.TrimSpace(rest[:eq])
		rest = rest[eq+len(" eq '"):]
		var value strings.Builder
		closed := false
		for i := 0; i < len(rest); i++ {
			if rest[i] == '\'' {
				if i+1 < len(rest) && rest[i+1] == '\'' {
					value.WriteByte('\'')
					i++
					continue
				}
				rest = rest[i+1:]
				closed = true
				break
			}
			value.WriteByte(rest[i])
		}
		if !closed {
			return nil, fmt.Errorf("unterminated literal in %q", s)
		}
		conds = append(conds, KeyCondition{Field: field, Value: value.String()})
		rest = strings.TrimSpace(rest)
		if rest == "" {
			break
		}
		if !strings.HasPrefix(rest, "and ") {
			return nil, fmt.Errorf("unsupported filter %q", s)
		}
		rest = strings.TrimPrefix(rest, "and ")
	}
	return conds, nil
}

// fakeHelpdesk routes helpdesk API paths (relative to /api/v2/) to handlers and counts calls.
type fakeHelpdesk struct {
	mu     gosync.Mutex
	routes map[string]http.HandlerFunc
	calls  map[string]int
	Server *httptest.Server
}

func newFakeHelpdesk(t *testing.T) *fakeHelpdesk {
	h := &fakeHelpdesk{routes: make(map[string]http.HandlerFunc), calls: make(map[string]int)}
	h.Handle("users/me.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Rate-Limit-Remaining", "2500")
		writeTestJSON(w, `{"user":{"id":1}}`)
	})
	h.Server = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.Server.Close)
	return h
}

func (h *fakeHelpdesk) Handle(path string, fn http.HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes[path] = fn
}

// JSON serves a fixed body on path.
func (h *fakeHelpdesk) JSON(path, body string) {
	h.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, body)
	})
}

func (h *fakeHelpdesk) Calls(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[path]
}

// URL is the base an absolute next_page link is built from.
func (h *fakeHelpdesk) URL(path string) string {
	return h.Server.URL + "/api/v2/" + path
}

func (h *fakeHelpdesk) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v2/")
	h.mu.Lock()
	h.calls[path]++
	fn, ok := h.routes[path]
	h.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"RecordNotFound"}`, http.StatusNotFound)
		return
	}
	fn(w, r)
}

func writeTestJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}
