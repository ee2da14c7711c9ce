package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	testCountryField = "35138178531732"
	testBCNField     = "9213900294676"
	testDomainField  = "34698829065236"
)

const testTicketJSON = `{
  "id": 101,
  "subject": "  Printer offline  ",
  "status": "open",
  "priority": "high",
  "requester_id": 501,
  "organization_id": 601,
  "created_at": "2025-03-09T08:00:00Z",
  "updated_at": "2025-03-09T09:00:00Z",
  "tags": ["printer"],
  "via": {"channel": "email"},
  "custom_fields": [
    {"id": 35138178531732, "value": "gbl_cs_country_united_kingdom"},
    {"id": 9213900294676, "value": "BCN-123"},
    {"id": 34698829065236, "value": "gbl_domain_hardware"}
  ]
}`

// memStore is an in-memory MappingStore and CheckpointWriter.
type memStore struct {
	mappings    []ConfigMapping
	checkpoints map[string]time.Time
	reads       int
	writes      int
}

func newMemStore(mappings ...ConfigMapping) *memStore {
	return &memStore{mappings: mappings, checkpoints: make(map[string]time.Time)}
}

func (m *memStore) FindByValue(ctx context.Context, category ConfigCategory, value string) (ConfigMapping, bool, error) {
	m.reads++
	for _, c := range m.mappings {
		if c.Category == category && c.Value == value {
			return c, true, nil
		}
	}
	return ConfigMapping{}, false, nil
}

func (m *memStore) FindByKey(ctx context.Context, category ConfigCategory, key string) (ConfigMapping, bool, error) {
	m.reads++
	for _, c := range m.mappings {
		if c.Category == category && c.Key == key {
			return c, true, nil
		}
	}
	return ConfigMapping{}, false, nil
}

func (m *memStore) UpsertMapping(ctx context.Context, mapping ConfigMapping) (UpsertResult, error) {
	m.writes++
	for i, c := range m.mappings {
		if c.Category == mapping.Category && c.Key == mapping.Key && c.Value == mapping.Value {
			m.mappings[i] = mapping
			return Update, nil
		}
	}
	m.mappings = append(m.mappings, mapping)
	return Insert, nil
}

func (m *memStore) UpsertCheckpoint(ctx context.Context, cp CheckpointRecord) (UpsertResult, error) {
	m.writes++
	_, exists := m.checkpoints[cp.Lane]
	m.checkpoints[cp.Lane] = cp.CreatedAt
	if exists {
		return Update, nil
	}
	return Insert, nil
}

func (m *memStore) ReadCheckpoint(ctx context.Context, lane string) (CheckpointRecord, bool, error) {
	t, ok := m.checkpoints[lane]
	return CheckpointRecord{Lane: lane, CreatedAt: t}, ok, nil
}

type fakeLive struct {
	options map[string]string
	users   map[string]UserProfile
	orgs    map[string]string
	err     error
	calls   int
}

func (f *fakeLive) TicketFieldOptionName(ctx context.Context, fieldID, value string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.options[fieldID+"|"+value], nil
}

func (f *fakeLive) UserProfile(ctx context.Context, id string) (UserProfile, error) {
	f.calls++
	if f.err != nil {
		return UserProfile{}, f.err
	}
	return f.users[id], nil
}

func (f *fakeLive) OrganizationName(ctx context.Context, id string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.orgs[id], nil
}

func resolverConfig() Config {
	var cfg Config
	cfg.Helpdesk.Fields.Country = testCountryField
	cfg.Helpdesk.Fields.BCN = testBCNField
	cfg.Helpdesk.Fields.Domain = testDomainField
	return cfg
}

func newTestResolver(store *memStore, live LiveLookup) *Resolver {
	return &Resolver{
		Cache:       store,
		Live:        live,
		Checkpoints: NewCheckpointStore(store, zerolog.Nop()),
		Denylist:    NRNDenylist{"nrn", "no_response_necessary"},
		Config:      resolverConfig(),
		Now:         func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) },
		Logger:      zerolog.Nop(),
	}
}

func TestNRNDenylist_Match(t *testing.T) {
	d := NRNDenylist{"nrn", "no_response_necessary"}
	tag, ok := d.Match([]string{"printer", " NRN "})
	assert.True(t, ok)
	assert.Equal(t, " NRN ", tag)
	_, ok = d.Match([]string{"printer"})
	assert.False(t, ok)
	_, ok = d.Match(nil)
	assert.False(t, ok)
}

func TestResolve_NRNTicketHasNoSideEffects(t *testing.T) {
	store := newMemStore()
	live := &fakeLive{}
	raw := gjson.Parse(`{"id":7,"tags":["printer","nrn"],"requester_id":1,"organization_id":2,"created_at":"2025-03-09T08:00:00Z",
		"custom_fields":[{"id":35138178531732,"value":"gbl_cs_country_france"}]}`)

	_, skipped, err := newTestResolver(store, live).Resolve(context.Background(), raw, "all")
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Zero(t, store.reads)
	assert.Zero(t, store.writes)
	assert.Zero(t, live.calls)
	assert.Empty(t, store.checkpoints)
}

func TestResolve_CacheHitsAvoidLiveLookups(t *testing.T) {
	store := newMemStore(
		ConfigMapping{Category: TicketFieldsCategory, Key: testCountryField, Value: "gbl_cs_country_united_kingdom", Name: "United Kingdom"},
		ConfigMapping{Category: TicketFieldsCategory, Key: testDomainField, Value: "gbl_domain_hardware", Name: "Hardware"},
		ConfigMapping{Category: UsersCategory, Key: "501", Value: "end-user", Name: "jo@example.com", Description: "Jo Bloggs"},
		ConfigMapping{Category: OrganizationsCategory, Key: "601", Value: "Acme Ltd", Name: "Acme Ltd"},
	)
	live := &fakeLive{}

	record, skipped, err := newTestResolver(store, live).Resolve(context.Background(), gjson.Parse(testTicketJSON), "all")
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Zero(t, live.calls)
	assert.Equal(t, "101", record.ID)
	assert.Equal(t, "United Kingdom", record.Country)
	assert.Equal(t, "BCN-123", record.BCN)
	assert.Equal(t, "Hardware", record.Domain)
	assert.Equal(t, "jo@example.com", record.RequesterEmail)
	assert.Equal(t, "Jo Bloggs", record.RequesterName)
	assert.Equal(t, "Acme Ltd", record.OrganizationName)
	assert.Equal(t, "email", record.Platform)
	assert.Equal(t, 1, store.writes, "only the checkpoint is written")
	assert.True(t, store.checkpoints["all"].Equal(time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC)))
}

func TestResolve_CacheMissesAreWrittenBack(t *testing.T) {
	store := newMemStore()
	live := &fakeLive{
		options: map[string]string{
			testCountryField + "|gbl_cs_country_united_kingdom": "United Kingdom",
			testDomainField + "|gbl_domain_hardware":            "Hardware",
		},
		users: map[string]UserProfile{"501": {ID: "501", Email: "jo@example.com", Role: "end-user", Name: "Jo Bloggs"}},
		orgs:  map[string]string{"601": "Acme Ltd"},
	}

	record, _, err := newTestResolver(store, live).Resolve(context.Background(), gjson.Parse(testTicketJSON), "all")
	require.NoError(t, err)
	assert.Equal(t, "United Kingdom", record.Country)
	assert.Equal(t, "jo@example.com", record.RequesterEmail)
	assert.Equal(t, "Acme Ltd", record.OrganizationName)
	assert.Equal(t, 4, live.calls)

	assert.ElementsMatch(t, []ConfigMapping{
		{Category: TicketFieldsCategory, Key: testCountryField, Value: "gbl_cs_country_united_kingdom", Name: "United Kingdom"},
		{Category: TicketFieldsCategory, Key: testDomainField, Value: "gbl_domain_hardware", Name: "Hardware"},
		{Category: UsersCategory, Key: "501", Value: "end-user", Name: "jo@example.com", Description: "Jo Bloggs"},
		{Category: OrganizationsCategory, Key: "601", Value: "Acme Ltd", Name: "Acme Ltd"},
	}, store.mappings)
}

func TestResolve_UnknownOptionFallsBackToCode(t *testing.T) {
	store := newMemStore()
	live := &fakeLive{}
	record, _, err := newTestResolver(store, live).Resolve(context.Background(), gjson.Parse(testTicketJSON), "all")
	require.NoError(t, err)
	assert.Equal(t, "gbl_cs_country_united_kingdom", record.Country)
	assert.Empty(t, record.RequesterEmail)
	assert.Empty(t, store.mappings, "empty live answers are not cached")
}

func TestResolve_LiveFailureLeavesFieldEmpty(t *testing.T) {
	store := newMemStore()
	live := &fakeLive{err: errors.New("helpdesk down")}
	record, skipped, err := newTestResolver(store, live).Resolve(context.Background(), gjson.Parse(testTicketJSON), "all")
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Empty(t, record.Country)
	assert.Empty(t, record.OrganizationName)
	assert.Contains(t, store.checkpoints, "all", "checkpoint still advances")
}

func TestResolve_MemoisesLookupsWithinRun(t *testing.T) {
	store := newMemStore()
	live := &fakeLive{users: map[string]UserProfile{"501": {ID: "501", Email: "jo@example.com", Role: "end-user"}}}
	r := newTestResolver(store, live)
	for i := 0; i < 3; i++ {
		_, _, err := r.Resolve(context.Background(), gjson.Parse(`{"id":1,"requester_id":501,"created_at":"2025-03-09T08:00:00Z"}`), "all")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, live.calls)
}

func TestResolve_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := newTestResolver(newMemStore(), &fakeLive{}).Resolve(ctx, gjson.Parse(testTicketJSON), "all")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBreakerLookup_OpensAfterRepeatedFailures(t *testing.T) {
	live := &fakeLive{err: errors.New("helpdesk down")}
	b := NewBreakerLookup("test-"+t.Name(), live, zerolog.Nop())
	for i := 0; i < 5; i++ {
		_, err := b.OrganizationName(context.Background(), "1")
		require.Error(t, err)
	}
	assert.Equal(t, 5, live.calls)

	_, err := b.OrganizationName(context.Background(), "1")
	require.Error(t, err)
	assert.Equal(t, 5, live.calls, "open breaker rejects without calling the helpdesk")
}

func TestBreakerLookup_ClientErrorsDoNotTrip(t *testing.T) {
	live := &fakeLive{err: &RemoteError{Outcome: ClientError, StatusCode: 404}}
	b := NewBreakerLookup("test-"+t.Name(), live, zerolog.Nop())
	for i := 0; i < 10; i++ {
		_, _ = b.UserProfile(context.Background(), "1")
	}
	assert.Equal(t, 10, live.calls)
}
