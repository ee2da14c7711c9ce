package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// LiveLookup resolves identifiers against the helpdesk when the cache misses.
type LiveLookup interface {
	TicketFieldOptionName(ctx context.Context, fieldID, value string) (string, error)
	UserProfile(ctx context.Context, id string) (UserProfile, error)
	OrganizationName(ctx context.Context, id string) (string, error)
}

// Resolver enriches raw tickets. Every field follows the same policy: cache first,
// then a live helpdesk lookup whose non-empty answer is written back to the cache.
type Resolver struct {
	Cache       MappingStore
	Live        LiveLookup
	Checkpoints *CheckpointStore
	Denylist    NRNDenylist
	Config      Config
	Now         func() time.Time
	Logger      zerolog.Logger

	memo map[string]interface{}
}

// Resolve returns the enriched record, or skipped=true for tickets carrying an NRN tag.
// Lookup and write failures are logged and leave the affected field empty; the only
// error returned is the context's.
func (r *Resolver) Resolve(ctx context.Context, raw gjson.Result, lane string) (TicketRecord, bool, error) {
	if tag, denied := r.Denylist.Match(TicketTags(raw)); denied {
		skippedRecordsTotal.WithLabelValues("nrn").Inc()
		r.Logger.Info().Str("ticket_id", raw.Get("id").String()).Str("tag", tag).Msg("skipping no response necessary ticket")
		return TicketRecord{}, true, nil
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	t := newTicketRecord(raw, lane, now())
	log := r.Logger.With().Str("ticket_id", t.ID).Logger()

	fields := r.Config.Helpdesk.Fields
	t.Country = r.resolveOption(ctx, log, fields.Country, customFieldValue(raw, fields.Country))
	t.BCN = customFieldValue(raw, fields.BCN)
	if fields.Domain != "" {
		t.Domain = r.resolveOption(ctx, log, fields.Domain, customFieldValue(raw, fields.Domain))
	}
	if profile, ok := r.resolveUser(ctx, log, raw.Get("requester_id").String()); ok {
		t.RequesterEmail = profile.Email
		t.RequesterName = profile.Name
	}
	t.OrganizationName = r.resolveOrganization(ctx, log, raw.Get("organization_id").String())

	if err := ctx.Err(); err != nil {
		return t, false, err
	}

	if r.Checkpoints != nil {
		created, err := t.Created()
		if err != nil {
			log.Warn().Err(err).Msg("ticket has no usable created_at, checkpoint not advanced")
		} else if _, err := r.Checkpoints.Advance(ctx, lane, created); err != nil {
			log.Error().Err(err).Str("lane", lane).Msg("failed to write checkpoint")
		}
	}
	return t, false, ctx.Err()
}

func customFieldValue(raw gjson.Result, fieldID string) string {
	if fieldID == "" {
		return ""
	}
	return raw.Get(`custom_fields.#(id==` + fieldID + `).value`).String()
}

func (r *Resolver) remember(key string) (interface{}, bool) {
	if r.memo == nil {
		r.memo = make(map[string]interface{})
	}
	v, ok := r.memo[key]
	return v, ok
}

func (r *Resolver) store(key string, v interface{}) {
	if r.memo == nil {
		r.memo = make(map[string]interface{})
	}
	r.memo[key] = v
}

func (r *Resolver) writeBack(ctx context.Context, log zerolog.Logger, m ConfigMapping) {
	result, err := r.Cache.UpsertMapping(ctx, m)
	if err != nil {
		log.Error().Err(err).Str("category", string(m.Category)).Str("key", m.Key).Msg("failed to write config mapping")
		return
	}
	log.Debug().Str("category", string(m.Category)).Str("key", m.Key).Str("result", string(result)).Msg("config mapping written")
}

// resolveOption maps a custom field option code such as "gbl_cs_country_united_kingdom"
// to its display name.
func (r *Resolver) resolveOption(ctx context.Context, log zerolog.Logger, fieldID, code string) string {
	if code == "" {
		return ""
	}
	memoKey := string(TicketFieldsCategory) + "|" + fieldID + "|" + code
	if v, ok := r.remember(memoKey); ok {
		return v.(string)
	}

	m, found, err := r.Cache.FindByValue(ctx, TicketFieldsCategory, code)
	if err != nil {
		log.Warn().Err(err).Str("code", code).Msg("config cache lookup failed")
	}
	if found && m.Name != "" {
		cacheLookupsTotal.WithLabelValues(string(TicketFieldsCategory), "hit").Inc()
		r.store(memoKey, m.Name)
		return m.Name
	}
	cacheLookupsTotal.WithLabelValues(string(TicketFieldsCategory), "miss").Inc()

	name, err := r.Live.TicketFieldOptionName(ctx, fieldID, code)
	if err != nil {
		log.Warn().Err(err).Str("field_id", fieldID).Str("code", code).Msg("ticket field lookup failed")
		return ""
	}
	if name == "" {
		// no matching option, fall back to the raw code
		r.store(memoKey, code)
		return code
	}
	r.writeBack(ctx, log, ConfigMapping{Category: TicketFieldsCategory, Key: fieldID, Value: code, Name: name})
	r.store(memoKey, name)
	return name
}

func (r *Resolver) resolveUser(ctx context.Context, log zerolog.Logger, id string) (UserProfile, bool) {
	if id == "" {
		return UserProfile{}, false
	}
	memoKey := string(UsersCategory) + "|" + id
	if v, ok := r.remember(memoKey); ok {
		p := v.(UserProfile)
		return p, p.Email != ""
	}

	m, found, err := r.Cache.FindByKey(ctx, UsersCategory, id)
	if err != nil {
		log.Warn().Err(err).Str("user_id", id).Msg("config cache lookup failed")
	}
	if found && m.Name != "" {
		cacheLookupsTotal.WithLabelValues(string(UsersCategory), "hit").Inc()
		p := UserProfile{ID: id, Email: m.Name, Role: m.Value, Name: m.Description}
		r.store(memoKey, p)
		return p, true
	}
	cacheLookupsTotal.WithLabelValues(string(UsersCategory), "miss").Inc()

	p, err := r.Live.UserProfile(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("user_id", id).Msg("user lookup failed")
		return UserProfile{}, false
	}
	r.store(memoKey, p)
	if p.Email == "" {
		return p, false
	}
	r.writeBack(ctx, log, ConfigMapping{Category: UsersCategory, Key: id, Value: p.Role, Name: p.Email, Description: p.Name})
	return p, true
}

func (r *Resolver) resolveOrganization(ctx context.Context, log zerolog.Logger, id string) string {
	if id == "" {
		return ""
	}
	memoKey := string(OrganizationsCategory) + "|" + id
	if v, ok := r.remember(memoKey); ok {
		return v.(string)
	}

	m, found, err := r.Cache.FindByKey(ctx, OrganizationsCategory, id)
	if err != nil {
		log.Warn().Err(err).Str("organization_id", id).Msg("config cache lookup failed")
	}
	if found && m.Name != "" {
		cacheLookupsTotal.WithLabelValues(string(OrganizationsCategory), "hit").Inc()
		r.store(memoKey, m.Name)
		return m.Name
	}
	cacheLookupsTotal.WithLabelValues(string(OrganizationsCategory), "miss").Inc()

	name, err := r.Live.OrganizationName(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("organization_id", id).Msg("organization lookup failed")
		return ""
	}
	r.store(memoKey, name)
	if name != "" {
		r.writeBack(ctx, log, ConfigMapping{Category: OrganizationsCategory, Key: id, Value: name, Name: name})
	}
	return name
}
