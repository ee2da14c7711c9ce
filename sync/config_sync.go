package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

type ConfigSyncOptions struct {
	Window SyncWindow
	// ID syncs one record and ignores the window.
	ID        string
	PerPage   int
	StartPage int
	EndPage   int
}

// ConfigSyncer copies helpdesk reference data (users, organizations, ticket field options)
// into the CRM config entity set so enrichment can run from the cache.
type ConfigSyncer struct {
	*SyncContext
	Helpdesk HelpdeskFetcher
	Store    MappingStore
}

func NewConfigSyncer(sc *SyncContext, crm CRMFetcherAndUpdater) *ConfigSyncer {
	return &ConfigSyncer{
		SyncContext: sc,
		Helpdesk:    HelpdeskFetcher{SyncContext: sc},
		Store:       ConfigStore{CRM: crm},
	}
}

type configSource struct {
	resource   string
	resultsKey string
	fetchOne   func(h HelpdeskFetcher, ctx context.Context, id string) (gjson.Result, error)
}

var configSources = map[ConfigCategory]configSource{
	UsersCategory:         {resource: "users.json", resultsKey: "users", fetchOne: HelpdeskFetcher.FetchUser},
	OrganizationsCategory: {resource: "organizations.json", resultsKey: "organizations", fetchOne: HelpdeskFetcher.FetchOrganization},
	TicketFieldsCategory:  {resource: "ticket_fields.json", resultsKey: "ticket_fields", fetchOne: HelpdeskFetcher.FetchTicketField},
}

func (s *ConfigSyncer) Run(ctx context.Context, category ConfigCategory, opts ConfigSyncOptions) (Summary, error) {
	var summary Summary
	source, ok := configSources[category]
	if !ok {
		return summary, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown config category %q", category)}
	}
	log := s.Logger.With().Str("category", string(category)).Logger()

	if opts.ID != "" {
		raw, err := source.fetchOne(s.Helpdesk, ctx, opts.ID)
		if err != nil {
			return summary, fmt.Errorf("failed to fetch %s %s %w", category, opts.ID, err)
		}
		if !raw.Exists() {
			return summary, fmt.Errorf("%s %s not found", category, opts.ID)
		}
		summary.Pages = 1
		err = s.write(ctx, log, ConfigMappings(category, raw), &summary)
		return summary, err
	}

	cursor, err := s.Helpdesk.ListCursor(source.resource, opts.PerPage)
	if err != nil {
		return summary, err
	}
	gate := NewRateLimitGate(s.SyncContext, s.Helpdesk.ProbeRateLimit)
	walker := NewWalker(s.SyncContext, s.Helpdesk.FetchPage, gate, source.resultsKey)
	walker.StartPage = opts.StartPage
	walker.EndPage = opts.EndPage

	result, err := walker.Walk(ctx, cursor, func(ctx context.Context, page SearchPage) error {
		for _, raw := range page.Results {
			in, err := inWindow(opts.Window, raw)
			if err != nil {
				return &ValidationError{Field: "window", Reason: err.Error()}
			}
			if !in {
				continue
			}
			if err := s.write(ctx, log, ConfigMappings(category, raw), &summary); err != nil {
				return err
			}
		}
		return nil
	})
	summary.Pages = result.Pages
	summary.StopReason = result.StopReason
	log.Info().
		Int("inserted", summary.Inserted).
		Int("updated", summary.Updated).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int("pages", summary.Pages).
		Str("stop_reason", string(summary.StopReason)).
		Msg("config sync finished")
	return summary, err
}

func inWindow(w SyncWindow, raw gjson.Result) (bool, error) {
	updated := raw.Get("updated_at").String()
	if updated == "" {
		return w.UpdatedStart == "" && w.UpdatedEnd == "", nil
	}
	t, err := time.Parse(time.RFC3339, updated)
	if err != nil {
		return false, nil
	}
	return w.ContainsUpdated(t)
}

func (s *ConfigSyncer) write(ctx context.Context, log zerolog.Logger, mappings []ConfigMapping, summary *Summary) error {
	if len(mappings) == 0 {
		summary.Skipped++
		return nil
	}
	for _, m := range mappings {
		result, err := s.Store.UpsertMapping(ctx, m)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			summary.Failed++
			log.Error().Err(err).Str("key", m.Key).Str("value", m.Value).Msg("failed to write config mapping")
			continue
		}
		summary.count(result)
	}
	return nil
}

// ConfigMappings turns one helpdesk reference record into cache rows.
// Users missing an id, role or email produce nothing. A ticket field yields one row per option.
func ConfigMappings(category ConfigCategory, raw gjson.Result) []ConfigMapping {
	id := raw.Get("id").String()
	if id == "" {
		return nil
	}
	switch category {
	case UsersCategory:
		role := raw.Get("role").String()
		email := strings.TrimSpace(raw.Get("email").String())
		if role == "" || email == "" {
			return nil
		}
		return []ConfigMapping{{
			Category:    UsersCategory,
			Key:         id,
			Value:       role,
			Name:        email,
			Description: strings.TrimSpace(raw.Get("name").String()),
		}}
	case OrganizationsCategory:
		name := strings.TrimSpace(raw.Get("name").String())
		if name == "" {
			return nil
		}
		return []ConfigMapping{{Category: OrganizationsCategory, Key: id, Value: name, Name: name}}
	case TicketFieldsCategory:
		var mappings []ConfigMapping
		for _, option := range raw.Get("custom_field_options").Array() {
			value := option.Get("value").String()
			if value == "" {
				continue
			}
			mappings = append(mappings, ConfigMapping{
				Category: TicketFieldsCategory,
				Key:      id,
				Value:    value,
				Name:     strings.TrimSpace(option.Get("name").String()),
			})
		}
		return mappings
	}
	return nil
}
