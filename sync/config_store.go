package sync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/tidwall/gjson"
)

// CheckpointKey marks a config record as a lane checkpoint.
const CheckpointKey = "fastSync_CreatedAt"

type ConfigCategory string

const (
	TicketFieldsCategory  ConfigCategory = "ticket_fields"
	UsersCategory         ConfigCategory = "users"
	OrganizationsCategory ConfigCategory = "organizations"
)

// ParseConfigCategory accepts "ticket-fields", "ticketFields" or "ticket_fields".
func ParseConfigCategory(s string) (ConfigCategory, error) {
	c := ConfigCategory(strcase.ToSnake(strings.TrimSpace(s)))
	switch c {
	case TicketFieldsCategory, UsersCategory, OrganizationsCategory:
		return c, nil
	}
	return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown config category %q", s)}
}

// ConfigMapping is a cached (category, key, value) => name lookup, unique by all three.
//
//	ticket_fields: key=field id, value=option code, name=option name
//	users:         key=user id, value=role, name=email, description=display name
//	organizations: key=org id, value=name, name=name
type ConfigMapping struct {
	Category    ConfigCategory
	Key         string
	Value       string
	Name        string
	Description string
}

// CheckpointRecord is a lane high-water mark stored in the config entity set, unique by (lane, key).
type CheckpointRecord struct {
	Lane      string
	CreatedAt time.Time
}

// MappingStore is the cache the enrichment resolver reads and populates.
type MappingStore interface {
	FindByValue(ctx context.Context, category ConfigCategory, value string) (ConfigMapping, bool, error)
	FindByKey(ctx context.Context, category ConfigCategory, key string) (ConfigMapping, bool, error)
	UpsertMapping(ctx context.Context, m ConfigMapping) (UpsertResult, error)
}

// CheckpointWriter persists lane checkpoints.
type CheckpointWriter interface {
	UpsertCheckpoint(ctx context.Context, cp CheckpointRecord) (UpsertResult, error)
	ReadCheckpoint(ctx context.Context, lane string) (CheckpointRecord, bool, error)
}

// ConfigStore is the storage adapter shared by ConfigMapping and CheckpointRecord.
type ConfigStore struct {
	CRM CRMFetcherAndUpdater
}

func (s ConfigStore) attr(field string) string {
	return s.CRM.Config.Attribute(field)
}

func (s ConfigStore) selectFields() []string {
	return []string{s.attr("category"), s.attr("key"), s.attr("value"), s.attr("name"), s.attr("description")}
}

func (s ConfigStore) mappingFrom(r gjson.Result) ConfigMapping {
	return ConfigMapping{
		Category:    ConfigCategory(r.Get(s.attr("category")).String()),
		Key:         r.Get(s.attr("key")).String(),
		Value:       r.Get(s.attr("value")).String(),
		Name:        r.Get(s.attr("name")).String(),
		Description: r.Get(s.attr("description")).String(),
	}
}

func (s ConfigStore) find(ctx context.Context, category ConfigCategory, field, v string) (ConfigMapping, bool, error) {
	key := NaturalKey{
		{Field: s.attr("category"), Value: string(category)},
		{Field: s.attr(field), Value: v},
	}
	r, found, err := s.CRM.FindRecord(ctx, s.CRM.Config.ConfigEntitySet(), key, s.selectFields()...)
	if err != nil || !found {
		return ConfigMapping{}, false, err
	}
	return s.mappingFrom(r), true, nil
}

func (s ConfigStore) FindByValue(ctx context.Context, category ConfigCategory, value string) (ConfigMapping, bool, error) {
	return s.find(ctx, category, "value", value)
}

func (s ConfigStore) FindByKey(ctx context.Context, category ConfigCategory, key string) (ConfigMapping, bool, error) {
	return s.find(ctx, category, "key", key)
}

func (s ConfigStore) UpsertMapping(ctx context.Context, m ConfigMapping) (UpsertResult, error) {
	key := NaturalKey{
		{Field: s.attr("category"), Value: string(m.Category)},
		{Field: s.attr("key"), Value: m.Key},
		{Field: s.attr("value"), Value: m.Value},
	}
	payload := map[string]interface{}{
		s.attr("category"): string(m.Category),
		s.attr("key"):      m.Key,
		s.attr("value"):    m.Value,
		s.attr("name"):     m.Name,
	}
	if m.Description != "" {
		payload[s.attr("description")] = m.Description
	}
	return s.CRM.Upsert(ctx, s.CRM.Config.ConfigEntitySet(), key, payload)
}

func (s ConfigStore) checkpointKey(lane string) NaturalKey {
	return NaturalKey{
		{Field: s.attr("category"), Value: lane},
		{Field: s.attr("key"), Value: CheckpointKey},
	}
}

// UpsertCheckpoint stores the lane's created-at as Unix seconds in value, with an RFC3339 copy in name.
func (s ConfigStore) UpsertCheckpoint(ctx context.Context, cp CheckpointRecord) (UpsertResult, error) {
	payload := map[string]interface{}{
		s.attr("category"): cp.Lane,
		s.attr("key"):      CheckpointKey,
		s.attr("value"):    strconv.FormatInt(cp.CreatedAt.Unix(), 10),
		s.attr("name"):     cp.CreatedAt.UTC().Format(time.RFC3339),
	}
	return s.CRM.Upsert(ctx, s.CRM.Config.ConfigEntitySet(), s.checkpointKey(cp.Lane), payload)
}

func (s ConfigStore) ReadCheckpoint(ctx context.Context, lane string) (CheckpointRecord, bool, error) {
	r, found, err := s.CRM.FindRecord(ctx, s.CRM.Config.ConfigEntitySet(), s.checkpointKey(lane), s.selectFields()...)
	if err != nil || !found {
		return CheckpointRecord{}, false, err
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(r.Get(s.attr("value")).String()), 10, 64)
	if err != nil {
		return CheckpointRecord{}, false, fmt.Errorf("invalid checkpoint value for lane %s %w", lane, err)
	}
	return CheckpointRecord{Lane: lane, CreatedAt: time.Unix(secs, 0).UTC()}, true, nil
}
