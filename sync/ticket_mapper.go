package sync

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type Source struct {
	data gjson.Result
}

func NewSource(data gjson.Result) Source {
	return Source{data: data}
}

func (s Source) StringForPath(path string) (string, bool) {
	result := s.data.Get(path)
	return result.String(), result.Exists() && (result.Value() != nil)
}

func (s Source) IntForPath(path string) (int64, bool) {
	result := s.data.Get(path)
	return result.Int(), result.Exists() && (result.Value() != nil)
}

func (s Source) BoolForPath(path string) (bool, bool) {
	result := s.data.Get(path)
	return result.Bool(), result.Exists() && (result.Value() != nil)
}

// TicketRecord is a raw helpdesk ticket plus the values resolved for it during enrichment.
type TicketRecord struct {
	Raw  gjson.Result
	Lane string

	ID               string
	Country          string
	BCN              string
	RequesterEmail   string
	RequesterName    string
	OrganizationName string
	Domain           string
	Platform         string
	CreatedAt        string
	UpdatedAt        string
}

func newTicketRecord(raw gjson.Result, lane string, now time.Time) TicketRecord {
	t := TicketRecord{
		Raw:       raw,
		Lane:      lane,
		ID:        raw.Get("id").String(),
		Platform:  raw.Get("via.channel").String(),
		CreatedAt: raw.Get("created_at").String(),
		UpdatedAt: raw.Get("updated_at").String(),
	}
	if t.CreatedAt == "" {
		t.CreatedAt = now.UTC().Format(time.RFC3339)
	}
	if t.UpdatedAt == "" {
		t.UpdatedAt = t.CreatedAt
	}
	return t
}

// Created parses the helpdesk created_at timestamp.
func (t TicketRecord) Created() (time.Time, error) {
	return time.Parse(time.RFC3339, t.Raw.Get("created_at").String())
}

// Document returns the raw ticket with resolved values set under "enriched".
func (t TicketRecord) Document() (Source, error) {
	doc := t.Raw.Raw
	if doc == "" {
		doc = "{}"
	}
	values := []struct {
		path  string
		value string
	}{
		{"enriched.country", t.Country},
		{"enriched.bcn", t.BCN},
		{"enriched.requesterEmail", t.RequesterEmail},
		{"enriched.requesterName", t.RequesterName},
		{"enriched.organizationName", t.OrganizationName},
		{"enriched.domain", t.Domain},
		{"enriched.platform", t.Platform},
		{"enriched.createdAt", t.CreatedAt},
		{"enriched.updatedAt", t.UpdatedAt},
		{"enriched.lane", t.Lane},
	}
	var err error
	for _, v := range values {
		doc, err = sjson.Set(doc, v.path, v.value)
		if err != nil {
			return Source{}, fmt.Errorf("failed to set %s on ticket %s %w", v.path, t.ID, err)
		}
	}
	return NewSource(gjson.Parse(doc)), nil
}

// TicketEntity is the CRM ticket payload.
type TicketEntity struct {
	Fields map[string]interface{}
}

func (e *TicketEntity) GetFields() map[string]interface{} {
	return e.Fields
}

func (e *TicketEntity) SetField(key string, value interface{}) {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
}

func (e *TicketEntity) DeleteField(key string) {
	delete(e.Fields, key)
}

// NewTicketEntity maps an enriched ticket onto CRM attributes using Config.TicketFieldMappings.
func NewTicketEntity(cfg Config, t TicketRecord) (*TicketEntity, error) {
	doc, err := t.Document()
	if err != nil {
		return nil, err
	}
	entity := &TicketEntity{Fields: make(map[string]interface{})}
	MapFields(cfg.TicketFieldMappings, cfg.Attribute, doc, entity)
	return entity, nil
}
