package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/biter777/countries"
	"github.com/tidwall/gjson"
)

// Lane is one country partition of the partner support sync.
type Lane struct {
	Name        string `json:"name"`
	CountryCode string `json:"countryCode"`
}

// LanePlanner maps the configured country names onto helpdesk country option codes.
type LanePlanner struct {
	*SyncContext
	Helpdesk HelpdeskFetcher
}

func NewLanePlanner(sc *SyncContext) *LanePlanner {
	return &LanePlanner{SyncContext: sc, Helpdesk: HelpdeskFetcher{SyncContext: sc}}
}

func (p *LanePlanner) Plan(ctx context.Context) ([]Lane, error) {
	if len(p.Config.Lanes.Countries) == 0 {
		return nil, nil
	}
	field, err := p.Helpdesk.FetchTicketField(ctx, p.Config.Helpdesk.Fields.Country)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch country field %w", err)
	}
	lanes := PlanLanes(p.Config.Lanes.Countries, field.Get("custom_field_options").Array())
	if len(lanes) < len(p.Config.Lanes.Countries) {
		p.Logger.Warn().
			Strs("countries", p.Config.Lanes.Countries).
			Int("matched", len(lanes)).
			Msg("some lane countries have no matching helpdesk option")
	}
	return lanes, nil
}

// PlanLanes matches each country name against the option names. Names are compared
// as countries where possible so "UK", "GBR" and "United Kingdom" all find the same option.
func PlanLanes(names []string, options []gjson.Result) []Lane {
	var lanes []Lane
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		want := countries.ByName(name)
		for _, option := range options {
			optionName := strings.TrimSpace(option.Get("name").String())
			code := option.Get("value").String()
			if code == "" {
				continue
			}
			got := countries.ByName(optionName)
			if strings.EqualFold(optionName, name) || (want != countries.Unknown && want == got) {
				lanes = append(lanes, Lane{Name: optionName, CountryCode: code})
				break
			}
		}
	}
	return lanes
}

// RunLanes syncs partner support tickets for each lane in turn, resuming each from
// its own checkpoint. A failing lane does not stop the others.
func (s *TicketSyncer) RunLanes(ctx context.Context, lanes []Lane, window SyncWindow) (Summary, error) {
	var total Summary
	var errs []error
	for _, lane := range lanes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		summary, err := s.Run(ctx, TicketSyncOptions{
			Window:               window,
			FormName:             s.Config.Helpdesk.PartnerFormName,
			CountryCode:          lane.CountryCode,
			WithoutUpdatedDate:   true,
			ResumeFromCheckpoint: true,
		})
		total.Add(summary)
		if err != nil {
			s.Logger.Error().Err(err).Str("lane", lane.Name).Msg("lane sync failed")
			errs = append(errs, fmt.Errorf("lane %s %w", lane.Name, err))
		}
	}
	return total, errors.Join(errs...)
}
