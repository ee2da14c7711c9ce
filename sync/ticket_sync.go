package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// TicketSyncOptions selects what one ticket sync run covers.
type TicketSyncOptions struct {
	Window   SyncWindow
	PerPage  int
	FormName string
	// CountryCode filters the search to one country option and names the checkpoint lane.
	CountryCode string
	// TicketID switches to single ticket mode, no search is issued.
	TicketID string
	// WithoutUpdatedDate drops the updated bounds from the search.
	WithoutUpdatedDate bool
	// OnlyLatest starts the updated bound at the newest ticket already in the CRM.
	OnlyLatest bool
	// ResumeFromCheckpoint starts the created bound at the lane checkpoint.
	ResumeFromCheckpoint bool
	StartPage            int
	EndPage              int
}

// Lane names the checkpoint partition this run advances.
func (o TicketSyncOptions) Lane(cfg Config) string {
	if o.CountryCode != "" {
		return o.CountryCode
	}
	if cfg.Lanes.DefaultLane != "" {
		return cfg.Lanes.DefaultLane
	}
	return "all"
}

type Summary struct {
	Inserted   int        `json:"inserted"`
	Updated    int        `json:"updated"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	Pages      int        `json:"pages"`
	StopReason StopReason `json:"stopReason,omitempty"`
	TicketIDs  []string   `json:"ticketIds,omitempty"`
}

func (s Summary) String() string {
	return fmt.Sprintf("Inserted %d records, updated %d records.", s.Inserted, s.Updated)
}

// Add accumulates another run's counts.
func (s *Summary) Add(other Summary) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Skipped += other.Skipped
	s.Failed += other.Failed
	s.Pages += other.Pages
	s.TicketIDs = append(s.TicketIDs, other.TicketIDs...)
}

func (s *Summary) count(result UpsertResult) {
	switch result {
	case Insert:
		s.Inserted++
	case Update:
		s.Updated++
	}
}

// TicketSyncer walks helpdesk ticket search results and upserts each enriched ticket into the CRM.
type TicketSyncer struct {
	*SyncContext
	Helpdesk HelpdeskFetcher
	CRM      CRMFetcherAndUpdater
	Store    ConfigStore
	Live     LiveLookup
}

func NewTicketSyncer(sc *SyncContext, crm CRMFetcherAndUpdater) *TicketSyncer {
	helpdesk := HelpdeskFetcher{SyncContext: sc}
	return &TicketSyncer{
		SyncContext: sc,
		Helpdesk:    helpdesk,
		CRM:         crm,
		Store:       ConfigStore{CRM: crm},
		Live:        NewBreakerLookup("helpdesk-lookup", helpdesk, sc.Logger),
	}
}

func (s *TicketSyncer) Run(ctx context.Context, opts TicketSyncOptions) (Summary, error) {
	var summary Summary
	lane := opts.Lane(s.Config)
	log := s.Logger.With().Str("lane", lane).Logger()

	checkpoints := NewCheckpointStore(s.Store, log)
	window := opts.Window
	if mark, found, err := checkpoints.Read(ctx, lane); err != nil {
		log.Warn().Err(err).Msg("failed to read checkpoint")
	} else if found && opts.ResumeFromCheckpoint {
		window.CreatedStart = mark.UTC().Format(time.RFC3339)
		log.Info().Str("created_start", window.CreatedStart).Msg("resuming from checkpoint")
	}
	if opts.OnlyLatest {
		latest, found, err := s.CRM.LatestTicketUpdatedAt(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read latest synced ticket")
		} else if found {
			window.UpdatedStart = latest
		}
	}

	resolver := &Resolver{
		Cache:       s.Store,
		Live:        s.Live,
		Checkpoints: checkpoints,
		Denylist:    NRNDenylist(s.Config.NRNTags),
		Config:      s.Config,
		Now:         s.Strategy.Now,
		Logger:      log,
	}

	if opts.TicketID != "" {
		raw, err := s.Helpdesk.FetchTicket(ctx, opts.TicketID)
		if err != nil {
			return summary, fmt.Errorf("failed to fetch ticket %s %w", opts.TicketID, err)
		}
		if !raw.Exists() {
			return summary, fmt.Errorf("ticket %s not found", opts.TicketID)
		}
		summary.Pages = 1
		err = s.process(ctx, resolver, raw, lane, &summary)
		return summary, err
	}

	formName := opts.FormName
	if formName == "" {
		formName = s.Config.Helpdesk.FormName
	}
	query := SearchQuery{
		FormName:      formName,
		UpdatedAfter:  window.UpdatedStart,
		UpdatedBefore: window.UpdatedEnd,
		CreatedAfter:  window.CreatedStart,
		CreatedBefore: window.CreatedEnd,
	}
	if opts.WithoutUpdatedDate {
		query.UpdatedAfter, query.UpdatedBefore = "", ""
	}
	if opts.CountryCode != "" {
		query.CountryFieldID = s.Config.Helpdesk.Fields.Country
		query.CountryCode = opts.CountryCode
	}
	cursor, err := s.Helpdesk.SearchCursor(query, opts.PerPage)
	if err != nil {
		return summary, err
	}
	log.Info().Str("query", query.String()).Msg("searching tickets")

	gate := NewRateLimitGate(s.SyncContext, s.Helpdesk.ProbeRateLimit)
	walker := NewWalker(s.SyncContext, s.Helpdesk.FetchPage, gate, "results")
	walker.StartPage = opts.StartPage
	walker.EndPage = opts.EndPage

	result, err := walker.Walk(ctx, cursor, func(ctx context.Context, page SearchPage) error {
		for _, raw := range page.Results {
			if err := s.process(ctx, resolver, raw, lane, &summary); err != nil {
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
		Msg("ticket sync finished")
	return summary, err
}

// process enriches and upserts one ticket. Only context errors are returned,
// a failed upsert is logged and counted.
func (s *TicketSyncer) process(ctx context.Context, resolver *Resolver, raw gjson.Result, lane string, summary *Summary) error {
	record, skipped, err := resolver.Resolve(ctx, raw, lane)
	if err != nil {
		return err
	}
	if skipped {
		summary.Skipped++
		return nil
	}
	entity, err := NewTicketEntity(s.Config, record)
	if err == nil {
		var result UpsertResult
		result, err = s.CRM.UpsertTicket(ctx, entity)
		if err == nil {
			summary.count(result)
			summary.TicketIDs = append(summary.TicketIDs, record.ID)
			return nil
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	summary.Failed++
	s.Logger.Error().Err(err).Str("ticket_id", record.ID).Msg("failed to upsert ticket")
	return nil
}
