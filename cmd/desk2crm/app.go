package main

import (
	"context"
	"time"

	"github.com/homemade/desk2crm/sync"
)

// app builds a fresh SyncContext for every trigger firing.
type app struct {
	cfg         sync.Config
	now         func() time.Time
	contextOpts []sync.ContextOption
}

func newApp(cfg sync.Config, opts ...sync.ContextOption) *app {
	return &app{cfg: cfg, now: time.Now, contextOpts: opts}
}

func (a *app) syncContext(triggerType, triggerName string) *sync.SyncContext {
	return sync.NewSyncContext(a.cfg, triggerType, triggerName, a.contextOpts...)
}

func (a *app) ticketWindow() sync.SyncWindow {
	return sync.DefaultTicketWindow(a.now(), a.cfg.Windows)
}

func (a *app) configWindow() sync.SyncWindow {
	return sync.DefaultConfigWindow(a.now(), a.cfg.Windows)
}

func (a *app) syncTickets(ctx context.Context, triggerType, triggerName string, opts sync.TicketSyncOptions) (sync.Summary, error) {
	sc := a.syncContext(triggerType, triggerName)
	syncer := sync.NewTicketSyncer(sc, sync.NewCRMFetcherAndUpdater(sc))
	return syncer.Run(ctx, opts)
}

func (a *app) syncLanes(ctx context.Context, triggerType, triggerName string, window sync.SyncWindow) (sync.Summary, []sync.Lane, error) {
	sc := a.syncContext(triggerType, triggerName)
	lanes, err := sync.NewLanePlanner(sc).Plan(ctx)
	if err != nil {
		return sync.Summary{}, nil, err
	}
	syncer := sync.NewTicketSyncer(sc, sync.NewCRMFetcherAndUpdater(sc))
	summary, err := syncer.RunLanes(ctx, lanes, window)
	return summary, lanes, err
}

func (a *app) syncConfig(ctx context.Context, triggerType, triggerName string, category sync.ConfigCategory, opts sync.ConfigSyncOptions) (sync.Summary, error) {
	sc := a.syncContext(triggerType, triggerName)
	syncer := sync.NewConfigSyncer(sc, sync.NewCRMFetcherAndUpdater(sc))
	return syncer.Run(ctx, category, opts)
}
