package main

import (
	"context"
	"time"

	"github.com/homemade/desk2crm/sync"
)

const timerTrigger = "timer"

type timerDef struct {
	name  string
	every time.Duration
	run   func(ctx context.Context) error
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

func (a *app) timers() []timerDef {
	t := a.cfg.Timers
	configTimer := func(category sync.ConfigCategory) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			_, err := a.syncConfig(ctx, timerTrigger, string(category), category, sync.ConfigSyncOptions{Window: a.configWindow()})
			return err
		}
	}
	return []timerDef{
		{"tickets", minutes(t.TicketsMinutes), func(ctx context.Context) error {
			_, err := a.syncTickets(ctx, timerTrigger, "tickets", sync.TicketSyncOptions{Window: a.ticketWindow()})
			return err
		}},
		{"lanes", minutes(t.LanesMinutes), func(ctx context.Context) error {
			_, _, err := a.syncLanes(ctx, timerTrigger, "lanes", a.ticketWindow())
			return err
		}},
		{"users", minutes(t.UsersMinutes), configTimer(sync.UsersCategory)},
		{"organizations", minutes(t.OrganizationsMinutes), configTimer(sync.OrganizationsCategory)},
		{"ticket-fields", minutes(t.TicketFieldsMinutes), configTimer(sync.TicketFieldsCategory)},
	}
}
