// Command desk2crm serves the helpdesk to CRM sync triggers over HTTP and on timers.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/homemade/desk2crm/sync"
)

func main() {
	sync.Init(sync.Zendesk2Dataverse)

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", "desk2crm").Logger()

	cfg, err := sync.LoadConfigFromEnvironment()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", cfg.Server.Addr).Str("flavour", sync.GetInitialisedFlavour().String()).Msg("starting")
	if err := newSupervisor(newApp(cfg), log.Logger).Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("supervisor stopped")
	}
	log.Info().Msg("stopped")
}
