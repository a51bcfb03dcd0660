package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// updater re-reads the config file and registers a new worker version
// whenever the configured version changes.
type updater struct {
	filename string
	interval time.Duration
	current  string
	register func(Config)
	log      zerolog.Logger
}

func newUpdater(filename string, config Config, srv *server, logger zerolog.Logger) *updater {
	return &updater{
		filename: filename,
		interval: config.CheckInterval,
		current:  config.Version,
		register: func(c Config) { srv.register(c) },
		log:      logger,
	}
}

// run checks for new versions until ctx is done.
func (u *updater) run(ctx context.Context) {
	u.log.Info().Msgf("Starting version check loop with interval %s", u.interval)
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.check()
		}
	}
}

func (u *updater) check() bool {
	config, err := loadConfig(u.filename)
	if err != nil {
		u.log.Error().Err(err).Msg("Could not read config")
		return false
	}
	if config.Version == "" || config.Version == u.current {
		u.log.Trace().Msg("No new version")
		return false
	}
	u.log.Info().Str("from", u.current).Str("to", config.Version).Msg("New version configured")
	u.current = config.Version
	u.register(config)
	return true
}
