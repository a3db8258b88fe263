// Command hostagentd runs a single host's convergence loop against an
// in-memory demo node repository, orchestrator and node admin driver.
//
// Wiring and config loading grounded on
// healthcheck/cmd/controller/main.go: an envconfig-tagged Config struct
// read once at startup, a loggerLevelFromString helper setting the zerolog
// global level, context cancelled on os.Interrupt.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/hostfleet/internal/convergence"
	"github.com/Sh00ty/hostfleet/internal/demo"
	"github.com/Sh00ty/hostfleet/internal/models"
)

type Config struct {
	LoggerLevel  string        `envconfig:"LOGGER_LEVEL"`
	Hostname     string        `envconfig:"HOSTNAME"`
	TickInterval time.Duration `envconfig:"TICK_INTERVAL,default=30s"`
}

func loggerLevelFromString(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	appCfg := Config{}
	if err := envconfig.Init(&appCfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	if appCfg.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to determine hostname")
		}
		appCfg.Hostname = hostname
	}

	repo := demo.NewRepository([]models.ContainerSpec{
		{Hostname: appCfg.Hostname + "-1", NodeState: models.StateActive},
		{Hostname: appCfg.Hostname + "-2", NodeState: models.StateActive},
	})
	orchestrator := demo.Orchestrator{}
	admin := demo.NewNodeAdmin()

	loop := convergence.New(appCfg.Hostname, repo, orchestrator, admin, log.Logger)
	if err := loop.Start(appCfg.TickInterval); err != nil {
		log.Fatal().Err(err).Msg("failed to start convergence loop")
	}

	log.Info().Str("host", appCfg.Hostname).Dur("tick_interval", appCfg.TickInterval).Msg("hostagentd running")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if err := loop.Stop(); err != nil {
		log.Error().Err(err).Msg("error stopping convergence loop")
	}
}
