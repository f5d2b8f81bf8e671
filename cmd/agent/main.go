// Command agent is the resale-agent process entrypoint: it loads
// configuration, opens the store, wires the engine, and runs until an
// interrupt or termination signal arrives.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/resale-agent/internal/config"
	"github.com/adred-codev/resale-agent/internal/engine"
	"github.com/adred-codev/resale-agent/internal/logging"
	"github.com/adred-codev/resale-agent/internal/metrics"
	"github.com/adred-codev/resale-agent/internal/store"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogFields(logger)

	// automaxprocs rounds GOMAXPROCS down to the container's CPU limit; log
	// the resolved value same as the teacher's single-process entrypoint.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("runtime configured")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	eng, err := engine.New(cfg, st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := metrics.StartServer(ctx, cfg.MetricsAddr); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- eng.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("engine stopped with error")
		}
	}

	logger.Info().Msg("shutdown complete")
}
