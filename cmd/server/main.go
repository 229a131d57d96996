// Package main is the entry point for the catalyst trading-cycle engine.
// It wires the store, the downstream service clients, the cycle engine and
// the background loops, then serves the operator API until a shutdown
// signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/catalyst/internal/alerting"
	"github.com/aristath/catalyst/internal/clients"
	"github.com/aristath/catalyst/internal/config"
	"github.com/aristath/catalyst/internal/cycle"
	"github.com/aristath/catalyst/internal/database"
	"github.com/aristath/catalyst/internal/health"
	"github.com/aristath/catalyst/internal/metrics"
	"github.com/aristath/catalyst/internal/news"
	"github.com/aristath/catalyst/internal/positions"
	"github.com/aristath/catalyst/internal/reducer"
	"github.com/aristath/catalyst/internal/riskparams"
	"github.com/aristath/catalyst/internal/scheduler"
	"github.com/aristath/catalyst/internal/server"
	"github.com/aristath/catalyst/internal/store"
	"github.com/aristath/catalyst/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Int("port", cfg.Port).Str("data_dir", cfg.DataDir).Msg("Starting catalyst")

	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "catalyst.db"),
		Name: "catalyst",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	gateway := store.New(db, log)

	client := clients.New(cfg.Services, log)
	if cfg.BrokerAPIKey != "" {
		client.SetBrokerCredentials(cfg.BrokerAPIKey, cfg.BrokerAPISecret)
	}

	// Emergency events fan out to the SMTP sink as they are persisted.
	sink := alerting.New(cfg.Alerting, log)
	if sink.Enabled() {
		gateway.SetEventNotifier(sink.Notify)
		log.Info().Msg("Emergency alerting enabled")
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	monitor := health.New(client, log)
	monitor.Start(rootCtx)

	params := riskparams.New(gateway, log)
	red := reducer.New(gateway, client, monitor, params, log)
	coordinator := positions.New(gateway, client, params, log)
	engine := cycle.New(gateway, red, coordinator, log)

	// A cycle that was running when the process last stopped resumes ticking.
	if active, err := gateway.LoadActiveCycle(rootCtx); err != nil {
		log.Error().Err(err).Msg("Failed to load active cycle")
	} else if active != nil {
		engine.Attach(active)
	}

	sched := scheduler.New(rootCtx, log)
	registerJobs(sched, cfg, log,
		news.NewIntake(gateway, client, log),
		news.NewImpact(gateway, client, log),
		positions.NewMarkToMarket(gateway, client, coordinator, log),
		metrics.NewDailyRollup(gateway, log),
	)
	sched.Start()

	srv := server.New(server.Config{
		Log:     log,
		Gateway: gateway,
		Engine:  engine,
		Monitor: monitor,
		Client:  client,
		Params:  params,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Leave any running cycle in the store so the next process re-attaches.
	engine.Shutdown()
	cancelRoot()
	sched.Stop()
	monitor.Stop()

	log.Info().Msg("Shutdown complete")
}

// registerJobs puts the background loops on the cron runner at their
// configured cadences. The rollup runs once after the close, exchange time
// being irrelevant here since the job reads by UTC trade date.
func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, log zerolog.Logger, intake *news.Intake, impact *news.Impact, mark *positions.MarkToMarket, rollup *metrics.DailyRollup) {
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"@every " + cfg.NewsIngestInterval.String(), intake},
		{"@every " + cfg.NewsImpactInterval.String(), impact},
		{"@every " + cfg.MarkToMarketInterval.String(), mark},
		{"0 30 21 * * MON-FRI", rollup},
	}
	for _, j := range jobs {
		if err := sched.Add(j.schedule, j.job); err != nil {
			log.Fatal().Err(err).Str("job", j.job.Name()).Msg("Failed to register job")
		}
	}
}
