package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/forgelabs/sumforge/internal/api"
	"github.com/forgelabs/sumforge/internal/auth"
	"github.com/forgelabs/sumforge/internal/config"
	"github.com/forgelabs/sumforge/internal/engine"
	"github.com/forgelabs/sumforge/internal/history"
	"github.com/forgelabs/sumforge/internal/idempotency"
	"github.com/forgelabs/sumforge/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("sumforge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.HistoryDBPath,
		"workers", cfg.Workers,
	)

	hist, err := history.NewSQLiteStore(cfg.HistoryDBPath)
	if err != nil {
		log.Fatalf("failed to open history database: %v", err)
	}
	defer hist.Close()

	jobs := store.New()
	idem := idempotency.New(cfg.Retention)

	eng := engine.New(jobs, hist, logger, engine.Options{
		Workers:      cfg.Workers,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		JobTimeout:   cfg.JobTimeout,
		Retention:    cfg.Retention,
	})
	defer eng.Close()

	sweepCtx, stopSweepers := context.WithCancel(context.Background())
	defer stopSweepers()
	go eng.RunSweeper(sweepCtx, cfg.SweepInterval)
	go runIdempotencySweeper(sweepCtx, idem, cfg.SweepInterval)

	srv := api.NewServer(api.Options{
		Addr:       cfg.ListenAddr,
		AuthLimits: cfg.AuthLimits,
		DemoLimits: cfg.DemoLimits,
		AuthRate:   cfg.AuthRate,
		DemoRate:   cfg.DemoRate,
	}, jobs, hist, eng, auth.NewStaticVerifier(cfg.AuthTokens), idem, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// runIdempotencySweeper periodically drops expired idempotency records.
func runIdempotencySweeper(ctx context.Context, idem *idempotency.Cache, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			idem.Sweep(now)
		}
	}
}
