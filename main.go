package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"candleflow/config"
	"candleflow/internal/archive"
	"candleflow/internal/cache"
	"candleflow/internal/jobs"
	"candleflow/internal/lake"
	"candleflow/internal/metrics"
	"candleflow/internal/models"
	"candleflow/internal/pipeline"
	"candleflow/internal/planner"
	"candleflow/internal/server"
	"candleflow/internal/store"
	"candleflow/internal/symbols"
	"candleflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	serve := flag.Bool("serve", false, "Run the HTTP API server instead of a one-shot batch fetch")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	symbolList := flag.String("symbols", "", "Comma-separated symbols to fetch")
	allSymbols := flag.Bool("all-symbols", false, "Fetch every trading perpetual symbol")
	intervals := flag.String("intervals", "", "Comma-separated timeframes (1m,5m,15m,1h,4h,1d)")
	startDate := flag.String("start-date", "", "First day to fetch (YYYY-MM-DD)")
	endDate := flag.String("end-date", "", "Last day to fetch (YYYY-MM-DD)")
	dataType := flag.String("data-type", models.DataTypeUM, "Archive namespace: um or cm")
	dryRun := flag.Bool("dry-run", false, "Plan the missing windows without fetching")
	abortOnError := flag.Bool("abort-on-error", false, "Stop the run on the first window failure")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Candleflow.Name,
		"version":     cfg.Candleflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting candleflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.CloudWatch {
		metrics.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Metrics.Dashboard)
	}

	db, err := store.Open(cfg.Database.DSN(), log)
	if err != nil {
		log.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx, models.SupportedTimeframes); err != nil {
		log.WithError(err).Error("failed to ensure database schema")
		os.Exit(1)
	}

	var mirror *cache.Mirror
	if cfg.Cache.Mirror {
		mirror, err = cache.NewMirror(ctx, cfg.Storage.S3, log)
		if err != nil {
			log.WithError(err).Error("failed to create cache mirror")
			os.Exit(1)
		}
	}

	archiveCache, err := cache.NewStore(cfg.Cache, mirror, log)
	if err != nil {
		log.WithError(err).Error("failed to create archive cache")
		os.Exit(1)
	}

	var exporter pipeline.Exporter
	if cfg.Lake.Enabled {
		lakeExporter, err := lake.NewExporter(ctx, cfg, log)
		if err != nil {
			log.WithError(err).Error("failed to create lake exporter")
			os.Exit(1)
		}
		exporter = lakeExporter
	} else {
		log.WithComponent("main").Info("lake export disabled")
	}

	client := archive.NewClient(cfg.Archive, log)
	catalog := symbols.NewCatalog(log)
	pipe := pipeline.New(cfg, client, archiveCache, planner.New(db), db, exporter, log)

	tracker := jobs.NewTracker(cfg.Jobs, pipe, log)
	if err := tracker.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start job tracker")
		os.Exit(1)
	}

	if *serve {
		runServer(ctx, cancel, cfg, tracker, catalog, db, log)
		return
	}

	req, err := buildRequest(ctx, catalog, *symbolList, *allSymbols, *intervals, *startDate, *endDate, *dataType, *dryRun, *abortOnError)
	if err != nil {
		log.WithError(err).Error("invalid fetch request")
		os.Exit(1)
	}
	runBatch(ctx, cancel, tracker, req, log)
}

// buildRequest assembles and validates the batch-mode request from CLI flags,
// resolving symbols against the exchange catalog.
func buildRequest(ctx context.Context, catalog *symbols.Catalog, symbolList string, allSymbols bool, intervals, startDate, endDate, dataType string, dryRun, abortOnError bool) (models.FetchRequest, error) {
	req := models.FetchRequest{
		AllSymbols:   allSymbols,
		DataType:     dataType,
		DryRun:       dryRun,
		AbortOnError: abortOnError,
	}

	for _, s := range strings.Split(symbolList, ",") {
		if s = strings.TrimSpace(s); s != "" {
			req.Symbols = append(req.Symbols, s)
		}
	}

	rawIntervals := intervals
	if rawIntervals == "" {
		rawIntervals = "1h"
	}
	for _, raw := range strings.Split(rawIntervals, ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		tf, err := models.ParseTimeframe(raw)
		if err != nil {
			return req, err
		}
		req.Intervals = append(req.Intervals, tf)
	}

	var err error
	if startDate != "" {
		if req.StartDate, err = models.ParseDate(startDate); err != nil {
			return req, err
		}
	}
	if endDate != "" {
		if req.EndDate, err = models.ParseDate(endDate); err != nil {
			return req, err
		}
	}

	req.Normalize(time.Now())

	if req.AllSymbols {
		all, err := catalog.Perpetuals(ctx)
		if err != nil {
			return req, err
		}
		req.Symbols = all
		req.AllSymbols = false
	} else if len(req.Symbols) > 0 {
		valid, unknown, err := catalog.Validate(ctx, req.Symbols)
		if err != nil {
			return req, err
		}
		if len(unknown) > 0 {
			logger.GetLogger().WithComponent("main").WithFields(logger.Fields{
				"symbols": strings.Join(unknown, ","),
			}).Warn("ignoring unknown symbols")
		}
		req.Symbols = valid
	}

	return req, req.Validate()
}

// runBatch executes one request to completion, cancelling it on SIGINT or
// SIGTERM, and exits non-zero when the job fails.
func runBatch(ctx context.Context, cancel context.CancelFunc, tracker *jobs.Tracker, req models.FetchRequest, log *logger.Log) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	}()

	job, err := tracker.SubmitAndWait(ctx, req)
	tracker.Stop()
	if err != nil {
		log.WithError(err).Error("fetch run aborted")
		os.Exit(1)
	}

	totals := job.Totals()
	log.WithComponent("main").WithFields(logger.Fields{
		"job_id":          job.ID,
		"status":          string(job.Status),
		"windows_planned": totals.WindowsPlanned,
		"windows_fetched": totals.WindowsFetched,
		"windows_cached":  totals.WindowsCached,
		"windows_missing": totals.WindowsMissing,
		"windows_failed":  totals.WindowsFailed,
		"rows_inserted":   totals.RowsInserted,
		"rows_duplicate":  totals.RowsDuplicate,
		"rows_malformed":  totals.RowsMalformed,
	}).Info("fetch run finished")

	if job.Status == models.JobFailed {
		log.WithComponent("main").WithFields(logger.Fields{"error": job.Error}).Error("fetch run failed")
		os.Exit(1)
	}
}

// runServer hosts the HTTP API until a shutdown signal arrives.
func runServer(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, tracker *jobs.Tracker, catalog *symbols.Catalog, db *store.Store, log *logger.Log) {
	srv := server.New(cfg.Server, tracker, catalog, db, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		log.Info("starting graceful shutdown")
		cancel()
		select {
		case <-errCh:
		case <-time.After(30 * time.Second):
			log.Warn("graceful shutdown timeout exceeded")
		}
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("http server failed")
		}
		cancel()
	}

	tracker.Stop()
	log.Info("candleflow stopped")
}
