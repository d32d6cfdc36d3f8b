package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"candleflow/config"
	"candleflow/internal/archive"
	"candleflow/internal/cache"
	"candleflow/internal/metrics"
	"candleflow/internal/models"
	"candleflow/internal/parser"
	"candleflow/logger"
)

// Fetcher downloads one daily archive from the remote archive.
type Fetcher interface {
	Fetch(ctx context.Context, dataType, symbol string, tf models.Timeframe, date time.Time) ([]byte, error)
}

// Cache serves archive bytes from disk, falling back to the fetch function.
type Cache interface {
	GetOrFetch(ctx context.Context, key string, fetch cache.FetchFunc) (data []byte, fromCache bool, err error)
}

// WindowPlanner computes which daily windows still need loading.
type WindowPlanner interface {
	Plan(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]time.Time, error)
}

// Inserter commits one day of candles, skipping rows that already exist.
type Inserter interface {
	InsertDay(ctx context.Context, tf models.Timeframe, candles []models.Candle) (int64, error)
}

// Exporter ships a completed daily window to the data lake.
type Exporter interface {
	ExportDay(ctx context.Context, symbol string, tf models.Timeframe, date time.Time, candles []models.Candle) error
}

// ReportFunc lets the pipeline publish per-pair progress. apply runs under
// the job tracker's lock.
type ReportFunc func(pair models.PairKey, apply func(*models.PairStats))

// Pipeline drives one fetch request end to end: plan the missing windows per
// symbol and timeframe pair, download or reuse each daily archive, parse it
// and load it into the store. Pairs run on a bounded worker pool; days within
// a pair run sequentially, oldest first.
type Pipeline struct {
	cfg     *config.Config
	archive Fetcher
	cache   Cache
	planner WindowPlanner
	store   Inserter
	lake    Exporter
	log     *logger.Log
}

// New wires a pipeline. lake may be nil when export is disabled.
func New(cfg *config.Config, fetcher Fetcher, c Cache, planner WindowPlanner, store Inserter, lake Exporter, log *logger.Log) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		archive: fetcher,
		cache:   c,
		planner: planner,
		store:   store,
		lake:    lake,
		log:     log,
	}
}

// Run processes a normalized, validated request. Per-window failures are
// recorded in the pair stats and do not stop the run unless the request asks
// to abort on error. The returned error marks the whole job as failed.
func (p *Pipeline) Run(ctx context.Context, req models.FetchRequest, report ReportFunc) error {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	pairs := make([]models.PairKey, 0, len(req.Symbols)*len(req.Intervals))
	for _, symbol := range req.Symbols {
		for _, tf := range req.Intervals {
			pairs = append(pairs, models.PairKey{Symbol: symbol, Timeframe: tf})
		}
	}

	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"pairs":      len(pairs),
		"start_date": models.FormatDate(req.StartDate),
		"end_date":   models.FormatDate(req.EndDate),
		"data_type":  req.DataType,
		"dry_run":    req.DryRun,
	}).Info("starting fetch run")

	workers := p.cfg.Fetcher.MaxWorkers
	if workers > len(pairs) {
		workers = len(pairs)
	}

	pairCh := make(chan models.PairKey)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pair := range pairCh {
				if err := p.runPair(ctx, req, pair, report); err != nil {
					if req.AbortOnError && context.Cause(ctx) == nil {
						cancel(fmt.Errorf("pair %s: %w", pair, err))
					}
				}
			}
		}()
	}

	for _, pair := range pairs {
		select {
		case <-ctx.Done():
		case pairCh <- pair:
		}
	}
	close(pairCh)
	wg.Wait()

	// Cancellation and deadline expiry fail the job the same way an abort
	// cause does; an interrupted run has not loaded everything it planned.
	return context.Cause(ctx)
}

func (p *Pipeline) runPair(ctx context.Context, req models.FetchRequest, pair models.PairKey, report ReportFunc) error {
	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"symbol":    pair.Symbol,
		"timeframe": string(pair.Timeframe),
	})

	days, err := p.planner.Plan(ctx, pair.Symbol, pair.Timeframe, req.StartDate, req.EndDate)
	if err != nil {
		report(pair, func(s *models.PairStats) {
			s.Errors = append(s.Errors, fmt.Sprintf("plan: %v", err))
		})
		log.WithError(err).Error("planning failed")
		return err
	}

	report(pair, func(s *models.PairStats) { s.WindowsPlanned = len(days) })
	log.WithFields(logger.Fields{"windows": len(days)}).Info("pair planned")

	if req.DryRun {
		return nil
	}

	start := time.Now()
	var failed error
	for _, day := range days {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.runWindow(ctx, req, pair, day, report); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report(pair, func(s *models.PairStats) {
				s.WindowsFailed++
				s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", models.FormatDate(day), err))
			})
			log.WithFields(logger.Fields{
				"date": models.FormatDate(day),
			}).WithError(err).Error("window failed")
			if failed == nil {
				failed = err
			}
			if req.AbortOnError {
				return err
			}
		}
	}

	logger.LogPerformanceEntry(log, "pipeline", "run_pair", time.Since(start), logger.Fields{
		"windows": len(days),
	})
	return failed
}

func (p *Pipeline) runWindow(ctx context.Context, req models.FetchRequest, pair models.PairKey, day time.Time, report ReportFunc) error {
	key := cache.Key(req.DataType, pair.Symbol, pair.Timeframe, day)

	data, fromCache, err := p.cache.GetOrFetch(ctx, key, func(ctx context.Context) ([]byte, error) {
		return p.archive.Fetch(ctx, req.DataType, pair.Symbol, pair.Timeframe, day)
	})
	if errors.Is(err, archive.ErrNotFound) {
		report(pair, func(s *models.PairStats) { s.WindowsMissing++ })
		metrics.EmitMetric("pipeline", "windows_missing", 1, logger.Fields{"symbol": pair.Symbol})
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	res, err := parser.Parse(data, pair.Symbol, pair.Timeframe)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if res.Malformed > 0 {
		report(pair, func(s *models.PairStats) { s.RowsMalformed += int64(res.Malformed) })
		if p.cfg.Fetcher.AbortOnMalformed {
			return fmt.Errorf("archive contains %d malformed rows (%s)", res.Malformed, res.RowErrors[0])
		}
		p.log.WithComponent("pipeline").WithFields(logger.Fields{
			"symbol":    pair.Symbol,
			"timeframe": string(pair.Timeframe),
			"date":      models.FormatDate(day),
			"malformed": res.Malformed,
			"sample":    res.RowErrors,
		}).Warn("skipping malformed rows")
	}

	candles, batchDupes := dedupe(res.Candles)

	inserted, err := p.store.InsertDay(ctx, pair.Timeframe, candles)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	existing := int64(len(candles)) - inserted

	report(pair, func(s *models.PairStats) {
		if fromCache {
			s.WindowsCached++
		} else {
			s.WindowsFetched++
		}
		s.RowsInserted += inserted
		s.RowsDuplicate += existing + batchDupes
	})

	if fromCache {
		metrics.EmitMetric("pipeline", "windows_cached", 1, logger.Fields{"symbol": pair.Symbol})
	} else {
		metrics.EmitMetric("pipeline", "windows_fetched", 1, logger.Fields{"symbol": pair.Symbol})
	}

	if p.lake != nil && len(candles) > 0 {
		// Lake export is best effort; the store already holds the rows.
		if err := p.lake.ExportDay(ctx, pair.Symbol, pair.Timeframe, day, candles); err != nil {
			p.log.WithComponent("pipeline").WithFields(logger.Fields{
				"symbol": pair.Symbol,
				"date":   models.FormatDate(day),
			}).WithError(err).Warn("lake export failed")
		}
	}
	return nil
}

// dedupe drops candles whose open time repeats within one archive file,
// keeping the first occurrence. Row order is preserved.
func dedupe(candles []models.Candle) ([]models.Candle, int64) {
	seen := make(map[int64]struct{}, len(candles))
	out := candles[:0]
	var dupes int64
	for _, c := range candles {
		ts := c.Timestamp.UnixMilli()
		if _, ok := seen[ts]; ok {
			dupes++
			continue
		}
		seen[ts] = struct{}{}
		out = append(out, c)
	}
	return out, dupes
}
