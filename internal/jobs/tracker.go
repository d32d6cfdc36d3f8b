package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"candleflow/config"
	"candleflow/internal/models"
	"candleflow/internal/pipeline"
	"candleflow/logger"
)

// Runner executes one fetch request, reporting per-pair progress.
type Runner interface {
	Run(ctx context.Context, req models.FetchRequest, report pipeline.ReportFunc) error
}

// Tracker owns the lifecycle of asynchronous fetch jobs: it assigns ids,
// runs each accepted request on its own goroutine and serves consistent
// snapshots to the API. Terminal jobs are retained in memory up to the
// configured bound, oldest evicted first.
type Tracker struct {
	runner    Runner
	retention int
	log       *logger.Log

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	jobs    map[string]*models.FetchJob
	done    map[string]chan struct{}
	order   []string
	seq     int64
}

// NewTracker creates a tracker; Start must be called before Submit.
func NewTracker(cfg config.JobsConfig, runner Runner, log *logger.Log) *Tracker {
	return &Tracker{
		runner:    runner,
		retention: cfg.Retention,
		log:       log,
		jobs:      map[string]*models.FetchJob{},
		done:      map[string]chan struct{}{},
	}
}

// Start binds the tracker to its base context. Jobs submitted later are
// cancelled when this context ends.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("job tracker already running")
	}
	t.running = true
	t.ctx = ctx
	t.log.WithComponent("jobs").Debug("job tracker started")
	return nil
}

// Stop waits for in-flight jobs to finish. Cancel the Start context first to
// interrupt them.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	t.log.WithComponent("jobs").Debug("waiting for running jobs")
	t.wg.Wait()
	t.log.WithComponent("jobs").Debug("job tracker stopped")
}

// Submit accepts a normalized, validated request and starts it in the
// background. The returned snapshot carries the assigned job id.
func (t *Tracker) Submit(req models.FetchRequest) (*models.FetchJob, error) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil, fmt.Errorf("job tracker not running")
	}

	seq := atomic.AddInt64(&t.seq, 1)
	job := &models.FetchJob{
		ID:        fmt.Sprintf("fetch_%d_%d", seq, time.Now().Unix()),
		Request:   req,
		Status:    models.JobQueued,
		CreatedAt: time.Now().UTC(),
		Pairs:     map[string]*models.PairStats{},
	}
	t.jobs[job.ID] = job
	t.done[job.ID] = make(chan struct{})
	t.order = append(t.order, job.ID)
	t.evictLocked()
	snapshot := job.Clone()
	ctx := t.ctx
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(ctx, job.ID)

	t.log.WithComponent("jobs").WithFields(logger.Fields{
		"job_id":    job.ID,
		"symbols":   len(req.Symbols),
		"intervals": len(req.Intervals),
	}).Info("job submitted")
	return snapshot, nil
}

func (t *Tracker) run(ctx context.Context, id string) {
	defer t.wg.Done()

	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	job.Status = models.JobRunning
	job.StartedAt = time.Now().UTC()
	req := job.Request
	t.mu.Unlock()

	report := func(pair models.PairKey, apply func(*models.PairStats)) {
		t.mu.Lock()
		defer t.mu.Unlock()
		stats, ok := job.Pairs[pair.String()]
		if !ok {
			stats = &models.PairStats{}
			job.Pairs[pair.String()] = stats
		}
		apply(stats)
	}

	err := t.runner.Run(ctx, req, report)

	t.mu.Lock()
	job.FinishedAt = time.Now().UTC()
	if err != nil {
		job.Status = models.JobFailed
		job.Error = err.Error()
	} else {
		job.Status = models.JobCompleted
	}
	totals := job.Totals()
	status := job.Status
	if ch, ok := t.done[id]; ok {
		close(ch)
	}
	t.mu.Unlock()

	entry := t.log.WithComponent("jobs").WithFields(logger.Fields{
		"job_id":         id,
		"status":         string(status),
		"rows_inserted":  totals.RowsInserted,
		"rows_duplicate": totals.RowsDuplicate,
		"windows_failed": totals.WindowsFailed,
	})
	if err != nil {
		entry.WithError(err).Error("job failed")
	} else {
		entry.Info("job finished")
	}
}

// SubmitAndWait runs a request and blocks until it reaches a terminal state
// or ctx ends. Used for dry runs, where the caller wants the plan back in the
// same request.
func (t *Tracker) SubmitAndWait(ctx context.Context, req models.FetchRequest) (*models.FetchJob, error) {
	job, err := t.Submit(req)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	ch := t.done[job.ID]
	t.mu.RUnlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	snapshot, ok := t.Status(job.ID)
	if !ok {
		return nil, fmt.Errorf("job %s evicted before read", job.ID)
	}
	return snapshot, nil
}

// Status returns a snapshot of one job.
func (t *Tracker) Status(id string) (*models.FetchJob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// Active returns snapshots of all queued and running jobs, oldest first.
func (t *Tracker) Active() []*models.FetchJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var active []*models.FetchJob
	for _, id := range t.order {
		if job, ok := t.jobs[id]; ok && !job.Status.Terminal() {
			active = append(active, job.Clone())
		}
	}
	return active
}

// evictLocked drops the oldest terminal jobs beyond the retention bound.
// Running jobs are never evicted. Caller holds t.mu.
func (t *Tracker) evictLocked() {
	terminal := 0
	for _, id := range t.order {
		if job, ok := t.jobs[id]; ok && job.Status.Terminal() {
			terminal++
		}
	}

	if terminal <= t.retention {
		return
	}

	kept := t.order[:0]
	for _, id := range t.order {
		job, ok := t.jobs[id]
		if !ok {
			continue
		}
		if terminal > t.retention && job.Status.Terminal() {
			delete(t.jobs, id)
			delete(t.done, id)
			terminal--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}
