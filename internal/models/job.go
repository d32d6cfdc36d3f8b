package models

import (
	"fmt"
	"time"
)

// JobStatus tracks the lifecycle of an asynchronous ingestion run.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status will never change again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// PairKey identifies one (symbol, timeframe) unit of work within a job.
type PairKey struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
}

func (k PairKey) String() string {
	return fmt.Sprintf("%s/%s", k.Symbol, k.Timeframe)
}

// PairStats accumulates per-pair ingestion counters. WindowsPlanned counts
// the missing dates the planner produced; fetched/cached/missing partition
// how each window's bytes were obtained.
type PairStats struct {
	RowsInserted   int64    `json:"rows_inserted"`
	RowsDuplicate  int64    `json:"rows_duplicate"`
	RowsMalformed  int64    `json:"rows_malformed"`
	WindowsPlanned int      `json:"windows_planned"`
	WindowsFetched int      `json:"windows_fetched"`
	WindowsCached  int      `json:"windows_cached"`
	WindowsMissing int      `json:"windows_missing"`
	WindowsFailed  int      `json:"windows_failed"`
	Errors         []string `json:"errors,omitempty"`
}

// Add folds another stats value into this one.
func (s *PairStats) Add(o PairStats) {
	s.RowsInserted += o.RowsInserted
	s.RowsDuplicate += o.RowsDuplicate
	s.RowsMalformed += o.RowsMalformed
	s.WindowsPlanned += o.WindowsPlanned
	s.WindowsFetched += o.WindowsFetched
	s.WindowsCached += o.WindowsCached
	s.WindowsMissing += o.WindowsMissing
	s.WindowsFailed += o.WindowsFailed
	s.Errors = append(s.Errors, o.Errors...)
}

// FetchJob is one tracked orchestration run. It is mutated only by the
// ingestion pipeline while running and becomes immutable once the status is
// terminal; callers read it through tracker snapshots.
type FetchJob struct {
	ID         string                `json:"id"`
	Request    FetchRequest          `json:"request"`
	Status     JobStatus             `json:"status"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	StartedAt  time.Time             `json:"started_at,omitempty"`
	FinishedAt time.Time             `json:"finished_at,omitempty"`
	Pairs      map[string]*PairStats `json:"pairs"`
}

// Totals aggregates all per-pair statistics.
func (j *FetchJob) Totals() PairStats {
	var total PairStats
	for _, s := range j.Pairs {
		total.Add(*s)
	}
	return total
}

// Clone returns a deep copy so concurrent readers never observe the pipeline
// mutating a job mid-read.
func (j *FetchJob) Clone() *FetchJob {
	cp := *j
	cp.Request.Symbols = append([]string(nil), j.Request.Symbols...)
	cp.Request.Intervals = append([]Timeframe(nil), j.Request.Intervals...)
	cp.Pairs = make(map[string]*PairStats, len(j.Pairs))
	for k, s := range j.Pairs {
		sc := *s
		sc.Errors = append([]string(nil), s.Errors...)
		cp.Pairs[k] = &sc
	}
	return &cp
}
