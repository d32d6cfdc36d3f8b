package models

import (
	"fmt"
	"strings"
	"time"
)

// Data types select the remote archive namespace: USD-margined or
// coin-margined futures.
const (
	DataTypeUM = "um"
	DataTypeCM = "cm"
)

// DefaultStartDate is the epoch floor used when a request does not name a
// start date. Binance futures daily archives begin around the end of 2019.
const DefaultStartDate = "2019-12-31"

const dateLayout = "2006-01-02"

// FetchRequest describes one ingestion run: which symbols and timeframes to
// cover for a closed date range. Symbols and AllSymbols are mutually
// exclusive.
type FetchRequest struct {
	Symbols      []string    `json:"symbols,omitempty"`
	AllSymbols   bool        `json:"all_symbols,omitempty"`
	Intervals    []Timeframe `json:"intervals"`
	StartDate    time.Time   `json:"start_date"`
	EndDate      time.Time   `json:"end_date"`
	DataType     string      `json:"data_type"`
	DryRun       bool        `json:"dry_run,omitempty"`
	AbortOnError bool        `json:"abort_on_error,omitempty"`

	// Timeout is an optional wall-clock deadline for the whole job. Zero
	// means no deadline; remaining windows are abandoned once it expires.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ParseDate parses a YYYY-MM-DD date string as a UTC midnight instant.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

// FormatDate renders a date in the YYYY-MM-DD form used by the archive paths
// and the cache layout.
func FormatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// Normalize fills request defaults: the epoch floor start date, today as the
// end date, the um archive namespace, and uppercased symbols.
func (r *FetchRequest) Normalize(now time.Time) {
	if r.StartDate.IsZero() {
		r.StartDate, _ = ParseDate(DefaultStartDate)
	}
	if r.EndDate.IsZero() {
		r.EndDate = now.UTC().Truncate(24 * time.Hour)
	}
	if r.DataType == "" {
		r.DataType = DataTypeUM
	}
	for i, s := range r.Symbols {
		r.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

// Validate rejects malformed requests before any ingestion work begins.
// Validation failures are surfaced synchronously and never create a job.
func (r *FetchRequest) Validate() error {
	if r.AllSymbols && len(r.Symbols) > 0 {
		return fmt.Errorf("cannot specify both symbols and all_symbols")
	}
	if !r.AllSymbols && len(r.Symbols) == 0 {
		return fmt.Errorf("must specify either symbols or all_symbols")
	}
	if len(r.Intervals) == 0 {
		return fmt.Errorf("at least one interval is required")
	}
	for _, tf := range r.Intervals {
		if _, err := ParseTimeframe(string(tf)); err != nil {
			return err
		}
	}
	if r.DataType != DataTypeUM && r.DataType != DataTypeCM {
		return fmt.Errorf("invalid data_type %q: must be um or cm", r.DataType)
	}
	if r.EndDate.Before(r.StartDate) {
		return fmt.Errorf("end_date %s is before start_date %s",
			FormatDate(r.EndDate), FormatDate(r.StartDate))
	}
	if r.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}
