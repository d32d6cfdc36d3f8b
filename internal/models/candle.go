package models

import (
	"fmt"
	"time"
)

// Exchange is fixed per deployment; the archive only serves Binance futures data.
const Exchange = "binance"

// Timeframe identifies the fixed interval width of a candle series.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// SupportedTimeframes lists every timeframe the ingester can fetch and store,
// in ascending interval order.
var SupportedTimeframes = []Timeframe{
	Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d,
}

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// ParseTimeframe converts an interval string such as "1m" or "1d" into a
// Timeframe, rejecting anything outside the supported set.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the interval width of one candle.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// RowsPerDay returns the number of candles a complete calendar day holds for
// this timeframe. The coverage planner treats a stored day with fewer rows as
// missing.
func (tf Timeframe) RowsPerDay() int {
	return int(24 * time.Hour / tf.Duration())
}

// TableName returns the per-timeframe hypertable the candles are stored in.
func (tf Timeframe) TableName() string {
	return "futures_data_" + string(tf)
}

func (tf Timeframe) String() string { return string(tf) }

// Candle is one OHLCV observation. Timestamp is the interval-open instant in
// UTC; (Exchange, Symbol, Timestamp) is the primary key within a timeframe
// table and a committed row is never mutated.
type Candle struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}
