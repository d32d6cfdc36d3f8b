package parser

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"candleflow/internal/models"
)

// Result carries the parsed candles of one daily archive plus the rows that
// could not be decoded. Malformed rows are skipped, not fatal; the caller
// decides whether an archive with defects aborts the run.
type Result struct {
	Candles   []models.Candle
	Malformed int
	RowErrors []string
}

const maxRowErrors = 10

// Parse decodes a daily kline zip archive into candles. The archive is
// expected to contain a single CSV file whose first seven columns are
// open time, open, high, low, close, volume and close time; any further
// columns are ignored. Open times are epoch milliseconds, except some
// archives that ship microseconds, which are detected by magnitude.
func Parse(data []byte, symbol string, tf models.Timeframe) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening zip archive: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("zip archive is empty")
	}

	f, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", zr.File[0].Name, err)
	}
	defer f.Close()

	return parseCSV(f, symbol, tf)
}

func parseCSV(r io.Reader, symbol string, tf models.Timeframe) (*Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	res := &Result{}
	first := true
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Malformed++
			res.addRowError(fmt.Sprintf("csv: %v", err))
			continue
		}

		// Some archive files carry a header row, some do not.
		if first {
			first = false
			if len(record) > 0 {
				if _, err := strconv.ParseInt(record[0], 10, 64); err != nil {
					continue
				}
			}
		}

		candle, err := parseRow(record, symbol, tf)
		if err != nil {
			res.Malformed++
			res.addRowError(err.Error())
			continue
		}
		res.Candles = append(res.Candles, candle)
	}
	return res, nil
}

func parseRow(record []string, symbol string, tf models.Timeframe) (models.Candle, error) {
	if len(record) < 7 {
		return models.Candle{}, fmt.Errorf("row has %d columns, want at least 7", len(record))
	}

	openTime, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("open time %q: %w", record[0], err)
	}

	var fields [5]float64
	names := [5]string{"open", "high", "low", "close", "volume"}
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("%s %q: %w", names[i], record[i+1], err)
		}
		fields[i] = v
	}

	if fields[1] < fields[2] {
		return models.Candle{}, fmt.Errorf("high %v below low %v", fields[1], fields[2])
	}

	return models.Candle{
		Exchange:  models.Exchange,
		Symbol:    symbol,
		Timestamp: epochToTime(openTime),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

// epochToTime converts an archive open time to UTC. Values above 1e15 are
// microseconds, the unit newer archive files switched to.
func epochToTime(v int64) time.Time {
	if v > 1e15 {
		return time.UnixMicro(v).UTC()
	}
	return time.UnixMilli(v).UTC()
}

func (r *Result) addRowError(msg string) {
	if len(r.RowErrors) < maxRowErrors {
		r.RowErrors = append(r.RowErrors, msg)
	}
}
