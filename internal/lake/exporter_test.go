package lake

import (
	"strings"
	"testing"
	"time"

	"candleflow/internal/models"
	"candleflow/logger"
)

func TestObjectKeyPartitioning(t *testing.T) {
	e := &Exporter{prefix: "lake", log: logger.Logger()}
	date := time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)

	key := e.objectKey("BTCUSDT", models.Timeframe1h, date)

	wantPrefix := "lake/exchange=binance/symbol=BTCUSDT/tf=1h/date=2024-07-15/BTCUSDT_klines_2024-07-15_"
	if !strings.HasPrefix(key, wantPrefix) {
		t.Errorf("key %q does not start with %q", key, wantPrefix)
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Errorf("key %q missing parquet suffix", key)
	}
}

func TestCreateParquetFile(t *testing.T) {
	e := &Exporter{compression: "snappy", log: logger.Logger()}

	candles := []models.Candle{
		{
			Exchange:  models.Exchange,
			Symbol:    "BTCUSDT",
			Timestamp: time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC),
			Open:      1, High: 2, Low: 0.5, Close: 1.5, Volume: 10,
		},
		{
			Exchange:  models.Exchange,
			Symbol:    "BTCUSDT",
			Timestamp: time.Date(2024, 7, 15, 1, 0, 0, 0, time.UTC),
			Open:      1.5, High: 3, Low: 1, Close: 2.5, Volume: 20,
		},
	}

	data, err := e.createParquetFile(candles)
	if err != nil {
		t.Fatalf("create parquet: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet output")
	}
	// Parquet files end with the PAR1 magic.
	if !strings.HasSuffix(string(data), "PAR1") {
		t.Errorf("output does not look like a parquet file")
	}
}
