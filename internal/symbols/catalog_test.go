package symbols

import (
	"context"
	"errors"
	"testing"
	"time"

	"candleflow/logger"
)

func newFakeCatalog(symbols []string, err error) (*Catalog, *int) {
	calls := 0
	c := &Catalog{
		fetch: func(ctx context.Context) ([]string, error) {
			calls++
			return symbols, err
		},
		log: logger.Logger(),
	}
	return c, &calls
}

func TestPerpetualsCached(t *testing.T) {
	c, calls := newFakeCatalog([]string{"BTCUSDT", "ETHUSDT"}, nil)

	for i := 0; i < 3; i++ {
		got, err := c.Perpetuals(context.Background())
		if err != nil {
			t.Fatalf("perpetuals: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d symbols, want 2", len(got))
		}
	}
	if *calls != 1 {
		t.Errorf("exchange info fetched %d times, want 1", *calls)
	}
}

func TestPerpetualsServesStaleOnError(t *testing.T) {
	c, _ := newFakeCatalog([]string{"BTCUSDT"}, nil)
	if _, err := c.Perpetuals(context.Background()); err != nil {
		t.Fatalf("warm up: %v", err)
	}

	c.fetch = func(ctx context.Context) ([]string, error) {
		return nil, errors.New("exchange down")
	}
	c.fetchedAt = time.Now().Add(-time.Hour)

	got, err := c.Perpetuals(context.Background())
	if err != nil {
		t.Fatalf("expected stale catalog, got error %v", err)
	}
	if len(got) != 1 || got[0] != "BTCUSDT" {
		t.Errorf("unexpected stale catalog %v", got)
	}
}

func TestValidate(t *testing.T) {
	c, _ := newFakeCatalog([]string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, nil)

	valid, unknown, err := c.Validate(context.Background(), []string{"btcusdt", " ETHUSDT ", "DOGEUSDT", "btcusdt"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(valid) != 2 || valid[0] != "BTCUSDT" || valid[1] != "ETHUSDT" {
		t.Errorf("valid = %v", valid)
	}
	if len(unknown) != 1 || unknown[0] != "DOGEUSDT" {
		t.Errorf("unknown = %v", unknown)
	}
}

func TestValidateAllUnknown(t *testing.T) {
	c, _ := newFakeCatalog([]string{"BTCUSDT"}, nil)
	if _, _, err := c.Validate(context.Background(), []string{"NOPEUSDT"}); err == nil {
		t.Fatal("expected error when nothing valid remains")
	}
}

func TestTradingViewPerp(t *testing.T) {
	c, _ := newFakeCatalog([]string{"BTCUSDT", "ETHUSDT"}, nil)
	got, err := c.TradingViewPerp(context.Background())
	if err != nil {
		t.Fatalf("tradingview: %v", err)
	}
	want := "BINANCE:BTCUSDT.P,BINANCE:ETHUSDT.P"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
