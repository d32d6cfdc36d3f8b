package symbols

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"candleflow/logger"
)

const cacheTTL = 10 * time.Minute

// Catalog resolves the set of perpetual futures symbols currently trading on
// the exchange. Results are cached for a short TTL so repeated API requests
// and job submissions do not hammer the exchange info endpoint.
type Catalog struct {
	fetch func(ctx context.Context) ([]string, error)
	log   *logger.Log

	mu        sync.Mutex
	cached    []string
	fetchedAt time.Time
}

// NewCatalog builds a catalog backed by the public exchange info endpoint.
// No API key is needed for that endpoint.
func NewCatalog(log *logger.Log) *Catalog {
	client := futures.NewClient("", "")
	return &Catalog{
		fetch: func(ctx context.Context) ([]string, error) {
			return fetchPerpetuals(ctx, client)
		},
		log: log,
	}
}

func fetchPerpetuals(ctx context.Context, client *futures.Client) ([]string, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching exchange info: %w", err)
	}

	var symbols []string
	for _, s := range info.Symbols {
		if s.ContractType == "PERPETUAL" && s.Status == "TRADING" {
			symbols = append(symbols, s.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Perpetuals returns all trading perpetual symbols, sorted. The result is a
// copy; callers may mutate it.
func (c *Catalog) Perpetuals(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.fetchedAt) < cacheTTL {
		return append([]string(nil), c.cached...), nil
	}

	symbols, err := c.fetch(ctx)
	if err != nil {
		// Serve a stale catalog over failing a job outright.
		if c.cached != nil {
			c.log.WithComponent("symbols").WithError(err).Warn("exchange info refresh failed, serving stale catalog")
			return append([]string(nil), c.cached...), nil
		}
		return nil, err
	}

	c.cached = symbols
	c.fetchedAt = time.Now()
	c.log.WithComponent("symbols").WithFields(logger.Fields{
		"count": len(symbols),
	}).Debug("symbol catalog refreshed")
	return append([]string(nil), symbols...), nil
}

// Validate uppercases the requested symbols and keeps only those present in
// the catalog. It errors when nothing valid remains; unknown symbols are
// reported back so callers can tell the difference between a typo and an
// empty request.
func (c *Catalog) Validate(ctx context.Context, requested []string) (valid, unknown []string, err error) {
	known, err := c.Perpetuals(ctx)
	if err != nil {
		return nil, nil, err
	}

	knownSet := make(map[string]struct{}, len(known))
	for _, s := range known {
		knownSet[s] = struct{}{}
	}

	seen := map[string]struct{}{}
	for _, s := range requested {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := knownSet[s]; ok {
			valid = append(valid, s)
		} else {
			unknown = append(unknown, s)
		}
	}

	if len(valid) == 0 {
		return nil, unknown, fmt.Errorf("no valid symbols in request (unknown: %s)", strings.Join(unknown, ", "))
	}
	return valid, unknown, nil
}

// TradingViewPerp renders the catalog as a TradingView watchlist string, one
// entry per perpetual in the form EXCHANGE:SYMBOL.P.
func (c *Catalog) TradingViewPerp(ctx context.Context) (string, error) {
	symbols, err := c.Perpetuals(ctx)
	if err != nil {
		return "", err
	}
	entries := make([]string, len(symbols))
	for i, s := range symbols {
		entries[i] = "BINANCE:" + s + ".P"
	}
	return strings.Join(entries, ","), nil
}
