package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"candleflow/config"
	"candleflow/internal/models"
	"candleflow/logger"
)

type fakeJobs struct {
	submitted []models.FetchRequest
	job       *models.FetchJob
	submitErr error
	active    []*models.FetchJob
}

func (f *fakeJobs) Submit(req models.FetchRequest) (*models.FetchJob, error) {
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.job, nil
}

func (f *fakeJobs) SubmitAndWait(ctx context.Context, req models.FetchRequest) (*models.FetchJob, error) {
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.job, nil
}

func (f *fakeJobs) Status(id string) (*models.FetchJob, bool) {
	if f.job != nil && f.job.ID == id {
		return f.job, true
	}
	return nil, false
}

func (f *fakeJobs) Active() []*models.FetchJob { return f.active }

type fakeSymbols struct {
	perps []string
	err   error
}

func (f *fakeSymbols) Perpetuals(ctx context.Context) ([]string, error) {
	return f.perps, f.err
}

func (f *fakeSymbols) Validate(ctx context.Context, requested []string) ([]string, []string, error) {
	var valid, unknown []string
	known := map[string]bool{}
	for _, s := range f.perps {
		known[s] = true
	}
	for _, s := range requested {
		s = strings.ToUpper(s)
		if known[s] {
			valid = append(valid, s)
		} else {
			unknown = append(unknown, s)
		}
	}
	if len(valid) == 0 {
		return nil, unknown, errors.New("no valid symbols in request")
	}
	return valid, unknown, nil
}

func (f *fakeSymbols) TradingViewPerp(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	entries := make([]string, len(f.perps))
	for i, s := range f.perps {
		entries[i] = "BINANCE:" + s + ".P"
	}
	return strings.Join(entries, ","), nil
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func testJob() *models.FetchJob {
	return &models.FetchJob{
		ID:     "fetch_1_1700000000",
		Status: models.JobQueued,
		Pairs:  map[string]*models.PairStats{},
	}
}

func newTestServer(jobs *fakeJobs, symbols *fakeSymbols, pinger *fakePinger) http.Handler {
	s := New(config.ServerConfig{Addr: ":0"}, jobs, symbols, pinger, logger.Logger())
	return s.buildRouter()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var parsed map[string]any
	if w.Body.Len() > 0 && strings.Contains(w.Header().Get("Content-Type"), "json") {
		if err := json.Unmarshal(w.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("response is not json: %v (%q)", err, w.Body.String())
		}
	}
	return w, parsed
}

func TestFetchAccepted(t *testing.T) {
	jobs := &fakeJobs{job: testJob()}
	h := newTestServer(jobs, &fakeSymbols{perps: []string{"BTCUSDT", "ETHUSDT"}}, &fakePinger{})

	w, resp := doJSON(t, h, http.MethodPost, "/api/fetch", map[string]any{
		"symbols":    []string{"btcusdt"},
		"intervals":  []string{"1h"},
		"start_date": "2024-01-01",
		"end_date":   "2024-01-31",
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202: %s", w.Code, w.Body.String())
	}
	if resp["fetch_id"] != "fetch_1_1700000000" {
		t.Errorf("fetch_id = %v", resp["fetch_id"])
	}
	if len(jobs.submitted) != 1 {
		t.Fatalf("submitted %d jobs", len(jobs.submitted))
	}
	req := jobs.submitted[0]
	if len(req.Symbols) != 1 || req.Symbols[0] != "BTCUSDT" {
		t.Errorf("symbols not validated: %v", req.Symbols)
	}
	if req.DataType != models.DataTypeUM {
		t.Errorf("data_type default missing: %q", req.DataType)
	}
}

func TestFetchAllSymbols(t *testing.T) {
	jobs := &fakeJobs{job: testJob()}
	h := newTestServer(jobs, &fakeSymbols{perps: []string{"BTCUSDT", "ETHUSDT"}}, &fakePinger{})

	w, _ := doJSON(t, h, http.MethodPost, "/api/fetch", map[string]any{
		"all_symbols": true,
		"intervals":   []string{"1d"},
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202: %s", w.Code, w.Body.String())
	}
	if got := jobs.submitted[0].Symbols; len(got) != 2 {
		t.Errorf("all symbols not resolved: %v", got)
	}
}

func TestFetchValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		body map[string]any
	}{
		{"no symbols", map[string]any{"intervals": []string{"1h"}}},
		{"both symbol modes", map[string]any{"symbols": []string{"BTCUSDT"}, "all_symbols": true, "intervals": []string{"1h"}}},
		{"no intervals", map[string]any{"symbols": []string{"BTCUSDT"}}},
		{"bad interval", map[string]any{"symbols": []string{"BTCUSDT"}, "intervals": []string{"7m"}}},
		{"bad date", map[string]any{"symbols": []string{"BTCUSDT"}, "intervals": []string{"1h"}, "start_date": "01/02/2024"}},
		{"inverted range", map[string]any{"symbols": []string{"BTCUSDT"}, "intervals": []string{"1h"}, "start_date": "2024-02-01", "end_date": "2024-01-01"}},
		{"bad data type", map[string]any{"symbols": []string{"BTCUSDT"}, "intervals": []string{"1h"}, "data_type": "spot"}},
		{"unknown symbol", map[string]any{"symbols": []string{"NOPEUSDT"}, "intervals": []string{"1h"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			jobs := &fakeJobs{job: testJob()}
			h := newTestServer(jobs, &fakeSymbols{perps: []string{"BTCUSDT"}}, &fakePinger{})
			w, _ := doJSON(t, h, http.MethodPost, "/api/fetch", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status %d, want 400: %s", w.Code, w.Body.String())
			}
			if len(jobs.submitted) != 0 {
				t.Error("invalid request created a job")
			}
		})
	}
}

func TestFetchDryRun(t *testing.T) {
	job := testJob()
	job.Status = models.JobCompleted
	job.Pairs["BTCUSDT/1h"] = &models.PairStats{WindowsPlanned: 30}
	jobs := &fakeJobs{job: job}
	h := newTestServer(jobs, &fakeSymbols{perps: []string{"BTCUSDT"}}, &fakePinger{})

	w, resp := doJSON(t, h, http.MethodPost, "/api/fetch", map[string]any{
		"symbols":   []string{"BTCUSDT"},
		"intervals": []string{"1h"},
		"dry_run":   true,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", w.Code, w.Body.String())
	}
	if resp["dry_run"] != true {
		t.Errorf("dry_run flag missing: %v", resp)
	}
	if !jobs.submitted[0].DryRun {
		t.Error("request not marked dry run")
	}
}

func TestStatusEndpoints(t *testing.T) {
	job := testJob()
	jobs := &fakeJobs{job: job, active: []*models.FetchJob{job}}
	h := newTestServer(jobs, &fakeSymbols{perps: []string{"BTCUSDT"}}, &fakePinger{})

	w, resp := doJSON(t, h, http.MethodGet, "/api/fetch/fetch_1_1700000000/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if resp["fetch_id"] != job.ID {
		t.Errorf("fetch_id = %v", resp["fetch_id"])
	}

	w, _ = doJSON(t, h, http.MethodGet, "/api/fetch/nonexistent/status", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing job status %d, want 404", w.Code)
	}

	w, resp = doJSON(t, h, http.MethodGet, "/api/fetch/active", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("active status %d", w.Code)
	}
	if resp["count"] != float64(1) {
		t.Errorf("active count = %v", resp["count"])
	}
}

func TestSymbolEndpoints(t *testing.T) {
	h := newTestServer(&fakeJobs{}, &fakeSymbols{perps: []string{"BTCUSDT", "ETHUSDT"}}, &fakePinger{})

	w, resp := doJSON(t, h, http.MethodGet, "/api/symbols", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("symbols status %d", w.Code)
	}
	if resp["count"] != float64(2) {
		t.Errorf("count = %v", resp["count"])
	}

	w, _ = doJSON(t, h, http.MethodGet, "/api/symbols/perp-tradingview", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("tradingview status %d", w.Code)
	}
	if got := w.Body.String(); got != "BINANCE:BTCUSDT.P,BINANCE:ETHUSDT.P" {
		t.Errorf("tradingview body %q", got)
	}

	w, resp = doJSON(t, h, http.MethodGet, "/api/intervals", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("intervals status %d", w.Code)
	}
	if _, ok := resp["intervals"]; !ok {
		t.Errorf("intervals missing: %v", resp)
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(&fakeJobs{}, &fakeSymbols{}, &fakePinger{})
	w, resp := doJSON(t, h, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status %d", w.Code)
	}
	if resp["database"] != "up" {
		t.Errorf("database = %v", resp["database"])
	}

	h = newTestServer(&fakeJobs{}, &fakeSymbols{}, &fakePinger{err: errors.New("conn refused")})
	w, resp = doJSON(t, h, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded health status %d", w.Code)
	}
	if resp["database"] != "down" {
		t.Errorf("database = %v", resp["database"])
	}
}
