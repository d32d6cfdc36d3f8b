package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"candleflow/internal/models"
)

// fetchRequestBody is the wire form of a fetch submission. Dates are
// YYYY-MM-DD strings; the timeout is given in seconds.
type fetchRequestBody struct {
	Symbols        []string `json:"symbols"`
	AllSymbols     bool     `json:"all_symbols"`
	Intervals      []string `json:"intervals"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	DataType       string   `json:"data_type"`
	DryRun         bool     `json:"dry_run"`
	AbortOnError   bool     `json:"abort_on_error"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

func (b *fetchRequestBody) toRequest() (models.FetchRequest, error) {
	req := models.FetchRequest{
		Symbols:      b.Symbols,
		AllSymbols:   b.AllSymbols,
		DataType:     b.DataType,
		DryRun:       b.DryRun,
		AbortOnError: b.AbortOnError,
		Timeout:      time.Duration(b.TimeoutSeconds) * time.Second,
	}

	for _, raw := range b.Intervals {
		tf, err := models.ParseTimeframe(raw)
		if err != nil {
			return req, err
		}
		req.Intervals = append(req.Intervals, tf)
	}

	var err error
	if b.StartDate != "" {
		if req.StartDate, err = models.ParseDate(b.StartDate); err != nil {
			return req, fmt.Errorf("start_date: %w", err)
		}
	}
	if b.EndDate != "" {
		if req.EndDate, err = models.ParseDate(b.EndDate); err != nil {
			return req, fmt.Errorf("end_date: %w", err)
		}
	}
	return req, nil
}

func (s *Server) handleFetch(c *gin.Context) {
	var body fetchRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	req, err := body.toRequest()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Normalize(time.Now())

	var unknown []string
	if req.AllSymbols {
		all, err := s.symbols.Perpetuals(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to resolve symbol catalog: " + err.Error()})
			return
		}
		req.Symbols = all
		req.AllSymbols = false
	} else if len(req.Symbols) > 0 {
		valid, unk, err := s.symbols.Validate(c.Request.Context(), req.Symbols)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.Symbols = valid
		unknown = unk
	}

	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.DryRun {
		job, err := s.jobs.SubmitAndWait(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"fetch_id":        job.ID,
			"status":          job.Status,
			"dry_run":         true,
			"pairs":           job.Pairs,
			"totals":          job.Totals(),
			"unknown_symbols": unknown,
		})
		return
	}

	job, err := s.jobs.Submit(req)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"fetch_id":        job.ID,
		"status":          job.Status,
		"symbols":         len(req.Symbols),
		"intervals":       req.Intervals,
		"start_date":      models.FormatDate(req.StartDate),
		"end_date":        models.FormatDate(req.EndDate),
		"unknown_symbols": unknown,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	id := c.Param("id")
	job, ok := s.jobs.Status(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("fetch %s not found", id)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"fetch_id":    job.ID,
		"status":      job.Status,
		"error":       job.Error,
		"created_at":  job.CreatedAt,
		"started_at":  job.StartedAt,
		"finished_at": job.FinishedAt,
		"pairs":       job.Pairs,
		"totals":      job.Totals(),
	})
}

func (s *Server) handleActive(c *gin.Context) {
	active := s.jobs.Active()
	payload := make([]gin.H, 0, len(active))
	for _, job := range active {
		payload = append(payload, gin.H{
			"fetch_id":   job.ID,
			"status":     job.Status,
			"created_at": job.CreatedAt,
			"totals":     job.Totals(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"active": payload, "count": len(payload)})
}

func (s *Server) handleSymbols(c *gin.Context) {
	symbols, err := s.symbols.Perpetuals(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": symbols, "count": len(symbols)})
}

func (s *Server) handleTradingView(c *gin.Context) {
	list, err := s.symbols.TradingViewPerp(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, list)
}

func (s *Server) handleIntervals(c *gin.Context) {
	intervals := make([]string, len(models.SupportedTimeframes))
	for i, tf := range models.SupportedTimeframes {
		intervals[i] = string(tf)
	}
	c.JSON(http.StatusOK, gin.H{"intervals": intervals})
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "degraded",
			"database": "down",
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"database":    "up",
		"active_jobs": len(s.jobs.Active()),
	})
}
