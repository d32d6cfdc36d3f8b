package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type componentStat struct {
	warns  int64
	errors int64
}

var (
	archiveFetches int64
	cacheHits      int64
	rowsInserted   int64
	components     sync.Map // map[string]*componentStat
)

// MetricsPublisher receives the periodic runtime report so an external
// package can forward it to a metrics backend. Nil disables forwarding.
type MetricsPublisher func(ctx context.Context, fields Fields)

var publisher atomic.Pointer[MetricsPublisher]

// SetMetricsPublisher registers the forwarding hook used by the runtime
// report. Passing nil clears it.
func SetMetricsPublisher(p MetricsPublisher) {
	if p == nil {
		publisher.Store(nil)
		return
	}
	publisher.Store(&p)
}

func recordWarn(component string) {
	stat := componentStats(component)
	atomic.AddInt64(&stat.warns, 1)
}

func recordError(component string) {
	stat := componentStats(component)
	atomic.AddInt64(&stat.errors, 1)
}

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

// IncrementArchiveFetch records one completed remote archive download.
func IncrementArchiveFetch() {
	atomic.AddInt64(&archiveFetches, 1)
}

// IncrementCacheHit records one window served from the local cache.
func IncrementCacheHit() {
	atomic.AddInt64(&cacheHits, 1)
}

// AddRowsInserted records rows committed to the store.
func AddRowsInserted(n int64) {
	atomic.AddInt64(&rowsInserted, n)
}

// StartReport begins periodic logging of system and ingestion statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	var warnTotal, errorTotal int64
	perComponent := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*componentStat)
		w := atomic.LoadInt64(&cs.warns)
		e := atomic.LoadInt64(&cs.errors)
		warnTotal += w
		errorTotal += e
		perComponent[name] = map[string]int64{"warns": w, "errors": e}
		return true
	})

	fields := Fields{
		"archive_fetches": atomic.LoadInt64(&archiveFetches),
		"cache_hits":      atomic.LoadInt64(&cacheHits),
		"rows_inserted":   atomic.LoadInt64(&rowsInserted),
		"warns":           warnTotal,
		"errors":          errorTotal,
		"components":      perComponent,
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
	}
	if memStats != nil {
		fields["memory_mb"] = int64(memStats.Used) / 1024 / 1024
	}
	if diskStats != nil {
		fields["disk_mb"] = int64(diskStats.Used) / 1024 / 1024
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	if p := publisher.Load(); p != nil {
		// Components map is log-only detail; publish scalar gauges.
		scalar := Fields{}
		for k, v := range fields {
			if strings.HasPrefix(k, "components") {
				continue
			}
			scalar[k] = v
		}
		(*p)(ctx, scalar)
	}
}
