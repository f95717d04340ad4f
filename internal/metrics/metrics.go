// ============================================================================
// Buildqueue Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Turns the lifecycle event stream into Prometheus metrics
//
// Source:
//   The collector does not hook into the runner. It consumes a
//   SubscribeAll() channel from the event broadcaster, so every metric is
//   derived from events that observers also see.
//
// Metrics:
//
//   1. Counters:
//      - buildqueue_jobs_started_total
//      - buildqueue_jobs_paused_total
//      - buildqueue_jobs_cancelled_total
//      - buildqueue_jobs_done_total
//      - buildqueue_job_errors_total
//      - buildqueue_items_built_total
//      - buildqueue_items_failed_total
//
//   2. Histogram:
//      - buildqueue_build_duration_seconds: item startedAt -> finishedAt
//        buckets 5s .. ~21m, the build ceiling is 10m
//
//   3. Gauge:
//      - buildqueue_items_running
//
// Example queries:
//
//   # failure ratio over 1h
//   rate(buildqueue_items_failed_total[1h]) /
//     (rate(buildqueue_items_built_total[1h]) + rate(buildqueue_items_failed_total[1h]))
//
//   # p95 build time
//   histogram_quantile(0.95, buildqueue_build_duration_seconds_bucket)
//
// Events are delivered at most once, so the counters are a lower bound when a
// slow consumer drops events.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/buildqueue/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus metrics for the build queue
type Collector struct {
	jobsStarted   prometheus.Counter
	jobsPaused    prometheus.Counter
	jobsCancelled prometheus.Counter
	jobsDone      prometheus.Counter
	jobErrors     prometheus.Counter

	itemsBuilt  prometheus.Counter
	itemsFailed prometheus.Counter

	buildDuration prometheus.Histogram
	itemsRunning  prometheus.Gauge

	mu      sync.Mutex
	running map[string]struct{} // jobID/ideaID seen in item:running
}

// NewCollector creates the collector and registers it on reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildqueue_jobs_started_total",
			Help: "Jobs started or resumed",
		}),
		jobsPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildqueue_jobs_paused_total",
			Help: "Jobs the runner stopped because of a pause",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildqueue_jobs_cancelled_total",
			Help: "Jobs cancelled",
		}),
		jobsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildqueue_jobs_done_total",
			Help: "Jobs with every item finished",
		}),
		jobErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildqueue_job_errors_total",
			Help: "Runner stops caused by a job vanishing from the container",
		}),
		itemsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildqueue_items_built_total",
			Help: "Items built successfully",
		}),
		itemsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildqueue_items_failed_total",
			Help: "Items that failed, timed out or were interrupted",
		}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buildqueue_build_duration_seconds",
			Help:    "Wall time from item start to item finish",
			Buckets: prometheus.ExponentialBuckets(5, 2, 9),
		}),
		itemsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildqueue_items_running",
			Help: "Items currently building",
		}),
		running: make(map[string]struct{}),
	}

	reg.MustRegister(
		c.jobsStarted,
		c.jobsPaused,
		c.jobsCancelled,
		c.jobsDone,
		c.jobErrors,
		c.itemsBuilt,
		c.itemsFailed,
		c.buildDuration,
		c.itemsRunning,
	)
	return c
}

// Observe records one event.
func (c *Collector) Observe(e events.Event) {
	switch e.Name {
	case events.JobStarted:
		c.jobsStarted.Inc()
	case events.JobPaused:
		c.jobsPaused.Inc()
	case events.JobCancelled:
		c.jobsCancelled.Inc()
	case events.JobDone:
		c.jobsDone.Inc()
	case events.JobError:
		c.jobErrors.Inc()
	case events.ItemRunning:
		c.mu.Lock()
		c.running[e.JobID+"/"+e.IdeaID] = struct{}{}
		c.mu.Unlock()
		c.itemsRunning.Inc()
	case events.ItemBuilt:
		c.itemsBuilt.Inc()
		c.finishItem(e)
	case events.ItemFailed:
		c.itemsFailed.Inc()
		c.finishItem(e)
	}
}

// finishItem closes the span opened by item:running. Orphans failed during
// recovery were never seen running by this process and only count as failed.
func (c *Collector) finishItem(e events.Event) {
	key := e.JobID + "/" + e.IdeaID
	c.mu.Lock()
	_, seen := c.running[key]
	delete(c.running, key)
	c.mu.Unlock()
	if !seen {
		return
	}

	c.itemsRunning.Dec()
	if e.Item != nil && e.Item.StartedAt != nil && e.Item.FinishedAt != nil {
		c.buildDuration.Observe(e.Item.FinishedAt.Sub(*e.Item.StartedAt).Seconds())
	}
}

// Consume observes events from ch until it closes or ctx ends.
func (c *Collector) Consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// Handler serves gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until ctx ends.
//
// Parameters:
//   - port: HTTP port
//   - g: registry to expose; nil means the default gatherer
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Metrics server shutdown failed", "error", err)
		}
	}()

	slog.Info("Metrics server listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}
	return nil
}
