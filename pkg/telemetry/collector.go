// Package telemetry exports queue and proposal activity as prometheus metrics.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdziat/agentqueue/pkg/core"
)

const namespace = "agentqueue"

// MetricsSource reports current queue load. queue.Queue implements it.
type MetricsSource interface {
	Metrics(ctx context.Context) (*core.PauseMetrics, error)
}

// Collector turns bus events into counters and periodically refreshes load
// gauges. It owns its registry so several collectors can coexist in tests.
type Collector struct {
	bus     *core.EventBus
	source  MetricsSource
	refresh time.Duration
	logger  *slog.Logger

	registry *prometheus.Registry

	enqueued     *prometheus.CounterVec
	claimed      *prometheus.CounterVec
	succeeded    *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	cancelled    *prometheus.CounterVec
	reaped       *prometheus.CounterVec

	submitted *prometheus.CounterVec
	promoted  prometheus.Counter
	decided   *prometheus.CounterVec

	queued       prometheus.Gauge
	running      prometheus.Gauge
	staleRunning prometheus.Gauge
	paused       prometheus.Gauge

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Collector.
type Option interface {
	apply(*Collector)
}

type optionFunc func(*Collector)

func (f optionFunc) apply(c *Collector) { f(c) }

// WithMetricsSource enables the queued/running gauges.
func WithMetricsSource(s MetricsSource) Option {
	return optionFunc(func(c *Collector) { c.source = s })
}

// WithRefreshInterval sets how often gauges are refreshed.
func WithRefreshInterval(d time.Duration) Option {
	return optionFunc(func(c *Collector) {
		if d > 0 {
			c.refresh = d
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Collector) { c.logger = l })
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// NewCollector creates a collector over bus.
func NewCollector(bus *core.EventBus, opts ...Option) *Collector {
	c := &Collector{
		bus:      bus,
		refresh:  15 * time.Second,
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),

		enqueued:     counterVec("jobs_enqueued_total", "Jobs created.", "type"),
		claimed:      counterVec("jobs_claimed_total", "Leases granted to workers.", "type"),
		succeeded:    counterVec("jobs_succeeded_total", "Jobs completed successfully.", "type"),
		retried:      counterVec("jobs_retried_total", "Failed attempts requeued for retry.", "type"),
		deadLettered: counterVec("jobs_dead_lettered_total", "Jobs moved to dead_letter.", "type"),
		cancelled:    counterVec("jobs_cancelled_total", "Jobs cancelled.", "type"),
		reaped:       counterVec("leases_reaped_total", "Expired leases recovered by a reaper.", "type"),

		submitted: counterVec("proposals_submitted_total", "Proposal submissions.", "category", "duplicate"),
		promoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_promoted_total",
			Help:      "Proposals promoted to jobs.",
		}),
		decided: counterVec("proposals_decided_total", "Proposals closed without promotion.", "status"),

		queued:       gauge("jobs_queued", "Jobs waiting to be claimed."),
		running:      gauge("jobs_running", "Jobs holding a lease."),
		staleRunning: gauge("jobs_stale_running", "Running jobs whose lease has expired."),
		paused:       gauge("workers_paused", "1 while the global worker pause is on."),

		ready: make(chan struct{}),
	}
	for _, opt := range opts {
		opt.apply(c)
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.enqueued, c.claimed, c.succeeded, c.retried, c.deadLettered, c.cancelled, c.reaped,
		c.submitted, c.promoted, c.decided,
		c.queued, c.running, c.staleRunning, c.paused,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// WaitReady blocks until the collector has subscribed to the bus.
func (c *Collector) WaitReady() {
	<-c.ready
}

// Start consumes events and refreshes gauges until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	events := c.bus.Subscribe()
	defer c.bus.Unsubscribe(events)

	c.readyOnce.Do(func() { close(c.ready) })

	c.Refresh(ctx)
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			c.Observe(e)
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Observe records one event.
func (c *Collector) Observe(e core.Event) {
	switch ev := e.(type) {
	case *core.JobEnqueued:
		c.enqueued.WithLabelValues(ev.Job.Type).Inc()
	case *core.JobClaimed:
		c.claimed.WithLabelValues(ev.Job.Type).Inc()
	case *core.JobSucceeded:
		c.succeeded.WithLabelValues(ev.Job.Type).Inc()
	case *core.JobRetrying:
		c.retried.WithLabelValues(ev.Job.Type).Inc()
	case *core.JobDeadLettered:
		c.deadLettered.WithLabelValues(ev.Job.Type).Inc()
	case *core.JobCancelled:
		c.cancelled.WithLabelValues(ev.Job.Type).Inc()
	case *core.LeaseReaped:
		c.reaped.WithLabelValues(ev.Job.Type).Inc()
	case *core.ProposalSubmitted:
		c.submitted.WithLabelValues(ev.Proposal.Category, strconv.FormatBool(ev.Duplicate)).Inc()
	case *core.ProposalPromotedEvent:
		c.promoted.Inc()
	case *core.ProposalDecided:
		c.decided.WithLabelValues(string(ev.Proposal.Status)).Inc()
	case *core.PauseChanged:
		c.setPaused(ev.State.Paused)
	}
}

func (c *Collector) setPaused(paused bool) {
	if paused {
		c.paused.Set(1)
	} else {
		c.paused.Set(0)
	}
}

// Refresh reloads the load gauges from the metrics source, if any.
func (c *Collector) Refresh(ctx context.Context) {
	if c.source == nil {
		return
	}
	m, err := c.source.Metrics(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("failed to refresh queue metrics", "error", err)
		}
		return
	}
	c.queued.Set(float64(m.Queued))
	c.running.Set(float64(m.Running))
	c.staleRunning.Set(float64(m.StaleRunning))
}
