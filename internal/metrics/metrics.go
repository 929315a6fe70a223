// Package metrics exposes sync engine counters to Prometheus.
//
// A nil *Collector is valid and records nothing, so components take one
// unconditionally and the CLI only builds it when --metrics-addr is set.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/invsync/internal/mutation"
)

const namespace = "invsync"

// Collector groups every metric the engine records.
type Collector struct {
	enqueued     *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	completed    prometheus.Counter
	failed       prometheus.Counter
	conflicts    *prometheus.CounterVec
	syncRuns     *prometheus.CounterVec
	syncDuration prometheus.Histogram
	queueDepth   *prometheus.GaugeVec
	online       prometheus.Gauge
}

// New builds an unregistered collector.
func New() *Collector {
	return &Collector{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_enqueued_total",
			Help:      "Mutations accepted into the queue",
		}, []string{"kind"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Dispatch attempts by outcome class",
		}, []string{"result"}), // result: ok|CONNECTIVITY|TIMEOUT|TRANSIENT|CONFLICT|REJECTED
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_completed_total",
			Help:      "Mutations acknowledged by the remote",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_failed_total",
			Help:      "Mutations that ended failed",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Version conflicts by resolution",
		}, []string{"resolution"}), // resolution: local|server|unresolved
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync runs by result",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of a sync run",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queued mutations by status",
		}, []string{"status"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_online",
			Help:      "1 when the remote is reachable",
		}),
	}
}

// Register registers every metric on reg, or the default registerer when
// reg is nil. Metrics already registered are left alone.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if c == nil {
		return nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, m := range c.all() {
		if err := reg.Register(m); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func (c *Collector) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.enqueued, c.attempts, c.completed, c.failed, c.conflicts,
		c.syncRuns, c.syncDuration, c.queueDepth, c.online,
	}
}

// Enqueued counts an accepted mutation.
func (c *Collector) Enqueued(kind mutation.Kind) {
	if c == nil {
		return
	}
	c.enqueued.WithLabelValues(string(kind)).Inc()
}

// Attempt counts one dispatch attempt. An empty result means success.
func (c *Collector) Attempt(result string) {
	if c == nil {
		return
	}
	if result == "" {
		result = "ok"
	}
	c.attempts.WithLabelValues(result).Inc()
}

// Completed counts a mutation removed from the queue as done.
func (c *Collector) Completed() {
	if c == nil {
		return
	}
	c.completed.Inc()
}

// Failed counts a mutation that ended failed.
func (c *Collector) Failed() {
	if c == nil {
		return
	}
	c.failed.Inc()
}

// Conflict counts a conflict by how it ended.
func (c *Collector) Conflict(resolution string) {
	if c == nil {
		return
	}
	c.conflicts.WithLabelValues(resolution).Inc()
}

// SyncRun records one finished run.
func (c *Collector) SyncRun(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.syncRuns.WithLabelValues(result).Inc()
	c.syncDuration.Observe(d.Seconds())
}

// QueueDepth publishes s as per-status gauges.
func (c *Collector) QueueDepth(s mutation.Summary) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(string(mutation.StatusPending)).Set(float64(s.Pending))
	c.queueDepth.WithLabelValues(string(mutation.StatusInFlight)).Set(float64(s.InFlight))
	c.queueDepth.WithLabelValues(string(mutation.StatusConflicted)).Set(float64(s.Conflicted))
	c.queueDepth.WithLabelValues(string(mutation.StatusFailed)).Set(float64(s.Failed))
}

// Online sets the connectivity gauge.
func (c *Collector) Online(up bool) {
	if c == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	c.online.Set(v)
}
