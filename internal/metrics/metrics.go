// Package metrics exposes Prometheus counters for a harness run.
//
// A nil *Collector is valid and records nothing, so components can take
// an optional collector without branching at every call site.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "football_tests"

// Wait kinds used as the "kind" label of wait_duration_seconds.
const (
	WaitHealth = "health"
	WaitBus    = "bus"
	WaitPush   = "push"
	WaitQuery  = "query"
)

// Wait outcomes used as the "outcome" label of wait_duration_seconds.
const (
	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Collector owns a private registry and the harness metric vectors.
//
// Thread-safety: All methods are safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	Commands     *prometheus.CounterVec
	Retries      prometheus.Counter
	WaitDuration *prometheus.HistogramVec
	Events       *prometheus.CounterVec
	ReplayLines  *prometheus.CounterVec
}

// New creates a Collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_total",
			Help:      "Total number of HTTP commands sent, by method and response status",
		}, []string{"method", "status"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "command_retries_total",
			Help:      "Total number of commands resent after a transient status",
		}),
		WaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "wait_duration_seconds",
			Help:      "Time spent in bounded waits",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "outcome"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_received_total",
			Help:      "Total number of events received from the bus or the push channel",
		}, []string{"source"}),
		ReplayLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "replay_lines_total",
			Help:      "Total number of scenario lines replayed, by kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(c.Commands, c.Retries, c.WaitDuration, c.Events, c.ReplayLines)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns an HTTP handler that serves the collector's metrics.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordCommand counts one command response. A zero status means the
// request never got a response.
func (c *Collector) RecordCommand(method string, status int) {
	if c == nil {
		return
	}
	label := "none"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	c.Commands.WithLabelValues(method, label).Inc()
}

// RecordRetry counts one resend after a transient status.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.Retries.Inc()
}

// ObserveWait records how long a bounded wait took.
func (c *Collector) ObserveWait(kind, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.WaitDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// AddEvents counts n events received from source ("bus" or "push").
func (c *Collector) AddEvents(source string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Events.WithLabelValues(source).Add(float64(n))
}

// RecordReplayLine counts one replayed scenario line.
func (c *Collector) RecordReplayLine(kind string) {
	if c == nil {
		return
	}
	c.ReplayLines.WithLabelValues(kind).Inc()
}
