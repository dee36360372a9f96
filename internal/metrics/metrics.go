package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rai/internal/agent"
)

const namespace = "rai"

// Collector records context management and completion metrics. It
// implements agent.Observer so it can be attached to a ContextManager.
type Collector struct {
	registry *prometheus.Registry

	compressions       *prometheus.CounterVec
	summarizedMessages prometheus.Histogram
	tokensSaved        prometheus.Histogram
	tierChanges        *prometheus.CounterVec
	injectionsBlocked  prometheus.Counter
	completions        *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	activeSessions     prometheus.Gauge
}

var _ agent.Observer = (*Collector)(nil)

// NewCollector registers all metrics on registry, or on a fresh registry
// when nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		compressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "compressions_total",
			Help:      "Number of context summarizations by tier.",
		}, []string{"tier"}),
		summarizedMessages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "summarized_messages",
			Help:      "Messages folded into one summary.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		tokensSaved: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "tokens_saved",
			Help:      "Tokens removed from the context by one summarization.",
			Buckets:   []float64{100, 500, 1000, 5000, 10000, 30000},
		}),
		tierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "tier_changes_total",
			Help:      "Model tier switches.",
		}, []string{"from", "to"}),
		injectionsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "injections_blocked_total",
			Help:      "Messages dropped for exceeding the largest tier.",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "requests_total",
			Help:      "Completion requests by model and status.",
		}, []string{"model", "status"}),
		completionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "duration_seconds",
			Help:      "Completion latency including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		}, []string{"model"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Open conversations.",
		}),
	}

	registry.MustRegister(
		c.compressions,
		c.summarizedMessages,
		c.tokensSaved,
		c.tierChanges,
		c.injectionsBlocked,
		c.completions,
		c.completionDuration,
		c.activeSessions,
	)
	return c
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Compressed records one summarization.
func (c *Collector) Compressed(ev agent.CompressionEvent) {
	c.compressions.WithLabelValues(ev.Tier).Inc()
	c.summarizedMessages.Observe(float64(ev.Summarized))
	if saved := ev.TokensBefore - ev.TokensAfter; saved > 0 {
		c.tokensSaved.Observe(float64(saved))
	}
}

// TierChanged records a tier switch.
func (c *Collector) TierChanged(from, to string) {
	c.tierChanges.WithLabelValues(from, to).Inc()
}

// InjectionBlocked records a dropped message.
func (c *Collector) InjectionBlocked(tokens, limit int) {
	c.injectionsBlocked.Inc()
}

// RecordCompletion records the outcome of one completion call.
func (c *Collector) RecordCompletion(model string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.completions.WithLabelValues(model, status).Inc()
	c.completionDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// SessionOpened increments the active session gauge.
func (c *Collector) SessionOpened() { c.activeSessions.Inc() }

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() { c.activeSessions.Dec() }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
