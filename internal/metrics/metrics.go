// Package metrics exposes refresh and validation counters to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements refresh.Metrics and jwt.MetricsCollector. Counters are
// created per Collector so several engines can use separate registries.
type Collector struct {
	refreshes      *prometheus.CounterVec
	refreshLatency prometheus.Histogram
	validations    *prometheus.CounterVec
	keys           prometheus.Gauge
}

// New builds a collector whose metric names are prefixed with namespace
// (for example "rotate").
func New(namespace string) *Collector {
	return &Collector{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_refreshes_total",
			Help:      "JWKS refresh requests by decision or result.",
		}, []string{"result"}), // started, coalesced, throttled, success, failure
		refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "jwks_refresh_duration_seconds",
			Help:      "Duration of JWKS fetch attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Token validations by result and failure reason.",
		}, []string{"result", "reason"}),
		keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jwks_keys",
			Help:      "Number of keys in the committed key store.",
		}),
	}
}

// Register adds the collector's metrics to reg (or the default registerer if
// nil). Metrics already registered are left in place.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, m := range []prometheus.Collector{c.refreshes, c.refreshLatency, c.validations, c.keys} {
		if err := reg.Register(m); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func (c *Collector) RefreshStarted()   { c.refreshes.WithLabelValues("started").Inc() }
func (c *Collector) RefreshCoalesced() { c.refreshes.WithLabelValues("coalesced").Inc() }
func (c *Collector) RefreshThrottled() { c.refreshes.WithLabelValues("throttled").Inc() }

func (c *Collector) RefreshCompleted(d time.Duration, err error) {
	c.refreshLatency.Observe(d.Seconds())
	if err != nil {
		c.refreshes.WithLabelValues("failure").Inc()
		return
	}
	c.refreshes.WithLabelValues("success").Inc()
}

// SetKeys records the size of the committed key store.
func (c *Collector) SetKeys(n int) { c.keys.Set(float64(n)) }

func (c *Collector) ValidationOK() { c.validations.WithLabelValues("ok", "").Inc() }

func (c *Collector) ValidationFailed(reason string) {
	c.validations.WithLabelValues("failed", reason).Inc()
}
