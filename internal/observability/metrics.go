package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineCollector bundles Prometheus metrics for the topology step engine
// and the run loop that drives it. It satisfies core.StepMetrics and
// timectrl.OverrunCounter.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Ticks         prometheus.Counter
	SkippedTicks  prometheus.Counter
	TickDurations prometheus.Histogram
	Overruns      prometheus.Counter
	ChangedPairs  prometheus.Gauge
	Notifications *prometheus.CounterVec
	Connections   *prometheus.GaugeVec
}

// NewEngineCollector registers engine metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_ticks_total",
		Help: "Total number of processed topology ticks.",
	}), "mesh_ticks_total")
	if err != nil {
		return nil, err
	}
	skipped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_ticks_skipped_total",
		Help: "Ticks whose distance matrix did not change any local pair.",
	}), "mesh_ticks_skipped_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mesh_tick_duration_seconds",
		Help:    "Wall-clock duration of one topology tick.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}), "mesh_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	overruns, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_tick_overruns_total",
		Help: "Ticks that took longer than the configured step interval.",
	}), "mesh_tick_overruns_total")
	if err != nil {
		return nil, err
	}
	changed, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_changed_pairs",
		Help: "Number of node pairs whose distance changed in the last tick.",
	}), "mesh_changed_pairs")
	if err != nil {
		return nil, err
	}
	notifications, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_notifications_total",
		Help: "Backend notifications issued, labeled by notification kind.",
	}, []string{"kind"}), "mesh_notifications_total")
	if err != nil {
		return nil, err
	}
	connections, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_connections",
		Help: "Ledger records by state (active or inactive).",
	}, []string{"state"}), "mesh_connections")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:      gatherer,
		Ticks:         ticks,
		SkippedTicks:  skipped,
		TickDurations: durations,
		Overruns:      overruns,
		ChangedPairs:  changed,
		Notifications: notifications,
		Connections:   connections,
	}, nil
}

// ObserveTick records one processed tick.
func (c *EngineCollector) ObserveTick(changedPairs int, seconds float64, skipped bool) {
	if c == nil {
		return
	}
	c.Ticks.Inc()
	if skipped {
		c.SkippedTicks.Inc()
	}
	c.TickDurations.Observe(seconds)
	c.ChangedPairs.Set(float64(changedPairs))
}

// CountNotification increments the counter for one backend notification.
func (c *EngineCollector) CountNotification(name string) {
	if c == nil {
		return
	}
	c.Notifications.WithLabelValues(name).Inc()
}

// SetConnections updates the active/inactive record gauges.
func (c *EngineCollector) SetConnections(active, inactive int) {
	if c == nil {
		return
	}
	c.Connections.WithLabelValues("active").Set(float64(active))
	c.Connections.WithLabelValues("inactive").Set(float64(inactive))
}

// CountOverrun increments the overrun counter.
func (c *EngineCollector) CountOverrun() {
	if c == nil {
		return
	}
	c.Overruns.Inc()
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler for gatherer, falling back
// to the default registry when nil.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
