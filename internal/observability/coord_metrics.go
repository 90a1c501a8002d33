package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// CoordinatorCollector exposes coordination protocol metrics.
type CoordinatorCollector struct {
	gatherer prometheus.Gatherer

	Messages       *prometheus.CounterVec
	Violations     *prometheus.CounterVec
	Step           prometheus.Gauge
	BroadcastBytes prometheus.Counter
}

// NewCoordinatorCollector registers coordinator metrics against the provided registerer.
func NewCoordinatorCollector(reg prometheus.Registerer) (*CoordinatorCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_messages_total",
		Help: "Protocol messages accepted by the coordinator, labeled by state token.",
	}, []string{"state"})
	messages, err := registerCounterVec(reg, messages, "coord_messages_total")
	if err != nil {
		return nil, err
	}

	violations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coord_protocol_violations_total",
		Help: "Messages dropped because they arrived in the wrong protocol state.",
	}, []string{"state"})
	violations, err = registerCounterVec(reg, violations, "coord_protocol_violations_total")
	if err != nil {
		return nil, err
	}

	step := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coord_step",
		Help: "Last tick released to the cluster.",
	})
	step, err = registerGauge(reg, step, "coord_step")
	if err != nil {
		return nil, err
	}

	bytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coord_broadcast_bytes_total",
		Help: "Encoded bytes published on the broadcast channel.",
	})
	bytes, err = registerCounter(reg, bytes, "coord_broadcast_bytes_total")
	if err != nil {
		return nil, err
	}

	return &CoordinatorCollector{
		gatherer:       gatherer,
		Messages:       messages,
		Violations:     violations,
		Step:           step,
		BroadcastBytes: bytes,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *CoordinatorCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// CountMessage records an accepted message.
func (c *CoordinatorCollector) CountMessage(state string) {
	if c == nil || c.Messages == nil {
		return
	}
	c.Messages.WithLabelValues(state).Inc()
}

// CountViolation records a dropped wrong-state message.
func (c *CoordinatorCollector) CountViolation(state string) {
	if c == nil || c.Violations == nil {
		return
	}
	c.Violations.WithLabelValues(state).Inc()
}

// SetStep updates the released tick gauge.
func (c *CoordinatorCollector) SetStep(step int) {
	if c == nil || c.Step == nil {
		return
	}
	c.Step.Set(float64(step))
}

// AddBroadcastBytes accumulates published payload sizes.
func (c *CoordinatorCollector) AddBroadcastBytes(n int) {
	if c == nil || c.BroadcastBytes == nil || n <= 0 {
		return
	}
	c.BroadcastBytes.Add(float64(n))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
