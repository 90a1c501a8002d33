package core

import (
	"fmt"
	"math"
	"strings"

	"github.com/signalsfoundry/mesh-emulator/model"
)

// MaxProbeDistance bounds the boundary search done at model construction.
const MaxProbeDistance = 1_000_000

// ImpairmentModel maps a distance to a connectivity decision and the link
// quality that goes with it. Implementations are pure and deterministic.
type ImpairmentModel interface {
	// Decide rounds distance to the nearest integer and evaluates it.
	// Unlimited (any negative distance) is never connected.
	Decide(distance float64) (bool, model.Settings)
	// InitialSettings are applied once, when a link is first established.
	InitialSettings() model.Settings
	// MaxConnectedDistance is the smallest integer distance that is not
	// connected.
	MaxConnectedDistance() int
	Name() string
}

// probed carries the boundary shared by all models.
type probed struct {
	name    string
	eval    func(d int) (bool, model.Settings)
	initial model.Settings
	maxDist int
}

func newProbed(name string, initial model.Settings, eval func(int) (bool, model.Settings)) (*probed, error) {
	p := &probed{name: name, eval: eval, initial: initial.Clone()}
	if ok, _ := eval(0); !ok {
		return nil, &ConfigurationError{Model: name, Reason: "not connected even at distance 0"}
	}
	for d := 1; d <= MaxProbeDistance; d++ {
		if ok, _ := eval(d); !ok {
			p.maxDist = d
			return p, nil
		}
	}
	return nil, &ConfigurationError{
		Model:  name,
		Reason: fmt.Sprintf("still connected at distance %d", MaxProbeDistance),
	}
}

func (p *probed) Decide(distance float64) (bool, model.Settings) {
	if distance < 0 || math.IsNaN(distance) {
		return false, nil
	}
	d := math.Round(distance)
	if d >= float64(p.maxDist) {
		return false, nil
	}
	return p.eval(int(d))
}

func (p *probed) InitialSettings() model.Settings { return p.initial.Clone() }
func (p *probed) MaxConnectedDistance() int       { return p.maxDist }
func (p *probed) Name() string                    { return p.name }

// StepModel connects every pair closer than Threshold with fixed quality.
type StepModel struct {
	*probed
	Threshold float64
	Bandwidth float64
}

// NewStepModel builds a step-function model: connected iff
// 0 <= distance < threshold, zero loss, and optionally a fixed bandwidth.
func NewStepModel(threshold, bandwidth float64, initial model.Settings) (*StepModel, error) {
	m := &StepModel{Threshold: threshold, Bandwidth: bandwidth}
	p, err := newProbed(ModelStep, initial, func(d int) (bool, model.Settings) {
		if float64(d) >= threshold {
			return false, nil
		}
		s := model.Settings{model.SettingLoss: 0}
		if bandwidth > 0 {
			s[model.SettingBandwidth] = bandwidth
		}
		return true, s
	})
	if err != nil {
		return nil, err
	}
	m.probed = p
	return m, nil
}

// Decay selects how WiFi bandwidth falls off with distance.
type Decay string

const (
	DecayLinear      Decay = "linear"
	DecayExponential Decay = "exponential"
)

// WiFiConfig parameterizes the continuous WiFi model. Bandwidths are kbit/s,
// delays milliseconds.
type WiFiConfig struct {
	Decay        Decay
	MaxBandwidth float64
	MinBandwidth float64
	// Range is the distance at which linear decay reaches zero.
	Range float64
	// Scale is the e-folding distance of exponential decay.
	Scale       float64
	BaseDelay   float64
	MaxDelay    float64
	JitterRatio float64
	MaxLoss     float64
}

// DefaultWiFiConfig returns an 802.11g-like parameter set.
func DefaultWiFiConfig(decay Decay) WiFiConfig {
	return WiFiConfig{
		Decay:        decay,
		MaxBandwidth: 54000,
		MinBandwidth: 1000,
		Range:        100,
		Scale:        20,
		BaseDelay:    1,
		MaxDelay:     25,
		JitterRatio:  0.1,
	}
}

// WiFiModel derives bandwidth, delay and jitter from one decay factor.
type WiFiModel struct {
	*probed
	cfg WiFiConfig
}

// NewWiFiModel builds the continuous WiFi model.
func NewWiFiModel(cfg WiFiConfig, initial model.Settings) (*WiFiModel, error) {
	name := "wifi_" + string(cfg.Decay)
	switch cfg.Decay {
	case DecayLinear:
		if cfg.Range <= 0 {
			return nil, &ConfigurationError{Model: name, Reason: "range must be positive"}
		}
	case DecayExponential:
		if cfg.Scale <= 0 {
			return nil, &ConfigurationError{Model: name, Reason: "scale must be positive"}
		}
	default:
		return nil, &ConfigurationError{Model: name, Reason: fmt.Sprintf("unknown decay %q", cfg.Decay)}
	}
	m := &WiFiModel{cfg: cfg}
	p, err := newProbed(name, initial, m.eval)
	if err != nil {
		return nil, err
	}
	m.probed = p
	return m, nil
}

func (m *WiFiModel) factor(d float64) float64 {
	switch m.cfg.Decay {
	case DecayLinear:
		return math.Max(0, 1-d/m.cfg.Range)
	default:
		return math.Exp(-d / m.cfg.Scale)
	}
}

func (m *WiFiModel) eval(d int) (bool, model.Settings) {
	f := m.factor(float64(d))
	bw := m.cfg.MaxBandwidth * f
	if bw <= m.cfg.MinBandwidth {
		return false, nil
	}
	delay := m.cfg.BaseDelay + m.cfg.MaxDelay*(1-f)
	return true, model.Settings{
		model.SettingBandwidth: math.Floor(bw),
		model.SettingDelay:     roundTo(delay, 3),
		model.SettingJitter:    roundTo(delay*m.cfg.JitterRatio, 3),
		model.SettingLoss:      roundTo(m.cfg.MaxLoss*(1-f), 3),
	}
}

func roundTo(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

// Registered model names.
const (
	ModelStep            = "step"
	ModelWiFiLinear      = "wifi_linear"
	ModelWiFiExponential = "wifi_exponential"
)

// ImpairmentConfig selects and parameterizes an impairment model.
type ImpairmentConfig struct {
	Model     string
	Threshold float64
	Bandwidth float64
	WiFi      WiFiConfig
	Initial   model.Settings
}

// NewImpairmentModel resolves cfg.Model to a concrete model.
func NewImpairmentModel(cfg ImpairmentConfig) (ImpairmentModel, error) {
	switch strings.ToLower(cfg.Model) {
	case ModelStep, "":
		return NewStepModel(cfg.Threshold, cfg.Bandwidth, cfg.Initial)
	case ModelWiFiLinear:
		w := cfg.WiFi
		w.Decay = DecayLinear
		return NewWiFiModel(w, cfg.Initial)
	case ModelWiFiExponential:
		w := cfg.WiFi
		w.Decay = DecayExponential
		return NewWiFiModel(w, cfg.Initial)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, cfg.Model)
	}
}
