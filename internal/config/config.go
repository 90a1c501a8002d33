// Package config loads the YAML scenario file shared by the emulator and
// coordinator binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/mesh-emulator/core"
	"github.com/signalsfoundry/mesh-emulator/model"
)

const (
	DefaultInterval       = time.Second
	DefaultStepMode       = "accelerated"
	DefaultImpairment     = core.ModelStep
	DefaultThreshold      = 30
	DefaultBackend        = "null"
	DefaultExec           = "netlink"
	DefaultBridgePrefix   = "mesh"
	DefaultMobility       = "static"
	DefaultDistMode       = "push"
	DefaultCodec          = "json"
	DefaultPolicy         = "equal"
	DefaultReqURL         = "tcp://127.0.0.1:7700"
	DefaultPubURL         = "tcp://127.0.0.1:7701"
	DefaultHealthAddr     = ":7702"
	DefaultMetricsAddr    = ":9090"
	DefaultTracingService = "mesh-emulator"
)

// Config is the whole scenario file.
type Config struct {
	Scenario      ScenarioSection      `yaml:"scenario"`
	Nodes         NodesSection         `yaml:"nodes"`
	Impairment    ImpairmentSection    `yaml:"impairment"`
	Network       NetworkSection       `yaml:"network"`
	Mobility      MobilitySection      `yaml:"mobility"`
	Step          StepSection          `yaml:"step"`
	Storage       StorageSection       `yaml:"storage"`
	Distributed   DistributedSection   `yaml:"distributed"`
	Observability ObservabilitySection `yaml:"observability"`
}

type ScenarioSection struct {
	Name string `yaml:"name" validate:"required"`
	// RunID is generated when empty.
	RunID string `yaml:"run_id"`
}

type NodesSection struct {
	Count      int              `yaml:"count" validate:"min=1"`
	Interfaces []InterfaceGroup `yaml:"interfaces" validate:"dive"`
	Hubs       []int            `yaml:"hubs"`
	Management bool             `yaml:"management"`
	// Overrides replaces the interface list of individual nodes.
	Overrides map[int][]InterfaceGroup `yaml:"overrides" validate:"dive,dive"`
}

// InterfaceGroup declares Count interfaces of one kind, indexed from zero.
type InterfaceGroup struct {
	Kind  model.InterfaceKind `yaml:"kind" validate:"oneof=mesh adhoc"`
	Count int                 `yaml:"count" validate:"min=1,max=16"`
}

type ImpairmentSection struct {
	Model     string             `yaml:"model" validate:"oneof=step wifi_linear wifi_exponential"`
	Threshold float64            `yaml:"threshold" validate:"gte=0"`
	Bandwidth float64            `yaml:"bandwidth" validate:"gte=0"`
	WiFi      WiFiSection        `yaml:"wifi"`
	Initial   map[string]float64 `yaml:"initial"`
}

type WiFiSection struct {
	MaxBandwidth float64 `yaml:"max_bandwidth" validate:"gte=0"`
	MinBandwidth float64 `yaml:"min_bandwidth" validate:"gte=0"`
	Range        float64 `yaml:"range" validate:"gte=0"`
	Scale        float64 `yaml:"scale" validate:"gte=0"`
	BaseDelay    float64 `yaml:"base_delay" validate:"gte=0"`
	MaxDelay     float64 `yaml:"max_delay" validate:"gte=0"`
	JitterRatio  float64 `yaml:"jitter_ratio" validate:"gte=0,lte=1"`
	MaxLoss      float64 `yaml:"max_loss" validate:"gte=0,lte=100"`
}

type NetworkSection struct {
	Backend      string `yaml:"backend" validate:"oneof=null bridged"`
	Exec         string `yaml:"exec" validate:"oneof=netlink iproute2"`
	BridgePrefix string `yaml:"bridge_prefix" validate:"max=8"`
	// TunnelAddress is the local address peers of other servers reach this
	// server on.
	TunnelAddress string `yaml:"tunnel_address" validate:"omitempty,ip"`
	DryRun        bool   `yaml:"dry_run"`
}

type MobilitySection struct {
	Kind       string         `yaml:"kind" validate:"oneof=static replay orbital"`
	Static     []PairDistance `yaml:"static" validate:"dive"`
	ReplayFile string         `yaml:"replay_file"`
	TLEs       map[int]TLE    `yaml:"tles" validate:"dive"`
	// Start is the orbital epoch of step 0; StepLength the simulated time
	// between steps.
	Start      time.Time     `yaml:"start"`
	StepLength time.Duration `yaml:"step_length"`
}

// PairDistance is one fixed entry of the static mobility source.
type PairDistance struct {
	A        int     `yaml:"a" validate:"min=1"`
	B        int     `yaml:"b" validate:"min=1,nefield=A"`
	Distance float64 `yaml:"distance"`
}

// TLE is a two-line element set.
type TLE struct {
	Line1 string `yaml:"line1" validate:"required"`
	Line2 string `yaml:"line2" validate:"required"`
}

type StepSection struct {
	Interval   time.Duration `yaml:"interval" validate:"gte=0"`
	Mode       string        `yaml:"mode" validate:"oneof=realtime accelerated"`
	MaxSteps   int           `yaml:"max_steps" validate:"gte=0"`
	Workers    int           `yaml:"workers" validate:"gte=0"`
	Sequential bool          `yaml:"sequential"`
	// Timeout bounds one tick; zero means none.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type StorageSection struct {
	// Path selects the bolt ledger; empty keeps the ledger in memory.
	Path string `yaml:"path"`
	// Reset clears a persisted ledger instead of reconciling with it.
	Reset bool `yaml:"reset"`
}

type DistributedSection struct {
	Enabled        bool   `yaml:"enabled"`
	Peers          int    `yaml:"peers" validate:"gte=0"`
	ReqURL         string `yaml:"req_url"`
	PubURL         string `yaml:"pub_url"`
	Mode           string `yaml:"mode" validate:"oneof=push broadcast"`
	Codec          string `yaml:"codec" validate:"oneof=json msgpack"`
	Compress       bool   `yaml:"compress"`
	PublishOnlyNew bool   `yaml:"publish_only_new"`
	Policy         string `yaml:"policy" validate:"oneof=equal score"`
	PerNodeMemory  uint64 `yaml:"per_node_memory"`
	HealthAddr     string `yaml:"health_addr"`
}

type ObservabilitySection struct {
	MetricsAddr string         `yaml:"metrics_addr"`
	LogLevel    string         `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat   string         `yaml:"log_format" validate:"omitempty,oneof=json text"`
	Tracing     TracingSection `yaml:"tracing"`
}

type TracingSection struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=stdout otlp"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

var validate = validator.New()

// Load reads, defaults and validates a scenario file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes a scenario document, then applies defaults and validates
// the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse scenario: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if len(cfg.Nodes.Interfaces) == 0 {
		cfg.Nodes.Interfaces = []InterfaceGroup{{Kind: model.InterfaceMesh, Count: 1}}
	}

	im := &cfg.Impairment
	if im.Model == "" {
		im.Model = DefaultImpairment
	}
	if im.Model == core.ModelStep && im.Threshold == 0 {
		im.Threshold = DefaultThreshold
	}
	wifi := core.DefaultWiFiConfig(core.DecayLinear)
	if im.WiFi.MaxBandwidth == 0 {
		im.WiFi.MaxBandwidth = wifi.MaxBandwidth
	}
	if im.WiFi.MinBandwidth == 0 {
		im.WiFi.MinBandwidth = wifi.MinBandwidth
	}
	if im.WiFi.Range == 0 {
		im.WiFi.Range = wifi.Range
	}
	if im.WiFi.Scale == 0 {
		im.WiFi.Scale = wifi.Scale
	}
	if im.WiFi.BaseDelay == 0 {
		im.WiFi.BaseDelay = wifi.BaseDelay
	}
	if im.WiFi.MaxDelay == 0 {
		im.WiFi.MaxDelay = wifi.MaxDelay
	}
	if im.WiFi.JitterRatio == 0 {
		im.WiFi.JitterRatio = wifi.JitterRatio
	}

	if cfg.Network.Backend == "" {
		cfg.Network.Backend = DefaultBackend
	}
	if cfg.Network.Exec == "" {
		cfg.Network.Exec = DefaultExec
	}
	if cfg.Network.BridgePrefix == "" {
		cfg.Network.BridgePrefix = DefaultBridgePrefix
	}

	if cfg.Mobility.Kind == "" {
		cfg.Mobility.Kind = DefaultMobility
	}
	if cfg.Step.Interval == 0 {
		cfg.Step.Interval = DefaultInterval
	}
	if cfg.Mobility.StepLength == 0 {
		cfg.Mobility.StepLength = cfg.Step.Interval
	}
	if cfg.Step.Mode == "" {
		cfg.Step.Mode = DefaultStepMode
	}

	d := &cfg.Distributed
	if d.Mode == "" {
		d.Mode = DefaultDistMode
	}
	if d.Codec == "" {
		d.Codec = DefaultCodec
	}
	if d.Policy == "" {
		d.Policy = DefaultPolicy
	}
	if d.ReqURL == "" {
		d.ReqURL = DefaultReqURL
	}
	if d.PubURL == "" {
		d.PubURL = DefaultPubURL
	}
	if d.HealthAddr == "" {
		d.HealthAddr = DefaultHealthAddr
	}

	o := &cfg.Observability
	if o.MetricsAddr == "" {
		o.MetricsAddr = DefaultMetricsAddr
	}
	if o.Tracing.Exporter == "" {
		o.Tracing.Exporter = "stdout"
	}
	if o.Tracing.ServiceName == "" {
		o.Tracing.ServiceName = DefaultTracingService
	}
	if o.Tracing.SampleRatio == 0 {
		o.Tracing.SampleRatio = 1
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	n := cfg.Nodes.Count
	inRange := func(node int) bool { return node >= 1 && node <= n }

	for _, h := range cfg.Nodes.Hubs {
		if !inRange(h) {
			return fmt.Errorf("nodes.hubs: node %d outside 1..%d", h, n)
		}
	}
	for node := range cfg.Nodes.Overrides {
		if !inRange(node) {
			return fmt.Errorf("nodes.overrides: node %d outside 1..%d", node, n)
		}
	}
	switch cfg.Mobility.Kind {
	case "static":
		for _, p := range cfg.Mobility.Static {
			if !inRange(p.A) || !inRange(p.B) {
				return fmt.Errorf("mobility.static: pair %d-%d outside 1..%d", p.A, p.B, n)
			}
		}
	case "replay":
		if cfg.Mobility.ReplayFile == "" {
			return errors.New("mobility.replay_file is required for replay mobility")
		}
	case "orbital":
		for node := 1; node <= n; node++ {
			if _, ok := cfg.Mobility.TLEs[node]; !ok {
				return fmt.Errorf("mobility.tles: node %d has no TLE", node)
			}
		}
	}
	if cfg.Step.Mode == "realtime" && cfg.Step.Interval <= 0 {
		return errors.New("step.interval must be positive in realtime mode")
	}
	if cfg.Distributed.Enabled && cfg.Distributed.Peers < 1 {
		return errors.New("distributed.peers must be at least 1")
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid scenario: %s", strings.Join(msgs, "; "))
}

// NodeIDs returns 1..Count.
func (c Config) NodeIDs() []int {
	ids := make([]int, 0, c.Nodes.Count)
	for i := 1; i <= c.Nodes.Count; i++ {
		ids = append(ids, i)
	}
	return ids
}

func expand(groups []InterfaceGroup) []model.Interface {
	var out []model.Interface
	for _, g := range groups {
		for i := 0; i < g.Count; i++ {
			out = append(out, model.Interface{Kind: g.Kind, Index: i})
		}
	}
	return out
}

// Topology builds the step engine topology. Server placement is filled in
// by the caller in distributed runs.
func (c Config) Topology() core.Topology {
	t := core.Topology{
		Nodes:             c.NodeIDs(),
		DefaultInterfaces: expand(c.Nodes.Interfaces),
		Hubs:              append([]int(nil), c.Nodes.Hubs...),
		Management:        c.Nodes.Management,
	}
	if len(c.Nodes.Overrides) > 0 {
		t.Interfaces = make(map[int][]model.Interface, len(c.Nodes.Overrides))
		for node, groups := range c.Nodes.Overrides {
			t.Interfaces[node] = expand(groups)
		}
	}
	return t
}

// ImpairmentConfig converts the impairment section for core.NewImpairmentModel.
func (c Config) ImpairmentConfig() core.ImpairmentConfig {
	im := c.Impairment
	return core.ImpairmentConfig{
		Model:     im.Model,
		Threshold: im.Threshold,
		Bandwidth: im.Bandwidth,
		WiFi: core.WiFiConfig{
			MaxBandwidth: im.WiFi.MaxBandwidth,
			MinBandwidth: im.WiFi.MinBandwidth,
			Range:        im.WiFi.Range,
			Scale:        im.WiFi.Scale,
			BaseDelay:    im.WiFi.BaseDelay,
			MaxDelay:     im.WiFi.MaxDelay,
			JitterRatio:  im.WiFi.JitterRatio,
			MaxLoss:      im.WiFi.MaxLoss,
		},
		Initial: model.Settings(im.Initial).Clone(),
	}
}
