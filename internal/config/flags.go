package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Overrides holds command-line values that take precedence over the
// scenario file. Only flags the user actually set are applied.
type Overrides struct {
	Nodes       int
	Interval    time.Duration
	MaxSteps    int
	Mode        string
	Backend     string
	DryRun      bool
	Storage     string
	Reset       bool
	Peers       int
	ReqURL      string
	PubURL      string
	DistMode    string
	LogLevel    string
	MetricsAddr string
}

// Register declares the override flags on fs.
func (o *Overrides) Register(fs *flag.FlagSet) {
	fs.IntVar(&o.Nodes, "nodes", 0, "Number of emulated nodes")
	fs.DurationVar(&o.Interval, "interval", 0, "Tick interval")
	fs.IntVar(&o.MaxSteps, "max-steps", 0, "Stop after this many ticks (0 runs until interrupted)")
	fs.StringVar(&o.Mode, "step-mode", "", "Clock mode: realtime or accelerated")
	fs.StringVar(&o.Backend, "backend", "", "Network backend: null or bridged")
	fs.BoolVar(&o.DryRun, "dry-run", false, "Log backend commands instead of executing them")
	fs.StringVar(&o.Storage, "ledger", "", "Path of the bolt connection ledger (empty keeps it in memory)")
	fs.BoolVar(&o.Reset, "reset-ledger", false, "Clear a persisted ledger before the first tick")
	fs.IntVar(&o.Peers, "peers", 0, "Number of emulation servers in a distributed run")
	fs.StringVar(&o.ReqURL, "req-url", "", "Coordinator request/reply URL")
	fs.StringVar(&o.PubURL, "pub-url", "", "Coordinator broadcast URL")
	fs.StringVar(&o.DistMode, "dist-mode", "", "Matrix distribution: push or broadcast")
	fs.StringVar(&o.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics")
}

// Apply copies every flag set on fs into cfg.
func (o *Overrides) Apply(fs *flag.FlagSet, cfg *Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "nodes":
			cfg.Nodes.Count = o.Nodes
		case "interval":
			cfg.Step.Interval = o.Interval
		case "max-steps":
			cfg.Step.MaxSteps = o.MaxSteps
		case "step-mode":
			cfg.Step.Mode = o.Mode
		case "backend":
			cfg.Network.Backend = o.Backend
		case "dry-run":
			cfg.Network.DryRun = o.DryRun
		case "ledger":
			cfg.Storage.Path = o.Storage
		case "reset-ledger":
			cfg.Storage.Reset = o.Reset
		case "peers":
			cfg.Distributed.Peers = o.Peers
		case "req-url":
			cfg.Distributed.ReqURL = o.ReqURL
		case "pub-url":
			cfg.Distributed.PubURL = o.PubURL
		case "dist-mode":
			cfg.Distributed.Mode = o.DistMode
		case "log-level":
			cfg.Observability.LogLevel = o.LogLevel
		case "metrics-addr":
			cfg.Observability.MetricsAddr = o.MetricsAddr
		}
	})
}

// LoadWithFlags reads path, layers the flags set on fs over it, then
// defaults and validates the result.
func LoadWithFlags(path string, fs *flag.FlagSet, o *Overrides) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse scenario: %w", err)
	}
	o.Apply(fs, &cfg)
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
