package core

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/mesh-emulator/model"
)

func TestStepModelBoundary(t *testing.T) {
	m, err := NewStepModel(30, 0, nil)
	if err != nil {
		t.Fatalf("NewStepModel: %v", err)
	}
	if got := m.MaxConnectedDistance(); got != 30 {
		t.Fatalf("MaxConnectedDistance = %d, want 30", got)
	}

	cases := []struct {
		distance float64
		want     bool
	}{
		{0, true},
		{5, true},
		{29, true},
		{29.4, true},
		{29.6, false}, // rounds to 30
		{30, false},
		{1000, false},
		{Unlimited, false},
	}
	for _, tc := range cases {
		ok, s := m.Decide(tc.distance)
		if ok != tc.want {
			t.Fatalf("Decide(%v) = %v, want %v", tc.distance, ok, tc.want)
		}
		if ok && s[model.SettingLoss] != 0 {
			t.Fatalf("Decide(%v) loss = %v, want 0", tc.distance, s[model.SettingLoss])
		}
	}
}

func TestStepModelBandwidth(t *testing.T) {
	m, err := NewStepModel(10, 54000, nil)
	if err != nil {
		t.Fatalf("NewStepModel: %v", err)
	}
	_, s := m.Decide(3)
	if s[model.SettingBandwidth] != 54000 {
		t.Fatalf("bandwidth = %v, want 54000", s[model.SettingBandwidth])
	}
}

func TestStepModelConfigurationErrors(t *testing.T) {
	var cfgErr *ConfigurationError
	if _, err := NewStepModel(0, 0, nil); !errors.As(err, &cfgErr) {
		t.Fatalf("threshold 0: expected ConfigurationError, got %v", err)
	}
	if _, err := NewStepModel(MaxProbeDistance+10, 0, nil); !errors.As(err, &cfgErr) {
		t.Fatalf("huge threshold: expected ConfigurationError, got %v", err)
	}
}

func TestWiFiLinearModel(t *testing.T) {
	m, err := NewWiFiModel(DefaultWiFiConfig(DecayLinear), nil)
	if err != nil {
		t.Fatalf("NewWiFiModel: %v", err)
	}
	// 54000*(1-d/100) > 1000  <=>  d < 98.15
	if got := m.MaxConnectedDistance(); got != 99 {
		t.Fatalf("MaxConnectedDistance = %d, want 99", got)
	}
	ok, near := m.Decide(0)
	if !ok || near[model.SettingBandwidth] != 54000 {
		t.Fatalf("Decide(0) = %v %v", ok, near)
	}
	ok, far := m.Decide(50)
	if !ok {
		t.Fatalf("Decide(50) not connected")
	}
	if far[model.SettingBandwidth] >= near[model.SettingBandwidth] {
		t.Fatalf("bandwidth should drop with distance: %v vs %v", far, near)
	}
	if far[model.SettingDelay] <= near[model.SettingDelay] {
		t.Fatalf("delay should grow with distance: %v vs %v", far, near)
	}
	if ok, _ := m.Decide(99); ok {
		t.Fatalf("Decide(99) connected, want disconnected")
	}
}

func TestWiFiExponentialModel(t *testing.T) {
	m, err := NewWiFiModel(DefaultWiFiConfig(DecayExponential), nil)
	if err != nil {
		t.Fatalf("NewWiFiModel: %v", err)
	}
	// 54000*exp(-d/20) > 1000  <=>  d < 79.78
	if got := m.MaxConnectedDistance(); got != 80 {
		t.Fatalf("MaxConnectedDistance = %d, want 80", got)
	}
}

func TestWiFiModelRejectsBadDecay(t *testing.T) {
	cfg := DefaultWiFiConfig("quadratic")
	var cfgErr *ConfigurationError
	if _, err := NewWiFiModel(cfg, nil); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestNewImpairmentModel(t *testing.T) {
	m, err := NewImpairmentModel(ImpairmentConfig{Model: ModelWiFiLinear, WiFi: DefaultWiFiConfig("")})
	if err != nil {
		t.Fatalf("wifi_linear: %v", err)
	}
	if m.Name() != ModelWiFiLinear {
		t.Fatalf("name = %q", m.Name())
	}
	if _, err := NewImpairmentModel(ImpairmentConfig{Model: "radio"}); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestInitialSettingsAreCopied(t *testing.T) {
	initial := model.Settings{model.SettingDelay: 5}
	m, err := NewStepModel(10, 0, initial)
	if err != nil {
		t.Fatalf("NewStepModel: %v", err)
	}
	initial[model.SettingDelay] = 99
	got := m.InitialSettings()
	got[model.SettingLoss] = 1
	if s := m.InitialSettings(); s[model.SettingDelay] != 5 || len(s) != 1 {
		t.Fatalf("initial settings leaked mutations: %v", s)
	}
}
