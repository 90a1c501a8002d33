package model

import (
	"fmt"
	"sort"
	"strings"
)

// Well-known impairment keys. Backends are free to understand further keys;
// the engine passes every key through untouched.
const (
	SettingBandwidth = "bandwidth" // kbit/s
	SettingLoss      = "loss"      // percent
	SettingDelay     = "delay"     // milliseconds
	SettingJitter    = "jitter"    // milliseconds
)

// Settings is an opaque bag of link impairment values.
type Settings map[string]float64

// Clone returns an independent copy. A nil receiver yields nil.
func (s Settings) Clone() Settings {
	if s == nil {
		return nil
	}
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether both bags hold the same keys and values. A nil bag
// equals an empty one.
func (s Settings) Equal(other Settings) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders the bag with sorted keys so log lines are stable.
func (s Settings) String() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%g", k, s[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// MergeSettings layers override on top of base. Keys present in override win.
func MergeSettings(base, override Settings) Settings {
	out := make(Settings, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
