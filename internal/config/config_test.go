package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
download:
  interface: ifb4eth0
  base_kbit: 85000
upload:
  interface: eth0
  base_kbit: 12000
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Qdisc != QdiscCake {
		t.Errorf("Qdisc = %q, want cake", cfg.Qdisc)
	}
	if cfg.Probe.Type != ProbeTypeTimestamp {
		t.Errorf("Probe.Type = %q, want timestamp", cfg.Probe.Type)
	}
	if got := cfg.Probe.Interval.Duration(); got != 500*time.Millisecond {
		t.Errorf("Probe.Interval = %v, want 500ms", got)
	}
	if got := cfg.Controller.Interval.Duration(); got != 500*time.Millisecond {
		t.Errorf("Controller.Interval = %v, want 500ms", got)
	}
	if cfg.Reflectors.PoolSize != 5 {
		t.Errorf("Reflectors.PoolSize = %d, want 5", cfg.Reflectors.PoolSize)
	}
	if cfg.Controller.DeltaPercentile != 0.8 {
		t.Errorf("DeltaPercentile = %v, want 0.8", cfg.Controller.DeltaPercentile)
	}
	if cfg.Download.MinKbit != 17000 {
		t.Errorf("Download.MinKbit = %v, want 17000", cfg.Download.MinKbit)
	}
	if cfg.Download.MaxKbit != 85000 {
		t.Errorf("Download.MaxKbit = %v, want 85000", cfg.Download.MaxKbit)
	}
	if cfg.Download.DelayMs != 15 {
		t.Errorf("Download.DelayMs = %v, want 15", cfg.Download.DelayMs)
	}
	if cfg.Upload.MinKbit != 2400 {
		t.Errorf("Upload.MinKbit = %v, want 2400", cfg.Upload.MinKbit)
	}
}

func TestLoadConfigMinRateFloor(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
download:
  interface: ifb4eth0
  base_kbit: 2000
upload:
  interface: eth0
  base_kbit: 800
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Download.MinKbit != 1000 {
		t.Errorf("Download.MinKbit = %v, want 1000 (floor)", cfg.Download.MinKbit)
	}
	if cfg.Upload.MinKbit != 800 {
		t.Errorf("Upload.MinKbit = %v, want 800 (capped at base)", cfg.Upload.MinKbit)
	}
}

func TestLoadConfigDurationForms(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
probe:
  interval: 2
  timeout: 250ms
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := cfg.Probe.Interval.Duration(); got != 2*time.Second {
		t.Errorf("bare-number interval = %v, want 2s", got)
	}
	if got := cfg.Probe.Timeout.Duration(); got != 250*time.Millisecond {
		t.Errorf("string timeout = %v, want 250ms", got)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing download interface", `
download:
  base_kbit: 85000
upload:
  interface: eth0
  base_kbit: 12000
`},
		{"zero base rate", `
download:
  interface: ifb4eth0
upload:
  interface: eth0
  base_kbit: 12000
`},
		{"min above max", strings.Replace(minimalConfig, "base_kbit: 85000", "base_kbit: 85000\n  min_kbit: 90000", 1)},
		{"bad qdisc", minimalConfig + `
qdisc: codel
`},
		{"bad probe type", minimalConfig + `
probe:
  type: udp
`},
		{"bad percentile", minimalConfig + `
controller:
  delta_percentile: 1.5
`},
		{"evict not above suspect", minimalConfig + `
reflectors:
  suspect_after: 5
  evict_after: 5
`},
		{"bad log level", minimalConfig + `
log_level: loud
`},
		{"empty plugin path", minimalConfig + `
plugins:
  - ""
`},
	}
	for _, tc := range cases {
		if _, err := LoadConfig(writeConfig(t, tc.body)); err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
	}
}
