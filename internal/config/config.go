package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Lochnair/sqm-autorate/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel = "info"

	defaultProbeInterval = 500 * time.Millisecond
	defaultProbeTimeout  = 1 * time.Second

	defaultPoolSize        = 5
	defaultSuspectAfter    = 3
	defaultEvictAfter      = 8
	defaultMaxFailureRatio = 0.9

	defaultTickInterval    = 500 * time.Millisecond
	defaultStartupDelay    = 10 * time.Second
	defaultDeltaPercentile = 0.8
	defaultIncreaseStep    = 0.025
	defaultDecreaseStep    = 0.1
	defaultHighLoadLevel   = 0.8
	defaultScriptBudget    = 50 * time.Millisecond

	defaultDelayThresholdMs = 15.0
	defaultMinRateFraction  = 0.2
	minRateFloorKbit        = 1000.0

	QdiscCake = "cake"
	QdiscHTB  = "htb"

	ProbeTypeTimestamp = "timestamp"
	ProbeTypeEcho      = "echo"

	AlgorithmEWMA = "ewma"
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Download   DirectionConfig  `yaml:"download"`
	Upload     DirectionConfig  `yaml:"upload"`
	Qdisc      string           `yaml:"qdisc"`
	Probe      ProbeConfig      `yaml:"probe"`
	Reflectors ReflectorsConfig `yaml:"reflectors"`
	Controller ControllerConfig `yaml:"controller"`
	Plugins    []string         `yaml:"plugins"`
}

// DirectionConfig describes one shaped direction. Rates are kbit/s, matching
// what tc reports and what CAKE's base rate is usually specified in.
type DirectionConfig struct {
	Interface string  `yaml:"interface"`
	BaseKbit  float64 `yaml:"base_kbit"`
	MinKbit   float64 `yaml:"min_kbit"`
	MaxKbit   float64 `yaml:"max_kbit"`
	DelayMs   float64 `yaml:"delay_ms"`
}

type ProbeConfig struct {
	Type     string   `yaml:"type"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

type ReflectorsConfig struct {
	ListFile        string  `yaml:"list_file"`
	PoolSize        int     `yaml:"pool_size"`
	SuspectAfter    int     `yaml:"suspect_after"`
	EvictAfter      int     `yaml:"evict_after"`
	MaxFailureRatio float64 `yaml:"max_failure_ratio"`
}

type ControllerConfig struct {
	Algorithm       string   `yaml:"algorithm"`
	Interval        Duration `yaml:"interval"`
	StartupDelay    Duration `yaml:"startup_delay"`
	DeltaPercentile float64  `yaml:"delta_percentile"`
	IncreaseStep    float64  `yaml:"increase_step"`
	DecreaseStep    float64  `yaml:"decrease_step"`
	HighLoadLevel   float64  `yaml:"high_load_level"`
	ScriptBudget    Duration `yaml:"script_budget"`
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	c.Download.setDefaults()
	c.Upload.setDefaults()
	if c.Qdisc == "" {
		c.Qdisc = QdiscCake
	}
	if c.Probe.Type == "" {
		c.Probe.Type = ProbeTypeTimestamp
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = Duration(defaultProbeInterval)
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = Duration(defaultProbeTimeout)
	}
	if c.Reflectors.PoolSize == 0 {
		c.Reflectors.PoolSize = defaultPoolSize
	}
	if c.Reflectors.SuspectAfter == 0 {
		c.Reflectors.SuspectAfter = defaultSuspectAfter
	}
	if c.Reflectors.EvictAfter == 0 {
		c.Reflectors.EvictAfter = defaultEvictAfter
	}
	if c.Reflectors.MaxFailureRatio == 0 {
		c.Reflectors.MaxFailureRatio = defaultMaxFailureRatio
	}
	if c.Controller.Algorithm == "" {
		c.Controller.Algorithm = AlgorithmEWMA
	}
	if c.Controller.Interval == 0 {
		c.Controller.Interval = Duration(defaultTickInterval)
	}
	if c.Controller.StartupDelay == 0 {
		c.Controller.StartupDelay = Duration(defaultStartupDelay)
	}
	if c.Controller.DeltaPercentile == 0 {
		c.Controller.DeltaPercentile = defaultDeltaPercentile
	}
	if c.Controller.IncreaseStep == 0 {
		c.Controller.IncreaseStep = defaultIncreaseStep
	}
	if c.Controller.DecreaseStep == 0 {
		c.Controller.DecreaseStep = defaultDecreaseStep
	}
	if c.Controller.HighLoadLevel == 0 {
		c.Controller.HighLoadLevel = defaultHighLoadLevel
	}
	if c.Controller.ScriptBudget == 0 {
		c.Controller.ScriptBudget = Duration(defaultScriptBudget)
	}
}

func (d *DirectionConfig) setDefaults() {
	if d.MinKbit == 0 && d.BaseKbit > 0 {
		d.MinKbit = d.BaseKbit * defaultMinRateFraction
		if d.MinKbit < minRateFloorKbit {
			d.MinKbit = minRateFloorKbit
		}
		if d.MinKbit > d.BaseKbit {
			d.MinKbit = d.BaseKbit
		}
	}
	if d.MaxKbit == 0 {
		d.MaxKbit = d.BaseKbit
	}
	if d.DelayMs == 0 {
		d.DelayMs = defaultDelayThresholdMs
	}
}

func (d *DirectionConfig) validate(name string) error {
	if d.Interface == "" {
		return fmt.Errorf("%s.interface is required", name)
	}
	if d.BaseKbit <= 0 {
		return fmt.Errorf("%s.base_kbit must be > 0", name)
	}
	if d.MinKbit <= 0 {
		return fmt.Errorf("%s.min_kbit must be > 0", name)
	}
	if d.MaxKbit < d.MinKbit {
		return fmt.Errorf("%s.max_kbit must be >= min_kbit", name)
	}
	if d.DelayMs <= 0 {
		return fmt.Errorf("%s.delay_ms must be > 0", name)
	}
	return nil
}

func (c *Config) validate() error {
	if _, err := util.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if err := c.Download.validate("download"); err != nil {
		return err
	}
	if err := c.Upload.validate("upload"); err != nil {
		return err
	}
	switch c.Qdisc {
	case QdiscCake, QdiscHTB:
	default:
		return fmt.Errorf("qdisc must be %q or %q, got %q", QdiscCake, QdiscHTB, c.Qdisc)
	}
	switch c.Probe.Type {
	case ProbeTypeTimestamp, ProbeTypeEcho:
	default:
		return fmt.Errorf("probe.type must be %q or %q, got %q", ProbeTypeTimestamp, ProbeTypeEcho, c.Probe.Type)
	}
	if c.Probe.Interval.Duration() <= 0 {
		return errors.New("probe.interval must be > 0")
	}
	if c.Probe.Timeout.Duration() <= 0 {
		return errors.New("probe.timeout must be > 0")
	}
	if c.Reflectors.PoolSize < 1 {
		return errors.New("reflectors.pool_size must be >= 1")
	}
	if c.Reflectors.SuspectAfter < 1 {
		return errors.New("reflectors.suspect_after must be >= 1")
	}
	if c.Reflectors.EvictAfter <= c.Reflectors.SuspectAfter {
		return errors.New("reflectors.evict_after must be greater than suspect_after")
	}
	if c.Reflectors.MaxFailureRatio <= 0 || c.Reflectors.MaxFailureRatio > 1 {
		return errors.New("reflectors.max_failure_ratio must be in (0, 1]")
	}
	if c.Controller.Interval.Duration() <= 0 {
		return errors.New("controller.interval must be > 0")
	}
	if c.Controller.StartupDelay.Duration() < 0 {
		return errors.New("controller.startup_delay must be >= 0")
	}
	if c.Controller.DeltaPercentile <= 0 || c.Controller.DeltaPercentile > 1 {
		return errors.New("controller.delta_percentile must be in (0, 1]")
	}
	if c.Controller.IncreaseStep <= 0 || c.Controller.IncreaseStep >= 1 {
		return errors.New("controller.increase_step must be in (0, 1)")
	}
	if c.Controller.DecreaseStep <= 0 || c.Controller.DecreaseStep >= 1 {
		return errors.New("controller.decrease_step must be in (0, 1)")
	}
	if c.Controller.HighLoadLevel <= 0 || c.Controller.HighLoadLevel > 1 {
		return errors.New("controller.high_load_level must be in (0, 1]")
	}
	if c.Controller.ScriptBudget.Duration() <= 0 {
		return errors.New("controller.script_budget must be > 0")
	}
	for i := range c.Plugins {
		c.Plugins[i] = strings.TrimSpace(c.Plugins[i])
		if c.Plugins[i] == "" {
			return fmt.Errorf("plugins[%d] must not be empty", i)
		}
	}
	return nil
}
