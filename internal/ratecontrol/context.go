package ratecontrol

import (
	"github.com/Lochnair/sqm-autorate/internal/baseline"
	"github.com/Lochnair/sqm-autorate/internal/config"
	"github.com/Lochnair/sqm-autorate/internal/probe"
	"github.com/Lochnair/sqm-autorate/internal/reflector"
	"github.com/Lochnair/sqm-autorate/internal/util"
)

// Sink programs the shaper with new rates.
type Sink interface {
	Apply(downKbit, upKbit float64) error
}

// CounterReader reads cumulative byte counters for the shaped directions.
type CounterReader interface {
	Counters() (rxBytes, txBytes uint64, err error)
}

// Context bundles everything a controller needs for the lifetime of a run.
// It is fixed at construction and shared read-only.
type Context struct {
	Cfg      config.Config
	Pool     *reflector.Pool
	Baseline *baseline.Baseliner
	Samples  *probe.SampleBuffer
	Sink     Sink
	Counters CounterReader
	Logger   util.Logger
}
