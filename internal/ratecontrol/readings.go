package ratecontrol

import "time"

// Readings is the per-tick snapshot handed to the decision step and to every
// plugin. It is built once per tick and not mutated afterwards.
type Readings struct {
	DownKbit float64
	UpKbit   float64

	// Per-direction baseline deltas in milliseconds, sorted ascending.
	DownDeltasMs []float64
	UpDeltasMs   []float64

	// Cumulative interface byte counters at this tick, plus the load they
	// imply relative to the current rates over the tick duration.
	RxBytes uint64
	TxBytes uint64
	RxLoad  float64
	TxLoad  float64

	TickDuration time.Duration

	DownThresholdMs float64
	UpThresholdMs   float64
}

// PluginResults carries optional overrides from a script or plugin. A nil
// field keeps the computed value.
type PluginResults struct {
	DownKbit        *float64
	UpKbit          *float64
	DownThresholdMs *float64
	UpThresholdMs   *float64
}

// merge folds o into r field by field, later values winning.
func (r *PluginResults) merge(o PluginResults) {
	if o.DownKbit != nil {
		r.DownKbit = o.DownKbit
	}
	if o.UpKbit != nil {
		r.UpKbit = o.UpKbit
	}
	if o.DownThresholdMs != nil {
		r.DownThresholdMs = o.DownThresholdMs
	}
	if o.UpThresholdMs != nil {
		r.UpThresholdMs = o.UpThresholdMs
	}
}
