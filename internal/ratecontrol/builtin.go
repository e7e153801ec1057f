package ratecontrol

import "github.com/Lochnair/sqm-autorate/internal/config"

// builtin is the default EWMA-driven algorithm: cut the rate proportionally
// when the selected delta exceeds the threshold, grow it only when the link
// is loaded near its current rate, otherwise hold.
type builtin struct {
	ctl config.ControllerConfig
}

func newBuiltin(cc *Context) (decider, error) {
	return &builtin{ctl: cc.Cfg.Controller}, nil
}

func (b *builtin) decide(r Readings) (PluginResults, error) {
	down := stepRate(r.DownKbit, r.DownDeltasMs, r.DownThresholdMs, r.RxLoad, b.ctl)
	up := stepRate(r.UpKbit, r.UpDeltasMs, r.UpThresholdMs, r.TxLoad, b.ctl)
	return PluginResults{DownKbit: &down, UpKbit: &up}, nil
}

func (b *builtin) close() {}

// stepRate advances one direction. With no deltas there is nothing to react
// to, so the current rate stands.
func stepRate(cur float64, deltas []float64, thresholdMs, load float64, ctl config.ControllerConfig) float64 {
	if len(deltas) == 0 {
		return cur
	}
	delta := deltas[percentileIndex(len(deltas), ctl.DeltaPercentile)]
	switch {
	case delta > thresholdMs:
		return cur * (1 - ctl.DecreaseStep)
	case load > ctl.HighLoadLevel:
		return cur * (1 + ctl.IncreaseStep)
	}
	return cur
}
