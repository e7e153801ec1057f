package ratecontrol

import (
	"math"
	"sort"
	"time"

	"github.com/Lochnair/sqm-autorate/internal/baseline"
	"github.com/Lochnair/sqm-autorate/internal/probe"
)

// collectDeltas computes per-direction deltas between each sample and the
// current baseline of its reflector, sorted ascending. Samples whose
// reflector has no baseline (evicted between receive and drain) are skipped.
func collectDeltas(samples []probe.Sample, base *baseline.Baseliner) (downDeltas, upDeltas []float64) {
	for _, s := range samples {
		baseDown, baseUp, ok := base.BaselineFor(s.Reflector)
		if !ok {
			continue
		}
		downDeltas = append(downDeltas, s.DownMs-baseDown)
		upDeltas = append(upDeltas, s.UpMs-baseUp)
	}
	sort.Float64s(downDeltas)
	sort.Float64s(upDeltas)
	return downDeltas, upDeltas
}

// percentileIndex returns the nearest-rank index for percentile p in a
// sorted slice of length n.
func percentileIndex(n int, p float64) int {
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// loadFraction converts a byte-counter delta over elapsed time into a
// fraction of the given shaping rate.
func loadFraction(bytes uint64, elapsed time.Duration, rateKbit float64) float64 {
	if rateKbit <= 0 || elapsed <= 0 {
		return 0
	}
	kbits := float64(bytes) * 8 / 1000
	return kbits / elapsed.Seconds() / rateKbit
}
