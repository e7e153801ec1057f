// Package baseline tracks the "no load" one-way delay per reflector and
// direction. Raw OWD readings carry an unknown clock offset, so absolute
// values are meaningless; everything downstream works on the distance
// between a fresh reading and the baseline kept here.
package baseline

import (
	"math"
	"net/netip"
	"sync"
	"time"
)

const (
	// Half-lives for the two tracked series. The baseline recovers from a
	// stale minimum over minutes; the recent series follows load changes
	// within a second.
	slowHalfLife = 135 * time.Second
	fastHalfLife = 400 * time.Millisecond

	// A reflector unseen this long is reseeded from its next sample; the
	// old floor may predate an outage or route change.
	staleAfter = 30 * time.Second

	// Readings this far over baseline are clock steps or routing accidents,
	// not queueing.
	outlierMs = 5000.0
)

// ewmaAlpha is the per-update weight that yields the wanted half-life at the
// given update interval.
func ewmaAlpha(interval, halfLife time.Duration) float64 {
	if interval <= 0 || halfLife <= 0 {
		return 1
	}
	return 1 - math.Exp(-math.Ln2*float64(interval)/float64(halfLife))
}

type entry struct {
	baseDown, baseUp     float64
	recentDown, recentUp float64
	lastSeen             time.Time
}

// Baseliner is written only by the probe receiver; the controller reads it
// under the read lock.
type Baseliner struct {
	mu        sync.RWMutex
	entries   map[netip.Addr]*entry
	slowAlpha float64
	fastAlpha float64
}

func NewBaseliner(probeInterval time.Duration) *Baseliner {
	return &Baseliner{
		entries:   make(map[netip.Addr]*entry),
		slowAlpha: ewmaAlpha(probeInterval, slowHalfLife),
		fastAlpha: ewmaAlpha(probeInterval, fastHalfLife),
	}
}

// Update folds one delay pair into the reflector's tracked state and reports
// whether the pair is an outlier. Outliers leave the state untouched apart
// from clearing freshness, so the next sane reply reseeds cleanly.
func (b *Baseliner) Update(addr netip.Addr, downMs, upMs float64, at time.Time) (outlier bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[addr]
	if e == nil {
		b.entries[addr] = &entry{
			baseDown: downMs, baseUp: upMs,
			recentDown: downMs, recentUp: upMs,
			lastSeen: at,
		}
		return false
	}
	if at.Sub(e.lastSeen) > staleAfter {
		*e = entry{
			baseDown: downMs, baseUp: upMs,
			recentDown: downMs, recentUp: upMs,
			lastSeen: at,
		}
		return false
	}
	if downMs > e.baseDown+outlierMs || upMs > e.baseUp+outlierMs {
		e.lastSeen = time.Time{}
		return true
	}
	e.baseDown = tighten(e.baseDown, downMs, b.slowAlpha)
	e.baseUp = tighten(e.baseUp, upMs, b.slowAlpha)
	e.recentDown += b.fastAlpha * (downMs - e.recentDown)
	e.recentUp += b.fastAlpha * (upMs - e.recentUp)
	e.lastSeen = at
	return false
}

// tighten snaps the baseline to a lower sample immediately and decays it
// toward a higher one; a single decay step can never overshoot the sample.
func tighten(base, sample, alpha float64) float64 {
	if sample < base {
		return sample
	}
	return base + alpha*(sample-base)
}

func (b *Baseliner) BaselineFor(addr netip.Addr) (downMs, upMs float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e := b.entries[addr]
	if e == nil {
		return 0, 0, false
	}
	return e.baseDown, e.baseUp, true
}

func (b *Baseliner) RecentFor(addr netip.Addr) (downMs, upMs float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e := b.entries[addr]
	if e == nil {
		return 0, 0, false
	}
	return e.recentDown, e.recentUp, true
}

// Forget drops a reflector's state after it leaves the pool.
func (b *Baseliner) Forget(addr netip.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, addr)
}

func (b *Baseliner) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
