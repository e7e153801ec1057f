// Package ratecontrol implements the per-tick feedback loop that turns
// baseline delay deltas and link load into shaping rate adjustments. The
// decision step is pluggable: a built-in EWMA-driven algorithm or a
// user-supplied Lua script, both post-processed by an optional plugin chain.
package ratecontrol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Lochnair/sqm-autorate/internal/config"
	"github.com/Lochnair/sqm-autorate/internal/util"
)

// Rates after the warmup window start at this fraction of the configured
// base so the link carries real traffic without opening fully untested.
const startFraction = 0.6

// Controller runs the rate-control loop until its context is cancelled.
type Controller interface {
	Run(ctx context.Context) error
}

// decider is one tick's rate decision. Implementations never touch the
// shaper; the loop owns clamping and application.
type decider interface {
	decide(r Readings) (PluginResults, error)
	close()
}

// New builds a controller for the configured algorithm. Algorithm names
// resolve against the built-in registry first; anything that looks like a
// path is loaded as a Lua script.
func New(cc *Context) (Controller, error) {
	algorithm := cc.Cfg.Controller.Algorithm
	var (
		dec decider
		err error
	)
	switch {
	case algorithm == config.AlgorithmEWMA:
		dec, err = newBuiltin(cc)
	case strings.HasSuffix(algorithm, ".lua") || strings.ContainsAny(algorithm, `/\`):
		dec, err = newScripted(cc, algorithm)
	default:
		return nil, fmt.Errorf("unknown ratecontrol algorithm %q", algorithm)
	}
	if err != nil {
		return nil, err
	}

	h, err := newHook(cc.Cfg.Plugins, cc.Cfg.Controller.ScriptBudget.Duration(), cc.Logger)
	if err != nil {
		dec.close()
		return nil, err
	}

	return &loop{cc: cc, dec: dec, hook: h}, nil
}

// loop is the tick machinery shared by every decider. All mutable state is
// owned by the Run goroutine; nothing here needs a lock.
type loop struct {
	cc   *Context
	dec  decider
	hook *hook

	downKbit float64
	upKbit   float64

	downThresholdMs float64
	upThresholdMs   float64

	prevRx   uint64
	prevTx   uint64
	prevAt   time.Time
	havePrev bool

	lastApplyFailed bool
}

func (l *loop) Run(ctx context.Context) error {
	defer l.dec.close()
	defer l.hook.close()

	cfg := l.cc.Cfg
	if delay := cfg.Controller.StartupDelay.Duration(); delay > 0 {
		l.cc.Logger.Info("waiting for baselines to settle", "startup_delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}

	// Warmup samples already fed the baseliner on receive; the loop wants a
	// clean first tick, not ten seconds of backlog.
	l.cc.Samples.TakeAll()
	l.start()

	ticker := time.NewTicker(cfg.Controller.Interval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.tick(time.Now())
		}
	}
}

// start seeds thresholds and rates and pushes the first post-warmup rates to
// the shaper.
func (l *loop) start() {
	cfg := l.cc.Cfg
	l.downThresholdMs = cfg.Download.DelayMs
	l.upThresholdMs = cfg.Upload.DelayMs
	l.downKbit = util.Clamp(cfg.Download.BaseKbit*startFraction, cfg.Download.MinKbit, cfg.Download.MaxKbit)
	l.upKbit = util.Clamp(cfg.Upload.BaseKbit*startFraction, cfg.Upload.MinKbit, cfg.Upload.MaxKbit)
	l.apply()
}

func (l *loop) tick(now time.Time) {
	cfg := l.cc.Cfg
	r, ok := l.collect(now)
	if !ok {
		return
	}

	nextDown, nextUp := r.DownKbit, r.UpKbit
	res, err := l.dec.decide(r)
	if err != nil {
		l.cc.Logger.Warn("rate calculation failed, using minimum rates this tick", "error", err)
		nextDown, nextUp = cfg.Download.MinKbit, cfg.Upload.MinKbit
	} else {
		// A direction without deltas holds its rate no matter what the
		// decider returned; there was nothing to decide on.
		if res.DownKbit != nil && len(r.DownDeltasMs) > 0 {
			nextDown = *res.DownKbit
		}
		if res.UpKbit != nil && len(r.UpDeltasMs) > 0 {
			nextUp = *res.UpKbit
		}
		if res.DownThresholdMs != nil {
			l.downThresholdMs = *res.DownThresholdMs
		}
		if res.UpThresholdMs != nil {
			l.upThresholdMs = *res.UpThresholdMs
		}
	}

	over := l.hook.process(r)
	if over.DownKbit != nil {
		nextDown = *over.DownKbit
	}
	if over.UpKbit != nil {
		nextUp = *over.UpKbit
	}
	if over.DownThresholdMs != nil {
		l.downThresholdMs = *over.DownThresholdMs
	}
	if over.UpThresholdMs != nil {
		l.upThresholdMs = *over.UpThresholdMs
	}

	nextDown = util.Clamp(nextDown, cfg.Download.MinKbit, cfg.Download.MaxKbit)
	nextUp = util.Clamp(nextUp, cfg.Upload.MinKbit, cfg.Upload.MaxKbit)

	changed := nextDown != l.downKbit || nextUp != l.upKbit
	l.downKbit, l.upKbit = nextDown, nextUp
	if changed || l.lastApplyFailed {
		l.apply()
	}
}

// collect drains the tick's samples and assembles the readings. A counter
// read failure holds the current rates for this tick; the samples are still
// consumed so the next tick starts fresh.
func (l *loop) collect(now time.Time) (Readings, bool) {
	samples := l.cc.Samples.TakeAll()
	downDeltas, upDeltas := collectDeltas(samples, l.cc.Baseline)

	rx, tx, err := l.cc.Counters.Counters()
	if err != nil {
		l.cc.Logger.Warn("interface counters unavailable, holding rates", "error", err)
		return Readings{}, false
	}

	elapsed := l.cc.Cfg.Controller.Interval.Duration()
	var rxLoad, txLoad float64
	if l.havePrev {
		if measured := now.Sub(l.prevAt); measured > 0 {
			elapsed = measured
		}
		// Counters going backwards means the interface was reset; skip the
		// load reading and rebase.
		if rx >= l.prevRx && tx >= l.prevTx {
			rxLoad = loadFraction(rx-l.prevRx, elapsed, l.downKbit)
			txLoad = loadFraction(tx-l.prevTx, elapsed, l.upKbit)
		}
	}
	l.prevRx, l.prevTx, l.prevAt, l.havePrev = rx, tx, now, true

	return Readings{
		DownKbit:        l.downKbit,
		UpKbit:          l.upKbit,
		DownDeltasMs:    downDeltas,
		UpDeltasMs:      upDeltas,
		RxBytes:         rx,
		TxBytes:         tx,
		RxLoad:          rxLoad,
		TxLoad:          txLoad,
		TickDuration:    elapsed,
		DownThresholdMs: l.downThresholdMs,
		UpThresholdMs:   l.upThresholdMs,
	}, true
}

func (l *loop) apply() {
	if err := l.cc.Sink.Apply(l.downKbit, l.upKbit); err != nil {
		l.lastApplyFailed = true
		l.cc.Logger.Warn("shaper update failed, will retry next tick", "error", err)
		return
	}
	l.lastApplyFailed = false
	l.cc.Logger.Debug("shaping rates applied", "down_kbit", l.downKbit, "up_kbit", l.upKbit)
}
