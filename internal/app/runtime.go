package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"github.com/Lochnair/sqm-autorate/internal/baseline"
	"github.com/Lochnair/sqm-autorate/internal/config"
	"github.com/Lochnair/sqm-autorate/internal/probe"
	"github.com/Lochnair/sqm-autorate/internal/ratecontrol"
	"github.com/Lochnair/sqm-autorate/internal/reflector"
	"github.com/Lochnair/sqm-autorate/internal/shaping"
	"github.com/Lochnair/sqm-autorate/internal/util"
	"golang.org/x/sync/errgroup"
)

// Runtime owns one run's collaborators and goroutines: the probe sender, the
// receiver per address family, and the rate controller.
type Runtime struct {
	cfg    config.Config
	ctx    context.Context
	cancel context.CancelFunc
	logger util.Logger

	pool   *reflector.Pool
	base   *baseline.Baseliner
	buf    *probe.SampleBuffer
	pinger *probe.Pinger
	shaper *shaping.TrafficShaper
	ctrl   ratecontrol.Controller

	group *errgroup.Group
}

func NewRuntime(cfg config.Config, logger util.Logger) (*Runtime, error) {
	candidates, err := cfg.CandidateReflectors()
	if err != nil {
		return nil, err
	}
	candidates, dropped := filterCandidates(candidates, cfg.Probe.Type)
	if dropped > 0 {
		logger.Warn("ignoring IPv6 reflectors, timestamp probes are IPv4 only", "dropped", dropped)
	}
	if len(candidates) == 0 {
		return nil, errors.New("no usable reflectors configured")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	base := baseline.NewBaseliner(cfg.Probe.Interval.Duration())
	pool := reflector.NewPool(candidates, cfg.Reflectors.PoolSize, reflector.Thresholds{
		SuspectAfter:    cfg.Reflectors.SuspectAfter,
		EvictAfter:      cfg.Reflectors.EvictAfter,
		MaxFailureRatio: cfg.Reflectors.MaxFailureRatio,
	}, rng, logger)
	pool.SetEvictCallback(func(old, replacement netip.Addr) {
		base.Forget(old)
	})

	shaper, err := shaping.NewShaper(cfg, logger)
	if err != nil {
		return nil, err
	}

	buf := probe.NewSampleBuffer()
	wantV6 := cfg.Probe.Type == config.ProbeTypeEcho && hasV6(candidates)
	pinger, err := probe.NewPinger(cfg.Probe, wantV6, pool, base, buf, logger)
	if err != nil {
		return nil, err
	}

	ctrl, err := ratecontrol.New(&ratecontrol.Context{
		Cfg:      cfg,
		Pool:     pool,
		Baseline: base,
		Samples:  buf,
		Sink:     shaper,
		Counters: shaper,
		Logger:   logger,
	})
	if err != nil {
		pinger.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		pool:   pool,
		base:   base,
		buf:    buf,
		pinger: pinger,
		shaper: shaper,
		ctrl:   ctrl,
	}, nil
}

func (r *Runtime) Start() error {
	// Hold the link at the configured floor while baselines settle; the
	// controller raises it after the startup delay.
	if err := r.shaper.Apply(r.cfg.Download.MinKbit, r.cfg.Upload.MinKbit); err != nil {
		return fmt.Errorf("apply initial rates: %w", err)
	}

	g, ctx := errgroup.WithContext(r.ctx)
	r.group = g
	g.Go(func() error { return r.pinger.RunSender(ctx) })
	g.Go(func() error { return r.pinger.RunReceiver(ctx) })
	if r.pinger.HasV6() {
		g.Go(func() error { return r.pinger.RunReceiverV6(ctx) })
	}
	g.Go(func() error { return r.ctrl.Run(ctx) })
	return nil
}

// Wait blocks until all runtime goroutines exit and returns the first error
// among them.
func (r *Runtime) Wait() error {
	if r.group == nil {
		return nil
	}
	return r.group.Wait()
}

func (r *Runtime) Stop() {
	r.cancel()
	if r.pinger != nil {
		r.pinger.Close()
	}
	if r.group != nil {
		if err := r.group.Wait(); err != nil {
			r.logger.Error("shutdown finished with error", "error", err)
		}
	}
}

// filterCandidates drops addresses the probe mode cannot reach. ICMP
// timestamp requests only exist for IPv4.
func filterCandidates(addrs []netip.Addr, probeType string) ([]netip.Addr, int) {
	if probeType != config.ProbeTypeTimestamp {
		return addrs, 0
	}
	kept := addrs[:0]
	dropped := 0
	for _, a := range addrs {
		if a.Is4() {
			kept = append(kept, a)
		} else {
			dropped++
		}
	}
	return kept, dropped
}

func hasV6(addrs []netip.Addr) bool {
	for _, a := range addrs {
		if a.Is6() {
			return true
		}
	}
	return false
}
