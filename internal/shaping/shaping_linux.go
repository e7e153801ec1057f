//go:build linux

package shaping

import (
	"fmt"

	"github.com/Lochnair/sqm-autorate/internal/config"
	"github.com/Lochnair/sqm-autorate/internal/util"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// TCA_CAKE_BASE_RATE64 from the kernel's pkt_sched.h. The netlink library
// lists cake qdiscs as generic ones without typed options, so rate changes
// go out as a raw RTM_NEWQDISC.
const tcaCakeBaseRate64 = 2

const (
	htbQdiscMajor uint16 = 1
	htbClassMinor uint16 = 1
)

// shapedIface is one shaped interface with its discovered qdisc coordinates.
type shapedIface struct {
	name   string
	index  int
	mtu    int
	handle uint32
	parent uint32
}

// TrafficShaper adjusts the rates of pre-installed qdiscs on the download
// and upload interfaces. It never creates or deletes qdiscs; sqm-scripts or
// the operator own the tc tree.
type TrafficShaper struct {
	qdisc  string
	down   shapedIface
	up     shapedIface
	logger util.Logger
}

// NewShaper resolves both interfaces and verifies the configured qdisc is
// installed on each.
func NewShaper(cfg config.Config, logger util.Logger) (*TrafficShaper, error) {
	s := &TrafficShaper{qdisc: cfg.Qdisc, logger: logger}
	var err error
	if s.down, err = resolveIface(cfg.Download.Interface, cfg.Qdisc); err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if s.up, err = resolveIface(cfg.Upload.Interface, cfg.Qdisc); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	logger.Info("shaper ready",
		"qdisc", s.qdisc,
		"download", s.down.name,
		"upload", s.up.name)
	return s, nil
}

func resolveIface(name, kind string) (shapedIface, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return shapedIface{}, fmt.Errorf("interface %s: %w", name, err)
	}
	qdiscs, err := netlink.QdiscList(link)
	if err != nil {
		return shapedIface{}, fmt.Errorf("QdiscList(%s): %w", name, err)
	}
	for _, q := range qdiscs {
		if q.Type() != kind {
			continue
		}
		if kind == config.QdiscHTB {
			if err := verifyHTBClass(link); err != nil {
				return shapedIface{}, err
			}
		}
		return shapedIface{
			name:   name,
			index:  link.Attrs().Index,
			mtu:    link.Attrs().MTU,
			handle: q.Attrs().Handle,
			parent: q.Attrs().Parent,
		}, nil
	}
	return shapedIface{}, fmt.Errorf("interface %s has no %s qdisc: %w", name, kind, ErrQdiscNotFound)
}

// verifyHTBClass confirms class 1:1 exists under the root qdisc. Rate changes
// target that class, so a tree without it would fail on every tick.
func verifyHTBClass(link netlink.Link) error {
	classes, err := netlink.ClassList(link, netlink.MakeHandle(htbQdiscMajor, 0))
	if err != nil {
		return fmt.Errorf("ClassList(%s): %w", link.Attrs().Name, err)
	}
	want := netlink.MakeHandle(htbQdiscMajor, htbClassMinor)
	for _, c := range classes {
		if c.Attrs().Handle == want {
			return nil
		}
	}
	return fmt.Errorf("interface %s has no htb class %d:%d: %w",
		link.Attrs().Name, htbQdiscMajor, htbClassMinor, ErrQdiscNotFound)
}

// Apply programs both directions. The first failure aborts so the caller can
// retry the whole pair on the next tick.
func (s *TrafficShaper) Apply(downKbit, upKbit float64) error {
	if err := s.applyOne(s.down, downKbit); err != nil {
		return fmt.Errorf("download %s: %w", s.down.name, err)
	}
	if err := s.applyOne(s.up, upKbit); err != nil {
		return fmt.Errorf("upload %s: %w", s.up.name, err)
	}
	return nil
}

func (s *TrafficShaper) applyOne(ifc shapedIface, kbit float64) error {
	switch s.qdisc {
	case config.QdiscCake:
		return changeCakeRate(ifc, kbit)
	case config.QdiscHTB:
		return changeHTBRate(ifc, kbit)
	}
	return fmt.Errorf("unsupported qdisc %q", s.qdisc)
}

// changeCakeRate rewrites TCA_CAKE_BASE_RATE64 on the existing qdisc. cake
// only updates the attributes present in the request; everything else keeps
// its current value.
func changeCakeRate(ifc shapedIface, kbit float64) error {
	req := nl.NewNetlinkRequest(unix.RTM_NEWQDISC, unix.NLM_F_ACK)
	req.AddData(&nl.TcMsg{
		Family:  nl.FAMILY_ALL,
		Ifindex: int32(ifc.index),
		Handle:  ifc.handle,
		Parent:  ifc.parent,
	})
	req.AddData(nl.NewRtAttr(nl.TCA_KIND, nl.ZeroTerminated(config.QdiscCake)))
	options := nl.NewRtAttr(nl.TCA_OPTIONS, nil)
	options.AddRtAttr(tcaCakeBaseRate64, nl.Uint64Attr(kbitToBytesPerSec(kbit)))
	req.AddData(options)
	if _, err := req.Execute(unix.NETLINK_ROUTE, 0); err != nil {
		return fmt.Errorf("RTM_NEWQDISC(cake): %w", err)
	}
	return nil
}

// changeHTBRate retunes class 1:1 under the root HTB qdisc, following the
// sqm-scripts layout where all shaped traffic flows through that class.
func changeHTBRate(ifc shapedIface, kbit float64) error {
	rateBytes := kbitToBytesPerSec(kbit)
	burst := uint32(float64(rateBytes)/netlink.Hz() + float64(ifc.mtu))
	class := &netlink.HtbClass{
		ClassAttrs: netlink.ClassAttrs{
			LinkIndex: ifc.index,
			Handle:    netlink.MakeHandle(htbQdiscMajor, htbClassMinor),
			Parent:    netlink.MakeHandle(htbQdiscMajor, 0),
		},
		Rate:    rateBytes,
		Ceil:    rateBytes,
		Buffer:  netlink.Xmittime(rateBytes, burst),
		Cbuffer: netlink.Xmittime(rateBytes, burst),
	}
	if err := netlink.ClassChange(class); err != nil {
		return fmt.Errorf("ClassChange(1:%d): %w", htbClassMinor, err)
	}
	return nil
}

// Counters reads the cumulative byte counters for both shaped directions.
func (s *TrafficShaper) Counters() (rxBytes, txBytes uint64, err error) {
	downRx, downTx, err := linkCounters(s.down.name)
	if err != nil {
		return 0, 0, err
	}
	upRx, upTx, err := linkCounters(s.up.name)
	if err != nil {
		return 0, 0, err
	}
	return downloadBytes(s.down.name, downRx, downTx), uploadBytes(s.up.name, upRx, upTx), nil
}

func linkCounters(name string) (rxBytes, txBytes uint64, err error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, 0, fmt.Errorf("interface %s: %w", name, err)
	}
	stats := link.Attrs().Statistics
	if stats == nil {
		return 0, 0, fmt.Errorf("interface %s: no statistics", name)
	}
	return stats.RxBytes, stats.TxBytes, nil
}
