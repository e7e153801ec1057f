// Package probe sends ICMP probes to the active reflector set and turns the
// replies into per-direction delay samples. Timestamp probes yield real
// one-way readings from the reply's originate/receive/transmit fields; echo
// probes fall back to splitting the round trip across both directions.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/Lochnair/sqm-autorate/internal/baseline"
	"github.com/Lochnair/sqm-autorate/internal/config"
	"github.com/Lochnair/sqm-autorate/internal/reflector"
	"github.com/Lochnair/sqm-autorate/internal/util"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protoICMPv4 = 1
	protoICMPv6 = 58

	maxReadTimeout = time.Second
)

type probeKey struct {
	addr netip.Addr
	seq  uint16
}

type pending struct {
	sentAt time.Time
}

type Pinger struct {
	mode     string
	interval time.Duration
	timeout  time.Duration

	conn4 *icmp.PacketConn
	conn6 *icmp.PacketConn
	id    int
	epoch time.Time

	pool   *reflector.Pool
	base   *baseline.Baseliner
	buf    *SampleBuffer
	logger util.Logger

	mu          sync.Mutex
	seq         uint16
	outstanding map[probeKey]pending
}

// NewPinger opens the raw ICMP socket(s). wantV6 requests a second socket
// for IPv6 reflectors; it is only honored in echo mode, since ICMP timestamp
// has no IPv6 counterpart.
func NewPinger(cfg config.ProbeConfig, wantV6 bool, pool *reflector.Pool, base *baseline.Baseliner, buf *SampleBuffer, logger util.Logger) (*Pinger, error) {
	conn4, err := icmp.ListenPacket("ip4:icmp", "")
	if err != nil {
		return nil, fmt.Errorf("icmp socket (requires CAP_NET_RAW): %w", err)
	}
	var conn6 *icmp.PacketConn
	if cfg.Type == config.ProbeTypeEcho && wantV6 {
		conn6, err = icmp.ListenPacket("ip6:ipv6-icmp", "")
		if err != nil {
			_ = conn4.Close()
			return nil, fmt.Errorf("icmpv6 socket: %w", err)
		}
	}
	return &Pinger{
		mode:        cfg.Type,
		interval:    cfg.Interval.Duration(),
		timeout:     cfg.Timeout.Duration(),
		conn4:       conn4,
		conn6:       conn6,
		id:          os.Getpid() & 0xffff,
		epoch:       time.Now(),
		pool:        pool,
		base:        base,
		buf:         buf,
		logger:      logger,
		outstanding: make(map[probeKey]pending),
	}, nil
}

func (p *Pinger) HasV6() bool {
	return p.conn6 != nil
}

func (p *Pinger) Close() {
	if p.conn4 != nil {
		_ = p.conn4.Close()
	}
	if p.conn6 != nil {
		_ = p.conn6.Close()
	}
}

// RunSender probes every active reflector once per interval. It never waits
// for replies; unanswered probes age out of the outstanding table on the
// receiver side.
func (p *Pinger) RunSender(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now()
			for _, addr := range p.pool.Targets() {
				if err := p.sendProbe(addr, now); err != nil {
					p.logger.Debug("probe send failed", "reflector", addr, "error", err)
				}
			}
		}
	}
}

func (p *Pinger) sendProbe(addr netip.Addr, now time.Time) error {
	conn := p.conn4
	if addr.Is6() {
		if p.conn6 == nil {
			return nil
		}
		conn = p.conn6
	}
	seq := p.nextSeq()

	var msg icmp.Message
	switch {
	case p.mode == config.ProbeTypeTimestamp:
		msg = icmp.Message{
			Type: ipv4.ICMPTypeTimestamp,
			Body: &timestampBody{ID: p.id, Seq: int(seq), Originate: msSinceMidnightUTC(now)},
		}
	case addr.Is6():
		msg = icmp.Message{
			Type: ipv6.ICMPTypeEchoRequest,
			Body: &icmp.Echo{ID: p.id, Seq: int(seq), Data: echoPayload(p.sinceEpochMs(now))},
		}
	default:
		msg = icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Body: &icmp.Echo{ID: p.id, Seq: int(seq), Data: echoPayload(p.sinceEpochMs(now))},
		}
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return err
	}

	// Track before writing so a lost send still ages into a timeout.
	p.track(addr, seq, now)
	p.pool.NoteSent(addr)
	if _, err := conn.WriteTo(wire, &net.IPAddr{IP: addr.AsSlice()}); err != nil {
		return err
	}
	return nil
}

// RunReceiver consumes replies on the IPv4 socket. Reflector health lives on
// this goroutine: matched replies feed the baseliner, buffer and pool, and
// every wakeup sweeps the outstanding table for timeouts.
func (p *Pinger) RunReceiver(ctx context.Context) error {
	return p.receiveLoop(ctx, p.conn4, protoICMPv4)
}

// RunReceiverV6 is the echo-mode IPv6 counterpart; it shares the outstanding
// table and buffer with the IPv4 receiver.
func (p *Pinger) RunReceiverV6(ctx context.Context) error {
	return p.receiveLoop(ctx, p.conn6, protoICMPv6)
}

func (p *Pinger) receiveLoop(ctx context.Context, conn *icmp.PacketConn, proto int) error {
	readTimeout := p.timeout
	if readTimeout > maxReadTimeout {
		readTimeout = maxReadTimeout
	}
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		n, peer, err := conn.ReadFrom(buf)
		now := time.Now()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				p.sweep(now)
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("probe receive: %w", err)
		}
		p.handlePacket(buf[:n], peer, now, proto)
		p.sweep(now)
	}
}

func (p *Pinger) handlePacket(pkt []byte, peer net.Addr, now time.Time, proto int) {
	ipAddr, ok := peer.(*net.IPAddr)
	if !ok {
		return
	}
	addr, ok := netip.AddrFromSlice(ipAddr.IP)
	if !ok {
		return
	}
	addr = addr.Unmap()

	msg, err := icmp.ParseMessage(proto, pkt)
	if err != nil {
		return
	}
	switch body := msg.Body.(type) {
	case *icmp.Echo:
		if msg.Type != ipv4.ICMPTypeEchoReply && msg.Type != ipv6.ICMPTypeEchoReply {
			return
		}
		if body.ID != p.id {
			return
		}
		sentMs, ok := parseEchoPayload(body.Data)
		if !ok {
			return
		}
		if _, ok := p.take(addr, uint16(body.Seq)); !ok {
			return
		}
		rtt := float64(p.sinceEpochMs(now) - sentMs)
		if rtt < 0 {
			return
		}
		p.record(addr, uint16(body.Seq), rtt/2, rtt/2, now)
	case *icmp.RawBody:
		if proto != protoICMPv4 || msg.Type != ipv4.ICMPTypeTimestampReply {
			return
		}
		ts, err := parseTimestampReply(body.Data)
		if err != nil {
			return
		}
		if ts.ID != p.id {
			return
		}
		if _, ok := p.take(addr, uint16(ts.Seq)); !ok {
			return
		}
		nowMs := msSinceMidnightUTC(now)
		up := tsDiff(ts.Receive, ts.Originate)
		down := tsDiff(nowMs, ts.Transmit)
		p.record(addr, uint16(ts.Seq), down, up, now)
	}
}

func (p *Pinger) record(addr netip.Addr, seq uint16, downMs, upMs float64, now time.Time) {
	if p.base.Update(addr, downMs, upMs, now) {
		p.pool.NoteOutlier(addr)
		return
	}
	p.pool.NoteReply(addr)
	p.buf.Append(Sample{Reflector: addr, Seq: seq, DownMs: downMs, UpMs: upMs, At: now})
}

func (p *Pinger) sinceEpochMs(t time.Time) int64 {
	return t.Sub(p.epoch).Milliseconds()
}

func (p *Pinger) nextSeq() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}

func (p *Pinger) track(addr netip.Addr, seq uint16, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding[probeKey{addr: addr, seq: seq}] = pending{sentAt: now}
}

// take claims an outstanding probe; late or unknown replies return false and
// are dropped by the caller.
func (p *Pinger) take(addr netip.Addr, seq uint16) (pending, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := probeKey{addr: addr, seq: seq}
	entry, ok := p.outstanding[key]
	if ok {
		delete(p.outstanding, key)
	}
	return entry, ok
}

// sweep expires outstanding probes past the timeout and charges each one to
// its reflector's health.
func (p *Pinger) sweep(now time.Time) {
	var expired []netip.Addr
	p.mu.Lock()
	for key, entry := range p.outstanding {
		if now.Sub(entry.sentAt) > p.timeout {
			delete(p.outstanding, key)
			expired = append(expired, key.addr)
		}
	}
	p.mu.Unlock()
	for _, addr := range expired {
		p.pool.NoteTimeout(addr)
	}
}
