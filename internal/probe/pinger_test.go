package probe

import (
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/Lochnair/sqm-autorate/internal/baseline"
	"github.com/Lochnair/sqm-autorate/internal/config"
	"github.com/Lochnair/sqm-autorate/internal/reflector"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

var testAddr = netip.MustParseAddr("9.9.9.9")

// newTestPinger builds a pinger around in-memory collaborators and no
// sockets; tests drive handlePacket and sweep directly.
func newTestPinger(t *testing.T, mode string) (*Pinger, *reflector.Pool, *baseline.Baseliner, *SampleBuffer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := reflector.NewPool([]netip.Addr{testAddr}, 1,
		reflector.Thresholds{SuspectAfter: 3, EvictAfter: 8, MaxFailureRatio: 0.9},
		rand.New(rand.NewSource(1)), logger)
	base := baseline.NewBaseliner(500 * time.Millisecond)
	buf := NewSampleBuffer()
	p := &Pinger{
		mode:        mode,
		interval:    500 * time.Millisecond,
		timeout:     time.Second,
		id:          0x2a2a,
		epoch:       time.Now().Add(-time.Hour),
		pool:        pool,
		base:        base,
		buf:         buf,
		logger:      logger,
		outstanding: make(map[probeKey]pending),
	}
	return p, pool, base, buf
}

func peerAddr(a netip.Addr) net.Addr {
	return &net.IPAddr{IP: a.AsSlice()}
}

func TestHandleEchoReply(t *testing.T) {
	p, _, base, buf := newTestPinger(t, config.ProbeTypeEcho)
	sent := time.Now()
	p.track(testAddr, 5, sent)

	reply := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: p.id, Seq: 5, Data: echoPayload(p.sinceEpochMs(sent))},
	}
	wire, err := reply.Marshal(nil)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	now := sent.Add(250 * time.Millisecond)
	p.handlePacket(wire, peerAddr(testAddr), now, protoICMPv4)

	samples := buf.TakeAll()
	if len(samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(samples))
	}
	s := samples[0]
	if s.Reflector != testAddr || s.Seq != 5 {
		t.Errorf("sample identity = (%v, %d), want (%v, 5)", s.Reflector, s.Seq, testAddr)
	}
	if s.DownMs != 125 || s.UpMs != 125 {
		t.Errorf("sample delays = (%v, %v), want (125, 125)", s.DownMs, s.UpMs)
	}
	if _, _, ok := base.BaselineFor(testAddr); !ok {
		t.Errorf("reply did not seed the baseliner")
	}
	if len(p.outstanding) != 0 {
		t.Errorf("outstanding entry not consumed")
	}
}

func TestHandleTimestampReply(t *testing.T) {
	p, pool, base, buf := newTestPinger(t, config.ProbeTypeTimestamp)
	now := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	nowMs := msSinceMidnightUTC(now)

	p.track(testAddr, 9, now.Add(-50*time.Millisecond))
	reply := icmp.Message{
		Type: ipv4.ICMPTypeTimestampReply,
		Body: &timestampBody{
			ID:        p.id,
			Seq:       9,
			Originate: nowMs - 50,
			Receive:   nowMs - 20, // 30 ms upstream
			Transmit:  nowMs - 20,
		},
	}
	wire, err := reply.Marshal(nil)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	p.handlePacket(wire, peerAddr(testAddr), now, protoICMPv4)

	samples := buf.TakeAll()
	if len(samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(samples))
	}
	if samples[0].UpMs != 30 || samples[0].DownMs != 20 {
		t.Fatalf("delays = (down %v, up %v), want (20, 30)", samples[0].DownMs, samples[0].UpMs)
	}
	if down, up, _ := base.BaselineFor(testAddr); down != 20 || up != 30 {
		t.Fatalf("baseline = (%v, %v), want (20, 30)", down, up)
	}
	if r, _ := pool.Lookup(testAddr); r.TotalReplies != 1 {
		t.Fatalf("TotalReplies = %d, want 1", r.TotalReplies)
	}
}

func TestHandlePacketDropsForeignAndLate(t *testing.T) {
	p, _, _, buf := newTestPinger(t, config.ProbeTypeEcho)
	sent := time.Now()

	// Wrong identifier.
	wrongID := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: p.id + 1, Seq: 1, Data: echoPayload(0)},
	}
	wire, _ := wrongID.Marshal(nil)
	p.handlePacket(wire, peerAddr(testAddr), sent, protoICMPv4)

	// Correct identifier but nothing outstanding (late reply).
	late := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: p.id, Seq: 2, Data: echoPayload(0)},
	}
	wire, _ = late.Marshal(nil)
	p.handlePacket(wire, peerAddr(testAddr), sent, protoICMPv4)

	if got := buf.Len(); got != 0 {
		t.Fatalf("buffer has %d samples, want 0", got)
	}
}

func TestOutlierReplyDemotesReflector(t *testing.T) {
	p, pool, base, buf := newTestPinger(t, config.ProbeTypeTimestamp)
	now := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	base.Update(testAddr, 10, 10, now.Add(-time.Second))
	nowMs := msSinceMidnightUTC(now)

	p.track(testAddr, 1, now.Add(-time.Millisecond))
	reply := icmp.Message{
		Type: ipv4.ICMPTypeTimestampReply,
		Body: &timestampBody{
			ID:        p.id,
			Seq:       1,
			Originate: nowMs - 6100,
			Receive:   nowMs - 10, // ~6 s over the 10 ms baseline
			Transmit:  nowMs - 10,
		},
	}
	wire, _ := reply.Marshal(nil)
	p.handlePacket(wire, peerAddr(testAddr), now, protoICMPv4)

	if got := buf.Len(); got != 0 {
		t.Fatalf("outlier produced %d samples, want 0", got)
	}
	if r, _ := pool.Lookup(testAddr); r.State != reflector.StateSuspect {
		t.Fatalf("reflector state = %v, want suspect", r.State)
	}
}

func TestSweepExpiresIntoTimeouts(t *testing.T) {
	p, pool, _, _ := newTestPinger(t, config.ProbeTypeEcho)
	start := time.Now()
	for seq := uint16(1); seq <= 3; seq++ {
		p.track(testAddr, seq, start)
	}
	// Not yet expired.
	p.sweep(start.Add(500 * time.Millisecond))
	if len(p.outstanding) != 3 {
		t.Fatalf("early sweep expired %d entries", 3-len(p.outstanding))
	}
	p.sweep(start.Add(1100 * time.Millisecond))
	if len(p.outstanding) != 0 {
		t.Fatalf("%d entries survived expiry", len(p.outstanding))
	}
	r, _ := pool.Lookup(testAddr)
	if r.ConsecutiveTimeouts != 3 {
		t.Fatalf("ConsecutiveTimeouts = %d, want 3", r.ConsecutiveTimeouts)
	}
	if r.State != reflector.StateSuspect {
		t.Fatalf("state = %v, want suspect after 3 timeouts", r.State)
	}
}

func TestSampleBufferTakeAllClears(t *testing.T) {
	buf := NewSampleBuffer()
	for i := 0; i < 3; i++ {
		buf.Append(Sample{Seq: uint16(i)})
	}
	got := buf.TakeAll()
	if len(got) != 3 {
		t.Fatalf("TakeAll returned %d samples, want 3", len(got))
	}
	if buf.Len() != 0 {
		t.Fatalf("buffer not cleared, %d left", buf.Len())
	}
	if second := buf.TakeAll(); len(second) != 0 {
		t.Fatalf("second TakeAll returned %d samples, want 0", len(second))
	}
}

func TestSampleBufferDropsOldestAtCap(t *testing.T) {
	buf := NewSampleBuffer()
	for i := 0; i < bufferCap+10; i++ {
		buf.Append(Sample{Seq: uint16(i)})
	}
	got := buf.TakeAll()
	if len(got) != bufferCap {
		t.Fatalf("buffer holds %d samples, want cap %d", len(got), bufferCap)
	}
	if got[len(got)-1].Seq != uint16(bufferCap+9) {
		t.Fatalf("newest sample lost, tail seq = %d", got[len(got)-1].Seq)
	}
	if got[0].Seq != 10 {
		t.Fatalf("oldest not dropped, head seq = %d", got[0].Seq)
	}
}
