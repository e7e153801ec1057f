package probe

import (
	"encoding/binary"
	"errors"
	"time"
)

const dayMs = 86_400_000

// timestampBody is the ICMP timestamp message body (RFC 792): identifier,
// sequence, and three millisecond-since-UTC-midnight stamps. x/net/icmp has
// no type for it, so requests are marshaled here and replies decoded from
// the generic raw body.
type timestampBody struct {
	ID        int
	Seq       int
	Originate uint32
	Receive   uint32
	Transmit  uint32
}

func (b *timestampBody) Len(proto int) int {
	return 16
}

func (b *timestampBody) Marshal(proto int) ([]byte, error) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint16(buf[0:2], uint16(b.ID))
	binary.BigEndian.PutUint16(buf[2:4], uint16(b.Seq))
	binary.BigEndian.PutUint32(buf[4:8], b.Originate)
	binary.BigEndian.PutUint32(buf[8:12], b.Receive)
	binary.BigEndian.PutUint32(buf[12:16], b.Transmit)
	return buf, nil
}

func parseTimestampReply(data []byte) (*timestampBody, error) {
	if len(data) < 16 {
		return nil, errors.New("short timestamp reply")
	}
	return &timestampBody{
		ID:        int(binary.BigEndian.Uint16(data[0:2])),
		Seq:       int(binary.BigEndian.Uint16(data[2:4])),
		Originate: binary.BigEndian.Uint32(data[4:8]),
		Receive:   binary.BigEndian.Uint32(data[8:12]),
		Transmit:  binary.BigEndian.Uint32(data[12:16]),
	}, nil
}

// tsDiff subtracts two midnight-relative stamps, unwrapping values that span
// the UTC midnight rollover. Results may be negative: timestamp OWDs carry
// the clock offset between the hosts, and only deltas against a baseline
// measured with the same offset mean anything.
func tsDiff(a, b uint32) float64 {
	d := int64(a) - int64(b)
	switch {
	case d < -dayMs/2:
		d += dayMs
	case d > dayMs/2:
		d -= dayMs
	}
	return float64(d)
}

func msSinceMidnightUTC(t time.Time) uint32 {
	t = t.UTC()
	secs := t.Hour()*3600 + t.Minute()*60 + t.Second()
	return uint32(secs*1000 + t.Nanosecond()/1e6)
}

// Echo probes carry the send stamp in the payload: milliseconds since the
// pinger's monotonic epoch, big endian.
func echoPayload(sentMs int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(sentMs))
	return buf
}

func parseEchoPayload(data []byte) (int64, bool) {
	if len(data) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(data[:8])), true
}
