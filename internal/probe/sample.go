package probe

import (
	"net/netip"
	"sync"
	"time"
)

// Sample is one matched probe outcome. DownMs/UpMs are the per-direction
// delay readings derived from the reply.
type Sample struct {
	Reflector netip.Addr
	Seq       uint16
	DownMs    float64
	UpMs      float64
	At        time.Time
}

// Soft cap on buffered samples. At default cadence a pool produces ~10
// samples per control tick; the cap only matters when the controller stalls.
const bufferCap = 4096

// SampleBuffer accumulates samples between control ticks. The receiver
// appends; the controller takes the whole batch and clears the buffer in one
// locked step, so a sample is consumed exactly once or not at all.
type SampleBuffer struct {
	mu      sync.Mutex
	samples []Sample
}

func NewSampleBuffer() *SampleBuffer {
	return &SampleBuffer{}
}

func (b *SampleBuffer) Append(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) >= bufferCap {
		copy(b.samples, b.samples[1:])
		b.samples[len(b.samples)-1] = s
		return
	}
	b.samples = append(b.samples, s)
}

func (b *SampleBuffer) TakeAll() []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.samples
	b.samples = nil
	return out
}

func (b *SampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}
