package reflector

import (
	"math/rand"
	"net/netip"
	"sync"

	"github.com/Lochnair/sqm-autorate/internal/util"
)

type State int

const (
	StateActive State = iota
	StateSuspect
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSuspect:
		return "suspect"
	case StateEvicted:
		return "evicted"
	}
	return "unknown"
}

// ratioMinSent is how many probes must have gone out before the lifetime
// failure ratio is allowed to count against a reflector.
const ratioMinSent = 10

type Thresholds struct {
	SuspectAfter    int
	EvictAfter      int
	MaxFailureRatio float64
}

// Reflector carries the health bookkeeping for one probe target. Fields are
// guarded by the owning pool's mutex.
type Reflector struct {
	Addr                netip.Addr
	State               State
	ConsecutiveTimeouts int
	TotalSent           uint64
	TotalReplies        uint64
}

func (r *Reflector) failureRatio() float64 {
	if r.TotalSent == 0 {
		return 0
	}
	return 1 - float64(r.TotalReplies)/float64(r.TotalSent)
}

// Pool holds the active reflector set plus the candidate superset used to
// replace evicted members. The probe receiver is the only caller of the
// mutating methods; the sender and controller read snapshots.
type Pool struct {
	mu         sync.RWMutex
	active     map[netip.Addr]*Reflector
	order      []netip.Addr
	candidates []netip.Addr
	thresholds Thresholds
	rng        *rand.Rand
	logger     util.Logger
	onEvict    func(old, replacement netip.Addr)
}

// NewPool fills the active set with the first size candidates; the rest stay
// in reserve. Candidates are assumed deduplicated.
func NewPool(candidates []netip.Addr, size int, thresholds Thresholds, rng *rand.Rand, logger util.Logger) *Pool {
	p := &Pool{
		active:     make(map[netip.Addr]*Reflector, size),
		thresholds: thresholds,
		rng:        rng,
		logger:     logger,
	}
	for _, addr := range candidates {
		if len(p.order) < size {
			p.active[addr] = &Reflector{Addr: addr}
			p.order = append(p.order, addr)
			continue
		}
		p.candidates = append(p.candidates, addr)
	}
	return p
}

// SetEvictCallback registers fn to run inside the eviction transition, with
// the pool lock held. replacement is the zero Addr when the candidate list
// was exhausted. Must be set before probing starts.
func (p *Pool) SetEvictCallback(fn func(old, replacement netip.Addr)) {
	p.onEvict = fn
}

// Targets returns a copy of the active set in stable order.
func (p *Pool) Targets() []netip.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]netip.Addr, len(p.order))
	copy(out, p.order)
	return out
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Lookup returns a copy of the bookkeeping for an active reflector.
func (p *Pool) Lookup(addr netip.Addr) (Reflector, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r := p.active[addr]
	if r == nil {
		return Reflector{}, false
	}
	return *r, true
}

// Spare reports how many replacement candidates remain.
func (p *Pool) Spare() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.candidates)
}

func (p *Pool) NoteSent(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.active[addr]; r != nil {
		r.TotalSent++
	}
}

func (p *Pool) NoteReply(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.active[addr]
	if r == nil {
		return
	}
	r.TotalReplies++
	r.ConsecutiveTimeouts = 0
	if r.State == StateSuspect {
		r.State = StateActive
		p.logger.Info("reflector recovered", "reflector", addr)
	}
}

func (p *Pool) NoteTimeout(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.active[addr]
	if r == nil {
		return
	}
	r.ConsecutiveTimeouts++
	ratioBad := r.TotalSent >= ratioMinSent && r.failureRatio() > p.thresholds.MaxFailureRatio
	switch r.State {
	case StateSuspect:
		if r.ConsecutiveTimeouts >= p.thresholds.EvictAfter || ratioBad {
			p.evictLocked(r)
		}
	case StateActive:
		if r.ConsecutiveTimeouts >= p.thresholds.SuspectAfter || ratioBad {
			r.State = StateSuspect
			p.logger.Warn("reflector suspect", "reflector", addr,
				"consecutive_timeouts", r.ConsecutiveTimeouts,
				"failure_ratio", r.failureRatio())
		}
	}
}

// NoteOutlier demotes a reflector whose delay readings are implausible
// (clock step, route flap). Counters are left alone so a sane reply restores
// it immediately.
func (p *Pool) NoteOutlier(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.active[addr]
	if r == nil {
		return
	}
	if r.State == StateActive {
		r.State = StateSuspect
		p.logger.Warn("reflector delay out of range", "reflector", addr)
	}
}

// evictLocked removes r from rotation and installs a replacement drawn at
// random from the candidate superset, keeping the active set size constant.
// The set only shrinks once no candidates remain. Evicted addresses never
// rejoin the candidate list.
func (p *Pool) evictLocked(r *Reflector) {
	r.State = StateEvicted
	delete(p.active, r.Addr)
	idx := -1
	for i, addr := range p.order {
		if addr == r.Addr {
			idx = i
			break
		}
	}
	var replacement netip.Addr
	if len(p.candidates) > 0 {
		i := p.rng.Intn(len(p.candidates))
		replacement = p.candidates[i]
		p.candidates = append(p.candidates[:i], p.candidates[i+1:]...)
		p.active[replacement] = &Reflector{Addr: replacement}
		p.order[idx] = replacement
		p.logger.Warn("reflector evicted", "reflector", r.Addr,
			"consecutive_timeouts", r.ConsecutiveTimeouts,
			"failure_ratio", r.failureRatio(),
			"replacement", replacement)
	} else {
		p.order = append(p.order[:idx], p.order[idx+1:]...)
		p.logger.Warn("reflector evicted, no candidates left", "reflector", r.Addr,
			"active", len(p.order))
	}
	if p.onEvict != nil {
		p.onEvict(r.Addr, replacement)
	}
}
