package transport

import (
	"math/rand/v2"
	"sync"
)

// LossInjector drops a configurable fraction of inbound packets before
// dispatch. Test-only: production transports run with a nil injector.
//
// Two loss modes compose: a constant per-packet drop rate and a bursty
// rate that, when triggered, drops a short run of consecutive packets.
type LossInjector struct {
	mu             sync.Mutex
	constant       float64
	bursty         float64
	burstRemaining int
	rng            *rand.Rand
}

// NewLossInjector creates an injector with the given rates in [0,1).
// The seed fixes the drop sequence so tests are reproducible.
func NewLossInjector(constant, bursty float64, seed uint64) *LossInjector {
	return &LossInjector{
		constant: constant,
		bursty:   bursty,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Drop decides the fate of one inbound packet.
func (l *LossInjector) Drop() bool {
	if l == nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.burstRemaining > 0 {
		l.burstRemaining--
		return true
	}

	if l.bursty > 0 && l.rng.Float64() < l.bursty {
		// Burst lengths of 2-7 packets.
		l.burstRemaining = 1 + l.rng.IntN(6)
		return true
	}

	return l.constant > 0 && l.rng.Float64() < l.constant
}
