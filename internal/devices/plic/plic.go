// Package plic implements a Platform-Level Interrupt Controller: external
// interrupt sources raise a pending bit, a single supervisor context per
// hart claims and completes them, and the controller asserts bit 9 (SEIP)
// on that hart's SharedContext whenever a claimable interrupt exists.
//
// Adapted from tinyrange-cc's internal/hv/riscv/rv64/plic.go, trimmed to
// the one context per hart this emulator needs (the teacher's PLIC serves
// both an M-mode and an S-mode context per hart; this emulator has no
// M-mode, per spec.md's explicit non-goal).
package plic

import (
	"sync"
)

const (
	priorityBase  = 0x000000
	pendingBase   = 0x001000
	enableBase    = 0x002000
	thresholdBase = 0x200000
	contextStride = 0x1000
	enableStride  = 0x80

	MaxSources = 1024
	// Size is the standard PLIC MMIO window (enough room for the sources
	// and per-hart contexts this emulator supports).
	Size uint64 = 0x0400_0000
)

// SipAsserter is the one thing the PLIC needs from a hart's interrupt
// surface: §4.5's atomic assert/deassert of bit 9 (external interrupt).
type SipAsserter interface {
	Assert(mask uint64)
	Deassert(mask uint64)
	Alert()
}

const seip = 1 << 9

// PLIC routes up to MaxSources external interrupt lines to one supervisor
// context per hart.
type PLIC struct {
	mu sync.Mutex

	harts []SipAsserter

	priority  [MaxSources]uint32
	pending   [MaxSources / 32]uint32
	enable    [][MaxSources / 32]uint32 // per hart
	threshold []uint32                  // per hart
	claimed   []uint32                  // per hart
}

// New creates a PLIC routing interrupts to the given harts' shared
// contexts, one context per hart (index == hart id).
func New(harts []SipAsserter) *PLIC {
	p := &PLIC{
		harts:     harts,
		enable:    make([][MaxSources / 32]uint32, len(harts)),
		threshold: make([]uint32, len(harts)),
		claimed:   make([]uint32, len(harts)),
	}
	return p
}

func (p *PLIC) Size() uint64 { return Size }

// SetPending raises or clears an external interrupt source (1..1023),
// called by a virtio device front-end when it wants attention.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= MaxSources {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	word, bit := source/32, source%32
	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}
	p.updateLocked()
}

func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case offset < pendingBase:
		if src := offset / 4; src < MaxSources {
			return uint64(p.priority[src]), nil
		}
	case offset < enableBase:
		if w := (offset - pendingBase) / 4; w < uint64(len(p.pending)) {
			return uint64(p.pending[w]), nil
		}
	case offset < thresholdBase:
		rel := offset - enableBase
		ctx, w := rel/enableStride, (rel%enableStride)/4
		if int(ctx) < len(p.enable) && w < uint64(len(p.enable[0])) {
			return uint64(p.enable[ctx][w]), nil
		}
	default:
		rel := offset - thresholdBase
		ctx, reg := rel/contextStride, rel%contextStride
		if int(ctx) < len(p.threshold) {
			switch reg {
			case 0:
				return uint64(p.threshold[ctx]), nil
			case 4:
				claimed := p.claimLocked(int(ctx))
				p.updateLocked()
				return uint64(claimed), nil
			}
		}
	}
	return 0, nil
}

func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case offset < pendingBase:
		if src := offset / 4; src > 0 && src < MaxSources {
			p.priority[src] = uint32(value) & 7
		}
	case offset >= enableBase && offset < thresholdBase:
		rel := offset - enableBase
		ctx, w := rel/enableStride, (rel%enableStride)/4
		if int(ctx) < len(p.enable) && w < uint64(len(p.enable[0])) {
			p.enable[ctx][w] = uint32(value)
		}
	case offset >= thresholdBase:
		rel := offset - thresholdBase
		ctx, reg := rel/contextStride, rel%contextStride
		if int(ctx) < len(p.threshold) {
			switch reg {
			case 0:
				p.threshold[ctx] = uint32(value) & 7
			case 4:
				p.completeLocked(int(ctx), uint32(value))
			}
		}
	}
	p.updateLocked()
	return nil
}

func (p *PLIC) claimLocked(ctx int) uint32 {
	var best, bestPrio uint32
	for src := uint32(1); src < MaxSources; src++ {
		w, b := src/32, src%32
		if p.pending[w]&(1<<b) == 0 || p.enable[ctx][w]&(1<<b) == 0 {
			continue
		}
		if pr := p.priority[src]; pr > p.threshold[ctx] && pr > bestPrio {
			bestPrio, best = pr, src
		}
	}
	if best != 0 {
		w, b := best/32, best%32
		p.pending[w] &^= 1 << b
		p.claimed[ctx] = best
	}
	return best
}

func (p *PLIC) completeLocked(ctx int, source uint32) {
	if source != 0 && p.claimed[ctx] == source {
		p.claimed[ctx] = 0
	}
}

func (p *PLIC) hasPendingLocked(ctx int) bool {
	for src := uint32(1); src < MaxSources; src++ {
		w, b := src/32, src%32
		if p.pending[w]&(1<<b) != 0 && p.enable[ctx][w]&(1<<b) != 0 && p.priority[src] > p.threshold[ctx] {
			return true
		}
	}
	return false
}

// updateLocked re-derives SEIP for every hart context from current
// pending/enable/threshold state. Called with p.mu held.
func (p *PLIC) updateLocked() {
	for ctx, h := range p.harts {
		if p.hasPendingLocked(ctx) {
			h.Assert(seip)
			h.Alert()
		} else {
			h.Deassert(seip)
		}
	}
}
