// Package blockcache implements the block decoder and the two-half code
// cache arena: basic blocks are decoded once, stored in a bump-allocated
// arena, and looked up by their starting physical address on every
// subsequent fetch of that address.
package blockcache

import (
	"github.com/rv64x/rvemu/internal/decode"
)

// Block is one decoded basic block: a straight-line run of ops terminated
// by a control-flow instruction (or by a page boundary forcing a
// re-translation). PCStart/PCEnd are physical addresses; PCMap lets the
// dispatcher recover which op was executing when a mid-block memory fault
// rewinds PC and Instret.
type Block struct {
	Ops     []decode.Op
	PCStart uint64
	PCEnd   uint64
	PCMap   []uint64 // PCMap[i] is the PC at which Ops[i] begins
}

// FindOpIndex returns the index of the op active at PC, used by trap
// delivery to compute how many ops of a faulting block actually retired.
func (b *Block) FindOpIndex(pc uint64) int {
	for i, p := range b.PCMap {
		if p == pc {
			return i
		}
	}
	return len(b.Ops)
}

// FetchWord reads one instruction-sized unit of guest memory for decoding.
// The block decoder only ever reads through the I-cache path (AccessFetch)
// since code must already be mapped executable to reach here.
type FetchWord interface {
	FetchInsnHalf(vaddr uint64) (uint16, error)
}

// Decode builds a Block starting at startVaddr, stopping at the first
// control-flow instruction or at a page boundary (a block never spans a
// translation it hasn't verified). It never returns an empty block: even
// a single faulting instruction yields a one-op block so the dispatcher
// has something to execute and trap from.
func Decode(fw FetchWord, startVaddr uint64) (*Block, error) {
	block := &Block{PCStart: startVaddr}
	pc := startVaddr

	for {
		lo, err := fw.FetchInsnHalf(pc)
		if err != nil {
			if len(block.Ops) == 0 {
				return nil, err
			}
			break
		}

		var raw uint32
		var size uint8
		if lo&0x3 != 0x3 {
			expanded, eerr := decode.ExpandCompressed(lo)
			if eerr != nil {
				if len(block.Ops) == 0 {
					return nil, eerr
				}
				break
			}
			raw, size = expanded, 2
		} else {
			hi, herr := fw.FetchInsnHalf(pc + 2)
			if herr != nil {
				if len(block.Ops) == 0 {
					return nil, herr
				}
				break
			}
			raw, size = uint32(lo)|uint32(hi)<<16, 4
		}

		op, derr := decode.Decode(raw, size)
		if derr != nil {
			if len(block.Ops) == 0 {
				return nil, derr
			}
			break
		}

		block.Ops = append(block.Ops, op)
		block.PCMap = append(block.PCMap, pc)
		pc += uint64(size)

		if op.Kind.IsBranch() {
			break
		}
		// A block never crosses a page boundary: the next instruction's
		// translation hasn't been checked yet, and crossing here would
		// let a single Block smuggle a fault across an L0 cache refill
		// boundary that the dispatcher expects to observe explicitly.
		if pc&0xfff == 0 {
			break
		}
	}

	block.PCEnd = pc
	return block, nil
}
