// Package decode turns raw instruction bits into the tagged Op the
// interpreter consumes. It never touches memory or CPU state: decoding is
// pure, so it can run ahead of execution when a basic block is built.
package decode

import "fmt"

// Kind classifies an Op for dispatch. It does not fully determine the
// operation (e.g. KindALU covers add/sub/and/or/... distinguished by
// Funct3/Funct7), but it narrows the switch the interpreter uses.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindLUI
	KindAUIPC
	KindJAL
	KindJALR
	KindBranch
	KindLoad
	KindStore
	KindALUImm
	KindALU
	KindFence
	KindFenceI
	KindSystem // ecall/ebreak/csr*/sret/wfi/sfence.vma
	KindAMO
	KindLoadFP
	KindStoreFP
	KindFPALU
	KindFMA // fmadd/fmsub/fnmsub/fnmadd
)

// Op is a fully decoded instruction: the raw bit pattern plus enough
// precomputed shape to dispatch without re-deriving the format every time.
type Op struct {
	Raw      uint32
	Kind     Kind
	Size     uint8 // 2 (compressed) or 4
	Opcode   uint8
	Funct3   uint8
	Funct7   uint8
	Funct2   uint8 // rm field reuse for R4-type fused multiply-add ops
	Rd       uint8
	Rs1      uint8
	Rs2      uint8
	Rs3      uint8
	Imm      int64
}

func opcode(insn uint32) uint8  { return uint8(insn & 0x7f) }
func rd(insn uint32) uint8      { return uint8((insn >> 7) & 0x1f) }
func funct3(insn uint32) uint8  { return uint8((insn >> 12) & 0x7) }
func rs1(insn uint32) uint8     { return uint8((insn >> 15) & 0x1f) }
func rs2(insn uint32) uint8     { return uint8((insn >> 20) & 0x1f) }
func rs3(insn uint32) uint8     { return uint8((insn >> 27) & 0x1f) }
func funct7(insn uint32) uint8  { return uint8((insn >> 25) & 0x7f) }
func funct2(insn uint32) uint8  { return uint8((insn >> 25) & 0x3) }

func immI(insn uint32) int64 { return int64(int32(insn)) >> 20 }
func immS(insn uint32) int64 {
	return int64(int32((insn&0xfe000000)|((insn<<13)&0x01f00000))) >> 20
}
func immB(insn uint32) int64 {
	v := (insn>>31)<<12 | ((insn>>7)&1)<<11 | ((insn>>25)&0x3f)<<5 | ((insn>>8)&0xf)<<1
	return int64(int32(v<<19)) >> 19
}
func immU(insn uint32) int64 { return int64(int32(insn & 0xfffff000)) }
func immJ(insn uint32) int64 {
	v := (insn>>31)<<20 | ((insn>>12)&0xff)<<12 | ((insn>>20)&1)<<11 | ((insn>>21)&0x3ff)<<1
	return int64(int32(v<<11)) >> 11
}

// Decode decodes a 32-bit instruction word. Compressed words must be
// expanded to their 32-bit equivalent by ExpandCompressed first; Decode
// records the original size so the dispatcher knows how far to advance PC.
func Decode(insn uint32, size uint8) (Op, error) {
	op := Op{
		Raw:    insn,
		Size:   size,
		Opcode: opcode(insn),
		Funct3: funct3(insn),
		Funct7: funct7(insn),
		Funct2: funct2(insn),
		Rd:     rd(insn),
		Rs1:    rs1(insn),
		Rs2:    rs2(insn),
		Rs3:    rs3(insn),
	}

	switch op.Opcode {
	case 0x37: // LUI
		op.Kind = KindLUI
		op.Imm = immU(insn)
	case 0x17: // AUIPC
		op.Kind = KindAUIPC
		op.Imm = immU(insn)
	case 0x6f: // JAL
		op.Kind = KindJAL
		op.Imm = immJ(insn)
	case 0x67: // JALR
		op.Kind = KindJALR
		op.Imm = immI(insn)
	case 0x63: // branches
		op.Kind = KindBranch
		op.Imm = immB(insn)
	case 0x03: // loads
		op.Kind = KindLoad
		op.Imm = immI(insn)
	case 0x23: // stores
		op.Kind = KindStore
		op.Imm = immS(insn)
	case 0x13, 0x1b: // ALU-imm (0x1b = *w variants)
		op.Kind = KindALUImm
		op.Imm = immI(insn)
	case 0x33, 0x3b: // ALU reg-reg (0x3b = *w variants, also M-extension)
		op.Kind = KindALU
	case 0x0f:
		if op.Funct3 == 1 {
			op.Kind = KindFenceI
		} else {
			op.Kind = KindFence
		}
	case 0x73: // SYSTEM: ecall/ebreak/csr*/sret/wfi/sfence.vma
		op.Kind = KindSystem
		op.Imm = immI(insn)
	case 0x2f: // AMO
		op.Kind = KindAMO
	case 0x07: // FP load
		op.Kind = KindLoadFP
		op.Imm = immI(insn)
	case 0x27: // FP store
		op.Kind = KindStoreFP
		op.Imm = immS(insn)
	case 0x43, 0x47, 0x4b, 0x4f: // fmadd/fmsub/fnmsub/fnmadd
		op.Kind = KindFMA
	case 0x53: // FP ALU
		op.Kind = KindFPALU
	default:
		return op, fmt.Errorf("decode: unknown opcode 0x%02x (insn=0x%08x)", op.Opcode, insn)
	}

	return op, nil
}

// IsBranch reports whether Kind can redirect control flow, which is what
// terminates a basic block during block decoding.
func (k Kind) IsBranch() bool {
	switch k {
	case KindJAL, KindJALR, KindBranch:
		return true
	case KindSystem:
		return true // ecall/ebreak/sret/sfence.vma may trap or change privilege
	default:
		return false
	}
}

// kindNames backs Op.String's --disassemble trace line; this is not a
// full mnemonic table (funct3/funct7 still need decoding by eye), just
// enough to make a trace legible.
var kindNames = [...]string{
	KindInvalid: "invalid", KindLUI: "lui", KindAUIPC: "auipc",
	KindJAL: "jal", KindJALR: "jalr", KindBranch: "branch",
	KindLoad: "load", KindStore: "store", KindALUImm: "alu.imm",
	KindALU: "alu", KindFence: "fence", KindFenceI: "fence.i",
	KindSystem: "system", KindAMO: "amo", KindLoadFP: "load.fp",
	KindStoreFP: "store.fp", KindFPALU: "fp.alu", KindFMA: "fp.fma",
}

// String renders a one-line trace entry for the --disassemble flag:
// the Kind tag plus the raw fields a reader needs to tell two encodings
// of the same Kind apart.
func (o Op) String() string {
	name := "?"
	if int(o.Kind) < len(kindNames) {
		name = kindNames[o.Kind]
	}
	return fmt.Sprintf("%-8s f3=%d f7=%d rd=x%d rs1=x%d rs2=x%d imm=%#x",
		name, o.Funct3, o.Funct7, o.Rd, o.Rs1, o.Rs2, o.Imm)
}
