package core

import (
	"math/bits"

	"github.com/rv64x/rvemu/internal/decode"
	"github.com/rv64x/rvemu/internal/softfloat"
)

// Step executes one decoded Op against ctx, using bus for any memory
// reference. PC is not advanced here for the straight-line case; the
// dispatcher advances it by op.Size when Step returns with PC unchanged,
// matching the teacher's own "if PC wasn't changed by a jump, increment
// it" convention. Instruction fetch is translated by the dispatcher before
// the block is built; Step itself calls Translate for loads, stores and
// AMOs, matching spec.md's model where the interpreter owns the full
// memory-access contract.
func Step(ctx *Context, bus Bus, op decode.Op, clock Clock, sbi SBIEnv) error {
	switch op.Kind {
	case decode.KindLUI:
		ctx.WriteReg(op.Rd, uint64(op.Imm))
	case decode.KindAUIPC:
		ctx.WriteReg(op.Rd, ctx.PC+uint64(op.Imm))
	case decode.KindJAL:
		ctx.WriteReg(op.Rd, ctx.PC+uint64(op.Size))
		ctx.PC = ctx.PC + uint64(op.Imm)
	case decode.KindJALR:
		target := (ctx.ReadReg(op.Rs1) + uint64(op.Imm)) &^ 1
		ctx.WriteReg(op.Rd, ctx.PC+uint64(op.Size))
		ctx.PC = target
	case decode.KindBranch:
		if evalBranch(op.Funct3, ctx.ReadReg(op.Rs1), ctx.ReadReg(op.Rs2)) {
			ctx.PC = ctx.PC + uint64(op.Imm)
		}
	case decode.KindLoad:
		return execLoad(ctx, bus, op)
	case decode.KindStore:
		return execStore(ctx, bus, op)
	case decode.KindALUImm:
		return execALUImm(ctx, op)
	case decode.KindALU:
		return execALU(ctx, op)
	case decode.KindFence:
		// A single-core-per-address-space memory model makes fence a
		// no-op here: every load/store already observes program order.
	case decode.KindFenceI:
		ctx.FenceI()
	case decode.KindSystem:
		return execSystem(ctx, bus, op, sbi, clock)
	case decode.KindAMO:
		return execAMO(ctx, bus, op)
	case decode.KindLoadFP:
		return execLoadFP(ctx, bus, op)
	case decode.KindStoreFP:
		return execStoreFP(ctx, bus, op)
	case decode.KindFPALU:
		return execFPALU(ctx, op)
	case decode.KindFMA:
		return execFMA(ctx, op)
	}
	return nil
}

func evalBranch(funct3 uint8, a, b uint64) bool {
	switch funct3 {
	case 0b000:
		return a == b
	case 0b001:
		return a != b
	case 0b100:
		return int64(a) < int64(b)
	case 0b101:
		return int64(a) >= int64(b)
	case 0b110:
		return a < b
	case 0b111:
		return a >= b
	default:
		return false
	}
}

// accessWidth recovers the byte width of a load/store from its funct3
// field: the B/H/W/D encoding is shared between signed and unsigned load
// variants (LBU/LHU/LWU reuse the same width as LB/LH/LW), so masking off
// the sign bit (bit 2) gives the width for both loads and stores.
func accessWidth(funct3 uint8) uint64 {
	switch funct3 & 0b011 {
	case 0b000:
		return 1
	case 0b001:
		return 2
	case 0b010:
		return 4
	default:
		return 8
	}
}

// checkAlign enforces spec.md §4.2's "load/store of width W requires
// address alignment modulo W" rule, raising the misaligned-address cause
// before translation is even attempted.
func checkAlign(vaddr uint64, width uint64, store bool) error {
	if vaddr&(width-1) != 0 {
		if store {
			return fault(CauseStoreAddrMisaligned, vaddr)
		}
		return fault(CauseLoadAddrMisaligned, vaddr)
	}
	return nil
}

func execLoad(ctx *Context, bus Bus, op decode.Op) error {
	vaddr := ctx.ReadReg(op.Rs1) + uint64(op.Imm)
	if err := checkAlign(vaddr, accessWidth(op.Funct3), false); err != nil {
		return err
	}
	paddr, err := Translate(ctx, bus, vaddr, AccessRead)
	if err != nil {
		return err
	}
	var val uint64
	switch op.Funct3 {
	case 0b000: // LB
		v, e := bus.ReadPhys8(paddr)
		if e != nil {
			return fault(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int64(int8(v)))
	case 0b001: // LH
		v, e := bus.ReadPhys16(paddr)
		if e != nil {
			return fault(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int64(int16(v)))
	case 0b010: // LW
		v, e := bus.ReadPhys32(paddr)
		if e != nil {
			return fault(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int64(int32(v)))
	case 0b011: // LD
		v, e := bus.ReadPhys64(paddr)
		if e != nil {
			return fault(CauseLoadAccessFault, vaddr)
		}
		val = v
	case 0b100: // LBU
		v, e := bus.ReadPhys8(paddr)
		if e != nil {
			return fault(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b101: // LHU
		v, e := bus.ReadPhys16(paddr)
		if e != nil {
			return fault(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b110: // LWU
		v, e := bus.ReadPhys32(paddr)
		if e != nil {
			return fault(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	default:
		return fault(CauseIllegalInsn, uint64(op.Raw))
	}
	ctx.WriteReg(op.Rd, val)
	return nil
}

func execStore(ctx *Context, bus Bus, op decode.Op) error {
	vaddr := ctx.ReadReg(op.Rs1) + uint64(op.Imm)
	if err := checkAlign(vaddr, accessWidth(op.Funct3), true); err != nil {
		return err
	}
	paddr, err := Translate(ctx, bus, vaddr, AccessWrite)
	if err != nil {
		return err
	}
	invalidateReservation(paddr)
	val := ctx.ReadReg(op.Rs2)
	var werr error
	switch op.Funct3 {
	case 0b000:
		werr = bus.WritePhys8(paddr, uint8(val))
	case 0b001:
		werr = bus.WritePhys16(paddr, uint16(val))
	case 0b010:
		werr = bus.WritePhys32(paddr, uint32(val))
	case 0b011:
		werr = bus.WritePhys64(paddr, val)
	default:
		return fault(CauseIllegalInsn, uint64(op.Raw))
	}
	if werr != nil {
		return fault(CauseStoreAccessFault, vaddr)
	}
	return nil
}

func execALUImm(ctx *Context, op decode.Op) error {
	a := ctx.ReadReg(op.Rs1)
	imm := uint64(op.Imm)
	isW := op.Opcode == 0x1b

	var r uint64
	switch op.Funct3 {
	case 0b000: // ADDI / ADDIW
		r = a + imm
	case 0b010: // SLTI
		ctx.WriteReg(op.Rd, b2u(int64(a) < op.Imm))
		return nil
	case 0b011: // SLTIU
		ctx.WriteReg(op.Rd, b2u(a < imm))
		return nil
	case 0b100: // XORI
		r = a ^ imm
	case 0b110: // ORI
		r = a | imm
	case 0b111: // ANDI
		r = a & imm
	case 0b001: // SLLI(W)
		shamt := uint(op.Imm) & shiftMask(isW)
		r = a << shamt
	case 0b101: // SRLI(W)/SRAI(W), distinguished by imm bit 10 (funct7 bit 5)
		shamt := uint(op.Imm) & shiftMask(isW)
		if op.Imm&0x400 != 0 {
			if isW {
				r = uint64(int64(int32(a)) >> shamt)
			} else {
				r = uint64(int64(a) >> shamt)
			}
		} else {
			if isW {
				r = uint64(uint32(a) >> shamt)
			} else {
				r = a >> shamt
			}
		}
	default:
		return fault(CauseIllegalInsn, uint64(op.Raw))
	}
	if isW {
		r = uint64(int64(int32(r)))
	}
	ctx.WriteReg(op.Rd, r)
	return nil
}

func shiftMask(isW bool) uint {
	if isW {
		return 0x1f
	}
	return 0x3f
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func execALU(ctx *Context, op decode.Op) error {
	a, b := ctx.ReadReg(op.Rs1), ctx.ReadReg(op.Rs2)
	isW := op.Opcode == 0x3b
	isM := op.Funct7 == 0b0000001 // M extension: mul/div/rem family

	var r uint64
	switch {
	case isM:
		r = execMExt(op.Funct3, a, b, isW)
	default:
		switch op.Funct3 {
		case 0b000:
			if op.Funct7 == 0b0100000 {
				r = a - b
			} else {
				r = a + b
			}
		case 0b001:
			shamt := uint(b) & shiftMask(isW)
			if isW {
				r = uint64(int32(a) << shamt)
			} else {
				r = a << shamt
			}
		case 0b010:
			r = b2u(int64(a) < int64(b))
		case 0b011:
			r = b2u(a < b)
		case 0b100:
			r = a ^ b
		case 0b101:
			shamt := uint(b) & shiftMask(isW)
			if op.Funct7 == 0b0100000 {
				if isW {
					r = uint64(int64(int32(a)) >> shamt)
				} else {
					r = uint64(int64(a) >> shamt)
				}
			} else {
				if isW {
					r = uint64(uint32(a) >> shamt)
				} else {
					r = a >> shamt
				}
			}
		case 0b110:
			r = a | b
		case 0b111:
			r = a & b
		default:
			return fault(CauseIllegalInsn, uint64(op.Raw))
		}
	}
	if isW {
		r = uint64(int64(int32(r)))
	}
	ctx.WriteReg(op.Rd, r)
	return nil
}

func execMExt(funct3 uint8, a, b uint64, isW bool) uint64 {
	if isW {
		a, b = uint64(uint32(a)), uint64(uint32(b))
	}
	switch funct3 {
	case 0b000: // MUL(W)
		return a * b
	case 0b001: // MULH
		return mulhSigned(int64(a), int64(b))
	case 0b010: // MULHSU
		return mulhSignedUnsigned(int64(a), b)
	case 0b011: // MULHU
		hi, _ := bits.Mul64(a, b)
		return hi
	case 0b100: // DIV(W)
		if isW {
			av, bv := int32(a), int32(b)
			if bv == 0 {
				return ^uint64(0)
			}
			if av == -2147483648 && bv == -1 {
				return uint64(int64(av))
			}
			return uint64(int64(av / bv))
		}
		av, bv := int64(a), int64(b)
		if bv == 0 {
			return ^uint64(0)
		}
		if av == -9223372036854775808 && bv == -1 {
			return uint64(av)
		}
		return uint64(av / bv)
	case 0b101: // DIVU(W)
		if bv := b; bv == 0 {
			return ^uint64(0)
		}
		return a / b
	case 0b110: // REM(W)
		if isW {
			av, bv := int32(a), int32(b)
			if bv == 0 {
				return uint64(int64(av))
			}
			if av == -2147483648 && bv == -1 {
				return 0
			}
			return uint64(int64(av % bv))
		}
		av, bv := int64(a), int64(b)
		if bv == 0 {
			return uint64(av)
		}
		if av == -9223372036854775808 && bv == -1 {
			return 0
		}
		return uint64(av % bv)
	case 0b111: // REMU(W)
		if b == 0 {
			return a
		}
		return a % b
	default:
		return 0
	}
}

func mulhSigned(a, b int64) uint64 {
	hi, _ := bits.Mul64(uint64(a), uint64(b))
	if a < 0 {
		hi -= uint64(b)
	}
	if b < 0 {
		hi -= uint64(a)
	}
	return hi
}

func mulhSignedUnsigned(a int64, b uint64) uint64 {
	hi, _ := bits.Mul64(uint64(a), b)
	if a < 0 {
		hi -= b
	}
	return hi
}

func execSystem(ctx *Context, bus Bus, op decode.Op, sbi SBIEnv, clock Clock) error {
	switch op.Funct3 {
	case 0b000:
		switch op.Imm {
		case 0: // ECALL
			var cause uint64 = CauseEcallFromU
			if ctx.Prv == PrivSupervisor {
				cause = CauseEcallFromS
			}
			if ctx.Prv == PrivSupervisor && sbi != nil {
				return HandleSBI(ctx, sbi)
			}
			return fault(cause, 0)
		case 1: // EBREAK
			return fault(CauseBreakpoint, ctx.PC)
		case 0x102: // SRET
			ctx.SRet()
			return nil
		case 0x105: // WFI: a poll-nop, not a park — advance past it and let
			// the dispatcher's between-blocks interrupt check do the
			// waiting, so Minstret (and with it virtual time in lockstep
			// mode) keeps moving while a guest idles. ctx.WFI is reserved
			// for the scheduler's own hart-parked-until-IPI bookkeeping
			// (secondary harts at boot), not for this instruction.
			ctx.PC += uint64(op.Size)
			return nil
		default:
			if op.Funct7 == 0b0001001 { // SFENCE.VMA
				ctx.SFenceVMA()
				return nil
			}
			return fault(CauseIllegalInsn, uint64(op.Raw))
		}
	case 0b001, 0b010, 0b011, 0b101, 0b110, 0b111: // CSRRW/S/C and *I forms
		return execCSR(ctx, op, clock)
	default:
		return fault(CauseIllegalInsn, uint64(op.Raw))
	}
}

func execCSR(ctx *Context, op decode.Op, clock Clock) error {
	csr := uint16(op.Raw >> 20)
	isImm := op.Funct3&0b100 != 0
	var rs1val uint64
	if isImm {
		rs1val = uint64(op.Rs1)
	} else {
		rs1val = ctx.ReadReg(op.Rs1)
	}

	old, err := ctx.ReadCSR(csr, clock)
	if err != nil {
		return err
	}

	var next uint64
	write := true
	switch op.Funct3 & 0b011 {
	case 0b01: // CSRRW(I)
		next = rs1val
	case 0b10: // CSRRS(I)
		next = old | rs1val
		write = op.Rs1 != 0
	case 0b11: // CSRRC(I)
		next = old &^ rs1val
		write = op.Rs1 != 0
	default:
		return fault(CauseIllegalInsn, uint64(op.Raw))
	}
	if write {
		if err := ctx.WriteCSR(csr, next); err != nil {
			return err
		}
	}
	ctx.WriteReg(op.Rd, old)
	return nil
}

func execAMO(ctx *Context, bus Bus, op decode.Op) error {
	vaddr := ctx.ReadReg(op.Rs1)
	isW := op.Funct3 == 0b010
	width := uint64(4)
	if !isW {
		width = 8
	}
	// LR/SC and every AMO require natural alignment to their operand
	// width; RISC-V classifies all of them under the store/AMO
	// misaligned-address cause even though LR only reads.
	if err := checkAlign(vaddr, width, true); err != nil {
		return err
	}
	paddr, err := Translate(ctx, bus, vaddr, AccessWrite)
	if err != nil {
		return err
	}
	funct5 := op.Funct7 >> 2

	switch funct5 {
	case 0b00010: // LR
		var v uint64
		if isW {
			w, e := bus.ReadPhys32(paddr)
			if e != nil {
				return fault(CauseLoadAccessFault, vaddr)
			}
			v = uint64(int64(int32(w)))
		} else {
			w, e := bus.ReadPhys64(paddr)
			if e != nil {
				return fault(CauseLoadAccessFault, vaddr)
			}
			v = w
		}
		ctx.LoadReserved(paddr)
		ctx.WriteReg(op.Rd, v)
	case 0b00011: // SC
		ok := ctx.StoreConditional(paddr)
		if ok {
			val := ctx.ReadReg(op.Rs2)
			if isW {
				bus.WritePhys32(paddr, uint32(val))
			} else {
				bus.WritePhys64(paddr, val)
			}
			ctx.WriteReg(op.Rd, 0)
		} else {
			ctx.WriteReg(op.Rd, 1)
		}
	default:
		invalidateReservation(paddr)
		amoOp := amoOpFromFunct5(funct5)
		val := int64(ctx.ReadReg(op.Rs2))
		if isW {
			old32, e := bus.ReadPhys32(paddr)
			if e != nil {
				return fault(CauseLoadAccessFault, vaddr)
			}
			result := amoAlu(amoOp, int32CompareArg(amoOp, old32), int32ClampedArg(amoOp, val))
			bus.WritePhys32(paddr, uint32(result))
			ctx.WriteReg(op.Rd, uint64(int64(int32(old32))))
		} else {
			old64, e := bus.ReadPhys64(paddr)
			if e != nil {
				return fault(CauseLoadAccessFault, vaddr)
			}
			result := amoAlu(amoOp, int64(old64), val)
			bus.WritePhys64(paddr, uint64(result))
			ctx.WriteReg(op.Rd, old64)
		}
	}
	return nil
}

// int32ClampedArg narrows the register operand to 32 bits for a word-AMO,
// matching hardware's word-wide ALU even though the register holds 64
// bits.
func int32ClampedArg(op AMOOp, v int64) int64 {
	switch op {
	case AMOMinU, AMOMaxU:
		return int64(uint32(v))
	default:
		return int64(int32(v))
	}
}

// int32CompareArg extends the word loaded from memory to match
// int32ClampedArg's treatment of the register operand: amoAlu's Min/Max
// compare both arguments as int64, and MinU/MaxU's uint64(old) cast only
// gives the correct magnitude if old is zero-extended, not sign-extended,
// when its top bit is set.
func int32CompareArg(op AMOOp, old32 uint32) int64 {
	switch op {
	case AMOMinU, AMOMaxU:
		return int64(uint64(old32))
	default:
		return int64(int32(old32))
	}
}

func amoOpFromFunct5(f5 uint8) AMOOp {
	switch f5 {
	case 0b00001:
		return AMOSwap
	case 0b00000:
		return AMOAdd
	case 0b00100:
		return AMOXor
	case 0b01100:
		return AMOAnd
	case 0b01000:
		return AMOOr
	case 0b10000:
		return AMOMin
	case 0b10100:
		return AMOMax
	case 0b11000:
		return AMOMinU
	case 0b11100:
		return AMOMaxU
	default:
		return AMOSwap
	}
}

func execLoadFP(ctx *Context, bus Bus, op decode.Op) error {
	if err := ctx.TestAndSetFS(); err != nil {
		return err
	}
	vaddr := ctx.ReadReg(op.Rs1) + uint64(op.Imm)
	if err := checkAlign(vaddr, accessWidth(op.Funct3), false); err != nil {
		return err
	}
	paddr, err := Translate(ctx, bus, vaddr, AccessRead)
	if err != nil {
		return err
	}
	switch op.Funct3 {
	case 0b010: // FLW
		v, e := bus.ReadPhys32(paddr)
		if e != nil {
			return fault(CauseLoadAccessFault, vaddr)
		}
		ctx.FPRegisters[op.Rd] = softfloat.Box32(v)
	case 0b011: // FLD
		v, e := bus.ReadPhys64(paddr)
		if e != nil {
			return fault(CauseLoadAccessFault, vaddr)
		}
		ctx.FPRegisters[op.Rd] = v
	default:
		return fault(CauseIllegalInsn, uint64(op.Raw))
	}
	return nil
}

func execStoreFP(ctx *Context, bus Bus, op decode.Op) error {
	if err := ctx.TestAndSetFS(); err != nil {
		return err
	}
	vaddr := ctx.ReadReg(op.Rs1) + uint64(op.Imm)
	if err := checkAlign(vaddr, accessWidth(op.Funct3), true); err != nil {
		return err
	}
	paddr, err := Translate(ctx, bus, vaddr, AccessWrite)
	if err != nil {
		return err
	}
	invalidateReservation(paddr)
	switch op.Funct3 {
	case 0b010:
		if e := bus.WritePhys32(paddr, softfloat.Unbox32(ctx.FPRegisters[op.Rs2])); e != nil {
			return fault(CauseStoreAccessFault, vaddr)
		}
	case 0b011:
		if e := bus.WritePhys64(paddr, ctx.FPRegisters[op.Rs2]); e != nil {
			return fault(CauseStoreAccessFault, vaddr)
		}
	default:
		return fault(CauseIllegalInsn, uint64(op.Raw))
	}
	return nil
}

// rm resolves an instruction's rounding-mode field, reading fcsr's frm for
// the dynamic encoding (0b111), matching RISC-V's required "rm=111 means
// use fcsr" rule.
func (ctx *Context) rm(field uint8) softfloat.RoundingMode {
	if field == 0b111 {
		return softfloat.RoundingMode(ctx.Fcsr >> 5)
	}
	return softfloat.RoundingMode(field)
}

func (ctx *Context) raiseFlags(fl softfloat.Flags) {
	ctx.Fcsr |= uint8(fl)
}

func execFPALU(ctx *Context, op decode.Op) error {
	if err := ctx.TestAndSetFS(); err != nil {
		return err
	}
	// The fmt field occupies funct7[1:0] (0 = single, 1 = double) for
	// every opcode below except FCVT.S.D/FCVT.D.S, which instead use the
	// full funct7 to name both the source and destination format.
	isDouble := op.Funct7&0x3 == 1
	rm := ctx.rm(op.Funct3)

	switch op.Funct7 {
	case 0b0000000, 0b0000001: // FADD
		ctx.fpBinOp(op, isDouble, rm, softfloat.AddF32, softfloat.AddF64)
	case 0b0000100, 0b0000101: // FSUB
		ctx.fpBinOp(op, isDouble, rm, softfloat.SubF32, softfloat.SubF64)
	case 0b0001000, 0b0001001: // FMUL
		ctx.fpBinOp(op, isDouble, rm, softfloat.MulF32, softfloat.MulF64)
	case 0b0001100, 0b0001101: // FDIV
		ctx.fpBinOp(op, isDouble, rm, softfloat.DivF32, softfloat.DivF64)
	case 0b0101100, 0b0101101: // FSQRT
		if isDouble {
			r, fl := softfloat.SqrtF64(ctx.FPRegisters[op.Rs1], rm)
			ctx.FPRegisters[op.Rd] = r
			ctx.raiseFlags(fl)
		} else {
			r, fl := softfloat.SqrtF32(softfloat.Unbox32(ctx.FPRegisters[op.Rs1]), rm)
			ctx.FPRegisters[op.Rd] = softfloat.Box32(r)
			ctx.raiseFlags(fl)
		}
	case 0b0010000, 0b0010001: // FSGNJ family
		execFSGNJ(ctx, op, isDouble)
	case 0b0010100, 0b0010101: // FMIN/FMAX
		execFMinMax(ctx, op, isDouble)
	case 0b1010000, 0b1010001: // FEQ/FLT/FLE
		execFCompare(ctx, op, isDouble)
	case 0b1100000, 0b1100001: // FCVT.int.fp (fp to integer)
		execFCvtToInt(ctx, op, isDouble, rm)
	case 0b1101000, 0b1101001: // FCVT.fp.int (integer to fp)
		execFCvtFromInt(ctx, op, isDouble, rm)
	case 0b0100000: // FCVT.S.D
		r, fl := softfloat.F64ToF32(ctx.FPRegisters[op.Rs1], rm)
		ctx.FPRegisters[op.Rd] = softfloat.Box32(r)
		ctx.raiseFlags(fl)
	case 0b0100001: // FCVT.D.S
		ctx.FPRegisters[op.Rd] = softfloat.F32ToF64(softfloat.Unbox32(ctx.FPRegisters[op.Rs1]))
	case 0b1110000: // FMV.X.W / FCLASS.S
		if op.Funct3 == 0 {
			ctx.WriteReg(op.Rd, uint64(int64(int32(softfloat.Unbox32(ctx.FPRegisters[op.Rs1])))))
		} else {
			ctx.WriteReg(op.Rd, softfloat.ClassifyF32(softfloat.Unbox32(ctx.FPRegisters[op.Rs1])))
		}
	case 0b1110001: // FMV.X.D / FCLASS.D
		if op.Funct3 == 0 {
			ctx.WriteReg(op.Rd, ctx.FPRegisters[op.Rs1])
		} else {
			ctx.WriteReg(op.Rd, softfloat.ClassifyF64(ctx.FPRegisters[op.Rs1]))
		}
	case 0b1111000: // FMV.W.X
		ctx.FPRegisters[op.Rd] = softfloat.Box32(uint32(ctx.ReadReg(op.Rs1)))
	case 0b1111001: // FMV.D.X
		ctx.FPRegisters[op.Rd] = ctx.ReadReg(op.Rs1)
	default:
		return fault(CauseIllegalInsn, uint64(op.Raw))
	}
	return nil
}

func (ctx *Context) fpBinOp(op decode.Op, isDouble bool, rm softfloat.RoundingMode,
	f32 func(a, b uint32, rm softfloat.RoundingMode) (uint32, softfloat.Flags),
	f64 func(a, b uint64, rm softfloat.RoundingMode) (uint64, softfloat.Flags)) {
	if isDouble {
		r, fl := f64(ctx.FPRegisters[op.Rs1], ctx.FPRegisters[op.Rs2], rm)
		ctx.FPRegisters[op.Rd] = r
		ctx.raiseFlags(fl)
		return
	}
	r, fl := f32(softfloat.Unbox32(ctx.FPRegisters[op.Rs1]), softfloat.Unbox32(ctx.FPRegisters[op.Rs2]), rm)
	ctx.FPRegisters[op.Rd] = softfloat.Box32(r)
	ctx.raiseFlags(fl)
}

func execFSGNJ(ctx *Context, op decode.Op, isDouble bool) {
	neg := op.Funct3 == 1
	xor := op.Funct3 == 2
	if isDouble {
		ctx.FPRegisters[op.Rd] = softfloat.SignInject64(ctx.FPRegisters[op.Rs1], ctx.FPRegisters[op.Rs2], neg, xor)
		return
	}
	r := softfloat.SignInject32(softfloat.Unbox32(ctx.FPRegisters[op.Rs1]), softfloat.Unbox32(ctx.FPRegisters[op.Rs2]), neg, xor)
	ctx.FPRegisters[op.Rd] = softfloat.Box32(r)
}

func execFMinMax(ctx *Context, op decode.Op, isDouble bool) {
	isMax := op.Funct3 == 1
	if isDouble {
		var r uint64
		var fl softfloat.Flags
		if isMax {
			r, fl = softfloat.MaxF64(ctx.FPRegisters[op.Rs1], ctx.FPRegisters[op.Rs2])
		} else {
			r, fl = softfloat.MinF64(ctx.FPRegisters[op.Rs1], ctx.FPRegisters[op.Rs2])
		}
		ctx.FPRegisters[op.Rd] = r
		ctx.raiseFlags(fl)
		return
	}
	a, b := softfloat.Unbox32(ctx.FPRegisters[op.Rs1]), softfloat.Unbox32(ctx.FPRegisters[op.Rs2])
	var r uint32
	var fl softfloat.Flags
	if isMax {
		r, fl = softfloat.MaxF32(a, b)
	} else {
		r, fl = softfloat.MinF32(a, b)
	}
	ctx.FPRegisters[op.Rd] = softfloat.Box32(r)
	ctx.raiseFlags(fl)
}

func execFCompare(ctx *Context, op decode.Op, isDouble bool) {
	var eq, lt bool
	var fl softfloat.Flags
	quietOnNaN := op.Funct3 == 0b010 // FEQ only signals on sNaN
	if isDouble {
		eq, lt, fl = softfloat.CompareF64(ctx.FPRegisters[op.Rs1], ctx.FPRegisters[op.Rs2], quietOnNaN)
	} else {
		eq, lt, fl = softfloat.CompareF32(softfloat.Unbox32(ctx.FPRegisters[op.Rs1]), softfloat.Unbox32(ctx.FPRegisters[op.Rs2]), quietOnNaN)
	}
	ctx.raiseFlags(fl)
	switch op.Funct3 {
	case 0b010: // FEQ
		ctx.WriteReg(op.Rd, b2u(eq))
	case 0b001: // FLT
		ctx.WriteReg(op.Rd, b2u(lt))
	case 0b000: // FLE
		ctx.WriteReg(op.Rd, b2u(lt || eq))
	}
}

func execFCvtToInt(ctx *Context, op decode.Op, isDouble bool, rm softfloat.RoundingMode) {
	unsigned := op.Rs2&1 != 0
	wordWidth := op.Rs2&2 == 0
	var iv int64
	var uv uint64
	var fl softfloat.Flags
	if isDouble {
		if unsigned {
			uv, fl = softfloat.F64ToU64(ctx.FPRegisters[op.Rs1], rm)
		} else {
			iv, fl = softfloat.F64ToI64(ctx.FPRegisters[op.Rs1], rm)
		}
	} else {
		a := softfloat.Unbox32(ctx.FPRegisters[op.Rs1])
		if unsigned {
			uv, fl = softfloat.F32ToU64(a, rm)
		} else {
			iv, fl = softfloat.F32ToI64(a, rm)
		}
	}
	ctx.raiseFlags(fl)
	if unsigned {
		if wordWidth {
			ctx.WriteReg(op.Rd, uint64(int64(int32(uint32(uv)))))
		} else {
			ctx.WriteReg(op.Rd, uv)
		}
		return
	}
	if wordWidth {
		ctx.WriteReg(op.Rd, uint64(int64(int32(iv))))
	} else {
		ctx.WriteReg(op.Rd, uint64(iv))
	}
}

func execFCvtFromInt(ctx *Context, op decode.Op, isDouble bool, rm softfloat.RoundingMode) {
	unsigned := op.Rs2&1 != 0
	wordWidth := op.Rs2&2 == 0
	raw := ctx.ReadReg(op.Rs1)
	if wordWidth {
		if unsigned {
			raw = uint64(uint32(raw))
		} else {
			raw = uint64(int64(int32(raw)))
		}
	}
	if isDouble {
		if unsigned {
			ctx.FPRegisters[op.Rd] = softfloat.U64ToF64(raw, rm)
		} else {
			ctx.FPRegisters[op.Rd] = softfloat.I64ToF64(int64(raw), rm)
		}
		return
	}
	var r uint32
	if unsigned {
		r = softfloat.U64ToF32(raw, rm)
	} else {
		r = softfloat.I64ToF32(int64(raw), rm)
	}
	ctx.FPRegisters[op.Rd] = softfloat.Box32(r)
}

func execFMA(ctx *Context, op decode.Op) error {
	if err := ctx.TestAndSetFS(); err != nil {
		return err
	}
	isDouble := op.Funct2 == 1
	rm := ctx.rm(op.Funct3)
	negProduct := op.Opcode == 0x4b || op.Opcode == 0x4f // fnmsub/fnmadd negate the product
	negAddend := op.Opcode == 0x47 || op.Opcode == 0x4f  // fmsub/fnmadd negate the addend

	if isDouble {
		a, b, c := ctx.FPRegisters[op.Rs1], ctx.FPRegisters[op.Rs2], ctx.FPRegisters[op.Rs3]
		if negProduct {
			a = a ^ (1 << 63)
		}
		if negAddend {
			c = c ^ (1 << 63)
		}
		prod, fl1 := softfloat.MulF64(a, b, rm)
		sum, fl2 := softfloat.AddF64(prod, c, rm)
		ctx.FPRegisters[op.Rd] = sum
		ctx.raiseFlags(fl1 | fl2)
		return nil
	}
	a, b, c := softfloat.Unbox32(ctx.FPRegisters[op.Rs1]), softfloat.Unbox32(ctx.FPRegisters[op.Rs2]), softfloat.Unbox32(ctx.FPRegisters[op.Rs3])
	if negProduct {
		a ^= 1 << 31
	}
	if negAddend {
		c ^= 1 << 31
	}
	prod, fl1 := softfloat.MulF32(a, b, rm)
	sum, fl2 := softfloat.AddF32(prod, c, rm)
	ctx.FPRegisters[op.Rd] = softfloat.Box32(sum)
	ctx.raiseFlags(fl1 | fl2)
	return nil
}
