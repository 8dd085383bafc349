package decode

import "fmt"

// ExpandCompressed rewrites a 16-bit compressed instruction into its
// equivalent 32-bit RV64GC encoding, so the rest of the pipeline only ever
// deals with one instruction shape. Decode still records Size=2 for
// whatever came out of here, since PC advances by 2, not 4.
func ExpandCompressed(insn uint16) (uint32, error) {
	quadrant := insn & 0x3
	funct3 := (insn >> 13) & 0x7

	switch quadrant {
	case 0:
		return expandQ0(insn, funct3)
	case 1:
		return expandQ1(insn, funct3)
	case 2:
		return expandQ2(insn, funct3)
	default:
		return 0, fmt.Errorf("decode: not a compressed instruction: 0x%04x", insn)
	}
}

func rdRs2p(insn uint16) uint8 { return uint8((insn>>2)&0x7) + 8 }
func rs1p(insn uint16) uint8   { return uint8((insn>>7)&0x7) + 8 }

func encodeI(opcode, funct3, rd, rs1 uint8, imm int64) uint32 {
	return uint32(opcode) | uint32(rd)<<7 | uint32(funct3)<<12 | uint32(rs1)<<15 | uint32(imm&0xfff)<<20
}

func encodeS(opcode, funct3, rs1, rs2 uint8, imm int64) uint32 {
	u := uint32(imm) & 0xfff
	return uint32(opcode) | (u&0x1f)<<7 | uint32(funct3)<<12 | uint32(rs1)<<15 | uint32(rs2)<<20 | ((u>>5)&0x7f)<<25
}

func encodeR(opcode, funct3, funct7, rd, rs1, rs2 uint8) uint32 {
	return uint32(opcode) | uint32(rd)<<7 | uint32(funct3)<<12 | uint32(rs1)<<15 | uint32(rs2)<<20 | uint32(funct7)<<25
}

func encodeU(opcode, rd uint8, imm int64) uint32 {
	return uint32(opcode) | uint32(rd)<<7 | uint32(imm)&0xfffff000
}

func encodeJ(opcode, rd uint8, imm int64) uint32 {
	u := uint32(imm)
	bits := ((u >> 20) & 1) << 31
	bits |= (u & 0x7fe) << 20
	bits |= ((u >> 11) & 1) << 20
	bits |= ((u >> 12) & 0xff) << 12
	return uint32(opcode) | uint32(rd)<<7 | bits
}

func encodeB(opcode, funct3, rs1, rs2 uint8, imm int64) uint32 {
	u := uint32(imm)
	bits := ((u >> 12) & 1) << 31
	bits |= ((u >> 5) & 0x3f) << 25
	bits |= ((u >> 1) & 0xf) << 8
	bits |= ((u >> 11) & 1) << 7
	return uint32(opcode) | bits | uint32(funct3)<<12 | uint32(rs1)<<15 | uint32(rs2)<<20
}

func expandQ0(insn uint16, funct3 uint16) (uint32, error) {
	rdp := rdRs2p(insn)
	rs1 := rs1p(insn)

	switch funct3 {
	case 0b000: // C.ADDI4SPN: nzuimm[5:4|9:6|2|3] = insn[12:11|10:7|6|5]
		nzuimm := (int64((insn>>11)&0x3) << 4) | (int64((insn>>7)&0xf) << 6) |
			(int64((insn>>6)&0x1) << 2) | (int64((insn>>5)&0x1) << 3)
		if nzuimm == 0 {
			return 0, fmt.Errorf("decode: reserved C.ADDI4SPN")
		}
		return encodeI(0x13, 0, rdp, 2, nzuimm), nil
	case 0b001: // C.FLD
		imm := (int64((insn>>10)&0x7) << 3) | (int64((insn>>5)&0x3) << 6)
		return encodeI(0x07, 0b011, rdp, rs1, imm), nil
	case 0b010: // C.LW
		imm := (int64((insn>>10)&0x7) << 3) | (int64((insn>>6)&0x1) << 2) | (int64((insn>>5)&0x1) << 6)
		return encodeI(0x03, 0b010, rdp, rs1, imm), nil
	case 0b011: // C.LD
		imm := (int64((insn>>10)&0x7) << 3) | (int64((insn>>5)&0x3) << 6)
		return encodeI(0x03, 0b011, rdp, rs1, imm), nil
	case 0b101: // C.FSD
		imm := (int64((insn>>10)&0x7) << 3) | (int64((insn>>5)&0x3) << 6)
		return encodeS(0x27, 0b011, rs1, rdp, imm), nil
	case 0b110: // C.SW
		imm := (int64((insn>>10)&0x7) << 3) | (int64((insn>>6)&0x1) << 2) | (int64((insn>>5)&0x1) << 6)
		return encodeS(0x23, 0b010, rs1, rdp, imm), nil
	case 0b111: // C.SD
		imm := (int64((insn>>10)&0x7) << 3) | (int64((insn>>5)&0x3) << 6)
		return encodeS(0x23, 0b011, rs1, rdp, imm), nil
	default:
		return 0, fmt.Errorf("decode: reserved quadrant-0 funct3 %d", funct3)
	}
}

func expandQ1(insn uint16, funct3 uint16) (uint32, error) {
	rd := uint8((insn >> 7) & 0x1f)

	signExt6 := func(v int64) int64 {
		v &= 0x3f
		if v&0x20 != 0 {
			v |= ^int64(0x3f)
		}
		return v
	}
	imm6 := func() int64 {
		return signExt6(int64((insn>>12)&1)<<5 | int64((insn>>2)&0x1f))
	}

	switch funct3 {
	case 0b000: // C.ADDI / C.NOP
		return encodeI(0x13, 0, rd, rd, imm6()), nil
	case 0b001: // C.ADDIW
		return encodeI(0x1b, 0, rd, rd, imm6()), nil
	case 0b010: // C.LI
		return encodeI(0x13, 0, rd, 0, imm6()), nil
	case 0b011:
		if rd == 2 { // C.ADDI16SP
			u := insn
			v := (int64((u>>12)&1) << 9) | (int64((u>>3)&0x3) << 7) |
				(int64((u>>5)&0x1) << 6) | (int64((u>>2)&0x1) << 5) | (int64((u>>6)&0x1) << 4)
			v2 := v
			if v2&0x200 != 0 {
				v2 |= ^int64(0x3ff)
			}
			return encodeI(0x13, 0, 2, 2, v2), nil
		}
		// C.LUI
		v := int64((insn>>12)&1)<<17 | int64((insn>>2)&0x1f)<<12
		if v&(1<<17) != 0 {
			v |= ^int64((1 << 18) - 1)
		}
		return encodeU(0x37, rd, v), nil
	case 0b100:
		rdp := rs1p(insn)
		sub2 := (insn >> 10) & 0x3
		switch sub2 {
		case 0b00: // C.SRLI
			shamt := int64((insn>>12)&1)<<5 | int64((insn>>2)&0x1f)
			return encodeI(0x13, 0b101, rdp, rdp, shamt), nil
		case 0b01: // C.SRAI
			shamt := int64((insn>>12)&1)<<5 | int64((insn>>2)&0x1f)
			return encodeI(0x13, 0b101, rdp, rdp, shamt|(0b010000<<6)), nil
		case 0b10: // C.ANDI
			return encodeI(0x13, 0b111, rdp, rdp, imm6()), nil
		default: // C.SUB/XOR/OR/AND and *W variants
			rs2 := rdRs2p(insn)
			hi := (insn >> 12) & 1
			lo := (insn >> 5) & 0x3
			if hi == 0 {
				switch lo {
				case 0b00:
					return encodeR(0x33, 0, 0b0100000, rdp, rdp, rs2), nil // SUB
				case 0b01:
					return encodeR(0x33, 0b100, 0, rdp, rdp, rs2), nil // XOR
				case 0b10:
					return encodeR(0x33, 0b110, 0, rdp, rdp, rs2), nil // OR
				default:
					return encodeR(0x33, 0b111, 0, rdp, rdp, rs2), nil // AND
				}
			}
			switch lo {
			case 0b00:
				return encodeR(0x3b, 0, 0b0100000, rdp, rdp, rs2), nil // SUBW
			case 0b01:
				return encodeR(0x3b, 0, 0, rdp, rdp, rs2), nil // ADDW
			default:
				return 0, fmt.Errorf("decode: reserved C.MUL/C.ZEXT form")
			}
		}
	case 0b101: // C.J
		u := insn
		v := (int64((u>>12)&1) << 11) | (int64((u>>8)&1) << 10) | (int64((u>>9)&0x3) << 8) |
			(int64((u>>6)&1) << 7) | (int64((u>>7)&1) << 6) | (int64((u>>2)&1) << 5) |
			(int64((u>>11)&1) << 4) | (int64((u>>3)&0x7) << 1)
		if v&0x800 != 0 {
			v |= ^int64(0xfff)
		}
		return encodeJ(0x6f, 0, v), nil
	case 0b110, 0b111: // C.BEQZ / C.BNEZ
		rs1 := rs1p(insn)
		u := insn
		v := (int64((u>>12)&1) << 8) | (int64((u>>5)&0x3) << 6) | (int64((u>>2)&1) << 5) |
			(int64((u>>10)&0x3) << 3) | (int64((u>>3)&0x3) << 1)
		if v&0x100 != 0 {
			v |= ^int64(0x1ff)
		}
		f3 := uint8(0b000)
		if funct3 == 0b111 {
			f3 = 0b001
		}
		return encodeB(0x63, f3, rs1, 0, v), nil
	default:
		return 0, fmt.Errorf("decode: reserved quadrant-1 funct3 %d", funct3)
	}
}

func expandQ2(insn uint16, funct3 uint16) (uint32, error) {
	rd := uint8((insn >> 7) & 0x1f)
	rs2 := uint8((insn >> 2) & 0x1f)

	switch funct3 {
	case 0b000: // C.SLLI
		shamt := int64((insn>>12)&1)<<5 | int64((insn>>2)&0x1f)
		return encodeI(0x13, 0b001, rd, rd, shamt), nil
	case 0b001: // C.FLDSP
		imm := (int64((insn>>12)&1) << 5) | (int64((insn>>5)&0x3) << 3) | (int64((insn>>2)&0x7) << 6)
		return encodeI(0x07, 0b011, rd, 2, imm), nil
	case 0b010: // C.LWSP
		imm := (int64((insn>>12)&1) << 5) | (int64((insn>>4)&0x7) << 2) | (int64((insn>>2)&0x3) << 6)
		return encodeI(0x03, 0b010, rd, 2, imm), nil
	case 0b011: // C.LDSP
		imm := (int64((insn>>12)&1) << 5) | (int64((insn>>5)&0x3) << 3) | (int64((insn>>2)&0x7) << 6)
		return encodeI(0x03, 0b011, rd, 2, imm), nil
	case 0b100:
		hi := (insn >> 12) & 1
		if hi == 0 {
			if rs2 == 0 { // C.JR
				if rd == 0 {
					return 0, fmt.Errorf("decode: reserved C.JR x0")
				}
				return encodeI(0x67, 0, 0, rd, 0), nil
			}
			// C.MV
			return encodeR(0x33, 0, 0, rd, 0, rs2), nil
		}
		if rs2 == 0 {
			if rd == 0 { // C.EBREAK
				return encodeI(0x73, 0, 0, 0, 1), nil
			}
			return encodeI(0x67, 0, 1, rd, 0), nil // C.JALR
		}
		return encodeR(0x33, 0, 0, rd, rd, rs2), nil // C.ADD
	case 0b101: // C.FSDSP
		imm := (int64((insn>>10)&0x7) << 3) | (int64((insn>>7)&0x7) << 6)
		return encodeS(0x27, 0b011, 2, rs2, imm), nil
	case 0b110: // C.SWSP
		imm := (int64((insn>>9)&0xf) << 2) | (int64((insn>>7)&0x3) << 6)
		return encodeS(0x23, 0b010, 2, rs2, imm), nil
	case 0b111: // C.SDSP
		imm := (int64((insn>>10)&0x7) << 3) | (int64((insn>>7)&0x7) << 6)
		return encodeS(0x23, 0b011, 2, rs2, imm), nil
	default:
		return 0, fmt.Errorf("decode: reserved quadrant-2 funct3 %d", funct3)
	}
}
