package decode

import "testing"

// TestDecodeFieldExtraction locks down the bit-field extraction for each
// instruction format against hand-assembled encodings, matching spec.md
// §8's golden-mapping round-trip requirement for the 32-bit decode path.
// Decode extracts every register field unconditionally, so a field a
// format does not use (Rs2 of an I-type, Rd of an S- or B-type) holds the
// raw bits at that position.
func TestDecodeFieldExtraction(t *testing.T) {
	cases := []struct {
		name string
		insn uint32
		want Op
	}{
		{
			name: "addi x1, x0, 5",
			insn: 0x00500093,
			want: Op{Kind: KindALUImm, Opcode: 0x13, Funct3: 0, Rd: 1, Rs1: 0, Rs2: 5, Imm: 5},
		},
		{
			name: "add x1, x2, x3",
			insn: 0x003100b3,
			want: Op{Kind: KindALU, Opcode: 0x33, Funct3: 0, Funct7: 0, Rd: 1, Rs1: 2, Rs2: 3},
		},
		{
			name: "sub x1, x2, x3",
			insn: 0x403100b3,
			want: Op{Kind: KindALU, Opcode: 0x33, Funct3: 0, Funct7: 0x20, Rd: 1, Rs1: 2, Rs2: 3},
		},
		{
			name: "lui x5, 0x12345",
			insn: 0x123452b7,
			want: Op{Kind: KindLUI, Opcode: 0x37, Rd: 5, Rs1: 8, Rs2: 3, Imm: 0x12345000},
		},
		{
			name: "jal x0, 0 (self branch)",
			insn: 0x0000006f,
			want: Op{Kind: KindJAL, Opcode: 0x6f, Rd: 0, Imm: 0},
		},
		{
			name: "beq x1, x2, -4",
			insn: 0xfe208ee3,
			want: Op{Kind: KindBranch, Opcode: 0x63, Funct3: 0, Rd: 29, Rs1: 1, Rs2: 2, Imm: -4},
		},
		{
			name: "lw x1, 4(x2)",
			insn: 0x00412083,
			want: Op{Kind: KindLoad, Opcode: 0x03, Funct3: 2, Rd: 1, Rs1: 2, Rs2: 4, Imm: 4},
		},
		{
			name: "sw x3, 8(x4)",
			insn: 0x00322423,
			want: Op{Kind: KindStore, Opcode: 0x23, Funct3: 2, Rd: 8, Rs1: 4, Rs2: 3, Imm: 8},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Decode(c.insn, 4)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Kind != c.want.Kind {
				t.Errorf("Kind = %v, want %v", got.Kind, c.want.Kind)
			}
			if got.Opcode != c.want.Opcode {
				t.Errorf("Opcode = %#x, want %#x", got.Opcode, c.want.Opcode)
			}
			if got.Rd != c.want.Rd {
				t.Errorf("Rd = %d, want %d", got.Rd, c.want.Rd)
			}
			if got.Rs1 != c.want.Rs1 {
				t.Errorf("Rs1 = %d, want %d", got.Rs1, c.want.Rs1)
			}
			if got.Rs2 != c.want.Rs2 {
				t.Errorf("Rs2 = %d, want %d", got.Rs2, c.want.Rs2)
			}
			if got.Imm != c.want.Imm {
				t.Errorf("Imm = %d, want %d", got.Imm, c.want.Imm)
			}
		})
	}
}

func TestDecodeUnknownOpcodeErrors(t *testing.T) {
	if _, err := Decode(0x0000007f, 4); err == nil {
		t.Error("expected an error decoding an undefined opcode")
	}
}

// TestExpandCompressedNOP checks the canonical C.NOP / C.ADDI encoding
// expands to the equivalent 32-bit addi.
func TestExpandCompressedNOP(t *testing.T) {
	expanded, err := ExpandCompressed(0x0001) // c.nop == c.addi x0, x0, 0
	if err != nil {
		t.Fatalf("ExpandCompressed: %v", err)
	}
	op, err := Decode(expanded, 2)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if op.Kind != KindALUImm || op.Rd != 0 || op.Imm != 0 {
		t.Errorf("c.nop expanded to %+v, want an addi x0,x0,0", op)
	}
}

// TestExpandCompressedJ checks c.j expands to an unconditional jal with
// the jump target preserved, since this is the compressed op the block
// decoder relies on most often to terminate a basic block.
func TestExpandCompressedJ(t *testing.T) {
	// c.j -2 (infinite self loop): quadrant 1, funct3 101, imm encodes -2.
	expanded, err := ExpandCompressed(0xbffd)
	if err != nil {
		t.Fatalf("ExpandCompressed: %v", err)
	}
	op, err := Decode(expanded, 2)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if op.Kind != KindJAL {
		t.Fatalf("c.j decoded to Kind %v, want KindJAL", op.Kind)
	}
	if op.Rd != 0 {
		t.Errorf("c.j link register = x%d, want x0 (no link)", op.Rd)
	}
	if op.Imm != -2 {
		t.Errorf("c.j immediate = %d, want -2", op.Imm)
	}
}

func TestKindIsBranch(t *testing.T) {
	branching := []Kind{KindJAL, KindJALR, KindBranch, KindSystem}
	for _, k := range branching {
		if !k.IsBranch() {
			t.Errorf("Kind %v should be IsBranch", k)
		}
	}
	nonBranching := []Kind{KindALU, KindALUImm, KindLoad, KindStore, KindLUI, KindAUIPC}
	for _, k := range nonBranching {
		if k.IsBranch() {
			t.Errorf("Kind %v should not be IsBranch", k)
		}
	}
}
