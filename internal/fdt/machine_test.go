package fdt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBuildMachineRoundTrips(t *testing.T) {
	cfg := MachineConfig{
		NumHarts:  2,
		MemBase:   0x8000_0000,
		MemSize:   256 << 20,
		PLICBase:  0x0c00_0000,
		CLINTBase: 0x0200_0000,
		Virtio: []VirtioDevice{
			{Base: 0x1000_1000, IRQ: 1},
			{Base: 0x1000_2000, IRQ: 2},
		},
		Bootargs: "console=hvc0 rw root=/dev/vda",
	}

	root := BuildMachine(cfg)
	blob, err := Build(root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(blob) < fdtHeaderSize {
		t.Fatalf("blob too short: %d bytes", len(blob))
	}
	if got := binary.BigEndian.Uint32(blob[0:4]); got != fdtMagic {
		t.Fatalf("magic = %#x, want %#x", got, fdtMagic)
	}
	if got := binary.BigEndian.Uint32(blob[20:24]); got != fdtVersion {
		t.Fatalf("version = %d, want %d", got, fdtVersion)
	}

	cpus := root.Children[0]
	if cpus.Name != "cpus" || len(cpus.Children) != 2 {
		t.Fatalf("cpus node = %+v", cpus)
	}
	for i, cpu := range cpus.Children {
		if cpu.Properties["riscv,isa"].Strings[0] != "rv64imafdc_zicsr_zifencei" {
			t.Errorf("cpu %d isa = %+v", i, cpu.Properties["riscv,isa"])
		}
	}

	soc := root.Children[2]
	if soc.Name != "soc" {
		t.Fatalf("expected soc node, got %q", soc.Name)
	}
	var sawPLIC, sawCLINT, virtioCount int
	for _, child := range soc.Children {
		switch {
		case bytes.HasPrefix([]byte(child.Name), []byte("plic@")):
			sawPLIC++
			ext := child.Properties["interrupts-extended"].U32
			if len(ext) != cfg.NumHarts*4 {
				t.Errorf("plic interrupts-extended len = %d, want %d", len(ext), cfg.NumHarts*4)
			}
		case bytes.HasPrefix([]byte(child.Name), []byte("clint@")):
			sawCLINT++
		case bytes.HasPrefix([]byte(child.Name), []byte("virtio_mmio@")):
			virtioCount++
		}
	}
	if sawPLIC != 1 || sawCLINT != 1 {
		t.Fatalf("soc children missing plic/clint: plic=%d clint=%d", sawPLIC, sawCLINT)
	}
	if virtioCount != len(cfg.Virtio) {
		t.Fatalf("virtio_mmio nodes = %d, want %d", virtioCount, len(cfg.Virtio))
	}

	chosen := root.Children[3]
	if chosen.Name != "chosen" || chosen.Properties["bootargs"].Strings[0] != cfg.Bootargs {
		t.Fatalf("chosen node = %+v", chosen)
	}
}
