package fdt

import "fmt"

// VirtioDevice describes one mapped virtio-mmio transport for the purpose
// of generating its device-tree node; the dispatcher's machine-assembly
// step fills this in from the same addresses it passes to devices.Bus.Map.
type VirtioDevice struct {
	Base uint64
	IRQ  uint32
}

// MachineConfig is everything BuildMachine needs to describe this
// emulator's guest-visible hardware: hart count, memory size, the PLIC
// and CLINT base addresses, the mapped virtio-mmio windows, and the
// kernel command line. It mirrors the shape of internal/config's Config,
// translated into addresses instead of host paths.
type MachineConfig struct {
	NumHarts   int
	MemBase    uint64
	MemSize    uint64
	PLICBase   uint64
	CLINTBase  uint64
	Virtio     []VirtioDevice
	Bootargs   string
	InitrdBase uint64
	InitrdSize uint64
}

const (
	plicSize  = 0x0400_0000
	clintSize = 0x0001_0000
	// virtioMMIOSize is each virtio-mmio v2 transport's register window.
	virtioMMIOSize = 0x200

	// contextsPerHart is the PLIC context count per hart: one for M-mode,
	// one for S-mode. This emulator only ever runs S-mode guests, but the
	// context numbering still reserves the M-mode slot to match how real
	// SiFive PLICs (and every Linux riscv,plic0 binding example) lay out
	// interrupts-extended.
	contextsPerHart = 2
)

// BuildMachine constructs the root device-tree node describing this
// emulator's guest hardware: one cpu per hart (Sv39, RV64IMAFDC), the
// guest's RAM, a soc node holding the PLIC, CLINT, and one virtio_mmio
// node per mapped transport, and a chosen node carrying the kernel
// command line (and initrd location, if any). Grounded on
// tinyrange-cc's internal/hv/riscv/rv64/fdt.go for the node shapes
// (cpus/memory/soc/plic/clint/virtio_mmio/chosen) and on the upstream
// Linux device-tree bindings those node names come from.
func BuildMachine(cfg MachineConfig) Node {
	root := Node{
		Name: "",
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"riscv-rvemu"}},
			"model":          {Strings: []string{"rvemu,virt"}},
		},
		Children: []Node{
			buildCPUs(cfg.NumHarts),
			buildMemory(cfg.MemBase, cfg.MemSize),
			buildSoC(cfg),
			buildChosen(cfg),
		},
	}
	return root
}

func buildCPUs(numHarts int) Node {
	cpus := Node{
		Name: "cpus",
		Properties: map[string]Property{
			"#address-cells":     {U32: []uint32{1}},
			"#size-cells":        {U32: []uint32{0}},
			"timebase-frequency": {U32: []uint32{10_000_000}},
		},
	}
	for i := 0; i < numHarts; i++ {
		cpu := Node{
			Name: fmt.Sprintf("cpu@%d", i),
			Properties: map[string]Property{
				"device_type":     {Strings: []string{"cpu"}},
				"reg":             {U32: []uint32{uint32(i)}},
				"status":          {Strings: []string{"okay"}},
				"compatible":      {Strings: []string{"riscv"}},
				"riscv,isa":       {Strings: []string{"rv64imafdc_zicsr_zifencei"}},
				"mmu-type":        {Strings: []string{"riscv,sv39"}},
				"clock-frequency": {U32: []uint32{10_000_000}},
			},
			Children: []Node{{
				Name: "interrupt-controller",
				Properties: map[string]Property{
					"#interrupt-cells":     {U32: []uint32{1}},
					"interrupt-controller": {Flag: true},
					"compatible":           {Strings: []string{"riscv,cpu-intc"}},
					"phandle":              {U32: []uint32{cpuIntcPhandle(i)}},
				},
			}},
		}
		cpus.Children = append(cpus.Children, cpu)
	}
	return cpus
}

func buildMemory(base, size uint64) Node {
	return Node{
		Name: fmt.Sprintf("memory@%x", base),
		Properties: map[string]Property{
			"device_type": {Strings: []string{"memory"}},
			"reg":         {U64: []uint64{base, size}},
		},
	}
}

func buildSoC(cfg MachineConfig) Node {
	soc := Node{
		Name: "soc",
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"simple-bus"}},
			"ranges":         {Flag: true},
		},
	}

	// Every hart contributes two interrupts-extended cells to the PLIC:
	// its M-mode external-interrupt context (ignored by an S-mode-only
	// guest but present for binding correctness) and its S-mode one.
	plicExt := make([]uint32, 0, cfg.NumHarts*contextsPerHart*2)
	for i := 0; i < cfg.NumHarts; i++ {
		phandle := cpuIntcPhandle(i)
		plicExt = append(plicExt, phandle, 11) // M-mode external
		plicExt = append(plicExt, phandle, 9)  // S-mode external
	}
	soc.Children = append(soc.Children, Node{
		Name: fmt.Sprintf("plic@%x", cfg.PLICBase),
		Properties: map[string]Property{
			"compatible":           {Strings: []string{"sifive,plic-1.0.0", "riscv,plic0"}},
			"reg":                  {U64: []uint64{cfg.PLICBase, plicSize}},
			"interrupt-controller": {Flag: true},
			"#interrupt-cells":     {U32: []uint32{1}},
			"riscv,ndev":           {U32: []uint32{31}},
			"interrupts-extended":  {U32: plicExt},
			"phandle":              {U32: []uint32{phandlePLIC}},
		},
	})

	clintExt := make([]uint32, 0, cfg.NumHarts*2*2)
	for i := 0; i < cfg.NumHarts; i++ {
		phandle := cpuIntcPhandle(i)
		clintExt = append(clintExt, phandle, 3) // M-mode software (MSIP)
		clintExt = append(clintExt, phandle, 7) // M-mode timer (MTIP)
	}
	soc.Children = append(soc.Children, Node{
		Name: fmt.Sprintf("clint@%x", cfg.CLINTBase),
		Properties: map[string]Property{
			"compatible":          {Strings: []string{"sifive,clint0", "riscv,clint0"}},
			"reg":                 {U64: []uint64{cfg.CLINTBase, clintSize}},
			"interrupts-extended": {U32: clintExt},
		},
	})

	for _, v := range cfg.Virtio {
		soc.Children = append(soc.Children, Node{
			Name: fmt.Sprintf("virtio_mmio@%x", v.Base),
			Properties: map[string]Property{
				"compatible":       {Strings: []string{"virtio,mmio"}},
				"reg":              {U64: []uint64{v.Base, virtioMMIOSize}},
				"interrupt-parent": {U32: []uint32{phandlePLIC}},
				"interrupts":       {U32: []uint32{v.IRQ}},
			},
		})
	}

	return soc
}

func buildChosen(cfg MachineConfig) Node {
	props := map[string]Property{
		"bootargs": {Strings: []string{cfg.Bootargs}},
	}
	if cfg.InitrdSize > 0 {
		props["linux,initrd-start"] = Property{U64: []uint64{cfg.InitrdBase}}
		props["linux,initrd-end"] = Property{U64: []uint64{cfg.InitrdBase + cfg.InitrdSize}}
	}
	return Node{Name: "chosen", Properties: props}
}

// cpuIntcPhandle and phandlePLIC are synthetic phandle values assigned by
// index rather than allocated dynamically; since BuildMachine controls
// the entire tree and nothing else references a phandle, fixed numbering
// keeps the construction deterministic and simple.
const phandlePLIC = 1

func cpuIntcPhandle(hart int) uint32 {
	return uint32(100 + hart)
}
