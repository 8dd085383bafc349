// Package loader dispatches a positional command-line argument to either
// the user-mode path (a statically linked ELF executable) or the
// full-system path (a TOML configuration naming a guest kernel ELF),
// by sniffing the ELF magic the way original_source/src/main.rs's
// Loader::is_elf does, then maps the chosen ELF's loadable segments into
// guest physical memory. Grounded on original_source/src/main.rs (the
// magic-sniff dispatch and per-mode setup) and on
// tinyrange-cc/internal/hv/riscv/rv64/machine.go's Bus.LoadBytes for the
// "copy bytes into guest RAM at a physical address" idiom this package
// builds on top of.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
)

// Mode identifies which of the two guest environments a loaded file
// describes.
type Mode int

const (
	// ModeUser is a single statically linked user-mode executable.
	ModeUser Mode = iota
	// ModeFullSystem is a TOML configuration naming a guest kernel.
	ModeFullSystem
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Sniff reads just enough of path to tell an ELF executable from a TOML
// configuration file, without committing to a full parse of either.
func Sniff(path string) (Mode, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("loader: open %s: %w", path, err)
	}
	defer f.Close()

	var header [4]byte
	n, err := f.Read(header[:])
	if err != nil && n == 0 {
		return 0, fmt.Errorf("loader: read %s: %w", path, err)
	}
	if bytes.Equal(header[:n], elfMagic) {
		return ModeUser, nil
	}
	return ModeFullSystem, nil
}

// Memory is the guest physical address space a loaded image is written
// into; devices.Bus implements it.
type Memory interface {
	WriteAt(p []byte, off int64) (int, error)
}

// Image is a parsed ELF's loadable content plus the values the caller
// needs to start execution: the entry PC and (for a dynamically-aware
// loader) the program header location, matching what a minimal riscv
// System V ABI startup needs on the stack.
type Image struct {
	Entry      uint64
	PHOff      uint64
	PHEntSize  int
	PHNum      int
	Is64       bool
	LoadBase   uint64 // lowest mapped virtual address, for PIE/ET_DYN offsetting
	HighWater  uint64 // one past the highest byte any segment maps, for brk
}

// Load parses the ELF file at path, validates it targets RV64, and
// copies every PT_LOAD segment into mem at its physical load address
// (vaddr for full-system mode, since guest physical == guest virtual at
// boot before the kernel enables its own page tables; user-mode callers
// pass a Memory view already offset by the process's base load address).
func Load(path string, mem Memory) (Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return Image{}, fmt.Errorf("loader: parse %s: %w", path, err)
	}
	defer f.Close()

	if err := validate(f); err != nil {
		return Image{}, fmt.Errorf("loader: %s: %w", path, err)
	}

	img := Image{
		Entry: f.Entry,
		Is64:  true,
	}
	img.LoadBase = ^uint64(0)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			if prog.Type == elf.PT_PHDR {
				img.PHOff = prog.Off
			}
			continue
		}
		data := make([]byte, prog.Filesz)
		if prog.Filesz > 0 {
			if _, err := io.ReadFull(prog.Open(), data); err != nil {
				return Image{}, fmt.Errorf("loader: read segment at vaddr %#x: %w", prog.Vaddr, err)
			}
		}
		if _, err := mem.WriteAt(data, int64(prog.Vaddr)); err != nil {
			return Image{}, fmt.Errorf("loader: map segment at vaddr %#x: %w", prog.Vaddr, err)
		}
		if prog.Vaddr < img.LoadBase {
			img.LoadBase = prog.Vaddr
		}
		if high := prog.Vaddr + prog.Memsz; high > img.HighWater {
			img.HighWater = high
		}
	}

	for _, section := range f.Sections {
		if section.Name == ".dynamic" {
			// Dynamically linked executables are out of scope (spec.md's
			// secondary ABI targets statically linked binaries only).
			return Image{}, fmt.Errorf("loader: %s is dynamically linked, only static executables are supported", path)
		}
	}

	img.PHEntSize = int(phentsize(f))
	img.PHNum = len(f.Progs)
	return img, nil
}

func validate(f *elf.File) error {
	if f.Class != elf.ELFCLASS64 {
		return fmt.Errorf("not a 64-bit ELF")
	}
	if f.Machine != elf.EM_RISCV {
		return fmt.Errorf("not a RISC-V ELF (machine=%s)", f.Machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return fmt.Errorf("unsupported ELF type %s", f.Type)
	}
	return nil
}

func phentsize(f *elf.File) uint16 {
	// debug/elf doesn't surface e_phentsize directly; every RV64 target
	// this loader supports uses the standard 56-byte Elf64_Phdr, so the
	// constant is safe here rather than worth a second raw header read.
	return 56
}

