package loader

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// fakeMemory records every WriteAt call so tests can assert on what the
// loader placed and where, without needing a real devices.Bus.
type fakeMemory struct {
	writes map[int64][]byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{writes: make(map[int64][]byte)} }

func (m *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	cp := append([]byte(nil), p...)
	m.writes[off] = cp
	return len(p), nil
}

// buildMinimalRV64Elf hand-assembles the smallest ELF64 executable
// debug/elf will accept: a header, one PT_LOAD program header, and a
// handful of instruction bytes as its payload. Built at the byte level
// (rather than shelling out to a real linker) since no toolchain may run
// in this environment.
func buildMinimalRV64Elf(t *testing.T, entry, vaddr uint64, payload []byte) string {
	t.Helper()

	const ehsize = 64
	const phsize = 56

	buf := make([]byte, ehsize+phsize+len(payload))

	// e_ident
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little-endian
	buf[6] = 1 // EV_CURRENT

	le := binary.LittleEndian
	le.PutUint16(buf[16:18], 2)       // e_type = ET_EXEC
	le.PutUint16(buf[18:20], 0xf3)    // e_machine = EM_RISCV
	le.PutUint32(buf[20:24], 1)       // e_version
	le.PutUint64(buf[24:32], entry)   // e_entry
	le.PutUint64(buf[32:40], ehsize)  // e_phoff
	le.PutUint64(buf[40:48], 0)       // e_shoff
	le.PutUint32(buf[48:52], 0)       // e_flags
	le.PutUint16(buf[52:54], ehsize)  // e_ehsize
	le.PutUint16(buf[54:56], phsize)  // e_phentsize
	le.PutUint16(buf[56:58], 1)       // e_phnum
	le.PutUint16(buf[58:60], 0)       // e_shentsize
	le.PutUint16(buf[60:62], 0)       // e_shnum
	le.PutUint16(buf[62:64], 0)       // e_shstrndx

	ph := buf[ehsize : ehsize+phsize]
	le.PutUint32(ph[0:4], 1)                       // p_type = PT_LOAD
	le.PutUint32(ph[4:8], 5)                        // p_flags = R+X
	le.PutUint64(ph[8:16], ehsize+phsize)           // p_offset
	le.PutUint64(ph[16:24], vaddr)                  // p_vaddr
	le.PutUint64(ph[24:32], vaddr)                  // p_paddr
	le.PutUint64(ph[32:40], uint64(len(payload)))   // p_filesz
	le.PutUint64(ph[40:48], uint64(len(payload)))   // p_memsz
	le.PutUint64(ph[48:56], 0x1000)                 // p_align

	copy(buf[ehsize+phsize:], payload)

	dir := t.TempDir()
	path := filepath.Join(dir, "payload.elf")
	if err := os.WriteFile(path, buf, 0755); err != nil {
		t.Fatalf("write elf: %v", err)
	}
	return path
}

func TestSniffDistinguishesELFFromTOML(t *testing.T) {
	payload := []byte{0x13, 0x00, 0x00, 0x00} // addi x0, x0, 0
	elfPath := buildMinimalRV64Elf(t, 0x1000, 0x1000, payload)

	mode, err := Sniff(elfPath)
	if err != nil {
		t.Fatalf("Sniff(elf): %v", err)
	}
	if mode != ModeUser {
		t.Errorf("Sniff(elf) = %v, want ModeUser", mode)
	}

	tomlPath := filepath.Join(t.TempDir(), "vm.toml")
	if err := os.WriteFile(tomlPath, []byte("kernel = \"x\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	mode, err = Sniff(tomlPath)
	if err != nil {
		t.Fatalf("Sniff(toml): %v", err)
	}
	if mode != ModeFullSystem {
		t.Errorf("Sniff(toml) = %v, want ModeFullSystem", mode)
	}
}

func TestLoadMapsSegment(t *testing.T) {
	payload := []byte{0x13, 0x00, 0x00, 0x00, 0x67, 0x80, 0x00, 0x00}
	path := buildMinimalRV64Elf(t, 0x80001000, 0x80001000, payload)

	mem := newFakeMemory()
	img, err := Load(path, mem)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Entry != 0x80001000 {
		t.Errorf("Entry = %#x, want 0x80001000", img.Entry)
	}
	got, ok := mem.writes[0x80001000]
	if !ok {
		t.Fatalf("no segment written at 0x80001000; writes = %v", mem.writes)
	}
	if string(got) != string(payload) {
		t.Errorf("segment bytes = %x, want %x", got, payload)
	}
}

func TestLoadRejectsNonRISCV(t *testing.T) {
	path := buildMinimalRV64Elf(t, 0x1000, 0x1000, []byte{0})
	data, _ := os.ReadFile(path)
	binary.LittleEndian.PutUint16(data[18:20], 0x3e) // EM_X86_64
	if err := os.WriteFile(path, data, 0755); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path, newFakeMemory()); err == nil {
		t.Fatal("expected error loading non-RISC-V ELF")
	}
}
