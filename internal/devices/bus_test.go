package devices

import "testing"

type fakeDevice struct {
	size uint64
	regs map[uint64]uint64
}

func newFakeDevice(size uint64) *fakeDevice {
	return &fakeDevice{size: size, regs: make(map[uint64]uint64)}
}

func (d *fakeDevice) Size() uint64 { return d.size }
func (d *fakeDevice) Read(offset uint64, size int) (uint64, error) {
	return d.regs[offset], nil
}
func (d *fakeDevice) Write(offset uint64, size int, value uint64) error {
	d.regs[offset] = value
	return nil
}

func TestRAMReadWriteRoundTripsAllWidths(t *testing.T) {
	b := NewBus(0x1000, 4096)

	if err := b.WritePhys8(0x1000, 0xab); err != nil {
		t.Fatalf("WritePhys8: %v", err)
	}
	if v, err := b.ReadPhys8(0x1000); err != nil || v != 0xab {
		t.Errorf("ReadPhys8 = %#x, %v; want 0xab, nil", v, err)
	}

	if err := b.WritePhys16(0x1010, 0xbeef); err != nil {
		t.Fatalf("WritePhys16: %v", err)
	}
	if v, err := b.ReadPhys16(0x1010); err != nil || v != 0xbeef {
		t.Errorf("ReadPhys16 = %#x, %v; want 0xbeef, nil", v, err)
	}

	if err := b.WritePhys32(0x1020, 0xdeadbeef); err != nil {
		t.Fatalf("WritePhys32: %v", err)
	}
	if v, err := b.ReadPhys32(0x1020); err != nil || v != 0xdeadbeef {
		t.Errorf("ReadPhys32 = %#x, %v; want 0xdeadbeef, nil", v, err)
	}

	if err := b.WritePhys64(0x1030, 0x0123456789abcdef); err != nil {
		t.Fatalf("WritePhys64: %v", err)
	}
	if v, err := b.ReadPhys64(0x1030); err != nil || v != 0x0123456789abcdef {
		t.Errorf("ReadPhys64 = %#x, %v; want 0x0123456789abcdef, nil", v, err)
	}
}

func TestAccessOutsideRAMAndUnmappedFaults(t *testing.T) {
	b := NewBus(0x1000, 4096)
	if _, err := b.ReadPhys8(0x9000); err == nil {
		t.Error("expected a fault reading an unmapped address")
	}
	if err := b.WritePhys8(0x9000, 1); err == nil {
		t.Error("expected a fault writing an unmapped address")
	}
}

func TestMapRoutesAccessToDevice(t *testing.T) {
	b := NewBus(0x1000, 4096)
	dev := newFakeDevice(0x100)
	b.Map(0x2000, dev)

	if err := b.WritePhys32(0x2010, 0x42); err != nil {
		t.Fatalf("WritePhys32: %v", err)
	}
	if dev.regs[0x10] != 0x42 {
		t.Errorf("device saw offset %#x, want 0x10 (base-relative)", 0x10)
	}

	v, err := b.ReadPhys32(0x2010)
	if err != nil {
		t.Fatalf("ReadPhys32: %v", err)
	}
	if v != 0x42 {
		t.Errorf("ReadPhys32 = %#x, want 0x42", v)
	}
}

func TestMapPanicsOnOverlap(t *testing.T) {
	b := NewBus(0x1000, 4096)
	b.Map(0x2000, newFakeDevice(0x1000))

	defer func() {
		if recover() == nil {
			t.Error("expected Map to panic on an overlapping region")
		}
	}()
	b.Map(0x2800, newFakeDevice(0x1000))
}

func TestReadAtWriteAtStayWithinRAM(t *testing.T) {
	b := NewBus(0x1000, 16)
	payload := []byte{1, 2, 3, 4}

	n, err := b.WriteAt(payload, 0x1004)
	if err != nil || n != len(payload) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}

	got := make([]byte, 4)
	n, err = b.ReadAt(got, 0x1004)
	if err != nil || n != 4 {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	for i, want := range payload {
		if got[i] != want {
			t.Errorf("ReadAt[%d] = %d, want %d", i, got[i], want)
		}
	}

	if _, err := b.WriteAt(payload, 0x2000); err == nil {
		t.Error("expected WriteAt outside RAM to fault")
	}
}

func TestRAMBaseAndRAMAccessors(t *testing.T) {
	b := NewBus(0x8000_0000, 1024)
	if b.RAMBase() != 0x8000_0000 {
		t.Errorf("RAMBase() = %#x, want 0x80000000", b.RAMBase())
	}
	if len(b.RAM()) != 1024 {
		t.Errorf("len(RAM()) = %d, want 1024", len(b.RAM()))
	}
}
