// Full-system mode: boots a guest kernel under the TOML configuration
// spec.md §6 describes, with one Context per configured core, a PLIC and
// CLINT, and whichever virtio-mmio devices the config names. Grounded on
// original_source/src/main.rs's full-system setup path (Context defaults,
// per-core fiber creation, device-tree placement) and on
// tinyrange-cc/internal/hv/riscv/rv64/machine.go for the Go-side "one Bus,
// several mapped devices" assembly idiom.
package main

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/rv64x/rvemu/internal/blockcache"
	"github.com/rv64x/rvemu/internal/config"
	"github.com/rv64x/rvemu/internal/core"
	"github.com/rv64x/rvemu/internal/decode"
	"github.com/rv64x/rvemu/internal/devices"
	"github.com/rv64x/rvemu/internal/devices/clint"
	"github.com/rv64x/rvemu/internal/devices/plic"
	"github.com/rv64x/rvemu/internal/devices/virtio"
	"github.com/rv64x/rvemu/internal/dispatch"
	"github.com/rv64x/rvemu/internal/fdt"
	"github.com/rv64x/rvemu/internal/loader"
	"github.com/rv64x/rvemu/internal/netdev"
	"github.com/rv64x/rvemu/internal/sched"
	"github.com/rv64x/rvemu/internal/timerq"
)

// Machine physical memory map. Matches the addresses internal/fdt's own
// test fixture uses, which in turn mirror the QEMU riscv "virt" machine
// every guest kernel already has a device-tree binding for.
const (
	ramBase      = 0x8000_0000
	clintBase    = 0x0200_0000
	plicBase     = 0x0c00_0000
	virtioBase   = 0x1000_1000
	virtioStride = 0x1000

	// dtbTrailer reserves the last 64 KiB of RAM for the generated device
	// tree, placed after the kernel image the way U-Boot/OpenSBI place it
	// for a direct-kernel boot.
	dtbTrailer = 64 * 1024
)

func runFullSystem(path string, opt options) error {
	sys, err := config.Load(path)
	if err != nil {
		return err
	}

	bus := devices.NewBus(ramBase, uint64(sys.Memory)*1024*1024)

	bar := progressbar.DefaultBytes(-1, "loading kernel")
	img, err := loadWithProgress(sys.Kernel, bus, bar)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	contexts := make([]*core.Context, sys.Cores)
	sipAsserters := make([]plic.SipAsserter, sys.Cores)
	clintAsserters := make([]clint.SipAsserter, sys.Cores)
	for i := range contexts {
		ctx := core.NewContext(uint64(i))
		ctx.Prv = core.PrivSupervisor
		contexts[i] = ctx
		sipAsserters[i] = ctx.Shared
		clintAsserters[i] = ctx.Shared
	}

	plicDev := plic.New(sipAsserters)
	clintDev := clint.New(clintAsserters)
	bus.Map(plicBase, plicDev)
	bus.Map(clintBase, clintDev)

	var virtioFDT []fdt.VirtioDevice
	nextBase := uint64(virtioBase)
	nextIRQ := uint32(1)
	mapVirtio := func(front virtio.FrontEnd) *virtio.MMIODevice {
		base := nextBase
		irq := nextIRQ
		nextBase += virtioStride
		nextIRQ++
		mmio := virtio.NewMMIODevice(bus, front, func() { plicDev.SetPending(irq, true) })
		bus.Map(base, mmio)
		virtioFDT = append(virtioFDT, fdt.VirtioDevice{Base: base, IRQ: irq})
		return mmio
	}

	for _, d := range sys.Drive {
		backend, err := virtio.OpenFileBackend(d.Path, false)
		if err != nil {
			return fmt.Errorf("open drive %s: %w", d.Path, err)
		}
		var blkBackend virtio.BlockBackend = backend
		if d.Shadow {
			blkBackend = virtio.NewShadowBackend(backend)
		}
		mapVirtio(virtio.NewBlk(blkBackend, false))
	}

	for _, r := range sys.Random {
		var src virtio.EntropySource
		if r.Type == config.RandomOS {
			src = cryptorand.Reader
		} else {
			src = mathrand.New(mathrand.NewSource(int64(r.Seed)))
		}
		mapVirtio(virtio.NewEntropy(src))
	}

	for _, s := range sys.Share {
		mapVirtio(virtio.NewNineP(s.Tag, s.Path))
	}

	console := newHostConsole()
	defer console.close()
	mapVirtio(virtio.NewConsole(console.Output(), console.VirtioInput()))

	var netPumps []netPump
	for _, n := range sys.Network {
		mac, err := n.ParseMAC()
		if err != nil {
			return err
		}
		stack := netdev.NewStack(mac)
		front := virtio.NewNet(mac, stack)
		mmio := mapVirtio(front)
		netPumps = append(netPumps, netPump{net: front, mmio: mmio})
	}

	dtbAddr := bus.RAMBase() + uint64(sys.Memory)*1024*1024 - dtbTrailer
	machineCfg := fdt.MachineConfig{
		NumHarts:  sys.Cores,
		MemBase:   ramBase,
		MemSize:   uint64(sys.Memory) * 1024 * 1024,
		PLICBase:  plicBase,
		CLINTBase: clintBase,
		Virtio:    virtioFDT,
		Bootargs:  sys.Cmdline,
	}
	root := fdt.BuildMachine(machineCfg)
	dtbBytes, err := fdt.Build(root)
	if err != nil {
		return fmt.Errorf("build device tree: %w", err)
	}
	if opt.dumpFDT != "" {
		if err := os.WriteFile(opt.dumpFDT, dtbBytes, 0o644); err != nil {
			return fmt.Errorf("dump-fdt: %w", err)
		}
	}
	if _, err := bus.WriteAt(dtbBytes, int64(dtbAddr)); err != nil {
		return fmt.Errorf("place device tree: %w", err)
	}

	el := timerq.New(!opt.lockstep)
	harts := make([]*dispatch.Hart, sys.Cores)
	m := &machineSBI{contexts: contexts, el: el, bus: bus, console: console}
	for i, ctx := range contexts {
		ctx.PC = img.Entry
		ctx.WriteReg(10, uint64(i)) // a0 = hartid
		ctx.WriteReg(11, dtbAddr)   // a1 = dtb physical address
		if i != 0 {
			// No SBI HSM extension is in scope (spec.md's table has no
			// hart-start call); secondary harts park until the boot hart
			// sends an IPI, matching how a spin-table bring-up works.
			ctx.WFI = true
		}
		h := dispatch.NewHart(ctx, bus, blockcache.NewArena(blockcache.DefaultArenaSize), el, m)
		if opt.disassemble {
			h.Trace = func(vaddr uint64, op decode.Op) {
				slog.Info("insn", "hart", ctx.HartID, "pc", fmt.Sprintf("%#x", vaddr), "op", op.String())
			}
		}
		if opt.perf {
			perfMap, _ := os.Create(fmt.Sprintf("/tmp/perf-%d.map", os.Getpid()))
			if perfMap != nil {
				h.OnBlockBuilt = func(pcStart uint64, numOps int) {
					fmt.Fprintf(perfMap, "%x %x block_%x\n", pcStart, numOps*4, pcStart)
				}
			}
		}
		harts[i] = h
	}

	// Poll outgoing network traffic (DNS replies, ICMP echoes) into each
	// guest's receive queue; no interrupt-driven path exists for
	// backend-originated frames, so this is a deliberate bounded-latency
	// poll rather than a blocking consumer.
	if len(netPumps) > 0 {
		go pumpNetworkOutgoing(netPumps)
	}

	machine := &sched.Machine{Harts: harts, EventLoop: el}
	return runScheduled(machine, console, opt.lockstep)
}

func runScheduled(m *sched.Machine, console *hostConsole, startLockstep bool) error {
	lockstep := startLockstep
	for {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			if lockstep {
				m.RunLockstep(ctx, 4096)
			} else {
				m.RunThreaded(ctx)
			}
			close(done)
		}()

		select {
		case <-done:
			cancel()
			return nil
		case <-console.Toggle():
			lockstep = !lockstep
			cancel()
			<-done
		case <-console.Exit():
			cancel()
			<-done
			return nil
		}
	}
}

// netPump pairs a virtio-net front end with the MMIO transport it is
// attached to, so PumpOutput's completions can raise the device's guest
// interrupt without the front end needing its own reference to the bus.
type netPump struct {
	net  *virtio.Net
	mmio *virtio.MMIODevice
}

// pumpNetworkOutgoing periodically drains each network stack's
// backend-originated frames (DNS replies, ICMP echoes) into the guest's
// receive queue. These frames arrive with no guest transmit in flight, so
// nothing else calls Notify to trigger the drain.
func pumpNetworkOutgoing(pumps []netPump) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		for _, p := range pumps {
			p.net.PumpOutput(p.mmio.RaiseInterrupt)
		}
	}
}

func loadWithProgress(path string, mem loader.Memory, bar *progressbar.ProgressBar) (loader.Image, error) {
	defer bar.Finish()
	img, err := loader.Load(path, mem)
	if err == nil {
		bar.Add64(int64(img.HighWater - img.LoadBase))
	}
	return img, err
}

// machineSBI implements core.SBIEnv against the full-system machine's
// harts, event loop, and console.
type machineSBI struct {
	contexts []*core.Context
	el       *timerq.EventLoop
	bus      *devices.Bus
	console  *hostConsole
}

func (m *machineSBI) SetTimer(hartID uint64, deadlineCycles uint64) {
	m.el.Queue(deadlineCycles, func() {
		if int(hartID) >= len(m.contexts) {
			return
		}
		sc := m.contexts[hartID].Shared
		sc.Assert(core.SIPTimer)
		sc.Alert()
	})
}

func (m *machineSBI) ConsolePutChar(b byte)        { m.console.ConsolePutChar(b) }
func (m *machineSBI) ConsoleGetChar() (byte, bool) { return m.console.ConsoleGetChar() }

// resolveMask reads the guest hart-bitmask the legacy SBI IPI/fence calls
// pass by pointer in a0, per spec.md §4.2's SBI table.
func (m *machineSBI) resolveMask(ptr uint64) uint64 {
	if ptr == 0 {
		// A null pointer conventionally means "every hart" for these
		// legacy calls when a guest wants a broadcast without building a
		// mask word.
		return ^uint64(0)
	}
	v, err := m.bus.ReadPhys64(ptr)
	if err != nil {
		return 0
	}
	return v
}

func (m *machineSBI) SendIPI(maskPtr uint64) {
	mask := m.resolveMask(maskPtr)
	for i, ctx := range m.contexts {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		ctx.Shared.Assert(core.SIPSoftware)
		ctx.Shared.Alert()
	}
}

func (m *machineSBI) RemoteFenceI(maskPtr uint64) {
	mask := m.resolveMask(maskPtr)
	for i, ctx := range m.contexts {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		ctx.Shared.RequestFenceI()
		ctx.Shared.Alert()
	}
}

func (m *machineSBI) RemoteSFenceVMA(maskPtr uint64) {
	mask := m.resolveMask(maskPtr)
	for i, ctx := range m.contexts {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		ctx.Shared.RequestSFenceVMA()
		ctx.Shared.Alert()
	}
}

func (m *machineSBI) Shutdown(code int) {
	for _, ctx := range m.contexts {
		ctx.Shared.Shutdown()
	}
	m.el.Shutdown()
}
