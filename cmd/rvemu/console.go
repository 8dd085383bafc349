// Console hotkey handling and the host-side console plumbing shared by
// the legacy SBI putchar/getchar calls and the virtio-console front end.
// Grounded on original_source/src/main.rs's Ctrl-A escape handling (the
// same `t`/`x`/`c`/Ctrl-A meanings spec.md §6 names) and on
// tinyrange-cc/cmd/cc/main.go's use of golang.org/x/term for raw-mode
// stdin, the only pack member that puts a terminal in raw mode this way.
package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

const ctrlA = 0x01

// hostConsole owns the host terminal: it puts stdin in raw mode (when it
// is a TTY), demultiplexes the Ctrl-A escape prefix from guest-bound
// bytes, and fans the remainder out to whichever console path the guest
// actually uses (the legacy SBI console and the virtio-console front end
// are both wired to the same byte stream — only one is ever drained by a
// given guest kernel, so feeding both is harmless).
type hostConsole struct {
	restore func()

	sbiBytes chan byte
	pipeW    *io.PipeWriter
	pipeR    *io.PipeReader

	toggle chan struct{}
	exit   chan struct{}
}

// newHostConsole puts stdin in raw mode if it is a terminal and starts the
// background reader goroutine. Callers must call close() before process
// exit to restore the terminal.
func newHostConsole() *hostConsole {
	c := &hostConsole{
		sbiBytes: make(chan byte, 256),
		toggle:   make(chan struct{}, 1),
		exit:     make(chan struct{}),
	}
	c.pipeR, c.pipeW = io.Pipe()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		if old, err := term.MakeRaw(fd); err == nil {
			c.restore = func() { term.Restore(fd, old) }
		}
	}
	go c.readLoop()
	notifyTerminalResize()
	return c
}

// Output is the writer both console paths print guest output to.
func (c *hostConsole) Output() io.Writer { return os.Stdout }

// VirtioInput is the reader the virtio-console front end drains.
func (c *hostConsole) VirtioInput() io.Reader { return c.pipeR }

// Toggle fires once per Ctrl-A t, signalling the main loop to swap
// scheduling mode.
func (c *hostConsole) Toggle() <-chan struct{} { return c.toggle }

// Exit fires once on Ctrl-A x.
func (c *hostConsole) Exit() <-chan struct{} { return c.exit }

// ConsoleGetChar implements the legacy SBI console-getchar call: a
// non-blocking poll of whatever the reader loop has buffered.
func (c *hostConsole) ConsoleGetChar() (byte, bool) {
	select {
	case b := <-c.sbiBytes:
		return b, true
	default:
		return 0, false
	}
}

// ConsolePutChar implements the legacy SBI console-putchar call.
func (c *hostConsole) ConsolePutChar(b byte) {
	os.Stdout.Write([]byte{b})
}

func (c *hostConsole) readLoop() {
	buf := make([]byte, 256)
	pendingEscape := false
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			b := buf[i]
			if pendingEscape {
				pendingEscape = false
				switch b {
				case ctrlA:
					c.deliver(b)
				case 't':
					select {
					case c.toggle <- struct{}{}:
					default:
					}
				case 'x':
					close(c.exit)
					return
				case 'c':
					syscall.Kill(os.Getpid(), syscall.SIGTRAP)
				default:
					c.deliver(b)
				}
				continue
			}
			if b == ctrlA {
				pendingEscape = true
				continue
			}
			c.deliver(b)
		}
	}
}

func (c *hostConsole) deliver(b byte) {
	select {
	case c.sbiBytes <- b:
	default:
	}
	c.pipeW.Write([]byte{b})
}

func (c *hostConsole) close() {
	if c.restore != nil {
		c.restore()
	}
}

// notifyTerminalResize is a placeholder hook: neither the legacy console
// nor virtio-console front end this emulator implements negotiates
// terminal size, so SIGWINCH is only used to avoid leaving the default
// handler's blocking behavior surprising a raw-mode terminal.
func notifyTerminalResize() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	go func() {
		for range ch {
		}
	}()
}
