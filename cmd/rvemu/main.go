// Command rvemu is the CLI driver for this full-system RISC-V emulator: it
// parses the flags spec.md §6 names, sniffs the positional argument to
// decide between a statically linked user-mode ELF and a full-system TOML
// configuration, and boots the chosen mode. Grounded on
// tinyrange-cc/cmd/cc/main.go's run()-returns-error idiom (a single run
// wrapped by main so every exit path funnels through one os.Exit) and on
// original_source/src/main.rs for the flag table and ELF-vs-config
// dispatch this command mirrors.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/rv64x/rvemu/internal/loader"
)

// exitError carries a non-zero process exit code up through run without
// forcing every caller to remember to call os.Exit directly, matching the
// teacher's own ExitError convention for the same reason.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

func main() {
	if err := run(os.Args[1:]); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "rvemu: %v\n", err)
		os.Exit(1)
	}
}

// options collects every flag spec.md §6 names.
type options struct {
	lockstep    bool
	disassemble bool
	strace      bool
	perf        bool
	dumpFDT     string
	sysroot     string
}

func run(args []string) error {
	fs := flag.NewFlagSet("rvemu", flag.ContinueOnError)
	var opt options
	fs.BoolVar(&opt.lockstep, "lockstep", false, "run every hart in deterministic lockstep instead of threaded mode")
	fs.BoolVar(&opt.disassemble, "disassemble", false, "trace every executed instruction to stderr")
	fs.BoolVar(&opt.strace, "strace", false, "trace user-mode host syscalls to stdout")
	fs.BoolVar(&opt.perf, "perf", false, "write a /tmp/perf-<pid>.map of decoded blocks for perf(1) symbolization")
	fs.StringVar(&opt.dumpFDT, "dump-fdt", "", "write the generated device tree blob to PATH and continue booting")
	fs.StringVar(&opt.sysroot, "sysroot", "", "host directory user-mode openat(2) calls are scoped under")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: rvemu [flags] <elf|config.toml>\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return &exitError{code: 0}
		}
		return &exitError{code: 1}
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return &exitError{code: 1}
	}
	path := fs.Arg(0)

	mode, err := loader.Sniff(path)
	if err != nil {
		slog.Error("rvemu: sniff", "path", path, "error", err)
		return &exitError{code: 1}
	}

	switch mode {
	case loader.ModeUser:
		code, err := runUser(path, opt)
		if err != nil {
			slog.Error("rvemu: user mode", "error", err)
			return &exitError{code: 1}
		}
		if code != 0 {
			return &exitError{code: code}
		}
		return nil
	default:
		if err := runFullSystem(path, opt); err != nil {
			slog.Error("rvemu: full-system mode", "error", err)
			return &exitError{code: 1}
		}
		return nil
	}
}
