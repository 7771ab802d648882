// Command kernel is the bootstrap harness (C8): it wires a kernel.Kernel
// together from CLI flags, seeds the initial process, and drives it
// tick by tick, printing whatever the seeded program writes to the
// console, the hosted stand-in for the real machine's boot sequence
// (spec.md §9, "wrap the globals in a singleton owned by the entry
// routine").
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/rtfb/rvhazz01/internal/kernel"
	"github.com/rtfb/rvhazz01/internal/programs"
	"github.com/rtfb/rvhazz01/internal/uart"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kernel:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		maxProcs = pflag.Int("max-procs", 8, "process table capacity")
		heapMB   = pflag.Int("heap-mb", 1, "heap size in mebibytes")
		tickMS   = pflag.Int("tick-ms", 10, "scheduler tick period in milliseconds")
		ticks    = pflag.Int("ticks", 50, "number of timer ticks to drive before exiting")
		logLevel = pflag.String("log-level", "info", "log level: debug, info, warn, error")
		initProg = pflag.String("init", "init", "name of the initial program to boot")
	)
	pflag.Parse()

	log, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	console := &uart.Sim{}
	heapPages := uint32(*heapMB * 1024 * 1024 / 4096)

	k := kernel.New(kernel.Config{
		MaxProcs:   *maxProcs,
		HeapPages:  heapPages,
		HeapBase:   0x80000000,
		TickPeriod: time.Duration(*tickMS) * time.Millisecond,
		TicksPerMs: 1,
		Programs:   defaultPrograms(),
		Console:    console,
		Clock:      clockz.RealClock,
		Log:        log,
	})

	if err := k.Boot(*initProg); err != nil {
		return fmt.Errorf("boot %q: %w", *initProg, err)
	}
	log.Info("booted", zap.String("program", *initProg))

	for i := 0; i < *ticks; i++ {
		res := k.Tick()
		log.Debug("tick", zap.Int("i", i), zap.Int("outcome", int(res.Outcome)))
		if len(console.Out) > 0 {
			os.Stdout.Write(console.Out)
			console.Out = console.Out[:0]
		}
	}

	info := k.Sysinfo()
	log.Info("final sysinfo",
		zap.Uint32("total_ram_pages", info.TotalRAM),
		zap.Uint32("free_ram_pages", info.FreeRAM),
		zap.Uint32("procs", info.Procs),
	)
	return nil
}

// defaultPrograms is the statically linked table of user programs this
// harness knows how to boot. Entry addresses are placeholders: nothing
// in this hosted model interprets RISC-V instructions, so booting a
// program only ever installs its entry pc into the trap frame.
func defaultPrograms() []programs.Program {
	return []programs.Program{
		{Name: "init", Entry: 0x80001000},
		{Name: "shell", Entry: 0x80002000},
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "" // deterministic, timestamp-free output for the harness
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log-level: %w", err)
	}
	return cfg.Build()
}
