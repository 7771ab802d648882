// Package csr provides typed access to the machine-mode control/status
// registers and the memory-mapped device registers the kernel core
// depends on (C1): mscratch/mepc/mstatus/mcause, and the UART and
// machine-timer MMIO register layouts described in spec.md §6.
//
// Two backends satisfy the Registers interface: a riscv64-build-tagged
// one backed by real csrrw/csrrs instructions (riscv64.go,
// csr_riscv64.s), and Sim, a hosted fake used by tests and the CLI
// harness. The split mirrors the portable/arch-specific divide
// `avikivity-gcc`'s runtime keeps between its struct layouts and the
// "// Not for gccgo" architecture-specific fields.
package csr

// UART register offsets, relative to the UART's MMIO base (spec.md §6).
const (
	UARTTxdata  = 0x00
	UARTRxdata  = 0x04
	UARTRxctrl  = 0x08
	UARTBaudDiv = 0x18
)

// Machine-timer register offsets (SiFive CLINT-style layout).
const (
	MtimeOffset    = 0xbff8
	MtimecmpOffset = 0x4000
)

// statusEmptyOrFullBit is the sign bit (bit 31) of the UART data
// register: set iff the RX FIFO is empty or the TX FIFO is full,
// per spec.md §6 ("TX/RX polling").
const statusEmptyOrFullBit = 1 << 31

// DataEmptyOrFull reports whether the sign bit of a UART data register
// read is set: RX-empty when read from RXDATA, TX-full when read from
// TXDATA.
func DataEmptyOrFull(v uint32) bool {
	return v&statusEmptyOrFullBit != 0
}

// Registers is the typed view over the M-mode CSRs the trap path
// touches directly.
type Registers interface {
	// Mscratch holds the address of the live trapframe.Frame.
	Mscratch() uint64
	SetMscratch(v uint64)

	// Mepc holds the pc to resume at on mret.
	Mepc() uint64
	SetMepc(v uint64)

	// Mstatus carries the privilege-mode and interrupt-enable bits mret
	// restores.
	Mstatus() uint64
	SetMstatus(v uint64)

	// Mcause classifies the trap that is currently being handled.
	Mcause() uint64
}

// Cause bits, per the RISC-V privileged spec: the top bit of mcause
// distinguishes interrupts from synchronous exceptions; the low bits are
// the interrupt/exception code.
const (
	CauseInterruptBit = uint64(1) << 63
	CauseCodeMask     = ^CauseInterruptBit

	MachineTimerInterrupt = 7 // mcause low bits when CauseInterruptBit is set
	EnvCallFromUMode      = 8 // mcause low bits for `ecall` from U-mode
)

// IsInterrupt reports whether cause is an asynchronous interrupt rather
// than a synchronous exception.
func IsInterrupt(cause uint64) bool {
	return cause&CauseInterruptBit != 0
}

// Code extracts the exception/interrupt code from a raw mcause value.
func Code(cause uint64) uint64 {
	return cause &^ CauseInterruptBit
}
