//go:build riscv64

package csr

// Hart is the real hardware backend: mscratch/mepc/mstatus are read
// with csrrs and written with csrrw, mcause is read-only, implemented in
// csr_riscv64.s. This file is only built when cross-compiling for the
// target (GOARCH=riscv64); the hosted test suite and CLI harness use
// Sim instead.
type Hart struct{}

var _ Registers = Hart{}

func (Hart) Mscratch() uint64       { return readMscratch() }
func (Hart) SetMscratch(v uint64)   { writeMscratch(v) }
func (Hart) Mepc() uint64           { return readMepc() }
func (Hart) SetMepc(v uint64)       { writeMepc(v) }
func (Hart) Mstatus() uint64        { return readMstatus() }
func (Hart) SetMstatus(v uint64)    { writeMstatus(v) }
func (Hart) Mcause() uint64         { return readMcause() }

//go:noescape
func readMscratch() uint64

//go:noescape
func writeMscratch(v uint64)

//go:noescape
func readMepc() uint64

//go:noescape
func writeMepc(v uint64)

//go:noescape
func readMstatus() uint64

//go:noescape
func writeMstatus(v uint64)

//go:noescape
func readMcause() uint64
