package csr

import "sync"

// Sim is a hosted fake implementing Registers, used by tests and the
// CLI harness in place of real csrrw/csrrs instructions. It is the
// default backend: the kernel core never depends on real hardware to
// be exercised.
type Sim struct {
	mu       sync.Mutex
	mscratch uint64
	mepc     uint64
	mstatus  uint64
	mcause   uint64
}

var _ Registers = (*Sim)(nil)

func (s *Sim) Mscratch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mscratch
}

func (s *Sim) SetMscratch(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mscratch = v
}

func (s *Sim) Mepc() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mepc
}

func (s *Sim) SetMepc(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mepc = v
}

func (s *Sim) Mstatus() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mstatus
}

func (s *Sim) SetMstatus(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mstatus = v
}

func (s *Sim) Mcause() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mcause
}

// SetMcause is exposed only to Sim: on real hardware mcause is written
// by the CPU on trap entry, never by software, so it is not part of the
// Registers interface.
func (s *Sim) SetMcause(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcause = v
}
