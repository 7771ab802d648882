//go:build riscv64

package uart

import (
	"unsafe"

	"github.com/rtfb/rvhazz01/internal/csr"
)

// MMIOPort is the real UART backend: a polled, byte-at-a-time console
// at a fixed physical base address, accessed the way the teacher's
// lap_id() reaches the local APIC — a raw unsafe.Pointer cast over a
// known physical address, since Go has no volatile-register builtin.
type MMIOPort struct {
	base uintptr
}

var _ Port = MMIOPort{}

// NewMMIOPort wraps the UART at the given physical base address.
func NewMMIOPort(base uintptr) MMIOPort {
	return MMIOPort{base: base}
}

func (p MMIOPort) cell(offset uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(p.base + offset))
}

func (p MMIOPort) ReadByte() (byte, bool) {
	raw := *p.cell(csr.UARTRxdata)
	if csr.DataEmptyOrFull(raw) {
		return 0, false
	}
	return byte(raw), true
}

func (p MMIOPort) WriteByte(b byte) {
	for csr.DataEmptyOrFull(*p.cell(csr.UARTTxdata)) {
		// spin until the TX FIFO has room
	}
	*p.cell(csr.UARTTxdata) = uint32(b)
}
