package trapframe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtfb/rvhazz01/internal/trapframe"
)

func TestRegZeroIsHardwired(t *testing.T) {
	r := require.New(t)

	var f trapframe.Frame
	f.SetReg(trapframe.Zero, 0xdeadbeef)
	r.Equal(uint64(0), f.Reg(trapframe.Zero))
}

func TestSyscallArgsAndReturn(t *testing.T) {
	r := require.New(t)

	var f trapframe.Frame
	f.SetReg(trapframe.A7, 3)
	f.SetReg(trapframe.A0, 111)
	f.SetReg(trapframe.A1, 222)

	r.Equal(uint64(3), f.SyscallNum())
	r.Equal(uint64(111), f.SyscallArg(0))
	r.Equal(uint64(222), f.SyscallArg(1))

	f.SetReturn(42)
	r.Equal(uint64(42), f.Reg(trapframe.A0))
}

func TestSyscallArgOutOfRangePanics(t *testing.T) {
	r := require.New(t)
	var f trapframe.Frame
	r.Panics(func() { f.SyscallArg(6) })
}

func TestCloneIsIndependent(t *testing.T) {
	r := require.New(t)

	var f trapframe.Frame
	f.SetReg(trapframe.A0, 7)
	clone := f.Clone()
	clone.SetReg(trapframe.A0, 9)

	r.Equal(uint64(7), f.Reg(trapframe.A0))
	r.Equal(uint64(9), clone.Reg(trapframe.A0))
}

func TestResetToBuildsExecvFrame(t *testing.T) {
	r := require.New(t)

	var f trapframe.Frame
	f.SetReg(trapframe.S2, 0xff) // stale callee-saved register from before execv
	f.ResetTo(0x8000_1000, 0x9000_0000, 2, 0x9000_0ff0)

	r.Equal(uint64(0x8000_1000), f.PC)
	r.Equal(uint64(0x8000_1000), f.Reg(trapframe.RA))
	r.Equal(uint64(0x9000_0000), f.Reg(trapframe.SP))
	r.Equal(uint64(0x9000_0000), f.Reg(trapframe.FP))
	r.Equal(uint64(2), f.Reg(trapframe.A0))
	r.Equal(uint64(0x9000_0ff0), f.Reg(trapframe.A1))
	r.Equal(uint64(0), f.Reg(trapframe.S2), "ResetTo must discard stale registers")
}
