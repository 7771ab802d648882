package syscall_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rtfb/rvhazz01/internal/mmtimer"
	"github.com/rtfb/rvhazz01/internal/pagealloc"
	"github.com/rtfb/rvhazz01/internal/programs"
	"github.com/rtfb/rvhazz01/internal/proctable"
	syscalllayer "github.com/rtfb/rvhazz01/internal/syscall"
	"github.com/rtfb/rvhazz01/internal/trapframe"
	"github.com/rtfb/rvhazz01/internal/uart"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T, capacity int) (*syscalllayer.Dispatcher, *proctable.Table, *pagealloc.Arena, *uart.Sim) {
	t.Helper()
	tbl := proctable.New(capacity, zap.NewNop())
	pages := pagealloc.NewArena(0x1000, 16)
	progs := programs.NewTable(
		programs.Program{Name: "init", Entry: 0x8000},
		programs.Program{Name: "shell", Entry: 0x80002000},
	)
	console := &uart.Sim{}
	fc := &fakeClock{now: time.Unix(0, 0)}
	timer := mmtimer.NewDevice(fc, time.Millisecond)

	d := &syscalllayer.Dispatcher{
		Table:      tbl,
		Pages:      pages,
		Programs:   progs,
		Console:    console,
		Timer:      timer,
		TicksPerMs: 1,
		Restart:    func() {},
		Log:        zap.NewNop(),
	}
	return d, tbl, pages, console
}

// seedProcess installs one occupied slot at index 0 with a stack page,
// the way Kernel.Boot would, and returns its index and pid.
func seedProcess(t *testing.T, d *syscalllayer.Dispatcher, tbl *proctable.Table, pages *pagealloc.Arena) (int, proctable.Pid) {
	t.Helper()
	page, err := pages.Allocate()
	require.NoError(t, err)

	h, ok := tbl.Alloc()
	require.True(t, ok)
	tbl.Lock()
	pid := tbl.AllocPid()
	tbl.Unlock()

	h.Slot.Pid = pid
	h.Slot.StackPage = page
	h.Slot.HasStack = true
	h.Unlock()

	tbl.Lock()
	tbl.SetCurrentIndex(h.Index)
	tbl.Unlock()

	return h.Index, pid
}

// packName packs a short ASCII name into a0..a2, matching decodeName's
// convention.
func packName(name string) [3]uint64 {
	var regs [3]uint64
	b := []byte(name)
	for i := 0; i < len(b) && i < 24; i++ {
		regs[i/8] |= uint64(b[i]) << (8 * (i % 8))
	}
	return regs
}

// TestForkCopiesLiveFrameNotStaleSlotContext exercises P4 directly:
// the child's saved context must reflect the trap frame as it stands
// right now, not whatever was last written into the slot. execv never
// writes slot.Context back (only wait/sleep do), so forking immediately
// after an execv in the same quantum is the sharpest case: if fork read
// from slot.Context it would clone the pre-execv stack/registers.
func TestForkCopiesLiveFrameNotStaleSlotContext(t *testing.T) {
	r := require.New(t)
	d, tbl, pages, _ := newFixture(t, 4)
	idx, _ := seedProcess(t, d, tbl, pages)

	var tf trapframe.Frame
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysExecv))
	name := packName("shell")
	tf.SetReg(trapframe.A0, name[0])
	tf.SetReg(trapframe.A1, name[1])
	tf.SetReg(trapframe.A2, name[2])
	tf.SetReg(trapframe.A3, 0) // argc

	d.Dispatch(&tf, idx)
	r.Equal(uint64(0), tf.Reg(trapframe.A0), "a0 now carries argc=0, not a return code")
	r.Equal(uint64(0x80002000), tf.PC, "tf now reflects shell's entry point")

	// Simulate the process having run a few instructions under the new
	// program before forking, still within the same quantum (no Tick in
	// between, so slot.Context was never written back to).
	tf.SetReg(trapframe.S2, 0xBEEF)

	// Same quantum, no intervening Tick: fork must see the post-execv tf,
	// not the pre-execv slot.Context (which was never written back).
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysFork))
	d.Dispatch(&tf, idx)
	childPid := tf.Reg(trapframe.A0)
	r.NotEqual(syscalllayer.ErrReturn, childPid)

	tbl.Lock()
	childIdx := -1
	for i := 0; i < tbl.Capacity(); i++ {
		if i != idx && tbl.Slot(i).State != proctable.Available {
			childIdx = i
		}
	}
	tbl.Unlock()
	r.NotEqual(-1, childIdx, "fork must have installed a child slot")

	child := tbl.Slot(childIdx)
	child.Lock()
	defer child.Unlock()

	r.Equal(uint64(0x80002000), child.Context.PC, "child inherits the live post-execv pc")
	r.Equal(uint64(0x80002000), child.Context.Reg(trapframe.RA), "child inherits ra as reset by execv, not a stale checkpoint")
	r.Equal(uint64(0xBEEF), child.Context.Reg(trapframe.S2), "child inherits every other live register, not a stale checkpoint")
	r.Equal(uint64(0), child.Context.Reg(trapframe.A0), "child's own return value is 0")

	// sp/fp must be the same offset into the child's own stack page, not
	// the parent's raw address.
	parentSP := tf.Reg(trapframe.SP)
	spOffset := parentSP - uint64(pages.Addr(tbl.Slot(idx).StackPage))
	wantSP := uint64(pages.Addr(child.StackPage)) + spOffset
	r.Equal(wantSP, child.Context.Reg(trapframe.SP))
	r.Equal(wantSP, child.Context.Reg(trapframe.FP))
}

func TestForkSplitsReturnValueAndCopiesStackBytes(t *testing.T) {
	r := require.New(t)
	d, tbl, pages, _ := newFixture(t, 4)
	idx, parentPid := seedProcess(t, d, tbl, pages)

	tbl.Lock()
	parentPage := tbl.Slot(idx).StackPage
	tbl.Unlock()
	pages.Backing(parentPage)[0] = 0xAB

	var tf trapframe.Frame
	tf.SetReg(trapframe.SP, uint64(pages.Addr(parentPage))+100)
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysFork))

	d.Dispatch(&tf, idx)
	childPid := tf.Reg(trapframe.A0)
	r.NotEqual(syscalllayer.ErrReturn, childPid)
	r.NotEqual(uint64(parentPid), childPid)

	tbl.Lock()
	var childPage pagealloc.PageNumber
	var parent *proctable.Pid
	for i := 0; i < tbl.Capacity(); i++ {
		s := tbl.Slot(i)
		if uint64(s.Pid) == childPid {
			childPage = s.StackPage
			parent = s.ParentPid
		}
	}
	tbl.Unlock()

	r.NotNil(parent)
	r.Equal(parentPid, *parent)
	r.Equal(byte(0xAB), pages.Backing(childPage)[0], "stack bytes copied byte-for-byte")
	r.NotEqual(parentPage, childPage, "child gets its own page, not an alias")
}

func TestForkTableFullReleasesChildPage(t *testing.T) {
	r := require.New(t)
	d, tbl, pages, _ := newFixture(t, 1) // capacity 1: no room for a child
	idx, _ := seedProcess(t, d, tbl, pages)

	before := pages.Free()

	var tf trapframe.Frame
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysFork))
	d.Dispatch(&tf, idx)

	r.Equal(syscalllayer.ErrReturn, tf.Reg(trapframe.A0))
	r.Equal(before, pages.Free(), "the allocated child page must be released on table-full failure")
}

func TestExecvUnknownProgramReturnsErrAndKeepsOldStack(t *testing.T) {
	r := require.New(t)
	d, tbl, pages, _ := newFixture(t, 4)
	idx, _ := seedProcess(t, d, tbl, pages)

	tbl.Lock()
	oldPage := tbl.Slot(idx).StackPage
	tbl.Unlock()

	var tf trapframe.Frame
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysExecv))
	name := packName("nonexistent")
	tf.SetReg(trapframe.A0, name[0])
	tf.SetReg(trapframe.A1, name[1])
	tf.SetReg(trapframe.A2, name[2])

	d.Dispatch(&tf, idx)
	r.Equal(syscalllayer.ErrReturn, tf.Reg(trapframe.A0))

	tbl.Lock()
	r.Equal(oldPage, tbl.Slot(idx).StackPage, "a failed execv must not touch the existing stack page")
	tbl.Unlock()
}

func TestExecvSwapsStackPageAndResetsFrame(t *testing.T) {
	r := require.New(t)
	d, tbl, pages, _ := newFixture(t, 4)
	idx, _ := seedProcess(t, d, tbl, pages)

	tbl.Lock()
	oldPage := tbl.Slot(idx).StackPage
	tbl.Unlock()
	before := pages.Free()

	var tf trapframe.Frame
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysExecv))
	name := packName("shell")
	tf.SetReg(trapframe.A0, name[0])
	tf.SetReg(trapframe.A1, name[1])
	tf.SetReg(trapframe.A2, name[2])
	tf.SetReg(trapframe.A3, 7) // argc

	d.Dispatch(&tf, idx)
	r.Equal(uint64(7), tf.Reg(trapframe.A0), "argc threaded through to a0 via ResetTo, not a return code")
	r.Equal(uint64(0), tf.Reg(trapframe.A1), "argv")
	r.Equal(uint64(0x80002000), tf.PC)

	tbl.Lock()
	newPage := tbl.Slot(idx).StackPage
	tbl.Unlock()
	r.NotEqual(oldPage, newPage)
	r.Equal(before, pages.Free(), "one page released, one taken: free count unchanged")
}

func TestGetpidReturnsTheCallingSlotsPid(t *testing.T) {
	r := require.New(t)
	d, tbl, pages, _ := newFixture(t, 4)
	idx, pid := seedProcess(t, d, tbl, pages)

	var tf trapframe.Frame
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysGetpid))
	d.Dispatch(&tf, idx)

	r.Equal(uint64(pid), tf.Reg(trapframe.A0))
}

func TestSysinfoDeliversTotalsIntoRegisters(t *testing.T) {
	r := require.New(t)
	d, tbl, pages, _ := newFixture(t, 4)
	idx, _ := seedProcess(t, d, tbl, pages)

	var tf trapframe.Frame
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysSysinfo))
	d.Dispatch(&tf, idx)

	r.Equal(uint64(pages.Total()), tf.Reg(trapframe.A1))
	r.Equal(uint64(pages.Free()), tf.Reg(trapframe.A2))
	r.Equal(uint64(1), tf.Reg(trapframe.A3))
}

func TestReadDrainsConsoleInputQueue(t *testing.T) {
	r := require.New(t)
	d, tbl, pages, console := newFixture(t, 4)
	idx, _ := seedProcess(t, d, tbl, pages)
	console.Feed('y', 'o')

	var tf trapframe.Frame
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysRead))
	tf.SetReg(trapframe.A0, syscalllayer.FDStdin)
	tf.SetReg(trapframe.A2, 2) // n

	d.Dispatch(&tf, idx)
	r.Equal(uint64(2), tf.Reg(trapframe.A0))
}

func TestWriteDeliversPayloadToConsole(t *testing.T) {
	r := require.New(t)
	d, tbl, pages, console := newFixture(t, 4)
	idx, _ := seedProcess(t, d, tbl, pages)

	var tf trapframe.Frame
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysWrite))
	tf.SetReg(trapframe.A0, syscalllayer.FDStdout)
	tf.SetReg(trapframe.A2, 2) // n
	tf.SetReg(trapframe.A3, uint64('h')|uint64('i')<<8)

	d.Dispatch(&tf, idx)
	r.Equal(uint64(2), tf.Reg(trapframe.A0))
	r.Equal("hi", string(console.Out))
}

func TestWriteUnknownFdFails(t *testing.T) {
	r := require.New(t)
	d, tbl, pages, _ := newFixture(t, 4)
	idx, _ := seedProcess(t, d, tbl, pages)

	var tf trapframe.Frame
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysWrite))
	tf.SetReg(trapframe.A0, 99)

	d.Dispatch(&tf, idx)
	r.Equal(syscalllayer.ErrReturn, tf.Reg(trapframe.A0))
}

func TestExitFreesSlotAndWakesWaitingParent(t *testing.T) {
	r := require.New(t)
	d, tbl, pages, _ := newFixture(t, 4)
	parentIdx, _ := seedProcess(t, d, tbl, pages)

	var tf trapframe.Frame
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysFork))
	d.Dispatch(&tf, parentIdx)
	childPid := tf.Reg(trapframe.A0)

	tbl.Lock()
	var childIdx int
	for i := 0; i < tbl.Capacity(); i++ {
		if uint64(tbl.Slot(i).Pid) == childPid && i != parentIdx {
			childIdx = i
		}
	}
	tbl.Unlock()

	// Parent waits.
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysWait))
	d.Dispatch(&tf, parentIdx)

	tbl.Lock()
	r.Equal(proctable.Sleeping, tbl.Slot(parentIdx).State)
	tbl.Unlock()

	// Child exits.
	var childTf trapframe.Frame
	childTf.SetReg(trapframe.A7, uint64(syscalllayer.SysExit))
	d.Dispatch(&childTf, childIdx)

	tbl.Lock()
	r.Equal(proctable.Available, tbl.Slot(childIdx).State, "exited child's slot must be freed")
	parentSlot := tbl.Slot(parentIdx)
	parentSlot.Lock()
	r.Equal(proctable.Running, parentSlot.State, "woken parent is the only runnable process, so exit's scheduler call resumes it")
	r.Equal(childPid, parentSlot.Context.Reg(trapframe.A0), "wait() resumes with the exited child's pid")
	parentSlot.Unlock()
	tbl.Unlock()
}

func TestSleepSetsWakeupDeadlineFromTicksPerMs(t *testing.T) {
	r := require.New(t)
	d, tbl, pages, _ := newFixture(t, 4)
	idx, _ := seedProcess(t, d, tbl, pages)

	var tf trapframe.Frame
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysSleep))
	tf.SetReg(trapframe.A0, 1000) // ms, TicksPerMs=1 -> wakeup at tick 1000

	d.Dispatch(&tf, idx)

	tbl.Lock()
	defer tbl.Unlock()
	slot := tbl.Slot(idx)
	slot.Lock()
	defer slot.Unlock()
	r.Equal(proctable.Sleeping, slot.State)
	r.Equal(uint64(1000), slot.WakeupTime)
}
