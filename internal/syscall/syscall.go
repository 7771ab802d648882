// Package syscall implements the syscall layer (C7): decoding the
// syscall number and arguments out of the trap frame and implementing
// fork, execv, exit, wait, sleep, getpid, sysinfo, read, write, and
// restart, per spec.md §4.5 and the ABI in §6.
package syscall

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/rtfb/rvhazz01/internal/mmtimer"
	"github.com/rtfb/rvhazz01/internal/pagealloc"
	"github.com/rtfb/rvhazz01/internal/programs"
	"github.com/rtfb/rvhazz01/internal/proctable"
	"github.com/rtfb/rvhazz01/internal/sched"
	"github.com/rtfb/rvhazz01/internal/trapframe"
	"github.com/rtfb/rvhazz01/internal/uart"
)

// Numbers, stable and shared with user programs per spec.md §6.
const (
	SysRestart = iota
	SysExit
	SysFork
	SysRead
	SysWrite
	SysWait
	SysSleep
	SysExecv
	SysGetpid
	SysSysinfo
)

// ErrReturn is the syscall error return value: -1 as seen in a0 (an
// unsigned 64-bit register holding the two's-complement bit pattern of
// -1), per spec.md §7.
const ErrReturn = ^uint64(0)

// StackTop is the byte offset within a freshly allocated stack page
// that sp/fp are initialized to: immediately past the end of the page,
// since RISC-V stacks grow down.
const StackTop = pagealloc.PageSize

// ConsoleFD values spec.md §6 recognizes for read/write.
const (
	FDStdin  = 0
	FDStdout = 1
	FDStderr = 2
)

// Sysinfo is the on-wire layout spec.md §6 specifies: little-endian
// 32-bit totalram, freeram (both in pages), procs.
type Sysinfo struct {
	TotalRAM uint32
	FreeRAM  uint32
	Procs    uint32
}

// MarshalBinary encodes s per spec.md's on-wire layout.
func (s Sysinfo) MarshalBinary() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], s.TotalRAM)
	binary.LittleEndian.PutUint32(buf[4:8], s.FreeRAM)
	binary.LittleEndian.PutUint32(buf[8:12], s.Procs)
	return buf
}

// Dispatcher holds every collaborator the syscall layer needs: the
// process table (C4), the page allocator (C2), the static programs
// table, the console, and the timer device used to compute sleep
// deadlines and to hand to the scheduler when a syscall blocks.
type Dispatcher struct {
	Table      *proctable.Table
	Pages      *pagealloc.Arena
	Programs   *programs.Table
	Console    uart.Port
	Timer      *mmtimer.Device
	TicksPerMs uint64
	Restart    func()
	Log        *zap.Logger
}

// Dispatch decodes the syscall encoded in tf and executes it on behalf
// of the process at idx, per spec.md §4.4 ("route to C7 with the
// syscall number in a7 ... arguments in a0..a5. The return value is
// written back into the trap frame's a0 slot").
//
// The returned sched.Result reflects the scheduler outcome for
// syscalls that block (exit, wait, sleep); non-blocking syscalls
// (fork, execv, getpid, sysinfo, read, write, restart) return
// Resumed at the caller's own index, since the caller keeps running.
func (d *Dispatcher) Dispatch(tf *trapframe.Frame, idx int) sched.Result {
	switch tf.SyscallNum() {
	case SysRestart:
		d.Restart()
		return sched.Result{Outcome: sched.Resumed, Index: idx}
	case SysExit:
		return d.exit(tf, idx)
	case SysFork:
		tf.SetReturn(d.fork(tf, idx))
		return sched.Result{Outcome: sched.Resumed, Index: idx}
	case SysRead:
		tf.SetReturn(d.read(tf))
		return sched.Result{Outcome: sched.Resumed, Index: idx}
	case SysWrite:
		tf.SetReturn(d.write(tf))
		return sched.Result{Outcome: sched.Resumed, Index: idx}
	case SysWait:
		return d.wait(tf, idx)
	case SysSleep:
		return d.sleep(tf, idx, tf.SyscallArg(0))
	case SysExecv:
		if !d.execv(tf, idx) {
			tf.SetReturn(ErrReturn)
		}
		return sched.Result{Outcome: sched.Resumed, Index: idx}
	case SysGetpid:
		tf.SetReturn(uint64(d.Table.Slot(idx).Pid))
		return sched.Result{Outcome: sched.Resumed, Index: idx}
	case SysSysinfo:
		d.sysinfo(tf)
		tf.SetReturn(0)
		return sched.Result{Outcome: sched.Resumed, Index: idx}
	default:
		tf.SetReturn(ErrReturn)
		return sched.Result{Outcome: sched.Resumed, Index: idx}
	}
}

// fork allocates a child slot and stack page, copies the parent's
// context and stack byte-for-byte, and splits the return value: 0 in
// the child, the child's pid in the parent (spec.md §4.5, P4). The
// context is saved from tf itself, not from the slot's last-saved
// Context, since nothing keeps the slot in sync with tf on every
// syscall (execv rewrites tf via ResetTo without writing back to the
// slot) — tf is the only value guaranteed to be live for the process
// actually running this quantum.
func (d *Dispatcher) fork(tf *trapframe.Frame, idx int) uint64 {
	childPage, err := d.Pages.Allocate()
	if err != nil {
		d.Log.Debug("fork: out of memory")
		return ErrReturn
	}

	parent := d.Table.Slot(idx)
	parent.Lock()
	parentPid := parent.Pid
	oldPage := parent.StackPage
	parent.Unlock()

	oldSP := tf.Reg(trapframe.SP)

	handle, ok := d.Table.Alloc()
	if !ok {
		_ = d.Pages.Release(childPage)
		d.Log.Debug("fork: table full")
		return ErrReturn
	}

	pid := d.allocPid()
	childCtx := *tf
	// Byte-for-byte stack copy, then rewrite sp/fp to the same offset
	// within the new page (spec.md §4.5).
	copy(d.Pages.Backing(childPage), d.Pages.Backing(oldPage))
	spOffset := uintptr(oldSP) - d.Pages.Addr(oldPage)
	newSP := d.Pages.Addr(childPage) + spOffset
	childCtx.SetReg(trapframe.SP, uint64(newSP))
	childCtx.SetReg(trapframe.FP, uint64(newSP))
	childCtx.SetReg(trapframe.A0, 0) // child's return value

	handle.Slot.Pid = pid
	handle.Slot.Name = parent.Name
	handle.Slot.ParentPid = &parentPid
	handle.Slot.Context = childCtx
	handle.Slot.StackPage = childPage
	handle.Slot.HasStack = true
	handle.Unlock()

	return uint64(pid) // parent's return value
}

func (d *Dispatcher) allocPid() proctable.Pid {
	d.Table.Lock()
	defer d.Table.Unlock()
	return d.Table.AllocPid()
}

// execv resolves filename in the static programs table, swaps in a
// fresh stack page, and resets the caller's context to start execution
// at the program's entry point (spec.md §4.5). The hosted model has no
// user address space to read a C string from, so the name is decoded
// from a0..a2 the same way write's payload is (null-terminated ASCII
// packed little-endian into argument registers); argc is the caller's
// actual count in a3 rather than the stubbed constant the source used
// (spec.md §9 open question).
//
// execv never returns a value of its own: a successful call reuses a0
// for the new program's argc (ResetTo's process-entry convention), so
// the caller must not also write a syscall return value into a0 — that
// would stomp argc with the call's own success code. Only the failure
// path needs to signal anything back, and it does so through the
// reported bool rather than through tf.
func (d *Dispatcher) execv(tf *trapframe.Frame, idx int) bool {
	name := decodeName(tf)
	argc := tf.SyscallArg(3)

	prog, err := d.Programs.Lookup(name)
	if err != nil {
		return false
	}

	newPage, err := d.Pages.Allocate()
	if err != nil {
		return false
	}

	slot := d.Table.Slot(idx)
	slot.Lock()
	oldPage, hasStack := slot.StackPage, slot.HasStack
	slot.Unlock()
	if hasStack {
		_ = d.Pages.Release(oldPage)
	}

	stackTop := d.Pages.Addr(newPage) + StackTop
	tf.ResetTo(prog.Entry, uint64(stackTop), argc, 0)

	slot.Lock()
	slot.StackPage = newPage
	slot.HasStack = true
	slot.Unlock()

	return true
}

// decodeName reads a null-terminated ASCII name packed little-endian
// across a0, a1, a2 (up to 24 bytes), the same convention writePayload
// uses for short buffers.
func decodeName(tf *trapframe.Frame) string {
	regs := []int{trapframe.A0, trapframe.A1, trapframe.A2}
	buf := make([]byte, 0, 24)
	for _, r := range regs {
		v := tf.Reg(r)
		for i := 0; i < 8; i++ {
			b := byte(v >> (8 * i))
			if b == 0 {
				return string(buf)
			}
			buf = append(buf, b)
		}
	}
	return string(buf)
}

// read services fd 0/1/2 by delegating to the console; any other fd is
// BAD_ARGUMENT (spec.md §4.5, §7).
func (d *Dispatcher) read(tf *trapframe.Frame) uint64 {
	fd := tf.SyscallArg(0)
	n := int(tf.SyscallArg(2))
	switch fd {
	case FDStdin, FDStdout, FDStderr:
		got := uart.ReadBytes(d.Console, n)
		return uint64(len(got))
	default:
		return ErrReturn
	}
}

// write services fd 0/1/2 by delegating to the console.
func (d *Dispatcher) write(tf *trapframe.Frame) uint64 {
	fd := tf.SyscallArg(0)
	n := int(tf.SyscallArg(2))
	switch fd {
	case FDStdin, FDStdout, FDStderr:
		// The hosted model keeps user memory in the process's own stack
		// page; the byte payload for write is threaded through
		// writePayload rather than dereferenced from a raw address, since there is no
		// MMU-backed user address space to read in this re-implementation
		// (spec.md Non-goals: no MMU-based isolation).
		buf := writePayload(tf, n)
		uart.WriteBytes(d.Console, buf)
		return uint64(len(buf))
	default:
		return ErrReturn
	}
}

// writePayload extracts up to n bytes of write(2) payload packed
// little-endian into a3..a5 (at most 24 bytes) for short writes used by the test harness and demo
// programs; real user buffers would be read from the process's stack
// page via its recorded address, which this hosted model does not
// otherwise need to dereference.
func writePayload(tf *trapframe.Frame, n int) []byte {
	regs := []int{trapframe.A3, trapframe.A4, trapframe.A5}
	buf := make([]byte, 0, n)
	for _, r := range regs {
		if len(buf) >= n {
			break
		}
		v := tf.Reg(r)
		for i := 0; i < 8 && len(buf) < n; i++ {
			buf = append(buf, byte(v>>(8*i)))
		}
	}
	return buf[:min(n, len(buf))]
}

// sysinfo fills the caller-visible Sysinfo snapshot (spec.md §4.5) and
// delivers it into a1 (totalram), a2 (freeram), a3 (procs): the hosted
// model's stand-in for writing through the a0 buffer pointer the real
// ABI would use, since there is no user address space to copy into
// directly (see write, above).
func (d *Dispatcher) sysinfo(tf *trapframe.Frame) {
	d.Table.Lock()
	procs := d.Table.NumProcs()
	d.Table.Unlock()

	info := Sysinfo{
		TotalRAM: d.Pages.Total(),
		FreeRAM:  d.Pages.Free(),
		Procs:    uint32(procs),
	}
	tf.SetReg(trapframe.A1, uint64(info.TotalRAM))
	tf.SetReg(trapframe.A2, uint64(info.FreeRAM))
	tf.SetReg(trapframe.A3, uint64(info.Procs))
}

// exit releases the caller's stack page, frees its slot, wakes its
// parent, and invokes the scheduler — it never returns to the caller
// (spec.md §4.5).
func (d *Dispatcher) exit(tf *trapframe.Frame, idx int) sched.Result {
	slot := d.Table.Slot(idx)
	slot.Lock()
	page, hasStack := slot.StackPage, slot.HasStack
	parentPid := slot.ParentPid
	childPid := slot.Pid
	slot.Unlock()

	if hasStack {
		_ = d.Pages.Release(page)
	}

	d.Table.Lock()
	d.Table.Free(idx)
	if parentPid != nil {
		d.wakeParent(*parentPid, childPid)
	}
	d.Table.Unlock()

	return sched.ScheduleUserProcess(d.Table, tf, d.Timer, d.Log)
}

// wakeParent transitions the parent with the given pid to Ready, if it
// is still sleeping in wait() (spec.md "proc_exit wakes the parent"),
// and delivers the exited child's pid into the parent's saved a0 —
// spec.md §4.5 leaves wait's return value unspecified beyond "wakes
// when a child calls exit"; returning the child's pid is the
// conventional wait(2) behavior and is what makes the return value
// useful to a caller. Callers must hold the table lock.
func (d *Dispatcher) wakeParent(parentPid, childPid proctable.Pid) {
	for i := 0; i < d.Table.Capacity(); i++ {
		s := d.Table.Slot(i)
		s.Lock()
		if s.Pid == parentPid && s.State == proctable.Sleeping && s.WakeupTime == 0 {
			s.State = proctable.Ready
			s.Context.SetReg(trapframe.A0, uint64(childPid))
		}
		s.Unlock()
	}
}

// wait puts the caller to sleep forever (wakeup_time == 0, spec.md I6)
// until a child calls exit, then invokes the scheduler.
func (d *Dispatcher) wait(tf *trapframe.Frame, idx int) sched.Result {
	slot := d.Table.Slot(idx)
	slot.Lock()
	slot.State = proctable.Sleeping
	slot.WakeupTime = 0
	slot.Context = *tf
	slot.Unlock()

	return sched.ScheduleUserProcess(d.Table, tf, d.Timer, d.Log)
}

// sleep puts the caller to sleep until the absolute deadline now +
// ms*TicksPerMs ticks has been reached, then invokes the scheduler
// (spec.md §4.5, P5).
func (d *Dispatcher) sleep(tf *trapframe.Frame, idx int, ms uint64) sched.Result {
	deadline := d.Timer.Now() + ms*d.TicksPerMs
	slot := d.Table.Slot(idx)
	slot.Lock()
	slot.State = proctable.Sleeping
	slot.WakeupTime = deadline
	slot.Context = *tf
	slot.Unlock()

	return sched.ScheduleUserProcess(d.Table, tf, d.Timer, d.Log)
}
