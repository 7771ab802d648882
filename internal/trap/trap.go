// Package trap implements the trap dispatcher (C6): classify mcause,
// route machine-timer interrupts to the scheduler and environment
// calls to the syscall layer, and treat anything else as a fault that
// terminates the current process, per spec.md §4.4.
package trap

import (
	"go.uber.org/zap"

	"github.com/rtfb/rvhazz01/internal/csr"
	"github.com/rtfb/rvhazz01/internal/mmtimer"
	"github.com/rtfb/rvhazz01/internal/proctable"
	"github.com/rtfb/rvhazz01/internal/sched"
	syscalllayer "github.com/rtfb/rvhazz01/internal/syscall"
	"github.com/rtfb/rvhazz01/internal/trapframe"
)

// Handler owns the collaborators the dispatcher hands control to: the
// process table and timer for scheduling, the syscall layer for ecall,
// and the register file for reading mcause (spec.md §4.4).
type Handler struct {
	Table   *proctable.Table
	Timer   *mmtimer.Device
	Regs    csr.Registers
	Syscall *syscalllayer.Dispatcher
	Log     *zap.Logger
}

// Cause classifies an mcause value into one of the three paths
// trap_dispatch takes (spec.md §4.4).
type Cause int

const (
	CauseTimer Cause = iota
	CauseEnvCall
	CauseFault
)

// Classify maps a raw mcause value to a Cause.
func Classify(mcause uint64) Cause {
	if csr.IsInterrupt(mcause) && csr.Code(mcause) == csr.MachineTimerInterrupt {
		return CauseTimer
	}
	if !csr.IsInterrupt(mcause) && csr.Code(mcause) == csr.EnvCallFromUMode {
		return CauseEnvCall
	}
	return CauseFault
}

// Service is the single entry point the real trap stub calls on every
// trap, after hardware has already saved registers into tf and before
// mret (spec.md §4.4). It returns the scheduler outcome that resulted,
// so the caller knows whether to resume in user mode or park (wfi).
func (h *Handler) Service(tf *trapframe.Frame) sched.Result {
	mcause := h.Regs.Mcause()

	switch Classify(mcause) {
	case CauseTimer:
		// Writing a fresh mtimecmp is itself the interrupt
		// acknowledgment for a CLINT-style timer; ScheduleUserProcess
		// re-arms it on every exit path, which doubles as the ack.
		return sched.ScheduleUserProcess(h.Table, tf, h.Timer, h.Log)

	case CauseEnvCall:
		idx, ok := h.currentProcess()
		if !ok {
			h.Log.Error("ecall trapped with no current process installed")
			return sched.Result{Outcome: sched.NoWork}
		}
		return h.Syscall.Dispatch(tf, idx)

	default:
		return h.fault(tf, mcause)
	}
}

// fault terminates the current process as if it had called exit(),
// per spec.md §4.4 ("any other cause is treated as a fatal fault in
// the current process, equivalent to it calling exit").
func (h *Handler) fault(tf *trapframe.Frame, mcause uint64) sched.Result {
	idx, ok := h.currentProcess()
	if !ok {
		h.Log.Error("unhandled trap with no current process", zap.Uint64("mcause", mcause))
		return sched.Result{Outcome: sched.NoWork}
	}

	slot := h.Table.Slot(idx)
	slot.Lock()
	pid := slot.Pid
	slot.Unlock()

	h.Log.Warn("fatal trap, terminating process",
		zap.Uint64("pid", uint64(pid)),
		zap.Uint64("mcause", mcause),
	)

	// exit's own syscall number is used so the fault path reuses
	// exactly the slot/page cleanup and parent wakeup exit performs.
	tf.SetReg(trapframe.A7, uint64(syscalllayer.SysExit))
	return h.Syscall.Dispatch(tf, idx)
}

// currentProcess returns the table's curr_proc index, but only if it
// still names an occupied slot. curr_proc is not reset to NoCurrent
// when the last process exits (spec.md §4.3 only specifies its value
// "when returning null" from find_ready_proc, not after a NoWork
// schedule), so a stray ecall or fault arriving after the last process
// exited must not be dispatched against a stale, now-AVAILABLE slot.
func (h *Handler) currentProcess() (int, bool) {
	h.Table.Lock()
	defer h.Table.Unlock()
	idx := h.Table.CurrentIndex()
	if idx < 0 {
		return 0, false
	}
	if h.Table.Slot(idx).State == proctable.Available {
		return 0, false
	}
	return idx, true
}
