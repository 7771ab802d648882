// Package sched implements the timer-driven round-robin scheduler (C5):
// ScheduleUserProcess, the single entry point invoked by the timer trap
// handler and by syscalls that voluntarily give up the hart (exit,
// wait, sleep), per spec.md §4.3.
package sched

import (
	"go.uber.org/zap"

	"github.com/rtfb/rvhazz01/internal/mmtimer"
	"github.com/rtfb/rvhazz01/internal/proctable"
	"github.com/rtfb/rvhazz01/internal/trapframe"
)

// QuantumTicks is KERNEL_SCHEDULER_TICK_TIME, the fixed timer period the
// scheduler re-arms on every exit path (spec.md §4.3).
const QuantumTicks = 20

// Outcome classifies what ScheduleUserProcess did so the caller (the
// trap epilogue, in the real system) knows how to proceed.
type Outcome int

const (
	// NoWork means num_procs == 0: there is nothing to schedule at all.
	NoWork Outcome = iota
	// Idle means no slot was ready; the hart should park (wfi) until the
	// next timer interrupt re-invokes the scheduler.
	Idle
	// Resumed means tf now holds the context of the process at Index;
	// the caller resumes to user mode.
	Resumed
)

// Result reports the outcome of one ScheduleUserProcess call.
type Result struct {
	Outcome Outcome
	Index   int // valid only when Outcome == Resumed
}

// ScheduleUserProcess performs one selection-and-switch step (spec.md
// §4.3, steps 1-7). Callers must not hold the table lock; this function
// acquires and releases it itself, per the documented exit paths.
func ScheduleUserProcess(table *proctable.Table, tf *trapframe.Frame, timer *mmtimer.Device, log *zap.Logger) Result {
	table.Lock()

	curr := table.CurrentIndex()

	var lastIdx int
	haveLast := false
	searchFrom := curr

	switch {
	case curr < 0:
		// First call ever: the trap frame holds the kernel's own pc,
		// which must never be copied into a slot (spec.md §4.4).
		searchFrom = 0
	case table.IsIdle():
		// The hart was parked; whatever was last in curr_proc is stale.
	default:
		last := table.Slot(curr)
		if last.State == proctable.Running {
			// A timer interrupt preempted a still-runnable process: it
			// becomes a normal READY candidate again (so FindReadyProc
			// can re-select it if nothing else is ready) and its context
			// must be saved from tf once the switch target is known.
			lastIdx, haveLast = curr, true
			last.State = proctable.Ready
		}
		// Any other state (AVAILABLE after exit, SLEEPING after wait or
		// sleep) means the syscall that led here already transitioned
		// the slot and saved its own context; the scheduler must not
		// touch it again (spec.md §4.5: exit/wait/sleep "update state
		// and invoke the scheduler", not the other way around).
	}

	if table.NumProcs() == 0 {
		table.Unlock()
		timer.ArmAfter(QuantumTicks)
		return Result{Outcome: NoWork}
	}

	selected, found := table.FindReadyProc(searchFrom, timer.Now())
	if !found {
		table.SetIdle(true)
		table.Unlock()
		timer.ArmAfter(QuantumTicks)
		log.Debug("scheduler parking, no ready process")
		return Result{Outcome: Idle}
	}

	switchContext(table, tf, lastIdx, haveLast, selected, log)

	table.SetIdle(false)
	table.SetCurrentIndex(selected)
	table.Unlock()
	timer.ArmAfter(QuantumTicks)

	return Result{Outcome: Resumed, Index: selected}
}

// switchContext implements step 6 of spec.md §4.3: mark the selected
// slot Running and move the trap frame's contents so it reflects
// whichever process will actually resume. Slot locks are always taken
// in ascending index order to avoid ever deadlocking against another
// switch that picked the same two slots in the opposite order.
func switchContext(table *proctable.Table, tf *trapframe.Frame, lastIdx int, haveLast bool, selectedIdx int, log *zap.Logger) {
	selected := table.Slot(selectedIdx)

	if !haveLast || lastIdx == selectedIdx {
		selected.Lock()
		selected.State = proctable.Running
		if !haveLast {
			*tf = selected.Context
		}
		// haveLast && lastIdx == selectedIdx: same process re-elected,
		// the trap frame already holds its state (spec.md step 6, last
		// bullet) — nothing to copy.
		selected.Unlock()
		return
	}

	last := table.Slot(lastIdx)
	first, second := last, selected
	if selectedIdx < lastIdx {
		first, second = selected, last
	}
	first.Lock()
	second.Lock()

	last.Context = *tf
	last.State = proctable.Ready
	selected.State = proctable.Running
	*tf = selected.Context

	second.Unlock()
	first.Unlock()

	log.Debug("context switch",
		zap.Uint64("from_pid", uint64(last.Pid)),
		zap.Uint64("to_pid", uint64(selected.Pid)),
	)
}
