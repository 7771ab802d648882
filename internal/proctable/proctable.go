// Package proctable implements the process table and process slot (C4):
// a fixed-capacity array of process slots plus the table-wide metadata
// (current process cursor, pid counter, process count, idle flag) and
// the locks that guard them (spec.md §3, §4.2, §5).
//
// Lock discipline follows spec.md §5: table lock before slot lock,
// never the reverse, and FindReadyProc holds only the table lock. Table
// and Slot expose Lock/Unlock directly (rather than hiding the mutex
// behind higher-level verbs) because the locking protocol itself is
// part of what spec.md specifies, not an incidental implementation
// detail — the way the teacher's proc_new takes proclock directly
// (main.go ~133-151) instead of through an intermediary.
package proctable

import (
	"sync"

	"go.uber.org/zap"

	"github.com/rtfb/rvhazz01/internal/pagealloc"
	"github.com/rtfb/rvhazz01/internal/trapframe"
)

// State is a process slot's lifecycle state (spec.md §3, §4.5).
type State int

const (
	Available State = iota
	Ready
	Running
	Sleeping
)

func (s State) String() string {
	switch s {
	case Available:
		return "AVAILABLE"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Sleeping:
		return "SLEEPING"
	default:
		return "UNKNOWN"
	}
}

// Pid is a process identifier. Pids are handed out strictly increasing
// over a boot and never recycled (spec.md P3).
type Pid uint64

// NoCurrent is the curr_proc sentinel meaning "no process is currently
// installed in the trap frame" (spec.md §3: "initialized to a sentinel
// (-1/'none') so the first tick knows to discard the kernel's own pc").
const NoCurrent = -1

// Slot is one process table entry.
//
// ParentPid is a weak reference by value, not a pointer or index into
// the table (spec.md §9 design note: "re-architect as parent-pid
// instead of pointer to tolerate parents exiting first"). It is nil for
// the initial seed processes, which have no parent. Using a *Pid rather
// than overloading Pid 0 as "no parent" avoids colliding with the first
// pid a boot ever issues (spec.md P3 starts the pid sequence at 0).
type Slot struct {
	mu sync.Mutex

	Pid        Pid
	State      State
	Name       string
	ParentPid  *Pid
	Context    trapframe.Frame
	StackPage  pagealloc.PageNumber
	HasStack   bool
	WakeupTime uint64
}

// Lock acquires the slot's own lock. Callers must already hold the
// table lock first if they are also about to touch table metadata,
// per the table-then-slot ordering in spec.md §5.
func (s *Slot) Lock() { s.mu.Lock() }

// Unlock releases the slot's own lock.
func (s *Slot) Unlock() { s.mu.Unlock() }

// Table is the fixed-capacity process table plus its metadata (spec.md
// §3 "Process table").
type Table struct {
	mu sync.Mutex

	slots      []*Slot
	currProc   int // NoCurrent, or an index into slots
	pidCounter Pid
	numProcs   int
	isIdle     bool

	log *zap.Logger
}

// New builds a table of the given capacity with every slot Available,
// curr_proc at the NoCurrent sentinel, and the hart parked idle — the
// state init_process_table() establishes before the caller seeds the
// initial user processes (spec.md §4.2).
func New(capacity int, log *zap.Logger) *Table {
	t := &Table{
		slots:    make([]*Slot, capacity),
		currProc: NoCurrent,
		isIdle:   true,
		log:      log.Named("proctable"),
	}
	for i := range t.slots {
		t.slots[i] = &Slot{State: Available}
	}
	return t
}

// Lock acquires the table lock, guarding curr_proc, num_procs,
// pid_counter, and is_idle (spec.md §5).
func (t *Table) Lock() { t.mu.Lock() }

// Unlock releases the table lock.
func (t *Table) Unlock() { t.mu.Unlock() }

// Capacity returns MAX_PROCS, the fixed slot count.
func (t *Table) Capacity() int { return len(t.slots) }

// Slot returns the slot at index i. Callers must hold the appropriate
// locks before reading or mutating its fields.
func (t *Table) Slot(i int) *Slot { return t.slots[i] }

// CurrentIndex returns curr_proc. Callers must hold the table lock.
func (t *Table) CurrentIndex() int { return t.currProc }

// SetCurrentIndex sets curr_proc. Callers must hold the table lock.
func (t *Table) SetCurrentIndex(i int) { t.currProc = i }

// NumProcs returns num_procs. Callers must hold the table lock.
func (t *Table) NumProcs() int { return t.numProcs }

// IsIdle returns is_idle. Callers must hold the table lock.
func (t *Table) IsIdle() bool { return t.isIdle }

// SetIdle sets is_idle. Callers must hold the table lock.
func (t *Table) SetIdle(v bool) { t.isIdle = v }

// AllocPid hands out the next pid. Pids are issued as a strictly
// increasing sequence starting at 0 (spec.md P3) and are never recycled
// within a boot. Callers must hold the table lock.
func (t *Table) AllocPid() Pid {
	pid := t.pidCounter
	t.pidCounter++
	return pid
}

// Handle is a locked, freshly-allocated slot returned by Alloc. The
// table lock has already been released by the time Alloc returns;
// Handle.Unlock releases the slot lock once the caller has finished
// initializing it.
//
// This is the explicit handoff spec.md §9 asks for in place of the
// source's behavior of holding the table lock across the whole of the
// caller's initialization: only the returned slot stays locked, and
// only until the caller says it is done.
type Handle struct {
	Index int
	Slot  *Slot
}

// Unlock releases the handle's slot lock.
func (h *Handle) Unlock() { h.Slot.Unlock() }

// Alloc finds a free slot and transitions it to Ready, per spec.md
// §4.2: scan slots skipping curr_proc, take the first Available one,
// increment num_procs. Returns ok=false if the table is full.
//
// The returned Handle's slot is locked; the caller must fill in Pid,
// Name, ParentPid, Context, and stack ownership, then call Unlock.
func (t *Table) Alloc() (*Handle, bool) {
	t.Lock()
	defer t.Unlock()

	for i := range t.slots {
		if i == t.currProc {
			continue
		}
		s := t.slots[i]
		s.Lock()
		if s.State != Available {
			s.Unlock()
			continue
		}
		s.State = Ready
		t.numProcs++
		return &Handle{Index: i, Slot: s}, true
	}
	return nil, false
}

// Free transitions slot i back to Available and decrements num_procs,
// the exit() side of the lifecycle (spec.md §4.5). Callers must hold
// the table lock; the slot itself is locked and unlocked internally.
func (t *Table) Free(i int) {
	s := t.slots[i]
	s.Lock()
	*s = Slot{State: Available}
	s.Unlock()
	t.numProcs--
}

// FindReadyProc scans the table in ascending index starting at start+1,
// wrapping, for a slot that is Ready or Sleeping with a non-zero
// WakeupTime <= now (promoting the latter to Ready in place). A Sleeping
// slot with WakeupTime 0 is blocked in wait() and is left for the exit
// of a child to wake (spec.md I6). It updates curr_proc to the
// last index examined, even on a non-matching final iteration (spec.md
// §4.3: "the exact value of curr_proc when returning null is
// unspecified but must leave the table in a self-consistent state").
//
// Callers must hold the table lock. FindReadyProc never takes a slot
// lock itself (spec.md §5: "find_ready_proc ... never takes slot
// locks") — slot state here is read/written under the table lock alone.
// The syscall layer's wait and sleep write State and WakeupTime holding
// only the slot lock; the kernel is single-hart and non-reentrant, so
// those writes and this scan never run at the same time.
func (t *Table) FindReadyProc(start int, now uint64) (int, bool) {
	n := len(t.slots)
	for k := 1; k <= n; k++ {
		i := (start + k) % n
		t.currProc = i
		s := t.slots[i]
		if s.State == Ready {
			return i, true
		}
		if s.State == Sleeping && s.WakeupTime != 0 && s.WakeupTime <= now {
			s.State = Ready
			return i, true
		}
	}
	return 0, false
}
