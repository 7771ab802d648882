package proctable_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rtfb/rvhazz01/internal/proctable"
)

func TestNewTableStartsEmptyAndIdle(t *testing.T) {
	r := require.New(t)

	tbl := proctable.New(4, zap.NewNop())
	tbl.Lock()
	defer tbl.Unlock()

	r.Equal(proctable.NoCurrent, tbl.CurrentIndex())
	r.Equal(0, tbl.NumProcs())
	r.True(tbl.IsIdle())
	for i := 0; i < tbl.Capacity(); i++ {
		r.Equal(proctable.Available, tbl.Slot(i).State)
	}
}

func TestAllocPidIsStrictlyIncreasingFromZero(t *testing.T) {
	r := require.New(t)

	tbl := proctable.New(4, zap.NewNop())
	tbl.Lock()
	defer tbl.Unlock()

	for want := proctable.Pid(0); want < 5; want++ {
		r.Equal(want, tbl.AllocPid())
	}
}

func TestAllocFillsTableThenFails(t *testing.T) {
	r := require.New(t)

	tbl := proctable.New(2, zap.NewNop())

	h1, ok := tbl.Alloc()
	r.True(ok)
	h1.Slot.Pid = 1
	h1.Unlock()

	h2, ok := tbl.Alloc()
	r.True(ok)
	h2.Slot.Pid = 2
	h2.Unlock()

	_, ok = tbl.Alloc()
	r.False(ok, "a full table must report TABLE_FULL by returning ok=false")

	tbl.Lock()
	r.Equal(2, tbl.NumProcs())
	tbl.Unlock()
}

func TestFreeReturnsSlotToAvailableAndDecrementsCount(t *testing.T) {
	r := require.New(t)

	tbl := proctable.New(2, zap.NewNop())
	h, _ := tbl.Alloc()
	h.Slot.Pid = 9
	h.Unlock()

	tbl.Lock()
	tbl.Free(h.Index)
	r.Equal(0, tbl.NumProcs())
	tbl.Unlock()

	r.Equal(proctable.Available, tbl.Slot(h.Index).State)
	r.Equal(proctable.Pid(0), tbl.Slot(h.Index).Pid)
}

func TestFindReadyProcWrapsAndPromotesSleepers(t *testing.T) {
	r := require.New(t)

	tbl := proctable.New(3, zap.NewNop())
	tbl.Slot(0).State = proctable.Running
	tbl.Slot(1).State = proctable.Sleeping
	tbl.Slot(1).WakeupTime = 100
	tbl.Slot(2).State = proctable.Ready

	tbl.Lock()
	defer tbl.Unlock()

	// starting just after slot 0 (the running one): slot 1 is sleeping
	// but not due yet, slot 2 is ready.
	idx, ok := tbl.FindReadyProc(0, 50)
	r.True(ok)
	r.Equal(2, idx)

	// now promote the sleeper once its deadline has passed.
	idx, ok = tbl.FindReadyProc(2, 100)
	r.True(ok)
	r.Equal(1, idx)
	r.Equal(proctable.Ready, tbl.Slot(1).State)
}

func TestFindReadyProcReturnsFalseWhenNothingIsReady(t *testing.T) {
	r := require.New(t)

	tbl := proctable.New(2, zap.NewNop())
	tbl.Slot(0).State = proctable.Running
	tbl.Slot(1).State = proctable.Sleeping
	tbl.Slot(1).WakeupTime = 1000

	tbl.Lock()
	defer tbl.Unlock()
	_, ok := tbl.FindReadyProc(0, 5)
	r.False(ok)
}
