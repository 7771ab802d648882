// Package mmtimer models the machine-timer device (mtime/mtimecmp) the
// scheduler's tick is driven from (spec.md §4.3, §6).
//
// The device's wall-clock side is pluggable: production wiring in
// cmd/kernel passes clockz.RealClock (github.com/zoobzio/clockz, grounded
// on zoobzio-pipz's WorkerPool, which carries the same field defaulting
// to the same value); tests pass a fake implementing the narrow Clock
// interface below so ticks can be advanced deterministically instead of
// sleeping in real time.
package mmtimer

import (
	"sync"
	"time"
)

// Clock is the minimal time source mmtimer depends on. clockz.RealClock
// (and any clockz.Clock) satisfies it structurally, as does any fake
// that just needs to report the current instant.
type Clock interface {
	Now() time.Time
}

// Device is the simulated mtime/mtimecmp pair: mtime advances with
// wall-clock time scaled by tickPeriod, mtimecmp is the deadline the
// scheduler arms on every exit path (spec.md §4.3).
type Device struct {
	mu         sync.Mutex
	clock      Clock
	start      time.Time
	tickPeriod time.Duration
	mtimecmp   uint64
}

// NewDevice constructs a timer device whose logical tick counter
// advances by one every tickPeriod of the given clock's wall-clock time.
func NewDevice(clock Clock, tickPeriod time.Duration) *Device {
	return &Device{
		clock:      clock,
		start:      clock.Now(),
		tickPeriod: tickPeriod,
	}
}

// Now returns the current value of mtime: the number of tickPeriod
// intervals elapsed since the device was constructed. This is the
// monotonic tick counter spec.md's invariants (I6, P5, P6) reason about.
func (d *Device) Now() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	elapsed := d.clock.Now().Sub(d.start)
	if elapsed <= 0 {
		return 0
	}
	return uint64(elapsed / d.tickPeriod)
}

// Mtimecmp returns the current timer-compare deadline.
func (d *Device) Mtimecmp() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mtimecmp
}

// SetMtimecmp programs the raw timer-compare deadline (absolute tick
// count at which the next machine-timer interrupt fires).
func (d *Device) SetMtimecmp(v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mtimecmp = v
}

// ArmAfter arms the timer to fire ticks ticks from now, the
// set_timer_after(...) call spec.md §4.3 requires on every scheduler
// exit path including the idle path.
func (d *Device) ArmAfter(ticks uint64) {
	d.SetMtimecmp(d.Now() + ticks)
}

// Pending reports whether the programmed deadline has been reached,
// i.e. whether a machine-timer interrupt is (logically) pending.
func (d *Device) Pending() bool {
	return d.Now() >= d.Mtimecmp()
}
