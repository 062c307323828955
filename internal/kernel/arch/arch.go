// Package arch stands in for two low-level CPU operations a real RISC-V kernel would perform in
// assembly: waiting for an interrupt and reading the cycle counter, plus the clock that converts
// durations into ticks. Because this repository is a software simulation (see SPEC_FULL.md,
// "Simulation boundary"), each of these is an ordinary Go function rather than an assembly
// mnemonic. Control-register access, memory-mapped I/O, and the context switch are not modelled
// here; the context switch is the scheduler's baton hand-off and trap entry is trap.Entry.
package arch

import (
	"sync/atomic"
	"time"
)

// Doc names the documented correspondence between a primitive here and the real instruction or CSR
// it models, purely for reference; it is never executed.
const Doc = `
	WaitForInterrupt     -- RISC-V "wfi"
	Counter.Tick/Read    -- RISC-V "rdcycle"/"rdtime"
`

// WaitForInterrupt parks the calling goroutine until woken, standing in for the "wfi" instruction.
// No kernel path calls it: trap.Dispatcher.Panic halts with an empty select instead.
func WaitForInterrupt(wake <-chan struct{}) {
	<-wake
}

// Counter is the simulated free-running cycle counter a real "rdtime" CSR read would return. It is
// a field on whichever record owns it (the scheduler, in this kernel) rather than a package global,
// per Design Note "global-mutable singletons via process-wide locks": two kernels running in the
// same test binary must not share a clock.
type Counter struct {
	cycle int64
}

// Tick advances the counter by one and returns the new value. The scheduler's timer path calls this
// once per simulated tick.
func (c *Counter) Tick() int64 {
	return atomic.AddInt64(&c.cycle, 1)
}

// Read returns the current count, the stand-in for reading the "time" CSR that backs
// get_system_time.
func (c *Counter) Read() int64 {
	return atomic.LoadInt64(&c.cycle)
}

// Clock is the kernel's notion of wall-clock time, used only to convert milliseconds requested by
// sleep() into simulated ticks; it is a field, not a package global, so boot can inject a fake clock
// in tests.
type Clock struct {
	TickInterval time.Duration
}

// Ticks returns how many scheduler ticks correspond to the given duration, rounding up so a sleep
// never wakes early.
func (c Clock) Ticks(d time.Duration) int64 {
	if c.TickInterval <= 0 {
		return 0
	}

	n := int64(d / c.TickInterval)
	if d%c.TickInterval != 0 {
		n++
	}

	return n
}
