// Package trap is the trap entry and dispatcher described in §4.2: the single place every
// exception, environment call, and interrupt passes through on its way from a faulting or calling
// task into kernel code.
//
// There is no real trap-entry assembly here (see [arch.Doc]); [Entry] plays that role, taking the
// frame a simulated "hardware" layer would have already saved and routing it the way the low-level
// stub's call into the dispatcher would. The dispatcher itself depends only on the small
// [Syscalls]/[Scheduler] interfaces, the same way the teacher's CPU depended on a Driver interface
// rather than concrete device types, so this package never needs to import the packages that
// implement them.
package trap

import (
	"context"
	"fmt"
	"io"

	"github.com/sahnekernel/sahnekernel/internal/kernel/regs"
	"github.com/sahnekernel/sahnekernel/internal/log"
)

// Cause identifies why a trap occurred, following the RISC-V mcause convention: the top bit
// distinguishes an interrupt from a synchronous exception, and the remaining bits are a cause code.
type Cause uint64

const interruptBit Cause = 1 << 63

// IsInterrupt reports whether c is an asynchronous interrupt rather than a synchronous exception.
func (c Cause) IsInterrupt() bool {
	return c&interruptBit != 0
}

// Code returns the cause code with the interrupt bit stripped.
func (c Cause) Code() uint64 {
	return uint64(c &^ interruptBit)
}

// The exception causes this kernel recognizes; codes follow the standard RISC-V privileged
// architecture numbering.
const (
	ExceptionIllegalInstruction Cause = 2
	ExceptionLoadAccessFault    Cause = 5
	ExceptionStoreAccessFault   Cause = 7
	ExceptionEcallFromU         Cause = 8
	ExceptionEcallFromS         Cause = 9
)

// The interrupt causes this kernel recognizes.
const (
	InterruptTimer    Cause = interruptBit | 5
	InterruptExternal Cause = interruptBit | 9
)

func (c Cause) String() string {
	if c.IsInterrupt() {
		switch c {
		case InterruptTimer:
			return "interrupt:timer"
		case InterruptExternal:
			return "interrupt:external"
		default:
			return fmt.Sprintf("interrupt:%d", c.Code())
		}
	}

	switch c {
	case ExceptionIllegalInstruction:
		return "exception:illegal-instruction"
	case ExceptionLoadAccessFault:
		return "exception:load-access-fault"
	case ExceptionStoreAccessFault:
		return "exception:store-access-fault"
	case ExceptionEcallFromU:
		return "exception:ecall-from-u"
	case ExceptionEcallFromS:
		return "exception:ecall-from-s"
	default:
		return fmt.Sprintf("exception:%d", c.Code())
	}
}

// isAccessFault reports whether c is one of the fault causes that terminates the current task per
// §4.2's "illegal-instruction or any fault" rule.
func (c Cause) isAccessFault() bool {
	switch c {
	case ExceptionIllegalInstruction, ExceptionLoadAccessFault, ExceptionStoreAccessFault:
		return true
	default:
		return false
	}
}

// Syscalls is the dispatcher's view of the syscall layer: given the frame that trapped via ecall,
// read its arguments, perform the call, and write the result back into the frame's return
// register. It never returns an error itself; a failed syscall is encoded into the frame, per §4.6.
type Syscalls interface {
	Dispatch(ctx context.Context, frame *regs.Frame)
}

// Scheduler is the dispatcher's view of the scheduler: terminate a task, or let another task run.
type Scheduler interface {
	// TerminateCurrent ends the currently running task with a fatal exit code, for an
	// unrecoverable exception in user mode.
	TerminateCurrent(code int64)

	// Schedule picks and switches to the next Runnable task, returning once this trap's
	// caller is chosen to run again.
	Schedule(ctx context.Context)

	// Tick acknowledges and rearms the timer, then invokes Schedule.
	Tick(ctx context.Context)
}

// Dispatcher routes a trapped frame to the syscall layer, the scheduler, or a fatal panic,
// following §4.2's policy table exactly.
type Dispatcher struct {
	syscalls Syscalls
	sched    Scheduler
	panicOut io.Writer
	log      *log.Logger
}

// New creates a Dispatcher. panicOut is the early, console-abstraction-bypassing writer panic
// messages are printed to, per §7.
func New(syscalls Syscalls, sched Scheduler, panicOut io.Writer, logger *log.Logger) *Dispatcher {
	return &Dispatcher{syscalls: syscalls, sched: sched, panicOut: panicOut, log: logger}
}

// Entry is called with the frame a (simulated) trap-entry stub has just saved, and the cause a
// (simulated) CSR read reported. It implements §4.2's dispatcher policy:
//
//   - ecall from U or S mode: forward to the syscall dispatcher, then advance the saved PC past
//     the ecall instruction so the task resumes after it.
//   - illegal instruction or any access fault: terminate the current task and schedule.
//   - timer interrupt: acknowledge, rearm, and schedule.
//   - anything else: panic.
//
// Entry never modifies frame except through the paths §4.2 explicitly allows.
func (d *Dispatcher) Entry(ctx context.Context, cause Cause, frame *regs.Frame) {
	switch {
	case !cause.IsInterrupt() && (cause == ExceptionEcallFromU || cause == ExceptionEcallFromS):
		d.syscalls.Dispatch(ctx, frame)
		frame.PC += ecallInstructionWidth

	case !cause.IsInterrupt() && cause.isAccessFault():
		d.log.Warn("trap: fatal exception, terminating task", "cause", cause, "pc", frame.PC)
		d.sched.TerminateCurrent(fatalExitCode)
		d.sched.Schedule(ctx)

	case cause == InterruptTimer:
		d.sched.Tick(ctx)

	default:
		d.Panic(fmt.Sprintf("unrecognized trap cause %s at pc=%s", cause, frame.PC))
	}
}

// ecallInstructionWidth is the size in bytes of the RISC-V "ecall" instruction, always 4 bytes
// since it has no compressed encoding.
const ecallInstructionWidth = 4

// fatalExitCode is the exit code recorded for a task terminated by an unrecoverable trap.
const fatalExitCode = -1

// Panic implements §7's panic behavior: print location and message through the early path,
// bypassing the resource manager's console entirely (a panic may occur before or during the
// resource manager's own initialization), then park forever. It never returns.
func (d *Dispatcher) Panic(msg string) {
	fmt.Fprintf(d.panicOut, "kernel panic: %s\n", msg)

	select {} // wait-for-interrupt with interrupts masked; see arch.WaitForInterrupt
}
