// Package syscalls is the syscall dispatcher described in §4.6: a single entry point, called by
// the trap dispatcher on every ecall, that reads a syscall number and up to six arguments out of
// the trapped frame, invokes the matching service, and writes a signed result back into the
// frame's return register.
//
// It depends only on small interfaces ([Tasks], [Resources], [Locks], [SharedMemory]) rather than
// concrete scheduler/resource/sync/shm types, the same dependency-inversion shape the teacher used
// for devices: the dispatcher never needs to know how a service is implemented, only that it
// implements the seam this package declares.
package syscalls

import (
	"context"

	"github.com/sahnekernel/sahnekernel/internal/kernel/heap"
	"github.com/sahnekernel/sahnekernel/internal/kernel/kerrno"
	"github.com/sahnekernel/sahnekernel/internal/kernel/regs"
	"github.com/sahnekernel/sahnekernel/internal/kernel/rsrc"
	"github.com/sahnekernel/sahnekernel/internal/log"
)

// Number identifies a system call, loaded from the frame's A7 register per §4.6.
type Number uint64

// The syscall table enumerated in §4.6. Numbering is this kernel's own; it is not required to
// match any external ABI beyond what user-space libraries built against this kernel agree to.
const (
	MemoryAllocate Number = iota + 1
	MemoryRelease
	TaskExit
	ResourceAcquire
	ResourceRead
	ResourceWrite
	ResourceRelease
	TaskSleep
	LockCreate
	LockAcquire
	LockRelease
	ThreadCreate
	ThreadExit
	GetSystemTime
	SharedMemCreate
	SharedMemMap
	SharedMemUnmap
	TaskYield
	TaskFork
)

var names = map[Number]string{
	MemoryAllocate:  "memory_allocate",
	MemoryRelease:   "memory_release",
	TaskExit:        "task_exit",
	ResourceAcquire: "resource_acquire",
	ResourceRead:    "resource_read",
	ResourceWrite:   "resource_write",
	ResourceRelease: "resource_release",
	TaskSleep:       "task_sleep",
	LockCreate:      "lock_create",
	LockAcquire:     "lock_acquire",
	LockRelease:     "lock_release",
	ThreadCreate:    "thread_create",
	ThreadExit:      "thread_exit",
	GetSystemTime:   "get_system_time",
	SharedMemCreate: "shared_mem_create",
	SharedMemMap:    "shared_mem_map",
	SharedMemUnmap:  "shared_mem_unmap",
	TaskYield:       "task_yield",
	TaskFork:        "task_fork",
}

func (n Number) String() string {
	if name, ok := names[n]; ok {
		return name
	}

	return "unknown_syscall"
}

// Tasks is the dispatcher's view of the scheduler. It is expressed in plain uint64 task/thread IDs
// rather than sched.TaskID so this package never needs to import sched; boot wires a small adapter
// around *sched.Scheduler that satisfies this interface.
type Tasks interface {
	CurrentID() uint64
	Spawn(ctx context.Context, entry func(ctx context.Context, arg uint64), stackSize uint64, arg uint64) (uint64, error)
	Fork(ctx context.Context, parentID uint64) (uint64, error)
	Exit(ctx context.Context, id uint64, code int64)
	Sleep(ctx context.Context, id uint64, ms int64)
	Yield(ctx context.Context, id uint64)
	SystemTime() int64
	HandleTable(id uint64) (*rsrc.Table, error)
	SetReturn(id uint64, v int64)
}

// Locks is the dispatcher's view of the synchronization manager.
type Locks interface {
	Create() uint64
	Acquire(ctx context.Context, handle uint64, taskID uint64) error
	Release(handle uint64, taskID uint64) error
}

// SharedMemory is the dispatcher's view of the shared-memory manager.
type SharedMemory interface {
	Create(size uint64) (uint64, error)
	Map(handle uint64, taskID uint64, offset, size uint64) (heap.Addr, error)
	Unmap(addr heap.Addr, taskID uint64) error
}

// Dispatcher implements §4.6. mem backs parameter validation for syscalls that take a pointer/length
// pair (resource_acquire's name string, reads and writes).
type Dispatcher struct {
	tasks     Tasks
	resources *rsrc.Registry
	locks     Locks
	shm       SharedMemory
	mem       *heap.Allocator
	log       *log.Logger
}

// New creates a syscall Dispatcher wired to the given subsystems.
func New(tasks Tasks, resources *rsrc.Registry, locks Locks, shm SharedMemory, mem *heap.Allocator, logger *log.Logger) *Dispatcher {
	return &Dispatcher{tasks: tasks, resources: resources, locks: locks, shm: shm, mem: mem, log: logger}
}

// Dispatch reads frame's syscall number and arguments, performs the call, and writes the signed
// result into frame's A0, per §4.6's return convention. It implements [trap.Syscalls].
func (d *Dispatcher) Dispatch(ctx context.Context, frame *regs.Frame) {
	num := Number(frame.SyscallNumber())

	result := d.dispatch(ctx, num, frame)

	frame.SetReturn(result)
}

func (d *Dispatcher) dispatch(ctx context.Context, num Number, frame *regs.Frame) int64 {
	taskID := d.tasks.CurrentID()

	switch num {
	case MemoryAllocate:
		size := frame.SyscallArg(0)
		align := frame.SyscallArg(1)
		if align == 0 {
			align = 1
		}

		addr, err := d.mem.Allocate(size, align)
		if err != nil {
			return encodeErr(err)
		}

		return int64(addr)

	case MemoryRelease:
		addr := heap.Addr(frame.SyscallArg(0))
		size := frame.SyscallArg(1)

		if err := d.mem.Release(addr, size); err != nil {
			return encodeErr(err)
		}

		return 0

	case TaskExit, ThreadExit:
		code := int64(frame.SyscallArg(0))
		d.tasks.Exit(ctx, taskID, code)

		return 0 // unreachable in a real kernel; exit never returns, see §9.

	case TaskFork:
		childID, err := d.tasks.Fork(ctx, taskID)
		if err != nil {
			return encodeErr(err)
		}

		d.tasks.SetReturn(taskID, int64(childID))

		return int64(childID)

	case ResourceAcquire:
		namePtr := heap.Addr(frame.SyscallArg(0))
		nameLen := frame.SyscallArg(1)
		mode := rsrc.Mode(frame.SyscallArg(2))

		name, err := d.readString(namePtr, nameLen)
		if err != nil {
			return encodeErr(err)
		}

		tbl, err := d.tasks.HandleTable(taskID)
		if err != nil {
			return encodeErr(err)
		}

		h, err := tbl.Acquire(d.resources, name, mode)
		if err != nil {
			return encodeErr(err)
		}

		return int64(h)

	case ResourceRead:
		return d.resourceIO(taskID, frame, false)

	case ResourceWrite:
		return d.resourceIO(taskID, frame, true)

	case ResourceRelease:
		tbl, err := d.tasks.HandleTable(taskID)
		if err != nil {
			return encodeErr(err)
		}

		if err := tbl.Release(rsrc.Handle(frame.SyscallArg(0))); err != nil {
			return encodeErr(err)
		}

		return 0

	case TaskSleep:
		d.tasks.Sleep(ctx, taskID, int64(frame.SyscallArg(0)))
		return 0

	case TaskYield:
		d.tasks.Yield(ctx, taskID)
		return 0

	case GetSystemTime:
		return d.tasks.SystemTime()

	case LockCreate:
		return int64(d.locks.Create())

	case LockAcquire:
		if err := d.locks.Acquire(ctx, frame.SyscallArg(0), taskID); err != nil {
			return encodeErr(err)
		}

		return 0

	case LockRelease:
		if err := d.locks.Release(frame.SyscallArg(0), taskID); err != nil {
			return encodeErr(err)
		}

		return 0

	case SharedMemCreate:
		h, err := d.shm.Create(frame.SyscallArg(0))
		if err != nil {
			return encodeErr(err)
		}

		return int64(h)

	case SharedMemMap:
		addr, err := d.shm.Map(frame.SyscallArg(0), taskID, frame.SyscallArg(1), frame.SyscallArg(2))
		if err != nil {
			return encodeErr(err)
		}

		return int64(addr)

	case SharedMemUnmap:
		if err := d.shm.Unmap(heap.Addr(frame.SyscallArg(0)), taskID); err != nil {
			return encodeErr(err)
		}

		return 0

	case ThreadCreate:
		entryAddr := frame.SyscallArg(0)
		stackSize := frame.SyscallArg(1)
		arg := frame.SyscallArg(2)

		// entryAddr names a user-space instruction address this package has no instruction
		// stream to execute, the same simulation boundary sched.Fork's child hits: the spawned
		// task runs no body and exits on its first scheduling turn. The handle returned here is
		// therefore only useful for a caller that immediately thread_exits or joins; a real
		// thread body is out of scope for this simulation.
		id, err := d.tasks.Spawn(ctx, nil, stackSize, arg)
		if err != nil {
			return encodeErr(err)
		}

		d.log.Debug("syscalls: thread_create", "entry", entryAddr, "task", id)

		return int64(id)

	default:
		d.log.Warn("syscalls: unknown syscall", "number", uint64(num), "task", taskID)
		return kerrno.Encode(kerrno.UnknownSyscall)
	}
}

func (d *Dispatcher) resourceIO(taskID uint64, frame *regs.Frame, write bool) int64 {
	tbl, err := d.tasks.HandleTable(taskID)
	if err != nil {
		return encodeErr(err)
	}

	h := rsrc.Handle(frame.SyscallArg(0))
	addr := heap.Addr(frame.SyscallArg(1))
	offset := int64(frame.SyscallArg(2))
	length := frame.SyscallArg(3)

	buf := make([]byte, length)

	if write {
		if err := d.mem.ReadAt(addr, buf); err != nil {
			return encodeErr(err)
		}

		n, err := tbl.Write(h, buf, offset)
		if err != nil {
			return encodeErr(err)
		}

		return int64(n)
	}

	n, err := tbl.Read(h, buf, offset)
	if err != nil {
		return encodeErr(err)
	}

	if err := d.mem.WriteAt(addr, buf[:n]); err != nil {
		return encodeErr(err)
	}

	return int64(n)
}

func (d *Dispatcher) readString(addr heap.Addr, length uint64) (string, error) {
	buf := make([]byte, length)
	if err := d.mem.ReadAt(addr, buf); err != nil {
		return "", err
	}

	return string(buf), nil
}

// encodeErr collapses any kernel error into its wire code, defaulting to UnknownSyscall for an
// error that doesn't carry a recognized [kerrno.Kind] — the single collapsing point §7 requires.
func encodeErr(err error) int64 {
	if kind, ok := kerrno.Of(err); ok {
		return kerrno.Encode(kind)
	}

	return kerrno.Encode(kerrno.UnknownSyscall)
}
