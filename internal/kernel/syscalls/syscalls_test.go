package syscalls_test

import (
	"context"
	"testing"

	"github.com/sahnekernel/sahnekernel/internal/kernel/heap"
	"github.com/sahnekernel/sahnekernel/internal/kernel/kerrno"
	"github.com/sahnekernel/sahnekernel/internal/kernel/regs"
	"github.com/sahnekernel/sahnekernel/internal/kernel/rsrc"
	"github.com/sahnekernel/sahnekernel/internal/kernel/syscalls"
	"github.com/sahnekernel/sahnekernel/internal/log"
)

// fakeTasks is a minimal stand-in for the scheduler, enough to exercise the dispatcher without
// pulling in sched's goroutine/baton machinery.
type fakeTasks struct {
	current  uint64
	handles  map[uint64]*rsrc.Table
	sleptFor int64
	yielded  bool
	exited   bool
	exitCode int64

	spawnedEntryWasNil bool
	spawnedStackSize   uint64
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{current: 1, handles: map[uint64]*rsrc.Table{1: rsrc.NewTable()}}
}

func (f *fakeTasks) CurrentID() uint64 { return f.current }

func (f *fakeTasks) Spawn(_ context.Context, entry func(context.Context, uint64), stackSize uint64, _ uint64) (uint64, error) {
	f.spawnedEntryWasNil = entry == nil
	f.spawnedStackSize = stackSize

	return 2, nil
}

func (f *fakeTasks) Fork(context.Context, uint64) (uint64, error) { return 2, nil }

func (f *fakeTasks) Exit(_ context.Context, _ uint64, code int64) {
	f.exited = true
	f.exitCode = code
}

func (f *fakeTasks) Sleep(_ context.Context, _ uint64, ticks int64) { f.sleptFor = ticks }

func (f *fakeTasks) Yield(context.Context, uint64) { f.yielded = true }

func (f *fakeTasks) SystemTime() int64 { return 12345 }

func (f *fakeTasks) HandleTable(id uint64) (*rsrc.Table, error) {
	tbl, ok := f.handles[id]
	if !ok {
		return nil, kerrno.New("fakeTasks.HandleTable", kerrno.InvalidParameter, "no such task")
	}

	return tbl, nil
}

func (f *fakeTasks) SetReturn(uint64, int64) {}

type fakeLocks struct{}

func (fakeLocks) Create() uint64                                { return 1 }
func (fakeLocks) Acquire(context.Context, uint64, uint64) error { return nil }
func (fakeLocks) Release(uint64, uint64) error                  { return nil }

type fakeShm struct{}

func (fakeShm) Create(uint64) (uint64, error)                        { return 1, nil }
func (fakeShm) Map(uint64, uint64, uint64, uint64) (heap.Addr, error) { return 0x100, nil }
func (fakeShm) Unmap(heap.Addr, uint64) error                         { return nil }

func newDispatcher(t *testing.T) (*syscalls.Dispatcher, *rsrc.Registry, *heap.Allocator, *fakeTasks) {
	t.Helper()

	mem := heap.New(4096, log.DefaultLogger())
	reg := rsrc.NewRegistry()
	tasks := newFakeTasks()

	d := syscalls.New(tasks, reg, fakeLocks{}, fakeShm{}, mem, log.DefaultLogger())

	return d, reg, mem, tasks
}

// TestResourceAcquireNotFound exercises §8 scenario 2: acquiring a nonexistent resource returns -2
// and the frame's A0 holds the two's-complement wire value.
func TestResourceAcquireNotFound(t *testing.T) {
	t.Parallel()

	d, _, mem, _ := newDispatcher(t)

	name := "nonexistent"

	namePtr, err := mem.Allocate(uint64(len(name)), 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := mem.WriteAt(namePtr, []byte(name)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	frame := &regs.Frame{}
	frame.A[7] = regs.Word(syscalls.ResourceAcquire)
	frame.A[0] = regs.Word(namePtr)
	frame.A[1] = regs.Word(len(name))
	frame.A[2] = regs.Word(rsrc.ModeRead)

	d.Dispatch(context.Background(), frame)

	if int64(frame.A[0]) != -2 {
		t.Fatalf("A0 = %d, want -2", int64(frame.A[0]))
	}

	if uint64(frame.A[0]) != 0xFFFFFFFFFFFFFFFE {
		t.Fatalf("A0 = %#x, want %#x", uint64(frame.A[0]), uint64(0xFFFFFFFFFFFFFFFE))
	}
}

func TestResourceAcquireSuccess(t *testing.T) {
	t.Parallel()

	d, reg, mem, _ := newDispatcher(t)

	reg.Register("console", &fakeDriver{caps: rsrc.Readable | rsrc.Writable})

	name := "console"

	namePtr, err := mem.Allocate(uint64(len(name)), 1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := mem.WriteAt(namePtr, []byte(name)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	frame := &regs.Frame{}
	frame.A[7] = regs.Word(syscalls.ResourceAcquire)
	frame.A[0] = regs.Word(namePtr)
	frame.A[1] = regs.Word(len(name))
	frame.A[2] = regs.Word(rsrc.ModeRead | rsrc.ModeWrite)

	d.Dispatch(context.Background(), frame)

	if int64(frame.A[0]) < 0 {
		t.Fatalf("A0 = %d, want a nonnegative handle", int64(frame.A[0]))
	}
}

func TestMemoryAllocateAndRelease(t *testing.T) {
	t.Parallel()

	d, _, _, _ := newDispatcher(t)

	frame := &regs.Frame{}
	frame.A[7] = regs.Word(syscalls.MemoryAllocate)
	frame.A[0] = 64 // size
	frame.A[1] = 8  // align

	d.Dispatch(context.Background(), frame)

	if int64(frame.A[0]) < 0 {
		t.Fatalf("memory_allocate A0 = %d, want a nonnegative address", int64(frame.A[0]))
	}

	addr := frame.A[0]

	frame2 := &regs.Frame{}
	frame2.A[7] = regs.Word(syscalls.MemoryRelease)
	frame2.A[0] = addr
	frame2.A[1] = 64

	d.Dispatch(context.Background(), frame2)

	if frame2.A[0] != 0 {
		t.Fatalf("memory_release A0 = %d, want 0", int64(frame2.A[0]))
	}
}

func TestUnknownSyscallNumber(t *testing.T) {
	t.Parallel()

	d, _, _, _ := newDispatcher(t)

	frame := &regs.Frame{}
	frame.A[7] = 0xDEAD

	d.Dispatch(context.Background(), frame)

	if int64(frame.A[0]) != kerrno.Encode(kerrno.UnknownSyscall) {
		t.Fatalf("A0 = %d, want %d", int64(frame.A[0]), kerrno.Encode(kerrno.UnknownSyscall))
	}
}

func TestTaskSleepAndYield(t *testing.T) {
	t.Parallel()

	d, _, _, tasks := newDispatcher(t)

	frame := &regs.Frame{}
	frame.A[7] = regs.Word(syscalls.TaskSleep)
	frame.A[0] = 100

	d.Dispatch(context.Background(), frame)

	if tasks.sleptFor != 100 {
		t.Fatalf("sleptFor = %d, want 100", tasks.sleptFor)
	}

	frame2 := &regs.Frame{A: frame.A}
	frame2.A[7] = regs.Word(syscalls.TaskYield)

	d.Dispatch(context.Background(), frame2)

	if !tasks.yielded {
		t.Fatal("task_yield did not call Yield")
	}
}

// TestThreadCreate exercises the simulation boundary documented next to the ThreadCreate case: it
// passes a nil entry through to Spawn (there is no instruction stream at entryAddr to run) and
// returns the new task's handle.
func TestThreadCreate(t *testing.T) {
	t.Parallel()

	d, _, _, tasks := newDispatcher(t)

	frame := &regs.Frame{}
	frame.A[7] = regs.Word(syscalls.ThreadCreate)
	frame.A[0] = 0xdeadbeef // entryAddr: recorded for diagnostics, never executed
	frame.A[1] = 8192       // stackSize
	frame.A[2] = 7          // arg

	d.Dispatch(context.Background(), frame)

	if int64(frame.A[0]) != 2 {
		t.Fatalf("thread_create A0 = %d, want 2 (the handle fakeTasks.Spawn returns)", int64(frame.A[0]))
	}

	if !tasks.spawnedEntryWasNil {
		t.Fatal("thread_create passed a non-nil entry to Spawn")
	}

	if tasks.spawnedStackSize != 8192 {
		t.Fatalf("thread_create stackSize = %d, want 8192", tasks.spawnedStackSize)
	}
}

func TestGetSystemTime(t *testing.T) {
	t.Parallel()

	d, _, _, _ := newDispatcher(t)

	frame := &regs.Frame{}
	frame.A[7] = regs.Word(syscalls.GetSystemTime)

	d.Dispatch(context.Background(), frame)

	if int64(frame.A[0]) != 12345 {
		t.Fatalf("get_system_time A0 = %d, want 12345", int64(frame.A[0]))
	}
}

type fakeDriver struct {
	caps rsrc.Capability
}

func (*fakeDriver) Open() error                        { return nil }
func (*fakeDriver) Close() error                        { return nil }
func (d *fakeDriver) Capabilities() rsrc.Capability     { return d.caps }
func (*fakeDriver) Read(p []byte, _ int64) (int, error) { return 0, nil }
func (*fakeDriver) Write(p []byte, _ int64) (int, error) { return len(p), nil }
