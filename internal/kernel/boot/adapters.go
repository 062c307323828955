package boot

import (
	"context"

	"github.com/sahnekernel/sahnekernel/internal/kernel/heap"
	"github.com/sahnekernel/sahnekernel/internal/kernel/rsrc"
	"github.com/sahnekernel/sahnekernel/internal/kernel/sched"
	"github.com/sahnekernel/sahnekernel/internal/kernel/shm"
	"github.com/sahnekernel/sahnekernel/internal/kernel/syncmgr"
)

// taskAdapter satisfies syscalls.Tasks by converting between the plain uint64 IDs the syscall
// dispatcher deals in and *sched.Scheduler's own sched.TaskID type. This is the one place that
// conversion happens; neither package needs to know about the other's ID type otherwise.
type taskAdapter struct {
	sched *sched.Scheduler
}

func (a *taskAdapter) CurrentID() uint64 {
	return uint64(a.sched.CurrentID())
}

func (a *taskAdapter) Spawn(ctx context.Context, entry func(ctx context.Context, arg uint64), stackSize uint64, arg uint64) (uint64, error) {
	var wrapped sched.Entry
	if entry != nil {
		wrapped = func(ctx context.Context, self *sched.Task, arg uint64) {
			entry(ctx, arg)
		}
	}

	id, err := a.sched.Spawn(ctx, wrapped, stackSize, arg)
	return uint64(id), err
}

func (a *taskAdapter) Fork(ctx context.Context, parentID uint64) (uint64, error) {
	id, err := a.sched.Fork(ctx, sched.TaskID(parentID))
	return uint64(id), err
}

func (a *taskAdapter) Exit(ctx context.Context, id uint64, code int64) {
	a.sched.Exit(ctx, sched.TaskID(id), code)
}

func (a *taskAdapter) Sleep(ctx context.Context, id uint64, ms int64) {
	a.sched.Sleep(ctx, sched.TaskID(id), ms)
}

func (a *taskAdapter) Yield(ctx context.Context, id uint64) {
	a.sched.Yield(ctx, sched.TaskID(id))
}

func (a *taskAdapter) SystemTime() int64 {
	return a.sched.SystemTime()
}

func (a *taskAdapter) HandleTable(id uint64) (*rsrc.Table, error) {
	t, err := a.sched.Lookup(sched.TaskID(id))
	if err != nil {
		return nil, err
	}

	return t.Handles, nil
}

func (a *taskAdapter) SetReturn(id uint64, v int64) {
	t, err := a.sched.Lookup(sched.TaskID(id))
	if err != nil {
		return
	}

	t.Frame.SetReturn(v)
}

// lockSchedAdapter satisfies syncmgr.Scheduler the same way taskAdapter satisfies syscalls.Tasks:
// converting uint64 task IDs to sched.TaskID around the two primitives a blocking lock_acquire
// needs.
type lockSchedAdapter struct {
	sched *sched.Scheduler
}

func (a *lockSchedAdapter) Block(ctx context.Context, taskID uint64) {
	a.sched.Block(ctx, sched.TaskID(taskID))
}

func (a *lockSchedAdapter) Wake(taskID uint64) {
	a.sched.Wake(sched.TaskID(taskID))
}

// lockAdapter satisfies syscalls.Locks by converting between uint64 and syncmgr.Handle.
type lockAdapter struct {
	sync *syncmgr.Manager
}

func (a *lockAdapter) Create() uint64 {
	return uint64(a.sync.Create())
}

func (a *lockAdapter) Acquire(ctx context.Context, handle uint64, taskID uint64) error {
	return a.sync.Acquire(ctx, syncmgr.Handle(handle), taskID)
}

func (a *lockAdapter) Release(handle uint64, taskID uint64) error {
	return a.sync.Release(syncmgr.Handle(handle), taskID)
}

// shmAdapter satisfies syscalls.SharedMemory by converting between uint64 and shm.Handle.
type shmAdapter struct {
	shm *shm.Manager
}

func (a *shmAdapter) Create(size uint64) (uint64, error) {
	h, err := a.shm.Create(size)
	return uint64(h), err
}

func (a *shmAdapter) Map(handle uint64, taskID uint64, offset, size uint64) (heap.Addr, error) {
	return a.shm.Map(shm.Handle(handle), taskID, offset, size)
}

func (a *shmAdapter) Unmap(addr heap.Addr, taskID uint64) error {
	return a.shm.Unmap(addr, taskID)
}
