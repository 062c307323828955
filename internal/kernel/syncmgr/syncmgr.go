// Package syncmgr is the synchronization manager described in §4.5: kernel locks with a strict
// FIFO blocking queue and direct ownership hand-off on release.
package syncmgr

import (
	"context"
	"sync"

	"github.com/sahnekernel/sahnekernel/internal/kernel/kerrno"
	"github.com/sahnekernel/sahnekernel/internal/log"
)

// Handle identifies a Lock. Zero is never assigned.
type Handle uint64

// Scheduler is the manager's view of the scheduler: the only primitives a blocking lock acquire
// needs are "put this task to sleep until woken" and "make this task runnable again", so this seam
// is deliberately narrower than [sched.Scheduler]'s full surface.
type Scheduler interface {
	Block(ctx context.Context, taskID uint64)
	Wake(taskID uint64)
}

// lock is a mutex object per §3: owner (zero means free) and a FIFO queue of blocked waiters.
type lock struct {
	mu    sync.Mutex
	owner uint64
	queue []uint64
}

// Manager owns every Lock created by lock_create, keyed by handle.
type Manager struct {
	mu     sync.Mutex
	locks  map[Handle]*lock
	nextID Handle

	sched Scheduler
	log   *log.Logger
}

// New creates an empty synchronization manager.
func New(sched Scheduler, logger *log.Logger) *Manager {
	return &Manager{locks: make(map[Handle]*lock), sched: sched, log: logger, nextID: 1}
}

// Create allocates a new, initially-free Lock and returns its handle, per §4.5's lock_create.
func (m *Manager) Create() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.nextID
	m.nextID++
	m.locks[h] = &lock{}

	return h
}

func (m *Manager) get(h Handle) (*lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[h]
	if !ok {
		return nil, kerrno.New("syncmgr.get", kerrno.InvalidHandle, "no lock %d", h)
	}

	return l, nil
}

// Acquire implements §4.5's lock_acquire: if the lock is free, taskID becomes the owner
// immediately; otherwise taskID is enqueued FIFO and blocked until the current owner hands off
// ownership directly to it.
func (m *Manager) Acquire(ctx context.Context, h Handle, taskID uint64) error {
	l, err := m.get(h)
	if err != nil {
		return err
	}

	l.mu.Lock()

	if l.owner == 0 {
		l.owner = taskID
		l.mu.Unlock()

		return nil
	}

	l.queue = append(l.queue, taskID)
	l.mu.Unlock()

	m.sched.Block(ctx, taskID)

	// Resumed: the releasing task has already made taskID the owner and woken it (handoff, not
	// barging), per the invariant in §3 ("owner is none iff queue is empty").
	return nil
}

// Release implements §4.5's lock_release: PermissionDenied if the caller doesn't own the lock;
// otherwise, if the queue is nonempty, pop its head and hand ownership directly to it; else the
// lock becomes free.
func (m *Manager) Release(h Handle, taskID uint64) error {
	l, err := m.get(h)
	if err != nil {
		return err
	}

	l.mu.Lock()

	if l.owner != taskID {
		l.mu.Unlock()
		return kerrno.New("syncmgr.Release", kerrno.PermissionDenied, "task %d does not own lock %d", taskID, h)
	}

	if len(l.queue) == 0 {
		l.owner = 0
		l.mu.Unlock()

		return nil
	}

	next := l.queue[0]
	l.queue = l.queue[1:]
	l.owner = next

	l.mu.Unlock()

	m.sched.Wake(next)

	return nil
}
