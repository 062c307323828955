// Package sched is the scheduler described in §4.3: the task table, the run-queue policy, and the
// primitives (spawn, fork, exit, sleep, yield_now) built on top of a context-switch primitive.
//
// There is no real context_switch assembly routine here (see [arch.Doc]); instead each [Task] owns
// a "baton" channel, and handing control from one task to another is modeled as one goroutine
// sending on the new task's baton and then receiving on its own — the same shape as save old
// frame/load new frame/return, just expressed as a channel handoff instead of a register swap. The
// goroutine that currently holds the baton is, by construction, the only one running kernel or user
// code at that instant, which is exactly the single-CPU invariant §5 requires.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/sahnekernel/sahnekernel/internal/kernel/arch"
	"github.com/sahnekernel/sahnekernel/internal/kernel/heap"
	"github.com/sahnekernel/sahnekernel/internal/kernel/kerrno"
	"github.com/sahnekernel/sahnekernel/internal/kernel/regs"
	"github.com/sahnekernel/sahnekernel/internal/kernel/rsrc"
	"github.com/sahnekernel/sahnekernel/internal/log"
)

// TaskID identifies a task. Zero is reserved and never assigned to a real task; it names the
// idle/boot context that runs before any task does and regains control if none is Runnable.
type TaskID uint64

// State is where a task sits in its lifecycle, per §3.
type State int

const (
	Runnable State = iota
	Running
	Blocked
	Exited
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Exited:
		return "exited"
	default:
		return "invalid"
	}
}

// Entry is a task's body: the function its saved frame's program counter would point at. It
// receives the argument register value spawn set up and the task's own record.
type Entry func(ctx context.Context, self *Task, arg uint64)

// Task is a schedulable unit of execution, per §3.
type Task struct {
	ID       TaskID
	Frame    regs.Frame
	StackTop heap.Addr
	StackLen uint64
	Handles  *rsrc.Table
	ExitCode int64

	state State
	baton chan struct{}
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	return t.state
}

const (
	// DefaultStackSize is used when a caller doesn't have a specific stack requirement.
	DefaultStackSize = 4096

	stackAlign = 16 // RV64 requires 16-byte stack alignment at a call boundary.
)

// Scheduler owns the task table and drives the round-robin policy over it. Per §5's fixed lock
// ordering, the task table lock (tableMu) is always acquired before the current-task cell
// (currentMu); no path acquires them the other way.
type Scheduler struct {
	tableMu sync.Mutex
	tasks   map[TaskID]*Task
	order   []TaskID // table order; round-robin tie-breaks go by position here
	nextID  TaskID

	currentMu sync.Mutex
	current   TaskID // zero means the idle/boot context holds control

	idleBaton chan struct{}

	sleepMu  sync.Mutex
	sleeping map[TaskID]int64 // TaskID -> wake tick

	heap  *heap.Allocator
	clock arch.Clock
	cycle arch.Counter
	log   *log.Logger

	tick int64
}

// New creates a scheduler with an empty task table. h serves task stacks; clock converts sleep
// durations into ticks.
func New(h *heap.Allocator, clock arch.Clock, logger *log.Logger) *Scheduler {
	return &Scheduler{
		tasks:     make(map[TaskID]*Task),
		idleBaton: make(chan struct{}, 1),
		sleeping:  make(map[TaskID]int64),
		heap:      h,
		clock:     clock,
		log:       logger,
		nextID:    1,
	}
}

// Spawn allocates a stack, constructs the task's initial frame, and adds it to the table in the
// Runnable state, per §4.3. Its body runs entry(ctx, self, arg) once the scheduler first selects
// it.
func (s *Scheduler) Spawn(ctx context.Context, entry Entry, stackSize uint64, arg uint64) (TaskID, error) {
	const op = "sched.Spawn"

	if stackSize == 0 {
		stackSize = DefaultStackSize
	}

	stackAddr, err := s.heap.Allocate(stackSize, stackAlign)
	if err != nil {
		if kind, ok := kerrno.Of(err); ok {
			return 0, kerrno.New(op, kind, "allocating %d-byte stack: %s", stackSize, err)
		}

		return 0, kerrno.New(op, kerrno.TaskCreationFail, "allocating stack: %s", err)
	}

	task := &Task{
		state:    Runnable,
		StackTop: stackAddr + heap.Addr(stackSize),
		StackLen: stackSize,
		Handles:  rsrc.NewTable(),
		baton:    make(chan struct{}, 1),
	}
	task.Frame.SP = regs.Word(task.StackTop)
	task.Frame.Status = regs.StatusInterruptEnable
	task.Frame.A[0] = regs.Word(arg)

	s.tableMu.Lock()
	task.ID = s.nextID
	s.nextID++
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	s.tableMu.Unlock()

	s.log.Debug("sched: spawned task", "task", task.ID, "stack", task.StackLen)

	go func() {
		<-task.baton

		if entry != nil {
			entry(ctx, task, arg)
		}

		s.exitTask(ctx, task, 0)
	}()

	return task.ID, nil
}

// Fork clones the calling task's saved frame into a new task, per §4.3 and the resolved design
// decision (SPEC_FULL.md §9) that the child gets a fresh stack rather than a copy of the parent's.
// It sets the child's A0 to 0 and returns the child's TaskID, which the caller is responsible for
// writing into the parent's own A0 (the syscall layer does this, mirroring §8 scenario 4).
func (s *Scheduler) Fork(ctx context.Context, parentID TaskID) (TaskID, error) {
	const op = "sched.Fork"

	s.tableMu.Lock()
	parent, ok := s.tasks[parentID]
	s.tableMu.Unlock()

	if !ok {
		return 0, kerrno.New(op, kerrno.InvalidParameter, "no such task %d", parentID)
	}

	stackAddr, err := s.heap.Allocate(parent.StackLen, stackAlign)
	if err != nil {
		return 0, kerrno.New(op, kerrno.TaskCreationFail, "allocating child stack: %s", err)
	}

	child := &Task{
		state:    Runnable,
		Frame:    parent.Frame, // clone saved registers/PC/status
		StackTop: stackAddr + heap.Addr(parent.StackLen),
		StackLen: parent.StackLen,
		Handles:  rsrc.NewTable(),
		baton:    make(chan struct{}, 1),
	}
	child.Frame.SP = regs.Word(child.StackTop)
	child.Frame.SetReturn(0) // child observes 0 from fork()

	s.tableMu.Lock()
	child.ID = s.nextID
	s.nextID++
	s.tasks[child.ID] = child
	s.order = append(s.order, child.ID)
	s.tableMu.Unlock()

	s.log.Debug("sched: forked task", "parent", parentID, "child", child.ID)

	go func() {
		<-child.baton
		// The child resumes as if returning from the same trap the parent is in; there is
		// no further Go entry function to call; it simply exits once resumed here in this
		// simulation, since its "resumption point" is whatever the parent's saved frame
		// encodes and this package has no instruction stream to execute.
		s.exitTask(ctx, child, 0)
	}()

	return child.ID, nil
}

// SystemTime returns the current simulated tick count, backing the get_system_time syscall.
func (s *Scheduler) SystemTime() int64 {
	return s.cycle.Read()
}

// CurrentID returns the TaskID currently holding the baton, or zero for the idle/boot context.
func (s *Scheduler) CurrentID() TaskID {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()

	return s.current
}

// Lookup returns the task record for id.
func (s *Scheduler) Lookup(id TaskID) (*Task, error) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, kerrno.New("sched.Lookup", kerrno.InvalidParameter, "no such task %d", id)
	}

	return t, nil
}

// Schedule performs one scheduling decision: pick the next Runnable task after the current one
// (round-robin, tie-break by table index), hand it the baton, and park the calling goroutine until
// control returns to it. If the current task is the only Runnable one, it keeps running and
// Schedule returns immediately without a handoff, per §4.3.
func (s *Scheduler) Schedule(ctx context.Context) {
	s.tableMu.Lock()
	s.currentMu.Lock()

	callerID := s.current
	if caller, ok := s.tasks[callerID]; ok && caller.state == Running {
		caller.state = Runnable
	}

	nextID := s.pickNextLocked(callerID)

	if nextID == callerID {
		if t, ok := s.tasks[callerID]; ok {
			t.state = Running
		}

		s.currentMu.Unlock()
		s.tableMu.Unlock()

		return // no other Runnable task; keep running without a handoff.
	}

	s.current = nextID
	if t, ok := s.tasks[nextID]; ok {
		t.state = Running
	}

	s.currentMu.Unlock()
	s.tableMu.Unlock()

	s.handoff(callerID, nextID)
}

// pickNextLocked must be called with tableMu and currentMu held. It returns the TaskID that should
// run next, which may equal callerID.
func (s *Scheduler) pickNextLocked(callerID TaskID) TaskID {
	n := len(s.order)
	if n == 0 {
		return 0
	}

	startIdx := -1
	for i, id := range s.order {
		if id == callerID {
			startIdx = i
			break
		}
	}

	for i := 1; i <= n; i++ {
		idx := (startIdx + i) % n
		id := s.order[idx]

		t := s.tasks[id]
		if t.state == Runnable {
			return id
		}
	}

	// Nothing else Runnable; is the caller itself still Runnable/Running?
	if t, ok := s.tasks[callerID]; ok && (t.state == Runnable || t.state == Running) {
		return callerID
	}

	return 0 // nothing runnable at all; fall back to idle.
}

// batonFor returns the channel representing id's execution context.
func (s *Scheduler) batonFor(id TaskID) chan struct{} {
	if id == 0 {
		return s.idleBaton
	}

	s.tableMu.Lock()
	t := s.tasks[id]
	s.tableMu.Unlock()

	if t == nil {
		return s.idleBaton
	}

	return t.baton
}

// handoff wakes next and parks the caller, standing in for context_switch(old_frame_ptr,
// new_frame_ptr): the caller (representing "old") resumes only once some later Schedule call hands
// the baton back to callerID.
func (s *Scheduler) handoff(callerID, nextID TaskID) {
	s.batonFor(nextID) <- struct{}{}
	<-s.batonFor(callerID)
}

// CheckPoint marks a place in a task's body where a timer trap could have fired while it was
// "running". It only checks whether ctx is done and returns; it does not schedule away, so no
// other task runs because of it. The scenario 5 (preemptive round-robin) test's task bodies call
// Schedule directly instead.
func (s *Scheduler) CheckPoint(ctx context.Context, self *Task) {
	select {
	case <-ctx.Done():
		return
	default:
	}
}

// Sleep blocks id for the given number of milliseconds, converted to scheduler ticks by s.clock per
// §4.3's sleep(ms) contract. It registers the task on the sleep set keyed by wake tick and
// schedules away.
func (s *Scheduler) Sleep(ctx context.Context, id TaskID, ms int64) {
	s.tableMu.Lock()
	t, ok := s.tasks[id]
	s.tableMu.Unlock()

	if !ok {
		return
	}

	t.state = Blocked

	ticks := s.clock.Ticks(time.Duration(ms) * time.Millisecond)

	s.sleepMu.Lock()
	s.sleeping[id] = s.tick + ticks
	s.sleepMu.Unlock()

	s.Schedule(ctx)
}

// Block puts id into the Blocked state and schedules away, the general-purpose suspension point
// [syncmgr.Manager] uses for a contended lock_acquire: unlike Sleep, there is no timer wheel entry,
// so only an explicit Wake (or forced exit) returns the task to Runnable.
func (s *Scheduler) Block(ctx context.Context, id TaskID) {
	s.tableMu.Lock()
	if t, ok := s.tasks[id]; ok {
		t.state = Blocked
	}
	s.tableMu.Unlock()

	s.Schedule(ctx)
}

// Wake returns a Blocked task to Runnable without scheduling away itself; the caller (the task
// releasing a lock) continues running until it next calls a suspension point.
func (s *Scheduler) Wake(id TaskID) {
	s.tableMu.Lock()
	if t, ok := s.tasks[id]; ok && t.state == Blocked {
		t.state = Runnable
	}
	s.tableMu.Unlock()
}

// Yield reinserts the calling task as Runnable and schedules away, per §4.3's yield_now primitive.
func (s *Scheduler) Yield(ctx context.Context, id TaskID) {
	s.tableMu.Lock()
	if t, ok := s.tasks[id]; ok {
		t.state = Runnable
	}
	s.tableMu.Unlock()

	s.Schedule(ctx)
}

// Tick advances the simulated clock by one tick, wakes any sleepers whose deadline has passed, and
// performs one scheduling decision, implementing the trap dispatcher's timer-interrupt policy
// (§4.2: "acknowledge the timer, rearm it for the next tick, invoke the scheduler").
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.cycle.Tick()
	s.tick = now

	s.sleepMu.Lock()
	for id, deadline := range s.sleeping {
		if now >= deadline {
			delete(s.sleeping, id)

			s.tableMu.Lock()
			if t, ok := s.tasks[id]; ok && t.state == Blocked {
				t.state = Runnable
			}
			s.tableMu.Unlock()
		}
	}
	s.sleepMu.Unlock()

	s.Schedule(ctx)
}

// TerminateCurrent marks the task currently holding the baton Exited with a fatal code, for use by
// the trap dispatcher on an unrecoverable exception. It does not itself schedule away; the caller
// (trap.Dispatcher) calls Schedule next.
func (s *Scheduler) TerminateCurrent(code int64) {
	id := s.CurrentID()

	s.tableMu.Lock()
	t, ok := s.tasks[id]
	s.tableMu.Unlock()

	if !ok {
		return
	}

	s.finish(t, code)
}

// Exit marks id Exited with code, releases its resources and stack, and then schedules away, per
// §4.3's exit primitive. Control never returns to the exited task.
func (s *Scheduler) Exit(ctx context.Context, id TaskID, code int64) {
	s.tableMu.Lock()
	t, ok := s.tasks[id]
	s.tableMu.Unlock()

	if !ok {
		return
	}

	s.exitTask(ctx, t, code)
}

// exitTask performs the bookkeeping Exit needs, then schedules away, which never returns to the
// caller's goroutine again (matching §9's "exit/context_switch that never return").
func (s *Scheduler) exitTask(ctx context.Context, t *Task, code int64) {
	s.finish(t, code)
	s.Schedule(ctx)
}

func (s *Scheduler) finish(t *Task, code int64) {
	t.Handles.CloseAll()

	s.tableMu.Lock()
	t.state = Exited
	t.ExitCode = code
	s.tableMu.Unlock()

	if err := s.heap.Release(t.StackTop-heap.Addr(t.StackLen), t.StackLen); err != nil {
		s.log.Warn("sched: reaping stack", "task", t.ID, "err", err)
	}

	s.log.Debug("sched: task exited", "task", t.ID, "code", code)
}

