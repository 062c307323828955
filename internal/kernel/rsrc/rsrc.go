// Package rsrc is the kernel's resource manager: a registry of named, driver-backed resources and
// the per-task handle tables user programs address them through, per §4.4.
//
// A [Driver] plays the role the teacher's device vtable played for memory-mapped I/O: a small,
// uniform interface any concrete resource (console, a block store, a future network endpoint)
// implements once, so the rest of the kernel never type-switches on what it's talking to.
package rsrc

import (
	"fmt"
	"sync"

	"github.com/sahnekernel/sahnekernel/internal/kernel/kerrno"
)

// Capability is a bitmask of operations a [Driver] supports. The resource manager rejects a
// read/write/seek request the driver didn't advertise before ever calling into the driver.
type Capability uint8

const (
	Readable Capability = 1 << iota
	Writable
	Seekable
	BlockDevice
)

func (c Capability) Has(want Capability) bool {
	return c&want == want
}

func (c Capability) String() string {
	var s string

	for _, b := range []struct {
		bit  Capability
		name string
	}{
		{Readable, "R"}, {Writable, "W"}, {Seekable, "S"}, {BlockDevice, "B"},
	} {
		if c.Has(b.bit) {
			s += b.name
		}
	}

	if s == "" {
		return "-"
	}

	return s
}

// Driver is the uniform interface a concrete resource implements: a console, a future block
// device, an in-memory pipe. Open is called when the first handle to the resource is acquired and
// Close when the last one is released; in between, any number of non-exclusive handles, in any
// tasks, share the one open driver. Read/Write operate at an offset so the same interface serves
// both a stream (offset ignored) and a seekable store.
type Driver interface {
	Open() error
	Read(p []byte, off int64) (int, error)
	Write(p []byte, off int64) (int, error)
	Close() error
	Capabilities() Capability
}

// Mode is the set of flags a task requests when it acquires a resource, per §4.4's acquire(name,
// mode) contract.
type Mode uint8

const (
	ModeRead      Mode = 1 << iota // 1
	ModeWrite                      // 2
	ModeCreate                     // 4
	ModeExclusive                  // 8
	ModeTruncate                   // 16
)

func (m Mode) wants() Capability {
	var c Capability
	if m&ModeRead != 0 {
		c |= Readable
	}

	if m&ModeWrite != 0 {
		c |= Writable
	}

	return c
}

// Handle identifies an open resource within a single task's handle table. It has no meaning outside
// that table: two tasks' Handle 3 name unrelated resources, per §4.4 and §9 ("handles are
// per-task").
type Handle uint32

// Resource is a named, driver-backed entry in the registry. Registration happens at boot; it is not
// a syscall-visible operation.
type Resource struct {
	Name   string
	Driver Driver

	mu        sync.Mutex
	openCount int // number of live handles across all tasks
	exclusive bool
}

// Registry is the kernel-wide table of named resources. Boot populates it once; acquire/release
// operate against it for the lifetime of the kernel.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

// NewRegistry creates an empty resource registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*Resource)}
}

// Register adds a named, driver-backed resource. Registering the same name twice is a programming
// error in boot wiring and panics, the same way the teacher's device-address collisions did.
func (r *Registry) Register(name string, driver Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.resources[name]; exists {
		panic(fmt.Sprintf("rsrc: resource %q already registered", name))
	}

	r.resources[name] = &Resource{Name: name, Driver: driver}
}

// Lookup returns the named resource, or ResourceNotFound.
func (r *Registry) Lookup(name string) (*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[name]
	if !ok {
		return nil, kerrno.New("rsrc.Lookup", kerrno.ResourceNotFound, "no resource named %q", name)
	}

	return res, nil
}

// Table is a single task's handle table: the mapping from small integer handles to open resources,
// per §4.4/§9's decision that handles live with the task, not the kernel.
type Table struct {
	mu    sync.Mutex
	open  map[Handle]*open
	next  Handle
	limit int
}

type open struct {
	res  *Resource
	mode Mode

	mu     sync.Mutex
	cursor int64
}

// DefaultHandleLimit bounds how many resources a single task may hold open at once, so a runaway
// task can't exhaust the registry's bookkeeping on a 2MiB board.
const DefaultHandleLimit = 32

// NewTable creates an empty handle table with the default per-task handle limit.
func NewTable() *Table {
	return &Table{open: make(map[Handle]*open), next: 1, limit: DefaultHandleLimit}
}

// Acquire opens name in mode, returning a handle private to this table. It is InvalidParameter if
// mode requests a capability the driver doesn't advertise, HandleLimitExceeded if the table is
// full, and ResourceBusy if the resource is held exclusively by another acquirer.
func (t *Table) Acquire(reg *Registry, name string, mode Mode) (Handle, error) {
	const op = "rsrc.Acquire"

	res, err := reg.Lookup(name)
	if err != nil {
		return 0, err
	}

	caps := res.Driver.Capabilities()
	if !caps.Has(mode.wants()) {
		return 0, kerrno.New(op, kerrno.InvalidParameter,
			"resource %q (%s) doesn't support requested mode", name, caps)
	}

	res.mu.Lock()
	if res.exclusive && res.openCount > 0 {
		res.mu.Unlock()
		return 0, kerrno.New(op, kerrno.ResourceBusy, "resource %q held exclusively", name)
	}

	if mode&ModeExclusive != 0 && res.openCount > 0 {
		res.mu.Unlock()
		return 0, kerrno.New(op, kerrno.ResourceBusy, "resource %q already open", name)
	}

	if res.openCount == 0 {
		if err := res.Driver.Open(); err != nil {
			res.mu.Unlock()
			return 0, err
		}
	}

	res.openCount++
	if mode&ModeExclusive != 0 {
		res.exclusive = true
	}
	res.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.open) >= t.limit {
		res.release()
		return 0, kerrno.New(op, kerrno.HandleLimitExceeded, "task handle table full (%d)", t.limit)
	}

	h := t.next
	t.next++
	t.open[h] = &open{res: res, mode: mode}

	return h, nil
}

// Release closes h. It is InvalidHandle if h is not currently open in this table.
func (t *Table) Release(h Handle) error {
	t.mu.Lock()
	o, ok := t.open[h]
	if ok {
		delete(t.open, h)
	}
	t.mu.Unlock()

	if !ok {
		return kerrno.New("rsrc.Release", kerrno.InvalidHandle, "handle %d not open", h)
	}

	return o.res.release()
}

// release drops one open reference to the resource, closing its driver once the last handle goes
// away.
func (r *Resource) release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.openCount--
	if r.openCount < 0 {
		r.openCount = 0
	}

	if r.openCount == 0 {
		r.exclusive = false
		return r.Driver.Close()
	}

	return nil
}

// Read reads from the resource open as h in this table. An off of zero uses and advances the
// handle's cursor for seekable resources, per §4.4; a non-zero off overrides the cursor for this
// call only, leaving it untouched.
func (t *Table) Read(h Handle, p []byte, off int64) (int, error) {
	o, err := t.lookup(h)
	if err != nil {
		return 0, err
	}

	if o.mode&ModeRead == 0 {
		return 0, kerrno.New("rsrc.Read", kerrno.PermissionDenied, "handle %d not opened for read", h)
	}

	return o.io(off, func(at int64) (int, error) {
		return o.res.Driver.Read(p, at)
	})
}

// Write writes to the resource open as h in this table. An off of zero uses and advances the
// handle's cursor for seekable resources, per §4.4; a non-zero off overrides the cursor for this
// call only, leaving it untouched.
func (t *Table) Write(h Handle, p []byte, off int64) (int, error) {
	o, err := t.lookup(h)
	if err != nil {
		return 0, err
	}

	if o.mode&ModeWrite == 0 {
		return 0, kerrno.New("rsrc.Write", kerrno.PermissionDenied, "handle %d not opened for write", h)
	}

	return o.io(off, func(at int64) (int, error) {
		return o.res.Driver.Write(p, at)
	})
}

// io runs do at the effective offset for off (the cursor when off is zero, off itself otherwise),
// advancing the cursor by the returned count when the cursor was the one used and the resource is
// seekable.
func (o *open) io(off int64, do func(at int64) (int, error)) (int, error) {
	o.mu.Lock()
	at := off
	usingCursor := off == 0
	if usingCursor {
		at = o.cursor
	}
	o.mu.Unlock()

	n, err := do(at)

	if usingCursor && o.res.Driver.Capabilities().Has(Seekable) {
		o.mu.Lock()
		o.cursor += int64(n)
		o.mu.Unlock()
	}

	return n, err
}

func (t *Table) lookup(h Handle) (*open, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.open[h]
	if !ok {
		return nil, kerrno.New("rsrc.lookup", kerrno.InvalidHandle, "handle %d not open", h)
	}

	return o, nil
}

// CloseAll releases every handle still open in the table, used when a task exits per §4.4 and
// §4.2's exit contract that a task's resources don't outlive it.
func (t *Table) CloseAll() {
	t.mu.Lock()
	handles := make([]Handle, 0, len(t.open))
	for h := range t.open {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		_ = t.Release(h)
	}
}
