// Package shm is the shared-memory manager described in §4.7: named, reference-counted regions of
// physical memory that multiple tasks can map and unmap.
//
// This kernel runs identity-mapped (§3, §5 Non-goals), so "map" here is just "hand back the
// region's physical address and record who's using it" rather than installing page-table entries;
// the region record still tracks per-task mappings so a paged build could add that later without
// changing this package's contract.
package shm

import (
	"sync"

	"github.com/sahnekernel/sahnekernel/internal/kernel/heap"
	"github.com/sahnekernel/sahnekernel/internal/kernel/kerrno"
)

// Handle identifies a shared-memory region. Zero is never assigned.
type Handle uint64

// mapping records one task's view of a region: the byte range within the region it mapped.
type mapping struct {
	taskID uint64
	offset uint64
	size   uint64
	addr   heap.Addr
}

// region is a contiguous heap allocation shared by reference count, per §3.
type region struct {
	mu       sync.Mutex
	base     heap.Addr
	size     uint64
	refCount int
	mappings []mapping
}

// Manager owns every region created by shared_mem_create, keyed by handle.
type Manager struct {
	mu      sync.Mutex
	regions map[Handle]*region
	nextID  Handle

	heap *heap.Allocator
}

// New creates an empty shared-memory manager backed by h.
func New(h *heap.Allocator) *Manager {
	return &Manager{regions: make(map[Handle]*region), heap: h, nextID: 1}
}

// Create allocates size bytes of physical memory and returns a handle to a new region with
// reference count 1, per §4.7's shared_mem_create.
func (m *Manager) Create(size uint64) (Handle, error) {
	const op = "shm.Create"

	if size == 0 {
		return 0, kerrno.New(op, kerrno.InvalidParameter, "size must be > 0")
	}

	addr, err := m.heap.Allocate(size, shmAlign)
	if err != nil {
		return 0, err
	}

	r := &region{base: addr, size: size, refCount: 1}

	m.mu.Lock()
	h := m.nextID
	m.nextID++
	m.regions[h] = r
	m.mu.Unlock()

	return h, nil
}

const shmAlign = 16

func (m *Manager) get(h Handle) (*region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[h]
	if !ok {
		return nil, kerrno.New("shm.get", kerrno.InvalidHandle, "no region %d", h)
	}

	return r, nil
}

// Map implements §4.7's shared_mem_map: increments the region's reference count, records a mapping
// for taskID, and returns the address usable by that task (the physical address, since this kernel
// runs identity-mapped).
func (m *Manager) Map(h Handle, taskID uint64, offset, size uint64) (heap.Addr, error) {
	const op = "shm.Map"

	r, err := m.get(h)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if offset+size > r.size {
		return 0, kerrno.New(op, kerrno.InvalidParameter, "range [%d, %d) exceeds region size %d", offset, offset+size, r.size)
	}

	addr := r.base + heap.Addr(offset)

	r.refCount++
	r.mappings = append(r.mappings, mapping{taskID: taskID, offset: offset, size: size, addr: addr})

	return addr, nil
}

// Unmap implements §4.7's shared_mem_unmap: removes the mapping whose address is addr, decrements
// the reference count, and releases the region's memory back to the heap once it reaches zero.
func (m *Manager) Unmap(addr heap.Addr, taskID uint64) error {
	const op = "shm.Unmap"

	m.mu.Lock()
	var (
		found *region
		h     Handle
	)

	for id, r := range m.regions {
		r.mu.Lock()
		for _, mp := range r.mappings {
			if mp.addr == addr && mp.taskID == taskID {
				found = r
				h = id
			}
		}
		r.mu.Unlock()

		if found != nil {
			break
		}
	}
	m.mu.Unlock()

	if found == nil {
		return kerrno.New(op, kerrno.InvalidAddress, "no mapping at %s for task %d", addr, taskID)
	}

	found.mu.Lock()

	kept := found.mappings[:0]
	for _, mp := range found.mappings {
		if mp.addr == addr && mp.taskID == taskID {
			continue
		}

		kept = append(kept, mp)
	}
	found.mappings = kept

	found.refCount--
	shouldRelease := found.refCount == 0
	base, size := found.base, found.size

	found.mu.Unlock()

	if shouldRelease {
		m.mu.Lock()
		delete(m.regions, h)
		m.mu.Unlock()

		return m.heap.Release(base, size)
	}

	return nil
}
