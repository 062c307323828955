// Package heap implements the kernel's physical heap allocator: a single fixed arena served by a
// first-fit, address-ordered free list with coalescing on release, per §4.1.
//
// The free list's nodes are plain Go values linked by address rather than being embedded in the
// arena's own bytes the way a bare-metal allocator would do it (the original design's "node stored
// in the free memory itself"): without unsafe.Pointer arithmetic over a []byte, Go has no way to
// treat arbitrary arena bytes as a typed struct, and introducing unsafe for this would buy nothing
// the teacher's style calls for. The algorithm — address order, first-fit, prefix/suffix splitting,
// predecessor/successor coalescing — is unchanged; see DESIGN.md.
package heap

import (
	"fmt"
	"sync"

	"github.com/sahnekernel/sahnekernel/internal/kernel/kerrno"
	"github.com/sahnekernel/sahnekernel/internal/log"
)

// Addr is an address within the arena, relative to the arena's start.
type Addr uint64

func (a Addr) String() string {
	return fmt.Sprintf("%#08x", uint64(a))
}

// node describes one free block: its start address, size in bytes, and the next free node in
// address order.
type node struct {
	start Addr
	size  uint64
	next  *node
}

func (n *node) end() Addr {
	return n.start + Addr(n.size)
}

// Allocator serves size+aligned allocations out of a single fixed arena, [0, size).
//
// It is an owned service object, not a package-level singleton, per Design Note "global-mutable
// singletons via process-wide locks": callers hold a reference (or, from boot, the *Kernel record)
// rather than reaching a global.
type Allocator struct {
	mu sync.Mutex

	size uint64
	free *node // head of the address-ordered free list
	mem  []byte

	log *log.Logger

	// live tracks the size of each still-allocated block, keyed by address, so Release can
	// validate the caller's claimed size and so tests/diagnostics can account for every live
	// byte (§8, "sum of bytes reachable... is exactly the heap memory attributable to it").
	live map[Addr]uint64
}

// New creates an allocator managing an arena of the given size, initially one free block spanning
// the whole arena. Unlike a typical bare-metal allocator, it also owns the arena's actual backing
// bytes (mem): since this is a software simulation rather than a system with real physical memory,
// something has to be addressable by Addr for the resource manager and shared-memory manager to
// read and write through, and the heap arena is the natural, single place for it to live.
func New(size uint64, logger *log.Logger) *Allocator {
	a := &Allocator{
		size: size,
		free: &node{start: 0, size: size},
		mem:  make([]byte, size),
		log:  logger,
		live: make(map[Addr]uint64),
	}

	return a
}

// ReadAt copies len(p) bytes starting at addr into p. It is InvalidAddress if [addr, addr+len(p))
// is not wholly inside the arena.
func (a *Allocator) ReadAt(addr Addr, p []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inBounds(addr, uint64(len(p))) {
		return kerrno.New("heap.ReadAt", kerrno.InvalidAddress, "range [%s, %#x) out of bounds", addr, uint64(addr)+uint64(len(p)))
	}

	copy(p, a.mem[addr:])

	return nil
}

// WriteAt copies p into the arena starting at addr. It is InvalidAddress if [addr, addr+len(p)) is
// not wholly inside the arena.
func (a *Allocator) WriteAt(addr Addr, p []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inBounds(addr, uint64(len(p))) {
		return kerrno.New("heap.WriteAt", kerrno.InvalidAddress, "range [%s, %#x) out of bounds", addr, uint64(addr)+uint64(len(p)))
	}

	copy(a.mem[addr:], p)

	return nil
}

func (a *Allocator) inBounds(addr Addr, length uint64) bool {
	end := uint64(addr) + length
	return end >= uint64(addr) && end <= a.size
}

// Allocate returns an address of size bytes aligned to align, an OutOfMemory [kerrno.Error] if no
// free node can satisfy the request. align must be a power of two and size must be greater than
// zero; violating either is InvalidParameter.
func (a *Allocator) Allocate(size uint64, align uint64) (Addr, error) {
	const op = "heap.Allocate"

	if size == 0 {
		return 0, kerrno.New(op, kerrno.InvalidParameter, "size must be > 0")
	}

	if align == 0 || align&(align-1) != 0 {
		return 0, kerrno.New(op, kerrno.InvalidParameter, "align %d is not a power of two", align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var prev *node

	for n := a.free; n != nil; prev, n = n, n.next {
		alignedStart := alignUp(n.start, align)
		if alignedStart >= n.end() {
			continue // alignment padding alone doesn't fit in this node
		}

		tail := alignedStart + Addr(size)
		if tail > n.end() {
			continue // doesn't fit
		}

		// Candidate found: n covers [alignedStart, tail). Remove n from the list and
		// reinsert whatever prefix/suffix padding survives as free nodes.
		a.unlink(prev, n)

		prefixLen := uint64(alignedStart - n.start)
		if prefixLen >= nodeMinSize {
			a.insertFree(&node{start: n.start, size: prefixLen})
		} // else: prefix too small to track, leaks into the allocation

		suffixLen := uint64(n.end() - tail)
		if suffixLen >= nodeMinSize {
			a.insertFree(&node{start: tail, size: suffixLen})
		} // else: suffix too small to track, leaks into the allocation

		a.live[alignedStart] = size

		a.log.Debug("heap: allocated", "addr", alignedStart, "size", size, "align", align)

		return alignedStart, nil
	}

	return 0, kerrno.New(op, kerrno.OutOfMemory, "no %d-byte node (align %d) after full scan", size, align)
}

// nodeMinSize is the minimum remainder worth keeping as its own free node. Padding smaller than
// this is folded into the adjacent allocation rather than tracked, since a node that can never
// satisfy even a one-byte, one-aligned request is pure bookkeeping overhead.
const nodeMinSize = 1

// Release returns addr, previously returned by Allocate with the given size, to the free list,
// coalescing with address-adjacent free neighbors. Releasing an address not currently allocated, or
// with a mismatched size, is InvalidAddress. Address zero is also the arena's first byte, so it is
// released like any other address while an allocation lives there; otherwise it is treated as the
// null address and releasing it is a no-op per §4.1.
func (a *Allocator) Release(addr Addr, size uint64) error {
	const op = "heap.Release"

	a.mu.Lock()
	defer a.mu.Unlock()

	live, ok := a.live[addr]
	if !ok {
		if addr == 0 {
			return nil
		}

		return kerrno.New(op, kerrno.InvalidAddress, "addr %s is not allocated", addr)
	}

	if live != size {
		return kerrno.New(op, kerrno.InvalidAddress, "addr %s allocated with size %d, released with %d",
			addr, live, size)
	}

	delete(a.live, addr)
	a.insertFree(&node{start: addr, size: size})

	a.log.Debug("heap: released", "addr", addr, "size", size)

	return nil
}

// insertFree inserts n into the free list in address order, coalescing with the predecessor and
// successor if they are physically adjacent.
func (a *Allocator) insertFree(n *node) {
	var prev *node

	cur := a.free
	for cur != nil && cur.start < n.start {
		prev, cur = cur, cur.next
	}

	// Coalesce with successor first, so a single merged node can then be checked against the
	// predecessor too.
	if cur != nil && n.end() == cur.start {
		n.size += cur.size
		n.next = cur.next
	} else {
		n.next = cur
	}

	if prev != nil && prev.end() == n.start {
		prev.size += n.size
		prev.next = n.next
	} else if prev != nil {
		prev.next = n
	} else {
		a.free = n
	}
}

// unlink removes n from the free list, given its predecessor (nil if n is the head).
func (a *Allocator) unlink(prev, n *node) {
	if prev == nil {
		a.free = n.next
	} else {
		prev.next = n.next
	}

	n.next = nil
}

// Walk visits every node in the free list in address order, reporting the gaps between them as
// live allocations. It stops early if visit returns false. It is intended for diagnostics and tests
// only; it holds the allocator's lock for its duration.
func (a *Allocator) Walk(visit func(start Addr, size uint64, free bool) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var cursor Addr

	for n := a.free; n != nil; n = n.next {
		if n.start > cursor {
			if !visit(cursor, uint64(n.start-cursor), false) {
				return
			}
		}

		if !visit(n.start, n.size, true) {
			return
		}

		cursor = n.end()
	}

	if uint64(cursor) < a.size {
		visit(cursor, a.size-uint64(cursor), false)
	}
}

// LiveBytes returns the total number of bytes currently allocated (not free).
func (a *Allocator) LiveBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uint64
	for _, size := range a.live {
		total += size
	}

	return total
}

func alignUp(addr Addr, align uint64) Addr {
	mask := Addr(align - 1)
	return (addr + mask) &^ mask
}
