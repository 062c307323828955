package shm_test

import (
	"testing"

	"github.com/sahnekernel/sahnekernel/internal/kernel/heap"
	"github.com/sahnekernel/sahnekernel/internal/kernel/kerrno"
	"github.com/sahnekernel/sahnekernel/internal/kernel/shm"
	"github.com/sahnekernel/sahnekernel/internal/log"
)

func TestCreateMapUnmapRoundTrip(t *testing.T) {
	t.Parallel()

	h := heap.New(4096, log.DefaultLogger())
	m := shm.New(h)

	handle, err := m.Create(256)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	before := h.LiveBytes()

	addr1, err := m.Map(handle, 1, 0, 256)
	if err != nil {
		t.Fatalf("Map(task 1): %v", err)
	}

	addr2, err := m.Map(handle, 2, 0, 256)
	if err != nil {
		t.Fatalf("Map(task 2): %v", err)
	}

	if addr1 != addr2 {
		t.Fatalf("two tasks mapping the same region got different addresses: %s vs %s", addr1, addr2)
	}

	if err := m.Unmap(addr1, 1); err != nil {
		t.Fatalf("Unmap(task 1): %v", err)
	}

	if got := h.LiveBytes(); got != before {
		t.Fatalf("LiveBytes after one of two unmaps = %d, want unchanged %d (region still referenced)", got, before)
	}

	if err := m.Unmap(addr2, 2); err != nil {
		t.Fatalf("Unmap(task 2): %v", err)
	}

	if got := h.LiveBytes(); got != before {
		t.Fatalf("LiveBytes after last unmap = %d, want unchanged %d (create's reference still held)", got, before)
	}
}

func TestMapUnknownHandle(t *testing.T) {
	t.Parallel()

	h := heap.New(4096, log.DefaultLogger())
	m := shm.New(h)

	_, err := m.Map(999, 1, 0, 16)
	if kind, ok := kerrno.Of(err); !ok || kind != kerrno.InvalidHandle {
		t.Fatalf("Map(unknown handle) = %v, want InvalidHandle", err)
	}
}

func TestMapRangeExceedsRegion(t *testing.T) {
	t.Parallel()

	h := heap.New(4096, log.DefaultLogger())
	m := shm.New(h)

	handle, err := m.Create(64)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = m.Map(handle, 1, 32, 64)
	if kind, ok := kerrno.Of(err); !ok || kind != kerrno.InvalidParameter {
		t.Fatalf("Map(out-of-range) = %v, want InvalidParameter", err)
	}
}

func TestUnmapUnknownAddress(t *testing.T) {
	t.Parallel()

	h := heap.New(4096, log.DefaultLogger())
	m := shm.New(h)

	err := m.Unmap(0x1234, 1)
	if kind, ok := kerrno.Of(err); !ok || kind != kerrno.InvalidAddress {
		t.Fatalf("Unmap(unknown) = %v, want InvalidAddress", err)
	}
}
