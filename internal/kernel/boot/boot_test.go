package boot_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/sahnekernel/sahnekernel/internal/encoding"
	"github.com/sahnekernel/sahnekernel/internal/kernel/boot"
	"github.com/sahnekernel/sahnekernel/internal/kernel/rsrc"
	"github.com/sahnekernel/sahnekernel/internal/kernel/sched"
	"github.com/sahnekernel/sahnekernel/internal/log"
)

func newKernel(t *testing.T) *boot.Kernel {
	t.Helper()
	return boot.New(boot.Config{HeapSize: 4096}, log.NewFormattedLogger(io.Discard))
}

func TestNewWiresAllSubsystems(t *testing.T) {
	t.Parallel()

	k := newKernel(t)

	for name, v := range map[string]any{
		"Heap": k.Heap, "Resources": k.Resources, "Sched": k.Sched,
		"Sync": k.Sync, "Shm": k.Shm, "Syscalls": k.Syscalls, "Trap": k.Trap,
	} {
		if v == nil {
			t.Errorf("Kernel.%s is nil after New", name)
		}
	}
}

func TestRegisterConsoleExposesItUnderWellKnownName(t *testing.T) {
	t.Parallel()

	k := newKernel(t)
	k.RegisterConsole(&noopDriver{})

	if _, err := k.Resources.Lookup("console"); err != nil {
		t.Errorf("Lookup(console) after RegisterConsole: %s", err)
	}
}

func TestSpawnAndRunToCompletion(t *testing.T) {
	t.Parallel()

	k := newKernel(t)

	exited := make(chan struct{})
	entry := func(ctx context.Context, self *sched.Task, arg uint64) {
		close(exited)
	}

	if _, err := k.Spawn(context.Background(), entry, sched.DefaultStackSize, 0); err != nil {
		t.Fatalf("Spawn: %s", err)
	}

	k.Run(context.Background())

	select {
	case <-exited:
	default:
		t.Error("task entry never ran")
	}
}

func TestLoadAndDumpImageRoundTrip(t *testing.T) {
	t.Parallel()

	k := newKernel(t)

	addr, err := k.Heap.Allocate(32, 1)
	if err != nil {
		t.Fatalf("Allocate: %s", err)
	}

	want := []byte("deadbeef is not a real cpu")

	var fixture encoding.HexEncoding
	fixture.Add(uint32(addr), want)

	hexText, err := fixture.MarshalText()
	if err != nil {
		t.Fatalf("marshalling test fixture: %s", err)
	}

	if err := boot.LoadImage(k, bytes.NewReader(hexText)); err != nil {
		t.Fatalf("LoadImage: %s", err)
	}

	got := make([]byte, len(want))
	if err := k.Heap.ReadAt(addr, got); err != nil {
		t.Fatalf("ReadAt after LoadImage: %s", err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("heap contents after LoadImage = %q, want %q", got, want)
	}

	dumped, err := boot.DumpImage(k, addr, uint64(len(want)))
	if err != nil {
		t.Fatalf("DumpImage: %s", err)
	}

	var reloaded encoding.HexEncoding
	if err := reloaded.UnmarshalText(dumped); err != nil {
		t.Fatalf("UnmarshalText(DumpImage output): %s", err)
	}

	var roundTripped []byte
	for _, rec := range reloaded.Records() {
		roundTripped = append(roundTripped, rec.Data...)
	}

	if !bytes.Equal(roundTripped, want) {
		t.Errorf("DumpImage round trip = %q, want %q", roundTripped, want)
	}
}

type noopDriver struct{}

func (noopDriver) Open() error                          { return nil }
func (noopDriver) Close() error                         { return nil }
func (noopDriver) Read(p []byte, _ int64) (int, error)  { return 0, io.EOF }
func (noopDriver) Write(p []byte, _ int64) (int, error) { return len(p), nil }
func (noopDriver) Capabilities() rsrc.Capability        { return rsrc.Readable | rsrc.Writable }
