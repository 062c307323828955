package boot

import (
	"io"

	"github.com/sahnekernel/sahnekernel/internal/encoding"
	"github.com/sahnekernel/sahnekernel/internal/kernel/heap"
)

// imageChunkSize is how many bytes DumpImage packs per Intel Hex data record; Intel Hex encodes a
// record's length in a single byte, so any value up to 255 would do, but 16 matches the teacher's
// own tooling's convention for LC-3 object dumps.
const imageChunkSize = 16

// LoadImage reads an Intel Hex-encoded memory snapshot from r and writes each record into the
// kernel's heap at its recorded address. This is the teacher's own LC-3 object-file format,
// repurposed here to seed a task's memory (stack contents, resource names, program data) before
// it is spawned, rather than to load an assembled LC-3 program.
func LoadImage(k *Kernel, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	var enc encoding.HexEncoding
	if err := enc.UnmarshalText(data); err != nil {
		return err
	}

	for _, rec := range enc.Records() {
		if err := k.Heap.WriteAt(heap.Addr(rec.Addr), rec.Data); err != nil {
			return err
		}
	}

	return nil
}

// DumpImage renders every byte in [start, start+size) of the kernel's heap as an Intel Hex memory
// snapshot, the inverse of LoadImage, useful for diagnostics the way the teacher's tooling dumped
// LC-3 memory for inspection.
func DumpImage(k *Kernel, start heap.Addr, size uint64) ([]byte, error) {
	var enc encoding.HexEncoding

	buf := make([]byte, imageChunkSize)

	for off := uint64(0); off < size; off += imageChunkSize {
		n := imageChunkSize
		if off+imageChunkSize > size {
			n = int(size - off)
		}

		if err := k.Heap.ReadAt(start+heap.Addr(off), buf[:n]); err != nil {
			return nil, err
		}

		rec := make([]byte, n)
		copy(rec, buf[:n])
		enc.Add(uint32(start)+uint32(off), rec)
	}

	return enc.MarshalText()
}
