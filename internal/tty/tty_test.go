// The test is skipped when stdin is not a terminal (ErrNoTTY). Notably, this includes when run
// with "go test" because it redirects tests' standard input/output streams. You can test it by
// building a test binary and running it directly:
//
//	$ go test -c && ./tty.test
package tty_test

import (
	"errors"
	"os"
	"testing"

	"github.com/sahnekernel/sahnekernel/internal/kernel/rsrc"
	"github.com/sahnekernel/sahnekernel/internal/tty"
)

func TestConsole(t *testing.T) {
	console, err := tty.NewConsole(os.Stdin, os.Stdout)
	if errors.Is(err, tty.ErrNoTTY) {
		t.Skipf("not a tty: %s", err)
	}

	if err != nil {
		t.Fatalf("NewConsole: %s", err)
	}

	defer func() {
		if err := console.Close(); err != nil {
			t.Errorf("Close: %s", err)
		}
	}()

	if err := console.Open(); err != nil {
		t.Errorf("Open: %s", err)
	}

	n, err := console.Write([]byte("ready\r\n"), 0)
	if err != nil {
		t.Errorf("Write: %s", err)
	}

	if n != len("ready\r\n") {
		t.Errorf("Write: wrote %d bytes, want %d", n, len("ready\r\n"))
	}

	if caps := console.Capabilities(); caps&(rsrc.Readable|rsrc.Writable) != (rsrc.Readable | rsrc.Writable) {
		t.Errorf("Capabilities: %v, want readable|writable", caps)
	}
}
