// Package tty adapts a Unix terminal into a kernel resource driver.
//
// It is the one real device driver kept in this repository: the kernel core
// treats drivers as external collaborators (see rsrc.Driver), and this
// package exercises that contract end to end using the host terminal as a
// stand-in for a UART, the way the specification's "console" resource is
// meant to work.
package tty

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sahnekernel/sahnekernel/internal/kernel/rsrc"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned if standard input is not a terminal. In this case, asynchronous I/O is
// not supported by the console.
var ErrNoTTY error = errors.New("console: not a TTY")

// Console is a serial console for the kernel, simulated using Unix terminal I/O[^1].
//
// Bytes typed at the terminal are buffered and made available through [Console.Read]; bytes
// written through [Console.Write] are rendered on the terminal immediately. It implements
// [rsrc.Driver] so it can be registered with the resource manager under the "console" identifier.
//
// [1]: See: tty(4), termios(4).
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	mu  sync.Mutex
	buf bytes.Buffer

	cancel context.CancelFunc
}

// NewConsole creates a Console using the provided streams. If the input stream is not a terminal,
// ErrNoTTY is returned. Callers are responsible for calling [Console.Close] to return the terminal
// to its initial state.
func NewConsole(sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTTY, err)
	}

	cons := &Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sout, ""),
		state: saved,
	}

	if err := cons.setTerminalParams(1, 0); err != nil {
		_ = term.Restore(fd, saved)
		return nil, err
	}

	return cons, nil
}

// Open starts the background reader that copies terminal input into the console's buffer. It
// satisfies [rsrc.Driver].
func (c *Console) Open() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.readTerminal(ctx)

	return nil
}

// Read copies buffered terminal input into p, blocking until at least one byte is available or
// the console is closed. The offset is ignored; the console is a byte stream, not addressable.
func (c *Console) Read(p []byte, _ int64) (int, error) {
	for {
		c.mu.Lock()
		if c.buf.Len() > 0 {
			n, _ := c.buf.Read(p)
			c.mu.Unlock()

			return n, nil
		}
		c.mu.Unlock()

		if c.cancel == nil {
			return 0, nil
		}

		time.Sleep(time.Millisecond)
	}
}

// Write renders p on the terminal.
func (c *Console) Write(p []byte, _ int64) (int, error) {
	return c.out.Write(p)
}

// Close restores the terminal to its initial state and stops the background reader.
func (c *Console) Close() error {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	_ = os.Stdin.SetReadDeadline(time.Now())

	return term.Restore(c.fd, c.state)
}

// Capabilities reports that the console is a readable, writable byte stream.
func (c *Console) Capabilities() rsrc.Capability {
	return rsrc.Readable | rsrc.Writable
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = os.Stdin.SetReadDeadline(time.Time{})

	return nil
}

// readTerminal reads bytes from the terminal into the console's buffer until ctx is cancelled.
func (c *Console) readTerminal(ctx context.Context) {
	reader := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := reader.ReadByte()
		if err != nil {
			return
		}

		c.mu.Lock()
		c.buf.WriteByte(b)
		c.mu.Unlock()
	}
}
