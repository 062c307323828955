package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sahnekernel/sahnekernel/internal/cli"
	"github.com/sahnekernel/sahnekernel/internal/kernel/boot"
	"github.com/sahnekernel/sahnekernel/internal/kernel/sched"
	"github.com/sahnekernel/sahnekernel/internal/log"
	"github.com/sahnekernel/sahnekernel/internal/tty"
)

// Boot is the command that starts the kernel simulation against the host terminal as its console.
func Boot() cli.Command {
	return new(bootCmd)
}

type bootCmd struct {
	heapSize uint64
	image    string
	debug    bool
}

func (bootCmd) Description() string {
	return "boot the kernel and run its demo task"
}

func (c bootCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
boot [ -heap bytes | -image path | -debug ]

Boot the kernel: allocate its heap, optionally load an Intel Hex memory image into it, register
the host terminal as the console resource, spawn a demo task, and run until the task exits. The
demo task does not acquire the console.`)

	return err
}

func (c *bootCmd) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)

	fs.Uint64Var(&c.heapSize, "heap", boot.DefaultHeapSize, "heap arena size in bytes")
	fs.StringVar(&c.image, "image", "", "path to an Intel Hex memory image to load before boot")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")

	return fs
}

func (c *bootCmd) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if c.debug {
		log.LogLevel.Set(log.Debug)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	k := boot.New(boot.Config{HeapSize: c.heapSize, TickInterval: time.Millisecond}, logger)

	if c.image != "" {
		f, err := os.Open(c.image)
		if err != nil {
			fmt.Fprintf(out, "boot: opening image %s: %s\n", c.image, err)
			return 1
		}

		err = boot.LoadImage(k, f)
		f.Close()

		if err != nil {
			fmt.Fprintf(out, "boot: loading image %s: %s\n", c.image, err)
			return 1
		}
	}

	console, err := tty.NewConsole(os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(out, "boot: no console available: %s\n", err)
	} else {
		defer console.Close()
		k.RegisterConsole(console)
	}

	_, err = k.Spawn(ctx, demoTask, sched.DefaultStackSize, 0)
	if err != nil {
		fmt.Fprintf(out, "boot: spawning demo task: %s\n", err)
		return 1
	}

	k.Run(ctx)

	return 0
}

// demoTask is a minimal task body: it checks its context for cancellation a few times, then
// exits. It does not call the scheduler.
func demoTask(ctx context.Context, self *sched.Task, arg uint64) {
	for i := 0; i < 3; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
