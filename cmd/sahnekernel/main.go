// cmd/sahnekernel is the command-line interface to the kernel simulation.
package main

import (
	"context"
	"os"

	"github.com/sahnekernel/sahnekernel/internal/cli"
	"github.com/sahnekernel/sahnekernel/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Boot(),
}

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
