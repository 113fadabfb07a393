package main

import (
	"os"

	"github.com/ivoronin/kdedup/internal/types"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run builds and executes the root command, translating cobra's own
// argument-parsing failures into ExitCliError and everything else into the
// exit code runKdedup decides on.
func run(args []string) int {
	exitCode := types.ExitOK
	root := newRootCmd(&exitCode)
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		return types.ExitCliError
	}
	return exitCode
}
