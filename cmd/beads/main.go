// Package main provides beads, a CLI front end that exercises the
// persistence engine's programmatic interface.
package main

import (
	"os"

	"github.com/hotschmoe/beads/internal/cli"
)

func main() {
	exitCode := cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args)

	os.Exit(exitCode)
}
