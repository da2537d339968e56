// Package main is the entry point for the ouro CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"ouro/pkg/protocol"
	"ouro/pkg/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process exit status. A relaunch
// request exits with protocol.ExitRestart so an external process manager
// starts a fresh supervisor.
func exitCode(err error) int {
	if errors.Is(err, supervisor.ErrRelaunch) {
		return protocol.ExitRestart
	}
	fmt.Fprintf(os.Stderr, "ouro: %v\n", err)
	return 1
}
