// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Command wonder_status prints pending/processed counts and oldest
// pending age for a rendezvous directory.
package main

import (
	"os"

	"github.com/professorwug/della-wonders/cmd"
)

func main() {
	root := cmd.NewStatusCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
