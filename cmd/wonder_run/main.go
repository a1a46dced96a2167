// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Command wonder_run spawns a program with its outbound HTTP traffic
// tunneled through the della-wonders rendezvous proxy.
package main

import (
	"os"

	"github.com/professorwug/della-wonders/cmd"
)

func main() {
	root := cmd.NewRunCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
