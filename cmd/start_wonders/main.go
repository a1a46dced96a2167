// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Command start_wonders runs the Internet-side forwarder daemon that
// drains the rendezvous directory and executes requests against the real
// network.
package main

import (
	"os"

	"github.com/professorwug/della-wonders/cmd"
)

func main() {
	root := cmd.NewWondersCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
