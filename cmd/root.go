// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package cmd wires the three CLI entry points named in spec §6:
// wonder_run, start_wonders, and wonder_status. Each is its own top-level
// cobra command, built by its own thin main package, sharing the
// --shared-dir/--proxy-port/--verbose flag surface and logging setup
// defined here.
package cmd

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/professorwug/della-wonders/internal/config"
)

var (
	sharedDir string
	proxyPort int
	verbose   bool
)

// defaultShutdownGrace mirrors the 30s drain window spec §5 mandates for
// graceful shutdown of either daemon.
const defaultShutdownGrace = 30 * time.Second

// AddCommonFlags registers the --shared-dir/--proxy-port/--verbose flags
// shared by all three CLI entry points.
func AddCommonFlags(c *cobra.Command) {
	c.Flags().StringVar(&sharedDir, "shared-dir", config.SharedDir(), "rendezvous directory root")
	c.Flags().IntVar(&proxyPort, "proxy-port", config.ProxyPort(), "intercepting proxy listen port")
	c.Flags().BoolVar(&verbose, "verbose", config.Verbose(), "enable debug logging")
}

// ConfigureLogging sets zerolog's global level and time format, mirroring
// the teacher's main.go setup.
func ConfigureLogging() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level := config.LogLevel()
	if verbose {
		level = "debug"
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	log.Logger = log.Level(parsed)
}
