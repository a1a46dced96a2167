// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/professorwug/della-wonders/internal/config"
	"github.com/professorwug/della-wonders/internal/launcher"
	"github.com/professorwug/della-wonders/internal/proxy"
	"github.com/professorwug/della-wonders/internal/proxyca"
	"github.com/professorwug/della-wonders/internal/rendezvous"
)

// NewRunCommand builds the wonder_run command: spawn <program> with its
// outbound HTTP traffic directed at the local intercepting proxy.
func NewRunCommand() *cobra.Command {
	var (
		persistCA       bool
		responseTimeout time.Duration
	)

	run := &cobra.Command{
		Use:           "wonder_run <program> [args...]",
		Short:         "spawn a program with its HTTP traffic tunneled through the rendezvous proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ConfigureLogging()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				fmt.Fprintln(os.Stderr, "wonder_run: missing program to run")
				os.Exit(127)
			}
			program := args[0]
			programArgs := args[1:]

			store, err := rendezvous.Open(sharedDir, log.Logger)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}

			var authority *proxyca.Authority
			if persistCA {
				authority, err = proxyca.LoadOrCreate(sharedDir + "/ca")
			} else {
				authority, err = proxyca.New()
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}

			proxyCfg := proxy.DefaultConfig()
			proxyCfg.ListenAddr = fmt.Sprintf("127.0.0.1:%d", proxyPort)
			proxyCfg.SourceProcess = program
			proxyCfg.Verbose = verbose
			proxyCfg.ResponseTimeout = responseTimeout

			p, err := proxy.New(proxyCfg, store, authority)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			p.SetLogger(log.Logger)

			launchCfg := launcher.Config{
				SharedDir:               sharedDir,
				ProxyPort:               proxyPort,
				GracefulShutdownTimeout: defaultShutdownGrace,
			}

			result := launcher.Run(context.Background(), launchCfg, p, authority, program, programArgs, log.Logger)
			os.Exit(result.ExitCode)
			return nil
		},
	}

	run.Flags().BoolVar(&persistCA, "persist-ca", false, "persist the TLS interception CA under <shared-dir>/ca instead of regenerating it each launch")
	run.Flags().DurationVar(&responseTimeout, "response-timeout", config.ResponseTimeout(), "deadline from PUBLISHED to RECEIVED before a flow gets a gateway timeout")
	AddCommonFlags(run)
	// Stop parsing our own flags at the first positional argument so the
	// spawned program's own flags pass through untouched.
	run.Flags().SetInterspersed(false)

	return run
}
