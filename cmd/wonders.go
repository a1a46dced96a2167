// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/professorwug/della-wonders/internal/auth"
	"github.com/professorwug/della-wonders/internal/forwarder"
	"github.com/professorwug/della-wonders/internal/rendezvous"
	"github.com/professorwug/della-wonders/internal/security"
)

// NewWondersCommand builds the start_wonders command: the Internet-side
// forwarder daemon that drains the rendezvous directory.
func NewWondersCommand() *cobra.Command {
	var (
		blockDomains  []string
		signUpstream  bool
		gatewayKeyID  string
		gatewaySecret string
	)

	wonders := &cobra.Command{
		Use:           "start_wonders",
		Short:         "run the forwarder that executes rendezvous requests against the real network",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ConfigureLogging()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := rendezvous.Open(sharedDir, log.Logger)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to open rendezvous directory")
			}

			filter := security.New(blockDomains)

			fwdCfg := forwarder.DefaultConfig()
			if signUpstream {
				if gatewayKeyID == "" || gatewaySecret == "" {
					return fmt.Errorf("start_wonders: --sign-upstream requires --gateway-key-id and --gateway-secret")
				}
				fwdCfg.SignUpstream = auth.NewSigner(gatewayKeyID, gatewaySecret)
				log.Info().Str("gateway_key_id", gatewayKeyID).Msg("signing outbound requests for upstream gateway")
			}
			fwd := forwarder.New(fwdCfg, store, filter, log.Logger)

			ctx, cancel := context.WithCancel(context.Background())
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				<-stop
				log.Info().Msg("shutting down forwarder")
				cancel()
			}()

			log.Info().
				Str("shared_dir", sharedDir).
				Strs("block_domains", blockDomains).
				Msg("starting della-wonders forwarder")

			return fwd.Run(ctx)
		},
	}

	wonders.Flags().StringArrayVar(&blockDomains, "block-domain", nil, "domain to block (repeatable)")
	wonders.Flags().BoolVar(&signUpstream, "sign-upstream", false, "attach HMAC auth headers to outbound requests for an authenticated upstream gateway")
	wonders.Flags().StringVar(&gatewayKeyID, "gateway-key-id", "", "key id sent with --sign-upstream requests")
	wonders.Flags().StringVar(&gatewaySecret, "gateway-secret", "", "shared secret used to sign --sign-upstream requests")
	AddCommonFlags(wonders)

	return wonders
}
