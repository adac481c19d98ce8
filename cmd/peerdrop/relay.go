package main

import (
	"fmt"

	"github.com/opd-ai/peerdrop/transport"
	"github.com/spf13/cobra"
)

var relayListen string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay for peers that cannot accept direct connections",
	Args:  cobra.NoArgs,
	RunE:  runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayListen, "addr", "", "Relay listen address (overrides config relay.listen)")
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Relay.Listen
	if relayListen != "" {
		addr = relayListen
	}

	srv, err := transport.NewRelayServer(addr, cfg.Relay.AcceptTimeout.Duration)
	if err != nil {
		return err
	}
	defer srv.Close()

	ma, err := srv.Multiaddr()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s\n", ma)

	ctx, cancel := signalContext()
	defer cancel()
	return srv.Serve(ctx)
}
