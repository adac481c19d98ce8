package main

import (
	"fmt"

	"github.com/opd-ai/peerdrop"
	"github.com/spf13/cobra"
)

var webListen string

var webCmd = &cobra.Command{
	Use:   "web <path>",
	Short: "Serve a file over HTTP with range support",
	Args:  cobra.ExactArgs(1),
	RunE:  runWeb,
}

func init() {
	webCmd.Flags().StringVar(&webListen, "http", "", "HTTP listen address (overrides config bridge.listen)")
}

func runWeb(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if webListen != "" {
		cfg.Bridge.Listen = webListen
	}

	node, err := peerdrop.New(cfg)
	if err != nil {
		return err
	}
	defer node.Close()

	b, err := node.Share(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s at %s\n", args[0], b.URL())
	select {
	case <-ctx.Done():
	case <-b.Done():
	}
	return b.Close()
}
