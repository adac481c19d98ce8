package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/opd-ai/peerdrop"
	"github.com/opd-ai/peerdrop/file"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <ticket> <path>",
	Short: "Send a file or directory to the peer named by a ticket",
	Args:  cobra.ExactArgs(2),
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The sender only dials out.
	cfg.Node.Listen = nil
	cfg.Relay.Servers = nil

	node, err := peerdrop.New(cfg)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if err := node.Start(ctx); err != nil {
		return err
	}

	events, unsubscribe := node.Subscribe()
	defer unsubscribe()

	out := cmd.OutOrStdout()
	if fi, err := os.Stat(args[1]); err == nil && fi.IsDir() {
		return sendDir(ctx, out, node, events, args[0], args[1])
	}

	s, err := node.Send(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Offering %s (%s) to %s\n", s.Descriptor().Name, formatBytes(s.Descriptor().Size), s.Peer().Short())

	go printProgress(out, events, s.ID())

	// Interrupts reach the session through ctx, so Wait always returns.
	if err := s.Wait(context.Background()); err != nil {
		return err
	}
	if s.State() != file.StateCompleted {
		return fmt.Errorf("transfer %s", s.State())
	}
	fmt.Fprintln(out, "Transfer complete")
	return nil
}

func sendDir(ctx context.Context, out io.Writer, node *peerdrop.Node, events <-chan file.Event, ticketStr, dir string) error {
	d, err := node.SendDir(ctx, ticketStr, dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Offering %s: %d files (%s)\n", d.Root(), len(d.Files()), formatBytes(d.Size()))
	go printEvents(out, events)

	if err := d.Wait(context.Background()); err != nil {
		return err
	}
	for _, s := range d.Sessions() {
		if s.State() != file.StateCompleted {
			return fmt.Errorf("%s: transfer %s", s.Descriptor().Name, s.State())
		}
	}
	fmt.Fprintln(out, "Transfer complete")
	return nil
}
