package main

import (
	"fmt"
	"io"

	"github.com/opd-ai/peerdrop"
	"github.com/opd-ai/peerdrop/ticket"
	"github.com/spf13/cobra"
)

var ticketCmd = &cobra.Command{
	Use:   "ticket [ticket]",
	Short: "Decode a ticket, or print this node's ticket",
	Long: `With an argument, decode the ticket and print the peer and addresses it names.
Without one, bind the configured listeners and print this node's ticket.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTicket,
}

func runTicket(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		t, err := ticket.Decode(args[0])
		if err != nil {
			return err
		}
		printTicket(out, t)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	node, err := peerdrop.New(cfg)
	if err != nil {
		return err
	}
	defer node.Close()
	if err := node.Start(cmd.Context()); err != nil {
		return err
	}
	s, err := node.TicketString()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, s)
	return nil
}

func printTicket(out io.Writer, t *ticket.Ticket) {
	fmt.Fprintf(out, "Peer:  %s\n", t.Peer())
	for _, a := range t.Addrs() {
		fmt.Fprintf(out, "Addr:  %s\n", a)
	}
	if r := t.Relay(); r != nil {
		fmt.Fprintf(out, "Relay: %s\n", r)
	}
}
