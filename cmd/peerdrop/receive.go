package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opd-ai/peerdrop"
	"github.com/opd-ai/peerdrop/file"
	"github.com/spf13/cobra"
)

var (
	receiveDir string
	receiveYes bool
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Print a ticket and receive offered files",
	Long: `Print this node's ticket and wait for offers. Each offer is confirmed
on the terminal unless --yes is given. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runReceive,
}

func init() {
	receiveCmd.Flags().StringVarP(&receiveDir, "dir", "d", "", "Directory for received files (overrides config)")
	receiveCmd.Flags().BoolVarP(&receiveYes, "yes", "y", false, "Accept every offer without asking")
}

func runReceive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if receiveDir != "" {
		cfg.Transfer.DownloadDir = receiveDir
	}
	if receiveYes {
		cfg.Transfer.AutoAccept = true
	}

	node, err := peerdrop.New(cfg)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, cancel := signalContext()
	defer cancel()

	proposals := make(chan file.Info, 8)
	if !cfg.Transfer.AutoAccept {
		node.OnProposal(func(info file.Info) {
			select {
			case proposals <- info:
			default:
				node.Reject(info.ID, "busy")
			}
		})
	}

	if err := node.Start(ctx); err != nil {
		return err
	}
	tk, err := node.TicketString()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Peer ID: %s\n", node.PeerID())
	fmt.Fprintf(out, "Ticket:  %s\n", tk)
	if addr := node.ControlAddr(); addr != nil {
		fmt.Fprintf(out, "Control: http://%s\n", addr)
	}

	events, unsubscribe := node.Subscribe()
	defer unsubscribe()
	go printEvents(out, events)

	answers := bufio.NewReader(cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Shutting down")
			return nil
		case info := <-proposals:
			decide(ctx, node, info, out, answers)
		}
	}
}

// decide asks on the terminal whether to accept an offer.
func decide(ctx context.Context, node *peerdrop.Node, info file.Info, out io.Writer, in *bufio.Reader) {
	fmt.Fprintf(out, "Accept %s (%s) from %s? [y/N] ", info.Name, formatBytes(info.Size), info.Peer.Short())
	answer := make(chan string, 1)
	go func() {
		line, _ := in.ReadString('\n')
		answer <- strings.TrimSpace(strings.ToLower(line))
	}()

	var reply string
	select {
	case <-ctx.Done():
		return
	case reply = <-answer:
	}

	if reply == "y" || reply == "yes" {
		if err := node.Accept(info.ID); err != nil {
			fmt.Fprintf(os.Stderr, "accept: %v\n", err)
		}
		return
	}
	if err := node.Reject(info.ID, file.RejectDeclined); err != nil {
		fmt.Fprintf(os.Stderr, "reject: %v\n", err)
	}
}
