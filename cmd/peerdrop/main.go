// Command peerdrop sends and receives files peer to peer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/opd-ai/peerdrop/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dataDir    string
	logLevel   string
	logFormat  string
	relays     []string
	listen     []string
)

var rootCmd = &cobra.Command{
	Use:   "peerdrop",
	Short: "Send files directly between peers",
	Long: `peerdrop sends files directly between two machines.

The receiver prints a ticket; the sender passes that ticket to "peerdrop send"
together with a file. Transfers are encrypted end to end, verified chunk by
chunk and resume after interruptions. "peerdrop web" serves a file over HTTP
for recipients without peerdrop.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for identity and resume state (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides config)")
	rootCmd.PersistentFlags().StringSliceVar(&relays, "relay", nil, "Relay multiaddr to register with (repeatable)")
	rootCmd.PersistentFlags().StringSliceVar(&listen, "listen", nil, "Listen address host:port (repeatable)")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(webCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(ticketCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the config file and applies command-line overrides and
// logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Node.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = strings.ToLower(logLevel)
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if len(relays) > 0 {
		cfg.Relay.Servers = relays
	}
	if len(listen) > 0 {
		cfg.Node.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
