package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/multiformats/go-multiaddr"
	"github.com/opd-ai/peerdrop/bridge"
	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/limits"
	"github.com/opd-ai/peerdrop/transport"
	"github.com/sirupsen/logrus"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Load reads configuration from path on top of the defaults. An empty path
// or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     path,
		}).Debug("Config file not found, using defaults")
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     path,
			"keys":     fmt.Sprint(undecoded),
		}).Warn("Ignoring unknown config keys")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write encodes cfg as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Validate checks the settings that would otherwise fail deep inside a
// session.
func (c *Config) Validate() error {
	if err := limits.ValidateChunkSize(c.Transfer.ChunkSize); err != nil {
		return fmt.Errorf("%w: transfer.chunkSize: %v", ErrInvalid, err)
	}
	if c.Transfer.Window <= 0 {
		return fmt.Errorf("%w: transfer.window must be positive", ErrInvalid)
	}
	if c.Transfer.ChunkRetries < 0 || c.Transfer.HashRetries < 0 || c.Transfer.ResumeAttempts < 0 {
		return fmt.Errorf("%w: transfer retry counts must not be negative", ErrInvalid)
	}
	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"transfer.chunkTimeout", c.Transfer.ChunkTimeout},
		{"transfer.resumeTimeout", c.Transfer.ResumeTimeout},
		{"transfer.negotiateTimeout", c.Transfer.NegotiateTimeout},
		{"connect.dialTimeout", c.Connect.DialTimeout},
		{"connect.handshakeTimeout", c.Connect.HandshakeTimeout},
		{"connect.resolveTimeout", c.Connect.ResolveTimeout},
	} {
		if d.v.Duration <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, d.name)
		}
	}
	if c.Connect.LivenessTimeout.Duration > 0 && c.Connect.LivenessTimeout.Duration <= c.Connect.PingInterval.Duration {
		return fmt.Errorf("%w: connect.livenessTimeout must exceed connect.pingInterval", ErrInvalid)
	}
	if _, err := c.PublicAddrs(); err != nil {
		return err
	}
	if _, err := c.RelayServers(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// IdentityPath resolves the identity key file against the data directory.
func (c *Config) IdentityPath() string {
	if filepath.IsAbs(c.Node.Identity) || c.Node.DataDir == "" {
		return c.Node.Identity
	}
	return filepath.Join(c.Node.DataDir, c.Node.Identity)
}

// ResumeDir is where receiver progress records are kept, or "" when
// persistence is disabled.
func (c *Config) ResumeDir() string {
	if !c.Node.PersistResume || c.Node.DataDir == "" {
		return ""
	}
	return filepath.Join(c.Node.DataDir, "resume")
}

// PublicAddrs parses node.publicAddrs.
func (c *Config) PublicAddrs() ([]multiaddr.Multiaddr, error) {
	return parseAddrs("node.publicAddrs", c.Node.PublicAddrs)
}

// RelayServers parses relay.servers.
func (c *Config) RelayServers() ([]multiaddr.Multiaddr, error) {
	return parseAddrs("relay.servers", c.Relay.Servers)
}

func parseAddrs(key string, in []string) ([]multiaddr.Multiaddr, error) {
	out := make([]multiaddr.Multiaddr, 0, len(in))
	for _, s := range in {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %q: %v", ErrInvalid, key, s, err)
		}
		out = append(out, ma)
	}
	return out, nil
}

// TransportOptions converts the connect and relay sections.
func (c *Config) TransportOptions() *transport.Options {
	opts := transport.NewOptions()
	opts.DialTimeout = c.Connect.DialTimeout.Duration
	opts.HandshakeTimeout = c.Connect.HandshakeTimeout.Duration
	opts.IdleTimeout = c.Connect.IdleTimeout.Duration
	opts.PingInterval = c.Connect.PingInterval.Duration
	opts.LivenessTimeout = c.Connect.LivenessTimeout.Duration
	opts.WriteTimeout = c.Connect.WriteTimeout.Duration
	if c.Relay.BackoffMax.Duration > 0 {
		opts.RelayBackoffMax = c.Relay.BackoffMax.Duration
	}
	// Validate has already rejected malformed addresses.
	opts.PublicAddrs, _ = c.PublicAddrs()
	return opts
}

// FileOptions converts the transfer section.
func (c *Config) FileOptions() *file.Options {
	return &file.Options{
		ChunkSize:        c.Transfer.ChunkSize,
		Window:           c.Transfer.Window,
		ChunkTimeout:     c.Transfer.ChunkTimeout.Duration,
		ChunkRetries:     c.Transfer.ChunkRetries,
		HashRetries:      c.Transfer.HashRetries,
		ResumeAttempts:   c.Transfer.ResumeAttempts,
		ResumeTimeout:    c.Transfer.ResumeTimeout.Duration,
		ResumeBackoff:    c.Transfer.ResumeBackoff.Duration,
		NegotiateTimeout: c.Transfer.NegotiateTimeout.Duration,
		ResolveTimeout:   c.Connect.ResolveTimeout.Duration,
		DownloadDir:      c.Transfer.DownloadDir,
	}
}

// BridgeOptions converts the bridge section.
func (c *Config) BridgeOptions() *bridge.Options {
	opts := bridge.NewOptions()
	if c.Bridge.Listen != "" {
		opts.ListenAddr = c.Bridge.Listen
	}
	if c.Bridge.TunnelTimeout.Duration > 0 {
		opts.TunnelTimeout = c.Bridge.TunnelTimeout.Duration
	}
	return opts
}

// ApplyLogging configures the standard logrus logger.
func (c *Config) ApplyLogging() error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	logrus.SetLevel(level)
	if c.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
