// Package config loads peerdrop settings from a TOML file.
package config

import (
	"time"
)

// Config holds every node setting.
type Config struct {
	Node     NodeConfig     `toml:"node"`
	Relay    RelayConfig    `toml:"relay"`
	Connect  ConnectConfig  `toml:"connect"`
	Transfer TransferConfig `toml:"transfer"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Control  ControlConfig  `toml:"control"`
	Log      LogConfig      `toml:"log"`
}

// NodeConfig holds identity and listener settings.
type NodeConfig struct {
	// DataDir holds the identity key and resume records.
	DataDir string `toml:"dataDir"`
	// Identity is the key file; relative paths are inside DataDir.
	Identity string `toml:"identity"`
	// Listen lists host:port addresses for direct connections.
	Listen []string `toml:"listen"`
	// PublicAddrs are multiaddrs advertised ahead of interface addresses.
	PublicAddrs []string `toml:"publicAddrs"`
	// PersistResume keeps receiver progress across restarts.
	PersistResume bool `toml:"persistResume"`
}

// RelayConfig holds relay client and relay server settings.
type RelayConfig struct {
	// Servers are relay multiaddrs to register with.
	Servers []string `toml:"servers"`
	// Listen is the relay server address for `peerdrop relay`.
	Listen string `toml:"listen"`
	// AcceptTimeout bounds how long the relay server waits for a target.
	AcceptTimeout Duration `toml:"acceptTimeout"`
	// BackoffMax caps the re-registration delay.
	BackoffMax Duration `toml:"backoffMax"`
}

// ConnectConfig holds connection establishment and liveness settings.
type ConnectConfig struct {
	DialTimeout      Duration `toml:"dialTimeout"`
	HandshakeTimeout Duration `toml:"handshakeTimeout"`
	ResolveTimeout   Duration `toml:"resolveTimeout"`
	IdleTimeout      Duration `toml:"idleTimeout"`
	PingInterval     Duration `toml:"pingInterval"`
	LivenessTimeout  Duration `toml:"livenessTimeout"`
	WriteTimeout     Duration `toml:"writeTimeout"`
}

// TransferConfig holds session settings.
type TransferConfig struct {
	ChunkSize        uint32   `toml:"chunkSize"`
	Window           int      `toml:"window"`
	ChunkTimeout     Duration `toml:"chunkTimeout"`
	ChunkRetries     int      `toml:"chunkRetries"`
	HashRetries      int      `toml:"hashRetries"`
	ResumeAttempts   int      `toml:"resumeAttempts"`
	ResumeTimeout    Duration `toml:"resumeTimeout"`
	ResumeBackoff    Duration `toml:"resumeBackoff"`
	NegotiateTimeout Duration `toml:"negotiateTimeout"`
	DownloadDir      string   `toml:"downloadDir"`
	// AutoAccept accepts every offer without asking.
	AutoAccept bool `toml:"autoAccept"`
}

// BridgeConfig holds web bridge settings.
type BridgeConfig struct {
	Listen        string   `toml:"listen"`
	TunnelTimeout Duration `toml:"tunnelTimeout"`
}

// ControlConfig holds control API settings.
type ControlConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is a logrus level name.
	Level string `toml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format"`
}

// Duration wraps time.Duration for TOML parsing
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
