package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/opd-ai/peerdrop/chunk"
)

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:       defaultDataDir(),
			Identity:      "identity.key",
			Listen:        []string{"0.0.0.0:4100"},
			PersistResume: true,
		},
		Relay: RelayConfig{
			Listen:        "0.0.0.0:4200",
			AcceptTimeout: Duration{10 * time.Second},
			BackoffMax:    Duration{30 * time.Second},
		},
		Connect: ConnectConfig{
			DialTimeout:      Duration{3 * time.Second},
			HandshakeTimeout: Duration{5 * time.Second},
			ResolveTimeout:   Duration{20 * time.Second},
			IdleTimeout:      Duration{2 * time.Minute},
			PingInterval:     Duration{15 * time.Second},
			LivenessTimeout:  Duration{45 * time.Second},
			WriteTimeout:     Duration{30 * time.Second},
		},
		Transfer: TransferConfig{
			ChunkSize:        chunk.DefaultChunkSize,
			Window:           8,
			ChunkTimeout:     Duration{10 * time.Second},
			ChunkRetries:     1,
			HashRetries:      3,
			ResumeAttempts:   5,
			ResumeTimeout:    Duration{60 * time.Second},
			ResumeBackoff:    Duration{500 * time.Millisecond},
			NegotiateTimeout: Duration{30 * time.Second},
			DownloadDir:      ".",
		},
		Bridge: BridgeConfig{
			Listen:        "127.0.0.1:0",
			TunnelTimeout: Duration{30 * time.Second},
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:4300",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "peerdrop")
	}
	return ".peerdrop"
}
