package main

import (
	"bytes"
	"testing"

	"github.com/multiformats/go-multiaddr"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{256 * 1024, "256.0 KiB"},
		{10 << 20, "10.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestDescribe(t *testing.T) {
	info := file.Info{
		Direction: file.DirectionIncoming,
		Name:      "a.bin",
		State:     file.StateFailed,
		Reason:    file.ReasonTimeout,
	}
	assert.Equal(t, "incoming a.bin: failed (timeout)", describe(info))
}

func TestTicketCommandDecodes(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	addr, err := multiaddr.NewMultiaddr("/ip4/192.0.2.10/tcp/4100")
	require.NoError(t, err)
	tk, err := ticket.New(keys.PeerID(), []multiaddr.Multiaddr{addr}, nil)
	require.NoError(t, err)
	s, err := ticket.Encode(tk)
	require.NoError(t, err)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"ticket", s})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), keys.PeerID().String())
	assert.Contains(t, out.String(), "/ip4/192.0.2.10/tcp/4100")
	assert.NotContains(t, out.String(), "Relay:")
}

func TestTicketCommandRejectsGarbage(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"ticket", "not-a-ticket"})
	assert.Error(t, rootCmd.Execute())
}
