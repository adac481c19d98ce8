package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoadOrCreateIdentity reads a hex-encoded secret key from path, creating
// and persisting a fresh key pair when the file does not exist.
func LoadOrCreateIdentity(path string) (*KeyPair, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "LoadOrCreateIdentity",
		"path":     path,
	})

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		kp, err := decodeIdentity(data)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", path, err)
		}
		logger.WithField("peer", kp.PeerID().Short()).Debug("Loaded identity")
		return kp, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read identity: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(path, kp); err != nil {
		return nil, err
	}
	logger.WithField("peer", kp.PeerID().Short()).Info("Created new identity")
	return kp, nil
}

// SaveIdentity writes the secret key to path with owner-only permissions.
func SaveIdentity(path string, kp *KeyPair) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create identity dir: %w", err)
		}
	}
	encoded := hex.EncodeToString(kp.Private[:]) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

func decodeIdentity(data []byte) (*KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("decode key: expected 32 bytes, got %d", len(raw))
	}
	var secret [32]byte
	copy(secret[:], raw)
	ZeroBytes(raw)
	return FromSecretKey(secret)
}
