// Package identity manages the daemon's Ed25519 device keypair: the
// device id is the hex SHA-256 digest of the public key, and Sign/Verify
// work over a fixed pipe-joined payload.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Identity holds a device's Ed25519 keypair and derived device id.
type Identity struct {
	Public   ed25519.PublicKey
	private  ed25519.PrivateKey
	DeviceID string
}

// Load reads the keypair from keyPath, generating and persisting a
// new one if the file does not exist.
func Load(keyPath string) (*Identity, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: key file %s has wrong size %d", keyPath, len(data))
		}
		return fromPrivateKey(ed25519.PrivateKey(data)), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read key file: %w", err)
	}

	_, priv, genErr := ed25519.GenerateKey(rand.Reader)
	if genErr != nil {
		return nil, fmt.Errorf("identity: generate key: %w", genErr)
	}
	if mkErr := os.MkdirAll(filepath.Dir(keyPath), 0o700); mkErr != nil {
		return nil, fmt.Errorf("identity: create key dir: %w", mkErr)
	}
	if writeErr := os.WriteFile(keyPath, priv, 0o600); writeErr != nil {
		return nil, fmt.Errorf("identity: write key file: %w", writeErr)
	}
	return fromPrivateKey(priv), nil
}

func fromPrivateKey(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &Identity{
		Public:   pub,
		private:  priv,
		DeviceID: hex.EncodeToString(sum[:]),
	}
}

// SignPayload builds the canonical pipe-joined payload for a
// device-to-controller message; Sign signs it and Verify checks it.
func SignPayload(deviceID, msgID string, tsMs int64, seq uint64) []byte {
	payload := strings.Join([]string{
		deviceID,
		msgID,
		strconv.FormatInt(tsMs, 10),
		strconv.FormatUint(seq, 10),
	}, "|")
	return []byte(payload)
}

// Sign signs the canonical payload for (msgID, tsMs, seq).
func (id *Identity) Sign(msgID string, tsMs int64, seq uint64) []byte {
	payload := SignPayload(id.DeviceID, msgID, tsMs, seq)
	return ed25519.Sign(id.private, payload)
}

// Verify checks sig against the canonical payload using pub.
func Verify(pub ed25519.PublicKey, deviceID, msgID string, tsMs int64, seq uint64, sig []byte) bool {
	payload := SignPayload(deviceID, msgID, tsMs, seq)
	return ed25519.Verify(pub, payload, sig)
}
