// Package dmcrypto provides per-conversation authenticated encryption for
// direct messages. Conversation keys are derived from one process-wide
// master key with HMAC-SHA256 and are never persisted; messages are sealed
// with AES-256-GCM and a fresh 96-bit nonce.
package dmcrypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the length of the master key and of every derived key.
const KeySize = 32

// devSecretFallback seeds the development key when APP_SECRET is unset.
const devSecretFallback = "roomchat-dev-secret"

var (
	// ErrNoMasterKey is returned in production when MASTER_KEY is unset.
	ErrNoMasterKey = errors.New("dmcrypto: master key is required in production")
	// ErrPlaceholderKey is returned in production for a recognizable dev or dummy key.
	ErrPlaceholderKey = errors.New("dmcrypto: master key looks like a placeholder")
	// ErrBadMasterKey is returned for a key that is not 64 hex characters.
	ErrBadMasterKey = errors.New("dmcrypto: master key must be 64 hex characters")
)

// noCopy flags accidental copies under go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// MasterKey holds the 32-byte master secret. Pass it by pointer; it must not
// be copied.
type MasterKey struct {
	_ noCopy
	k [KeySize]byte
}

// ParseMasterKey decodes a 64-character hex string.
func ParseMasterKey(s string) (*MasterKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != KeySize {
		return nil, ErrBadMasterKey
	}
	m := &MasterKey{}
	copy(m.k[:], raw)
	wipe(raw)
	return m, nil
}

// DevMasterKey derives a development key as SHA-256 of the process secret.
func DevMasterKey(secret string) *MasterKey {
	if secret == "" {
		secret = devSecretFallback
	}
	return &MasterKey{k: sha256.Sum256([]byte(secret))}
}

// LoadMasterKey resolves the master key from its configured inputs. In
// production the hex key is mandatory and must not be a placeholder; in
// development an absent key falls back to DevMasterKey(appSecret).
func LoadMasterKey(hexKey, appSecret string, production bool) (*MasterKey, error) {
	if strings.TrimSpace(hexKey) == "" {
		if production {
			return nil, ErrNoMasterKey
		}
		return DevMasterKey(appSecret), nil
	}
	m, err := ParseMasterKey(hexKey)
	if err != nil {
		return nil, err
	}
	if production && m.isPlaceholder(appSecret) {
		m.Wipe()
		return nil, ErrPlaceholderKey
	}
	return m, nil
}

// isPlaceholder recognizes keys that are obviously not random: a single
// repeated byte, a counting sequence, or any key the dev fallback produces.
func (m *MasterKey) isPlaceholder(appSecret string) bool {
	k := m.k[:]
	if bytes.Count(k, k[:1]) == KeySize {
		return true
	}
	seq := true
	for i := 1; i < KeySize; i++ {
		if k[i] != k[i-1]+1 {
			seq = false
			break
		}
	}
	if seq {
		return true
	}
	for _, s := range []string{appSecret, devSecretFallback, ""} {
		d := sha256.Sum256([]byte(s))
		if bytes.Equal(k, d[:]) {
			return true
		}
	}
	return false
}

// Wipe zeroes the key material.
func (m *MasterKey) Wipe() { wipe(m.k[:]) }

// String never reveals key material.
func (m *MasterKey) String() string { return "dmcrypto.MasterKey(redacted)" }

// GoString never reveals key material.
func (m *MasterKey) GoString() string { return m.String() }

// NewMasterKeyHex returns a fresh random key encoded as hex.
func NewMasterKeyHex() (string, error) {
	var k [KeySize]byte
	if _, err := randRead(k[:]); err != nil {
		return "", fmt.Errorf("dmcrypto: read random: %w", err)
	}
	out := hex.EncodeToString(k[:])
	wipe(k[:])
	return out, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
