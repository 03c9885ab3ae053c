package dmcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
)

const (
	// NonceSize is the AES-GCM nonce length (96 bits).
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16
)

// ErrInvalidTag is returned when a ciphertext fails authentication, either
// because it was tampered with or because the wrong key was used.
var ErrInvalidTag = errors.New("dmcrypto: message authentication failed")

// randRead is swapped in tests.
var randRead = rand.Read

// ConversationID returns the stable identifier of the unordered pair (a, b):
// "min:max".
func ConversationID(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

// DeriveKey returns HMAC-SHA256(master, conversationID).
func DeriveKey(master *MasterKey, conversationID string) [KeySize]byte {
	mac := hmac.New(sha256.New, master.k[:])
	mac.Write([]byte(conversationID))
	var out [KeySize]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("dmcrypto: create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm, nil
}

// Seal encrypts plaintext under key with a fresh random nonce. The tag is
// returned separately from the ciphertext. No associated data is bound.
func Seal(key [KeySize]byte, plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	gcm, err := newGCM(key[:])
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, NonceSize)
	if _, err := randRead(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("dmcrypto: read nonce: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - TagSize
	ciphertext = sealed[:split:split]
	tag = append([]byte(nil), sealed[split:]...)
	return ciphertext, iv, tag, nil
}

// Open authenticates and decrypts. Any failure, including malformed iv or
// tag lengths, is reported as ErrInvalidTag.
func Open(key [KeySize]byte, ciphertext, iv, tag []byte) ([]byte, error) {
	if len(iv) != NonceSize || len(tag) != TagSize {
		return nil, ErrInvalidTag
	}
	gcm, err := newGCM(key[:])
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrInvalidTag
	}
	return plain, nil
}
