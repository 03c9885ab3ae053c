package dmcrypto

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrClosed is returned by a Keyring after Close.
var ErrClosed = errors.New("dmcrypto: keyring closed")

// Sealed is the stored form of one encrypted message.
type Sealed struct {
	ConversationID string
	Ciphertext     []byte
	IV             []byte
	Tag            []byte
}

// Keyring derives conversation keys from a master key and memoizes them in
// a bounded LRU. Evicted keys are zeroed. It is safe for concurrent use.
type Keyring struct {
	mu      sync.RWMutex // guards master and closed against Close
	master  *MasterKey
	cacheMu sync.Mutex // serializes lookups with evictions
	cache   *lru.Cache[string, *[KeySize]byte]
	closed  bool
}

// NewKeyring wraps master. cacheSize <= 0 disables memoization.
func NewKeyring(master *MasterKey, cacheSize int) (*Keyring, error) {
	kr := &Keyring{master: master}
	if cacheSize > 0 {
		c, err := lru.NewWithEvict(cacheSize, func(_ string, k *[KeySize]byte) {
			wipe(k[:])
		})
		if err != nil {
			return nil, err
		}
		kr.cache = c
	}
	return kr, nil
}

// key returns a copy of the conversation key; the cached copy may be wiped
// by an eviction once cacheMu is released. Callers hold kr.mu.RLock.
func (kr *Keyring) key(conversationID string) [KeySize]byte {
	if kr.cache == nil {
		return DeriveKey(kr.master, conversationID)
	}
	kr.cacheMu.Lock()
	defer kr.cacheMu.Unlock()
	if k, ok := kr.cache.Get(conversationID); ok {
		return *k
	}
	k := DeriveKey(kr.master, conversationID)
	stored := k
	kr.cache.Add(conversationID, &stored)
	return k
}

// Encrypt seals plaintext for the conversation between a and b.
func (kr *Keyring) Encrypt(a, b int64, plaintext []byte) (Sealed, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if kr.closed {
		return Sealed{}, ErrClosed
	}
	conv := ConversationID(a, b)
	k := kr.key(conv)
	defer wipe(k[:])

	ct, iv, tag, err := Seal(k, plaintext)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{ConversationID: conv, Ciphertext: ct, IV: iv, Tag: tag}, nil
}

// Decrypt opens a stored message. A tampered record or wrong key yields
// ErrInvalidTag.
func (kr *Keyring) Decrypt(s Sealed) ([]byte, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if kr.closed {
		return nil, ErrClosed
	}
	k := kr.key(s.ConversationID)
	defer wipe(k[:])
	return Open(k, s.Ciphertext, s.IV, s.Tag)
}

// Cached reports how many conversation keys are memoized.
func (kr *Keyring) Cached() int {
	if kr.cache == nil {
		return 0
	}
	return kr.cache.Len()
}

// Close wipes every memoized key and the master key. Further calls fail
// with ErrClosed.
func (kr *Keyring) Close() {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if kr.closed {
		return
	}
	kr.closed = true
	if kr.cache != nil {
		kr.cacheMu.Lock()
		kr.cache.Purge()
		kr.cacheMu.Unlock()
	}
	kr.master.Wipe()
}
