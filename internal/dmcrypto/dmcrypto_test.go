package dmcrypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
)

const testKeyHex = "8f1c2a7e5b9d3f60a4c8e2b1d7f3a9c5e0b4d8f2a6c1e5b9d3f7a0c4e8b2d6f1"

func mustKeyring(t *testing.T, size int) *Keyring {
	t.Helper()
	mk, err := ParseMasterKey(testKeyHex)
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	kr, err := NewKeyring(mk, size)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return kr
}

func TestConversationID_Symmetric(t *testing.T) {
	pairs := [][2]int64{{1, 2}, {2, 1}, {42, 7}, {5, 5}, {100, 99999}}
	for _, p := range pairs {
		a, b := p[0], p[1]
		if ConversationID(a, b) != ConversationID(b, a) {
			t.Fatalf("ConversationID(%d,%d) not symmetric", a, b)
		}
	}
	if got := ConversationID(2, 1); got != "1:2" {
		t.Fatalf("ConversationID(2,1) = %q; want 1:2", got)
	}
	if got := ConversationID(10, 9); got != "9:10" {
		t.Fatalf("numeric ordering expected, got %q", got)
	}
}

func TestDeriveKey_IsHMACOfConversationID(t *testing.T) {
	mk, _ := ParseMasterKey(testKeyHex)
	k1 := DeriveKey(mk, "1:2")
	k2 := DeriveKey(mk, "1:2")
	k3 := DeriveKey(mk, "1:3")
	if k1 != k2 {
		t.Fatalf("derivation must be deterministic")
	}
	if k1 == k3 {
		t.Fatalf("different conversations must get different keys")
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	kr := mustKeyring(t, 8)
	for _, p := range []string{"hey", "", "&lt;b&gt;", strings.Repeat("é", 4000)} {
		s, err := kr.Encrypt(2, 1, []byte(p))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if s.ConversationID != "1:2" {
			t.Fatalf("conversation id = %q", s.ConversationID)
		}
		if len(s.IV) != NonceSize || len(s.Tag) != TagSize {
			t.Fatalf("iv/tag sizes %d/%d", len(s.IV), len(s.Tag))
		}
		if len(p) > 0 && bytes.Equal(s.Ciphertext, []byte(p)) {
			t.Fatalf("ciphertext equals plaintext")
		}
		got, err := kr.Decrypt(s)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if string(got) != p {
			t.Fatalf("round trip mismatch")
		}
	}
}

func TestSeal_FreshNonces(t *testing.T) {
	kr := mustKeyring(t, 8)
	a, _ := kr.Encrypt(1, 2, []byte("same"))
	b, _ := kr.Encrypt(1, 2, []byte("same"))
	if bytes.Equal(a.IV, b.IV) || bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatalf("nonce reuse detected")
	}
}

func TestOpen_TamperAndWrongKey(t *testing.T) {
	kr := mustKeyring(t, 8)
	s, err := kr.Encrypt(1, 2, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	flip := func(b []byte) []byte {
		c := append([]byte(nil), b...)
		c[0] ^= 0x01
		return c
	}
	cases := map[string]Sealed{
		"ciphertext": {ConversationID: s.ConversationID, Ciphertext: flip(s.Ciphertext), IV: s.IV, Tag: s.Tag},
		"iv":         {ConversationID: s.ConversationID, Ciphertext: s.Ciphertext, IV: flip(s.IV), Tag: s.Tag},
		"tag":        {ConversationID: s.ConversationID, Ciphertext: s.Ciphertext, IV: s.IV, Tag: flip(s.Tag)},
		"short tag":  {ConversationID: s.ConversationID, Ciphertext: s.Ciphertext, IV: s.IV, Tag: s.Tag[:8]},
		"other conv": {ConversationID: "1:3", Ciphertext: s.Ciphertext, IV: s.IV, Tag: s.Tag},
	}
	for name, c := range cases {
		if _, err := kr.Decrypt(c); !errors.Is(err, ErrInvalidTag) {
			t.Fatalf("%s: want ErrInvalidTag, got %v", name, err)
		}
	}

	other, _ := NewKeyring(DevMasterKey("x"), 0)
	if _, err := other.Decrypt(s); !errors.Is(err, ErrInvalidTag) {
		t.Fatalf("wrong master: want ErrInvalidTag, got %v", err)
	}
}

func TestLoadMasterKey(t *testing.T) {
	// dev fallback is SHA-256 of the secret
	mk, err := LoadMasterKey("", "s3cret", false)
	if err != nil {
		t.Fatalf("dev fallback: %v", err)
	}
	if want := sha256.Sum256([]byte("s3cret")); mk.k != want {
		t.Fatalf("dev key is not sha256(secret)")
	}

	if _, err := LoadMasterKey("", "s3cret", true); !errors.Is(err, ErrNoMasterKey) {
		t.Fatalf("prod without key: %v", err)
	}
	if _, err := LoadMasterKey("abcd", "", false); !errors.Is(err, ErrBadMasterKey) {
		t.Fatalf("short key: %v", err)
	}
	if _, err := LoadMasterKey(strings.Repeat("zz", 32), "", false); !errors.Is(err, ErrBadMasterKey) {
		t.Fatalf("non-hex key: %v", err)
	}

	derived := sha256.Sum256([]byte("s3cret"))
	seq := make([]byte, KeySize)
	for i := range seq {
		seq[i] = byte(i)
	}
	placeholders := []string{
		strings.Repeat("00", 32),
		strings.Repeat("11", 32),
		hex.EncodeToString(seq),
		hex.EncodeToString(derived[:]),
	}
	for _, p := range placeholders {
		if _, err := LoadMasterKey(p, "s3cret", true); !errors.Is(err, ErrPlaceholderKey) {
			t.Fatalf("prod placeholder %s: %v", p[:8], err)
		}
		// development accepts whatever it is given
		if _, err := LoadMasterKey(p, "s3cret", false); err != nil {
			t.Fatalf("dev placeholder %s: %v", p[:8], err)
		}
	}

	if _, err := LoadMasterKey(testKeyHex, "s3cret", true); err != nil {
		t.Fatalf("prod real key: %v", err)
	}
}

func TestNewMasterKeyHex(t *testing.T) {
	a, err := NewMasterKeyHex()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewMasterKeyHex()
	if len(a) != 64 || a == b {
		t.Fatalf("unexpected keys %q %q", a, b)
	}
	if _, err := LoadMasterKey(a, "", true); err != nil {
		t.Fatalf("generated key rejected: %v", err)
	}
}

func TestMasterKey_NeverPrintsMaterial(t *testing.T) {
	mk, _ := ParseMasterKey(testKeyHex)
	for _, s := range []string{fmt.Sprint(mk), fmt.Sprintf("%v", mk), fmt.Sprintf("%#v", mk)} {
		if strings.Contains(s, testKeyHex[:8]) {
			t.Fatalf("key material leaked: %s", s)
		}
	}
}

func TestKeyring_EvictionWipesAndCloseWipesAll(t *testing.T) {
	kr := mustKeyring(t, 1)

	if _, err := kr.Encrypt(1, 2, []byte("a")); err != nil {
		t.Fatal(err)
	}
	first, ok := kr.cache.Peek("1:2")
	if !ok {
		t.Fatalf("key not memoized")
	}
	if *first == ([KeySize]byte{}) {
		t.Fatalf("memoized key is zero")
	}

	if _, err := kr.Encrypt(1, 3, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if kr.Cached() != 1 {
		t.Fatalf("cache should be bounded, has %d", kr.Cached())
	}
	if *first != ([KeySize]byte{}) {
		t.Fatalf("evicted key was not wiped")
	}

	second, _ := kr.cache.Peek("1:3")
	kr.Close()
	if *second != ([KeySize]byte{}) {
		t.Fatalf("Close did not wipe cached keys")
	}
	if kr.master.k != ([KeySize]byte{}) {
		t.Fatalf("Close did not wipe master key")
	}
	if _, err := kr.Encrypt(1, 2, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Encrypt after Close: %v", err)
	}
	kr.Close() // idempotent
}

func TestSeal_RandomFailure(t *testing.T) {
	orig := randRead
	t.Cleanup(func() { randRead = orig })
	randRead = func([]byte) (int, error) { return 0, errors.New("no entropy") }

	var k [KeySize]byte
	if _, _, _, err := Seal(k, []byte("x")); err == nil {
		t.Fatalf("expected error when the nonce cannot be read")
	}
}
