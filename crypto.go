package naivekv

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// cryptoProvider wraps an AEAD cipher used to seal values at rest. Keys
// themselves are never encrypted (the catalog needs to compare and order
// them), only the Value bytes of SetValue commands, both in the WAL and in
// SSTables. A nil *cryptoProvider disables encryption entirely; every
// caller in this package treats that as the default, unencrypted path.
type cryptoProvider struct {
	aead      cipher
	masterKey []byte
}

// cipher is the subset of cipher.AEAD used here; kept as its own name so
// this file reads independently of crypto/cipher's import.
type cipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

func newCryptoProvider(key []byte) (*cryptoProvider, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("naivekv: invalid encryption key length: want %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &cryptoProvider{aead: aead, masterKey: append([]byte(nil), key...)}, nil
}

// forWAL returns a provider keyed on an HKDF subkey of cp's master key
// rather than the master key itself, so that a compromised WAL ciphertext
// never exposes the key guarding SSTable values (and vice versa).
func (cp *cryptoProvider) forWAL() (*cryptoProvider, error) {
	sub, err := cp.deriveObjectKey(cp.masterKey, []byte("naivekv-wal-v1"), "wal-value")
	if err != nil {
		return nil, fmt.Errorf("naivekv: deriving wal encryption key: %w", err)
	}
	return newCryptoProvider(sub)
}

// seal encrypts plaintext, binding it to aad (built from the command's key
// and tombstone bit via buildValueAAD) so a value can't be replayed under a
// different key or deletion state. The returned blob is nonce||ciphertext.
func (cp *cryptoProvider) seal(plaintext, aad []byte) []byte {
	nonce := make([]byte, cp.aead.NonceSize())
	_, _ = io.ReadFull(rand.Reader, nonce)
	ciphertext := cp.aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ciphertext...)
}

// open reverses seal. blob must be nonce||ciphertext as produced by seal.
func (cp *cryptoProvider) open(blob, aad []byte) ([]byte, error) {
	n := cp.aead.NonceSize()
	if len(blob) < n {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrCorrupt)
	}
	plaintext, err := cp.aead.Open(nil, blob[:n], blob[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("naivekv: value decryption failed: %w", err)
	}
	return plaintext, nil
}

// buildValueAAD binds a sealed value to its key and tombstone bit, so a
// sealed blob cannot be replayed under a different key or deletion state.
func buildValueAAD(key []byte, deleted bool) []byte {
	aad := make([]byte, 0, len(key)+5)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(key)))
	aad = append(aad, lenBuf[:]...)
	aad = append(aad, key...)
	if deleted {
		aad = append(aad, 1)
	} else {
		aad = append(aad, 0)
	}
	return aad
}

// deriveObjectKey derives a per-call subkey from the provider's master key
// via HKDF-SHA256. Used by forWAL to give WAL and SSTable ciphertexts
// independent keys.
func (cp *cryptoProvider) deriveObjectKey(masterKey, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, masterKey, salt, []byte(info))
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
