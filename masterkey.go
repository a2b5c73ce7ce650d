package naivekv

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oarkflow/shamir"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	masterKeyFilename = "master.key"
	shamirSharesDir   = "shamir-shares"
)

// MasterKeyManager resolves the at-rest encryption key for a catalog
// directory: an explicit key always wins, then existing Shamir shares, then
// an existing plain key file. When none of those exists, it generates a
// fresh key and stores it as Shamir shares if shares are requested, or as
// a plain key file otherwise.
//
// It is entirely non-interactive: nothing here prompts a human, reads a
// terminal, or touches a clipboard. Callers that want an interactive
// passphrase flow build it on top of Resolve, outside this package.
type MasterKeyManager struct {
	dir          string
	shamirShares int // 0 disables Shamir sharing
	shamirThresh int
}

// NewMasterKeyManager returns a manager rooted at dir. When shares > 0, a
// freshly generated key is split into `shares` Shamir shares requiring
// `threshold` of them to reconstruct, instead of being written to a single
// master.key file.
func NewMasterKeyManager(dir string, shares, threshold int) *MasterKeyManager {
	return &MasterKeyManager{dir: dir, shamirShares: shares, shamirThresh: threshold}
}

// Resolve returns the master key, preferring an explicit key, then existing
// Shamir shares, then an existing key file, generating and persisting a new
// key (plain or Shamir-split, per configuration) only if none of those
// exist yet.
func (m *MasterKeyManager) Resolve(explicit []byte) ([]byte, error) {
	if len(explicit) > 0 {
		if len(explicit) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("naivekv: explicit master key must be %d bytes", chacha20poly1305.KeySize)
		}
		return explicit, nil
	}

	sharesDir := filepath.Join(m.dir, shamirSharesDir)
	if _, err := os.Stat(sharesDir); err == nil {
		return m.loadShares(sharesDir)
	}

	keyPath := filepath.Join(m.dir, masterKeyFilename)
	if data, err := os.ReadFile(keyPath); err == nil {
		return decodeKey(string(data))
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("naivekv: generating master key: %w", err)
	}

	if m.shamirShares > 0 {
		if err := m.writeShares(sharesDir, key); err != nil {
			return nil, err
		}
		return key, nil
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("naivekv: writing master key: %w", err)
	}
	return key, nil
}

func (m *MasterKeyManager) writeShares(sharesDir string, key []byte) error {
	threshold := m.shamirThresh
	if threshold < 2 {
		threshold = m.shamirShares/2 + 1
	}
	shares, err := shamir.Split(key, threshold, m.shamirShares)
	if err != nil {
		return fmt.Errorf("naivekv: splitting master key: %w", err)
	}
	if err := os.MkdirAll(sharesDir, 0o700); err != nil {
		return fmt.Errorf("naivekv: creating shares directory: %w", err)
	}
	for i, share := range shares {
		name := filepath.Join(sharesDir, fmt.Sprintf("share-%d.key", i+1))
		encoded := base64.StdEncoding.EncodeToString(share)
		if err := os.WriteFile(name, []byte(encoded), 0o600); err != nil {
			return fmt.Errorf("naivekv: writing share %d: %w", i+1, err)
		}
	}
	return nil
}

func (m *MasterKeyManager) loadShares(sharesDir string) ([]byte, error) {
	entries, err := os.ReadDir(sharesDir)
	if err != nil {
		return nil, fmt.Errorf("naivekv: reading shares directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "share-") && strings.HasSuffix(e.Name(), ".key") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("naivekv: no Shamir shares found in %s", sharesDir)
	}

	var shares [][]byte
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(sharesDir, name))
		if err != nil {
			continue
		}
		share, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		shares = append(shares, share)
	}
	if len(shares) == 0 {
		return nil, fmt.Errorf("naivekv: no valid Shamir shares could be read")
	}
	key, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("naivekv: reconstructing master key: %w", err)
	}
	return key, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("naivekv: invalid master key file contents: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("naivekv: master key file has wrong length: want %d got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}
