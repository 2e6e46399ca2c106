package infra

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

const (
	keyFileName = ".ota_key"
	keySize     = 32 // 256-bit SQLCipher key
)

// FileKeyProvider keeps the store key base64-encoded in a 0600 file next to
// the database.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{keyPath: filepath.Join(dataDir, keyFileName)}
}

// GetKey reads and decodes the key file.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	return key, checkKeySize(key)
}

// StoreKey writes the key with owner-only permissions.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if err := checkKeySize(key); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(p.keyPath, []byte(base64.StdEncoding.EncodeToString(key)), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// KeyExists reports whether the key file is present.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// StaticKeyProvider serves a hex key handed in from configuration
// (OTA_STORE_KEY). It cannot persist a new key.
type StaticKeyProvider struct {
	hexKey string
}

// NewStaticKeyProvider wraps a hex-encoded key.
func NewStaticKeyProvider(hexKey string) *StaticKeyProvider {
	return &StaticKeyProvider{hexKey: hexKey}
}

// GetKey decodes the configured key.
func (p *StaticKeyProvider) GetKey() ([]byte, error) {
	key, err := hex.DecodeString(p.hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	return key, checkKeySize(key)
}

// StoreKey always fails; the key is owned by whoever configured it.
func (p *StaticKeyProvider) StoreKey([]byte) error {
	return errors.New("static key provider is read-only")
}

// KeyExists reports whether a key was configured.
func (p *StaticKeyProvider) KeyExists() bool {
	return p.hexKey != ""
}

func checkKeySize(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return nil
}

// GenerateKey creates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the provider's key, generating and storing one first if
// none exists.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

var (
	_ domain.KeyProvider = (*FileKeyProvider)(nil)
	_ domain.KeyProvider = (*StaticKeyProvider)(nil)
)
