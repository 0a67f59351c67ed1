package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const defaultKeyBits = 3072

// KeyStore persists the token-signing key. The key is created on first run
// and reloaded on every later start, so tokens survive restarts.
type KeyStore struct {
	path string
	bits int
}

// NewKeyStore returns a KeyStore for the PEM file at path.
func NewKeyStore(path string) *KeyStore {
	return &KeyStore{path: path, bits: defaultKeyBits}
}

// SetKeyBits overrides the size of newly generated keys.
func (s *KeyStore) SetKeyBits(bits int) {
	s.bits = bits
}

// LoadOrCreate loads the key from disk if it exists; creates a new one otherwise.
func (s *KeyStore) LoadOrCreate() (*rsa.PrivateKey, error) {
	key, err := s.Load()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s.Create()
}

// Load reads an existing PKCS#1 RSA key.
func (s *KeyStore) Load() (*rsa.PrivateKey, error) {
	keyPEM, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("signing key %s: not an RSA PEM block", s.path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return key, nil
}

// Create generates a new RSA key and writes it to disk with 0600 permissions.
func (s *KeyStore) Create() (*rsa.PrivateKey, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	key, err := rsa.GenerateKey(rand.Reader, s.bits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(s.path, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	return key, nil
}
