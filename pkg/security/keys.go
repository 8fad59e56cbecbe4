package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// KeyManager wraps and unwraps per-volume data keys with a cluster
// key-encryption key using AES-256-GCM. Only wrapped keys are ever
// persisted; the plaintext data key exists in memory just long enough
// to hand to a backend adapter.
type KeyManager struct {
	kek []byte // 32 bytes for AES-256
}

// NewKeyManager creates a key manager with the given key-encryption
// key. The key must be 32 bytes for AES-256-GCM.
func NewKeyManager(kek []byte) (*KeyManager, error) {
	if len(kek) != 32 {
		return nil, fmt.Errorf("key-encryption key must be 32 bytes for AES-256, got %d", len(kek))
	}
	return &KeyManager{kek: kek}, nil
}

// NewKeyManagerFromClusterID derives the key-encryption key from the
// cluster ID so every controller in the cluster unwraps the same keys.
func NewKeyManagerFromClusterID(clusterID string) (*KeyManager, error) {
	if clusterID == "" {
		return nil, fmt.Errorf("cluster ID cannot be empty")
	}
	hash := sha256.Sum256([]byte(clusterID))
	return NewKeyManager(hash[:])
}

// GenerateDataKey produces a fresh random 32-byte volume data key.
func GenerateDataKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}

// WrapKey encrypts a data key for persistence. The GCM nonce is
// prepended to the ciphertext.
func (km *KeyManager) WrapKey(dataKey []byte) ([]byte, error) {
	if len(dataKey) == 0 {
		return nil, fmt.Errorf("cannot wrap empty key")
	}

	block, err := aes.NewCipher(km.kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, dataKey, nil), nil
}

// UnwrapKey decrypts a key produced by WrapKey.
func (km *KeyManager) UnwrapKey(wrapped []byte) ([]byte, error) {
	if len(wrapped) == 0 {
		return nil, fmt.Errorf("cannot unwrap empty key")
	}

	block, err := aes.NewCipher(km.kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(wrapped) < nonceSize {
		return nil, fmt.Errorf("wrapped key too short")
	}

	nonce, ciphertext := wrapped[:nonceSize], wrapped[nonceSize:]
	dataKey, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key: %w", err)
	}
	return dataKey, nil
}
