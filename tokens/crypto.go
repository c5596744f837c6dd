package tokens

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SealedStore wraps another Store and encrypts every value at rest with
// XChaCha20-Poly1305. The key is the only secret; nonces are random and
// prefixed to the ciphertext.
type SealedStore struct {
	inner Store
	key   []byte
}

var _ Store = (*SealedStore)(nil)

// NewSealedStore creates a sealing decorator. The key must be
// chacha20poly1305.KeySize (32) bytes.
func NewSealedStore(inner Store, key []byte) (*SealedStore, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("tokens: seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return &SealedStore{inner: inner, key: cp}, nil
}

// Get fetches and opens the sealed value.
func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("tokens: sealed value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("tokens: failed to open sealed value: %w", err)
	}
	return plain, nil
}

// Set seals the value and delegates.
func (s *SealedStore) Set(ctx context.Context, key string, value []byte) error {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := aead.Seal(nonce, nonce, value, []byte(key))
	return s.inner.Set(ctx, key, sealed)
}

// Delete delegates to the inner store.
func (s *SealedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
