package tokens

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Store when no value exists for the key.
var ErrNotFound = errors.New("tokens: not found")

// Store is the narrow persistence interface the manager writes credentials
// through. Keeping it to get/set/delete makes the backing store swappable
// between memory, redis and mongo without touching the manager.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
