// Package kvstore provides the durable key/value adapters the engine
// hydrates from and flushes to.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Common errors for key/value stores.
var (
	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("store is closed")
	ErrInvalidKey = errors.New("invalid key")
)

// Store is a minimal durable key/value contract.
//
// Load returns ErrNotFound for missing keys. Implementations must be safe
// for concurrent use.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Close() error
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)

// ValidateKey rejects keys that are not portable across every adapter.
func ValidateKey(key string) error {
	if key == "" || !validKey.MatchString(key) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
