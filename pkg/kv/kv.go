// Package kv is the durable key-value store that holds every piece of
// conversational state: thread registries, threads, retrieval caches and
// extension records.
//
// Values are opaque bytes. Callers own the encoding.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Remove when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is a durable mapping from string keys to byte values.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Remove deletes the key and returns the value it held.
	Remove(ctx context.Context, key string) ([]byte, error)
	Has(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// KeysWithPrefix filters Keys down to those starting with prefix.
func KeysWithPrefix(ctx context.Context, s Store, prefix string) ([]string, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}
