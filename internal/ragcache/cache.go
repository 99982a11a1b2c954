// Package ragcache holds the most recent retrieval result of each retrieval
// extension so it can be injected into the next completion context.
package ragcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nous-labs/gloria/internal/llm"
	"github.com/nous-labs/gloria/pkg/kv"
)

// Cache reads and writes retrieval cache slots.
type Cache struct {
	kv kv.Store
}

func New(s kv.Store) *Cache {
	return &Cache{kv: s}
}

// Load returns the cached messages for key. ok is false when the slot is empty.
func (c *Cache) Load(ctx context.Context, key string) (msgs []llm.Message, ok bool, err error) {
	raw, err := c.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load cache %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, false, fmt.Errorf("decode cache %s: %w", key, err)
	}
	return msgs, true, nil
}

// Store overwrites the slot for key.
func (c *Cache) Store(ctx context.Context, key string, msgs []llm.Message) error {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode cache %s: %w", key, err)
	}
	if err := c.kv.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("store cache %s: %w", key, err)
	}
	return nil
}

// Clear removes each key that is present.
func (c *Cache) Clear(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if _, err := c.kv.Remove(ctx, k); err != nil && !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("clear cache %s: %w", k, err)
		}
	}
	return nil
}
