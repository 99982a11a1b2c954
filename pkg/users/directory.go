// Package users keeps the directory of platform users the assistant knows:
// display names and direct-message rooms.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nous-labs/gloria/pkg/kv"
)

// Key is where the directory is stored.
const Key = "known_users_list"

// User is one directory entry.
type User struct {
	ID          string `json:"-"`
	DisplayName string `json:"displayname"`
	DMRoom      string `json:"dm_id,omitempty"`
}

// Directory reads and updates the known-user map.
type Directory struct {
	kv kv.Store
	mu sync.Mutex // serializes read-modify-write in Add
}

func NewDirectory(s kv.Store) *Directory {
	return &Directory{kv: s}
}

func (d *Directory) load(ctx context.Context) (map[string]User, error) {
	raw, err := d.kv.Get(ctx, Key)
	if errors.Is(err, kv.ErrNotFound) {
		return map[string]User{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load known users: %w", err)
	}
	m := map[string]User{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode known users: %w", err)
	}
	return m, nil
}

// KnownUsers returns every known user ordered by id.
func (d *Directory) KnownUsers(ctx context.Context) ([]User, error) {
	m, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(m))
	for id, u := range m {
		u.ID = id
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DisplayName returns the stored display name, or the id itself when the
// user is unknown.
func (d *Directory) DisplayName(ctx context.Context, id string) string {
	m, err := d.load(ctx)
	if err != nil {
		return id
	}
	if u, ok := m[id]; ok && u.DisplayName != "" {
		return u.DisplayName
	}
	return id
}

// Lookup returns the entry for id.
func (d *Directory) Lookup(ctx context.Context, id string) (User, bool, error) {
	m, err := d.load(ctx)
	if err != nil {
		return User{}, false, err
	}
	u, ok := m[id]
	u.ID = id
	return u, ok, nil
}

// Add inserts or replaces an entry.
func (d *Directory) Add(ctx context.Context, u User) error {
	if u.ID == "" {
		return fmt.Errorf("add known user: empty id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.load(ctx)
	if err != nil {
		return err
	}
	m[u.ID] = u
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode known users: %w", err)
	}
	if err := d.kv.Put(ctx, Key, raw); err != nil {
		return fmt.Errorf("save known users: %w", err)
	}
	return nil
}
