package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/gloria/internal/llm"
	"github.com/nous-labs/gloria/pkg/kv"
)

const (
	registryPrefix = "chat_threads_list:"
	threadPrefix   = "chat_thread:"
)

// RegistryKey is the storage key of the registry for scope.
func RegistryKey(scope string) string { return registryPrefix + scope }

// NewThreadKey returns a fresh, time-ordered thread key.
func NewThreadKey() string {
	id, err := uuid.NewUUID()
	if err != nil {
		id = uuid.New()
	}
	return threadPrefix + id.String()
}

// Store reads and writes threads and registries.
type Store struct {
	kv  kv.Store
	now func() time.Time
}

func NewStore(s kv.Store) *Store {
	return &Store{kv: s, now: time.Now}
}

// KV exposes the underlying key-value store.
func (s *Store) KV() kv.Store { return s.kv }

// NewThread returns an empty thread stamped with the current time.
func (s *Store) NewThread() *Thread {
	return &Thread{Version: ThreadVersion, Created: epoch(s.now()), Messages: []llm.Message{}}
}

// LoadThread returns ErrThreadNotFound when id has no record.
func (s *Store) LoadThread(ctx context.Context, id string) (*Thread, error) {
	raw, err := s.kv.Get(ctx, id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", id, err)
	}
	t, err := decodeThread(raw)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", id, err)
	}
	return t, nil
}

// LoadOrNewThread loads id, or returns a fresh unsaved thread if it has no record.
func (s *Store) LoadOrNewThread(ctx context.Context, id string) (*Thread, error) {
	t, err := s.LoadThread(ctx, id)
	if errors.Is(err, ErrThreadNotFound) {
		slog.Debug("creating thread", "thread", id)
		return s.NewThread(), nil
	}
	return t, err
}

// SaveThread stamps last_saved and writes the thread.
func (s *Store) SaveThread(ctx context.Context, id string, t *Thread) error {
	t.Version = ThreadVersion
	if t.Created == "" {
		t.Created = epoch(s.now())
	}
	t.LastSaved = epoch(s.now())
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode thread %s: %w", id, err)
	}
	if err := s.kv.Put(ctx, id, raw); err != nil {
		return fmt.Errorf("save thread %s: %w", id, err)
	}
	return nil
}

// LoadRegistry returns nil with no error when the scope has no registry.
// A legacy record is migrated in memory; it is written back only when the
// caller saves the registry.
func (s *Store) LoadRegistry(ctx context.Context, scope string) (*Registry, error) {
	raw, err := s.kv.Get(ctx, RegistryKey(scope))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load registry %s: %w", scope, err)
	}
	r, migrated, err := decodeRegistry(raw)
	if err != nil {
		return nil, fmt.Errorf("load registry %s: %w", scope, err)
	}
	if migrated {
		slog.Info("migrated thread registry", "scope", scope, "threads", len(r.Threads))
	}
	return r, nil
}

func (s *Store) SaveRegistry(ctx context.Context, scope string, r *Registry) error {
	r.Version = RegistryVersion
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode registry %s: %w", scope, err)
	}
	if err := s.kv.Put(ctx, RegistryKey(scope), raw); err != nil {
		return fmt.Errorf("save registry %s: %w", scope, err)
	}
	return nil
}

// Scopes lists every scope that has a registry.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	keys, err := kv.KeysWithPrefix(ctx, s.kv, registryPrefix)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	scopes := make([]string, 0, len(keys))
	for _, k := range keys {
		scopes = append(scopes, strings.TrimPrefix(k, registryPrefix))
	}
	return scopes, nil
}

// DeleteScope removes every thread of scope and then its registry.
func (s *Store) DeleteScope(ctx context.Context, scope string) error {
	reg, err := s.LoadRegistry(ctx, scope)
	if err != nil {
		return err
	}
	if reg == nil {
		return nil
	}
	for _, id := range reg.Threads {
		if _, err := s.kv.Remove(ctx, id); err != nil && !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("delete thread %s: %w", id, err)
		}
	}
	if _, err := s.kv.Remove(ctx, RegistryKey(scope)); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("delete registry %s: %w", scope, err)
	}
	slog.Info("scope deleted", "scope", scope, "threads", len(reg.Threads))
	return nil
}

// Status describes the attention thread of a scope.
type Status struct {
	ThreadKey string
	Threads   int
	Messages  int
	Created   string
	LastSaved string
}

// Status reports on the attention thread of scope. A scope without a
// registry yields a zero Status.
func (s *Store) Status(ctx context.Context, scope string) (Status, error) {
	reg, err := s.LoadRegistry(ctx, scope)
	if err != nil || reg == nil || reg.AttentionThread == "" {
		return Status{}, err
	}
	st := Status{ThreadKey: reg.AttentionThread, Threads: len(reg.Threads)}
	t, err := s.LoadThread(ctx, reg.AttentionThread)
	if errors.Is(err, ErrThreadNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.Messages, st.Created, st.LastSaved = len(t.Messages), t.Created, t.LastSaved
	return st, nil
}

// Repair drops registry entries whose thread record is gone. A missing
// attention thread is replaced by the newest surviving thread; a registry
// with no surviving threads is removed. It returns the number of entries
// dropped.
func (s *Store) Repair(ctx context.Context, scope string) (int, error) {
	reg, err := s.LoadRegistry(ctx, scope)
	if err != nil || reg == nil {
		return 0, err
	}
	kept := reg.Threads[:0:0]
	for _, id := range reg.Threads {
		ok, err := s.kv.Has(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("repair %s: %w", scope, err)
		}
		if ok {
			kept = append(kept, id)
		}
	}
	dropped := len(reg.Threads) - len(kept)
	if dropped == 0 {
		return 0, nil
	}
	if len(kept) == 0 {
		if _, err := s.kv.Remove(ctx, RegistryKey(scope)); err != nil && !errors.Is(err, kv.ErrNotFound) {
			return 0, fmt.Errorf("repair %s: %w", scope, err)
		}
		slog.Info("registry removed, no threads left", "scope", scope, "dropped", dropped)
		return dropped, nil
	}
	reg.Threads = kept
	if !reg.Contains(reg.AttentionThread) {
		reg.AttentionThread = kept[len(kept)-1]
	}
	if err := s.SaveRegistry(ctx, scope, reg); err != nil {
		return 0, err
	}
	slog.Info("registry repaired", "scope", scope, "dropped", dropped, "attention", reg.AttentionThread)
	return dropped, nil
}
