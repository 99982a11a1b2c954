package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/nous-labs/gloria/internal/conversation"
	"github.com/nous-labs/gloria/internal/llm"
	"github.com/nous-labs/gloria/internal/ragcache"
	"github.com/nous-labs/gloria/pkg/channel"
	"github.com/nous-labs/gloria/pkg/knowledge"
	"github.com/nous-labs/gloria/pkg/kv"
	"github.com/nous-labs/gloria/pkg/users"
)

// Registry holds the configured extensions by category, in registration order.
type Registry struct {
	mu         sync.RWMutex
	names      []string
	triggers   []Trigger
	retrievals []Retrieval
	commands   []Command
	ipcs       []IPC
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register files e under every category it implements.
func (r *Registry) Register(e Extension) error {
	if e == nil {
		return fmt.Errorf("extension is nil")
	}
	name := e.Name()
	if name == "" {
		return fmt.Errorf("extension name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.names {
		if n == name {
			return fmt.Errorf("extension already registered: %s", name)
		}
	}

	matched := false
	if t, ok := e.(Trigger); ok {
		r.triggers = append(r.triggers, t)
		matched = true
	}
	if rt, ok := e.(Retrieval); ok {
		r.retrievals = append(r.retrievals, rt)
		matched = true
	}
	if c, ok := e.(Command); ok {
		r.commands = append(r.commands, c)
		matched = true
	}
	if i, ok := e.(IPC); ok {
		r.ipcs = append(r.ipcs, i)
		matched = true
	}
	if !matched {
		return fmt.Errorf("extension %s implements no hook", name)
	}
	r.names = append(r.names, name)
	slog.Info("extension registered", "extension", name)
	return nil
}

// Names lists registered extensions in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Triggers returns the trigger extensions serving platform.
func (r *Registry) Triggers(platform string) []Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Trigger
	for _, t := range r.triggers {
		if Supports(t, platform) {
			out = append(out, t)
		}
	}
	return out
}

// Retrievals returns the retrieval extensions serving platform.
func (r *Registry) Retrievals(platform string) []Retrieval {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Retrieval
	for _, rt := range r.retrievals {
		if Supports(rt, platform) {
			out = append(out, rt)
		}
	}
	return out
}

// Command returns the first command extension serving platform that
// handles cmd.
func (r *Registry) Command(platform, cmd string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.commands {
		if !Supports(c, platform) {
			continue
		}
		for _, name := range c.Commands() {
			if name == cmd {
				return c, true
			}
		}
	}
	return nil, false
}

// IPCHandlers returns the IPC extensions that list command.
func (r *Registry) IPCHandlers(command string) []IPC {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []IPC
	for _, i := range r.ipcs {
		for _, c := range i.IPCCommands() {
			if c == command {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

// Guard runs one hook call, converting a panic into an error so a faulty
// extension cannot take the turn down with it. Errors are logged.
func Guard(name, hook string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s.%s: %v", name, hook, p)
			slog.Error("extension panicked", "extension", name, "hook", hook, "panic", p, "stack", string(debug.Stack()))
		}
	}()
	if err = fn(); err != nil {
		slog.Warn("extension hook failed", "extension", name, "hook", hook, "error", err)
	}
	return err
}

// Threads is the conversation surface extensions may write through.
type Threads interface {
	AddMessage(ctx context.Context, scope, role, content string) error
	ThreadMessages(ctx context.Context, key string) ([]llm.Message, error)
	Status(ctx context.Context, scope string) (conversation.Status, error)
	TeardownScope(ctx context.Context, scope string) error
}

// Deps are the collaborators handed to extension factories.
type Deps struct {
	Completer llm.Completer
	KV        kv.Store
	Cache     *ragcache.Cache
	Users     *users.Directory
	Rooms     channel.Rooms
	Threads   Threads
	Search    knowledge.Searcher
}

// Factory builds one extension from its settings block.
type Factory func(deps Deps, settings json.RawMessage) (Extension, error)

// Catalog maps extension ids to factories.
type Catalog map[string]Factory

// Load builds the extensions named by ids, in order, and registers them.
// An id of the form "kind:instance" builds another instance of kind; its
// settings are looked up under the full id.
func (c Catalog) Load(r *Registry, deps Deps, ids []string, settings map[string]json.RawMessage) error {
	for _, id := range ids {
		kind, _, _ := strings.Cut(id, ":")
		f, ok := c[kind]
		if !ok {
			return fmt.Errorf("unknown extension %q", id)
		}
		e, err := f(deps, settings[id])
		if err != nil {
			return fmt.Errorf("build extension %s: %w", id, err)
		}
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// AllRetrievals returns every retrieval extension regardless of platform.
func (r *Registry) AllRetrievals() []Retrieval {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Retrieval(nil), r.retrievals...)
}
