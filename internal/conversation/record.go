// Package conversation persists chat threads and the per-scope registry
// that tracks which thread is currently receiving messages.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nous-labs/gloria/internal/llm"
)

const (
	ThreadVersion   = 1
	RegistryVersion = 1
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrCorruptRecord  = errors.New("corrupt record")
)

// Thread is an ordered chat history for one conversation segment.
type Thread struct {
	Version   int           `json:"version"`
	Created   string        `json:"created"`
	LastSaved string        `json:"last_saved,omitempty"`
	Messages  []llm.Message `json:"messages"`
}

// Append adds a message to the end of the thread.
func (t *Thread) Append(role, content string) {
	t.Messages = append(t.Messages, llm.Message{Role: role, Content: content})
}

// AppendAlternating appends like Append but inserts a short user turn when
// two assistant turns would otherwise be adjacent.
func (t *Thread) AppendAlternating(role, content string) {
	if n := len(t.Messages); role == llm.RoleAssistant && n > 0 && t.Messages[n-1].Role == llm.RoleAssistant {
		t.Append(llm.RoleUser, "ok.")
	}
	t.Append(role, content)
}

// Last returns the final message, if any.
func (t *Thread) Last() (llm.Message, bool) {
	if len(t.Messages) == 0 {
		return llm.Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// Registry lists the threads of one scope and names the attention thread.
type Registry struct {
	Version         int      `json:"version"`
	Threads         []string `json:"threads"`
	AttentionThread string   `json:"attention_thread,omitempty"`
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	for _, t := range r.Threads {
		if t == id {
			return true
		}
	}
	return false
}

// Attend registers id (if new) and makes it the attention thread.
func (r *Registry) Attend(id string) {
	if !r.Contains(id) {
		r.Threads = append(r.Threads, id)
	}
	r.AttentionThread = id
}

func epoch(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// upgrader rewrites a record from one version to the next.
type upgrader func(raw []byte) ([]byte, error)

var threadUpgraders = map[int]upgrader{
	0: func(raw []byte) ([]byte, error) {
		// Pre-versioned threads were stored as a bare message list.
		if gjson.ParseBytes(raw).IsArray() {
			wrapped, err := sjson.SetRawBytes([]byte(`{}`), "messages", raw)
			if err != nil {
				return nil, err
			}
			raw = wrapped
		}
		return sjson.SetBytes(raw, "version", 1)
	},
}

var registryUpgraders = map[int]upgrader{
	0: func(raw []byte) ([]byte, error) {
		// Legacy registries were a bare list of thread ids.
		if gjson.ParseBytes(raw).IsArray() {
			wrapped, err := sjson.SetRawBytes([]byte(`{}`), "threads", raw)
			if err != nil {
				return nil, err
			}
			raw = wrapped
		}
		return sjson.SetBytes(raw, "version", 1)
	},
}

// upgrade walks raw through the upgrader chain until it reaches current.
// It reports whether any upgrader ran.
func upgrade(raw []byte, current int, chain map[int]upgrader) ([]byte, bool, error) {
	if !gjson.ValidBytes(raw) {
		return nil, false, fmt.Errorf("%w: invalid json", ErrCorruptRecord)
	}
	migrated := false
	for {
		v := 0
		if doc := gjson.ParseBytes(raw); doc.IsObject() {
			v = int(doc.Get("version").Int())
		}
		switch {
		case v == current:
			return raw, migrated, nil
		case v > current:
			return nil, false, fmt.Errorf("%w: version %d is newer than %d", ErrCorruptRecord, v, current)
		}
		up, ok := chain[v]
		if !ok {
			return nil, false, fmt.Errorf("%w: no upgrader from version %d", ErrCorruptRecord, v)
		}
		next, err := up(raw)
		if err != nil {
			return nil, false, fmt.Errorf("%w: upgrade from %d: %v", ErrCorruptRecord, v, err)
		}
		raw = next
		migrated = true
	}
}

func decodeThread(raw []byte) (*Thread, error) {
	raw, _, err := upgrade(raw, ThreadVersion, threadUpgraders)
	if err != nil {
		return nil, err
	}
	var t Thread
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &t, nil
}

func decodeRegistry(raw []byte) (*Registry, bool, error) {
	raw, migrated, err := upgrade(raw, RegistryVersion, registryUpgraders)
	if err != nil {
		return nil, false, err
	}
	var r Registry
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &r, migrated, nil
}
