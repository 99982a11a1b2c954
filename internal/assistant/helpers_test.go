package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nous-labs/gloria/internal/conversation"
	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/llm"
	"github.com/nous-labs/gloria/internal/ragcache"
	"github.com/nous-labs/gloria/pkg/kv"
	"github.com/nous-labs/gloria/pkg/users"
)

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     [][]llm.Message
}

func (f *fakeLLM) Complete(_ context.Context, _ llm.Tier, msgs []llm.Message, _ llm.Format) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]llm.Message(nil), msgs...))
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	out := f.responses[0]
	f.responses = f.responses[1:]
	return out, nil
}

type fakeTrigger struct {
	name    string
	phrases []string
	context []llm.Message
	panics  bool

	// badPhrases makes Triggers panic.
	badPhrases bool

	mu       sync.Mutex
	received []extension.TriggerEvent
}

func (f *fakeTrigger) Name() string        { return f.name }
func (f *fakeTrigger) Platforms() []string { return nil }
func (f *fakeTrigger) Triggers() []string {
	if f.badPhrases {
		panic("no phrases")
	}
	return f.phrases
}

func (f *fakeTrigger) SystemContext(context.Context, string) []llm.Message { return f.context }

func (f *fakeTrigger) ProcessMessage(_ context.Context, ev extension.TriggerEvent) error {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	f.received = append(f.received, ev)
	f.mu.Unlock()
	return nil
}

type fakeRetrieval struct {
	key   string
	cache *ragcache.Cache
	// writes holds the messages stored on each successive call; nil entries
	// leave the slot untouched.
	writes [][]llm.Message
	calls  int
}

func (f *fakeRetrieval) Name() string        { return "fake-rag" }
func (f *fakeRetrieval) Platforms() []string { return nil }
func (f *fakeRetrieval) CacheKey() string    { return f.key }

func (f *fakeRetrieval) Retrieve(ctx context.Context, _, _ string) error {
	defer func() { f.calls++ }()
	if f.calls < len(f.writes) && f.writes[f.calls] != nil {
		return f.cache.Store(ctx, f.key, f.writes[f.calls])
	}
	return nil
}

type harness struct {
	svc   *Service
	store *conversation.Store
	kv    kv.Store
	cache *ragcache.Cache
	llm   *fakeLLM
	reg   *extension.Registry
	users *users.Directory
}

var fixedNow = time.Date(2024, 5, 6, 14, 3, 0, 0, time.UTC)

func newHarness(t *testing.T, cfg Config, exts ...extension.Extension) *harness {
	t.Helper()
	mem := kv.NewMemory()
	reg := extension.NewRegistry()
	for _, e := range exts {
		require.NoError(t, reg.Register(e))
	}
	store := conversation.NewStore(mem)
	dir := users.NewDirectory(mem)
	asm := NewAssembler("You are Gloria.", dir, reg)
	asm.now = func() time.Time { return fixedNow }
	cache := ragcache.New(mem)
	f := &fakeLLM{}

	svc := NewService(Options{
		Config:    cfg,
		Store:     store,
		Assembler: asm,
		Registry:  reg,
		Cache:     cache,
		Completer: f,
	})
	return &harness{svc: svc, store: store, kv: mem, cache: cache, llm: f, reg: reg, users: dir}
}

func (h *harness) attention(t *testing.T, scope string) (string, *conversation.Thread) {
	t.Helper()
	reg, err := h.store.LoadRegistry(context.Background(), scope)
	require.NoError(t, err)
	require.NotNil(t, reg)
	th, err := h.store.LoadThread(context.Background(), reg.AttentionThread)
	require.NoError(t, err)
	return reg.AttentionThread, th
}

func msg(role, content string) llm.Message {
	return llm.Message{Role: role, Content: content}
}
