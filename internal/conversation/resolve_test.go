package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/gloria/internal/llm"
	"github.com/nous-labs/gloria/pkg/kv"
)

func newTestStore() (*Store, kv.Store) {
	mem := kv.NewMemory()
	return NewStore(mem), mem
}

func TestResolveNewScope(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	r := NewResolver(store, nil)

	id, err := r.Resolve(ctx, "!room:x", "Hi")
	require.NoError(t, err)
	assert.Regexp(t, `^chat_thread:[0-9a-f-]{36}$`, id)

	reg, err := store.LoadRegistry(ctx, "!room:x")
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, []string{id}, reg.Threads)
	assert.Equal(t, id, reg.AttentionThread)

	th, err := store.LoadThread(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, th.Created)
	assert.Empty(t, th.Messages)
}

func TestResolveStickyDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	store, mem := newTestStore()
	r := NewResolver(store, StickyPolicy{})

	first, err := r.Resolve(ctx, "s", "one")
	require.NoError(t, err)
	before, _ := mem.Get(ctx, RegistryKey("s"))

	second, err := r.Resolve(ctx, "s", "two")
	require.NoError(t, err)
	after, _ := mem.Get(ctx, RegistryKey("s"))

	assert.Equal(t, first, second)
	assert.Equal(t, string(before), string(after))
}

func TestRefreshTruncatesInPlace(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	r := NewResolver(store, nil)

	id, err := r.Resolve(ctx, "s", "Hi")
	require.NoError(t, err)
	th, _ := store.LoadThread(ctx, id)
	th.Append(llm.RoleUser, "earlier")
	th.Append(llm.RoleAssistant, "reply")
	th.Append(llm.RoleUser, "Hi")
	require.NoError(t, store.SaveThread(ctx, id, th))

	got, fresh, err := r.Refresh(ctx, "s", true)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "Hi"}}, fresh.Messages)

	stored, err := store.LoadThread(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fresh.Messages, stored.Messages)
	assert.Equal(t, th.Created, stored.Created)

	got, fresh, err = r.Refresh(ctx, "s", false)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Empty(t, fresh.Messages)

	reg, _ := store.LoadRegistry(ctx, "s")
	assert.Equal(t, []string{id}, reg.Threads)
	assert.Equal(t, id, reg.AttentionThread)
}

func TestRefreshEmptyThread(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	r := NewResolver(store, nil)

	id, err := r.Resolve(ctx, "s", "")
	require.NoError(t, err)
	got, fresh, err := r.Refresh(ctx, "s", true)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Empty(t, fresh.Messages)

	// A scope with no registry gets its first thread.
	_, fresh, err = r.Refresh(ctx, "other", false)
	require.NoError(t, err)
	assert.Empty(t, fresh.Messages)
	reg, _ := store.LoadRegistry(ctx, "other")
	require.NotNil(t, reg)
	assert.Len(t, reg.Threads, 1)
}

func TestResolveMigratesLegacyRegistry(t *testing.T) {
	ctx := context.Background()
	store, mem := newTestStore()
	require.NoError(t, mem.Put(ctx, RegistryKey("s"), []byte(`["chat_thread:legacy"]`)))

	id, err := NewResolver(store, nil).Resolve(ctx, "s", "hello")
	require.NoError(t, err)

	reg, err := store.LoadRegistry(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"chat_thread:legacy", id}, reg.Threads)
	assert.Equal(t, id, reg.AttentionThread)

	raw, _ := mem.Get(ctx, RegistryKey("s"))
	assert.JSONEq(t, `{"version":1,"threads":["chat_thread:legacy","`+id+`"],"attention_thread":"`+id+`"}`, string(raw))

	// A migrated registry is left as it is.
	again, err := NewResolver(store, nil).Resolve(ctx, "s", "hello again")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	after, _ := mem.Get(ctx, RegistryKey("s"))
	assert.Equal(t, string(raw), string(after))
}

func TestDeleteScope(t *testing.T) {
	ctx := context.Background()
	store, mem := newTestStore()
	r := NewResolver(store, nil)
	a, _ := r.Resolve(ctx, "s", "")
	reg := seedThreads(t, store, "b")
	reg.Threads = append([]string{a}, reg.Threads...)
	require.NoError(t, store.SaveRegistry(ctx, "s", reg))

	require.NoError(t, store.DeleteScope(ctx, "s"))
	keys, _ := mem.Keys(ctx)
	assert.Empty(t, keys)
	_, err := store.LoadThread(ctx, a)
	assert.ErrorIs(t, err, ErrThreadNotFound)

	scopes, err := store.Scopes(ctx)
	require.NoError(t, err)
	assert.Empty(t, scopes)
}

type scriptedClassifier map[string]Verdict // keyed by first message content

func (s scriptedClassifier) Classify(_ context.Context, history []llm.Message, _ string) (Verdict, error) {
	if len(history) == 0 {
		return VerdictUnknown, errors.New("empty history")
	}
	return s[history[0].Content], nil
}

func seedThreads(t *testing.T, store *Store, names ...string) *Registry {
	t.Helper()
	reg := &Registry{}
	for _, n := range names {
		th := store.NewThread()
		th.Append(llm.RoleUser, n)
		require.NoError(t, store.SaveThread(context.Background(), "chat_thread:"+n, th))
		reg.Attend("chat_thread:" + n)
	}
	return reg
}

func TestClassifierPolicy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	reg := seedThreads(t, store, "a", "b", "c") // attention = c

	cases := []struct {
		name string
		c    scriptedClassifier
		want string
	}{
		{"single hit", scriptedClassifier{"a": VerdictContinues, "b": VerdictDiverges, "c": VerdictDiverges}, "chat_thread:a"},
		{"no hits", scriptedClassifier{"a": VerdictDiverges, "b": VerdictDiverges, "c": VerdictDiverges}, ""},
		{"hits include attention", scriptedClassifier{"a": VerdictContinues, "c": VerdictContinues}, "chat_thread:c"},
		{"hits exclude attention", scriptedClassifier{"a": VerdictContinues, "b": VerdictContinues}, ""},
		{"no opinion", scriptedClassifier{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ClassifierPolicy{Store: store, Classifier: tc.c}.Select(ctx, reg, "msg")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveWithClassifierSwitchesAttention(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	reg := seedThreads(t, store, "a", "b")
	require.NoError(t, store.SaveRegistry(ctx, "s", reg))

	r := NewResolver(store, ClassifierPolicy{Store: store, Classifier: scriptedClassifier{"a": VerdictContinues, "b": VerdictDiverges}})
	id, err := r.Resolve(ctx, "s", "back to a")
	require.NoError(t, err)
	assert.Equal(t, "chat_thread:a", id)

	reg, _ = store.LoadRegistry(ctx, "s")
	assert.Equal(t, "chat_thread:a", reg.AttentionThread)
	assert.Len(t, reg.Threads, 2)
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, []llm.Message, string) (Verdict, error) {
	return VerdictUnknown, errors.New("classifier unavailable")
}

func TestResolveWithoutClassifierOpinionOpensThread(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	reg := seedThreads(t, store, "a", "b")
	require.NoError(t, store.SaveRegistry(ctx, "s", reg))

	r := NewResolver(store, ClassifierPolicy{Store: store, Classifier: failingClassifier{}})
	id, err := r.Resolve(ctx, "s", "anything")
	require.NoError(t, err)
	assert.NotEqual(t, "chat_thread:a", id)
	assert.NotEqual(t, "chat_thread:b", id)

	reg, _ = store.LoadRegistry(ctx, "s")
	assert.Len(t, reg.Threads, 3)
	assert.Equal(t, id, reg.AttentionThread)
}

func TestRepair(t *testing.T) {
	ctx := context.Background()
	store, mem := newTestStore()
	reg := seedThreads(t, store, "a", "b", "c") // attention = c
	require.NoError(t, store.SaveRegistry(ctx, "!room", reg))

	n, err := store.Repair(ctx, "!room")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = mem.Remove(ctx, "chat_thread:c")
	require.NoError(t, err)
	n, err = store.Repair(ctx, "!room")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := store.LoadRegistry(ctx, "!room")
	require.NoError(t, err)
	assert.Equal(t, []string{"chat_thread:a", "chat_thread:b"}, got.Threads)
	assert.Equal(t, "chat_thread:b", got.AttentionThread)

	for _, k := range []string{"chat_thread:a", "chat_thread:b"} {
		_, err = mem.Remove(ctx, k)
		require.NoError(t, err)
	}
	n, err = store.Repair(ctx, "!room")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, err = store.LoadRegistry(ctx, "!room")
	require.NoError(t, err)
	assert.Nil(t, got)
}
