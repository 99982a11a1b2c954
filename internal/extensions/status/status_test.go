package status

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/gloria/internal/conversation"
	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/pkg/kv"
)

// storeThreads backs the Threads surface with a real conversation store.
type storeThreads struct {
	extension.Threads
	store *conversation.Store
}

func (s storeThreads) Status(ctx context.Context, scope string) (conversation.Status, error) {
	return s.store.Status(ctx, scope)
}

func TestStatusReport(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewStore(kv.NewMemory())
	res := conversation.NewResolver(store, nil)

	e, err := New(extension.Deps{Threads: storeThreads{store: store}}, func() []string { return []string{"status", "meeting"} })
	require.NoError(t, err)

	out, err := e.Execute(ctx, extension.CommandRequest{Command: Command, Scope: "!room"})
	require.NoError(t, err)
	assert.Equal(t, "There is no conversation in this room yet.", out)

	key, err := res.Resolve(ctx, "!room", "hi")
	require.NoError(t, err)
	th, err := store.LoadOrNewThread(ctx, key)
	require.NoError(t, err)
	th.Append("user", "hi")
	th.Append("assistant", "hello")
	require.NoError(t, store.SaveThread(ctx, key, th))

	out, err = e.Execute(ctx, extension.CommandRequest{Command: Command, Scope: "!room"})
	require.NoError(t, err)
	assert.Contains(t, out, "has 2 messages (1 threads in this room)")
	assert.NotContains(t, out, "unknown time")
	assert.Contains(t, out, "Loaded extensions: [status meeting].")
}

func TestStamp(t *testing.T) {
	assert.Equal(t, "1970-01-01 00:01:40 UTC", stamp("100"))
	assert.Equal(t, "at an unknown time", stamp(""))
}
