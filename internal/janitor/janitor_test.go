package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nous-labs/gloria/internal/conversation"
	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/ipc"
	"github.com/nous-labs/gloria/pkg/kv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type commands struct {
	got     []string
	replies map[string]ipc.Reply
}

func (c *commands) Handle(_ context.Context, req extension.IPCRequest) ipc.Reply {
	c.got = append(c.got, req.Command)
	if r, ok := c.replies[req.Command]; ok {
		return r
	}
	return ipc.Reply{Command: req.Command, Status: ipc.StatusNotFound}
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	store := conversation.NewStore(mem)

	for _, id := range []string{"chat_thread:1", "chat_thread:2"} {
		require.NoError(t, store.SaveThread(ctx, id, store.NewThread()))
	}
	require.NoError(t, store.SaveRegistry(ctx, "!ok", &conversation.Registry{Threads: []string{"chat_thread:1"}, AttentionThread: "chat_thread:1"}))
	require.NoError(t, store.SaveRegistry(ctx, "!dangling", &conversation.Registry{
		Threads: []string{"chat_thread:2", "chat_thread:gone"}, AttentionThread: "chat_thread:gone",
	}))

	cmds := &commands{replies: map[string]ipc.Reply{
		"delete_expired_meetings": {Status: ipc.StatusOK},
		"broken": {Status: ipc.StatusError, Responses: []extension.IPCResponse{{Extension: "x", Error: "boom"}}},
	}}
	var events []string
	w := NewWorker(store, cmds, func(_, msg string) { events = append(events, msg) }, Config{
		Commands: []string{"delete_expired_meetings", "broken", "missing"},
	})

	report := w.RunOnce(ctx)
	w.logReport(report)

	assert.Equal(t, 1, report.CycleNumber)
	assert.Equal(t, 2, report.Scopes)
	assert.Equal(t, 1, report.ScopesRepaired)
	assert.Equal(t, 1, report.EntriesDropped)
	assert.Equal(t, 1, report.CommandsHandled)
	assert.Equal(t, []string{"broken/x: boom"}, report.Errors)
	assert.Equal(t, []string{"delete_expired_meetings", "broken", "missing"}, cmds.got)
	assert.Same(t, report, w.LastReport())
	require.Len(t, events, 1)
	assert.Contains(t, events[0], "1 errors")

	reg, err := store.LoadRegistry(ctx, "!dangling")
	require.NoError(t, err)
	assert.Equal(t, "chat_thread:2", reg.AttentionThread)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(conversation.NewStore(kv.NewMemory()), nil, nil, Config{InitialDelay: time.Millisecond, Interval: time.Hour})

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return w.LastReport() != nil }, time.Second, time.Millisecond)
	cancel()
	<-done
}
