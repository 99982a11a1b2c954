package assistant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/llm"
)

func in(content string) Incoming {
	return Incoming{Platform: "matrix", Scope: "!room:x", Sender: "@ana:x", Content: content}
}

func TestFreshScopeStartsTask(t *testing.T) {
	h := newHarness(t, Config{})
	h.llm.responses = []string{"Hello! [task]\nHow can I help?"}

	reply, err := h.svc.HandleText(context.Background(), in("Hi"))
	require.NoError(t, err)
	assert.Equal(t, "Hello! \nHow can I help?", reply.Text)
	assert.True(t, reply.TaskStarted)

	require.Len(t, h.llm.calls, 1)
	sent := h.llm.calls[0]
	assert.Equal(t, "The day of the week, date, and time are Monday, 2024-05-06, 14:03:00, respectively.", sent[0].Content)
	assert.Equal(t, "You are Gloria.", sent[1].Content)
	assert.Equal(t, "The list of known users on the platform are: .", sent[3].Content)
	assert.Equal(t, msg(llm.RoleUser, "Hi"), sent[len(sent)-1])

	key, th := h.attention(t, "!room:x")
	assert.Equal(t, reply.ThreadKey, key)
	assert.Equal(t, []llm.Message{
		msg(llm.RoleUser, "Hi"),
		msg(llm.RoleSystem, "[task]"),
		msg(llm.RoleAssistant, "Hello! \nHow can I help?"),
	}, th.Messages)
}

func TestTaskMarkerTruncatesHistory(t *testing.T) {
	h := newHarness(t, Config{})
	h.llm.responses = []string{"Sure.", "[task]\nHello"}
	ctx := context.Background()

	_, err := h.svc.HandleText(ctx, in("first"))
	require.NoError(t, err)
	keyBefore, _ := h.attention(t, "!room:x")

	reply, err := h.svc.HandleText(ctx, in("new topic"))
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply.Text)

	key, th := h.attention(t, "!room:x")
	assert.Equal(t, keyBefore, key)
	assert.Equal(t, []llm.Message{
		msg(llm.RoleUser, "new topic"),
		msg(llm.RoleSystem, "[task]"),
		msg(llm.RoleAssistant, "Hello"),
	}, th.Messages)
}

func TestEndTaskRefreshUnlessTriggered(t *testing.T) {
	foo := &fakeTrigger{name: "foo", phrases: []string{"FOO"}}
	bar := &fakeTrigger{name: "bar", phrases: []string{"BAR"}}
	h := newHarness(t, Config{}, foo, bar)
	ctx := context.Background()

	h.llm.responses = []string{"ok", "Booking FOO now.\n[end-task]", "All done.\n[end-task]"}
	_, err := h.svc.HandleText(ctx, in("hello"))
	require.NoError(t, err)

	reply, err := h.svc.HandleText(ctx, in("book it"))
	require.NoError(t, err)
	assert.Equal(t, "Booking FOO now.", reply.Text)
	assert.True(t, reply.TaskEnded)
	_, th := h.attention(t, "!room:x")
	assert.Len(t, th.Messages, 4, "trigger phrase keeps history")

	reply, err = h.svc.HandleText(ctx, in("thanks"))
	require.NoError(t, err)
	assert.Equal(t, "All done.", reply.Text)
	_, th = h.attention(t, "!room:x")
	assert.Equal(t, []llm.Message{msg(llm.RoleAssistant, "All done.")}, th.Messages)
}

func TestTaskAndEndTaskInOneResponse(t *testing.T) {
	h := newHarness(t, Config{})
	h.llm.responses = []string{"ok", "[task]\nDone here.\n[end-task]"}
	ctx := context.Background()

	_, err := h.svc.HandleText(ctx, in("hello"))
	require.NoError(t, err)
	reply, err := h.svc.HandleText(ctx, in("do it"))
	require.NoError(t, err)
	assert.Equal(t, "Done here.", reply.Text)
	assert.True(t, reply.TaskStarted)
	assert.True(t, reply.TaskEnded)

	_, th := h.attention(t, "!room:x")
	assert.Equal(t, []llm.Message{msg(llm.RoleAssistant, "Done here.")}, th.Messages)
}

func TestClearCommand(t *testing.T) {
	rag := &fakeRetrieval{key: "docs_rag"}
	h := newHarness(t, Config{}, rag)
	rag.cache = h.cache
	ctx := context.Background()

	h.llm.responses = []string{"a", "b"}
	for _, m := range []string{"one", "two"} {
		_, err := h.svc.HandleText(ctx, in(m))
		require.NoError(t, err)
	}
	require.NoError(t, h.cache.Store(ctx, "docs_rag", []llm.Message{msg(llm.RoleSystem, "cached")}))
	keyBefore, th := h.attention(t, "!room:x")
	require.Len(t, th.Messages, 4)
	calls := len(h.llm.calls)

	reply, err := h.svc.HandleText(ctx, in("  //clear.\n"))
	require.NoError(t, err)
	assert.Equal(t, "Context cleared.", reply.Text)
	assert.True(t, reply.Command)
	assert.Len(t, h.llm.calls, calls, "no completion call")

	key, th := h.attention(t, "!room:x")
	assert.Equal(t, keyBefore, key)
	assert.Empty(t, th.Messages)
	ok, _ := h.kv.Has(ctx, "docs_rag")
	assert.False(t, ok)

	reg, _ := h.store.LoadRegistry(ctx, "!room:x")
	assert.Len(t, reg.Threads, 1)
}

func TestClearCommandIsExact(t *testing.T) {
	h := newHarness(t, Config{})
	h.llm.responses = []string{"what?"}
	reply, err := h.svc.HandleText(context.Background(), in("//Clear."))
	require.NoError(t, err)
	assert.Equal(t, "what?", reply.Text)
}

func TestCompletionFailureYieldsErrorTurn(t *testing.T) {
	h := newHarness(t, Config{})
	h.llm.err = errors.New("backend down")
	ctx := context.Background()

	reply, err := h.svc.HandleText(ctx, in("Hi"))
	require.NoError(t, err)
	assert.Equal(t, "Error", reply.Text)
	assert.True(t, reply.Failed)

	h.llm.err = nil
	h.llm.responses = []string{"Back."}
	reply, err = h.svc.HandleText(ctx, in("again"))
	require.NoError(t, err)
	assert.Equal(t, "Back.", reply.Text)

	_, th := h.attention(t, "!room:x")
	assert.Equal(t, []llm.Message{
		msg(llm.RoleUser, "Hi"),
		msg(llm.RoleAssistant, "Error"),
		msg(llm.RoleUser, "again"),
		msg(llm.RoleAssistant, "Back."),
	}, th.Messages)
}

func TestStaleRetrievalCacheIsReused(t *testing.T) {
	rag := &fakeRetrieval{key: "docs_rag", writes: [][]llm.Message{{msg(llm.RoleSystem, "handbook says 25 days")}}}
	h := newHarness(t, Config{}, rag)
	rag.cache = h.cache
	h.llm.responses = []string{"25 days.", "Still 25."}
	ctx := context.Background()

	_, err := h.svc.HandleText(ctx, in("how much leave?"))
	require.NoError(t, err)
	_, err = h.svc.HandleText(ctx, in("unrelated"))
	require.NoError(t, err)

	require.Len(t, h.llm.calls, 2)
	for _, call := range h.llm.calls {
		assert.Equal(t, msg(llm.RoleSystem, "handbook says 25 days"), call[len(call)-1])
	}
	assert.Equal(t, 2, rag.calls)
}

func TestEndTaskSurvivesPanickingTriggerList(t *testing.T) {
	bad := &fakeTrigger{name: "bad", badPhrases: true}
	foo := &fakeTrigger{name: "foo", phrases: []string{"FOO"}}
	h := newHarness(t, Config{}, bad, foo)
	h.llm.responses = []string{"ok", "Booking FOO now.\n[end-task]"}
	ctx := context.Background()

	_, err := h.svc.HandleText(ctx, in("hello"))
	require.NoError(t, err)
	reply, err := h.svc.HandleText(ctx, in("book it"))
	require.NoError(t, err)
	assert.Equal(t, "Booking FOO now.", reply.Text)
	_, th := h.attention(t, "!room:x")
	assert.Len(t, th.Messages, 4, "the working trigger still keeps history")
}

func TestTriggerDispatchSurvivesPanics(t *testing.T) {
	bad := &fakeTrigger{name: "bad", panics: true}
	good := &fakeTrigger{name: "good", context: []llm.Message{msg(llm.RoleSystem, "meetings: none")}}
	h := newHarness(t, Config{}, bad, good)
	h.llm.responses = []string{"Noted."}

	reply, err := h.svc.HandleText(context.Background(), in("remember this"))
	require.NoError(t, err)
	assert.Equal(t, "Noted.", reply.Text)

	require.Len(t, good.received, 1)
	ev := good.received[0]
	assert.Equal(t, "Noted.", ev.Message)
	assert.Equal(t, llm.RoleAssistant, ev.Role)
	assert.Equal(t, "@ana:x", ev.UserID)
	assert.Equal(t, reply.ThreadKey, ev.ThreadKey)

	assert.Contains(t, h.llm.calls[0], msg(llm.RoleSystem, "meetings: none"))
}

func TestEmptyResponseSkipsTurnAndDispatch(t *testing.T) {
	trig := &fakeTrigger{name: "t"}
	h := newHarness(t, Config{}, trig)
	h.llm.responses = []string{"[end-task]"}

	reply, err := h.svc.HandleText(context.Background(), in("bye"))
	require.NoError(t, err)
	assert.Empty(t, reply.Text)
	assert.Empty(t, trig.received)

	_, th := h.attention(t, "!room:x")
	assert.Empty(t, th.Messages)
}

func TestEmptyEndTaskFiller(t *testing.T) {
	h := newHarness(t, Config{EmptyEndTaskText: "Glad I could help."})
	h.llm.responses = []string{" [end-task] "}

	reply, err := h.svc.HandleText(context.Background(), in("thanks"))
	require.NoError(t, err)
	assert.Equal(t, "Glad I could help.", reply.Text)
}

type echoCommand struct{}

func (echoCommand) Name() string        { return "echo" }
func (echoCommand) Platforms() []string { return []string{"matrix"} }
func (echoCommand) Commands() []string  { return []string{"//echo."} }

func (echoCommand) Execute(_ context.Context, req extension.CommandRequest) (string, error) {
	return "echo from " + req.UserID, nil
}

func TestCommandExtension(t *testing.T) {
	h := newHarness(t, Config{}, echoCommand{})

	reply, err := h.svc.HandleText(context.Background(), in("//echo."))
	require.NoError(t, err)
	assert.Equal(t, "echo from @ana:x", reply.Text)
	assert.Empty(t, h.llm.calls)

	other := in("//echo.")
	other.Platform = "control"
	h.llm.responses = []string{"model"}
	reply, err = h.svc.HandleText(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, "model", reply.Text)
}

func TestAddMessageKeepsAlternation(t *testing.T) {
	h := newHarness(t, Config{})
	h.llm.responses = []string{"Booked."}
	ctx := context.Background()

	_, err := h.svc.HandleText(ctx, in("book a room"))
	require.NoError(t, err)
	require.NoError(t, h.svc.AddMessage(ctx, "!room:x", llm.RoleAssistant, "Room is ready."))

	_, th := h.attention(t, "!room:x")
	assert.Equal(t, []llm.Message{
		msg(llm.RoleUser, "book a room"),
		msg(llm.RoleAssistant, "Booked."),
		msg(llm.RoleUser, "ok."),
		msg(llm.RoleAssistant, "Room is ready."),
	}, th.Messages)

	st, err := h.svc.Status(ctx, "!room:x")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Messages)
	assert.Equal(t, 1, st.Threads)
}

func TestTeardownScope(t *testing.T) {
	h := newHarness(t, Config{})
	h.llm.responses = []string{"hi"}
	ctx := context.Background()
	_, err := h.svc.HandleText(ctx, in("hi"))
	require.NoError(t, err)

	require.NoError(t, h.svc.TeardownScope(ctx, "!room:x"))
	keys, _ := h.kv.Keys(ctx)
	assert.Empty(t, keys)
}
