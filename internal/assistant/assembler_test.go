package assistant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/gloria/internal/conversation"
	"github.com/nous-labs/gloria/internal/llm"
	"github.com/nous-labs/gloria/pkg/users"
)

func TestSystemContextOrder(t *testing.T) {
	trig := &fakeTrigger{name: "meet", context: []llm.Message{msg(llm.RoleSystem, "MEETINGS")}}
	h := newHarness(t, Config{}, trig)
	ctx := context.Background()
	require.NoError(t, h.users.Add(ctx, users.User{ID: "@ana:x", DisplayName: "Ana Lima"}))
	require.NoError(t, h.users.Add(ctx, users.User{ID: "@bo:x", DisplayName: "Bo"}))

	got := h.svc.assembler.SystemContext(ctx, "matrix", "@ana:x")
	require.Len(t, got, 7)
	for _, m := range got {
		assert.Equal(t, llm.RoleSystem, m.Role)
	}
	assert.Contains(t, got[0].Content, "Monday, 2024-05-06, 14:03:00")
	assert.Equal(t, "You are Gloria.", got[1].Content)
	assert.Equal(t, "You are chatting with Ana Lima (@ana:x). Refer to this user by their first name unless otherwise instructed.", got[2].Content)
	assert.Equal(t, "The list of known users on the platform are: Ana Lima (@ana:x),Bo (@bo:x).", got[3].Content)
	assert.Equal(t, "MEETINGS", got[4].Content)
	assert.Contains(t, got[5].Content, "[task]")
	assert.Contains(t, got[6].Content, "[end-task]")
}

func TestUnknownSenderUsesID(t *testing.T) {
	h := newHarness(t, Config{})
	got := h.svc.assembler.SystemContext(context.Background(), "matrix", "@who:x")
	assert.Contains(t, got[2].Content, "You are chatting with @who:x (@who:x).")
}

func TestParseContinuation(t *testing.T) {
	cases := map[string]conversation.Verdict{
		`{"continuation": true}`:      conversation.VerdictContinues,
		` {"continuation":false} `:    conversation.VerdictDiverges,
		`{"classification": true}`:    conversation.VerdictUnknown,
		`{"continuation": "maybe"}`:   conversation.VerdictUnknown,
		`not json`:                    conversation.VerdictUnknown,
		``:                            conversation.VerdictUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseContinuation(in), "input %q", in)
	}
}

func TestContinuationClassifierUsesJSONTier(t *testing.T) {
	f := &fakeLLM{responses: []string{`{"continuation": true}`}}
	c := NewContinuationClassifier(f)

	v, err := c.Classify(context.Background(), []llm.Message{
		msg(llm.RoleSystem, "[task]"),
		msg(llm.RoleUser, "book a room"),
	}, "make it 3pm")
	require.NoError(t, err)
	assert.Equal(t, conversation.VerdictContinues, v)

	require.Len(t, f.calls, 1)
	prompt := f.calls[0][1].Content
	assert.Contains(t, prompt, "user: book a room")
	assert.NotContains(t, prompt, "[task]")
	assert.Contains(t, prompt, "make it 3pm")
}
