package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/gloria/internal/llm"
)

func TestDecodeRegistryLegacyList(t *testing.T) {
	r, migrated, err := decodeRegistry([]byte(`["chat_thread:a","chat_thread:b"]`))
	require.NoError(t, err)
	assert.True(t, migrated)
	assert.Equal(t, RegistryVersion, r.Version)
	assert.Equal(t, []string{"chat_thread:a", "chat_thread:b"}, r.Threads)
	assert.Empty(t, r.AttentionThread)
}

func TestDecodeRegistryCurrentIsUntouched(t *testing.T) {
	r, migrated, err := decodeRegistry([]byte(`{"version":1,"threads":["x"],"attention_thread":"x"}`))
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Equal(t, "x", r.AttentionThread)
}

func TestDecodeRegistryMissingVersion(t *testing.T) {
	r, migrated, err := decodeRegistry([]byte(`{"threads":["x"],"attention_thread":"x"}`))
	require.NoError(t, err)
	assert.True(t, migrated)
	assert.Equal(t, 1, r.Version)
	assert.Equal(t, []string{"x"}, r.Threads)
}

func TestDecodeThreadLegacyShapes(t *testing.T) {
	th, err := decodeThread([]byte(`[{"role":"user","content":"Hi"}]`))
	require.NoError(t, err)
	assert.Equal(t, ThreadVersion, th.Version)
	assert.Equal(t, []llm.Message{{Role: "user", Content: "Hi"}}, th.Messages)

	th, err = decodeThread([]byte(`{"created":"1700000000","messages":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "1700000000", th.Created)
	assert.Equal(t, ThreadVersion, th.Version)
}

func TestDecodeRejectsBadRecords(t *testing.T) {
	for name, raw := range map[string]string{
		"invalid json": `{"threads":`,
		"future":       `{"version":99,"threads":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := decodeRegistry([]byte(raw))
			assert.ErrorIs(t, err, ErrCorruptRecord)
		})
	}
}

func TestAppendAlternating(t *testing.T) {
	th := &Thread{}
	th.AppendAlternating(llm.RoleUser, "hello")
	th.AppendAlternating(llm.RoleAssistant, "hi")
	th.AppendAlternating(llm.RoleAssistant, "your meeting is booked")

	require.Len(t, th.Messages, 4)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "ok."}, th.Messages[2])
	assert.Equal(t, "your meeting is booked", th.Messages[3].Content)
}
