package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("GLORIA_PRIVATE_CONFIG", "")
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "gloria", cfg.Name)
	assert.Equal(t, "//clear.", cfg.Assistant.ClearCommand)
	assert.Equal(t, "sticky", cfg.Assistant.ThreadPolicy)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, []string{"status"}, cfg.Extensions.Enabled)
	assert.NotNil(t, cfg.Extensions.Settings)
	assert.NotEmpty(t, cfg.Assistant.Persona)
}

func TestLoadConfigJSONMergesOverDefaults(t *testing.T) {
	t.Setenv("GLORIA_PRIVATE_CONFIG", "")
	path := writeFile(t, "gloria.json", `{
		"assistant": {"thread_policy": "classifier", "empty_end_task_text": "Done."},
		"matrix": {"allowed_users": ["@ann:example.org"]},
		"extensions": {
			"enabled": ["status", "meeting"],
			"settings": {"meeting": {"expiry_hours": 2}}
		}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "classifier", cfg.Assistant.ThreadPolicy)
	assert.Equal(t, "Done.", cfg.Assistant.EmptyEndTaskText)
	assert.Equal(t, "//clear.", cfg.Assistant.ClearCommand, "untouched defaults survive")
	assert.Equal(t, []string{"@ann:example.org"}, cfg.Matrix.AllowedUsers)
	assert.Equal(t, []string{"status", "meeting"}, cfg.Extensions.Enabled)
	assert.JSONEq(t, `{"expiry_hours":2}`, string(cfg.Extensions.Settings["meeting"]))
}

func TestLoadConfigYAML(t *testing.T) {
	t.Setenv("GLORIA_PRIVATE_CONFIG", "")
	path := writeFile(t, "gloria.yaml", `
storage:
  backend: memory
llm:
  completion:
    provider: gemini
    model: gemini-2.5-flash
extensions:
  enabled: [knowledge]
  settings:
    knowledge:
      name: handbook
      datasets: [hr]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "gemini", cfg.LLM.Completion.Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Completion.Model)
	assert.Equal(t, "anthropic", cfg.LLM.Classification.Provider)
	assert.JSONEq(t, `{"name":"handbook","datasets":["hr"]}`, string(cfg.Extensions.Settings["knowledge"]))
}

func TestLoadConfigPrivateOverlayAndEnv(t *testing.T) {
	base := writeFile(t, "gloria.json", `{"matrix": {"user_id": "gloria", "password": "$TEST_GLORIA_PW"}}`)
	overlay := writeFile(t, "private.json", `{"matrix": {"server_name": "chat.example.org"}}`)
	t.Setenv("GLORIA_PRIVATE_CONFIG", overlay)
	t.Setenv("TEST_GLORIA_PW", "hunter2")
	t.Setenv("GLORIA_STORAGE_PATH", "/var/lib/gloria/kv.db")
	t.Setenv("GLORIA_MATRIX_DIRECT_ONLY", "true")
	t.Setenv("GLORIA_LLM_COMPLETION_MODEL", "claude-opus-4-1")

	cfg, err := LoadConfig(base)
	require.NoError(t, err)
	assert.Equal(t, "gloria", cfg.Matrix.UserID)
	assert.Equal(t, "chat.example.org", cfg.Matrix.ServerName)
	assert.Equal(t, "hunter2", cfg.Matrix.Password)
	assert.Equal(t, "/var/lib/gloria/kv.db", cfg.Storage.Path)
	assert.True(t, cfg.Matrix.DirectOnly)
	assert.Equal(t, "claude-opus-4-1", cfg.LLM.Completion.Model)
}

func TestLoadConfigPersonaFile(t *testing.T) {
	t.Setenv("GLORIA_PRIVATE_CONFIG", "")
	persona := writeFile(t, "persona.txt", "  You are a terse helper.\n")
	path := writeFile(t, "gloria.json", `{"assistant": {"persona_file": "`+persona+`"}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "You are a terse helper.", cfg.Assistant.Persona)
}

func TestLoadConfigRejects(t *testing.T) {
	t.Setenv("GLORIA_PRIVATE_CONFIG", "")
	tests := []struct {
		name string
		body string
		want string
	}{
		{"policy", `{"assistant": {"thread_policy": "random"}}`, "thread_policy"},
		{"backend", `{"storage": {"backend": "redis"}}`, "storage.backend"},
		{"provider", `{"llm": {"completion": {"provider": "cohere"}}}`, "llm.completion"},
		{"embedder", `{"knowledge": {"enabled": true, "embedder": "word2vec"}}`, "knowledge.embedder"},
		{"interval", `{"janitor": {"interval": "soon"}}`, "janitor.interval"},
		{"syntax", `{"assistant": `, "merge config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "gloria.json", tt.body))
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read config")
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("TEST_GLORIA_VALUE", "resolved")
	assert.Equal(t, "resolved", resolveEnv("$TEST_GLORIA_VALUE"))
	assert.Equal(t, "$TEST_GLORIA_UNSET", resolveEnv("$TEST_GLORIA_UNSET"))
	assert.Equal(t, "plain", resolveEnv("plain"))
	assert.Equal(t, "$", resolveEnv("$"))
}
