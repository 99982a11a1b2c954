package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration.
type Config struct {
	Name     string `json:"name" split_words:"true"`
	LogLevel string `json:"log_level" split_words:"true"` // debug, info, warn, error
	HTTPAddr string `json:"http_addr" split_words:"true"` // health endpoint

	Assistant  AssistantConfig  `json:"assistant" split_words:"true"`
	Matrix     MatrixConfig     `json:"matrix" split_words:"true"`
	LLM        LLMConfig        `json:"llm" split_words:"true"`
	Storage    StorageConfig    `json:"storage" split_words:"true"`
	Knowledge  KnowledgeConfig  `json:"knowledge" split_words:"true"`
	Extensions ExtensionsConfig `json:"extensions" split_words:"true"`
	IPC        IPCConfig        `json:"ipc" split_words:"true"`
	Control    ControlConfig    `json:"control" split_words:"true"`
	Janitor    JanitorConfig    `json:"janitor" split_words:"true"`
}

// AssistantConfig holds orchestrator settings.
type AssistantConfig struct {
	Persona           string `json:"persona,omitempty" split_words:"true"`
	PersonaFile       string `json:"persona_file,omitempty" split_words:"true"`
	ClearCommand      string `json:"clear_command" split_words:"true"`
	ClearReply        string `json:"clear_reply" split_words:"true"`
	EmptyEndTaskText  string `json:"empty_end_task_text,omitempty" split_words:"true"`
	ThreadPolicy      string `json:"thread_policy" split_words:"true"` // sticky, classifier
	DebugConversation bool   `json:"debug_conversation,omitempty" split_words:"true"`
}

// MatrixConfig holds Matrix connection settings.
type MatrixConfig struct {
	Homeserver     string   `json:"homeserver" split_words:"true"`  // e.g., http://synapse:8008
	UserID         string   `json:"user_id" split_words:"true"`     // localpart
	Password       string   `json:"password" split_words:"true"`    // can use "$MATRIX_BOT_PASSWORD"
	ServerName     string   `json:"server_name" split_words:"true"` // e.g., matrix.example.com
	AllowedUsers   []string `json:"allowed_users,omitempty" split_words:"true"`
	AllowedDomains []string `json:"allowed_domains,omitempty" split_words:"true"`
	DeniedDomains  []string `json:"denied_domains,omitempty" split_words:"true"`
	DirectOnly     bool     `json:"direct_only,omitempty" split_words:"true"`
	DataDir        string   `json:"data_dir" split_words:"true"`
}

// LLMConfig holds one provider per tier.
type LLMConfig struct {
	// Classification is used for continuation checks, retrieval gating and
	// parameter extraction.
	Classification ProviderConfig `json:"classification" split_words:"true"`
	// Completion produces the conversational reply.
	Completion ProviderConfig `json:"completion" split_words:"true"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Provider    string  `json:"provider" split_words:"true"` // anthropic, openai, gemini
	Model       string  `json:"model" split_words:"true"`
	APIKey      string  `json:"api_key,omitempty" split_words:"true"` // can use "$ANTHROPIC_API_KEY"
	BaseURL     string  `json:"base_url,omitempty" split_words:"true"`
	MaxOutput   int     `json:"max_output,omitempty" split_words:"true"`
	Temperature float64 `json:"temperature,omitempty" split_words:"true"`
}

// StorageConfig selects the key-value backend.
type StorageConfig struct {
	Backend string `json:"backend" split_words:"true"` // sqlite, memory
	Path    string `json:"path" split_words:"true"`
}

// KnowledgeConfig holds the retrieval gateway settings.
type KnowledgeConfig struct {
	Enabled        bool   `json:"enabled" split_words:"true"`
	PostgresURL    string `json:"postgres_url,omitempty" split_words:"true"`
	Embedder       string `json:"embedder" split_words:"true"` // tei, gemini
	TEIURL         string `json:"tei_url,omitempty" split_words:"true"`
	GeminiAPIKey   string `json:"gemini_api_key,omitempty" split_words:"true"`
	EmbedModel     string `json:"embed_model,omitempty" split_words:"true"`
	Dimensions     int    `json:"dimensions,omitempty" split_words:"true"`
	IngestDir      string `json:"ingest_dir,omitempty" split_words:"true"`
	IngestInterval string `json:"ingest_interval,omitempty" split_words:"true"`
	Collection     string `json:"collection" split_words:"true"`
	Dataset        string `json:"dataset" split_words:"true"`
}

// ExtensionsConfig lists the extensions to load, in order, and their
// settings keyed by id.
type ExtensionsConfig struct {
	Enabled  []string                   `json:"enabled" split_words:"true"`
	Settings map[string]json.RawMessage `json:"settings,omitempty" ignored:"true"`
}

// IPCConfig holds the optional Kafka command source.
type IPCConfig struct {
	KafkaBrokers    string `json:"kafka_brokers,omitempty" split_words:"true"` // comma separated
	KafkaTopic      string `json:"kafka_topic,omitempty" split_words:"true"`
	KafkaGroup      string `json:"kafka_group,omitempty" split_words:"true"`
	KafkaReplyTopic string `json:"kafka_reply_topic,omitempty" split_words:"true"`
}

// ControlConfig holds the local control API listeners.
type ControlConfig struct {
	Enabled    bool   `json:"enabled" split_words:"true"`
	SocketPath string `json:"socket_path,omitempty" split_words:"true"`
	TCPAddr    string `json:"tcp_addr,omitempty" split_words:"true"` // e.g. "127.0.0.1:8090"
}

// JanitorConfig holds maintenance worker settings.
type JanitorConfig struct {
	Disabled bool     `json:"disabled,omitempty" split_words:"true"`
	Interval string   `json:"interval,omitempty" split_words:"true"` // e.g. "6h"
	Commands []string `json:"commands,omitempty" split_words:"true"`
}

// LoadConfig builds the configuration from the defaults, the file at path
// (JSON, or YAML by extension) and the file named by GLORIA_PRIVATE_CONFIG,
// in that order. $ENV references are resolved next and GLORIA_* environment
// variables override last. An empty path skips the file. persona_file, when
// set, replaces the inline persona.
func LoadConfig(path string) (*Config, error) {
	base, err := json.Marshal(defaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := base
	for _, p := range []string{path, os.Getenv("GLORIA_PRIVATE_CONFIG")} {
		if p == "" {
			continue
		}
		data, err := readConfigFile(p)
		if err != nil {
			return nil, err
		}
		merged, err = deepMergeJSON(merged, data)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", p, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.resolveEnv()

	if err := envconfig.Process("gloria", &cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if cfg.Assistant.PersonaFile != "" {
		data, err := os.ReadFile(cfg.Assistant.PersonaFile)
		if err != nil {
			return nil, fmt.Errorf("read persona %s: %w", cfg.Assistant.PersonaFile, err)
		}
		cfg.Assistant.Persona = strings.TrimSpace(string(data))
	}
	if cfg.Extensions.Settings == nil {
		cfg.Extensions.Settings = map[string]json.RawMessage{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the daemon cannot act on.
func (c *Config) Validate() error {
	switch c.Assistant.ThreadPolicy {
	case "sticky", "classifier":
	default:
		return fmt.Errorf("assistant.thread_policy: unknown policy %q", c.Assistant.ThreadPolicy)
	}
	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	for tier, p := range map[string]ProviderConfig{"classification": c.LLM.Classification, "completion": c.LLM.Completion} {
		switch p.Provider {
		case "", "anthropic", "openai", "gemini":
		default:
			return fmt.Errorf("llm.%s: unknown provider %q", tier, p.Provider)
		}
	}
	if c.Knowledge.Enabled {
		switch c.Knowledge.Embedder {
		case "tei", "gemini":
		default:
			return fmt.Errorf("knowledge.embedder: unknown embedder %q", c.Knowledge.Embedder)
		}
	}
	for _, d := range []struct{ name, value string }{
		{"knowledge.ingest_interval", c.Knowledge.IngestInterval},
		{"janitor.interval", c.Janitor.Interval},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}

// readConfigFile returns the file as JSON, converting YAML when the
// extension asks for it.
func readConfigFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert config %s: %w", path, err)
		}
		return out, nil
	}
	return data, nil
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			continue
		}
		dst[k] = v
	}
}

// resolveEnv expands $VAR references in secret-bearing fields.
func (c *Config) resolveEnv() {
	for _, s := range []*string{
		&c.Matrix.Homeserver,
		&c.Matrix.UserID,
		&c.Matrix.Password,
		&c.Matrix.ServerName,
		&c.LLM.Classification.APIKey,
		&c.LLM.Classification.BaseURL,
		&c.LLM.Completion.APIKey,
		&c.LLM.Completion.BaseURL,
		&c.Knowledge.PostgresURL,
		&c.Knowledge.TEIURL,
		&c.Knowledge.GeminiAPIKey,
		&c.IPC.KafkaBrokers,
	} {
		*s = resolveEnv(*s)
	}
}

// resolveEnv replaces a $ENV_VAR reference with its value when set.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

const defaultPersona = "You are Gloria, a friendly assistant who chats with a team over Matrix. " +
	"Keep answers short and plain, and say so when you do not know something."

func defaultConfig() *Config {
	return &Config{
		Name:     "gloria",
		LogLevel: "info",
		HTTPAddr: ":8080",
		Assistant: AssistantConfig{
			Persona:      defaultPersona,
			ClearCommand: "//clear.",
			ClearReply:   "Context cleared.",
			ThreadPolicy: "sticky",
		},
		Matrix: MatrixConfig{
			Homeserver: envOr("MATRIX_HOMESERVER", "http://synapse:8008"),
			UserID:     envOr("MATRIX_BOT_USER", "gloria"),
			Password:   "$MATRIX_BOT_PASSWORD",
			ServerName: envOr("MATRIX_SERVER_NAME", "matrix.example.com"),
			DataDir:    "/data",
		},
		LLM: LLMConfig{
			Classification: ProviderConfig{
				Provider:    "anthropic",
				Model:       "claude-haiku-4-5",
				APIKey:      "$ANTHROPIC_API_KEY",
				MaxOutput:   1024,
				Temperature: 0,
			},
			Completion: ProviderConfig{
				Provider:    "anthropic",
				Model:       "claude-sonnet-4-5",
				APIKey:      "$ANTHROPIC_API_KEY",
				MaxOutput:   4096,
				Temperature: 0.7,
			},
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "/data/gloria.db",
		},
		Knowledge: KnowledgeConfig{
			Embedder:       "tei",
			IngestInterval: "5m",
			Collection:     "knowledge",
			Dataset:        "general",
		},
		Extensions: ExtensionsConfig{
			Enabled:  []string{"status"},
			Settings: map[string]json.RawMessage{},
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "/tmp/gloria.sock",
		},
		Janitor: JanitorConfig{
			Interval: "6h",
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
