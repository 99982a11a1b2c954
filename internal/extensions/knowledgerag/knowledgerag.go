// Package knowledgerag is a retrieval extension backed by the knowledge
// index. A classification call decides whether a message asks about the
// configured topic; only then is the index searched and the cache slot
// rewritten.
package knowledgerag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/llm"
	"github.com/nous-labs/gloria/internal/ragcache"
	"github.com/nous-labs/gloria/pkg/knowledge"
	"github.com/nous-labs/gloria/pkg/users"
)

const ID = "knowledge"

// Separator joins the hits in the cached context message.
const Separator = " || "

// Settings configures one knowledge base.
type Settings struct {
	Name       string   `json:"name"`
	Platforms  []string `json:"platforms"`
	CacheKey   string   `json:"cache_key"`
	Collection string   `json:"collection"`
	Datasets   []string `json:"datasets"`
	Strategy   string   `json:"strategy"`
	Limit      int      `json:"limit"`
	// Label names the knowledge base in the no-results notice.
	Label string `json:"label"`
	// Topic describes which messages should trigger a search, for the
	// classifier.
	Topic string `json:"topic"`
	// IncludeSender passes the sender's display name to the classifier.
	IncludeSender bool `json:"include_sender"`
}

func (s *Settings) applyDefaults() {
	if s.Name == "" {
		s.Name = ID
	}
	if s.CacheKey == "" {
		s.CacheKey = "rag_cache_" + s.Name
	}
	if s.Strategy == "" {
		s.Strategy = string(knowledge.StrategyShould)
	}
	if s.Label == "" {
		s.Label = s.Collection
	}
}

// Extension is the knowledge retrieval extension.
type Extension struct {
	cfg    Settings
	llm    llm.Completer
	search knowledge.Searcher
	cache  *ragcache.Cache
	users  *users.Directory
}

func New(deps extension.Deps, cfg Settings) (*Extension, error) {
	cfg.applyDefaults()
	if deps.Search == nil {
		return nil, fmt.Errorf("knowledge extension %s: no knowledge index configured", cfg.Name)
	}
	if cfg.Collection == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("knowledge extension %s: collection and topic are required", cfg.Name)
	}
	switch knowledge.Strategy(cfg.Strategy) {
	case knowledge.StrategyMust, knowledge.StrategyShould:
	default:
		return nil, fmt.Errorf("knowledge extension %s: unknown strategy %q", cfg.Name, cfg.Strategy)
	}
	return &Extension{cfg: cfg, llm: deps.Completer, search: deps.Search, cache: deps.Cache, users: deps.Users}, nil
}

func Factory(deps extension.Deps, raw json.RawMessage) (extension.Extension, error) {
	var cfg Settings
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("knowledge settings: %w", err)
		}
	}
	return New(deps, cfg)
}

func (e *Extension) Name() string        { return e.cfg.Name }
func (e *Extension) Platforms() []string { return e.cfg.Platforms }
func (e *Extension) CacheKey() string    { return e.cfg.CacheKey }

// Retrieve rewrites the cache slot when the message is about the topic.
func (e *Extension) Retrieve(ctx context.Context, sender, message string) error {
	relevant, err := e.classify(ctx, sender, message)
	if err != nil {
		return fmt.Errorf("classify message: %w", err)
	}
	if !relevant {
		slog.Debug("knowledge retrieval skipped", "extension", e.cfg.Name)
		return nil
	}

	hits, err := e.search.Search(ctx, knowledge.SearchRequest{
		Collection: e.cfg.Collection,
		Datasets:   e.cfg.Datasets,
		Query:      message,
		Strategy:   knowledge.Strategy(e.cfg.Strategy),
		Limit:      e.cfg.Limit,
	})
	if err != nil {
		return fmt.Errorf("search %s: %w", e.cfg.Collection, err)
	}
	slog.Debug("knowledge retrieval", "extension", e.cfg.Name, "hits", len(hits))

	docs := make([]string, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, Render(h))
	}
	if len(docs) == 0 {
		docs = append(docs, fmt.Sprintf("No relevant information found in your %s knowledge base. Do not make up any information.", e.cfg.Label))
	}
	return e.cache.Store(ctx, e.cfg.CacheKey, []llm.Message{
		{Role: llm.RoleSystem, Content: strings.Join(docs, Separator)},
	})
}

func (e *Extension) classify(ctx context.Context, sender, message string) (bool, error) {
	prompt := "You classify user messages and answer with JSON only. Decide whether the user wants information about " +
		e.cfg.Topic + `. Answer {"classification": true} if they do and {"classification": false} otherwise.`
	if e.cfg.IncludeSender && e.users != nil {
		prompt += " The message was sent by " + e.users.DisplayName(ctx, sender) + "."
	}
	out, err := e.llm.Complete(ctx, llm.TierFast, []llm.Message{
		{Role: llm.RoleSystem, Content: prompt},
		{Role: llm.RoleUser, Content: message},
	}, llm.FormatJSON)
	if err != nil {
		return false, err
	}
	out = strings.TrimSpace(out)
	if !gjson.Valid(out) {
		return false, fmt.Errorf("classifier returned invalid json: %q", out)
	}
	return gjson.Get(out, "classification").Bool(), nil
}

// Render formats a hit, citing its document section when the chunk carries
// a title.
func Render(h knowledge.Hit) string {
	title, _ := h.Payload["title"].(string)
	if title == "" {
		return h.Content
	}
	return fmt.Sprintf("Section %v of %v of the %s states: %s",
		h.Payload["section"], h.Payload["total_sections"], title, h.Content)
}
