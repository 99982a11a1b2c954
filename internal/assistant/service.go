package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nous-labs/gloria/internal/conversation"
	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/llm"
	"github.com/nous-labs/gloria/internal/ragcache"
)

// Config holds the orchestrator settings.
type Config struct {
	ClearCommand      string
	ClearReply        string
	EmptyEndTaskText  string
	ErrorText         string
	DebugConversation bool
}

func (c *Config) applyDefaults() {
	if c.ClearCommand == "" {
		c.ClearCommand = "//clear."
	}
	if c.ClearReply == "" {
		c.ClearReply = "Context cleared."
	}
	if c.ErrorText == "" {
		c.ErrorText = "Error"
	}
}

// Incoming is one user message to handle.
type Incoming struct {
	Platform string
	Scope    string
	Sender   string
	Content  string
}

// Reply is the result of a turn. An empty Text means nothing should be sent.
type Reply struct {
	Text        string
	ThreadKey   string
	Command     bool
	TaskStarted bool
	TaskEnded   bool
	Failed      bool
}

// Event is published after each turn.
type Event struct {
	Kind  string         // chat, task, error
	Scope string
	Data  map[string]any
}

// Service is the turn orchestrator.
type Service struct {
	cfg         Config
	store       *conversation.Store
	resolver    *conversation.Resolver
	assembler   *Assembler
	interpreter *Interpreter
	registry    *extension.Registry
	cache       *ragcache.Cache
	llm         llm.Completer
	notify      func(Event)
}

// Options bundles the collaborators of a Service.
type Options struct {
	Config    Config
	Store     *conversation.Store
	Resolver  *conversation.Resolver
	Assembler *Assembler
	Registry  *extension.Registry
	Cache     *ragcache.Cache
	Completer llm.Completer
	Notify    func(Event)
}

func NewService(o Options) *Service {
	o.Config.applyDefaults()
	if o.Resolver == nil {
		o.Resolver = conversation.NewResolver(o.Store, nil)
	}
	if o.Notify == nil {
		o.Notify = func(Event) {}
	}
	return &Service{
		cfg:         o.Config,
		store:       o.Store,
		resolver:    o.Resolver,
		assembler:   o.Assembler,
		interpreter: NewInterpreter(o.Resolver, o.Registry, o.Config.EmptyEndTaskText),
		registry:    o.Registry,
		cache:       o.Cache,
		llm:         o.Completer,
		notify:      o.Notify,
	}
}

// HandleText runs one conversational turn.
func (s *Service) HandleText(ctx context.Context, in Incoming) (Reply, error) {
	text := strings.TrimSpace(in.Content)

	if text == s.cfg.ClearCommand {
		if err := s.ClearHistory(ctx, in.Scope); err != nil {
			return Reply{}, err
		}
		return Reply{Text: s.cfg.ClearReply, Command: true}, nil
	}
	if cmd, ok := s.registry.Command(in.Platform, text); ok {
		return s.runCommand(ctx, cmd, in, text), nil
	}

	key, err := s.resolver.Resolve(ctx, in.Scope, in.Content)
	if err != nil {
		return Reply{}, fmt.Errorf("resolve thread: %w", err)
	}
	thread, err := s.store.LoadOrNewThread(ctx, key)
	if err != nil {
		return Reply{}, err
	}
	thread.Append(llm.RoleUser, in.Content)

	messages := s.completionContext(ctx, in, thread)

	failed := false
	response, err := s.llm.Complete(ctx, llm.TierDeep, messages, llm.FormatText)
	if err != nil {
		slog.Error("completion failed", "scope", in.Scope, "error", err)
		response = s.cfg.ErrorText
		failed = true
		s.notify(Event{Kind: "error", Scope: in.Scope, Data: map[string]any{"error": err.Error()}})
	}

	// First save: the user turn survives a crash during interpretation.
	if err := s.store.SaveThread(ctx, key, thread); err != nil {
		return Reply{}, err
	}

	res, err := s.interpreter.Interpret(ctx, in.Scope, in.Platform, key, thread, response)
	if err != nil {
		return Reply{}, fmt.Errorf("interpret response: %w", err)
	}
	if res.Visible != "" {
		res.Thread.Append(llm.RoleAssistant, res.Visible)
	}
	if err := s.store.SaveThread(ctx, res.ThreadKey, res.Thread); err != nil {
		return Reply{}, err
	}

	if res.Visible != "" {
		s.dispatchTriggers(ctx, in, res)
	}

	if res.TaskStarted || res.TaskEnded {
		s.notify(Event{Kind: "task", Scope: in.Scope, Data: map[string]any{
			"started": res.TaskStarted, "ended": res.TaskEnded, "refreshed": res.Refreshed,
		}})
	}
	s.notify(Event{Kind: "chat", Scope: in.Scope, Data: map[string]any{
		"sender": in.Sender, "user": in.Content, "assistant": res.Visible,
	}})

	return Reply{
		Text:        res.Visible,
		ThreadKey:   res.ThreadKey,
		TaskStarted: res.TaskStarted,
		TaskEnded:   res.TaskEnded,
		Failed:      failed,
	}, nil
}

// completionContext is the system context, then the thread, then every
// cached retrieval slot.
func (s *Service) completionContext(ctx context.Context, in Incoming, thread *conversation.Thread) []llm.Message {
	messages := s.assembler.SystemContext(ctx, in.Platform, in.Sender)
	messages = append(messages, thread.Messages...)

	for _, rt := range s.registry.Retrievals(in.Platform) {
		extension.Guard(rt.Name(), "retrieve", func() error {
			return rt.Retrieve(ctx, in.Sender, in.Content)
		})
		cached, ok, err := s.cache.Load(ctx, rt.CacheKey())
		if err != nil {
			slog.Warn("retrieval cache unreadable", "extension", rt.Name(), "error", err)
			continue
		}
		if ok {
			messages = append(messages, cached...)
		}
	}

	if s.cfg.DebugConversation {
		if b, err := json.Marshal(messages); err == nil {
			slog.Debug("completion context", "scope", in.Scope, "messages", string(b))
		}
	}
	return messages
}

func (s *Service) dispatchTriggers(ctx context.Context, in Incoming, res Interpretation) {
	ev := extension.TriggerEvent{
		Message:   res.Visible,
		Role:      llm.RoleAssistant,
		Scope:     in.Scope,
		UserID:    in.Sender,
		ThreadKey: res.ThreadKey,
		Platform:  in.Platform,
	}
	for _, t := range s.registry.Triggers(in.Platform) {
		extension.Guard(t.Name(), "process_message", func() error {
			return t.ProcessMessage(ctx, ev)
		})
	}
}

func (s *Service) runCommand(ctx context.Context, cmd extension.Command, in Incoming, text string) Reply {
	var out string
	err := extension.Guard(cmd.Name(), "execute", func() error {
		var err error
		out, err = cmd.Execute(ctx, extension.CommandRequest{
			Command:  text,
			Scope:    in.Scope,
			UserID:   in.Sender,
			Platform: in.Platform,
		})
		return err
	})
	if err != nil {
		return Reply{Text: s.cfg.ErrorText, Command: true, Failed: true}
	}
	return Reply{Text: out, Command: true}
}

// ClearHistory empties the attention thread of scope and drops every
// retrieval cache slot.
func (s *Service) ClearHistory(ctx context.Context, scope string) error {
	if _, _, err := s.resolver.Refresh(ctx, scope, false); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	var keys []string
	for _, rt := range s.registry.AllRetrievals() {
		keys = append(keys, rt.CacheKey())
	}
	if err := s.cache.Clear(ctx, keys...); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	slog.Info("history cleared", "scope", scope, "caches", len(keys))
	return nil
}

// AddMessage appends a turn to the attention thread of scope outside a
// regular exchange, keeping user and assistant turns alternating.
func (s *Service) AddMessage(ctx context.Context, scope, role, content string) error {
	reg, err := s.store.LoadRegistry(ctx, scope)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	var key string
	if reg != nil {
		key = reg.AttentionThread
	}
	if key == "" {
		if key, err = s.resolver.Resolve(ctx, scope, content); err != nil {
			return fmt.Errorf("add message: %w", err)
		}
	}
	thread, err := s.store.LoadOrNewThread(ctx, key)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	thread.AppendAlternating(role, content)
	return s.store.SaveThread(ctx, key, thread)
}

// TeardownScope deletes every thread of scope and its registry.
func (s *Service) TeardownScope(ctx context.Context, scope string) error {
	return s.store.DeleteScope(ctx, scope)
}

// Status reports on the attention thread of scope without modifying it.
func (s *Service) Status(ctx context.Context, scope string) (conversation.Status, error) {
	return s.store.Status(ctx, scope)
}

// ThreadMessages returns the messages stored under a thread key.
func (s *Service) ThreadMessages(ctx context.Context, key string) ([]llm.Message, error) {
	t, err := s.store.LoadThread(ctx, key)
	if err != nil {
		return nil, err
	}
	return t.Messages, nil
}
