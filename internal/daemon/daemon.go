// Package daemon wires the assistant together and runs it.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/gloria/internal/assistant"
	"github.com/nous-labs/gloria/internal/channel/matrix"
	"github.com/nous-labs/gloria/internal/conversation"
	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/extensions"
	"github.com/nous-labs/gloria/internal/extensions/meeting"
	"github.com/nous-labs/gloria/internal/extensions/status"
	"github.com/nous-labs/gloria/internal/ipc"
	"github.com/nous-labs/gloria/internal/janitor"
	"github.com/nous-labs/gloria/internal/llm"
	"github.com/nous-labs/gloria/internal/ragcache"
	"github.com/nous-labs/gloria/pkg/channel"
	"github.com/nous-labs/gloria/pkg/knowledge"
	"github.com/nous-labs/gloria/pkg/kv"
	"github.com/nous-labs/gloria/pkg/users"
)

// Daemon is the running assistant.
type Daemon struct {
	config *Config
	events *EventBus

	kv         kv.Store
	users      *users.Directory
	matrix     *matrix.Channel
	registry   *extension.Registry
	service    *assistant.Service
	dispatcher *assistant.Dispatcher
	ipc        *ipc.Service
	kafka      *ipc.KafkaSource
	janitor    *janitor.Worker

	knowledge *knowledge.Store
	ingester  *knowledge.Ingester

	startedAt time.Time
	healthyMu sync.RWMutex
	healthy   bool
}

// New builds every component from cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *Config) (*Daemon, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	d := &Daemon{
		config:    cfg,
		events:    NewEventBus(),
		startedAt: time.Now(),
	}

	store, err := openKV(cfg.Storage)
	if err != nil {
		return nil, err
	}
	d.kv = store
	d.users = users.NewDirectory(store)

	completer, err := newCompleter(ctx, cfg.LLM)
	if err != nil {
		d.close()
		return nil, err
	}

	var search knowledge.Searcher
	if cfg.Knowledge.Enabled {
		if ix := d.initKnowledge(ctx); ix != nil {
			search = ix
		}
	}

	var rooms channel.Rooms
	if cfg.Matrix.Homeserver != "" {
		d.matrix = matrix.New(matrix.Config{
			Homeserver:     cfg.Matrix.Homeserver,
			UserID:         cfg.Matrix.UserID,
			Password:       cfg.Matrix.Password,
			ServerName:     cfg.Matrix.ServerName,
			AllowedUsers:   cfg.Matrix.AllowedUsers,
			AllowedDomains: cfg.Matrix.AllowedDomains,
			DeniedDomains:  cfg.Matrix.DeniedDomains,
			DirectOnly:     cfg.Matrix.DirectOnly,
			DataDir:        cfg.Matrix.DataDir,
		}, d.users)
		rooms = d.matrix
	} else {
		slog.Warn("matrix homeserver not configured, only the control API will accept messages")
	}

	threads := conversation.NewStore(store)
	var policy conversation.Policy = conversation.StickyPolicy{}
	if cfg.Assistant.ThreadPolicy == "classifier" {
		policy = conversation.ClassifierPolicy{
			Store:      threads,
			Classifier: assistant.NewContinuationClassifier(completer),
		}
	}
	resolver := conversation.NewResolver(threads, policy)
	cache := ragcache.New(store)

	// The service and the extensions refer to each other: the registry is
	// filled after the service holding it exists.
	d.registry = extension.NewRegistry()
	d.service = assistant.NewService(assistant.Options{
		Config: assistant.Config{
			ClearCommand:      cfg.Assistant.ClearCommand,
			ClearReply:        cfg.Assistant.ClearReply,
			EmptyEndTaskText:  cfg.Assistant.EmptyEndTaskText,
			DebugConversation: cfg.Assistant.DebugConversation,
		},
		Store:     threads,
		Resolver:  resolver,
		Assembler: assistant.NewAssembler(cfg.Assistant.Persona, d.users, d.registry),
		Registry:  d.registry,
		Cache:     cache,
		Completer: completer,
		Notify:    d.publishTurn,
	})

	catalog := extensions.Catalog()
	catalog[status.ID] = func(deps extension.Deps, _ json.RawMessage) (extension.Extension, error) {
		return status.New(deps, d.registry.Names)
	}
	deps := extension.Deps{
		Completer: completer,
		KV:        store,
		Cache:     cache,
		Users:     d.users,
		Rooms:     rooms,
		Threads:   d.service,
		Search:    search,
	}
	if err := catalog.Load(d.registry, deps, cfg.Extensions.Enabled, cfg.Extensions.Settings); err != nil {
		d.close()
		return nil, err
	}
	slog.Info("extensions loaded", "extensions", d.registry.Names())

	d.dispatcher = assistant.NewDispatcher(d.service)
	d.ipc = ipc.NewService(d.registry)

	if cfg.IPC.KafkaBrokers != "" {
		src, err := ipc.NewKafkaSource(ipc.KafkaConfig{
			Brokers:    cfg.IPC.KafkaBrokers,
			Topic:      cfg.IPC.KafkaTopic,
			GroupID:    cfg.IPC.KafkaGroup,
			ReplyTopic: cfg.IPC.KafkaReplyTopic,
		}, d.ipc)
		if err != nil {
			d.close()
			return nil, err
		}
		d.kafka = src
	}

	if !cfg.Janitor.Disabled {
		commands := cfg.Janitor.Commands
		if len(commands) == 0 && len(d.registry.IPCHandlers(meeting.CommandDeleteExpired)) > 0 {
			commands = []string{meeting.CommandDeleteExpired}
		}
		interval, _ := time.ParseDuration(cfg.Janitor.Interval)
		d.janitor = janitor.NewWorker(threads, d.ipc, func(typ, msg string) {
			d.events.Publish(Event{Type: EventStatus, Message: "[janitor] " + msg, Data: map[string]any{"kind": typ}})
		}, janitor.Config{Interval: interval, Commands: commands})
	}

	return d, nil
}

// Run starts every worker and blocks until ctx is cancelled or a worker
// fails. Resources are released before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.serveHealth(ctx) })
	if d.config.Control.Enabled {
		g.Go(func() error { return d.serveControl(ctx) })
	}
	if d.matrix != nil {
		g.Go(func() error {
			if err := d.matrix.Start(ctx, d.onMessage); err != nil {
				return fmt.Errorf("matrix channel: %w", err)
			}
			return nil
		})
	}
	if d.kafka != nil {
		g.Go(func() error { return d.kafka.Run(ctx) })
	}
	if d.ingester != nil {
		g.Go(func() error { d.ingester.Run(ctx); return nil })
	}
	if d.janitor != nil {
		g.Go(func() error { d.janitor.Run(ctx); return nil })
	}

	d.setHealthy(true)
	d.events.Publish(Event{Type: EventStatus, Message: "started", Data: map[string]any{"extensions": d.registry.Names()}})
	slog.Info("gloria running", "name", d.config.Name, "extensions", d.registry.Names())

	err := g.Wait()
	d.setHealthy(false)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// onMessage handles one Matrix message: mark it read, run the turn in the
// room's queue and send a non-empty reply.
func (d *Daemon) onMessage(ctx context.Context, msg channel.Message) error {
	if msg.ID != "" {
		if err := d.matrix.MarkRead(ctx, msg.RoomID, msg.ID); err != nil {
			slog.Warn("mark read failed", "room", msg.RoomID, "error", err)
		}
	}

	reply, err := d.dispatcher.Submit(ctx, assistant.Incoming{
		Platform: msg.Source,
		Scope:    msg.RoomID,
		Sender:   msg.SenderID,
		Content:  msg.Content,
	})
	if err != nil {
		d.events.Publish(Event{Type: EventError, Scope: msg.RoomID, Platform: msg.Source, Message: err.Error()})
		if sendErr := d.matrix.Send(ctx, channel.Response{
			RoomID:  msg.RoomID,
			Content: "*(Error: the message could not be handled)*",
		}); sendErr != nil {
			slog.Error("failed to send error notice", "room", msg.RoomID, "error", sendErr)
		}
		return fmt.Errorf("handle message: %w", err)
	}
	if reply.Text == "" {
		return nil
	}
	if err := d.matrix.Send(ctx, channel.Response{RoomID: msg.RoomID, Content: reply.Text}); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}

// publishTurn forwards orchestrator events to the bus.
func (d *Daemon) publishTurn(e assistant.Event) {
	d.events.Publish(Event{Type: e.Kind, Scope: e.Scope, Data: e.Data})
}

// serveHealth serves /health on http_addr until ctx is cancelled.
func (d *Daemon) serveHealth(ctx context.Context) error {
	if d.config.HTTPAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	srv := &http.Server{Addr: d.config.HTTPAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("health endpoint listening", "addr", d.config.HTTPAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// initKnowledge connects the retrieval gateway. Failures are logged and
// leave retrieval disabled.
func (d *Daemon) initKnowledge(ctx context.Context) *knowledge.Index {
	kc := d.config.Knowledge
	if kc.PostgresURL == "" {
		slog.Warn("knowledge enabled but postgres_url is empty")
		return nil
	}

	var embedder knowledge.Embedder
	switch kc.Embedder {
	case "gemini":
		e, err := knowledge.NewGenAIEmbedder(ctx, kc.GeminiAPIKey, kc.EmbedModel, kc.Dimensions)
		if err != nil {
			slog.Warn("knowledge embedder unavailable", "embedder", kc.Embedder, "error", err)
			return nil
		}
		embedder = e
	default:
		if kc.TEIURL == "" {
			slog.Warn("knowledge enabled but tei_url is empty")
			return nil
		}
		embedder = knowledge.NewTEIClient(kc.TEIURL)
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := knowledge.NewStore(initCtx, kc.PostgresURL)
	if err != nil {
		slog.Warn("knowledge store unavailable", "error", err)
		return nil
	}
	if err := store.Init(initCtx); err != nil {
		slog.Warn("knowledge store init failed", "error", err)
		store.Close()
		return nil
	}
	d.knowledge = store

	if kc.IngestDir != "" {
		interval, _ := time.ParseDuration(kc.IngestInterval)
		d.ingester = knowledge.NewIngester(store, embedder, kc.IngestDir, kc.Collection, kc.Dataset, interval)
	}
	slog.Info("knowledge gateway ready", "embedder", kc.Embedder, "collection", kc.Collection, "ingest_dir", kc.IngestDir)
	return knowledge.NewIndex(store, embedder)
}

func (d *Daemon) close() {
	if d.dispatcher != nil {
		d.dispatcher.Close()
	}
	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			slog.Warn("kafka close failed", "error", err)
		}
	}
	if d.knowledge != nil {
		d.knowledge.Close()
		d.knowledge = nil
	}
	if d.kv != nil {
		if err := d.kv.Close(); err != nil {
			slog.Warn("kv close failed", "error", err)
		}
		d.kv = nil
	}
}

func (d *Daemon) setHealthy(v bool) {
	d.healthyMu.Lock()
	d.healthy = v
	d.healthyMu.Unlock()
}

func (d *Daemon) isHealthy() bool {
	d.healthyMu.RLock()
	defer d.healthyMu.RUnlock()
	return d.healthy
}

func openKV(cfg StorageConfig) (kv.Store, error) {
	if cfg.Backend == "memory" {
		slog.Warn("using in-memory storage, conversations will not survive a restart")
		return kv.NewMemory(), nil
	}
	s, err := kv.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	slog.Info("storage opened", "path", s.Path())
	return s, nil
}

// newCompleter builds the tiered gateway. A tier without a usable provider
// falls back to the other one.
func newCompleter(ctx context.Context, cfg LLMConfig) (*llm.Gateway, error) {
	providers := map[llm.Tier]llm.Provider{}
	settings := map[llm.Tier]llm.TierSettings{}
	for tier, pc := range map[llm.Tier]ProviderConfig{
		llm.TierFast: cfg.Classification,
		llm.TierDeep: cfg.Completion,
	} {
		settings[tier] = llm.TierSettings{Model: pc.Model, MaxTokens: pc.MaxOutput, Temperature: pc.Temperature}
		p, err := newProvider(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("llm %s: %w", tier, err)
		}
		if p == nil {
			slog.Warn("llm tier has no provider", "tier", tier.String(), "provider", pc.Provider)
			continue
		}
		providers[tier] = p
		slog.Info("llm provider configured", "tier", tier.String(), "provider", p.Name(), "model", pc.Model)
	}
	if len(providers) == 0 {
		slog.Warn("no llm providers configured, every completion will fail")
	}
	return llm.NewGateway(llm.NewRouter(providers), settings), nil
}

// newProvider returns nil when the provider has no usable key.
func newProvider(ctx context.Context, pc ProviderConfig) (llm.Provider, error) {
	if pc.APIKey == "" || strings.HasPrefix(pc.APIKey, "$") {
		return nil, nil
	}
	switch pc.Provider {
	case "anthropic":
		return llm.NewAnthropic(pc.BaseURL, pc.APIKey, pc.Model), nil
	case "openai":
		return llm.NewOpenAICompat("openai", pc.BaseURL, pc.APIKey, pc.Model), nil
	case "gemini":
		return llm.NewGemini(ctx, pc.APIKey, pc.Model)
	case "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown provider %q", pc.Provider)
}
