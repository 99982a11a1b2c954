package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nous-labs/gloria/internal/llm"
)

// Policy decides which existing thread, if any, an incoming message continues.
type Policy interface {
	// Select returns the id of the thread to continue, or "" to open a new one.
	Select(ctx context.Context, reg *Registry, message string) (string, error)
}

// Resolver maps a scope and message to the thread that receives it.
type Resolver struct {
	store  *Store
	policy Policy
}

func NewResolver(store *Store, policy Policy) *Resolver {
	if policy == nil {
		policy = StickyPolicy{}
	}
	return &Resolver{store: store, policy: policy}
}

// Resolve returns the attention thread id for scope after applying the
// policy, creating the registry and a first thread when the scope is new.
func (r *Resolver) Resolve(ctx context.Context, scope, message string) (string, error) {
	reg, err := r.store.LoadRegistry(ctx, scope)
	if err != nil {
		return "", err
	}
	if reg == nil {
		id, _, err := r.open(ctx, scope, &Registry{})
		return id, err
	}

	id, err := r.policy.Select(ctx, reg, message)
	if err != nil {
		return "", fmt.Errorf("select thread: %w", err)
	}
	if id == "" {
		id, _, err = r.open(ctx, scope, reg)
		return id, err
	}
	if id != reg.AttentionThread {
		reg.Attend(id)
		if err := r.store.SaveRegistry(ctx, scope, reg); err != nil {
			return "", err
		}
	}
	return id, nil
}

// Refresh resets the attention thread of scope in place: with startTask
// only its last message is kept, otherwise it is emptied. The thread id does
// not change. A scope without a registry gets its first thread.
func (r *Resolver) Refresh(ctx context.Context, scope string, startTask bool) (string, *Thread, error) {
	reg, err := r.store.LoadRegistry(ctx, scope)
	if err != nil {
		return "", nil, err
	}
	if reg == nil {
		reg = &Registry{}
	}
	if reg.AttentionThread == "" {
		return r.open(ctx, scope, reg)
	}

	id := reg.AttentionThread
	t, err := r.store.LoadOrNewThread(ctx, id)
	if err != nil {
		return "", nil, err
	}
	before := len(t.Messages)
	switch {
	case startTask && before > 0:
		t.Messages = append([]llm.Message(nil), t.Messages[before-1])
	default:
		t.Messages = []llm.Message{}
	}
	if err := r.store.SaveThread(ctx, id, t); err != nil {
		return "", nil, err
	}
	slog.Debug("thread refreshed", "scope", scope, "thread", id, "start_task", startTask, "dropped", before-len(t.Messages))
	return id, t, nil
}

func (r *Resolver) open(ctx context.Context, scope string, reg *Registry) (string, *Thread, error) {
	id := NewThreadKey()
	t := r.store.NewThread()
	if err := r.store.SaveThread(ctx, id, t); err != nil {
		return "", nil, err
	}
	reg.Attend(id)
	if err := r.store.SaveRegistry(ctx, scope, reg); err != nil {
		return "", nil, err
	}
	slog.Debug("thread opened", "scope", scope, "thread", id)
	return id, t, nil
}

// StickyPolicy continues the attention thread until it is refreshed.
type StickyPolicy struct{}

func (StickyPolicy) Select(_ context.Context, reg *Registry, _ string) (string, error) {
	return reg.AttentionThread, nil
}

// Verdict is a classifier's opinion on whether a message continues a thread.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictContinues
	VerdictDiverges
)

// ContinuationClassifier judges whether message continues history.
type ContinuationClassifier interface {
	Classify(ctx context.Context, history []llm.Message, message string) (Verdict, error)
}

// ClassifierPolicy asks a classifier about every registered thread. One
// continuing thread is selected; several resolve to the attention thread
// when it is among them; none opens a new thread. Threads the classifier
// has no opinion on are not hits.
type ClassifierPolicy struct {
	Store      *Store
	Classifier ContinuationClassifier
}

func (p ClassifierPolicy) Select(ctx context.Context, reg *Registry, message string) (string, error) {
	var hits []string
	for _, id := range reg.Threads {
		t, err := p.Store.LoadThread(ctx, id)
		if errors.Is(err, ErrThreadNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		v, err := p.Classifier.Classify(ctx, t.Messages, message)
		if err != nil {
			slog.Warn("thread classification failed", "thread", id, "error", err)
			continue
		}
		if v == VerdictContinues {
			hits = append(hits, id)
		}
	}

	if len(hits) == 1 {
		return hits[0], nil
	}
	for _, id := range hits {
		if id == reg.AttentionThread {
			return id, nil
		}
	}
	return "", nil
}
