// Package llm provides the completion providers the assistant talks to and
// the tiered router that picks between them.
package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Format selects the shape of the completion output.
type Format string

const (
	FormatText Format = ""
	FormatJSON Format = "json"
)

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Format      Format    `json:"format,omitempty"`
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "gemini").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Tier represents what a completion is used for.
type Tier int

const (
	TierFast Tier = iota // classification: thread continuation, retrieval gating, parameter extraction
	TierDeep             // conversational completion
)

func (t Tier) String() string {
	if t == TierFast {
		return "classification"
	}
	return "completion"
}

// Router selects the appropriate provider based on tier.
type Router struct {
	providers map[Tier]Provider
}

// NewRouter creates a provider router with the given tier mappings.
func NewRouter(providers map[Tier]Provider) *Router {
	return &Router{providers: providers}
}

// Complete routes a request to the provider for tier, falling back to the
// other tier when only one is configured.
func (r *Router) Complete(ctx context.Context, tier Tier, req CompletionRequest) (*CompletionResponse, error) {
	p := r.resolveProvider(tier)
	if p == nil {
		return nil, ErrNoProvider
	}
	return p.Complete(ctx, req)
}

func (r *Router) resolveProvider(tier Tier) Provider {
	if p, ok := r.providers[tier]; ok && p != nil {
		return p
	}
	for _, fallback := range []Tier{TierDeep, TierFast} {
		if fallback == tier {
			continue
		}
		if p, ok := r.providers[fallback]; ok && p != nil {
			return p
		}
	}
	return nil
}

// ErrNoProvider is returned when no provider is configured for the requested tier.
var ErrNoProvider = &ProviderError{Message: "no provider configured for requested tier"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

// splitSystem lifts the leading run of system messages into a single system
// prompt. Later system messages are kept in place as user turns, and
// adjacent turns with the same role are merged so providers that require
// strict alternation accept the history.
func splitSystem(msgs []Message) (string, []Message) {
	var sys []string
	i := 0
	for ; i < len(msgs) && msgs[i].Role == RoleSystem; i++ {
		sys = append(sys, msgs[i].Content)
	}

	var rest []Message
	for _, m := range msgs[i:] {
		role := m.Role
		if role == RoleSystem {
			role = RoleUser
		}
		if n := len(rest); n > 0 && rest[n-1].Role == role {
			rest[n-1].Content += "\n\n" + m.Content
			continue
		}
		rest = append(rest, Message{Role: role, Content: m.Content})
	}
	return joinNonEmpty(sys, "\n\n"), rest
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += sep
		}
		out += p
	}
	return out
}

const jsonInstruction = "Respond with a single valid JSON object and nothing else."
