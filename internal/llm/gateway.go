package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// Completer is the narrow completion surface used by the assistant and its
// extensions. Implementations return an error when no text could be produced.
type Completer interface {
	Complete(ctx context.Context, tier Tier, messages []Message, format Format) (string, error)
}

// TierSettings are the per-tier request defaults.
type TierSettings struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Gateway adapts a Router to Completer, applying per-tier settings.
type Gateway struct {
	router   *Router
	settings map[Tier]TierSettings
}

func NewGateway(router *Router, settings map[Tier]TierSettings) *Gateway {
	return &Gateway{router: router, settings: settings}
}

func (g *Gateway) Complete(ctx context.Context, tier Tier, messages []Message, format Format) (string, error) {
	s := g.settings[tier]
	resp, err := g.router.Complete(ctx, tier, CompletionRequest{
		Messages:    messages,
		Model:       s.Model,
		MaxTokens:   s.MaxTokens,
		Temperature: s.Temperature,
		Format:      format,
	})
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", tier, err)
	}
	slog.Debug("completion done",
		"tier", tier.String(),
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return resp.Content, nil
}
