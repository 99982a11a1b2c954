package assistant

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nous-labs/gloria/internal/conversation"
	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/llm"
)

const (
	markerTask    = "[task]"
	markerEndTask = "[end-task]"
)

// Interpretation is the outcome of scanning a response for task markers.
type Interpretation struct {
	Visible     string
	ThreadKey   string
	Thread      *conversation.Thread
	TaskStarted bool
	TaskEnded   bool
	Refreshed   bool
}

// Interpreter applies the [task] and [end-task] markers to the thread.
type Interpreter struct {
	resolver         *conversation.Resolver
	registry         *extension.Registry
	emptyEndTaskText string
}

func NewInterpreter(resolver *conversation.Resolver, reg *extension.Registry, emptyEndTaskText string) *Interpreter {
	return &Interpreter{resolver: resolver, registry: reg, emptyEndTaskText: emptyEndTaskText}
}

// Interpret strips markers from response. A [task] marker truncates the
// attention thread to the latest user turn and notes the marker there. An
// [end-task] marker empties it unless a trigger extension's phrase appears
// in the response. Both refreshes keep the thread key.
func (in *Interpreter) Interpret(ctx context.Context, scope, platform, key string, thread *conversation.Thread, response string) (Interpretation, error) {
	out := Interpretation{Visible: response, ThreadKey: key, Thread: thread}

	if strings.Contains(out.Visible, markerTask) {
		slog.Debug("[task] detected", "scope", scope)
		newKey, fresh, err := in.resolver.Refresh(ctx, scope, true)
		if err != nil {
			return out, err
		}
		out.ThreadKey, out.Thread = newKey, fresh
		out.TaskStarted, out.Refreshed = true, true
		out.Visible = strings.TrimSpace(strings.ReplaceAll(out.Visible, markerTask, ""))
		out.Thread.Append(llm.RoleSystem, markerTask)
	}

	if strings.Contains(out.Visible, markerEndTask) {
		slog.Debug("[end-task] detected", "scope", scope)
		out.TaskEnded = true
		if !in.triggered(platform, out.Visible) {
			newKey, fresh, err := in.resolver.Refresh(ctx, scope, false)
			if err != nil {
				return out, err
			}
			out.ThreadKey, out.Thread = newKey, fresh
			out.Refreshed = true
		}
		out.Visible = strings.TrimSpace(strings.ReplaceAll(out.Visible, markerEndTask, ""))
		if out.Visible == "" {
			out.Visible = in.emptyEndTaskText
		}
	}
	return out, nil
}

func (in *Interpreter) triggered(platform, text string) bool {
	for _, t := range in.registry.Triggers(platform) {
		var phrases []string
		if err := extension.Guard(t.Name(), "triggers", func() error {
			phrases = t.Triggers()
			return nil
		}); err != nil {
			continue
		}
		if extension.ContainsTrigger(text, phrases) {
			slog.Debug("trigger phrase keeps thread", "extension", t.Name())
			return true
		}
	}
	return false
}
