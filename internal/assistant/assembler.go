// Package assistant runs conversational turns: it resolves the thread,
// assembles the completion context, calls the model, interprets task
// markers and dispatches the result to extensions.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/llm"
	"github.com/nous-labs/gloria/pkg/users"
)

const (
	taskStartInstructions = "Your primary role is to help the user complete tasks. If the user " +
		"sends a message that is not a follow-up to the previous task, asks a new question, " +
		"requests a new action, or changes the topic, treat it as the start of a new task. " +
		"Do not treat a simple greeting such as \"hello\" or a stop-word such as \"ok\" as a new task. " +
		"When you detect a new task, prefix your message with [task], skip a line, then add your response. " +
		"Use square brackets exactly as shown. If [task] already appears in your chat history with the user, " +
		"do not add it to any new messages."

	taskEndInstructions = "A task has ended when you have completed a requested action, answered a question " +
		"that is unlikely to have a follow-up, or reached a natural conclusion. Also consider a task complete " +
		"if the user thanks you, says they no longer need assistance, or cancels the task. " +
		"When you detect the end of a task, write your response, skip a line, and add [end-task]. " +
		"Use square brackets exactly as shown. Never reply with [end-task] alone; always say something."
)

// Assembler builds the system portion of the completion context.
type Assembler struct {
	persona  string
	users    *users.Directory
	registry *extension.Registry
	now      func() time.Time
}

func NewAssembler(persona string, dir *users.Directory, reg *extension.Registry) *Assembler {
	return &Assembler{persona: persona, users: dir, registry: reg, now: time.Now}
}

// SystemContext returns, in order: current date and time, persona, the
// sender's identity, the known-user list, each trigger extension's context,
// and the task start and end instructions.
func (a *Assembler) SystemContext(ctx context.Context, platform, sender string) []llm.Message {
	msgs := []llm.Message{
		system("The day of the week, date, and time are " + a.now().Format("Monday, 2006-01-02, 15:04:05") + ", respectively."),
		system(a.persona),
		system(fmt.Sprintf(
			"You are chatting with %s (%s). Refer to this user by their first name unless otherwise instructed.",
			a.users.DisplayName(ctx, sender), sender)),
		system(a.knownUsers(ctx)),
	}

	for _, t := range a.registry.Triggers(platform) {
		var extra []llm.Message
		extension.Guard(t.Name(), "system_context", func() error {
			extra = t.SystemContext(ctx, sender)
			return nil
		})
		msgs = append(msgs, extra...)
	}

	return append(msgs, system(taskStartInstructions), system(taskEndInstructions))
}

func (a *Assembler) knownUsers(ctx context.Context) string {
	known, err := a.users.KnownUsers(ctx)
	if err != nil {
		slog.Warn("known users unavailable", "error", err)
	}
	entries := make([]string, len(known))
	for i, u := range known {
		entries[i] = fmt.Sprintf("%s (%s)", u.DisplayName, u.ID)
	}
	return "The list of known users on the platform are: " + strings.Join(entries, ",") + "."
}

func system(content string) llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: content}
}
