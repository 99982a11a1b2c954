package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nous-labs/gloria/internal/conversation"
	"github.com/nous-labs/gloria/internal/llm"
)

// classifierHistory bounds how much of a thread the classifier sees.
const classifierHistory = 12

const continuationPrompt = "You decide whether a new chat message continues an existing conversation. " +
	"Read the conversation and the new message. Respond with a JSON object of the form " +
	`{"continuation": true} if the message follows on from the conversation, or ` +
	`{"continuation": false} if it starts something unrelated.`

// ContinuationClassifier asks the classification model whether a message
// continues a thread.
type ContinuationClassifier struct {
	llm llm.Completer
}

func NewContinuationClassifier(c llm.Completer) *ContinuationClassifier {
	return &ContinuationClassifier{llm: c}
}

func (c *ContinuationClassifier) Classify(ctx context.Context, history []llm.Message, message string) (conversation.Verdict, error) {
	if len(history) > classifierHistory {
		history = history[len(history)-classifierHistory:]
	}
	var b strings.Builder
	b.WriteString("Conversation:\n")
	for _, m := range history {
		if m.Role == llm.RoleSystem {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString("\nNew message:\n")
	b.WriteString(message)

	out, err := c.llm.Complete(ctx, llm.TierFast, []llm.Message{
		{Role: llm.RoleSystem, Content: continuationPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}, llm.FormatJSON)
	if err != nil {
		return conversation.VerdictUnknown, err
	}
	return parseContinuation(out), nil
}

// parseContinuation reads {"continuation": bool}. Anything else, including
// a {"classification": ...} reply, carries no opinion.
func parseContinuation(out string) conversation.Verdict {
	out = strings.TrimSpace(out)
	if !gjson.Valid(out) {
		return conversation.VerdictUnknown
	}
	switch gjson.Get(out, "continuation").Type {
	case gjson.True:
		return conversation.VerdictContinues
	case gjson.False:
		return conversation.VerdictDiverges
	}
	return conversation.VerdictUnknown
}
