// Package extension defines the hook contracts the assistant calls into and
// the registry that holds the configured extensions.
package extension

import (
	"context"
	"strings"

	"github.com/nous-labs/gloria/internal/llm"
)

// Extension is the common surface of every extension.
type Extension interface {
	Name() string
	// Platforms lists the platforms the extension serves; empty means all.
	Platforms() []string
}

// Supports reports whether e serves platform.
func Supports(e Extension, platform string) bool {
	ps := e.Platforms()
	if len(ps) == 0 {
		return true
	}
	for _, p := range ps {
		if p == platform {
			return true
		}
	}
	return false
}

// TriggerEvent is passed to a trigger extension after a visible assistant turn.
type TriggerEvent struct {
	Message   string
	Role      string
	Scope     string
	UserID    string
	ThreadKey string
	Platform  string
}

// Trigger extensions contribute system context and react to assistant
// responses. Their trigger phrases also keep a thread alive across an
// [end-task] marker.
type Trigger interface {
	Extension
	Triggers() []string
	SystemContext(ctx context.Context, userID string) []llm.Message
	ProcessMessage(ctx context.Context, ev TriggerEvent) error
}

// Retrieval extensions refresh their cache slot for each user message.
// A failed retrieval leaves the slot as it was.
type Retrieval interface {
	Extension
	CacheKey() string
	Retrieve(ctx context.Context, sender, message string) error
}

// CommandRequest is an exact-match command typed by a user.
type CommandRequest struct {
	Command  string
	Scope    string
	UserID   string
	Platform string
}

// Command extensions answer exact-match commands without a completion.
type Command interface {
	Extension
	Commands() []string
	Execute(ctx context.Context, req CommandRequest) (string, error)
}

// IPCRequest is a command from the process-control surface.
type IPCRequest struct {
	Command string         `json:"command"`
	Data    map[string]any `json:"data,omitempty"`
}

// IPCResponse is one handler's answer.
type IPCResponse struct {
	Extension string `json:"extension"`
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// IPC extensions handle process-control commands.
type IPC interface {
	Extension
	IPCCommands() []string
	HandleIPC(ctx context.Context, req IPCRequest) IPCResponse
}

// ContainsTrigger reports whether text contains any of the phrases.
func ContainsTrigger(text string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}
