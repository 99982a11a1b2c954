// Package ipc routes process-control commands to the IPC extensions.
package ipc

import (
	"context"
	"log/slog"

	"github.com/nous-labs/gloria/internal/extension"
)

const (
	StatusOK       = "OK"
	StatusNotFound = "Not Found"
	StatusError    = "Error"
)

// Reply aggregates the answers of every handler of a command.
type Reply struct {
	Command   string                  `json:"command"`
	Status    string                  `json:"status"`
	Responses []extension.IPCResponse `json:"responses,omitempty"`
}

// Service dispatches requests to the registry's IPC extensions.
type Service struct {
	registry *extension.Registry
}

func NewService(reg *extension.Registry) *Service {
	return &Service{registry: reg}
}

// Handle runs every extension listing req.Command in registration order.
// The status is Error if any handler failed.
func (s *Service) Handle(ctx context.Context, req extension.IPCRequest) Reply {
	reply := Reply{Command: req.Command, Status: StatusOK}
	handlers := s.registry.IPCHandlers(req.Command)
	if len(handlers) == 0 {
		slog.Warn("ipc command not found", "command", req.Command)
		reply.Status = StatusNotFound
		return reply
	}
	for _, h := range handlers {
		var resp extension.IPCResponse
		err := extension.Guard(h.Name(), "handle_ipc", func() error {
			resp = h.HandleIPC(ctx, req)
			return nil
		})
		if err != nil {
			resp = extension.IPCResponse{Extension: h.Name(), Error: err.Error()}
		}
		if resp.Extension == "" {
			resp.Extension = h.Name()
		}
		if !resp.OK {
			reply.Status = StatusError
		}
		reply.Responses = append(reply.Responses, resp)
	}
	slog.Info("ipc command handled", "command", req.Command, "status", reply.Status, "handlers", len(handlers))
	return reply
}
