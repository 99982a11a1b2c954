// Package roommgmt handles room housekeeping commands from the IPC surface.
package roommgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/pkg/channel"
)

const ID = "room_management"

const (
	CommandLeaveAll    = "leave_all_rooms"
	CommandJoinedRooms = "joined_rooms"
)

type Extension struct {
	rooms   channel.Rooms
	threads extension.Threads
}

func New(deps extension.Deps) (*Extension, error) {
	if deps.Rooms == nil || deps.Threads == nil {
		return nil, fmt.Errorf("room management: rooms and threads are required")
	}
	return &Extension{rooms: deps.Rooms, threads: deps.Threads}, nil
}

func Factory(deps extension.Deps, _ json.RawMessage) (extension.Extension, error) {
	return New(deps)
}

func (e *Extension) Name() string          { return ID }
func (e *Extension) Platforms() []string   { return nil }
func (e *Extension) IPCCommands() []string { return []string{CommandLeaveAll, CommandJoinedRooms} }

func (e *Extension) HandleIPC(ctx context.Context, req extension.IPCRequest) extension.IPCResponse {
	resp := extension.IPCResponse{Extension: ID}
	switch req.Command {
	case CommandJoinedRooms:
		rooms, err := e.rooms.JoinedRooms(ctx)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK, resp.Data = true, map[string]any{"rooms": rooms}
	case CommandLeaveAll:
		left, err := e.LeaveAll(ctx)
		resp.Data = map[string]any{"left": left}
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK = true
	default:
		resp.Error = "unsupported command"
	}
	return resp
}

// LeaveAll empties and leaves every joined room, then discards the
// conversation state of each. Rooms that fail are skipped; the first
// failure is returned.
func (e *Extension) LeaveAll(ctx context.Context) (int, error) {
	rooms, err := e.rooms.JoinedRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("list joined rooms: %w", err)
	}
	self := e.rooms.Self()
	var first error
	left := 0
	for _, room := range rooms {
		if err := e.leave(ctx, room, self); err != nil {
			slog.Warn("leave room failed", "room", room, "error", err)
			if first == nil {
				first = err
			}
			continue
		}
		left++
	}
	slog.Info("left joined rooms", "left", left, "total", len(rooms))
	return left, first
}

func (e *Extension) leave(ctx context.Context, room, self string) error {
	members, err := e.rooms.Members(ctx, room)
	if err != nil {
		return fmt.Errorf("members of %s: %w", room, err)
	}
	for _, m := range members {
		if m == self {
			continue
		}
		if err := e.rooms.Kick(ctx, room, m, "the assistant is leaving this room"); err != nil {
			slog.Warn("kick failed", "room", room, "user", m, "error", err)
		}
	}
	if err := e.rooms.Leave(ctx, room); err != nil {
		return fmt.Errorf("leave %s: %w", room, err)
	}
	return e.threads.TeardownScope(ctx, room)
}
