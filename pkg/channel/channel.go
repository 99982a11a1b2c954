// Package channel defines the interfaces chat transports implement.
package channel

import "context"

// Message represents an incoming message from any channel.
type Message struct {
	// Source identifies the platform (e.g., "matrix", "control")
	Source string

	// ID is the platform message id, used for read markers
	ID string

	// SenderID is the channel-specific sender identifier
	SenderID string

	// RoomID is the channel-specific room/conversation identifier
	RoomID string

	// Content is the message text
	Content string

	// Timestamp is the message timestamp in milliseconds
	Timestamp int64
}

// Response represents an outgoing message to a channel.
type Response struct {
	Content string
	RoomID  string
}

// Channel is the interface for a communication channel.
type Channel interface {
	// Name returns the channel identifier (e.g., "matrix").
	Name() string

	// Start begins listening for messages. Blocks until ctx is cancelled.
	Start(ctx context.Context, handler MessageHandler) error

	// Send sends a response to a specific room on this channel.
	Send(ctx context.Context, resp Response) error

	// Stop gracefully shuts down the channel.
	Stop() error
}

// ReadMarker is implemented by channels that can acknowledge messages.
type ReadMarker interface {
	MarkRead(ctx context.Context, roomID, messageID string) error
}

// CreateRoomRequest describes a room to create.
type CreateRoomRequest struct {
	Name   string
	Topic  string
	Invite []string
}

// Rooms is the room-management surface of a channel.
type Rooms interface {
	// Self is the account the assistant acts as.
	Self() string
	JoinedRooms(ctx context.Context) ([]string, error)
	Members(ctx context.Context, roomID string) ([]string, error)
	Invite(ctx context.Context, roomID, userID string) error
	Kick(ctx context.Context, roomID, userID, reason string) error
	Leave(ctx context.Context, roomID string) error
	CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error)
	Send(ctx context.Context, resp Response) error
}

// MessageHandler is called when a message is received from any channel.
type MessageHandler func(ctx context.Context, msg Message) error
