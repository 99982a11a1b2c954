// Package matrix implements the Matrix channel using mautrix-go.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/gloria/pkg/channel"
	"github.com/nous-labs/gloria/pkg/users"
)

const Platform = "matrix"

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver string
	UserID     string // localpart, e.g. "gloria"
	Password   string
	ServerName string // e.g. "matrix.example.com"
	// AllowedUsers restricts who may talk to the assistant; empty allows all.
	AllowedUsers []string
	// AllowedDomains restricts inviting homeservers; empty allows all.
	AllowedDomains []string
	DeniedDomains  []string
	// DirectOnly accepts only direct-chat invites and only answers in the
	// direct room registered for the sender.
	DirectOnly bool
	DataDir    string
}

// Channel implements channel.Channel, channel.ReadMarker and channel.Rooms
// for Matrix.
type Channel struct {
	config    Config
	self      id.UserID
	client    *mautrix.Client
	users     *users.Directory
	handler   channel.MessageHandler
	startTime int64
	mu        sync.Mutex

	credFile string
}

// credentials holds saved Matrix login state.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a Matrix channel. Accepted inviters are recorded in dir.
func New(cfg Config, dir *users.Directory) *Channel {
	return &Channel{
		config:   cfg,
		self:     id.UserID(fmt.Sprintf("@%s:%s", cfg.UserID, cfg.ServerName)),
		users:    dir,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return Platform }

// Self returns the full user id of the assistant account.
func (c *Channel) Self() string { return string(c.self) }

// Start connects to Matrix and begins listening for messages.
// Retries login with exponential backoff on failure.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()

	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create matrix data dir: %w", err)
	}

	client, err := mautrix.NewClient(c.config.Homeserver, c.self, "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	// Resync on restart; messages older than startTime are dropped anyway.
	client.Store = mautrix.NewMemorySyncStore()

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	if err := c.loginWithRetry(ctx); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.onMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.onMemberEvent(ctx, evt)
	})

	slog.Info("matrix channel ready, starting sync", "user", c.self)

	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry tries saved credentials first, then password login with
// exponential backoff.
func (c *Channel) loginWithRetry(ctx context.Context) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved matrix credentials", "user", c.self)
		return nil
	}

	backoff := 2 * time.Second
	const (
		maxBackoff  = 2 * time.Minute
		maxAttempts = 10
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into matrix", "user", c.self, "homeserver", c.config.Homeserver, "attempt", attempt)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.self = resp.UserID
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		if errors.Is(err, mautrix.MForbidden) || errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MInvalidParam) {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}
		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying", "error", err, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("matrix login: exhausted retries")
}

// Send sends a message to a Matrix room, splitting long messages.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	const maxLen = 4000

	client, err := c.ready()
	if err != nil {
		return err
	}
	roomID := id.RoomID(resp.RoomID)

	chunks := splitMessage(resp.Content, maxLen)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
		}
		if _, err := client.SendText(ctx, roomID, chunk); err != nil {
			slog.Error("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return err
		}
		if i < len(chunks)-1 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	slog.Info("matrix message sent", "room", roomID, "chunks", len(chunks), "total_len", len(resp.Content))
	return nil
}

// Stop gracefully shuts down the Matrix channel.
func (c *Channel) Stop() error {
	if client, err := c.ready(); err == nil {
		client.StopSync()
	}
	return nil
}

// MarkRead moves the read marker of roomID to messageID.
func (c *Channel) MarkRead(ctx context.Context, roomID, messageID string) error {
	client, err := c.ready()
	if err != nil {
		return err
	}
	return client.MarkRead(ctx, id.RoomID(roomID), id.EventID(messageID))
}

// --- Rooms ---

func (c *Channel) JoinedRooms(ctx context.Context) ([]string, error) {
	client, err := c.ready()
	if err != nil {
		return nil, err
	}
	resp, err := client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("joined rooms: %w", err)
	}
	out := make([]string, 0, len(resp.JoinedRooms))
	for _, r := range resp.JoinedRooms {
		out = append(out, string(r))
	}
	return out, nil
}

// Members lists the joined members of roomID, the assistant included.
func (c *Channel) Members(ctx context.Context, roomID string) ([]string, error) {
	client, err := c.ready()
	if err != nil {
		return nil, err
	}
	resp, err := client.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, fmt.Errorf("joined members of %s: %w", roomID, err)
	}
	out := make([]string, 0, len(resp.Joined))
	for u := range resp.Joined {
		out = append(out, string(u))
	}
	return out, nil
}

func (c *Channel) Invite(ctx context.Context, roomID, userID string) error {
	client, err := c.ready()
	if err != nil {
		return err
	}
	_, err = client.InviteUser(ctx, id.RoomID(roomID), &mautrix.ReqInviteUser{UserID: id.UserID(userID)})
	return err
}

func (c *Channel) Kick(ctx context.Context, roomID, userID, reason string) error {
	client, err := c.ready()
	if err != nil {
		return err
	}
	_, err = client.KickUser(ctx, id.RoomID(roomID), &mautrix.ReqKickUser{UserID: id.UserID(userID), Reason: reason})
	return err
}

func (c *Channel) Leave(ctx context.Context, roomID string) error {
	client, err := c.ready()
	if err != nil {
		return err
	}
	_, err = client.LeaveRoom(ctx, id.RoomID(roomID))
	return err
}

// CreateRoom creates a private room and invites req.Invite.
func (c *Channel) CreateRoom(ctx context.Context, req channel.CreateRoomRequest) (string, error) {
	client, err := c.ready()
	if err != nil {
		return "", err
	}
	invite := make([]id.UserID, 0, len(req.Invite))
	for _, u := range req.Invite {
		invite = append(invite, id.UserID(u))
	}
	resp, err := client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   req.Name,
		Topic:  req.Topic,
		Invite: invite,
		Preset: "private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	slog.Info("matrix room created", "room", resp.RoomID, "invited", len(invite))
	return string(resp.RoomID), nil
}

func (c *Channel) ready() (*mautrix.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, fmt.Errorf("matrix channel not started")
	}
	return c.client, nil
}

// --- Event Handlers ---

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.self || evt.Timestamp < c.startTime {
		return
	}
	if !c.isAllowed(evt.Sender) {
		return
	}
	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.Body == "" || msgContent.MsgType != event.MsgText {
		return
	}
	if c.config.DirectOnly && !c.isDirectRoom(ctx, evt.Sender, evt.RoomID) {
		slog.Debug("ignoring message outside direct room", "sender", evt.Sender, "room", evt.RoomID)
		return
	}

	slog.Info("matrix message received",
		"sender", evt.Sender,
		"room", evt.RoomID,
		"content", truncate(msgContent.Body, 100),
	)

	msg := channel.Message{
		Source:    Platform,
		ID:        string(evt.ID),
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		Content:   msgContent.Body,
		Timestamp: evt.Timestamp,
	}
	if err := c.handler(ctx, msg); err != nil {
		slog.Error("message handler error", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.self) {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}

	if reason := c.rejectInvite(evt.Sender, member.IsDirect); reason != "" {
		slog.Warn("rejecting room invite", "room", evt.RoomID, "from", evt.Sender, "reason", reason)
		if err := c.Leave(ctx, string(evt.RoomID)); err != nil {
			slog.Warn("failed to decline invite", "room", evt.RoomID, "error", err)
		}
		return
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender, "direct", member.IsDirect)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
		return
	}
	c.register(ctx, evt.Sender, evt.RoomID, member.IsDirect)
}

// register records the inviter and, for direct chats, their direct room.
func (c *Channel) register(ctx context.Context, sender id.UserID, room id.RoomID, direct bool) {
	if c.users == nil {
		return
	}
	u, _, err := c.users.Lookup(ctx, string(sender))
	if err != nil {
		slog.Warn("known users unreadable", "error", err)
		return
	}
	if resp, err := c.client.GetDisplayName(ctx, sender); err == nil && resp.DisplayName != "" {
		u.DisplayName = resp.DisplayName
	}
	if direct {
		u.DMRoom = string(room)
	}
	if err := c.users.Add(ctx, u); err != nil {
		slog.Warn("failed to register user", "user", sender, "error", err)
	}
}

// --- Credentials ---

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	c.self = c.client.UserID
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		slog.Warn("failed to save matrix credentials", "error", err)
	}
}

// --- Helpers ---

func (c *Channel) isAllowed(sender id.UserID) bool {
	if len(c.config.AllowedUsers) == 0 || c.config.AllowedUsers[0] == "" {
		return true
	}
	for _, allowed := range c.config.AllowedUsers {
		if string(sender) == allowed {
			return true
		}
	}
	return false
}

// rejectInvite returns why an invite from sender is declined, or "".
func (c *Channel) rejectInvite(sender id.UserID, direct bool) string {
	domain := sender.Homeserver()
	for _, d := range c.config.DeniedDomains {
		if d == domain {
			return "domain denied"
		}
	}
	if len(c.config.AllowedDomains) > 0 {
		ok := false
		for _, d := range c.config.AllowedDomains {
			if d == domain {
				ok = true
				break
			}
		}
		if !ok {
			return "domain not allowed"
		}
	}
	if !c.isAllowed(sender) {
		return "user not allowed"
	}
	if c.config.DirectOnly && !direct {
		return "not a direct chat"
	}
	return ""
}

func (c *Channel) isDirectRoom(ctx context.Context, sender id.UserID, room id.RoomID) bool {
	if c.users == nil {
		return true
	}
	u, ok, err := c.users.Lookup(ctx, string(sender))
	return err == nil && ok && u.DMRoom == string(room)
}

func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := maxLen
		// Avoid splitting a multi-byte rune.
		for cut > 0 && !utf8RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
