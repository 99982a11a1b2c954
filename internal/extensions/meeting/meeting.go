// Package meeting schedules, updates and cancels meetings. Each meeting gets
// its own room, and the assistant announces actions with fixed trigger
// phrases that this extension watches for.
package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/llm"
	"github.com/nous-labs/gloria/pkg/channel"
	"github.com/nous-labs/gloria/pkg/users"
)

const ID = "meeting"

const (
	PhraseSchedule = "I'm arranging the requested meeting."
	PhraseUpdate   = "I'm updating the specified meeting."
	PhraseCancel   = "I'm cancelling the specified meeting."
)

// CommandDeleteExpired is the IPC command that removes expired meetings.
const CommandDeleteExpired = "delete_expired_meetings"

const defaultExpiry = 24 * time.Hour

var guidance = []string{
	"You help users arrange meetings, which are either virtual or in-person. Establish which kind the user wants before asking for anything else.",
	"A virtual meeting needs a date, a time, a topic and the attendees. An in-person meeting needs the same plus a location.",
	"Ask for whatever is missing. Turn relative days such as today, tomorrow or a weekday into a date formatted YYYY-MM-DD. " +
		"Once everything is collected, read the details back to the user including the meeting type. " +
		"When the user confirms, reply with exactly \"" + PhraseSchedule + "\" and nothing more.",
	"If an attendee is not among the known users, ask whether to go ahead without them, or suggest they first message you so you learn who they are. " +
		"Refer to attendees by full name with their username in parentheses. The user you are talking to always attends.",
	"When listing meetings, list only those the user attends, each once.",
	"To change a meeting, work out which tracked meeting is meant, show its details and ask what should change. " +
		"After the user confirms the changes, reply with exactly \"" + PhraseUpdate + "\" and nothing more.",
	"To cancel a meeting, work out which tracked meeting is meant, show its details including the room link and ask for confirmation. " +
		"After the user confirms, reply with exactly \"" + PhraseCancel + "\" and nothing more.",
}

const (
	extractPrompt = "Return the agreed meeting as a JSON object with the keys type, topic, date, time, attendees and location. " +
		"type is \"virtual\" or \"in-person\". Leave location out for virtual meetings. attendees is a list of full platform user ids. " +
		"date is YYYY-MM-DD and time is HH:MM. Respond with the JSON object only."
	updatePrompt = "Return the agreed changes to the meeting as a JSON object. room_link is the room link of the meeting being changed and is required. " +
		"Include only the keys that change among topic, date, time, location and attendees. attendees is the complete new list of full platform user ids. " +
		"Respond with the JSON object only."
	cancelPrompt = "Give the room link of the meeting to be cancelled. Respond with the room link only."
)

const (
	failSchedule = "I couldn't set up the meeting because of a technical problem. Please try again, and contact the administrator if it keeps happening."
	failUpdate   = "I couldn't change the meeting because of a technical problem. Please try again, and contact the administrator if it keeps happening."
	failCancel   = "I couldn't cancel the meeting because of a technical problem. Please try again, and contact the administrator if it keeps happening."
)

// Settings configures the extension.
type Settings struct {
	Platforms []string `json:"platforms"`
	// ExpiryHours is how long after its start a meeting room is kept.
	ExpiryHours float64 `json:"expiry_hours"`
}

// Extension is the meeting trigger and IPC extension.
type Extension struct {
	cfg     Settings
	llm     llm.Completer
	records records
	users   *users.Directory
	rooms   channel.Rooms
	threads extension.Threads
	now     func() time.Time

	// background tracks invitation sends that outlive the turn.
	background sync.WaitGroup
}

// New builds the extension from deps. Rooms and Threads are required.
func New(deps extension.Deps, cfg Settings) (*Extension, error) {
	if deps.Rooms == nil || deps.Threads == nil {
		return nil, fmt.Errorf("meeting: rooms and threads are required")
	}
	if cfg.ExpiryHours <= 0 {
		cfg.ExpiryHours = defaultExpiry.Hours()
	}
	return &Extension{
		cfg:     cfg,
		llm:     deps.Completer,
		records: records{kv: deps.KV},
		users:   deps.Users,
		rooms:   deps.Rooms,
		threads: deps.Threads,
		now:     time.Now,
	}, nil
}

// Factory adapts New to the extension catalog.
func Factory(deps extension.Deps, raw json.RawMessage) (extension.Extension, error) {
	var cfg Settings
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("meeting settings: %w", err)
		}
	}
	return New(deps, cfg)
}

func (e *Extension) Name() string          { return ID }
func (e *Extension) Platforms() []string   { return e.cfg.Platforms }
func (e *Extension) Triggers() []string    { return []string{PhraseSchedule, PhraseUpdate, PhraseCancel} }
func (e *Extension) IPCCommands() []string { return []string{CommandDeleteExpired} }

func (e *Extension) SystemContext(ctx context.Context, userID string) []llm.Message {
	out := make([]llm.Message, 0, len(guidance)+1)
	for _, g := range guidance {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: g})
	}
	return append(out, llm.Message{Role: llm.RoleSystem, Content: e.tracked(ctx, userID)})
}

// tracked lists the meetings userID attends.
func (e *Extension) tracked(ctx context.Context, userID string) string {
	all, err := e.records.all(ctx)
	if err != nil {
		slog.Warn("meeting records unreadable", "error", err)
	}
	var b strings.Builder
	n := 0
	for _, m := range all {
		if !m.Attends(userID) {
			continue
		}
		n++
		fmt.Fprintf(&b, "\n%d. %s", n, m.Describe())
	}
	if n == 0 {
		return "The current user has no tracked meetings."
	}
	return "These meetings are tracked for the current user:" + b.String()
}

// ProcessMessage acts on the first trigger phrase found in the response.
func (e *Extension) ProcessMessage(ctx context.Context, ev extension.TriggerEvent) error {
	switch {
	case strings.Contains(ev.Message, PhraseSchedule):
		return e.reportFailure(ctx, ev.Scope, failSchedule, e.schedule(ctx, ev))
	case strings.Contains(ev.Message, PhraseUpdate):
		return e.reportFailure(ctx, ev.Scope, failUpdate, e.update(ctx, ev))
	case strings.Contains(ev.Message, PhraseCancel):
		return e.reportFailure(ctx, ev.Scope, failCancel, e.cancel(ctx, ev))
	}
	return nil
}

// errIgnored marks a turn the model could not be made to describe; it is
// logged and nothing is reported to the user.
var errIgnored = errors.New("meeting parameters unusable")

func (e *Extension) reportFailure(ctx context.Context, scope, notice string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errIgnored) {
		slog.Warn("meeting action skipped", "scope", scope, "error", err)
		return nil
	}
	if serr := e.rooms.Send(ctx, channel.Response{RoomID: scope, Content: notice}); serr != nil {
		slog.Error("meeting failure notice not sent", "scope", scope, "error", serr)
	}
	return err
}

// ask runs the classification model over the thread plus extra messages.
func (e *Extension) ask(ctx context.Context, threadKey string, format llm.Format, extra ...llm.Message) (string, error) {
	history, err := e.threads.ThreadMessages(ctx, threadKey)
	if err != nil {
		return "", fmt.Errorf("load thread %s: %w", threadKey, err)
	}
	msgs := append(append([]llm.Message(nil), history...), extra...)
	out, err := e.llm.Complete(ctx, llm.TierFast, msgs, format)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (e *Extension) schedule(ctx context.Context, ev extension.TriggerEvent) error {
	out, err := e.ask(ctx, ev.ThreadKey, llm.FormatJSON, llm.Message{Role: llm.RoleUser, Content: extractPrompt})
	if err != nil {
		return err
	}
	m, err := parseMeeting(out)
	if err != nil {
		return err
	}
	m.Scheduler = ev.UserID
	m.Attendees = withUser(m.Attendees, ev.UserID)
	m.ExpiresAfter = int64(e.cfg.ExpiryHours * 3600)

	kind := "Virtual"
	if !m.Virtual() {
		kind = "In-person"
	}
	roomID, err := e.rooms.CreateRoom(ctx, channel.CreateRoomRequest{
		Name:   kind + " meeting: " + m.Topic,
		Topic:  m.Date + " " + m.Time,
		Invite: without(m.Attendees, e.rooms.Self()),
	})
	if err != nil {
		return fmt.Errorf("create meeting room: %w", err)
	}
	m.RoomID = roomID
	if err := e.records.put(ctx, m); err != nil {
		return err
	}
	slog.Info("meeting scheduled", "room", roomID, "scheduler", ev.UserID, "attendees", len(m.Attendees))

	if err := e.rooms.Send(ctx, channel.Response{RoomID: roomID, Content: e.roomNote(ctx, m)}); err != nil {
		slog.Warn("meeting room note not sent", "room", roomID, "error", err)
	}
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		e.notify(context.WithoutCancel(ctx), m, invitation(m), ev.UserID)
	}()
	return e.threads.AddMessage(ctx, ev.Scope, llm.RoleAssistant,
		fmt.Sprintf("The meeting has been arranged. Its room link is %s.", roomID))
}

func (e *Extension) update(ctx context.Context, ev extension.TriggerEvent) error {
	out, err := e.ask(ctx, ev.ThreadKey, llm.FormatJSON,
		llm.Message{Role: llm.RoleSystem, Content: e.tracked(ctx, ev.UserID)},
		llm.Message{Role: llm.RoleUser, Content: updatePrompt})
	if err != nil {
		return err
	}
	if !gjson.Valid(out) {
		return fmt.Errorf("%w: invalid update json", errIgnored)
	}
	link := strings.TrimSpace(gjson.Get(out, "room_link").String())
	if link == "" {
		return fmt.Errorf("%w: no room link", errIgnored)
	}
	m, err := e.records.get(ctx, link)
	if err != nil {
		return err
	}
	if m.Scheduler != ev.UserID {
		return fmt.Errorf("update meeting %s: %s is not the scheduler", link, ev.UserID)
	}

	for key, field := range map[string]*string{"topic": &m.Topic, "date": &m.Date, "time": &m.Time, "location": &m.Location} {
		if v := gjson.Get(out, key); v.Exists() && v.String() != "" {
			*field = v.String()
		}
	}
	if v := gjson.Get(out, "attendees"); v.IsArray() {
		next := withUser(stringList(v), m.Scheduler)
		self := e.rooms.Self()
		for _, a := range without(next, self) {
			if !contains(m.Attendees, a) {
				if err := e.rooms.Invite(ctx, m.RoomID, a); err != nil {
					slog.Warn("meeting invite failed", "room", m.RoomID, "user", a, "error", err)
				}
			}
		}
		for _, a := range without(m.Attendees, self) {
			if !contains(next, a) {
				if err := e.rooms.Kick(ctx, m.RoomID, a, "removed from the meeting"); err != nil {
					slog.Warn("meeting kick failed", "room", m.RoomID, "user", a, "error", err)
				}
			}
		}
		m.Attendees = next
	}
	if _, err := m.Start(); err != nil {
		return fmt.Errorf("%w: %v", errIgnored, err)
	}
	if err := e.records.put(ctx, m); err != nil {
		return err
	}
	slog.Info("meeting updated", "room", m.RoomID)
	e.notify(ctx, m, "A meeting you attend has changed. "+m.Describe(), ev.UserID)
	return nil
}

func (e *Extension) cancel(ctx context.Context, ev extension.TriggerEvent) error {
	link, err := e.ask(ctx, ev.ThreadKey, llm.FormatText,
		llm.Message{Role: llm.RoleSystem, Content: e.tracked(ctx, ev.UserID)},
		llm.Message{Role: llm.RoleUser, Content: cancelPrompt})
	if err != nil {
		return err
	}
	m, err := e.records.get(ctx, link)
	if err != nil {
		return err
	}
	if m.Scheduler != ev.UserID {
		return fmt.Errorf("cancel meeting %s: %s is not the scheduler", link, ev.UserID)
	}
	if err := e.remove(ctx, m); err != nil {
		return err
	}
	e.notify(ctx, m, fmt.Sprintf("The meeting about %s on %s at %s has been cancelled and its room %s removed.",
		m.Topic, m.Date, m.Time, m.RoomID), "")
	return nil
}

// remove drops the record, empties the room and leaves it.
func (e *Extension) remove(ctx context.Context, m *Meeting) error {
	if err := e.records.remove(ctx, m.RoomID); err != nil {
		return err
	}
	for _, a := range without(m.Attendees, e.rooms.Self()) {
		if err := e.rooms.Kick(ctx, m.RoomID, a, "meeting closed"); err != nil {
			slog.Warn("meeting kick failed", "room", m.RoomID, "user", a, "error", err)
		}
	}
	if err := e.rooms.Leave(ctx, m.RoomID); err != nil {
		return fmt.Errorf("leave meeting room %s: %w", m.RoomID, err)
	}
	slog.Info("meeting removed", "room", m.RoomID)
	return nil
}

// notify messages every attendee except skip in their direct room.
func (e *Extension) notify(ctx context.Context, m *Meeting, text, skip string) {
	if e.users == nil {
		return
	}
	for _, a := range without(m.Attendees, e.rooms.Self()) {
		if a == skip {
			continue
		}
		u, ok, err := e.users.Lookup(ctx, a)
		if err != nil || !ok || u.DMRoom == "" {
			slog.Debug("attendee has no direct room", "user", a)
			continue
		}
		if err := e.rooms.Send(ctx, channel.Response{RoomID: u.DMRoom, Content: text}); err != nil {
			slog.Warn("attendee notification failed", "user", a, "error", err)
		}
	}
}

func (e *Extension) roomNote(ctx context.Context, m *Meeting) string {
	by := m.Scheduler
	if e.users != nil {
		by = e.users.DisplayName(ctx, m.Scheduler)
	}
	hours := int(m.ExpiresAfter / 3600)
	if m.Virtual() {
		return fmt.Sprintf("%s created this room to hold a virtual meeting about %s on %s at %s. "+
			"Share meeting documents here. The room is removed %d hours after the meeting starts.",
			by, m.Topic, m.Date, m.Time, hours)
	}
	return fmt.Sprintf("%s created this room to track an in-person meeting at %s about %s on %s at %s. "+
		"Share meeting documents here. The room is removed %d hours after the meeting starts.",
		by, m.Location, m.Topic, m.Date, m.Time, hours)
}

func invitation(m *Meeting) string {
	if m.Virtual() {
		return fmt.Sprintf("You're invited to a virtual meeting about %q in room %s on %s at %s.", m.Topic, m.RoomID, m.Date, m.Time)
	}
	return fmt.Sprintf("You're invited to an in-person meeting about %q at %s on %s at %s. It is tracked in room %s.",
		m.Topic, m.Location, m.Date, m.Time, m.RoomID)
}

// HandleIPC removes every expired meeting.
func (e *Extension) HandleIPC(ctx context.Context, req extension.IPCRequest) extension.IPCResponse {
	resp := extension.IPCResponse{Extension: ID}
	if req.Command != CommandDeleteExpired {
		resp.Error = "unsupported command"
		return resp
	}
	n, err := e.DeleteExpired(ctx)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.OK = true
	resp.Data = map[string]any{"deleted": n}
	return resp
}

// DeleteExpired removes the meetings whose expiry has passed and returns
// how many were removed.
func (e *Extension) DeleteExpired(ctx context.Context) (int, error) {
	all, err := e.records.all(ctx)
	if err != nil {
		return 0, err
	}
	now := e.now()
	n := 0
	var errs []error
	for _, m := range all {
		if !m.Expired(now) {
			continue
		}
		slog.Info("meeting expired", "room", m.RoomID, "topic", m.Topic)
		if err := e.remove(ctx, m); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// parseMeeting reads the extraction reply. Anything unusable is errIgnored.
func parseMeeting(out string) (*Meeting, error) {
	if !gjson.Valid(out) {
		return nil, fmt.Errorf("%w: invalid json", errIgnored)
	}
	r := gjson.Parse(out)
	m := &Meeting{
		Type:      strings.ToLower(r.Get("type").String()),
		Topic:     r.Get("topic").String(),
		Date:      r.Get("date").String(),
		Time:      r.Get("time").String(),
		Location:  r.Get("location").String(),
		Attendees: stringList(r.Get("attendees")),
	}
	switch m.Type {
	case TypeVirtual:
		m.Location = ""
	case TypeInPerson:
		if m.Location == "" {
			return nil, fmt.Errorf("%w: in-person meeting without location", errIgnored)
		}
	default:
		return nil, fmt.Errorf("%w: unknown meeting type %q", errIgnored, m.Type)
	}
	if m.Topic == "" {
		return nil, fmt.Errorf("%w: no topic", errIgnored)
	}
	if _, err := m.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", errIgnored, err)
	}
	return m, nil
}

func stringList(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func withUser(list []string, user string) []string {
	if user == "" || contains(list, user) {
		return list
	}
	return append(list, user)
}

func without(list []string, user string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != user {
			out = append(out, v)
		}
	}
	return out
}
