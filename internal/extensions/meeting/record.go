package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nous-labs/gloria/pkg/kv"
)

// KeyPrefix namespaces meeting records; the rest of the key is the room id.
const KeyPrefix = "scheduled_meeting:"

const (
	TypeVirtual  = "virtual"
	TypeInPerson = "in-person"
)

// ErrNoMeeting is returned when no record exists for a room.
var ErrNoMeeting = errors.New("meeting not found")

// Meeting is a scheduled meeting and the room tracking it.
type Meeting struct {
	Type         string   `json:"type"`
	Topic        string   `json:"topic"`
	Date         string   `json:"date"`
	Time         string   `json:"time"`
	Attendees    []string `json:"attendees"`
	Scheduler    string   `json:"scheduler"`
	Location     string   `json:"location,omitempty"`
	RoomID       string   `json:"room_id"`
	ExpiresAfter int64    `json:"expires_after,omitempty"` // seconds past the start
}

func Key(roomID string) string { return KeyPrefix + roomID }

func (m *Meeting) Virtual() bool { return m.Type != TypeInPerson }

// Start parses the scheduled date and time in the local zone. Seconds are
// optional.
func (m *Meeting) Start() (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, m.Date+" "+m.Time, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("meeting %s: unparseable start %q %q", m.RoomID, m.Date, m.Time)
}

// Expired reports whether the room should be removed at now. Meetings
// without an expiry never expire.
func (m *Meeting) Expired(now time.Time) bool {
	if m.ExpiresAfter <= 0 {
		return false
	}
	start, err := m.Start()
	if err != nil {
		return false
	}
	return now.Sub(start) > time.Duration(m.ExpiresAfter)*time.Second
}

// Attends reports whether user is an attendee or the scheduler.
func (m *Meeting) Attends(user string) bool {
	if m.Scheduler == user {
		return true
	}
	for _, a := range m.Attendees {
		if a == user {
			return true
		}
	}
	return false
}

// Describe renders the meeting as a line of tracked-meeting context.
func (m *Meeting) Describe() string {
	attendees := strings.Join(m.Attendees, ", ")
	if m.Virtual() {
		return fmt.Sprintf("Virtual meeting in room %s on %s at %s about %s, with attendees %s.",
			m.RoomID, m.Date, m.Time, m.Topic, attendees)
	}
	return fmt.Sprintf("In-person meeting at %s on %s at %s about %s, with attendees %s. Its room link is %s.",
		m.Location, m.Date, m.Time, m.Topic, attendees, m.RoomID)
}

type records struct {
	kv kv.Store
}

func (r records) get(ctx context.Context, roomID string) (*Meeting, error) {
	raw, err := r.kv.Get(ctx, Key(roomID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNoMeeting
	}
	if err != nil {
		return nil, fmt.Errorf("load meeting %s: %w", roomID, err)
	}
	var m Meeting
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode meeting %s: %w", roomID, err)
	}
	return &m, nil
}

func (r records) put(ctx context.Context, m *Meeting) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode meeting %s: %w", m.RoomID, err)
	}
	return r.kv.Put(ctx, Key(m.RoomID), raw)
}

func (r records) remove(ctx context.Context, roomID string) error {
	_, err := r.kv.Remove(ctx, Key(roomID))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("remove meeting %s: %w", roomID, err)
	}
	return nil
}

// all returns every readable record ordered by room id. Undecodable records
// are skipped.
func (r records) all(ctx context.Context) ([]*Meeting, error) {
	keys, err := kv.KeysWithPrefix(ctx, r.kv, KeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Meeting, 0, len(keys))
	for _, k := range keys {
		m, err := r.get(ctx, strings.TrimPrefix(k, KeyPrefix))
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}
