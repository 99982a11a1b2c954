package roommgmt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/gloria/internal/conversation"
	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/llm"
	"github.com/nous-labs/gloria/pkg/channel"
)

type rooms struct {
	joined    []string
	members   map[string][]string
	failLeave string
	kicked    []string
	left      []string
}

func (r *rooms) Self() string { return "@bot:x" }

func (r *rooms) JoinedRooms(context.Context) ([]string, error) { return r.joined, nil }

func (r *rooms) Members(_ context.Context, room string) ([]string, error) {
	return r.members[room], nil
}

func (r *rooms) Invite(context.Context, string, string) error { return nil }

func (r *rooms) Kick(_ context.Context, room, user, _ string) error {
	r.kicked = append(r.kicked, room+" "+user)
	return nil
}

func (r *rooms) Leave(_ context.Context, room string) error {
	if room == r.failLeave {
		return errors.New("not allowed")
	}
	r.left = append(r.left, room)
	return nil
}

func (r *rooms) CreateRoom(context.Context, channel.CreateRoomRequest) (string, error) {
	return "", errors.New("unused")
}

func (r *rooms) Send(context.Context, channel.Response) error { return nil }

type threads struct{ torn []string }

func (t *threads) AddMessage(context.Context, string, string, string) error { return nil }

func (t *threads) ThreadMessages(context.Context, string) ([]llm.Message, error) { return nil, nil }

func (t *threads) Status(context.Context, string) (conversation.Status, error) {
	return conversation.Status{}, nil
}

func (t *threads) TeardownScope(_ context.Context, scope string) error {
	t.torn = append(t.torn, scope)
	return nil
}

func TestLeaveAllRooms(t *testing.T) {
	r := &rooms{
		joined: []string{"!a:x", "!b:x"},
		members: map[string][]string{
			"!a:x": {"@bot:x", "@ann:x"},
			"!b:x": {"@bot:x", "@bob:x", "@cat:x"},
		},
	}
	th := &threads{}
	e, err := New(extension.Deps{Rooms: r, Threads: th})
	require.NoError(t, err)

	resp := e.HandleIPC(context.Background(), extension.IPCRequest{Command: CommandLeaveAll})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, map[string]any{"left": 2}, resp.Data)
	assert.Equal(t, []string{"!a:x @ann:x", "!b:x @bob:x", "!b:x @cat:x"}, r.kicked)
	assert.Equal(t, []string{"!a:x", "!b:x"}, r.left)
	assert.Equal(t, []string{"!a:x", "!b:x"}, th.torn)
}

func TestLeaveAllContinuesPastFailure(t *testing.T) {
	r := &rooms{joined: []string{"!a:x", "!b:x"}, failLeave: "!a:x"}
	th := &threads{}
	e, err := New(extension.Deps{Rooms: r, Threads: th})
	require.NoError(t, err)

	n, err := e.LeaveAll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	// State of a room we could not leave is kept.
	assert.Equal(t, []string{"!b:x"}, th.torn)
}

func TestJoinedRooms(t *testing.T) {
	r := &rooms{joined: []string{"!a:x"}}
	e, err := New(extension.Deps{Rooms: r, Threads: &threads{}})
	require.NoError(t, err)

	resp := e.HandleIPC(context.Background(), extension.IPCRequest{Command: CommandJoinedRooms})
	require.True(t, resp.OK)
	assert.Equal(t, map[string]any{"rooms": []string{"!a:x"}}, resp.Data)
}
