package bridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endl-ch/pumaduct/matrix"
)

func newServiceEnv(t *testing.T) (*testEnv, *Service) {
	t.Helper()
	env := newTestEnv(t)
	messages := NewMessages(env.base)
	require.NoError(t, messages.Enter())
	service := NewService(env.base, messages)
	require.NoError(t, service.Enter())
	service.room(serviceRoomID).User = testUser
	return env, service
}

func TestServiceUserIdentity(t *testing.T) {
	_, service := newServiceEnv(t)
	assert.Equal(t, "@pumaduct:localhost", service.User)
}

func TestServiceStartRegistersUser(t *testing.T) {
	env, service := newServiceEnv(t)
	require.NoError(t, service.Start())
	assert.Contains(t, env.matrix.users, service.User)
	profile := env.matrix.profiles[service.User]
	require.NotNil(t, profile)
	require.NotNil(t, profile.DisplayName)
	assert.Equal(t, "PuMaDuct", *profile.DisplayName)

	// Second start finds the profile and does not re-register.
	usersBefore := len(env.matrix.users)
	require.NoError(t, service.Start())
	assert.Len(t, env.matrix.users, usersBefore)
}

func TestServiceCommandDispatch(t *testing.T) {
	env, service := newServiceEnv(t)
	var got [][]string
	service.AddCommand("ping", func(_ string, _ *matrix.Event, args []string) {
		got = append(got, args)
	}, "ping - liveness probe.")

	serviceCommand(env, "ping 'one two' three")
	require.Len(t, got, 1)
	assert.Equal(t, []string{"ping", "one two", "three"}, got[0])
}

func TestServiceUnknownCommand(t *testing.T) {
	env, service := newServiceEnv(t)
	service.AddCommand("ping", func(string, *matrix.Event, []string) {}, "ping - liveness probe.")

	serviceCommand(env, "frobnicate now")
	bodies := serviceMessages(env)
	require.Len(t, bodies, 1)
	assert.True(t, strings.HasPrefix(bodies[0], "Unknown command: 'frobnicate now'\n"))
	assert.Contains(t, bodies[0], "ping - liveness probe.")
	assert.Contains(t, bodies[0], "help - this help")
}

func TestServiceHelp(t *testing.T) {
	env, service := newServiceEnv(t)
	service.AddCommand("ping", func(string, *matrix.Event, []string) {}, "ping - liveness probe.")

	serviceCommand(env, "help")
	bodies := serviceMessages(env)
	require.Len(t, bodies, 1)
	assert.True(t, strings.HasPrefix(bodies[0], "Usage:\n"))
	assert.Contains(t, bodies[0], "ping - liveness probe.")
}

func TestServiceIgnoresOwnMessages(t *testing.T) {
	env, service := newServiceEnv(t)
	var calls int
	service.AddCommand("ping", func(string, *matrix.Event, []string) { calls++ }, "")

	env.base.ProcessTransaction("txn-1", &matrix.Transaction{Events: []matrix.Event{{
		Type:    "m.room.message",
		Sender:  service.User,
		RoomID:  serviceRoomID,
		Content: map[string]any{"msgtype": "m.text", "body": "ping"},
	}}})
	assert.Zero(t, calls)
}

func TestServiceFullMessageHandlerConsumes(t *testing.T) {
	env, service := newServiceEnv(t)
	var commandCalls int
	service.AddCommand("ping", func(string, *matrix.Event, []string) { commandCalls++ }, "")
	service.AddFullMessageHandler(func(_ string, event *matrix.Event) bool {
		body, _ := event.Content["body"].(string)
		return body == "ping"
	})

	// Consumed by the full-message handler; never parsed as a command.
	serviceCommand(env, "ping")
	assert.Zero(t, commandCalls)

	// Not consumed; the command path handles it.
	serviceCommand(env, "ping again")
	assert.Equal(t, 1, commandCalls)
}

func TestServiceEnsureRoom(t *testing.T) {
	env, service := newServiceEnv(t)

	// Existing room for the user is reused.
	roomID, err := service.EnsureRoom(testUser)
	require.NoError(t, err)
	assert.Equal(t, serviceRoomID, roomID)
	assert.Empty(t, env.matrix.createdRooms)

	// A new user gets a fresh room.
	other := "@other:localhost"
	roomID, err = service.EnsureRoom(other)
	require.NoError(t, err)
	require.Len(t, env.matrix.createdRooms, 1)
	assert.Equal(t, other, service.Rooms[roomID].User)
}
