package bridge

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endl-ch/pumaduct/imclient"
	"github.com/endl-ch/pumaduct/matrix"
	"github.com/endl-ch/pumaduct/store"
)

const serviceRoomID = "!svc:localhost"

func newRegistrationEnv(t *testing.T) (*testEnv, *Service, *Registration) {
	t.Helper()
	env := newTestEnv(t)
	messages := NewMessages(env.base)
	require.NoError(t, messages.Enter())
	service := NewService(env.base, messages)
	require.NoError(t, service.Enter())
	registration := NewRegistration(env.base, messages, service)
	require.NoError(t, registration.Enter())
	service.room(serviceRoomID).User = testUser
	return env, service, registration
}

func serviceCommand(env *testEnv, body string) {
	env.base.ProcessTransaction("txn-cmd", &matrix.Transaction{Events: []matrix.Event{{
		Type:    "m.room.message",
		Sender:  testUser,
		RoomID:  serviceRoomID,
		EventID: "$cmd-1",
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}}})
}

func serviceMessages(env *testEnv) []string {
	var bodies []string
	for _, sent := range env.matrix.sentMessages {
		if sent.roomID == serviceRoomID {
			body, _ := sent.payload["body"].(string)
			bodies = append(bodies, body)
		}
	}
	return bodies
}

func TestRegisterThenSignOn(t *testing.T) {
	env, _, registration := newRegistrationEnv(t)

	serviceCommand(env, "register prpl-jabber test@localhost 'password with spaces'")

	// The command message carries the password and must be redacted.
	require.Len(t, env.matrix.redactions, 1)
	assert.Equal(t, "$cmd-1", env.matrix.redactions[0].eventID)
	assert.Equal(t, "Stripped sensitive data", env.matrix.redactions[0].reason)

	require.Len(t, env.client.logins, 1)
	require.NotNil(t, env.client.logins[0].password)
	assert.Equal(t, "password with spaces", *env.client.logins[0].password)
	require.Contains(t, registration.pending, regKey{network: "prpl-jabber", extUser: "test@localhost"})

	env.base.DispatchCallbacks(imclient.Event{
		ID:      imclient.EventUserSignedOn,
		Network: "prpl-jabber",
		ExtUser: "test@localhost",
	})

	require.Len(t, env.driver.accounts, 1)
	var storedPassword string
	for _, account := range env.driver.accounts {
		assert.Equal(t, testUser, account.User)
		assert.Equal(t, "prpl-jabber", account.Network)
		assert.Equal(t, "test@localhost", account.ExtUser)
		storedPassword = account.Password
	}
	assert.Equal(t, "password with spaces", storedPassword)

	require.Len(t, env.base.Accounts[testUser], 1)
	assert.Empty(t, registration.pending)
	assert.Contains(t, serviceMessages(env), fmt.Sprintf(
		"Successfully registered %s on the network prpl-jabber", testUser))
}

func TestRegisterFatalError(t *testing.T) {
	env, _, registration := newRegistrationEnv(t)

	serviceCommand(env, "register prpl-jabber test@localhost secret")
	require.Len(t, registration.pending, 1)

	env.base.DispatchCallbacks(imclient.Event{
		ID:          imclient.EventConnectionError,
		Network:     "prpl-jabber",
		ExtUser:     "test@localhost",
		Reason:      "authentication failed",
		Description: "wrong password",
	})

	assert.Empty(t, registration.pending)
	assert.Empty(t, env.driver.accounts)
	require.Len(t, env.client.logouts, 1)
	assert.Equal(t, "test@localhost", env.client.logouts[0].user)

	var failure string
	for _, body := range serviceMessages(env) {
		if strings.HasPrefix(body, "Failed to register") {
			failure = body
		}
	}
	assert.Contains(t, failure, "authentication failed")
	assert.Contains(t, failure, "wrong password")
}

func TestRegisterTransientErrorKeepsPending(t *testing.T) {
	env, _, registration := newRegistrationEnv(t)

	serviceCommand(env, "register prpl-jabber test@localhost secret")
	env.base.DispatchCallbacks(imclient.Event{
		ID:      imclient.EventConnectionError,
		Network: "prpl-jabber",
		ExtUser: "test@localhost",
		Reason:  "network unreachable",
	})
	assert.Len(t, registration.pending, 1)
	assert.Empty(t, env.client.logouts)
}

func TestRegisterValidation(t *testing.T) {
	env, _, _ := newRegistrationEnv(t)

	serviceCommand(env, "register prpl-jabber test@localhost")
	serviceCommand(env, "register no-such-net test@localhost secret")

	bodies := serviceMessages(env)
	assert.Contains(t, strings.Join(bodies, "\n"), "Wrong number of arguments")
	assert.Contains(t, strings.Join(bodies, "\n"), "'no-such-net' is not configured")
	assert.Empty(t, env.client.logins)
}

func TestRegisterAlreadyRegistered(t *testing.T) {
	env, _, _ := newRegistrationEnv(t)
	env.addAccount(testUser, "prpl-jabber", "test@localhost")

	serviceCommand(env, "register prpl-jabber test@localhost secret")
	assert.Contains(t, strings.Join(serviceMessages(env), "\n"), "is already registered")
	assert.Empty(t, env.client.logins)
}

func TestUnregister(t *testing.T) {
	env, _, _ := newRegistrationEnv(t)
	stored, err := env.store.CreateAccount(env.base.Ctx(), &store.Account{
		User: testUser, Network: "prpl-jabber", ExtUser: testExtUser, Password: "pw",
	})
	require.NoError(t, err)
	account := env.addAccount(testUser, "prpl-jabber", testExtUser)
	account.ID = stored.ID

	serviceCommand(env, "unregister prpl-jabber "+testExtUser)

	assert.Empty(t, env.driver.accounts)
	assert.NotContains(t, env.base.Accounts, testUser)
	assert.Contains(t, strings.Join(serviceMessages(env), "\n"), "Unregistered account")
}

func TestUnregisterUnknownAccount(t *testing.T) {
	env, _, _ := newRegistrationEnv(t)
	serviceCommand(env, "unregister prpl-jabber nobody@localhost")
	assert.Contains(t, strings.Join(serviceMessages(env), "\n"),
		"Cannot find the account nobody@localhost")
}
