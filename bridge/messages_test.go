package bridge

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endl-ch/pumaduct/imclient"
	"github.com/endl-ch/pumaduct/matrix"
	"github.com/endl-ch/pumaduct/store"
)

const (
	testUser    = "@user:localhost"
	testContact = "@xmpp-test:localhost"
	testExtUser = "user@localhost"
)

func newMessagesEnv(t *testing.T) (*testEnv, *Messages, *Account) {
	t.Helper()
	env := newTestEnv(t)
	messages := NewMessages(env.base)
	require.NoError(t, messages.Enter())
	account := env.addAccount(testUser, "prpl-jabber", testExtUser)
	account.Contacts[testContact] = struct{}{}
	return env, messages, account
}

func signOn(env *testEnv, account *Account) {
	account.Connected = true
	env.base.DispatchCallbacks(imclient.Event{
		ID:      imclient.EventUserSignedOn,
		Network: account.Network,
		ExtUser: account.ExtUser,
	})
}

func textEvent(sender, roomID, body string) *matrix.Event {
	return &matrix.Event{
		Type:    "m.room.message",
		Sender:  sender,
		RoomID:  roomID,
		EventID: "$incoming-1",
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
}

func TestOfflineDeliveryToClient(t *testing.T) {
	env, messages, account := newMessagesEnv(t)
	room := env.base.room("!r1:localhost")
	room.User = testUser
	room.Members[testContact] = struct{}{}

	// Account offline: the message must be queued, with the retry timer
	// armed.
	messages.processTransactionMessage("txn-1", textEvent(testUser, "!r1:localhost", "Test message."))
	stored, err := env.store.ListMessages(env.base.Ctx(),
		&store.FindMessage{Destination: store.DestinationClient})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, testUser, stored[0].Sender)
	assert.Equal(t, testContact, *stored[0].Recipient)
	assert.NotZero(t, messages.toClientsTimer)
	assert.Empty(t, env.client.sentMessages)

	// Sign-on flushes the queue.
	signOn(env, account)
	require.Len(t, env.client.sentMessages, 1)
	sent := env.client.sentMessages[0]
	assert.Equal(t, "prpl-jabber", sent.network)
	assert.Equal(t, testExtUser, sent.user)
	assert.Equal(t, "conv-1", sent.conv)
	assert.Equal(t, "Test message.", sent.body)

	remaining, err := env.store.ListMessages(env.base.Ctx(),
		&store.FindMessage{Destination: store.DestinationClient})
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// Next tick finds nothing and disarms.
	assert.False(t, messages.onAttemptDeliveryToClients())
	assert.Zero(t, messages.toClientsTimer)
}

func TestOfflineMessageWithoutAccountInfo(t *testing.T) {
	env, messages, account := newMessagesEnv(t)

	// Unknown room: the owning account cannot be determined yet, so the
	// row is stored without network/ext_user.
	messages.processTransactionMessage("txn-1", textEvent(testUser, "!unknown:localhost", "Hi there"))
	stored, err := env.store.ListMessages(env.base.Ctx(),
		&store.FindMessage{Destination: store.DestinationClient})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Nil(t, stored[0].Network)
	assert.Nil(t, stored[0].ExtUser)
	assert.Nil(t, stored[0].Recipient)

	// The account-scoped queue must not pick up accountless rows.
	assert.Zero(t, messages.messagesToClientCount(testUser, account))
	assert.Equal(t, 1, messages.messagesToClientCount(testUser, nil))

	// Once the room becomes known, the next tick delivers.
	room := env.base.room("!unknown:localhost")
	room.User = testUser
	room.Members[testContact] = struct{}{}
	account.Connected = true
	messages.onAttemptDeliveryToClients()
	require.Len(t, env.client.sentMessages, 1)
	assert.Equal(t, "Hi there", env.client.sentMessages[0].body)
}

func TestEchoSuppression(t *testing.T) {
	env, messages, account := newMessagesEnv(t)
	account.Connected = true
	room := env.base.room("!r1:localhost")
	room.User = testUser
	room.Members[testContact] = struct{}{}

	payload := map[string]any{"msgtype": "m.text", "body": "from another device"}
	eventID := messages.sendMessageToMatrix(
		account, "!r1:localhost", testUser, testContact, time.Now().UTC(), payload, false)
	require.NotEmpty(t, eventID)

	// The same event comes back in a transaction; it must not loop to
	// the back-end.
	event := textEvent(testUser, "!r1:localhost", "from another device")
	event.EventID = eventID
	messages.processTransactionMessage("txn-1", event)
	assert.Empty(t, env.client.sentMessages)

	// A genuinely new event still goes through.
	messages.processTransactionMessage("txn-2", textEvent(testUser, "!r1:localhost", "new one"))
	assert.Len(t, env.client.sentMessages, 1)
}

func TestMessageFromClientToMatrix(t *testing.T) {
	env, _, account := newMessagesEnv(t)
	account.Connected = true

	env.base.DispatchCallbacks(imclient.Event{
		ID:        imclient.EventNewMessage,
		Network:   account.Network,
		ExtUser:   account.ExtUser,
		Contact:   "test@localhost",
		ConvID:    "conv-1",
		Direction: imclient.DirectionReceived,
		Body:      "Hello!",
		Time:      time.Unix(1700000000, 0).UTC(),
	})
	require.Len(t, env.matrix.sentMessages, 1)
	sent := env.matrix.sentMessages[0]
	// Received messages speak with the puppet's voice.
	assert.Equal(t, testContact, sent.sender)
	assert.Equal(t, "Hello!", sent.payload["body"])
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), sent.ts)
}

func TestOfflineDeliveryToMatrix(t *testing.T) {
	env, messages, account := newMessagesEnv(t)
	account.Connected = true
	env.matrix.sendFails = true

	env.base.DispatchCallbacks(imclient.Event{
		ID:        imclient.EventNewMessage,
		Network:   account.Network,
		ExtUser:   account.ExtUser,
		Contact:   "test@localhost",
		Direction: imclient.DirectionReceived,
		Body:      "missed you",
		Time:      time.Unix(1700000000, 0).UTC(),
	})
	stored, err := env.store.ListMessages(env.base.Ctx(),
		&store.FindMessage{Destination: store.DestinationMatrix})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, testContact, stored[0].Sender)
	assert.Equal(t, testUser, *stored[0].Recipient)
	assert.NotZero(t, messages.toMatrixTimer)

	env.matrix.sendFails = false
	assert.False(t, messages.onAttemptDeliveryToMatrix())
	assert.Zero(t, messages.toMatrixTimer)
	require.NotNil(t, env.matrix.lastMessage())
	assert.Equal(t, "missed you", env.matrix.lastMessage().payload["body"])

	remaining, err := env.store.ListMessages(env.base.Ctx(),
		&store.FindMessage{Destination: store.DestinationMatrix})
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestMediaUploadFallback(t *testing.T) {
	env, messages, account := newMessagesEnv(t)
	account.Connected = true
	env.matrix.uploadFails = true
	content := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

	env.base.DispatchCallbacks(imclient.Event{
		ID:        imclient.EventNewImage,
		Network:   account.Network,
		ExtUser:   account.ExtUser,
		Contact:   "test@localhost",
		Direction: imclient.DirectionReceived,
		Body:      "photo.png",
		Content:   content,
		Time:      time.Now().UTC(),
	})
	stored, err := env.store.ListMessages(env.base.Ctx(),
		&store.FindMessage{Destination: store.DestinationMatrix})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Contains(t, stored[0].Payload, base64.StdEncoding.EncodeToString(content))

	// Upload recovers: the retry rewrites the payload to carry the URL.
	env.matrix.uploadFails = false
	messages.onAttemptDeliveryToMatrix()
	require.NotNil(t, env.matrix.lastMessage())
	payload := env.matrix.lastMessage().payload
	assert.Equal(t, "m.image", payload["msgtype"])
	assert.NotEmpty(t, payload["url"])
	assert.NotContains(t, payload, "content")
	assert.NotContains(t, payload, "content-type")
}

func TestCreateMatrixTextPayloadConversion(t *testing.T) {
	env, messages, account := newMessagesEnv(t)
	netConf := *env.conf.Networks["prpl-jabber"]
	netConf.ConvertToText = "html2text"
	netConf.Format = "org.matrix.custom.html"
	account.Config = &netConf

	payload := messages.createMatrixTextPayload(account, "<b>bold</b>")
	assert.Equal(t, "m.text", payload["msgtype"])
	assert.Equal(t, "bold", payload["body"])
	assert.Equal(t, "org.matrix.custom.html", payload["format"])
	assert.Equal(t, "<b>bold</b>", payload["formatted_body"])
}

func TestRenderPayloadForClient(t *testing.T) {
	env := newTestEnv(t)
	account := env.addAccount(testUser, "prpl-jabber", testExtUser)

	t.Run("matching format passes formatted body", func(t *testing.T) {
		conf := *env.conf.Networks["prpl-jabber"]
		conf.Format = "org.matrix.custom.html"
		account.Config = &conf
		body := renderPayloadForClient(account, map[string]any{
			"body":           "plain",
			"format":         "org.matrix.custom.html",
			"formatted_body": "<b>rich</b>",
		})
		assert.Equal(t, "<b>rich</b>", body)
	})

	t.Run("markdown rendering", func(t *testing.T) {
		conf := *env.conf.Networks["prpl-jabber"]
		conf.ConvertFromText = "markdown"
		account.Config = &conf
		body := renderPayloadForClient(account, map[string]any{"body": "**hi**"})
		assert.Contains(t, body, "<strong>hi</strong>")
	})

	t.Run("plain fallthrough", func(t *testing.T) {
		account.Config = env.conf.Networks["prpl-jabber"]
		body := renderPayloadForClient(account, map[string]any{"body": "just text"})
		assert.Equal(t, "just text", body)
	})
}

func TestConversationDestroyed(t *testing.T) {
	env, messages, account := newMessagesEnv(t)
	account.Connected = true
	room := env.base.room("!r1:localhost")
	room.ConvID = "conv-1"

	env.base.DispatchCallbacks(imclient.Event{
		ID:      imclient.EventConversationDestroyed,
		Network: account.Network,
		ExtUser: account.ExtUser,
		ConvID:  "conv-1",
	})
	assert.Empty(t, room.ConvID)
	// Dropping the conversation queues nothing and arms no retries.
	assert.Zero(t, messages.toClientsTimer)
	assert.Zero(t, messages.toMatrixTimer)
}
