package bridge

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jaytaylor/html2text"
	"github.com/yuin/goldmark"

	"github.com/endl-ch/pumaduct/imclient"
	"github.com/endl-ch/pumaduct/internal/metrics"
	"github.com/endl-ch/pumaduct/matrix"
	"github.com/endl-ch/pumaduct/store"
)

// pendingKey identifies an offline-to-client retry queue: a user plus
// one of their accounts, or a nil account for rows stored before the
// owning account was known.
type pendingKey struct {
	user    string
	account *Account
}

// Messages delivers messages in both directions and manages the
// durable offline queues.
type Messages struct {
	base             *Base
	deliveryInterval time.Duration

	pendingDeliveriesToClients map[pendingKey]struct{}
	// sentIDs suppresses echoes: events we sent as locally-managed
	// users come back in transactions and must not loop to the client.
	// In-memory only; a restart in the window between send and echo
	// re-delivers, which is a known limitation.
	sentIDs map[string]struct{}

	toMatrixTimer  int
	toClientsTimer int

	removals []func() error
}

func NewMessages(base *Base) *Messages {
	return &Messages{
		base:                       base,
		deliveryInterval:           base.Conf.OfflineDeliveryInterval(),
		pendingDeliveriesToClients: map[pendingKey]struct{}{},
		sentIDs:                    map[string]struct{}{},
	}
}

func (m *Messages) Enter() error {
	b := m.base
	handles := map[imclient.EventID]int{
		imclient.EventUserSignedOn:          b.AddClientsCallback(imclient.EventUserSignedOn, m.onUserSignedOn),
		imclient.EventNewMessage:            b.AddClientsCallback(imclient.EventNewMessage, m.onNewMessage),
		imclient.EventNewImage:              b.AddClientsCallback(imclient.EventNewImage, m.onNewImage),
		imclient.EventNewFile:               b.AddClientsCallback(imclient.EventNewFile, m.onNewFile),
		imclient.EventConversationDestroyed: b.AddClientsCallback(imclient.EventConversationDestroyed, m.onConversationDestroyed),
	}
	for id, handle := range handles {
		id, handle := id, handle
		m.removals = append(m.removals, func() error {
			return b.RemoveClientsCallback(id, handle)
		})
	}
	return nil
}

func (m *Messages) Close() error {
	for _, remove := range m.removals {
		if err := remove(); err != nil {
			return err
		}
	}
	m.removals = nil
	return nil
}

func (m *Messages) Start() error {
	// Flush anything queued for the home server from a previous run.
	m.attemptDeliveryToMatrix()
	if m.messagesToMatrixCount() > 0 {
		m.scheduleDeliveryToMatrix()
	}
	return nil
}

func (m *Messages) Stop() {
	if m.toMatrixTimer != 0 {
		m.base.Loop.RemoveTimer(m.toMatrixTimer)
		m.toMatrixTimer = 0
	}
	if m.toClientsTimer != 0 {
		m.base.Loop.RemoveTimer(m.toClientsTimer)
		m.toClientsTimer = 0
	}
}

func (m *Messages) Stopped() bool {
	return true
}

// onUserSignedOn schedules offline delivery for the account that just
// came online, including rows recorded without account information.
func (m *Messages) onUserSignedOn(user string, account *Account, _ imclient.Event) {
	m.attemptDeliveryToClient(user, account)
	if m.messagesToClientCount(user, account) > 0 {
		m.pendingDeliveriesToClients[pendingKey{user, account}] = struct{}{}
		m.scheduleDeliveryToClients()
	}
	if m.messagesToClientCount(user, nil) > 0 {
		m.pendingDeliveriesToClients[pendingKey{user, nil}] = struct{}{}
		m.scheduleDeliveryToClients()
	}
}

// onNewMessage routes a message from the back-end to the relevant room.
func (m *Messages) onNewMessage(user string, account *Account, ev imclient.Event) {
	contact, err := m.base.ExtContactToMXID(account.Network, ev.Contact)
	if err != nil {
		slog.Error("cannot translate contact", "contact", ev.Contact, "error", err)
		return
	}
	roomID, err := m.base.EnsureRoom(user, contact, ev.ConvID)
	if err != nil {
		slog.Error("cannot ensure room", "user", user, "contact", contact, "error", err)
		return
	}
	if ev.Direction == imclient.DirectionReceived {
		// The puppet speaks; for "sent" the bridge speaks as the local
		// user so their own client shows the echo.
		contact, user = user, contact
	}
	payload := m.createMatrixTextPayload(account, ev.Body)
	m.sendMessageToMatrix(account, roomID, user, contact, ev.Time, payload, false)
}

func (m *Messages) onNewImage(user string, account *Account, ev imclient.Event) {
	m.sendFileToMatrix(user, account, ev, "m.image")
}

func (m *Messages) onNewFile(user string, account *Account, ev imclient.Event) {
	m.sendFileToMatrix(user, account, ev, "m.file")
}

// onConversationDestroyed clears the conversation id; the room
// survives and lazily re-creates the IM-side thread on next outbound.
func (m *Messages) onConversationDestroyed(_ string, _ *Account, ev imclient.Event) {
	for _, room := range m.base.Rooms {
		if room.ConvID == ev.ConvID {
			room.ConvID = ""
		}
	}
}

// processTransactionMessage handles a message from the home server.
// Not registered directly: the service layer calls it for messages it
// determined to be "normal" ones.
func (m *Messages) processTransactionMessage(_ string, event *matrix.Event) {
	sender := event.Sender
	roomID := event.RoomID
	if _, known := m.base.Accounts[sender]; !known {
		return
	}
	if _, sent := m.sentIDs[event.EventID]; sent {
		delete(m.sentIDs, event.EventID)
		return
	}
	if room, ok := m.base.Rooms[roomID]; ok {
		for member := range room.Members {
			m.sendMessageToClient(roomID, sender, member, event.Content, false)
		}
	} else {
		// Unknown room: we may not be tracking the recipient contact
		// yet, so the owning account cannot be determined. Store the
		// message without account info; a later membership sync will
		// retry.
		m.storeOfflineMessageToClientsWithoutAccount(roomID, sender, eventTime(event), event.Content)
	}
}

// sendMessageToMatrix sends a message to a room and returns the event
// id, or "" on failure. A failed non-retry send goes to the matrix
// offline queue. account may be nil for service-user messages; those
// rows then carry no network/ext_user, which is fine as they are
// deliverable without account-level info.
func (m *Messages) sendMessageToMatrix(
	account *Account, roomID, sender, recipient string,
	t time.Time, payload map[string]any, offline bool,
) string {
	eventID, err := m.base.Matrix.SendMessage(m.base.Ctx(), roomID, sender, t, payload)
	if err != nil {
		slog.Warn("failed to send message to home server",
			"room", roomID, "sender", sender, "error", err)
	}
	if eventID != "" {
		if _, managed := m.base.Accounts[sender]; managed {
			m.sentIDs[eventID] = struct{}{}
		}
	} else if !offline {
		m.storeOfflineMessageToMatrix(account, roomID, sender, recipient, t, payload)
	}
	return eventID
}

// sendMessageToClient delivers a home-server message to one puppet
// member via the back-end. Failed non-retry deliveries go to the
// client offline queue.
func (m *Messages) sendMessageToClient(
	roomID, sender, recipient string, payload map[string]any, offline bool,
) bool {
	account := m.base.FindAccountForContact(sender, recipient)
	if account == nil {
		// Callers only pass known recipients, so this is an invariant
		// violation.
		slog.Error("cannot retrieve account",
			"sender", sender, "recipient", recipient, "error", ErrInternal)
		return false
	}
	if account.Connected && m.deliverToClient(account, roomID, recipient, payload) {
		return true
	}
	if !offline {
		m.storeOfflineMessageToClients(account, roomID, sender, recipient, payload)
	}
	return false
}

func (m *Messages) deliverToClient(account *Account, roomID, recipient string, payload map[string]any) bool {
	room := m.base.room(roomID)
	convID := room.ConvID
	if convID == "" {
		extContact, err := m.base.MXIDToExtContact(account.Network, recipient)
		if err != nil {
			slog.Error("cannot translate recipient", "recipient", recipient, "error", err)
			return false
		}
		convID, err = account.Client.CreateConversation(account.Network, account.ExtUser, extContact)
		if err != nil || convID == "" {
			slog.Warn("failed to create conversation",
				"network", account.Network, "contact", extContact, "error", err)
			return false
		}
		room.ConvID = convID
	}
	msgtype, _ := payload["msgtype"].(string)
	switch msgtype {
	case "m.text":
		rendered := renderPayloadForClient(account, payload)
		if err := account.Client.SendMessage(account.Network, account.ExtUser, convID, rendered); err != nil {
			slog.Warn("client failure while attempting to deliver the message", "error", err)
			return false
		}
		return true
	case "m.image", "m.file":
		return m.sendFileToClient(account, convID, payload)
	}
	slog.Warn("unsupported message type for client delivery", "msgtype", msgtype)
	return false
}

// onAttemptDeliveryToClients is the periodic retry tick for the client
// direction. Returns false (disarming the timer) once all queues drain.
func (m *Messages) onAttemptDeliveryToClients() bool {
	delivered := map[pendingKey]struct{}{}
	msgsBefore, msgsAfter := 0, 0
	for key := range m.pendingDeliveriesToClients {
		msgsBefore += m.messagesToClientCount(key.user, key.account)
		m.attemptDeliveryToClient(key.user, key.account)
		remaining := m.messagesToClientCount(key.user, key.account)
		msgsAfter += remaining
		if remaining == 0 {
			delivered[key] = struct{}{}
		}
	}
	for key := range delivered {
		delete(m.pendingDeliveriesToClients, key)
	}
	slog.Debug("attempted offline delivery to clients",
		"before", msgsBefore, "remaining", msgsAfter)
	if len(m.pendingDeliveriesToClients) == 0 {
		m.toClientsTimer = 0
		return false
	}
	return true
}

// onAttemptDeliveryToMatrix is the periodic retry tick for the home
// server direction.
func (m *Messages) onAttemptDeliveryToMatrix() bool {
	msgsBefore := m.messagesToMatrixCount()
	m.attemptDeliveryToMatrix()
	remaining := m.messagesToMatrixCount()
	slog.Debug("attempted offline delivery to home server",
		"before", msgsBefore, "remaining", remaining)
	if remaining == 0 {
		m.toMatrixTimer = 0
		return false
	}
	return true
}

func (m *Messages) findMessagesToClient(user string, account *Account) *store.FindMessage {
	find := &store.FindMessage{
		Destination:   store.DestinationClient,
		Sender:        &user,
		FilterAccount: true,
	}
	if account != nil {
		find.Network = &account.Network
		find.ExtUser = &account.ExtUser
	}
	return find
}

func (m *Messages) messagesToClientCount(user string, account *Account) int {
	count, err := m.base.Store.CountMessages(m.base.Ctx(), m.findMessagesToClient(user, account))
	if err != nil {
		slog.Error("failed to count offline messages", "error", err)
		return 0
	}
	return count
}

func (m *Messages) messagesToMatrixCount() int {
	count, err := m.base.Store.CountMessages(m.base.Ctx(),
		&store.FindMessage{Destination: store.DestinationMatrix})
	if err != nil {
		slog.Error("failed to count offline messages", "error", err)
		return 0
	}
	return count
}

func (m *Messages) attemptDeliveryToClient(user string, account *Account) {
	messages, err := m.base.Store.ListMessages(m.base.Ctx(), m.findMessagesToClient(user, account))
	if err != nil {
		slog.Error("failed to list offline messages", "error", err)
		return
	}
	for _, message := range messages {
		payload := map[string]any{}
		if err := json.Unmarshal([]byte(message.Payload), &payload); err != nil {
			slog.Error("corrupt offline payload, dropping", "id", message.ID, "error", err)
			m.deleteMessage(message, store.DestinationClient)
			continue
		}
		if message.Recipient == nil {
			if message.RoomID == nil {
				slog.Error("inconsistent offline message: both recipient and room_id are null",
					"id", message.ID, "error", ErrInternal)
				continue
			}
			room, ok := m.base.Rooms[*message.RoomID]
			if !ok {
				// Room or contact is still not available.
				slog.Debug("no room found, skipping delivery for now", "room", *message.RoomID)
				continue
			}
			failed := false
			for member := range room.Members {
				if !m.sendMessageToClient(*message.RoomID, message.Sender, member, payload, true) {
					slog.Debug("delivery failed, keeping the message", "id", message.ID)
					failed = true
					break
				}
			}
			if failed {
				return
			}
		} else {
			roomID := ""
			if message.RoomID != nil {
				roomID = *message.RoomID
			}
			if roomID == "" {
				roomID, err = m.base.EnsureRoom(user, *message.Recipient, "")
				if err != nil {
					slog.Warn("cannot ensure room for offline delivery", "error", err)
					break
				}
			}
			if !m.sendMessageToClient(roomID, message.Sender, *message.Recipient, payload, true) {
				slog.Debug("delivery failed, keeping the message", "id", message.ID)
				break
			}
		}
		m.deleteMessage(message, store.DestinationClient)
	}
}

// attemptDeliveryToMatrix flushes the whole matrix queue: the home
// server becomes available as a whole, not per account, so there is no
// point in per-user delivery.
func (m *Messages) attemptDeliveryToMatrix() {
	messages, err := m.base.Store.ListMessages(m.base.Ctx(),
		&store.FindMessage{Destination: store.DestinationMatrix})
	if err != nil {
		slog.Error("failed to list offline messages", "error", err)
		return
	}
	for _, message := range messages {
		if message.Recipient == nil {
			slog.Error("offline message to home server without recipient",
				"id", message.ID, "error", ErrInternal)
			continue
		}
		roomID, err := m.base.EnsureRoom(*message.Recipient, message.Sender, "")
		if err != nil {
			slog.Warn("cannot ensure room for offline delivery", "error", err)
			break
		}
		payload := map[string]any{}
		if err := json.Unmarshal([]byte(message.Payload), &payload); err != nil {
			slog.Error("corrupt offline payload, dropping", "id", message.ID, "error", err)
			m.deleteMessage(message, store.DestinationMatrix)
			continue
		}
		if content, ok := payload["content"].(string); ok {
			// Media row whose upload failed originally: retry the
			// upload, then rewrite the payload to carry the URL.
			raw, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				slog.Error("corrupt offline media content, dropping", "id", message.ID, "error", err)
				m.deleteMessage(message, store.DestinationMatrix)
				continue
			}
			contentType, _ := payload["content-type"].(string)
			mediaURL, err := m.base.Matrix.UploadContent(m.base.Ctx(), contentType, raw)
			if err != nil || mediaURL == "" {
				slog.Warn("media upload retry failed", "id", message.ID, "error", err)
				break
			}
			payload["url"] = mediaURL
			delete(payload, "content")
			delete(payload, "content-type")
		}
		if m.sendMessageToMatrix(
			nil, roomID, message.Sender, *message.Recipient,
			message.Time, payload, true) == "" {
			break
		}
		m.deleteMessage(message, store.DestinationMatrix)
	}
}

func (m *Messages) deleteMessage(message *store.Message, destination store.Destination) {
	if err := m.base.Store.DeleteMessage(m.base.Ctx(), message.ID); err != nil {
		slog.Error("failed to delete offline message", "id", message.ID, "error", err)
		return
	}
	metrics.OfflineMessagesDelivered.WithLabelValues(string(destination)).Inc()
}

func (m *Messages) scheduleDeliveryToMatrix() {
	if m.toMatrixTimer == 0 {
		m.toMatrixTimer = m.base.Loop.AddTimer(m.deliveryInterval, m.onAttemptDeliveryToMatrix)
	}
}

func (m *Messages) scheduleDeliveryToClients() {
	if m.toClientsTimer == 0 {
		m.toClientsTimer = m.base.Loop.AddTimer(m.deliveryInterval, m.onAttemptDeliveryToClients)
	}
}

func (m *Messages) storeOfflineMessageToMatrix(
	account *Account, roomID, sender, recipient string,
	t time.Time, payload map[string]any,
) {
	slog.Debug("storing offline message to home server",
		"room", roomID, "sender", sender, "recipient", recipient)
	message := &store.Message{
		RoomID:      &roomID,
		Sender:      sender,
		Recipient:   &recipient,
		Destination: store.DestinationMatrix,
		Time:        t,
		Payload:     marshalPayload(payload),
	}
	if account != nil {
		message.Network = &account.Network
		message.ExtUser = &account.ExtUser
	}
	if _, err := m.base.Store.CreateMessage(m.base.Ctx(), message); err != nil {
		slog.Error("failed to store offline message", "error", err)
		return
	}
	metrics.OfflineMessagesStored.WithLabelValues(string(store.DestinationMatrix)).Inc()
	m.scheduleDeliveryToMatrix()
}

func (m *Messages) storeOfflineMessageToClients(
	account *Account, roomID, sender, recipient string, payload map[string]any,
) {
	slog.Debug("storing offline message to client",
		"network", account.Network, "room", roomID, "sender", sender, "recipient", recipient)
	message := &store.Message{
		Network:     &account.Network,
		ExtUser:     &account.ExtUser,
		RoomID:      &roomID,
		Sender:      sender,
		Recipient:   &recipient,
		Destination: store.DestinationClient,
		Time:        time.Now().UTC(),
		Payload:     marshalPayload(payload),
	}
	if _, err := m.base.Store.CreateMessage(m.base.Ctx(), message); err != nil {
		slog.Error("failed to store offline message", "error", err)
		return
	}
	metrics.OfflineMessagesStored.WithLabelValues(string(store.DestinationClient)).Inc()
	m.pendingDeliveriesToClients[pendingKey{sender, account}] = struct{}{}
	m.scheduleDeliveryToClients()
}

func (m *Messages) storeOfflineMessageToClientsWithoutAccount(
	roomID, sender string, t time.Time, payload map[string]any,
) {
	slog.Debug("storing offline message to client without account",
		"room", roomID, "sender", sender)
	message := &store.Message{
		RoomID:      &roomID,
		Sender:      sender,
		Destination: store.DestinationClient,
		Time:        t,
		Payload:     marshalPayload(payload),
	}
	if _, err := m.base.Store.CreateMessage(m.base.Ctx(), message); err != nil {
		slog.Error("failed to store offline message", "error", err)
		return
	}
	metrics.OfflineMessagesStored.WithLabelValues(string(store.DestinationClient)).Inc()
	m.pendingDeliveriesToClients[pendingKey{sender, nil}] = struct{}{}
	m.scheduleDeliveryToClients()
}

// createMatrixTextPayload builds the m.text payload, applying the
// network's convert_to_text hook and format tag when configured.
func (m *Messages) createMatrixTextPayload(account *Account, body string) map[string]any {
	textBody := body
	if account != nil && account.Config != nil {
		if account.Config.ConvertToText != "" {
			if account.Config.ConvertToText == "html2text" {
				converted, err := html2text.FromString(body)
				if err != nil {
					slog.Error("html2text conversion failed", "error", err)
				} else {
					textBody = converted
				}
			} else {
				slog.Error("misconfiguration: converter to text is unknown",
					"converter", account.Config.ConvertToText, "network", account.Network)
			}
		}
		if account.Config.Format != "" {
			return map[string]any{
				"msgtype":        "m.text",
				"body":           textBody,
				"format":         account.Config.Format,
				"formatted_body": body,
			}
		}
	}
	return map[string]any{"msgtype": "m.text", "body": textBody}
}

func (m *Messages) sendFileToMatrix(user string, account *Account, ev imclient.Event, msgtype string) {
	contact, err := m.base.ExtContactToMXID(account.Network, ev.Contact)
	if err != nil {
		slog.Error("cannot translate contact", "contact", ev.Contact, "error", err)
		return
	}
	roomID, err := m.base.EnsureRoom(user, contact, ev.ConvID)
	if err != nil {
		slog.Error("cannot ensure room", "user", user, "contact", contact, "error", err)
		return
	}
	if ev.Direction == imclient.DirectionReceived {
		contact, user = user, contact
	}
	payload := map[string]any{"msgtype": msgtype, "body": ev.Body}
	// The back-end does not know the content type; sniff it.
	contentType := mimetype.Detect(ev.Content).String()
	mediaURL, err := m.base.Matrix.UploadContent(m.base.Ctx(), contentType, ev.Content)
	if err == nil && mediaURL != "" {
		payload["url"] = mediaURL
		m.sendMessageToMatrix(account, roomID, user, contact, ev.Time, payload, false)
		return
	}
	slog.Warn("media upload failed, queuing raw content", "error", err)
	payload["content"] = base64.StdEncoding.EncodeToString(ev.Content)
	payload["content-type"] = contentType
	m.storeOfflineMessageToMatrix(account, roomID, user, contact, ev.Time, payload)
}

func (m *Messages) sendFileToClient(account *Account, convID string, payload map[string]any) bool {
	rawURL, _ := payload["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		slog.Error("cannot parse media url", "url", rawURL, "error", err)
		return false
	}
	mediaID := strings.TrimPrefix(parsed.Path, "/")
	content, err := m.base.Matrix.DownloadContent(m.base.Ctx(), parsed.Host, mediaID)
	if err != nil || len(content) == 0 {
		slog.Warn("failed to download media", "url", rawURL, "error", err)
		return false
	}
	body, _ := payload["body"].(string)
	msgtype, _ := payload["msgtype"].(string)
	sendFn := account.Client.SendFile
	if msgtype == "m.image" {
		sendFn = account.Client.SendImage
	}
	if err := sendFn(account.Network, account.ExtUser, convID, body, content); err != nil {
		slog.Warn("client failure while attempting to deliver the file", "error", err)
		return false
	}
	return true
}

// renderPayloadForClient picks the body to hand to the back-end: the
// formatted body when the formats agree, a Markdown rendering when
// configured, or the plain body.
func renderPayloadForClient(account *Account, payload map[string]any) string {
	body, _ := payload["body"].(string)
	format, _ := payload["format"].(string)
	formattedBody, _ := payload["formatted_body"].(string)
	if account.Config != nil && account.Config.Format != "" &&
		format != "" && account.Config.Format == format {
		return formattedBody
	}
	if account.Config != nil && account.Config.ConvertFromText != "" {
		if account.Config.ConvertFromText == "markdown" {
			var buf bytes.Buffer
			if err := goldmark.Convert([]byte(body), &buf); err != nil {
				slog.Error("markdown rendering failed", "error", err)
				return body
			}
			return strings.TrimSuffix(buf.String(), "\n")
		}
		slog.Error("misconfiguration: from text converter is unknown",
			"converter", account.Config.ConvertFromText, "network", account.Network)
	}
	return body
}

func marshalPayload(payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal payload", "error", err)
		return "{}"
	}
	return string(raw)
}

// eventTime converts the event origin timestamp (milliseconds) to a
// time, falling back to now.
func eventTime(event *matrix.Event) time.Time {
	if event.OriginServerTS > 0 {
		return time.UnixMilli(event.OriginServerTS).UTC()
	}
	return time.Now().UTC()
}
