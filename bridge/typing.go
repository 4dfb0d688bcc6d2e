package bridge

import (
	"log/slog"

	"github.com/endl-ch/pumaduct/imclient"
	"github.com/endl-ch/pumaduct/matrix"
)

// Typing relays typing notifications in both directions.
type Typing struct {
	base *Base

	removals []func() error
}

func NewTyping(base *Base) *Typing {
	return &Typing{base: base}
}

func (t *Typing) Enter() error {
	b := t.base
	clientHandle := b.AddClientsCallback(imclient.EventContactTyping, t.onContactTyping)
	t.removals = append(t.removals, func() error {
		return b.RemoveClientsCallback(imclient.EventContactTyping, clientHandle)
	})
	txnHandle := b.AddTransactionCallback("m.typing", t.onTransactionTyping)
	t.removals = append(t.removals, func() error {
		return b.RemoveTransactionCallback("m.typing", txnHandle)
	})
	return nil
}

func (t *Typing) Close() error {
	for _, remove := range t.removals {
		if err := remove(); err != nil {
			return err
		}
	}
	t.removals = nil
	return nil
}

func (t *Typing) Start() error { return nil }
func (t *Typing) Stop()        {}
func (t *Typing) Stopped() bool {
	return true
}

// onContactTyping pushes a contact's typing state into the room shared
// with the user, creating the room when the contact types first.
func (t *Typing) onContactTyping(user string, account *Account, ev imclient.Event) {
	contact, err := t.base.ExtContactToMXID(account.Network, ev.Contact)
	if err != nil {
		slog.Error("cannot translate contact", "contact", ev.Contact, "error", err)
		return
	}
	roomID, err := t.base.EnsureRoom(user, contact, ev.ConvID)
	if err != nil {
		slog.Warn("failed to ensure room for typing", "contact", contact, "error", err)
		return
	}
	if err := t.base.Matrix.SetUserTyping(t.base.Ctx(), contact, roomID, ev.Typing); err != nil {
		slog.Warn("failed to set typing state", "room", roomID, "contact", contact, "error", err)
	}
}

// onTransactionTyping forwards the user's typing state to every
// conversation behind the room.
func (t *Typing) onTransactionTyping(_ string, event *matrix.Event) {
	room, ok := t.base.Rooms[event.RoomID]
	if !ok {
		return
	}
	typing := false
	if userIDs, ok := event.Content["user_ids"].([]any); ok {
		for _, id := range userIDs {
			if id == room.User {
				typing = true
				break
			}
		}
	}
	for contact := range room.Members {
		account := t.base.FindAccountForContact(room.User, contact)
		if account == nil || !account.Connected {
			continue
		}
		extContact, err := t.base.MXIDToExtContact(account.Network, contact)
		if err != nil {
			slog.Error("cannot translate contact", "contact", contact, "error", err)
			continue
		}
		if room.ConvID == "" {
			convID, err := account.Client.CreateConversation(account.Network, account.ExtUser, extContact)
			if err != nil {
				slog.Warn("failed to create conversation", "contact", extContact, "error", err)
				continue
			}
			room.ConvID = convID
		}
		if err := account.Client.SetTyping(account.Network, account.ExtUser, room.ConvID, typing); err != nil {
			slog.Warn("failed to forward typing state", "contact", extContact, "error", err)
		}
	}
}
