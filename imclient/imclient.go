// Package imclient defines the contract between the bridge and IM
// back-end implementations. Back-ends run their own I/O goroutines but
// every method here must be called from the bridge main loop only, as
// the underlying libraries may be non-reentrant.
package imclient

import (
	"fmt"
	"time"
)

// EventID names a back-end-originated event.
type EventID string

const (
	EventUserSignedOn          EventID = "user-signed-on"
	EventUserSignedOff         EventID = "user-signed-off"
	EventNewAuthToken          EventID = "new-auth-token"
	EventConnectionError       EventID = "connection-error"
	EventContactStatusChanged  EventID = "contact-status-changed"
	EventContactTyping         EventID = "contact-typing"
	EventNewMessage            EventID = "new-message"
	EventNewImage              EventID = "new-image"
	EventNewFile               EventID = "new-file"
	EventConversationDestroyed EventID = "conversation-destroyed"
	EventContactUpdated        EventID = "contact-updated"
	EventRequestInput          EventID = "request-input"
)

// Direction tells whether a message was received by the account or
// sent from it on another device.
type Direction string

const (
	DirectionReceived Direction = "recv"
	DirectionSent     Direction = "sent"
)

// Event carries the arguments of a back-end callback. Which fields
// are set depends on ID:
//
//	user-signed-on, user-signed-off: Network, ExtUser
//	new-auth-token:                  + Token
//	connection-error:                + Reason, Description
//	contact-status-changed:          + Contact, Status
//	contact-typing:                  + ConvID, Contact, Typing
//	new-message:                     + ConvID, Contact, Direction, Body, Time
//	new-image, new-file:             + ConvID, Contact, Direction, Body (description), Content, Time
//	conversation-destroyed:          + ConvID
//	contact-updated:                 + Contact, DisplayName
//	request-input:                   + Title, Primary, Secondary, DefaultValue, OnOK, OnCancel
type Event struct {
	ID      EventID
	Network string
	ExtUser string

	Token        string
	Reason       string
	Description  string
	Contact      string
	Status       string
	ConvID       string
	Typing       bool
	Direction    Direction
	Body         string
	Content      []byte
	Time         time.Time
	DisplayName  string
	Title        string
	Primary      string
	Secondary    string
	DefaultValue string
	OnOK         func(input string)
	OnCancel     func()
}

// Handler consumes a back-end event. Handlers registered with a
// back-end are invoked on the back-end's own goroutine; the bridge
// wraps them to post onto the main loop.
type Handler func(Event)

// Contact is a roster entry.
type Contact struct {
	ExtUser     string
	DisplayName string
}

// Error is a transient back-end failure; delivery paths that hit one
// fall back to the offline queue.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("im client failure: %s", e.Reason)
}

// Client is the abstract IM back-end. One client instance may serve
// several networks (a multi-protocol library), distinguished by the
// network argument.
//
// AddCallback returns a handle used for removal; the same Handler may
// be registered more than once and each registration is independent.
type Client interface {
	AddCallback(id EventID, fn Handler) int
	RemoveCallback(id EventID, handle int) error

	Login(network, user string, password, authToken *string) error
	Logout(network, user string) error
	GetAuthToken(network, user string) (string, error)

	CreateConversation(network, user, contact string) (string, error)
	SendMessage(network, user, conv, message string) error
	SendImage(network, user, conv, description string, content []byte) error
	SendFile(network, user, conv, description string, content []byte) error
	SetTyping(network, user, conv string, typing bool) error

	GetContacts(network, user string) ([]Contact, error)
	GetContactStatus(network, user, contact string) (string, error)
	GetContactDisplayName(network, user, contact string) (string, error)
	// GetContactIcon returns the icon file extension and content.
	GetContactIcon(network, user, contact string) (string, []byte, error)

	SetAccountStatus(network, user, status string) error
	GetAccountDisplayName(network, user string) (string, error)
	SetAccountDisplayName(network, user, displayName string) error
	GetAccountIcon(network, user string) (string, []byte, error)
	SetAccountIcon(network, user string, icon []byte) error

	Close() error
}
