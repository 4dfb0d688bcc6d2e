// Package store provides database access to the bridge's persisted
// state: external-network accounts and offline messages.
package store

import (
	"context"
	"database/sql"
	"time"
)

// Destination says which side an offline message is waiting for.
type Destination string

const (
	// DestinationClient marks messages waiting for an IM back-end.
	DestinationClient Destination = "client"
	// DestinationMatrix marks messages waiting for the home server.
	DestinationMatrix Destination = "matrix"
)

// Account is an external-network account owned by a home-server user.
type Account struct {
	ID       int64
	User     string
	Network  string
	ExtUser  string
	Password string
	// AuthToken, when non-nil, is used instead of the password.
	AuthToken *string
}

// Message is an offline message stored for later delivery. At least
// one of Recipient and RoomID is always set.
type Message struct {
	ID          int64
	Network     *string
	ExtUser     *string
	RoomID      *string
	Sender      string
	Recipient   *string
	Destination Destination
	Time        time.Time
	Payload     string
}

// FindMessage filters offline messages. When FilterAccount is set,
// Network and ExtUser are matched exactly, with nil matching NULL —
// that is how rows stored before the owning account was known are
// retrieved.
type FindMessage struct {
	Destination   Destination
	Sender        *string
	FilterAccount bool
	Network       *string
	ExtUser       *string
}

// Driver is the database-specific backend of the store.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	CreateAccount(ctx context.Context, create *Account) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	DeleteAccount(ctx context.Context, id int64) error
	UpdateAccountAuthToken(ctx context.Context, id int64, authToken string) error

	CreateMessage(ctx context.Context, create *Message) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	CountMessages(ctx context.Context, find *FindMessage) (int, error)
	DeleteMessage(ctx context.Context, id int64) error
}

// Store provides access to all persisted objects.
type Store struct {
	driver Driver
}

// New creates a new store instance on top of a driver.
func New(driver Driver) *Store {
	return &Store{driver: driver}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) CreateAccount(ctx context.Context, create *Account) (*Account, error) {
	return s.driver.CreateAccount(ctx, create)
}

func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	return s.driver.ListAccounts(ctx)
}

func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	return s.driver.DeleteAccount(ctx, id)
}

func (s *Store) UpdateAccountAuthToken(ctx context.Context, id int64, authToken string) error {
	return s.driver.UpdateAccountAuthToken(ctx, id, authToken)
}

func (s *Store) CreateMessage(ctx context.Context, create *Message) (*Message, error) {
	return s.driver.CreateMessage(ctx, create)
}

func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

func (s *Store) CountMessages(ctx context.Context, find *FindMessage) (int, error) {
	return s.driver.CountMessages(ctx, find)
}

func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	return s.driver.DeleteMessage(ctx, id)
}
