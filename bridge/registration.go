package bridge

import (
	"fmt"
	"log/slog"

	"github.com/endl-ch/pumaduct/imclient"
	"github.com/endl-ch/pumaduct/matrix"
	"github.com/endl-ch/pumaduct/store"
)

// fatalRegistrationErrors are connection-error reasons that make
// retrying a pending registration pointless.
var fatalRegistrationErrors = map[string]struct{}{
	"invalid username":          {},
	"authentication failed":     {},
	"authentication impossible": {},
	"name in use":               {},
	"invalid settings":          {},
}

type regKey struct {
	network string
	extUser string
}

// registration is one in-flight registration attempt, alive between
// the register command and the resulting sign-on or fatal error.
type registration struct {
	roomID   string
	password string
}

// Registration links existing external-network accounts to home-server
// users via the register and unregister service commands. It does not
// create accounts on the external network; the user must have one
// already.
type Registration struct {
	base     *Base
	messages *Messages
	service  *Service

	pending map[regKey]*registration

	removals []func() error
}

func NewRegistration(base *Base, messages *Messages, service *Service) *Registration {
	return &Registration{
		base:     base,
		messages: messages,
		service:  service,
		pending:  map[regKey]*registration{},
	}
}

// Enter registers unmapped callbacks: during registration the account
// does not exist yet, so the mapping dispatcher would drop the events.
func (r *Registration) Enter() error {
	b := r.base
	signOnHandle := b.AddUnmappedClientsCallback(imclient.EventUserSignedOn, r.onSignedOnWithoutAccount)
	r.removals = append(r.removals, func() error {
		return b.RemoveClientsCallback(imclient.EventUserSignedOn, signOnHandle)
	})
	errHandle := b.AddUnmappedClientsCallback(imclient.EventConnectionError, r.onConnectionErrorWithoutAccount)
	r.removals = append(r.removals, func() error {
		return b.RemoveClientsCallback(imclient.EventConnectionError, errHandle)
	})

	registerHandle := r.service.AddCommand("register", r.onServiceRegister,
		"register network user password - registers new account, "+
			"the message will be redacted afterwards so that password doesn't stay in the history.")
	r.removals = append(r.removals, func() error {
		return r.service.RemoveCommand("register", registerHandle)
	})
	unregisterHandle := r.service.AddCommand("unregister", r.onServiceUnregister,
		"unregister network user - unregisters exisitng account.")
	r.removals = append(r.removals, func() error {
		return r.service.RemoveCommand("unregister", unregisterHandle)
	})
	return nil
}

func (r *Registration) Close() error {
	for _, remove := range r.removals {
		if err := remove(); err != nil {
			return err
		}
	}
	r.removals = nil
	return nil
}

func (r *Registration) Start() error { return nil }
func (r *Registration) Stop()        {}
func (r *Registration) Stopped() bool {
	return true
}

// onSignedOnWithoutAccount turns a successful pending registration
// into a persisted account and replays the sign-on so the layers that
// only see mapped events pick the new account up.
func (r *Registration) onSignedOnWithoutAccount(ev imclient.Event) {
	key := regKey{network: ev.Network, extUser: ev.ExtUser}
	reg, ok := r.pending[key]
	if !ok {
		return
	}
	delete(r.pending, key)
	room, ok := r.service.Rooms[reg.roomID]
	if !ok {
		slog.Error("registration room not found in service rooms",
			"room", reg.roomID, "error", ErrInternal)
		return
	}
	user := room.User
	stored, err := r.base.Store.CreateAccount(r.base.Ctx(), &store.Account{
		User:     user,
		Network:  ev.Network,
		ExtUser:  ev.ExtUser,
		Password: reg.password,
	})
	if err != nil {
		slog.Error("failed to persist account",
			"network", ev.Network, "user", ev.ExtUser, "error", err)
		return
	}
	netConf := r.base.Conf.Networks[ev.Network]
	r.base.Accounts[user] = append(r.base.Accounts[user], &Account{
		ID:        stored.ID,
		Network:   stored.Network,
		ExtUser:   stored.ExtUser,
		Password:  stored.Password,
		AuthToken: stored.AuthToken,
		Config:    netConf,
		Client:    r.base.Clients[netConf.Client],
		Contacts:  map[string]struct{}{},
	})
	r.service.SendMessage(reg.roomID, user, fmt.Sprintf(
		"Successfully registered %s on the network %s", user, ev.Network))
	r.base.DispatchCallbacks(imclient.Event{
		ID:      imclient.EventUserSignedOn,
		Network: ev.Network,
		ExtUser: ev.ExtUser,
	})
}

// onConnectionErrorWithoutAccount discards a pending registration on a
// permanent failure and forces a logout so the back-end stops retrying
// the doomed credentials.
func (r *Registration) onConnectionErrorWithoutAccount(ev imclient.Event) {
	key := regKey{network: ev.Network, extUser: ev.ExtUser}
	reg, ok := r.pending[key]
	if !ok {
		return
	}
	if _, fatal := fatalRegistrationErrors[ev.Reason]; !fatal {
		// Transient error; the back-end keeps reconnecting.
		return
	}
	room, ok := r.service.Rooms[reg.roomID]
	if !ok {
		slog.Error("registration room not found in service rooms",
			"room", reg.roomID, "error", ErrInternal)
		return
	}
	r.service.SendMessage(reg.roomID, room.User, fmt.Sprintf(
		"Failed to register %s on network %s: error reason is '%s', error description is: '%s'",
		room.User, ev.Network, ev.Reason, ev.Description))
	delete(r.pending, key)
	netConf := r.base.Conf.Networks[ev.Network]
	if netConf != nil {
		if client, ok := r.base.Clients[netConf.Client]; ok {
			if err := client.Logout(ev.Network, ev.ExtUser); err != nil {
				slog.Warn("failed to log out failed registration",
					"network", ev.Network, "user", ev.ExtUser, "error", err)
			}
		}
	}
}

func (r *Registration) onServiceRegister(_ string, event *matrix.Event, args []string) {
	roomID := event.RoomID
	sender := event.Sender
	if len(args) != 4 {
		r.service.SendMessage(roomID, sender, fmt.Sprintf(
			"Wrong number of arguments for 'register' command: %v", args))
		return
	}
	network, extUser, password := args[1], args[2], args[3]
	netConf, ok := r.base.Conf.Networks[network]
	if !ok {
		r.service.SendMessage(roomID, sender, fmt.Sprintf(
			"Network '%s' is not configured in PuMaDuct config, don't know how to register.", network))
		return
	}
	if user, _ := r.base.FindUserAndAccount(network, extUser); user != "" {
		r.service.SendMessage(roomID, sender, fmt.Sprintf(
			"Account %s on the network %s is already registered.", extUser, network))
		return
	}
	if !netConf.IsEnabled() {
		r.service.SendMessage(roomID, sender, fmt.Sprintf(
			"Network '%s' is configured but currently disabled, cannot register.", network))
		return
	}
	// The command carries the password; strip it from the room history.
	if err := r.base.Matrix.RedactEvent(
		r.base.Ctx(), roomID, r.service.User, event.EventID, "Stripped sensitive data"); err != nil {
		slog.Warn("failed to redact registration message", "room", roomID, "error", err)
	}
	r.service.SendMessage(roomID, sender, fmt.Sprintf(
		"Registering account %s on the network %s...", extUser, network))
	key := regKey{network: network, extUser: extUser}
	if _, inFlight := r.pending[key]; inFlight {
		return
	}
	r.pending[key] = &registration{roomID: roomID, password: password}
	if err := r.base.Clients[netConf.Client].Login(network, extUser, &password, nil); err != nil {
		slog.Warn("login attempt failed", "network", network, "user", extUser, "error", err)
	}
}

func (r *Registration) onServiceUnregister(_ string, event *matrix.Event, args []string) {
	roomID := event.RoomID
	sender := event.Sender
	if len(args) != 3 {
		r.service.SendMessage(roomID, sender, fmt.Sprintf(
			"Wrong number of arguments for 'unregister' command: %v", args))
		return
	}
	network, extUser := args[1], args[2]
	if _, ok := r.base.Conf.Networks[network]; !ok {
		r.service.SendMessage(roomID, sender, fmt.Sprintf(
			"Network '%s' is not configured in PuMaDuct config, don't know how to unregister.", network))
		return
	}
	user, account := r.base.FindUserAndAccount(network, extUser)
	if user == "" {
		r.service.SendMessage(roomID, sender, fmt.Sprintf(
			"Cannot find the account %s on the network %s to unregister.", extUser, network))
		return
	}
	// Rooms shared with this account's contacts stay: a contact may be
	// reachable through another account. Offline messages also stay and
	// get garbage-collected on expiry.
	if err := r.base.Store.DeleteAccount(r.base.Ctx(), account.ID); err != nil {
		slog.Error("failed to delete account", "id", account.ID, "error", err)
		return
	}
	accounts := r.base.Accounts[user]
	for i, a := range accounts {
		if a == account {
			r.base.Accounts[user] = append(accounts[:i:i], accounts[i+1:]...)
			break
		}
	}
	if len(r.base.Accounts[user]) == 0 {
		delete(r.base.Accounts, user)
	}
	delete(r.messages.pendingDeliveriesToClients, pendingKey{user, account})
	r.service.SendMessage(roomID, sender, fmt.Sprintf(
		"Unregistered account %s for the user %s on the network %s.", extUser, user, network))
}
