package bridge

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/endl-ch/pumaduct/matrix"
)

// Info serves the accounts and contacts service commands.
type Info struct {
	base     *Base
	messages *Messages
	service  *Service

	removals []func() error
}

func NewInfo(base *Base, messages *Messages, service *Service) *Info {
	return &Info{base: base, messages: messages, service: service}
}

func (i *Info) Enter() error {
	accountsHandle := i.service.AddCommand("accounts", i.onServiceAccounts,
		"accounts - list all registered accounts and their status.")
	i.removals = append(i.removals, func() error {
		return i.service.RemoveCommand("accounts", accountsHandle)
	})
	contactsHandle := i.service.AddCommand("contacts", i.onServiceContacts,
		"contacts network user - list all contacts for given account.")
	i.removals = append(i.removals, func() error {
		return i.service.RemoveCommand("contacts", contactsHandle)
	})
	return nil
}

func (i *Info) Close() error {
	for _, remove := range i.removals {
		if err := remove(); err != nil {
			return err
		}
	}
	i.removals = nil
	return nil
}

func (i *Info) Start() error { return nil }
func (i *Info) Stop()        {}
func (i *Info) Stopped() bool {
	return true
}

func (i *Info) onServiceAccounts(_ string, event *matrix.Event, _ []string) {
	roomID := event.RoomID
	sender := event.Sender
	accounts, ok := i.base.Accounts[sender]
	if !ok {
		i.service.SendMessage(roomID, sender, "You don't have any registered accounts yet.")
		return
	}
	var result strings.Builder
	for _, account := range accounts {
		status := "offline"
		if account.Connected {
			status = "online"
		}
		msgsCount := i.messages.messagesToClientCount(sender, account)
		fmt.Fprintf(&result,
			"* Network: '%s', user: '%s', status: '%s', number of contacts: %d, "+
				"number of offline messages to client: %d\n",
			account.Network, account.ExtUser, status, len(account.Contacts), msgsCount)
	}
	i.service.SendMessage(roomID, sender, result.String())
}

func (i *Info) onServiceContacts(_ string, event *matrix.Event, args []string) {
	roomID := event.RoomID
	sender := event.Sender
	if len(args) != 3 {
		i.service.SendMessage(roomID, sender, fmt.Sprintf(
			"Wrong number of arguments for 'contacts' command: %v", args))
		return
	}
	network, extUser := args[1], args[2]
	if _, ok := i.base.Conf.Networks[network]; !ok {
		i.service.SendMessage(roomID, sender, fmt.Sprintf(
			"Network '%s' is not configured in PuMaDuct config, "+
				"don't know how to retrieve contacts.", network))
		return
	}
	user, account := i.base.FindUserAndAccount(network, extUser)
	if user == "" {
		i.service.SendMessage(roomID, sender, fmt.Sprintf(
			"Cannot find the account %s on the network %s to retrieve contacts.", extUser, network))
		return
	}
	var result strings.Builder
	for contact := range account.Contacts {
		extContact, err := i.base.MXIDToExtContact(account.Network, contact)
		if err != nil {
			slog.Error("cannot translate contact", "contact", contact, "error", err)
			continue
		}
		displayName, err := account.Client.GetContactDisplayName(account.Network, account.ExtUser, extContact)
		if err != nil {
			slog.Warn("failed to get contact display name", "contact", extContact, "error", err)
		}
		status, err := account.Client.GetContactStatus(account.Network, account.ExtUser, extContact)
		if err != nil {
			slog.Warn("failed to get contact status", "contact", extContact, "error", err)
		}
		fmt.Fprintf(&result, "* Contact: '%s', displayname: '%s', status: '%s'\n",
			contact, displayName, status)
	}
	i.service.SendMessage(roomID, sender, result.String())
}
