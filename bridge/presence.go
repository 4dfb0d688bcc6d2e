package bridge

import (
	"log/slog"

	"github.com/endl-ch/pumaduct/imclient"
	"github.com/endl-ch/pumaduct/matrix"
)

// Presence mirrors presence in both directions: home-server users'
// presence is pushed to their accounts, contact status is pushed to
// the puppets. The home server has no presence push channel for
// non-managed users, so their side is polled through the service
// user's presence list.
type Presence struct {
	base *Base

	serviceUser  string
	refreshTimer int

	removals []func() error
}

func NewPresence(base *Base) *Presence {
	return &Presence{
		base:        base,
		serviceUser: "@" + base.Conf.ServiceLocalpart + ":" + base.HSHost(),
	}
}

func (p *Presence) Enter() error {
	b := p.base
	handles := map[imclient.EventID]int{
		imclient.EventUserSignedOn:         b.AddClientsCallback(imclient.EventUserSignedOn, p.onUserSignedOn),
		imclient.EventUserSignedOff:        b.AddClientsCallback(imclient.EventUserSignedOff, p.onUserGone),
		imclient.EventConnectionError:      b.AddClientsCallback(imclient.EventConnectionError, p.onUserGone),
		imclient.EventContactStatusChanged: b.AddClientsCallback(imclient.EventContactStatusChanged, p.onContactStatusChanged),
	}
	for id, handle := range handles {
		id, handle := id, handle
		p.removals = append(p.removals, func() error {
			return b.RemoveClientsCallback(id, handle)
		})
	}
	txnHandle := b.AddTransactionCallback("m.presence", p.onTransactionPresence)
	p.removals = append(p.removals, func() error {
		return b.RemoveTransactionCallback("m.presence", txnHandle)
	})
	return nil
}

func (p *Presence) Close() error {
	for _, remove := range p.removals {
		if err := remove(); err != nil {
			return err
		}
	}
	p.removals = nil
	return nil
}

// Start subscribes the service user to every bridged user's presence
// and arms the periodic refresh.
func (p *Presence) Start() error {
	p.refreshPresenceList()
	p.refreshTimer = p.base.Loop.AddTimer(p.base.Conf.PresenceInterval(), p.onRefresh)
	return nil
}

func (p *Presence) Stop() {
	if p.refreshTimer != 0 {
		p.base.Loop.RemoveTimer(p.refreshTimer)
		p.refreshTimer = 0
	}
	if err := p.base.Matrix.SetUserPresence(p.base.Ctx(), p.serviceUser, "offline"); err != nil {
		slog.Warn("failed to set service presence", "error", err)
	}
}

func (p *Presence) Stopped() bool {
	return true
}

// refreshPresenceList adds every account-owning user missing from the
// service user's presence list and keeps the service user online.
func (p *Presence) refreshPresenceList() {
	b := p.base
	listed := map[string]struct{}{}
	list, err := b.Matrix.GetPresenceList(b.Ctx(), p.serviceUser)
	if err != nil {
		slog.Warn("failed to fetch presence list", "error", err)
	} else {
		for _, ev := range list {
			listed[ev.Content.UserID] = struct{}{}
		}
	}
	for user := range b.Accounts {
		if _, ok := listed[user]; ok {
			continue
		}
		if err := b.Matrix.AddToPresenceList(b.Ctx(), user, p.serviceUser); err != nil {
			slog.Warn("failed to subscribe to presence", "user", user, "error", err)
		}
	}
	if err := b.Matrix.SetUserPresence(b.Ctx(), p.serviceUser, "online"); err != nil {
		slog.Warn("failed to set service presence", "error", err)
	}
}

func (p *Presence) onRefresh() bool {
	p.refreshPresenceList()
	return true
}

// onUserSignedOn mirrors the user's home-server presence onto the
// fresh account session and pushes every contact's status to its
// puppet.
func (p *Presence) onUserSignedOn(user string, account *Account, _ imclient.Event) {
	b := p.base
	presence, err := b.Matrix.GetNonManagedUserPresence(b.Ctx(), user, p.serviceUser)
	if err != nil {
		slog.Warn("failed to fetch user presence", "user", user, "error", err)
	} else if presence != "" {
		if err := account.Client.SetAccountStatus(account.Network, account.ExtUser, presence); err != nil {
			slog.Warn("failed to set account status",
				"network", account.Network, "user", account.ExtUser, "error", err)
		}
	}
	for contact := range account.Contacts {
		extContact, err := b.MXIDToExtContact(account.Network, contact)
		if err != nil {
			slog.Error("cannot translate contact", "contact", contact, "error", err)
			continue
		}
		status, err := account.Client.GetContactStatus(account.Network, account.ExtUser, extContact)
		if err != nil {
			slog.Warn("failed to get contact status", "contact", extContact, "error", err)
			continue
		}
		p.setPuppetPresence(contact, status)
	}
}

// onUserGone marks every contact of the account offline: with the
// session gone there is no source of truth for their status.
func (p *Presence) onUserGone(_ string, account *Account, _ imclient.Event) {
	for contact := range account.Contacts {
		p.setPuppetPresence(contact, "offline")
	}
}

func (p *Presence) onContactStatusChanged(_ string, account *Account, ev imclient.Event) {
	contact, err := p.base.ExtContactToMXID(account.Network, ev.Contact)
	if err != nil {
		slog.Error("cannot translate contact", "contact", ev.Contact, "error", err)
		return
	}
	p.setPuppetPresence(contact, ev.Status)
}

func (p *Presence) setPuppetPresence(contact, status string) {
	if status == "" {
		return
	}
	if err := p.base.Matrix.SetUserPresence(p.base.Ctx(), contact, status); err != nil {
		slog.Warn("failed to set puppet presence", "contact", contact, "error", err)
	}
}

// onTransactionPresence forwards a user's presence change to all of
// the user's connected accounts.
func (p *Presence) onTransactionPresence(_ string, event *matrix.Event) {
	userID, _ := event.Content["user_id"].(string)
	presence, _ := event.Content["presence"].(string)
	if userID == "" || presence == "" {
		return
	}
	for _, account := range p.base.Accounts[userID] {
		if !account.Connected {
			continue
		}
		if err := account.Client.SetAccountStatus(account.Network, account.ExtUser, presence); err != nil {
			slog.Warn("failed to set account status",
				"network", account.Network, "user", account.ExtUser, "error", err)
		}
	}
}
