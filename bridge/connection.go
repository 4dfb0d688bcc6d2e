package bridge

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/endl-ch/pumaduct/imclient"
)

// Connection manages the account lifecycle: login and logout of every
// persisted account, connectivity tracking, and profile sync in both
// directions.
type Connection struct {
	base *Base

	syncAccountProfileChanges   bool
	syncContactsProfilesChanges bool

	removals []func() error
}

func NewConnection(base *Base) *Connection {
	return &Connection{
		base:                        base,
		syncAccountProfileChanges:   base.Conf.SyncAccountProfileChanges,
		syncContactsProfilesChanges: base.Conf.SyncContactsProfilesChanges,
	}
}

// Enter loads the persisted accounts into runtime form, skipping
// disabled networks, and registers the connectivity callbacks.
func (c *Connection) Enter() error {
	b := c.base
	stored, err := b.Store.ListAccounts(b.Ctx())
	if err != nil {
		return err
	}
	for _, account := range stored {
		netConf, ok := b.Conf.Networks[account.Network]
		if !ok {
			slog.Warn("stored account references unconfigured network, skipping",
				"network", account.Network, "user", account.User)
			continue
		}
		if !netConf.IsEnabled() {
			continue
		}
		client, ok := b.Clients[netConf.Client]
		if !ok {
			slog.Warn("no back-end for network, skipping account",
				"network", account.Network, "client", netConf.Client)
			continue
		}
		b.Accounts[account.User] = append(b.Accounts[account.User], &Account{
			ID:        account.ID,
			Network:   account.Network,
			ExtUser:   account.ExtUser,
			Password:  account.Password,
			AuthToken: account.AuthToken,
			Config:    netConf,
			Client:    client,
			Contacts:  map[string]struct{}{},
		})
	}

	handles := map[imclient.EventID]int{
		imclient.EventUserSignedOn:    b.AddClientsCallback(imclient.EventUserSignedOn, c.onUserSignedOn),
		imclient.EventUserSignedOff:   b.AddClientsCallback(imclient.EventUserSignedOff, c.onUserSignedOff),
		imclient.EventConnectionError: b.AddClientsCallback(imclient.EventConnectionError, c.onConnectionError),
		imclient.EventContactUpdated:  b.AddClientsCallback(imclient.EventContactUpdated, c.onContactUpdated),
		imclient.EventNewAuthToken:    b.AddClientsCallback(imclient.EventNewAuthToken, c.onNewAuthToken),
	}
	for id, handle := range handles {
		id, handle := id, handle
		c.removals = append(c.removals, func() error {
			return b.RemoveClientsCallback(id, handle)
		})
	}
	return nil
}

func (c *Connection) Close() error {
	for _, remove := range c.removals {
		if err := remove(); err != nil {
			return err
		}
	}
	c.removals = nil
	for user := range c.base.Accounts {
		delete(c.base.Accounts, user)
	}
	return nil
}

// Start logs in every account.
func (c *Connection) Start() error {
	for _, accounts := range c.base.Accounts {
		for _, account := range accounts {
			var password *string
			if account.Password != "" {
				password = &account.Password
			}
			if err := account.Client.Login(account.Network, account.ExtUser, password, account.AuthToken); err != nil {
				slog.Warn("login failed",
					"network", account.Network, "user", account.ExtUser, "error", err)
			}
		}
	}
	return nil
}

// Stop asks every back-end to log off every account.
func (c *Connection) Stop() {
	for _, accounts := range c.base.Accounts {
		for _, account := range accounts {
			if err := account.Client.Logout(account.Network, account.ExtUser); err != nil {
				slog.Warn("logout failed",
					"network", account.Network, "user", account.ExtUser, "error", err)
			}
		}
	}
}

// Stopped reports whether all accounts have disconnected.
func (c *Connection) Stopped() bool {
	for _, accounts := range c.base.Accounts {
		for _, account := range accounts {
			if account.Connected {
				return false
			}
		}
	}
	return true
}

// onUserSignedOn marks the account connected, refreshes the auth token
// when the network uses one, syncs the user's profile to the account,
// and walks the contact list.
func (c *Connection) onUserSignedOn(user string, account *Account, _ imclient.Event) {
	account.Connected = true
	if account.Config.UseAuthToken {
		authToken, err := account.Client.GetAuthToken(account.Network, account.ExtUser)
		if err != nil {
			slog.Warn("failed to fetch auth token",
				"network", account.Network, "user", account.ExtUser, "error", err)
		} else {
			c.persistAuthToken(account, authToken)
		}
	}

	c.syncAccountProfile(user, account)

	contacts, err := account.Client.GetContacts(account.Network, account.ExtUser)
	if err != nil {
		slog.Warn("failed to fetch contacts",
			"network", account.Network, "user", account.ExtUser, "error", err)
		return
	}
	for _, contact := range contacts {
		ev := imclient.Event{
			ID:          imclient.EventContactUpdated,
			Network:     account.Network,
			ExtUser:     account.ExtUser,
			Contact:     contact.ExtUser,
			DisplayName: contact.DisplayName,
		}
		c.onContactUpdated(user, account, ev)
	}
}

func (c *Connection) onUserSignedOff(_ string, account *Account, _ imclient.Event) {
	account.Connected = false
}

func (c *Connection) onConnectionError(_ string, account *Account, _ imclient.Event) {
	// Reconnection stays allowed; the back-end retries on its own.
	account.Connected = false
}

func (c *Connection) onNewAuthToken(_ string, account *Account, ev imclient.Event) {
	c.persistAuthToken(account, ev.Token)
}

func (c *Connection) persistAuthToken(account *Account, authToken string) {
	if err := c.base.Store.UpdateAccountAuthToken(c.base.Ctx(), account.ID, authToken); err != nil {
		slog.Error("failed to persist auth token",
			"network", account.Network, "user", account.ExtUser, "error", err)
		return
	}
	account.AuthToken = &authToken
}

// syncAccountProfile pushes the user's home-server profile to the
// back-end account: the display name on first write or when change
// sync is enabled, the avatar only when the back-end has none. There
// is no cross-side checksum, so existing avatars are never refreshed.
func (c *Connection) syncAccountProfile(user string, account *Account) {
	profile, err := c.base.Matrix.GetUserProfile(c.base.Ctx(), user)
	if err != nil {
		slog.Warn("failed to fetch user profile", "user", user, "error", err)
		return
	}
	if profile.DisplayName != nil {
		accountDisplayName, err := account.Client.GetAccountDisplayName(account.Network, account.ExtUser)
		if err != nil {
			slog.Warn("failed to get account display name", "error", err)
		} else if accountDisplayName == "" ||
			(c.syncAccountProfileChanges && accountDisplayName != *profile.DisplayName) {
			if err := account.Client.SetAccountDisplayName(
				account.Network, account.ExtUser, *profile.DisplayName); err != nil {
				slog.Warn("failed to set account display name", "error", err)
			}
		}
	}
	if profile.AvatarURL != nil {
		_, iconData, err := account.Client.GetAccountIcon(account.Network, account.ExtUser)
		if err != nil {
			slog.Warn("failed to get account icon", "error", err)
			return
		}
		if len(iconData) > 0 {
			return
		}
		server, mediaID, ok := splitMXCURL(*profile.AvatarURL)
		if !ok {
			slog.Warn("cannot parse avatar url", "url", *profile.AvatarURL)
			return
		}
		icon, err := c.base.Matrix.DownloadContent(c.base.Ctx(), server, mediaID)
		if err != nil || len(icon) == 0 {
			slog.Warn("failed to download avatar", "url", *profile.AvatarURL, "error", err)
			return
		}
		if err := account.Client.SetAccountIcon(account.Network, account.ExtUser, icon); err != nil {
			slog.Warn("failed to set account icon", "error", err)
		}
	}
}

// onContactUpdated tracks a roster contact and syncs its profile to
// the home server. The sync runs only on the first sight of a contact:
// some back-ends generate a high volume of these events.
func (c *Connection) onContactUpdated(_ string, account *Account, ev imclient.Event) {
	contact, err := c.base.ExtContactToMXID(account.Network, ev.Contact)
	if err != nil {
		slog.Error("cannot translate contact", "contact", ev.Contact, "error", err)
		return
	}
	if account.HasContact(contact) {
		return
	}
	account.Contacts[contact] = struct{}{}
	if !c.base.Matrix.HasUser(c.base.Ctx(), contact) {
		if err := c.base.Matrix.RegisterUser(c.base.Ctx(), contact); err != nil {
			slog.Warn("failed to register puppet", "contact", contact, "error", err)
		}
	}
	profile, err := c.base.Matrix.GetUserProfile(c.base.Ctx(), contact)
	if err != nil {
		slog.Warn("failed to fetch puppet profile", "contact", contact, "error", err)
		profile = nil
	}
	if ev.DisplayName != "" && (profile == nil || profile.DisplayName == nil ||
		(c.syncContactsProfilesChanges && *profile.DisplayName != ev.DisplayName)) {
		if err := c.base.Matrix.SetUserDisplayName(c.base.Ctx(), contact, ev.DisplayName); err != nil {
			slog.Warn("failed to set puppet display name", "contact", contact, "error", err)
		}
	}
	iconExt, iconData, err := account.Client.GetContactIcon(account.Network, account.ExtUser, ev.Contact)
	if err != nil {
		slog.Warn("failed to get contact icon", "contact", ev.Contact, "error", err)
		return
	}
	// Avatars are first-write-wins: no checksum API exists to detect
	// changes, so an existing avatar is left alone.
	if len(iconData) > 0 && (profile == nil || profile.AvatarURL == nil) {
		if iconExt == "" {
			iconExt = "icon"
		}
		contentURI, err := c.base.Matrix.UploadContent(c.base.Ctx(), "image/"+iconExt, iconData)
		if err != nil || contentURI == "" {
			slog.Warn("failed to upload contact icon", "contact", contact, "error", err)
			return
		}
		if err := c.base.Matrix.SetUserAvatarURL(c.base.Ctx(), contact, contentURI); err != nil {
			slog.Warn("failed to set puppet avatar", "contact", contact, "error", err)
		}
	}
}

// splitMXCURL splits an mxc:// URL into server and media id.
func splitMXCURL(mxcURL string) (string, string, bool) {
	parsed, err := url.Parse(mxcURL)
	if err != nil || parsed.Host == "" {
		return "", "", false
	}
	return parsed.Host, strings.TrimPrefix(parsed.Path, "/"), true
}
