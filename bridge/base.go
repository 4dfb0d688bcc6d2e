// Package bridge implements the layered event-routing core: home
// server transactions and IM back-end events both converge here, on a
// single cooperative main loop.
package bridge

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/endl-ch/pumaduct/imclient"
	"github.com/endl-ch/pumaduct/internal/cache"
	"github.com/endl-ch/pumaduct/internal/config"
	"github.com/endl-ch/pumaduct/internal/loop"
	"github.com/endl-ch/pumaduct/internal/metrics"
	"github.com/endl-ch/pumaduct/matrix"
	"github.com/endl-ch/pumaduct/store"
)

var (
	// ErrBadArgument indicates an unparseable contact or a wrong
	// command arity; in identity translation it is a programming error
	// of the caller.
	ErrBadArgument = errors.New("bad argument")
	// ErrNotFound indicates an unregistered callback or an unknown
	// account.
	ErrNotFound = errors.New("not found")
	// ErrInternal indicates an invariant violation; it is fatal only to
	// the handling of the one event that hit it.
	ErrInternal = errors.New("internal error")
)

func errorsNotFoundf(format string, args ...any) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

// Layer is one stage of the bridge pipeline. Enter registers callbacks
// and prepares state but performs no external operations; Start begins
// the actual work. Stop must be idempotent; Stopped reports whether
// the layer has finished shutting down.
type Layer interface {
	Enter() error
	Close() error
	Start() error
	Stop()
	Stopped() bool
}

// Account is the runtime form of a stored external-network account.
// Connected and Contacts mutate only on the main loop.
type Account struct {
	ID        int64
	Network   string
	ExtUser   string
	Password  string
	AuthToken *string
	Config    *config.Network
	Client    imclient.Client

	Connected bool
	// Contacts holds the roster in Matrix ID form.
	Contacts map[string]struct{}
}

func (a *Account) HasContact(contact string) bool {
	_, ok := a.Contacts[contact]
	return ok
}

// Room is a home-server room containing at least one bridge puppet.
// Members holds only bridge-managed puppets, in Matrix ID form.
type Room struct {
	User    string
	ConvID  string
	Members map[string]struct{}
}

// TransactionFunc handles one home-server event.
type TransactionFunc func(txnID string, event *matrix.Event)

// MappedClientFunc handles a back-end event after the dispatcher
// resolved (network, ext_user) into (user, account).
type MappedClientFunc func(user string, account *Account, ev imclient.Event)

// ClientFunc handles a back-end event without account mapping. Used
// where the account may not exist yet, such as pending registrations.
type ClientFunc func(ev imclient.Event)

type transactionCallback struct {
	handle int
	fn     TransactionFunc
}

type clientsCallback struct {
	handle int
	mapped MappedClientFunc
	raw    ClientFunc
	// clientHandles remembers, per back-end key, the handle the
	// dispatcher was registered under.
	clientHandles map[string]int
}

// reContactMXID parses puppet Matrix IDs of the form
// @<prefix>[-<user>][%<host>]:<hs_host>.
var reContactMXID = regexp.MustCompile(
	`^@(?P<prefix>[^-%:]+)(-(?P<user>[^%:]+))?(%(?P<host>[^:]+))?:(?P<hs_host>.+)$`)

// userCharsRemap keeps puppet localparts legal Matrix identifiers.
// If this ever becomes network specific, move it to the config.
var userCharsRemap = [][2]string{{":", "#"}}

// ignoredEvents are transaction event types nothing here consumes.
var ignoredEvents = map[string]struct{}{
	"m.room.create":             {},
	"m.room.power_levels":       {},
	"m.room.join_rules":         {},
	"m.room.history_visibility": {},
	"m.room.guest_access":       {},
}

const adminPowerLevel = 100

// Base owns the global state tables and the two dispatchers all other
// layers build on.
type Base struct {
	Conf    *config.Config
	Loop    *loop.Loop
	Matrix  matrix.Client
	Clients map[string]imclient.Client
	Store   *store.Store

	ctx    context.Context
	hsHost string

	// Accounts indexes runtime accounts by owning home-server user.
	Accounts map[string][]*Account
	// Rooms indexes tracked rooms by room id.
	Rooms map[string]*Room

	transactionCallbacks map[string][]*transactionCallback
	clientsCallbacks     map[imclient.EventID][]*clientsCallback
	nextHandle           int

	extContactsToMXIDs *cache.LRU[string, string]
	mxidsToExtContacts *cache.LRU[string, string]
	sendersAccess      *cache.LRU[string, bool]

	usersBlacklist []*regexp.Regexp
	usersWhitelist []*regexp.Regexp
}

// NewBase wires the shared context all layers operate in. The ACL
// regexes are compiled here, with {hs_host} already substituted.
func NewBase(
	ctx context.Context, conf *config.Config, lp *loop.Loop,
	matrixClient matrix.Client, clients map[string]imclient.Client,
	st *store.Store,
) (*Base, error) {
	b := &Base{
		Conf:                 conf,
		Loop:                 lp,
		Matrix:               matrixClient,
		Clients:              clients,
		Store:                st,
		ctx:                  ctx,
		hsHost:               conf.HSHost(),
		Accounts:             map[string][]*Account{},
		Rooms:                map[string]*Room{},
		transactionCallbacks: map[string][]*transactionCallback{},
		clientsCallbacks:     map[imclient.EventID][]*clientsCallback{},
		extContactsToMXIDs:   cache.NewLRU[string, string](conf.MaxCacheItems),
		mxidsToExtContacts:   cache.NewLRU[string, string](conf.MaxCacheItems),
		sendersAccess:        cache.NewLRU[string, bool](conf.MaxCacheItems),
	}
	var err error
	if b.usersBlacklist, err = compileACL(conf.UsersBlacklist, b.hsHost); err != nil {
		return nil, errors.Wrap(err, "invalid users_blacklist")
	}
	if b.usersWhitelist, err = compileACL(conf.UsersWhitelist, b.hsHost); err != nil {
		return nil, errors.Wrap(err, "invalid users_whitelist")
	}
	return b, nil
}

func compileACL(patterns []string, hsHost string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		expanded := config.ExpandTemplate(pattern, map[string]string{"hs_host": hsHost})
		// Anchored at the start, matching the usual prefix-match ACL
		// semantics.
		re, err := regexp.Compile("^(?:" + expanded + ")")
		if err != nil {
			return nil, errors.Wrapf(err, "pattern %q", pattern)
		}
		res = append(res, re)
	}
	return res, nil
}

func (b *Base) Enter() error { return nil }
func (b *Base) Close() error { return nil }
func (b *Base) Start() error { return nil }
func (b *Base) Stop()        {}
func (b *Base) Stopped() bool {
	return true
}

// Ctx is the process-lifetime context used for store and home-server
// calls made from the loop.
func (b *Base) Ctx() context.Context {
	return b.ctx
}

// HSHost returns the home-server host, port stripped.
func (b *Base) HSHost() string {
	return b.hsHost
}

// AddTransactionCallback registers fn for the given home-server event
// type and returns a removal handle.
func (b *Base) AddTransactionCallback(eventType string, fn TransactionFunc) int {
	b.nextHandle++
	b.transactionCallbacks[eventType] = append(
		b.transactionCallbacks[eventType],
		&transactionCallback{handle: b.nextHandle, fn: fn})
	return b.nextHandle
}

// RemoveTransactionCallback removes a previously added callback.
func (b *Base) RemoveTransactionCallback(eventType string, handle int) error {
	entries := b.transactionCallbacks[eventType]
	for i, entry := range entries {
		if entry.handle == handle {
			b.transactionCallbacks[eventType] = append(entries[:i:i], entries[i+1:]...)
			if len(b.transactionCallbacks[eventType]) == 0 {
				delete(b.transactionCallbacks, eventType)
			}
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "transaction callback for %q", eventType)
}

// AddClientsCallback registers a mapped callback for the given
// back-end event and returns a removal handle. The dispatcher
// registered with each back-end posts onto the main loop, translates
// (network, ext_user) into (user, account) and silently skips events
// for unknown accounts.
func (b *Base) AddClientsCallback(id imclient.EventID, fn MappedClientFunc) int {
	return b.addClientsCallback(&clientsCallback{mapped: fn}, id)
}

// AddUnmappedClientsCallback registers a callback receiving the raw
// event; needed where the account may not exist yet.
func (b *Base) AddUnmappedClientsCallback(id imclient.EventID, fn ClientFunc) int {
	return b.addClientsCallback(&clientsCallback{raw: fn}, id)
}

func (b *Base) addClientsCallback(entry *clientsCallback, id imclient.EventID) int {
	b.nextHandle++
	entry.handle = b.nextHandle
	entry.clientHandles = map[string]int{}
	b.clientsCallbacks[id] = append(b.clientsCallbacks[id], entry)
	for key, client := range b.Clients {
		entry.clientHandles[key] = client.AddCallback(id, func(ev imclient.Event) {
			// Back-end goroutine: only posting is allowed here.
			b.Loop.Post(func() {
				b.invokeClientsCallback(entry, ev)
			})
		})
	}
	return entry.handle
}

// RemoveClientsCallback removes a previously added clients callback
// and unregisters its dispatcher from every back-end.
func (b *Base) RemoveClientsCallback(id imclient.EventID, handle int) error {
	entries := b.clientsCallbacks[id]
	for i, entry := range entries {
		if entry.handle == handle {
			for key, client := range b.Clients {
				if clientHandle, ok := entry.clientHandles[key]; ok {
					if err := client.RemoveCallback(id, clientHandle); err != nil {
						slog.Warn("failed to remove back-end callback",
							"client", key, "callback", id, "error", err)
					}
				}
			}
			b.clientsCallbacks[id] = append(entries[:i:i], entries[i+1:]...)
			if len(b.clientsCallbacks[id]) == 0 {
				delete(b.clientsCallbacks, id)
			}
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "clients callback for %q", id)
}

// DispatchCallbacks invokes all callbacks registered for ev.ID as if
// the event came from a back-end. Back-ends call dispatchers directly;
// this exists to trigger events programmatically, such as after an
// account registration. Must be called on the main loop.
func (b *Base) DispatchCallbacks(ev imclient.Event) {
	for _, entry := range b.clientsCallbacks[ev.ID] {
		b.invokeClientsCallback(entry, ev)
	}
}

func (b *Base) invokeClientsCallback(entry *clientsCallback, ev imclient.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackPanicsTotal.Inc()
			slog.Error("panic in clients callback", "callback", ev.ID, "panic", r)
		}
	}()
	metrics.ClientEventsTotal.WithLabelValues(string(ev.ID)).Inc()
	if entry.raw != nil {
		entry.raw(ev)
		return
	}
	user, account := b.FindUserAndAccount(ev.Network, ev.ExtUser)
	if user == "" {
		return
	}
	entry.mapped(user, account, ev)
}

// ProcessTransaction dispatches every event of the batch. It never
// fails: the AS protocol has no per-event error channel, so a broken
// event is logged and the batch proceeds.
func (b *Base) ProcessTransaction(txnID string, txn *matrix.Transaction) {
	metrics.TransactionsTotal.Inc()
	for i := range txn.Events {
		event := &txn.Events[i]
		if event.Type == "" {
			slog.Warn("event is missing required attributes, discarding",
				"transaction", txnID)
			metrics.EventsTotal.WithLabelValues("", "discarded").Inc()
			continue
		}
		if event.Sender != "" && !b.isSenderAllowed(event.Sender) {
			slog.Warn("sender not allowed by ACLs, discarding event",
				"transaction", txnID, "sender", event.Sender, "type", event.Type)
			metrics.EventsTotal.WithLabelValues(event.Type, "denied").Inc()
			continue
		}
		if callbacks, ok := b.transactionCallbacks[event.Type]; ok {
			for _, entry := range callbacks {
				b.invokeTransactionCallback(entry, txnID, event)
			}
			metrics.EventsTotal.WithLabelValues(event.Type, "dispatched").Inc()
		} else if _, ignored := ignoredEvents[event.Type]; ignored {
			metrics.EventsTotal.WithLabelValues(event.Type, "ignored").Inc()
		} else {
			slog.Error("unknown event in transaction, ignoring",
				"transaction", txnID, "type", event.Type)
			metrics.EventsTotal.WithLabelValues(event.Type, "unknown").Inc()
		}
	}
}

func (b *Base) invokeTransactionCallback(entry *transactionCallback, txnID string, event *matrix.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackPanicsTotal.Inc()
			slog.Error("panic while processing transaction event",
				"transaction", txnID, "type", event.Type, "panic", r)
		}
	}()
	entry.fn(txnID, event)
}

// EnsureRoom finds or creates a room between user and contact. A room
// matches when the user owns it, the contact is a member, and the conv
// id matches or is unset; a second pass ignores the conv id entirely.
// A matched room without a conv id adopts the caller's.
func (b *Base) EnsureRoom(user, contact, convID string) (string, error) {
	if roomID := b.findRoom(user, contact, convID); roomID != "" {
		if b.Rooms[roomID].ConvID == "" {
			b.Rooms[roomID].ConvID = convID
		}
		return roomID, nil
	}
	// The external contact creates the room, but our local user is the
	// implicit owner in the room index; the contact goes into Members.
	roomID, err := b.Matrix.CreateRoom(b.ctx, contact, []string{user})
	if err != nil {
		return "", err
	}
	room := b.room(roomID)
	room.User = user
	room.ConvID = convID
	room.Members[contact] = struct{}{}
	if b.Conf.UserPowerLevel != nil {
		// The contact must stay admin: Synapse resets omitted users to
		// power level 0, and a low contact level would block operations
		// performed on its behalf, such as sending messages.
		if err := b.Matrix.SetUsersPowerLevels(b.ctx, roomID, contact, map[string]int{
			user:    *b.Conf.UserPowerLevel,
			contact: adminPowerLevel,
		}); err != nil {
			slog.Warn("failed to set power levels", "room", roomID, "error", err)
		}
	}
	return roomID, nil
}

func (b *Base) findRoomSinglePass(user, contact, convID string) string {
	for roomID, room := range b.Rooms {
		if _, member := room.Members[contact]; member && room.User == user &&
			(convID == room.ConvID || convID == "") {
			return roomID
		}
	}
	return ""
}

func (b *Base) findRoom(user, contact, convID string) string {
	if roomID := b.findRoomSinglePass(user, contact, convID); roomID != "" {
		return roomID
	}
	return b.findRoomSinglePass(user, contact, "")
}

// room returns the tracked room, creating an empty entry if needed.
func (b *Base) room(roomID string) *Room {
	if r, ok := b.Rooms[roomID]; ok {
		return r
	}
	r := &Room{Members: map[string]struct{}{}}
	b.Rooms[roomID] = r
	return r
}

// ExtContactToMXID translates an external contact string into the
// puppet Matrix ID for the network.
func (b *Base) ExtContactToMXID(network, extContact string) (string, error) {
	if contact, ok := b.extContactsToMXIDs.Get(extContact); ok {
		return contact, nil
	}
	netConf, ok := b.Conf.Networks[network]
	if !ok {
		return "", errors.Wrapf(ErrBadArgument, "unknown network %q", network)
	}
	captures := namedCaptures(netConf.ExtRegexp(), extContact)
	if captures == nil {
		return "", errors.Wrapf(ErrBadArgument, "cannot parse external contact %q", extContact)
	}
	userPrefix := netConf.Prefix
	if captures["user"] != "" {
		userPrefix += "-" + captures["user"]
	}
	for _, repl := range userCharsRemap {
		userPrefix = strings.ReplaceAll(userPrefix, repl[0], repl[1])
	}
	var contact string
	if captures["host"] != "" && captures["host"] != b.hsHost {
		contact = "@" + userPrefix + "%" + captures["host"] + ":" + b.hsHost
	} else {
		contact = "@" + userPrefix + ":" + b.hsHost
	}
	b.extContactsToMXIDs.Put(extContact, contact)
	return contact, nil
}

// MXIDToExtContact translates a puppet Matrix ID back into the
// external contact string for the network.
func (b *Base) MXIDToExtContact(network, contact string) (string, error) {
	if extContact, ok := b.mxidsToExtContacts.Get(contact); ok {
		return extContact, nil
	}
	netConf, ok := b.Conf.Networks[network]
	if !ok {
		return "", errors.Wrapf(ErrBadArgument, "unknown network %q", network)
	}
	captures := namedCaptures(reContactMXID, contact)
	if captures == nil {
		return "", errors.Wrapf(ErrBadArgument, "cannot parse user id %q", contact)
	}
	if captures["host"] == "" {
		captures["host"] = b.hsHost
	}
	for _, repl := range userCharsRemap {
		captures["user"] = strings.ReplaceAll(captures["user"], repl[1], repl[0])
	}
	if captures["prefix"] != netConf.Prefix {
		return "", errors.Wrapf(ErrBadArgument,
			"unexpected service prefix: expected %q, got %q", netConf.Prefix, captures["prefix"])
	}
	extContact := config.ExpandTemplate(netConf.ExtFormat, captures)
	b.mxidsToExtContacts.Put(contact, extContact)
	return extContact, nil
}

// FindAccountForContact finds the user's account that can reach the
// contact. Linear search; N is small.
func (b *Base) FindAccountForContact(user, contact string) *Account {
	for _, account := range b.Accounts[user] {
		if account.HasContact(contact) {
			return account
		}
	}
	return nil
}

// FindUserAndAccount finds the home-server user and account matching
// the external identity.
func (b *Base) FindUserAndAccount(network, extUser string) (string, *Account) {
	for user, accounts := range b.Accounts {
		for _, account := range accounts {
			if network == account.Network && extUser == account.ExtUser {
				return user, account
			}
		}
	}
	return "", nil
}

// HasContact reports whether any known account has the contact.
func (b *Base) HasContact(contact string) bool {
	for _, accounts := range b.Accounts {
		for _, account := range accounts {
			if account.HasContact(contact) {
				return true
			}
		}
	}
	return false
}

// isSenderAllowed applies the blacklist, then the whitelist; anything
// unmatched is denied. Decisions are cached per sender.
func (b *Base) isSenderAllowed(sender string) bool {
	if allowed, ok := b.sendersAccess.Get(sender); ok {
		return allowed
	}
	for _, re := range b.usersBlacklist {
		if re.MatchString(sender) {
			b.sendersAccess.Put(sender, false)
			return false
		}
	}
	for _, re := range b.usersWhitelist {
		if re.MatchString(sender) {
			b.sendersAccess.Put(sender, true)
			return true
		}
	}
	b.sendersAccess.Put(sender, false)
	return false
}

// namedCaptures returns the named groups of the first match, or nil
// when s does not match.
func namedCaptures(re *regexp.Regexp, s string) map[string]string {
	match := re.FindStringSubmatch(s)
	if match == nil {
		return nil
	}
	captures := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(match) {
			captures[name] = match[i]
		}
	}
	return captures
}
