package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/endl-ch/pumaduct/imclient"
	"github.com/endl-ch/pumaduct/internal/config"
	"github.com/endl-ch/pumaduct/internal/loop"
	"github.com/endl-ch/pumaduct/matrix"
	"github.com/endl-ch/pumaduct/store"
)

// fakeMatrix records every home-server call and lets tests inject
// failures per method.
type fakeMatrix struct {
	users    map[string]struct{}
	profiles map[string]*matrix.Profile

	sentMessages  []sentMessage
	sendFails     bool
	nextEventID   int
	createdRooms  []string
	nextRoomID    int
	joinedRooms   []joinedRoom
	redactions    []redaction
	typingCalls   []typingCall
	presences     map[string]string
	presenceList  matrix.PresenceList
	powerLevels   map[string]map[string]int
	uploads       []upload
	uploadFails   bool
	downloads     map[string][]byte
	syncResponses map[string]*matrix.SyncResponse
}

type sentMessage struct {
	roomID  string
	sender  string
	ts      time.Time
	payload map[string]any
}

type joinedRoom struct {
	roomID string
	user   string
}

type redaction struct {
	roomID  string
	user    string
	eventID string
	reason  string
}

type typingCall struct {
	user   string
	roomID string
	typing bool
}

type upload struct {
	contentType string
	data        []byte
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		users:         map[string]struct{}{},
		profiles:      map[string]*matrix.Profile{},
		presences:     map[string]string{},
		powerLevels:   map[string]map[string]int{},
		downloads:     map[string][]byte{},
		syncResponses: map[string]*matrix.SyncResponse{},
	}
}

func (f *fakeMatrix) HasUser(_ context.Context, user string) bool {
	_, ok := f.users[user]
	return ok
}

func (f *fakeMatrix) RegisterUser(_ context.Context, user string) error {
	f.users[user] = struct{}{}
	return nil
}

func (f *fakeMatrix) GetUserProfile(_ context.Context, user string) (*matrix.Profile, error) {
	if profile, ok := f.profiles[user]; ok {
		return profile, nil
	}
	return &matrix.Profile{}, nil
}

func (f *fakeMatrix) SetUserDisplayName(_ context.Context, user, displayName string) error {
	profile := f.profiles[user]
	if profile == nil {
		profile = &matrix.Profile{}
		f.profiles[user] = profile
	}
	profile.DisplayName = &displayName
	return nil
}

func (f *fakeMatrix) SetUserAvatarURL(_ context.Context, user, avatarURL string) error {
	profile := f.profiles[user]
	if profile == nil {
		profile = &matrix.Profile{}
		f.profiles[user] = profile
	}
	profile.AvatarURL = &avatarURL
	return nil
}

func (f *fakeMatrix) GetNonManagedUserPresence(_ context.Context, targetUser, _ string) (string, error) {
	if presence, ok := f.presences[targetUser]; ok {
		return presence, nil
	}
	return "", matrix.ErrTransport
}

func (f *fakeMatrix) GetPresenceList(_ context.Context, _ string) (matrix.PresenceList, error) {
	return f.presenceList, nil
}

func (f *fakeMatrix) AddToPresenceList(_ context.Context, targetUser, _ string) error {
	f.presenceList = append(f.presenceList, matrix.PresenceEvent{
		Type:    "m.presence",
		Content: matrix.PresenceContent{UserID: targetUser, Presence: "offline"},
	})
	return nil
}

func (f *fakeMatrix) SetUserPresence(_ context.Context, user, status string) error {
	f.presences[user] = status
	return nil
}

func (f *fakeMatrix) UploadContent(_ context.Context, contentType string, data []byte) (string, error) {
	if f.uploadFails {
		return "", matrix.ErrTransport
	}
	f.uploads = append(f.uploads, upload{contentType: contentType, data: data})
	mediaID := fmt.Sprintf("media-%d", len(f.uploads))
	f.downloads[mediaID] = data
	return "mxc://localhost/" + mediaID, nil
}

func (f *fakeMatrix) DownloadContent(_ context.Context, _, mediaID string) ([]byte, error) {
	data, ok := f.downloads[mediaID]
	if !ok {
		return nil, matrix.ErrTransport
	}
	return data, nil
}

func (f *fakeMatrix) SetUserTyping(_ context.Context, user, roomID string, typing bool) error {
	f.typingCalls = append(f.typingCalls, typingCall{user: user, roomID: roomID, typing: typing})
	return nil
}

func (f *fakeMatrix) SendMessage(
	_ context.Context, roomID, sender string, ts time.Time, payload map[string]any,
) (string, error) {
	if f.sendFails {
		return "", matrix.ErrTransport
	}
	f.nextEventID++
	f.sentMessages = append(f.sentMessages, sentMessage{
		roomID: roomID, sender: sender, ts: ts, payload: payload,
	})
	return fmt.Sprintf("$event-%d", f.nextEventID), nil
}

func (f *fakeMatrix) CreateRoom(_ context.Context, _ string, _ []string) (string, error) {
	f.nextRoomID++
	roomID := fmt.Sprintf("!room-%d:localhost", f.nextRoomID)
	f.createdRooms = append(f.createdRooms, roomID)
	return roomID, nil
}

func (f *fakeMatrix) JoinRoom(_ context.Context, roomID, user string) error {
	f.joinedRooms = append(f.joinedRooms, joinedRoom{roomID: roomID, user: user})
	return nil
}

func (f *fakeMatrix) GetUserState(
	_ context.Context, user string, _ map[string]any, _ string,
) (*matrix.SyncResponse, error) {
	if resp, ok := f.syncResponses[user]; ok {
		return resp, nil
	}
	return &matrix.SyncResponse{NextBatch: "s0"}, nil
}

func (f *fakeMatrix) RedactEvent(_ context.Context, roomID, user, eventID, reason string) error {
	f.redactions = append(f.redactions, redaction{
		roomID: roomID, user: user, eventID: eventID, reason: reason,
	})
	return nil
}

func (f *fakeMatrix) SetUsersPowerLevels(_ context.Context, roomID, _ string, levels map[string]int) error {
	f.powerLevels[roomID] = levels
	return nil
}

func (f *fakeMatrix) lastMessage() *sentMessage {
	if len(f.sentMessages) == 0 {
		return nil
	}
	return &f.sentMessages[len(f.sentMessages)-1]
}

// fakeIMClient is a scripted back-end built on the shared callback
// registry.
type fakeIMClient struct {
	callbacks imclient.Callbacks

	logins  []loginCall
	logouts []logoutCall

	convID        string
	convCalls     []string
	sentMessages  []clientMessage
	sentImages    []clientMessage
	sentFiles     []clientMessage
	typingCalls   []clientTyping
	sendFails     bool
	contacts      map[string][]imclient.Contact
	statuses      map[string]string
	displayNames  map[string]string
	accountNames  map[string]string
	accountStatus map[string]string
}

type loginCall struct {
	network  string
	user     string
	password *string
}

type logoutCall struct {
	network string
	user    string
}

type clientMessage struct {
	network string
	user    string
	conv    string
	body    string
	content []byte
}

type clientTyping struct {
	conv   string
	typing bool
}

func newFakeIMClient() *fakeIMClient {
	return &fakeIMClient{
		convID:        "conv-1",
		contacts:      map[string][]imclient.Contact{},
		statuses:      map[string]string{},
		displayNames:  map[string]string{},
		accountNames:  map[string]string{},
		accountStatus: map[string]string{},
	}
}

// emit dispatches the event the way a real back-end would, on the
// registered handlers.
func (f *fakeIMClient) emit(ev imclient.Event) {
	f.callbacks.Dispatch(ev)
}

func (f *fakeIMClient) AddCallback(id imclient.EventID, fn imclient.Handler) int {
	return f.callbacks.Add(id, fn)
}

func (f *fakeIMClient) RemoveCallback(id imclient.EventID, handle int) error {
	return f.callbacks.Remove(id, handle)
}

func (f *fakeIMClient) Login(network, user string, password, _ *string) error {
	f.logins = append(f.logins, loginCall{network: network, user: user, password: password})
	return nil
}

func (f *fakeIMClient) Logout(network, user string) error {
	f.logouts = append(f.logouts, logoutCall{network: network, user: user})
	return nil
}

func (f *fakeIMClient) GetAuthToken(_, _ string) (string, error) {
	return "auth-token", nil
}

func (f *fakeIMClient) CreateConversation(_, _, contact string) (string, error) {
	f.convCalls = append(f.convCalls, contact)
	return f.convID, nil
}

func (f *fakeIMClient) SendMessage(network, user, conv, message string) error {
	if f.sendFails {
		return &imclient.Error{Reason: "not connected"}
	}
	f.sentMessages = append(f.sentMessages, clientMessage{
		network: network, user: user, conv: conv, body: message,
	})
	return nil
}

func (f *fakeIMClient) SendImage(network, user, conv, description string, content []byte) error {
	f.sentImages = append(f.sentImages, clientMessage{
		network: network, user: user, conv: conv, body: description, content: content,
	})
	return nil
}

func (f *fakeIMClient) SendFile(network, user, conv, description string, content []byte) error {
	f.sentFiles = append(f.sentFiles, clientMessage{
		network: network, user: user, conv: conv, body: description, content: content,
	})
	return nil
}

func (f *fakeIMClient) SetTyping(_, _, conv string, typing bool) error {
	f.typingCalls = append(f.typingCalls, clientTyping{conv: conv, typing: typing})
	return nil
}

func (f *fakeIMClient) GetContacts(_, user string) ([]imclient.Contact, error) {
	return f.contacts[user], nil
}

func (f *fakeIMClient) GetContactStatus(_, _, contact string) (string, error) {
	return f.statuses[contact], nil
}

func (f *fakeIMClient) GetContactDisplayName(_, _, contact string) (string, error) {
	return f.displayNames[contact], nil
}

func (f *fakeIMClient) GetContactIcon(_, _, _ string) (string, []byte, error) {
	return "", nil, nil
}

func (f *fakeIMClient) SetAccountStatus(_, user, status string) error {
	f.accountStatus[user] = status
	return nil
}

func (f *fakeIMClient) GetAccountDisplayName(_, user string) (string, error) {
	return f.accountNames[user], nil
}

func (f *fakeIMClient) SetAccountDisplayName(_, user, displayName string) error {
	f.accountNames[user] = displayName
	return nil
}

func (f *fakeIMClient) GetAccountIcon(_, _ string) (string, []byte, error) {
	return "", nil, nil
}

func (f *fakeIMClient) SetAccountIcon(_, _ string, _ []byte) error {
	return nil
}

func (f *fakeIMClient) Close() error {
	return nil
}

// memDriver is an in-memory store.Driver with the same NULL-matching
// semantics as the SQL drivers.
type memDriver struct {
	nextAccountID int64
	nextMessageID int64
	accounts      map[int64]*store.Account
	messages      map[int64]*store.Message
}

func newMemDriver() *memDriver {
	return &memDriver{
		accounts: map[int64]*store.Account{},
		messages: map[int64]*store.Message{},
	}
}

func (d *memDriver) GetDB() *sql.DB               { return nil }
func (d *memDriver) Close() error                 { return nil }
func (d *memDriver) Migrate(context.Context) error { return nil }

func (d *memDriver) CreateAccount(_ context.Context, create *store.Account) (*store.Account, error) {
	d.nextAccountID++
	clone := *create
	clone.ID = d.nextAccountID
	d.accounts[clone.ID] = &clone
	return &clone, nil
}

func (d *memDriver) ListAccounts(context.Context) ([]*store.Account, error) {
	ids := make([]int64, 0, len(d.accounts))
	for id := range d.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	accounts := make([]*store.Account, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, d.accounts[id])
	}
	return accounts, nil
}

func (d *memDriver) DeleteAccount(_ context.Context, id int64) error {
	delete(d.accounts, id)
	return nil
}

func (d *memDriver) UpdateAccountAuthToken(_ context.Context, id int64, authToken string) error {
	if account, ok := d.accounts[id]; ok {
		account.AuthToken = &authToken
	}
	return nil
}

func (d *memDriver) CreateMessage(_ context.Context, create *store.Message) (*store.Message, error) {
	d.nextMessageID++
	clone := *create
	clone.ID = d.nextMessageID
	d.messages[clone.ID] = &clone
	return &clone, nil
}

func (d *memDriver) matches(message *store.Message, find *store.FindMessage) bool {
	if message.Destination != find.Destination {
		return false
	}
	if find.Sender != nil && message.Sender != *find.Sender {
		return false
	}
	if find.FilterAccount {
		if !equalPtr(message.Network, find.Network) || !equalPtr(message.ExtUser, find.ExtUser) {
			return false
		}
	}
	return true
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (d *memDriver) ListMessages(_ context.Context, find *store.FindMessage) ([]*store.Message, error) {
	ids := make([]int64, 0, len(d.messages))
	for id, message := range d.messages {
		if d.matches(message, find) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	messages := make([]*store.Message, 0, len(ids))
	for _, id := range ids {
		messages = append(messages, d.messages[id])
	}
	return messages, nil
}

func (d *memDriver) CountMessages(ctx context.Context, find *store.FindMessage) (int, error) {
	messages, err := d.ListMessages(ctx, find)
	return len(messages), err
}

func (d *memDriver) DeleteMessage(_ context.Context, id int64) error {
	delete(d.messages, id)
	return nil
}

// testEnv bundles the fakes behind a Base ready for layer tests.
type testEnv struct {
	conf   *config.Config
	loop   *loop.Loop
	matrix *fakeMatrix
	client *fakeIMClient
	driver *memDriver
	store  *store.Store
	base   *Base
}

func testConfig() *config.Config {
	enabled := true
	conf := &config.Config{
		Port:                            8555,
		HSServer:                        "https://localhost:8448",
		HSAccessToken:                   "hs-token",
		ASAccessToken:                   "as-token",
		ServiceLocalpart:                "pumaduct",
		ServiceDisplayName:              "PuMaDuct",
		DBSpec:                          "sqlite://:memory:",
		MaxCacheItems:                   128,
		OfflineMessagesDeliveryInterval: 60,
		PresenceRefreshInterval:         60,
		ShutdownPollInterval:            1,
		ShutdownTimeout:                 5,
		UsersWhitelist:                  []string{"@.*:{hs_host}"},
		Networks: map[string]*config.Network{
			"prpl-jabber": {
				Client:     "purple",
				Prefix:     "xmpp",
				ExtPattern: `^((?P<user>[^@]+)@)?(?P<host>[^/@]+)(/(?P<resource>.*))?$`,
				ExtFormat:  "{user}@{host}",
				Enabled:    &enabled,
			},
		},
	}
	return conf
}

func newTestEnv(t testingT) *testEnv {
	return newTestEnvWithConfig(t, testConfig())
}

func newTestEnvWithConfig(t testingT, conf *config.Config) *testEnv {
	if err := conf.Validate(); err != nil {
		t.Fatalf("config validation failed: %v", err)
	}
	matrixClient := newFakeMatrix()
	client := newFakeIMClient()
	driver := newMemDriver()
	st := store.New(driver)
	lp := loop.New()
	base, err := NewBase(context.Background(), conf, lp,
		matrixClient, map[string]imclient.Client{"purple": client}, st)
	if err != nil {
		t.Fatalf("failed to build base: %v", err)
	}
	return &testEnv{
		conf:   conf,
		loop:   lp,
		matrix: matrixClient,
		client: client,
		driver: driver,
		store:  st,
		base:   base,
	}
}

// testingT is the subset of *testing.T the helpers need.
type testingT interface {
	Fatalf(format string, args ...any)
	Helper()
}

// addAccount registers a runtime account directly in the base tables.
func (e *testEnv) addAccount(user, network, extUser string) *Account {
	account := &Account{
		ID:       int64(len(e.base.Accounts) + 1),
		Network:  network,
		ExtUser:  extUser,
		Config:   e.conf.Networks[network],
		Client:   e.client,
		Contacts: map[string]struct{}{},
	}
	e.base.Accounts[user] = append(e.base.Accounts[user], account)
	return account
}
