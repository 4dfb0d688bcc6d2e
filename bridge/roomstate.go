package bridge

import (
	"log/slog"

	"github.com/endl-ch/pumaduct/imclient"
	"github.com/endl-ch/pumaduct/matrix"
)

type populatedKey struct {
	user    string
	contact string
}

// RoomState keeps the in-memory room tables consistent with the home
// server: it restores them from server state after a restart and
// tracks membership changes arriving in transactions.
type RoomState struct {
	base    *Base
	service *Service

	// populated remembers which (user, contact) pairs already had their
	// rooms restored from server state.
	populated map[populatedKey]struct{}

	removals []func() error
}

func NewRoomState(base *Base, service *Service) *RoomState {
	return &RoomState{
		base:      base,
		service:   service,
		populated: map[populatedKey]struct{}{},
	}
}

func (r *RoomState) Enter() error {
	b := r.base
	handles := map[imclient.EventID]int{
		imclient.EventUserSignedOn:   b.AddClientsCallback(imclient.EventUserSignedOn, r.onUserSignedOn),
		imclient.EventContactUpdated: b.AddClientsCallback(imclient.EventContactUpdated, r.onContactUpdated),
	}
	for id, handle := range handles {
		id, handle := id, handle
		r.removals = append(r.removals, func() error {
			return b.RemoveClientsCallback(id, handle)
		})
	}
	txnHandle := b.AddTransactionCallback("m.room.member", r.onTransactionMembership)
	r.removals = append(r.removals, func() error {
		return b.RemoveTransactionCallback("m.room.member", txnHandle)
	})
	return nil
}

func (r *RoomState) Close() error {
	for _, remove := range r.removals {
		if err := remove(); err != nil {
			return err
		}
	}
	r.removals = nil
	return nil
}

// Start restores the service rooms. Contact rooms are restored lazily
// as accounts sign on; the service user has no sign-on event, so its
// rooms are handled here.
func (r *RoomState) Start() error {
	r.populateServiceRooms()
	return nil
}

func (r *RoomState) Stop() {}
func (r *RoomState) Stopped() bool {
	return true
}

// onUserSignedOn restores rooms for every roster contact. The
// connection layer runs first, so account.Contacts is populated by the
// time this fires.
func (r *RoomState) onUserSignedOn(user string, account *Account, _ imclient.Event) {
	for contact := range account.Contacts {
		r.populateOnce(user, contact)
	}
}

func (r *RoomState) onContactUpdated(user string, account *Account, ev imclient.Event) {
	contact, err := r.base.ExtContactToMXID(account.Network, ev.Contact)
	if err != nil {
		slog.Error("cannot translate contact", "contact", ev.Contact, "error", err)
		return
	}
	r.populateOnce(user, contact)
}

func (r *RoomState) populateOnce(user, contact string) {
	key := populatedKey{user: user, contact: contact}
	if _, done := r.populated[key]; done {
		return
	}
	r.populated[key] = struct{}{}
	r.populateContactRooms(user, contact)
}

func (r *RoomState) onTransactionMembership(_ string, event *matrix.Event) {
	membership, _ := event.Content["membership"].(string)
	switch membership {
	case "invite":
		r.handleInvite(event)
	case "leave", "ban":
		r.handleLeave(event)
	case "join":
		r.handleJoin(event)
	default:
		slog.Error("unknown membership event in transaction, ignoring",
			"room", event.RoomID, "membership", membership)
	}
}

// handleInvite auto-joins invited puppets. A contact present in the
// inviter's roster needs no confirmation to join a 1-to-1 room; this
// may not hold for multi-user rooms.
func (r *RoomState) handleInvite(event *matrix.Event) {
	if event.StateKey == nil {
		return
	}
	sender := event.Sender
	invited := *event.StateKey
	roomID := event.RoomID
	if invited == r.service.User {
		if err := r.base.Matrix.JoinRoom(r.base.Ctx(), roomID, invited); err != nil {
			slog.Warn("service user failed to join room", "room", roomID, "error", err)
			return
		}
		r.service.room(roomID).User = sender
		return
	}
	if r.base.FindAccountForContact(sender, invited) == nil {
		return
	}
	if r.roomHasMember(roomID, invited) {
		return
	}
	if err := r.base.Matrix.JoinRoom(r.base.Ctx(), roomID, invited); err != nil {
		slog.Warn("puppet failed to join room", "room", roomID, "contact", invited, "error", err)
		return
	}
	room := r.base.room(roomID)
	if room.User == "" {
		room.User = sender
	}
	room.Members[invited] = struct{}{}
}

// handleLeave drops the membership records. The external side gets no
// notification when a puppet leaves or is banned.
func (r *RoomState) handleLeave(event *matrix.Event) {
	if event.StateKey == nil {
		return
	}
	sender := event.Sender
	left := *event.StateKey
	roomID := event.RoomID
	if left == r.service.User {
		if _, ok := r.service.Rooms[roomID]; ok {
			delete(r.service.Rooms, roomID)
		} else {
			slog.Error("service user left an untracked room", "room", roomID)
		}
		return
	}
	if r.base.FindAccountForContact(sender, left) == nil {
		return
	}
	if r.roomHasMember(roomID, left) {
		delete(r.base.Rooms[roomID].Members, left)
	}
}

// handleJoin only validates: joins originate from our own invites, so
// an unrecorded one means the state diverged.
func (r *RoomState) handleJoin(event *matrix.Event) {
	if event.StateKey == nil {
		return
	}
	sender := event.Sender
	joined := *event.StateKey
	roomID := event.RoomID
	if joined == r.service.User {
		if _, ok := r.service.Rooms[roomID]; !ok {
			slog.Error("service user joined a room missing from our state", "room", roomID)
		}
		return
	}
	if r.base.FindAccountForContact(sender, joined) == nil {
		return
	}
	if !r.roomHasMember(roomID, joined) {
		slog.Error("user joined a room missing from our state",
			"room", roomID, "contact", joined)
	}
}

func (r *RoomState) roomHasMember(roomID, member string) bool {
	room, ok := r.base.Rooms[roomID]
	if !ok {
		return false
	}
	_, ok = room.Members[member]
	return ok
}

func (r *RoomState) populateContactRooms(user, contact string) {
	for roomID, members := range r.joinedMembers(contact) {
		_, hasUser := members[user]
		_, hasContact := members[contact]
		if hasUser && hasContact {
			room := r.base.room(roomID)
			room.User = user
			room.Members[contact] = struct{}{}
		}
	}
}

func (r *RoomState) populateServiceRooms() {
	for roomID, members := range r.joinedMembers(r.service.User) {
		if _, ok := members[r.service.User]; !ok || len(members) < 2 {
			continue
		}
		delete(members, r.service.User)
		for member := range members {
			r.service.room(roomID).User = member
			break
		}
	}
}

// syncFilter restricts the sync to membership state; everything else
// is dead weight for room restoration.
var syncFilter = map[string]any{
	"room": map[string]any{
		"state":     map[string]any{"types": []string{"m.room.member"}},
		"timeline":  map[string]any{"types": []string{}},
		"ephemeral": map[string]any{"types": []string{}},
	},
	"account_data": map[string]any{"types": []string{}},
	"presence":     map[string]any{"types": []string{}},
	"event_fields": []string{"type", "content.membership", "state_key"},
}

// joinedMembers returns the joined members of every room the user is
// in, per the current server state. The sync API exposes no way to ask
// for the current state directly, so sync is repeated until next_batch
// stops moving and the last response is taken as current.
func (r *RoomState) joinedMembers(user string) map[string]map[string]struct{} {
	var state *matrix.SyncResponse
	since := ""
	for {
		resp, err := r.base.Matrix.GetUserState(r.base.Ctx(), user, syncFilter, since)
		if err != nil {
			slog.Warn("failed to sync user state", "user", user, "error", err)
			break
		}
		state = resp
		if resp.NextBatch == "" || resp.NextBatch == since {
			break
		}
		since = resp.NextBatch
	}
	rooms := map[string]map[string]struct{}{}
	if state == nil {
		return rooms
	}
	for roomID, room := range state.Rooms.Join {
		members := map[string]struct{}{}
		for _, ev := range room.State.Events {
			if ev.StateKey == nil {
				continue
			}
			if membership, _ := ev.Content["membership"].(string); membership == "join" {
				members[*ev.StateKey] = struct{}{}
			}
		}
		rooms[roomID] = members
	}
	return rooms
}
