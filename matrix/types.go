// Package matrix implements the subset of the Matrix client API the
// bridge needs, enhanced with application-service functionality
// (asserted identity via the user_id query parameter).
package matrix

// Event is a single home-server event, either from an AS transaction
// or from a sync response. Content keys depend on the event type.
type Event struct {
	Type           string         `json:"type"`
	Sender         string         `json:"sender,omitempty"`
	RoomID         string         `json:"room_id,omitempty"`
	EventID        string         `json:"event_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	OriginServerTS int64          `json:"origin_server_ts,omitempty"`
	Content        map[string]any `json:"content,omitempty"`
}

// Transaction is a batch of events pushed by the home server to the AS.
type Transaction struct {
	Events []Event `json:"events"`
}

// Profile is a user profile; both fields are absent for a user that
// has never set them.
type Profile struct {
	DisplayName *string `json:"displayname,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// SyncResponse is the part of a sync response the bridge consumes:
// per-room state events plus the pagination token.
type SyncResponse struct {
	NextBatch string    `json:"next_batch"`
	Rooms     SyncRooms `json:"rooms"`
}

type SyncRooms struct {
	Join map[string]SyncJoinedRoom `json:"join"`
}

type SyncJoinedRoom struct {
	State SyncState `json:"state"`
}

type SyncState struct {
	Events []Event `json:"events"`
}

// PresenceEvent is one m.presence event as returned in a presence
// list; the observed user and state live under content.
type PresenceEvent struct {
	Type    string          `json:"type"`
	Content PresenceContent `json:"content"`
}

type PresenceContent struct {
	UserID   string `json:"user_id"`
	Presence string `json:"presence"`
}

// PresenceList is the service user's presence list as returned by the
// home server: one presence event per observed user.
type PresenceList []PresenceEvent
