package matrix

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrTransport marks a failed home-server call: non-2xx status,
// network error, or a malformed response body.
var ErrTransport = errors.New("transport failure")

// Client is the home-server API surface the bridge depends on. All
// methods that act as a managed user assert the identity through the
// AS user_id parameter.
type Client interface {
	// HasUser reports whether the AS-managed user exists. Probed via
	// the presence status endpoint; not optimal, but sufficient.
	HasUser(ctx context.Context, user string) bool
	// RegisterUser registers a new AS-managed user.
	RegisterUser(ctx context.Context, user string) error

	GetUserProfile(ctx context.Context, user string) (*Profile, error)
	SetUserDisplayName(ctx context.Context, user, displayName string) error
	SetUserAvatarURL(ctx context.Context, user, avatarURL string) error

	// GetNonManagedUserPresence returns the presence of a user the
	// bridge does not manage. May fail if that user has not granted
	// visibility to the service user.
	GetNonManagedUserPresence(ctx context.Context, targetUser, serviceUser string) (string, error)
	GetPresenceList(ctx context.Context, serviceUser string) (PresenceList, error)
	AddToPresenceList(ctx context.Context, targetUser, serviceUser string) error
	SetUserPresence(ctx context.Context, user, status string) error

	// UploadContent stores data in the media repository and returns
	// its mxc:// URL.
	UploadContent(ctx context.Context, contentType string, data []byte) (string, error)
	DownloadContent(ctx context.Context, server, mediaID string) ([]byte, error)

	SetUserTyping(ctx context.Context, user, roomID string, typing bool) error

	// SendMessage sends an m.room.message as sender with the given
	// origin timestamp and returns the event id.
	SendMessage(ctx context.Context, roomID, sender string, ts time.Time, payload map[string]any) (string, error)

	// CreateRoom creates a private room with creator as its creator
	// and the given users invited, returning the room id.
	CreateRoom(ctx context.Context, creator string, invited []string) (string, error)
	JoinRoom(ctx context.Context, roomID, user string) error

	// GetUserState performs one non-waiting sync call for the user,
	// optionally filtered and resumed from a since token.
	GetUserState(ctx context.Context, user string, filter map[string]any, since string) (*SyncResponse, error)

	RedactEvent(ctx context.Context, roomID, user, eventID, reason string) error
	SetUsersPowerLevels(ctx context.Context, roomID, sender string, levels map[string]int) error
}
