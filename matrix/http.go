package matrix

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type httpClient struct {
	hsServer    string
	accessToken string
	http        *http.Client
}

// NewClient returns a Client talking to hsServer with the AS access
// token. verifyCert disables TLS certificate verification when false
// (self-signed home-server setups).
func NewClient(hsServer, asAccessToken string, verifyCert bool) Client {
	transport := http.DefaultTransport
	if !verifyCert {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &httpClient{
		hsServer:    strings.TrimSuffix(hsServer, "/"),
		accessToken: asAccessToken,
		http:        &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

func (c *httpClient) HasUser(ctx context.Context, user string) bool {
	u := c.createURL("/_matrix/client/r0/presence/"+url.PathEscape(user)+"/status", user)
	status, _, err := c.do(ctx, http.MethodGet, u, "", nil)
	return err == nil && status == http.StatusOK
}

func (c *httpClient) RegisterUser(ctx context.Context, user string) error {
	localpart, err := localUsername(user)
	if err != nil {
		return err
	}
	u := c.createURL("/_matrix/client/r0/register", user)
	payload := map[string]any{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	_, err = c.doJSON(ctx, http.MethodPost, u, payload)
	return errors.Wrapf(err, "failed to register user %s", user)
}

func (c *httpClient) GetUserProfile(ctx context.Context, user string) (*Profile, error) {
	u := c.createURL("/_matrix/client/r0/profile/"+url.PathEscape(user), user)
	body, err := c.doJSON(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get profile for user %s", user)
	}
	profile := &Profile{}
	if err := json.Unmarshal(body, profile); err != nil {
		return nil, errors.Wrapf(ErrTransport, "failed to parse profile for user %s: %v", user, err)
	}
	return profile, nil
}

func (c *httpClient) SetUserDisplayName(ctx context.Context, user, displayName string) error {
	u := c.createURL("/_matrix/client/r0/profile/"+url.PathEscape(user)+"/displayname", user)
	_, err := c.doJSON(ctx, http.MethodPut, u, map[string]any{"displayname": displayName})
	return errors.Wrapf(err, "failed to set display name for user %s", user)
}

func (c *httpClient) SetUserAvatarURL(ctx context.Context, user, avatarURL string) error {
	u := c.createURL("/_matrix/client/r0/profile/"+url.PathEscape(user)+"/avatar_url", user)
	_, err := c.doJSON(ctx, http.MethodPut, u, map[string]any{"avatar_url": avatarURL})
	return errors.Wrapf(err, "failed to set avatar for user %s", user)
}

func (c *httpClient) GetNonManagedUserPresence(ctx context.Context, targetUser, serviceUser string) (string, error) {
	u := c.createURL("/_matrix/client/r0/presence/"+url.PathEscape(targetUser)+"/status", serviceUser)
	body, err := c.doJSON(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrapf(err, "failed to get presence for user %s", targetUser)
	}
	var result struct {
		Presence string `json:"presence"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.Presence == "" {
		return "", errors.Wrapf(ErrTransport, "failed to parse presence for user %s", targetUser)
	}
	return result.Presence, nil
}

func (c *httpClient) GetPresenceList(ctx context.Context, serviceUser string) (PresenceList, error) {
	u := c.createURL("/_matrix/client/r0/presence/list/"+url.PathEscape(serviceUser), serviceUser)
	body, err := c.doJSON(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get presence list for service user %s", serviceUser)
	}
	var list PresenceList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, errors.Wrapf(ErrTransport, "failed to parse presence list: %v", err)
	}
	return list, nil
}

func (c *httpClient) AddToPresenceList(ctx context.Context, targetUser, serviceUser string) error {
	u := c.createURL("/_matrix/client/r0/presence/list/"+url.PathEscape(serviceUser), serviceUser)
	_, err := c.doJSON(ctx, http.MethodPost, u, map[string]any{"invite": []string{targetUser}})
	return errors.Wrapf(err, "failed to add %s to the presence list of %s", targetUser, serviceUser)
}

func (c *httpClient) SetUserPresence(ctx context.Context, user, status string) error {
	u := c.createURL("/_matrix/client/r0/presence/"+url.PathEscape(user)+"/status", user)
	_, err := c.doJSON(ctx, http.MethodPut, u, map[string]any{"presence": status})
	return errors.Wrapf(err, "failed to set presence for user %s", user)
}

func (c *httpClient) UploadContent(ctx context.Context, contentType string, data []byte) (string, error) {
	u := c.createURL("/_matrix/media/r0/upload", "")
	_, body, err := c.do(ctx, http.MethodPost, u, contentType, data)
	if err != nil {
		return "", errors.Wrapf(err, "failed to upload content of type %s and size %d", contentType, len(data))
	}
	var result struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.ContentURI == "" {
		return "", errors.Wrap(ErrTransport, "failed to parse upload response")
	}
	return result.ContentURI, nil
}

func (c *httpClient) DownloadContent(ctx context.Context, server, mediaID string) ([]byte, error) {
	u := c.createURL("/_matrix/media/r0/download/"+url.PathEscape(server)+"/"+url.PathEscape(mediaID), "")
	_, body, err := c.do(ctx, http.MethodGet, u, "", nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to download media %s from %s", mediaID, server)
	}
	return body, nil
}

func (c *httpClient) SetUserTyping(ctx context.Context, user, roomID string, typing bool) error {
	u := c.createURL("/_matrix/client/r0/rooms/"+url.PathEscape(roomID)+"/typing/"+url.PathEscape(user), user)
	_, err := c.doJSON(ctx, http.MethodPut, u, map[string]any{"typing": typing})
	return errors.Wrapf(err, "failed to set typing for user %s in room %s", user, roomID)
}

func (c *httpClient) SendMessage(ctx context.Context, roomID, sender string, ts time.Time, payload map[string]any) (string, error) {
	u := c.createURL(
		"/_matrix/client/r0/rooms/"+url.PathEscape(roomID)+"/send/m.room.message/"+uuid.NewString(),
		sender)
	u += "&ts=" + strconv.FormatInt(ts.UTC().Unix(), 10)
	body, err := c.doJSON(ctx, http.MethodPut, u, payload)
	if err != nil {
		return "", errors.Wrapf(err, "failed to send message to room %s", roomID)
	}
	var result struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.EventID == "" {
		return "", errors.Wrap(ErrTransport, "failed to parse send response")
	}
	return result.EventID, nil
}

func (c *httpClient) CreateRoom(ctx context.Context, creator string, invited []string) (string, error) {
	u := c.createURL("/_matrix/client/r0/createRoom", creator)
	payload := map[string]any{"invite": invited, "preset": "private_chat"}
	body, err := c.doJSON(ctx, http.MethodPost, u, payload)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create room for user %s", creator)
	}
	var result struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.RoomID == "" {
		return "", errors.Wrap(ErrTransport, "failed to parse createRoom response")
	}
	return result.RoomID, nil
}

func (c *httpClient) JoinRoom(ctx context.Context, roomID, user string) error {
	u := c.createURL("/_matrix/client/r0/rooms/"+url.PathEscape(roomID)+"/join", user)
	_, err := c.doJSON(ctx, http.MethodPost, u, map[string]any{})
	return errors.Wrapf(err, "failed to join user %s to room %s", user, roomID)
}

func (c *httpClient) GetUserState(ctx context.Context, user string, filter map[string]any, since string) (*SyncResponse, error) {
	u := c.createURL("/_matrix/client/r0/sync", user) + "&full_state=true"
	if since != "" {
		u += "&since=" + url.QueryEscape(since)
	}
	if filter != nil {
		raw, err := json.Marshal(filter)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal sync filter")
		}
		u += "&filter=" + url.QueryEscape(string(raw))
	}
	body, err := c.doJSON(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "sync request failed for user %s", user)
	}
	state := &SyncResponse{}
	if err := json.Unmarshal(body, state); err != nil {
		return nil, errors.Wrapf(ErrTransport, "failed to parse sync response: %v", err)
	}
	return state, nil
}

func (c *httpClient) RedactEvent(ctx context.Context, roomID, user, eventID, reason string) error {
	u := c.createURL(
		"/_matrix/client/r0/rooms/"+url.PathEscape(roomID)+"/redact/"+url.PathEscape(eventID)+"/"+uuid.NewString(),
		user)
	_, err := c.doJSON(ctx, http.MethodPut, u, map[string]any{"reason": reason})
	return errors.Wrapf(err, "failed to redact event %s in room %s", eventID, roomID)
}

func (c *httpClient) SetUsersPowerLevels(ctx context.Context, roomID, sender string, levels map[string]int) error {
	u := c.createURL("/_matrix/client/r0/rooms/"+url.PathEscape(roomID)+"/state/m.room.power_levels", sender)
	// Synapse rejects power-level state without an events key.
	payload := map[string]any{"events": map[string]any{}, "users": levels}
	_, err := c.doJSON(ctx, http.MethodPut, u, payload)
	return errors.Wrapf(err, "failed to set power levels in room %s", roomID)
}

// createURL appends the access token and, when the call acts as a
// managed user, the asserted user_id.
func (c *httpClient) createURL(path, userID string) string {
	u := c.hsServer + path + "?access_token=" + url.QueryEscape(c.accessToken)
	if userID != "" {
		u += "&user_id=" + url.QueryEscape(userID)
	}
	return u
}

func (c *httpClient) doJSON(ctx context.Context, method, u string, payload any) ([]byte, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal payload")
		}
	}
	_, body, err := c.do(ctx, method, u, "application/json", data)
	return body, err
}

func (c *httpClient) do(ctx context.Context, method, u, contentType string, data []byte) (int, []byte, error) {
	var reader io.Reader
	if data != nil {
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrTransport, "failed to build request: %v", err)
	}
	if contentType != "" && data != nil {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrTransport, "request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Wrapf(ErrTransport, "failed to read response: %v", err)
	}
	slog.Debug("home server response", "method", method, "status", resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, body, errors.Wrapf(ErrTransport, "status %d: %s", resp.StatusCode, body)
	}
	return resp.StatusCode, body, nil
}

func localUsername(user string) (string, error) {
	parts := strings.Split(user, ":")
	if len(parts) == 2 && strings.HasPrefix(parts[0], "@") && len(parts[0]) > 1 {
		return parts[0][1:], nil
	}
	return "", errors.Errorf("invalid user id %q", user)
}
