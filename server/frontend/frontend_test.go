package frontend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endl-ch/pumaduct/internal/config"
	"github.com/endl-ch/pumaduct/matrix"
)

type fakeBackend struct {
	contacts     map[string]bool
	transactions map[string]*matrix.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		contacts:     map[string]bool{},
		transactions: map[string]*matrix.Transaction{},
	}
}

func (f *fakeBackend) ProcessTransaction(txnID string, txn *matrix.Transaction) {
	f.transactions[txnID] = txn
}

func (f *fakeBackend) HasContact(contact string) bool {
	return f.contacts[contact]
}

func newTestFrontend() (*Frontend, *fakeBackend) {
	backend := newFakeBackend()
	conf := &config.Config{
		BindAddress:   "127.0.0.1",
		Port:          0,
		HSAccessToken: "hs-token",
	}
	return New(conf, backend), backend
}

func doRequest(t *testing.T, f *Frontend, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	result := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

func TestMissingAccessToken(t *testing.T) {
	f, _ := newTestFrontend()
	rec := doRequest(t, f, http.MethodGet, "/users/%40xmpp-user%3Alocalhost", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "CH.ENDL.PUMADUCT_UNAUTHORIZED", body["errcode"])
}

func TestWrongAccessToken(t *testing.T) {
	f, _ := newTestFrontend()
	rec := doRequest(t, f, http.MethodGet, "/users/%40u%3Ah?access_token=wrong", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "CH.ENDL.PUMADUCT_FORBIDDEN", body["errcode"])
}

func TestUserLookup(t *testing.T) {
	f, backend := newTestFrontend()
	backend.contacts["@xmpp-user:localhost"] = true

	rec := doRequest(t, f, http.MethodGet, "/users/%40xmpp-user%3Alocalhost?access_token=hs-token", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())

	rec = doRequest(t, f, http.MethodGet, "/users/%40unknown%3Alocalhost?access_token=hs-token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "CH.ENDL.PUMADUCT_NOT_FOUND", body["errcode"])
	assert.Contains(t, body["error"], "@unknown:localhost")
}

func TestTransaction(t *testing.T) {
	f, backend := newTestFrontend()
	payload := `{"events":[{"type":"m.room.message","sender":"@user:localhost","room_id":"!r:localhost"}]}`
	rec := doRequest(t, f, http.MethodPut, "/transactions/txn-1?access_token=hs-token", payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())

	require.Contains(t, backend.transactions, "txn-1")
	txn := backend.transactions["txn-1"]
	require.Len(t, txn.Events, 1)
	assert.Equal(t, "m.room.message", txn.Events[0].Type)
	assert.Equal(t, "@user:localhost", txn.Events[0].Sender)
}

func TestTransactionBadPayload(t *testing.T) {
	f, backend := newTestFrontend()
	rec := doRequest(t, f, http.MethodPut, "/transactions/txn-2?access_token=hs-token", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "CH.ENDL.PUMADUCT_BAD_REQUEST", body["errcode"])
	assert.NotContains(t, backend.transactions, "txn-2")
}

func TestUnknownPath(t *testing.T) {
	f, _ := newTestFrontend()
	rec := doRequest(t, f, http.MethodGet, "/rooms/whatever?access_token=hs-token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "CH.ENDL.PUMADUCT_NOT_FOUND", body["errcode"])
	assert.Contains(t, body["error"], "/rooms/whatever")
}
