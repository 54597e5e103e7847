package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/relayboard/db"
	"github.com/thatsimonsguy/relayboard/internal/model"
	"github.com/thatsimonsguy/relayboard/internal/relay"
)

type testTransport struct {
	mu  sync.Mutex
	err error
	out bytes.Buffer
}

func (t *testTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return 0, t.err
	}
	return t.out.Write(p)
}

func (t *testTransport) ReadAvailable() ([]byte, error) {
	return nil, nil
}

func setupTestServer(t *testing.T, mode model.AckMode) (*Server, *testTransport) {
	t.Helper()
	journal, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	tr := &testTransport{}
	ctrl, _, err := relay.Assemble(relay.Options{AckMode: mode, Recorder: journal}, tr, []relay.Descriptor{
		{Name: "pump", Relay: 1},
		{Name: "fan", Relay: 3},
	})
	require.NoError(t, err)
	return NewServer(ctrl, journal), tr
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestGetRelays(t *testing.T) {
	server, _ := setupTestServer(t, model.AckOptimistic)

	w := do(t, server, http.MethodGet, "/api/relays", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp model.ControllerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.LinkHealthy)
	require.Len(t, resp.Channels, 2)
	assert.Equal(t, "pump", resp.Channels[0].Name)
	assert.Equal(t, model.StateUnknown, resp.Channels[0].State)
	assert.Equal(t, 3, resp.Channels[1].Index)
}

func TestGetRelay(t *testing.T) {
	server, _ := setupTestServer(t, model.AckOptimistic)

	w := do(t, server, http.MethodGet, "/api/relays/3", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp model.ChannelStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "fan", resp.Name)
	assert.Equal(t, model.PhaseUnknown, resp.Phase)
}

func TestGetRelayNotFound(t *testing.T) {
	server, _ := setupTestServer(t, model.AckOptimistic)

	for _, path := range []string{"/api/relays/2", "/api/relays/9", "/api/relays/pump", "/api/relays/"} {
		w := do(t, server, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Error)
	}
}

func TestSetRelay(t *testing.T) {
	server, tr := setupTestServer(t, model.AckOptimistic)

	w := do(t, server, http.MethodPut, "/api/relays/1", `{"state":"on"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp model.ChannelStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.StateOn, resp.State)
	assert.Equal(t, model.PhaseConfirmed, resp.Phase)
	assert.NotZero(t, tr.out.Len())

	w = do(t, server, http.MethodPut, "/api/relays/1", `{"state":"OFF"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.StateOff, resp.State)
}

func TestSetRelayErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/api/relays/1", `{"state":`, http.StatusBadRequest},
		{"invalid state", "/api/relays/1", `{"state":"dim"}`, http.StatusBadRequest},
		{"unregistered relay", "/api/relays/2", `{"state":"on"}`, http.StatusNotFound},
		{"out of range relay", "/api/relays/5", `{"state":"on"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, tr := setupTestServer(t, model.AckOptimistic)
			w := do(t, server, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code)
			assert.Zero(t, tr.out.Len())
		})
	}
}

func TestSetRelayLinkError(t *testing.T) {
	server, tr := setupTestServer(t, model.AckOptimistic)
	tr.err = errors.New("port gone")

	w := do(t, server, http.MethodPut, "/api/relays/3", `{"state":"on"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "port gone")

	w = do(t, server, http.MethodGet, "/api/relays", "")
	var status model.ControllerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.LinkHealthy)
}

func TestSetRelayBusy(t *testing.T) {
	server, _ := setupTestServer(t, model.AckAwait)

	w := do(t, server, http.MethodPut, "/api/relays/1", `{"state":"on"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp model.ChannelStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.PhasePending, resp.Phase)
	assert.Equal(t, model.StateOn, resp.Requested)

	w = do(t, server, http.MethodPut, "/api/relays/3", `{"state":"on"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRelayHistory(t *testing.T) {
	server, _ := setupTestServer(t, model.AckOptimistic)

	do(t, server, http.MethodPut, "/api/relays/1", `{"state":"on"}`)
	do(t, server, http.MethodPut, "/api/relays/3", `{"state":"on"}`)
	do(t, server, http.MethodPut, "/api/relays/1", `{"state":"off"}`)

	w := do(t, server, http.MethodGet, "/api/relays/1/history", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var entries []db.StateChangeEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, model.StateOff, entries[0].State)
	assert.Equal(t, "command", entries[0].Source)

	w = do(t, server, http.MethodGet, "/api/relays/1/history?limit=1", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)

	w = do(t, server, http.MethodGet, "/api/relays/1/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, server, http.MethodGet, "/api/relays/2/history", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRelayHistoryDisabled(t *testing.T) {
	ctrl, _, err := relay.Assemble(relay.Options{}, &testTransport{}, []relay.Descriptor{{Name: "pump", Relay: 1}})
	require.NoError(t, err)
	server := NewServer(ctrl, nil)

	w := do(t, server, http.MethodGet, "/api/relays/1/history", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	server, _ := setupTestServer(t, model.AckOptimistic)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/relays"},
		{http.MethodDelete, "/api/relays/1"},
		{http.MethodPost, "/api/relays/1/history"},
	}
	for _, tt := range tests {
		w := do(t, server, tt.method, tt.path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "%s %s", tt.method, tt.path)
	}
}

func TestCORSPreflight(t *testing.T) {
	server, _ := setupTestServer(t, model.AckOptimistic)

	w := do(t, server, http.MethodOptions, "/api/relays/1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(relay.ErrBusy))
	assert.Equal(t, http.StatusBadGateway, statusFor(&relay.LinkError{Op: "write", Relay: 1, Err: relay.ErrWriteTimeout}))
	assert.Equal(t, http.StatusNotFound, statusFor(relay.ErrUnknownChannel))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
