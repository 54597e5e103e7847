package notifications

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	path    string
	payload map[string]interface{}
}

func startNtfy(t *testing.T, status int) (*[]received, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var got []received

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		got = append(got, received{path: r.URL.Path, payload: payload})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	old := baseURL
	baseURL = srv.URL
	t.Cleanup(func() {
		baseURL = old
		initialized = false
	})
	return &got, &mu
}

func TestSend(t *testing.T) {
	got, mu := startNtfy(t, http.StatusOK)
	Init("relays-test")

	require.NoError(t, Send("hello", "world"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 1)
	assert.Equal(t, "/", (*got)[0].path)
	assert.Equal(t, "relays-test", (*got)[0].payload["topic"])
	assert.Equal(t, "hello", (*got)[0].payload["title"])
	assert.NotContains(t, (*got)[0].payload, "priority")
	assert.Equal(t, "world", (*got)[0].payload["message"])
}

func TestSend_NotInitialized(t *testing.T) {
	Init("")
	assert.Error(t, Send("hello", "world"))
}

func TestSend_ServerError(t *testing.T) {
	startNtfy(t, http.StatusInternalServerError)
	Init("relays-test")

	err := Send("hello", "world")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestLinkAlert(t *testing.T) {
	got, mu := startNtfy(t, http.StatusOK)
	Init("relays-test")

	alert := LinkAlert("garage")
	alert(false)
	alert(true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	priorities := map[string]interface{}{}
	for _, r := range *got {
		priorities[r.payload["title"].(string)] = r.payload["priority"]
	}
	assert.Equal(t, map[string]interface{}{
		"garage: relay board link lost":     float64(4),
		"garage: relay board link restored": nil,
	}, priorities)
}
