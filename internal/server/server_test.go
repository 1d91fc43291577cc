package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpool/agentpool/internal/handler"
	"github.com/agentpool/agentpool/internal/hook"
	"github.com/agentpool/agentpool/internal/instance"
	"github.com/agentpool/agentpool/internal/testutil"
)

func newTestServer(t *testing.T, agentBody string) (*httptest.Server, *hook.Manager) {
	t.Helper()

	hooks := hook.NewManager(nil)
	h := handler.New(testutil.NewAgentPool(t, 5, agentBody), hooks, nil)
	srv := New(Config{}, h, hooks, nil)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, hooks
}

func postMessage(t *testing.T, ts *httptest.Server, req handler.MessageRequest) handler.MessageResponse {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/message", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out handler.MessageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServer_PostMessage(t *testing.T) {
	ts, _ := newTestServer(t, `printf '%s' hi`)

	out := postMessage(t, ts, handler.MessageRequest{
		Message:   "do it",
		SessionID: "s1",
		ClientID:  "c1",
	})

	assert.Equal(t, instance.StatusCompleted, out.Status)
	assert.Equal(t, "hi", out.Message)
	assert.NotEmpty(t, out.InstanceID)
}

func TestServer_PostMessageInvalidJSON(t *testing.T) {
	ts, _ := newTestServer(t, "exit 0")

	resp, err := http.Post(ts.URL+"/message", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_PostMessageValidationFailure(t *testing.T) {
	ts, _ := newTestServer(t, "exit 0")

	out := postMessage(t, ts, handler.MessageRequest{SessionID: "s1", ClientID: "c1"})

	assert.Equal(t, instance.StatusFailed, out.Status)
	assert.Contains(t, out.Error, "message")
}

func TestServer_InstanceEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, "exit 0")

	out := postMessage(t, ts, handler.MessageRequest{
		Message:   "m",
		SessionID: "s1",
		ClientID:  "c1",
	})

	// List.
	resp, err := http.Get(ts.URL + "/instances")
	require.NoError(t, err)
	var list struct {
		Instances []instance.Info `json:"instances"`
		Count     int             `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, 1, list.Count)
	require.Len(t, list.Instances, 1)
	assert.Equal(t, out.InstanceID, list.Instances[0].InstanceID)

	// Get one.
	resp, err = http.Get(ts.URL + "/instances/" + out.InstanceID)
	require.NoError(t, err)
	var info instance.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, "s1", info.SessionID)

	// Unknown ID.
	resp, err = http.Get(ts.URL + "/instances/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Delete.
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/instances/"+out.InstanceID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Delete again: gone.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Cleanup(t *testing.T) {
	ts, _ := newTestServer(t, "exit 0")

	postMessage(t, ts, handler.MessageRequest{Message: "m", SessionID: "s1", ClientID: "c1"})

	// Default threshold evicts nothing.
	resp, err := http.Post(ts.URL+"/cleanup", "application/json", nil)
	require.NoError(t, err)
	var result map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	assert.Equal(t, 0, result["evicted"])

	// A one-second override evicts the instance once it has idled past it.
	time.Sleep(1100 * time.Millisecond)
	resp, err = http.Post(ts.URL+"/cleanup?max_idle_seconds=1", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	assert.Equal(t, 1, result["evicted"])

	// Bad override.
	resp, err = http.Post(ts.URL+"/cleanup?max_idle_seconds=soon", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	ts, _ := newTestServer(t, "exit 0")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
}

func TestServer_SessionStream(t *testing.T) {
	ts, hooks := newTestServer(t, "exit 0")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/s1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the subscriber registration to land.
	deadline := time.Now().Add(2 * time.Second)
	for !hooks.HasHandlers(hook.EventOutputChunk) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, hooks.HasHandlers(hook.EventOutputChunk))

	// An event for another session is filtered out; one for s1 arrives.
	other := hook.NewContext(hook.EventOutputChunk, "i2", "s2", "api", "c2")
	other.Output = "not for you"
	hooks.Trigger(other)

	mine := hook.NewContext(hook.EventOutputChunk, "i1", "s1", "api", "c1")
	mine.Output = "streamed text"
	hooks.Trigger(mine)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame streamFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "output_chunk", frame.Event)
	assert.Equal(t, "s1", frame.SessionID)
	assert.Equal(t, "streamed text", frame.Output)

	// Disconnect unregisters the subscriber.
	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hooks.HasHandlers(hook.EventOutputChunk) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, hooks.HasHandlers(hook.EventOutputChunk))
}

func TestServer_StartAndShutdown(t *testing.T) {
	pool := instance.NewPool(instance.PoolConfig{MaxInstances: 1}, nil)
	t.Cleanup(pool.Shutdown)
	srv := New(Config{Addr: "127.0.0.1:0"}, handler.New(pool, nil, nil), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
