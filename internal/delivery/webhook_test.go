package delivery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpool/agentpool/internal/hook"
)

// webhookServer fails the first failures requests, then accepts.
type webhookServer struct {
	mu       sync.Mutex
	failures int
	requests []webhookPayload
}

func (s *webhookServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload webhookPayload
		json.NewDecoder(r.Body).Decode(&payload)

		s.mu.Lock()
		s.requests = append(s.requests, payload)
		fail := s.failures > 0
		if fail {
			s.failures--
		}
		s.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *webhookServer) received() []webhookPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webhookPayload(nil), s.requests...)
}

func newTestWebhookHandler(url string, retryCount int) (*WebhookHandler, *[]time.Duration) {
	h := NewWebhookHandler(WebhookConfig{URL: url, RetryCount: retryCount}, nil)
	var waits []time.Duration
	h.sleep = func(d time.Duration) { waits = append(waits, d) }
	return h, &waits
}

func errorContext() *hook.Context {
	hc := hook.NewContext(hook.EventError, "i1", "s1", "api", "c1")
	hc.Error = "exit status 2"
	hc.Metadata["exit_code"] = 2
	return hc
}

func TestWebhookHandler_DeliversPayload(t *testing.T) {
	server := &webhookServer{}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	h, waits := newTestWebhookHandler(ts.URL, 3)
	require.NoError(t, h.Handle(errorContext()))

	got := server.received()
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0].Event)
	assert.Equal(t, "i1", got[0].InstanceID)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Equal(t, "exit status 2", got[0].Error)
	assert.Equal(t, float64(2), got[0].Metadata["exit_code"])
	assert.Empty(t, *waits, "a first-attempt success should not back off")
}

func TestWebhookHandler_OmitsEmptyOptionalFields(t *testing.T) {
	var raw map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
	}))
	defer ts.Close()

	h, _ := newTestWebhookHandler(ts.URL, 1)
	h.Handle(hook.NewContext(hook.EventAgentStart, "i1", "s1", "api", "c1"))

	assert.NotContains(t, raw, "message")
	assert.NotContains(t, raw, "output")
	assert.NotContains(t, raw, "error")
	assert.NotContains(t, raw, "metadata")
	assert.Equal(t, "agent_start", raw["event"])
}

func TestWebhookHandler_RetriesWithBackoff(t *testing.T) {
	server := &webhookServer{failures: 2}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	h, waits := newTestWebhookHandler(ts.URL, 3)
	require.NoError(t, h.Handle(errorContext()))

	assert.Len(t, server.received(), 3, "two failures then a success")
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, *waits)
}

func TestWebhookHandler_ExhaustedRetriesNeverEscape(t *testing.T) {
	server := &webhookServer{failures: 100}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	h, waits := newTestWebhookHandler(ts.URL, 3)

	err := h.Handle(errorContext())

	assert.NoError(t, err, "exhausted delivery must be swallowed inside Handle")
	assert.Len(t, server.received(), 3)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, *waits)
}

func TestWebhookHandler_UnreachableEndpoint(t *testing.T) {
	h, waits := newTestWebhookHandler("http://127.0.0.1:1/unreachable", 3)

	err := h.Handle(errorContext())

	assert.NoError(t, err)
	assert.Len(t, *waits, 2)
}
