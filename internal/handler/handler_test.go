package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpool/agentpool/internal/hook"
	"github.com/agentpool/agentpool/internal/instance"
	"github.com/agentpool/agentpool/internal/testutil"
)

func newTestHandler(t *testing.T, maxInstances int, agentBody string) (*Handler, *hook.Manager) {
	t.Helper()
	hooks := hook.NewManager(nil)
	return New(testutil.NewAgentPool(t, maxInstances, agentBody), hooks, nil), hooks
}

// eventRecorder captures dispatched lifecycle events.
type eventRecorder struct {
	mu     sync.Mutex
	events []hook.Event
}

func (r *eventRecorder) Name() string { return "recorder" }

func (r *eventRecorder) Handle(hc *hook.Context) error {
	r.mu.Lock()
	r.events = append(r.events, hc.Event)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) received() []hook.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hook.Event(nil), r.events...)
}

func validRequest() MessageRequest {
	return MessageRequest{
		Message:    "run the linter",
		SessionID:  "sess-1",
		ClientType: ClientAPI,
		ClientID:   "client-1",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MessageRequest)
		wantErr string
	}{
		{"valid", func(r *MessageRequest) {}, ""},
		{"empty message", func(r *MessageRequest) { r.Message = "" }, "message"},
		{"whitespace message", func(r *MessageRequest) { r.Message = "   " }, "message"},
		{"empty session", func(r *MessageRequest) { r.SessionID = "" }, "session_id"},
		{"empty client id", func(r *MessageRequest) { r.ClientID = "\t" }, "client_id"},
		{"unknown client type", func(r *MessageRequest) { r.ClientType = "carrier-pigeon" }, "client_type"},
		{"chat client type", func(r *MessageRequest) { r.ClientType = ClientChat }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_DefaultsClientType(t *testing.T) {
	req := validRequest()
	req.ClientType = ""

	require.NoError(t, req.Validate())
	assert.Equal(t, ClientAPI, req.ClientType)
}

func TestHandleMessage_Success(t *testing.T) {
	h, _ := newTestHandler(t, 5, `printf '%s' hello`)

	resp := h.HandleMessage(context.Background(), validRequest())

	assert.Equal(t, instance.StatusCompleted, resp.Status)
	assert.Equal(t, "hello", resp.Message)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.NotEmpty(t, resp.InstanceID)
	assert.Equal(t, 1, resp.Metadata["message_count"])
	assert.Equal(t, ClientAPI, resp.Metadata["client_type"])
	assert.Equal(t, 0, resp.Metadata["exit_code"])
}

func TestHandleMessage_SessionAffinityAndCount(t *testing.T) {
	h, _ := newTestHandler(t, 5, "exit 0")

	first := h.HandleMessage(context.Background(), validRequest())
	second := h.HandleMessage(context.Background(), validRequest())

	assert.Equal(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, 1, first.Metadata["message_count"])
	assert.Equal(t, 2, second.Metadata["message_count"])
}

func TestHandleMessage_InvalidRequestTouchesNothing(t *testing.T) {
	h, _ := newTestHandler(t, 5, "exit 0")

	req := validRequest()
	req.Message = "   "
	resp := h.HandleMessage(context.Background(), req)

	assert.Equal(t, instance.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "message")
	assert.Empty(t, resp.InstanceID)
	assert.Empty(t, h.ListInstances(), "invalid input must not create an instance")
}

func TestHandleMessage_CapacityError(t *testing.T) {
	h, _ := newTestHandler(t, 1, "exit 0")

	first := h.HandleMessage(context.Background(), validRequest())
	require.Equal(t, instance.StatusCompleted, first.Status)

	overflow := validRequest()
	overflow.SessionID = "sess-2"
	resp := h.HandleMessage(context.Background(), overflow)

	assert.Equal(t, instance.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "Internal error:")
	assert.Contains(t, resp.Error, "limit: 1")
	assert.Len(t, h.ListInstances(), 1)
}

func TestHandleMessage_ExecutionFailure(t *testing.T) {
	h, _ := newTestHandler(t, 5, "echo 'broken' >&2\nexit 2")

	resp := h.HandleMessage(context.Background(), validRequest())

	assert.Equal(t, instance.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "broken")
	assert.Equal(t, 2, resp.Metadata["exit_code"])
}

func TestHandleMessage_FiresLifecycleEvents(t *testing.T) {
	h, hooks := newTestHandler(t, 5, `printf '%s' out`)
	rec := &eventRecorder{}
	hooks.Register(rec)

	h.HandleMessage(context.Background(), validRequest())

	assert.Equal(t, []hook.Event{
		hook.EventAgentStart,
		hook.EventPreExecution,
		hook.EventOutputChunk,
		hook.EventPostExecution,
	}, rec.received())

	// Second message on the same session: no new agent start.
	h.HandleMessage(context.Background(), validRequest())
	events := rec.received()
	assert.Equal(t, hook.EventPreExecution, events[4])
}

func TestHandleMessage_FiresErrorEventOnFailure(t *testing.T) {
	h, hooks := newTestHandler(t, 5, "exit 1")
	rec := &eventRecorder{}
	hooks.Register(rec)

	h.HandleMessage(context.Background(), validRequest())

	events := rec.received()
	require.NotEmpty(t, events)
	assert.Equal(t, hook.EventError, events[len(events)-1])
	assert.NotContains(t, events, hook.EventPostExecution)
}

func TestHandleMessage_NeverPanics(t *testing.T) {
	h, hooks := newTestHandler(t, 5, "exit 0")
	hooks.Register(&hook.HandlerFunc{
		HandlerName: "bad",
		Func: func(hc *hook.Context) error {
			panic("consumer bug")
		},
	})

	assert.NotPanics(t, func() {
		resp := h.HandleMessage(context.Background(), validRequest())
		assert.Equal(t, instance.StatusCompleted, resp.Status)
	})
}

func TestInstanceLookups(t *testing.T) {
	h, _ := newTestHandler(t, 5, "exit 0")

	resp := h.HandleMessage(context.Background(), validRequest())

	info, ok := h.Instance(resp.InstanceID)
	require.True(t, ok)
	assert.Equal(t, "sess-1", info.SessionID)

	info, ok = h.SessionInstance("sess-1")
	require.True(t, ok)
	assert.Equal(t, resp.InstanceID, info.InstanceID)

	_, ok = h.Instance("nope")
	assert.False(t, ok)
	_, ok = h.SessionInstance("nope")
	assert.False(t, ok)
}

func TestDeleteInstance(t *testing.T) {
	h, hooks := newTestHandler(t, 5, "exit 0")
	rec := &eventRecorder{}
	hooks.Register(rec, hook.EventAgentStop)

	resp := h.HandleMessage(context.Background(), validRequest())

	assert.True(t, h.DeleteInstance(resp.InstanceID))
	assert.False(t, h.DeleteInstance(resp.InstanceID))
	assert.Empty(t, h.ListInstances())
	assert.Equal(t, []hook.Event{hook.EventAgentStop}, rec.received())
}

func TestCleanupIdleOverride(t *testing.T) {
	h, _ := newTestHandler(t, 5, "exit 0")

	h.HandleMessage(context.Background(), validRequest())

	// Default threshold: nothing is old enough.
	assert.Equal(t, 0, h.CleanupIdle(0))
	// Aggressive override evicts everything not touched in the last instant.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.CleanupIdle(time.Millisecond))
	assert.Empty(t, h.ListInstances())
}
