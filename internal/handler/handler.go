// Package handler routes external message requests to the instance pool and
// normalizes every outcome into a MessageResponse. It is the one boundary
// that never raises: validation failures, capacity rejections, spawn errors,
// and even panics below it all come back as failed responses.
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/agentpool/agentpool/internal/hook"
	"github.com/agentpool/agentpool/internal/instance"
	"github.com/agentpool/agentpool/internal/logging"
)

// Handler validates and routes one external request to the pool, firing
// lifecycle hooks along the execution path.
type Handler struct {
	pool   *instance.Pool
	hooks  *hook.Manager
	logger *logging.Logger
}

// New creates a message handler. The hook manager may be nil when no
// consumers are wired; lifecycle events are then skipped entirely.
func New(pool *instance.Pool, hooks *hook.Manager, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{
		pool:   pool,
		hooks:  hooks,
		logger: logger.WithComponent("handler"),
	}
}

// HandleMessage executes one agent turn for the request's session.
//
// Invalid requests fail fast without touching the pool. Valid requests
// resolve the session's instance (creating one if admission allows), execute
// the message, and map the result. Any error or panic on this path becomes a
// failed response; HandleMessage never raises to its caller.
func (h *Handler) HandleMessage(ctx context.Context, req MessageRequest) (resp MessageResponse) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("message handling panicked",
				"session_id", req.SessionID,
				"panic", r)
			resp = MessageResponse{
				SessionID: req.SessionID,
				Status:    instance.StatusFailed,
				Error:     fmt.Sprintf("Internal error: %v", r),
			}
		}
	}()

	if err := req.Validate(); err != nil {
		h.logger.Warn("invalid message request",
			"session_id", req.SessionID,
			"error", err.Error())
		return MessageResponse{
			SessionID: req.SessionID,
			Status:    instance.StatusFailed,
			Error:     err.Error(),
		}
	}

	inst, created, err := h.pool.GetOrCreate(req.SessionID, req.ClientType, req.ClientID, req.WorkingDirectory, req.Metadata)
	if err != nil {
		return MessageResponse{
			SessionID: req.SessionID,
			Status:    instance.StatusFailed,
			Error:     "Internal error: " + err.Error(),
		}
	}

	if created {
		h.fire(hook.EventAgentStart, inst, req.Message, "", "", nil)
	}
	h.fire(hook.EventPreExecution, inst, req.Message, "", "", nil)

	result := inst.Execute(ctx, req.Message)

	metadata := map[string]any{
		"message_count": inst.MessageCount(),
		"client_type":   req.ClientType,
		"exit_code":     result.ExitCode,
	}

	if result.Status == instance.StatusCompleted {
		if result.Output != "" {
			h.fire(hook.EventOutputChunk, inst, req.Message, result.Output, "", metadata)
		}
		h.fire(hook.EventPostExecution, inst, req.Message, result.Output, "", metadata)
	} else {
		h.fire(hook.EventError, inst, req.Message, result.Output, result.Error, metadata)
	}

	return MessageResponse{
		InstanceID: inst.ID(),
		SessionID:  req.SessionID,
		Status:     result.Status,
		Message:    result.Output,
		Error:      result.Error,
		Metadata:   metadata,
	}
}

// Instance returns the snapshot for one instance ID, or false on a miss.
func (h *Handler) Instance(instanceID string) (instance.Info, bool) {
	inst := h.pool.Get(instanceID)
	if inst == nil {
		return instance.Info{}, false
	}
	return inst.Snapshot(), true
}

// SessionInstance returns the snapshot for a session's instance, or false on
// a miss.
func (h *Handler) SessionInstance(sessionID string) (instance.Info, bool) {
	inst := h.pool.GetBySession(sessionID)
	if inst == nil {
		return instance.Info{}, false
	}
	return inst.Snapshot(), true
}

// ListInstances returns snapshots of every live instance.
func (h *Handler) ListInstances() []instance.Info {
	return h.pool.ListAll()
}

// DeleteInstance stops and removes one instance, firing the agent stop event
// for its consumers. Returns false when the ID is unknown.
func (h *Handler) DeleteInstance(instanceID string) bool {
	inst := h.pool.Get(instanceID)
	if inst == nil {
		return false
	}

	h.fire(hook.EventAgentStop, inst, "", "", "", nil)
	return h.pool.Delete(instanceID)
}

// CleanupIdle evicts idle instances. A positive maxIdle overrides the pool's
// configured threshold; zero uses the default.
func (h *Handler) CleanupIdle(maxIdle time.Duration) int {
	if maxIdle > 0 {
		return h.pool.CleanupIdleOlderThan(maxIdle)
	}
	return h.pool.CleanupIdle()
}

// StartCleanupLoop starts the pool's periodic idle eviction.
func (h *Handler) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	h.pool.StartCleanupLoop(ctx, interval)
}

// StopCleanupLoop stops the pool's periodic idle eviction.
func (h *Handler) StopCleanupLoop() {
	h.pool.StopCleanupLoop()
}

// Shutdown tears down the pool and every live instance.
func (h *Handler) Shutdown() {
	h.pool.Shutdown()
}

// fire dispatches one lifecycle event, skipping context construction when no
// handler is listening.
func (h *Handler) fire(event hook.Event, inst *instance.Instance, message, output, errText string, metadata map[string]any) {
	if h.hooks == nil || !h.hooks.HasHandlers(event) {
		return
	}

	hc := hook.NewContext(event, inst.ID(), inst.SessionID(), inst.ClientType(), inst.ClientID())
	hc.Message = message
	hc.Output = output
	hc.Error = errText
	for k, v := range metadata {
		hc.Metadata[k] = v
	}
	h.hooks.Trigger(hc)
}
