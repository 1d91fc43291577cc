package hook

import (
	"runtime/debug"
	"sync"

	"github.com/agentpool/agentpool/internal/logging"
)

// Manager is the registry and fan-out dispatcher for lifecycle events.
// Handlers register for specific events or globally for all of them; Trigger
// dispatches a Context to every matching handler in registration order.
//
// Dispatch is sequential and synchronous. A handler that returns an error or
// panics is logged and skipped — it cannot prevent the remaining handlers
// from running and nothing propagates to the caller of Trigger.
type Manager struct {
	mu      sync.RWMutex
	byEvent map[Event][]Handler
	global  []Handler
	logger  *logging.Logger
}

// NewManager creates a hook manager. A nil logger falls back to a no-op
// logger.
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		byEvent: make(map[Event][]Handler),
		global:  make([]Handler, 0),
		logger:  logger.WithComponent("hooks"),
	}
}

// Register subscribes a handler. With no events the handler is global and
// receives every event; otherwise it receives only the listed events.
// A handler may be registered multiple times for different event sets; each
// registration is removed by a single Unregister call.
func (m *Manager) Register(h Handler, events ...Event) {
	if h == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(events) == 0 {
		m.global = append(m.global, h)
		m.logger.Debug("handler registered", "handler", h.Name(), "events", "all")
		return
	}

	for _, event := range events {
		m.byEvent[event] = append(m.byEvent[event], h)
	}
	m.logger.Debug("handler registered", "handler", h.Name(), "events", len(events))
}

// Unregister removes the handler from all event subscriptions and from the
// global list. Unregistering a handler that is not registered is a no-op.
func (m *Manager) Unregister(h Handler) {
	if h == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for event, handlers := range m.byEvent {
		m.byEvent[event] = removeHandler(handlers, h)
		if len(m.byEvent[event]) == 0 {
			delete(m.byEvent, event)
		}
	}
	m.global = removeHandler(m.global, h)
}

// removeHandler returns handlers with every occurrence of h removed.
func removeHandler(handlers []Handler, h Handler) []Handler {
	out := handlers[:0]
	for _, existing := range handlers {
		if existing != h {
			out = append(out, existing)
		}
	}
	return out
}

// Trigger dispatches the context to every handler registered for its event
// plus every global handler. Specific handlers run first, then global ones,
// each in registration order. Trigger never panics and never returns an
// error: per-handler failures are logged and isolated.
func (m *Manager) Trigger(hc *Context) {
	if hc == nil {
		return
	}

	m.mu.RLock()
	specific := make([]Handler, len(m.byEvent[hc.Event]))
	copy(specific, m.byEvent[hc.Event])
	global := make([]Handler, len(m.global))
	copy(global, m.global)
	m.mu.RUnlock()

	for _, h := range specific {
		m.safeHandle(h, hc)
	}
	for _, h := range global {
		m.safeHandle(h, hc)
	}
}

// TriggerAsync dispatches the context on a new goroutine, for producers that
// must not block on handler work. The isolation guarantee is identical to
// Trigger.
func (m *Manager) TriggerAsync(hc *Context) {
	if hc == nil {
		return
	}
	go m.Trigger(hc)
}

// HasHandlers reports whether at least one handler (specific or global)
// would receive the given event. Producers use it to skip building a Context
// when nobody is listening.
func (m *Manager) HasHandlers(event Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byEvent[event]) > 0 || len(m.global) > 0
}

// HandlerCount returns the total number of registrations.
func (m *Manager) HandlerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := len(m.global)
	for _, handlers := range m.byEvent {
		count += len(handlers)
	}
	return count
}

// Clear removes all registrations.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byEvent = make(map[Event][]Handler)
	m.global = m.global[:0]
}

// safeHandle invokes a handler, recovering from panics and logging errors.
// One misbehaving handler cannot block event delivery to the others.
func (m *Manager) safeHandle(h Handler, hc *Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("hook handler panicked",
				"handler", h.Name(),
				"event", string(hc.Event),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	if err := h.Handle(hc); err != nil {
		m.logger.Error("hook handler failed",
			"handler", h.Name(),
			"event", string(hc.Event),
			"error", err.Error())
	}
}
