// Package hook provides the lifecycle event system that decouples the
// execution path (pool, instances, message handler) from consumers such as
// chat delivery and webhook delivery. Producers build an immutable Context
// per event and hand it to the Manager, which fans it out to registered
// handlers with per-handler failure isolation.
package hook

import "time"

// Event identifies a lifecycle point in the execution path.
type Event string

const (
	// EventPreExecution fires immediately before an agent turn is executed.
	EventPreExecution Event = "pre_execution"

	// EventPostExecution fires after an agent turn completed successfully.
	EventPostExecution Event = "post_execution"

	// EventOutputChunk carries captured agent output for a session.
	EventOutputChunk Event = "output_chunk"

	// EventError fires when an agent turn fails.
	EventError Event = "error"

	// EventAgentStart fires when a new instance is created for a session.
	EventAgentStart Event = "agent_start"

	// EventAgentStop fires when an instance is deleted or evicted.
	EventAgentStop Event = "agent_stop"
)

// AllEvents returns every defined lifecycle event.
func AllEvents() []Event {
	return []Event{
		EventPreExecution,
		EventPostExecution,
		EventOutputChunk,
		EventError,
		EventAgentStart,
		EventAgentStop,
	}
}

// Valid reports whether e is a defined lifecycle event.
func (e Event) Valid() bool {
	switch e {
	case EventPreExecution, EventPostExecution, EventOutputChunk,
		EventError, EventAgentStart, EventAgentStop:
		return true
	}
	return false
}

// Context is the immutable payload snapshot passed to handlers. It is built
// fresh per event and must not be mutated after creation; handlers that need
// mutable state keep their own buffers.
type Context struct {
	Event      Event
	InstanceID string
	SessionID  string
	ClientType string
	ClientID   string
	Timestamp  time.Time

	// Message is set for pre-execution events.
	Message string

	// Output is set for output-chunk and post-execution events.
	Output string

	// Error is set for error events.
	Error string

	// Metadata carries additional producer-defined fields.
	Metadata map[string]any
}

// NewContext creates a Context for the given event with the current time.
func NewContext(event Event, instanceID, sessionID, clientType, clientID string) *Context {
	return &Context{
		Event:      event,
		InstanceID: instanceID,
		SessionID:  sessionID,
		ClientType: clientType,
		ClientID:   clientID,
		Timestamp:  time.Now(),
		Metadata:   make(map[string]any),
	}
}

// Handler consumes lifecycle events. Handle is invoked synchronously by the
// Manager; a returned error (or panic) is logged and isolated — it never
// reaches the producer or other handlers.
type Handler interface {
	// Name identifies the handler in logs.
	Name() string

	// Handle processes one event context.
	Handle(hc *Context) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Func        func(hc *Context) error
}

// Name returns the handler's name.
func (f *HandlerFunc) Name() string { return f.HandlerName }

// Handle invokes the wrapped function.
func (f *HandlerFunc) Handle(hc *Context) error { return f.Func(hc) }
