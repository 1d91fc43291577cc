// Package delivery contains the built-in lifecycle event consumers: buffered
// chat delivery and retried webhook delivery. Both register with the hook
// manager and keep their failures out of the execution path.
package delivery

import (
	"strings"
	"sync"
	"time"

	"github.com/agentpool/agentpool/internal/hook"
	"github.com/agentpool/agentpool/internal/logging"
)

// Sender transmits one text message to a session's chat channel.
type Sender interface {
	Send(sessionID, text string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(sessionID, text string) error

// Send invokes the wrapped function.
func (f SenderFunc) Send(sessionID, text string) error { return f(sessionID, text) }

// ChatConfig holds the buffering and rate-limit settings for chat delivery.
type ChatConfig struct {
	// BufferSize is the flush threshold and the maximum size of a single
	// outbound chunk (default 4000).
	BufferSize int

	// FlushInterval is the debounce window: a partial buffer flushes after
	// this long with no further output (default 2s).
	FlushInterval time.Duration

	// ChunkDelay is the pause between chunks of an oversized flush, to
	// respect the downstream rate limit (default 500ms).
	ChunkDelay time.Duration
}

// DefaultChatConfig returns the default chat delivery settings.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		BufferSize:    4000,
		FlushInterval: 2 * time.Second,
		ChunkDelay:    500 * time.Millisecond,
	}
}

func (c ChatConfig) withDefaults() ChatConfig {
	def := DefaultChatConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.ChunkDelay < 0 {
		c.ChunkDelay = def.ChunkDelay
	}
	return c
}

// sessionBuffer accumulates output for one session between flushes.
type sessionBuffer struct {
	text  strings.Builder
	timer *time.Timer
}

// ChatHandler buffers per-session agent output and delivers it in batches
// instead of chunk-by-chunk. Output accumulates until it crosses the buffer
// size (immediate flush) or goes quiet for the flush interval (debounced
// flush); terminal events force a flush before their own status message.
type ChatHandler struct {
	sender Sender
	cfg    ChatConfig
	logger *logging.Logger

	// sleep is the inter-chunk pause, replaceable in tests.
	sleep func(time.Duration)

	mu      sync.Mutex
	buffers map[string]*sessionBuffer
	closed  bool
}

// NewChatHandler creates a buffered chat delivery handler.
func NewChatHandler(sender Sender, cfg ChatConfig, logger *logging.Logger) *ChatHandler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ChatHandler{
		sender:  sender,
		cfg:     cfg.withDefaults(),
		logger:  logger.WithComponent("chat"),
		sleep:   time.Sleep,
		buffers: make(map[string]*sessionBuffer),
	}
}

// Name identifies the handler in logs.
func (h *ChatHandler) Name() string { return "chat" }

// Events returns the lifecycle events this handler consumes.
func (h *ChatHandler) Events() []hook.Event {
	return []hook.Event{
		hook.EventOutputChunk,
		hook.EventPostExecution,
		hook.EventError,
		hook.EventAgentStop,
	}
}

// Handle processes one lifecycle event for the context's session.
func (h *ChatHandler) Handle(hc *hook.Context) error {
	switch hc.Event {
	case hook.EventOutputChunk:
		h.append(hc.SessionID, hc.Output)
	case hook.EventPostExecution:
		h.finish(hc.SessionID, "Execution completed.")
	case hook.EventError:
		status := "Execution failed."
		if hc.Error != "" {
			status = "Execution failed: " + hc.Error
		}
		h.finish(hc.SessionID, status)
	case hook.EventAgentStop:
		h.finish(hc.SessionID, "Agent session ended.")
	}
	return nil
}

// append adds output to the session buffer, flushing immediately once the
// threshold is crossed and otherwise rescheduling the debounce timer.
func (h *ChatHandler) append(sessionID, output string) {
	if output == "" {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}

	buf, ok := h.buffers[sessionID]
	if !ok {
		buf = &sessionBuffer{}
		h.buffers[sessionID] = buf
	}
	buf.text.WriteString(output)

	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}

	if buf.text.Len() >= h.cfg.BufferSize {
		text := h.takeLocked(sessionID)
		h.mu.Unlock()
		h.deliver(sessionID, text)
		return
	}

	// Each new chunk pushes the debounce deadline out again.
	buf.timer = time.AfterFunc(h.cfg.FlushInterval, func() {
		h.Flush(sessionID)
	})
	h.mu.Unlock()
}

// finish flushes any buffered remainder and then sends the status line.
func (h *ChatHandler) finish(sessionID, status string) {
	h.Flush(sessionID)
	if err := h.sender.Send(sessionID, status); err != nil {
		h.logger.Warn("status message delivery failed",
			"session_id", sessionID,
			"error", err.Error())
	}
}

// Flush delivers whatever is buffered for the session right now. Flushing an
// empty or unknown session is a no-op.
func (h *ChatHandler) Flush(sessionID string) {
	h.mu.Lock()
	text := h.takeLocked(sessionID)
	h.mu.Unlock()

	if text != "" {
		h.deliver(sessionID, text)
	}
}

// takeLocked drains and removes the session buffer. Caller must hold mu.
func (h *ChatHandler) takeLocked(sessionID string) string {
	buf, ok := h.buffers[sessionID]
	if !ok {
		return ""
	}
	if buf.timer != nil {
		buf.timer.Stop()
	}
	delete(h.buffers, sessionID)
	return buf.text.String()
}

// deliver splits the text into rate-limit-sized chunks and sends them in
// order, pausing between chunks.
func (h *ChatHandler) deliver(sessionID, text string) {
	chunks := splitChunks(text, h.cfg.BufferSize)
	for n, chunk := range chunks {
		if n > 0 {
			h.sleep(h.cfg.ChunkDelay)
		}
		if err := h.sender.Send(sessionID, chunk); err != nil {
			h.logger.Warn("chat delivery failed",
				"session_id", sessionID,
				"chunk", n+1,
				"chunks", len(chunks),
				"error", err.Error())
		}
	}
}

// Close cancels all pending debounce timers and flushes every remaining
// buffer. The handler drops further output after Close.
func (h *ChatHandler) Close() {
	h.mu.Lock()
	h.closed = true
	pending := make(map[string]string, len(h.buffers))
	for sessionID := range h.buffers {
		if text := h.takeLocked(sessionID); text != "" {
			pending[sessionID] = text
		}
	}
	h.mu.Unlock()

	for sessionID, text := range pending {
		h.deliver(sessionID, text)
	}
}

// splitChunks breaks text into pieces of at most max bytes, preferring line
// boundaries. A single line longer than max is hard-split.
func splitChunks(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	for line := range strings.Lines(text) {
		// Hard-split lines that cannot fit in any chunk.
		for len(line) > max {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, line[:max])
			line = line[max:]
		}

		if current.Len()+len(line) > max {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		current.WriteString(line)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
