package delivery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/agentpool/agentpool/internal/errors"
	"github.com/agentpool/agentpool/internal/hook"
	"github.com/agentpool/agentpool/internal/logging"
)

// WebhookConfig holds the endpoint and retry settings for webhook delivery.
type WebhookConfig struct {
	// URL is the endpoint every event is POSTed to.
	URL string

	// RetryCount is the maximum number of delivery attempts (default 3).
	RetryCount int

	// Timeout bounds each individual HTTP attempt (default 10s).
	Timeout time.Duration
}

// DefaultWebhookConfig returns the default webhook settings for the given
// endpoint.
func DefaultWebhookConfig(url string) WebhookConfig {
	return WebhookConfig{
		URL:        url,
		RetryCount: 3,
		Timeout:    10 * time.Second,
	}
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	def := DefaultWebhookConfig(c.URL)
	if c.RetryCount <= 0 {
		c.RetryCount = def.RetryCount
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// webhookPayload is the JSON body POSTed per event. Optional context fields
// are omitted when empty.
type webhookPayload struct {
	Event      string         `json:"event"`
	InstanceID string         `json:"instance_id"`
	SessionID  string         `json:"session_id"`
	ClientType string         `json:"client_type"`
	ClientID   string         `json:"client_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Message    string         `json:"message,omitempty"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// WebhookHandler POSTs every lifecycle event to a configured endpoint with
// exponential-backoff retries. Delivery failure never escapes Handle; an
// exhausted retry loop is logged and swallowed so the event producer and the
// other handlers are unaffected.
type WebhookHandler struct {
	cfg    WebhookConfig
	client *http.Client
	logger *logging.Logger

	// sleep is the inter-attempt backoff wait, replaceable in tests.
	sleep func(time.Duration)
}

// NewWebhookHandler creates a webhook delivery handler for the configured
// endpoint.
func NewWebhookHandler(cfg WebhookConfig, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	cfg = cfg.withDefaults()
	return &WebhookHandler{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.WithComponent("webhook"),
		sleep:  time.Sleep,
	}
}

// Name identifies the handler in logs.
func (h *WebhookHandler) Name() string { return "webhook" }

// Handle delivers one event, retrying on failure. It always returns nil:
// the retry loop's final failure is logged here, not propagated.
func (h *WebhookHandler) Handle(hc *hook.Context) error {
	if err := h.deliver(hc); err != nil {
		h.logger.Error("webhook delivery exhausted",
			"event", string(hc.Event),
			"session_id", hc.SessionID,
			"error", err.Error())
	}
	return nil
}

// deliver POSTs the event payload with up to RetryCount attempts, waiting
// 2^attempt seconds between attempts.
func (h *WebhookHandler) deliver(hc *hook.Context) error {
	payload := webhookPayload{
		Event:      string(hc.Event),
		InstanceID: hc.InstanceID,
		SessionID:  hc.SessionID,
		ClientType: hc.ClientType,
		ClientID:   hc.ClientID,
		Timestamp:  hc.Timestamp,
		Message:    hc.Message,
		Output:     hc.Output,
		Error:      hc.Error,
	}
	if len(hc.Metadata) > 0 {
		payload.Metadata = hc.Metadata
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(err, "failed to encode webhook payload")
	}

	var lastErr error
	for attempt := 0; attempt < h.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			h.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}

		lastErr = h.post(body)
		if lastErr == nil {
			return nil
		}

		h.logger.Warn("webhook attempt failed",
			"attempt", attempt+1,
			"attempts", h.cfg.RetryCount,
			"error", lastErr.Error())
	}

	return apperrors.NewDeliveryError(h.cfg.URL, h.cfg.RetryCount, lastErr)
}

// post performs one HTTP attempt. Non-2xx responses count as failures.
func (h *WebhookHandler) post(body []byte) error {
	resp, err := h.client.Post(h.cfg.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
