package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pool.max_instances")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	if c.Pool.MaxInstances < 1 {
		errors = append(errors, ValidationError{
			Field:   "pool.max_instances",
			Value:   c.Pool.MaxInstances,
			Message: "must be at least 1",
		})
	}
	if c.Pool.IdleTimeoutMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "pool.idle_timeout_minutes",
			Value:   c.Pool.IdleTimeoutMinutes,
			Message: "must be at least 1",
		})
	}
	if c.Pool.CleanupIntervalMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "pool.cleanup_interval_minutes",
			Value:   c.Pool.CleanupIntervalMinutes,
			Message: "must be at least 1",
		})
	}

	if strings.TrimSpace(c.Agent.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.command",
			Value:   c.Agent.Command,
			Message: "must not be empty",
		})
	}
	if c.Agent.GracePeriodSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "agent.grace_period_seconds",
			Value:   c.Agent.GracePeriodSeconds,
			Message: "must be at least 1",
		})
	}
	if c.Agent.MaxBufferEntries < 1 {
		errors = append(errors, ValidationError{
			Field:   "agent.max_buffer_entries",
			Value:   c.Agent.MaxBufferEntries,
			Message: "must be at least 1",
		})
	}

	if c.Chat.BufferSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "chat.buffer_size",
			Value:   c.Chat.BufferSize,
			Message: "must be at least 1",
		})
	}
	if c.Chat.FlushIntervalMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "chat.flush_interval_ms",
			Value:   c.Chat.FlushIntervalMs,
			Message: "must be at least 1",
		})
	}
	if c.Chat.ChunkDelayMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "chat.chunk_delay_ms",
			Value:   c.Chat.ChunkDelayMs,
			Message: "must not be negative",
		})
	}

	if c.Webhook.URL != "" {
		if u, err := url.Parse(c.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errors = append(errors, ValidationError{
				Field:   "webhook.url",
				Value:   c.Webhook.URL,
				Message: "must be an http or https URL",
			})
		}
	}
	if c.Webhook.RetryCount < 1 {
		errors = append(errors, ValidationError{
			Field:   "webhook.retry_count",
			Value:   c.Webhook.RetryCount,
			Message: "must be at least 1",
		})
	}
	if c.Webhook.TimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "webhook.timeout_seconds",
			Value:   c.Webhook.TimeoutSeconds,
			Message: "must be at least 1",
		})
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must not be empty",
		})
	}
	if c.Server.ShutdownTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "server.shutdown_timeout_seconds",
			Value:   c.Server.ShutdownTimeoutSeconds,
			Message: "must be at least 1",
		})
	}

	if !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
