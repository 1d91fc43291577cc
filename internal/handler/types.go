package handler

import (
	"strings"

	apperrors "github.com/agentpool/agentpool/internal/errors"
	"github.com/agentpool/agentpool/internal/instance"
)

// Client types accepted on a message request. An empty client type defaults
// to api; anything else is rejected.
const (
	ClientAPI     = "api"
	ClientChat    = "chat"
	ClientWeb     = "web"
	ClientWebhook = "webhook"
)

var validClientTypes = map[string]bool{
	ClientAPI:     true,
	ClientChat:    true,
	ClientWeb:     true,
	ClientWebhook: true,
}

// MessageRequest is one inbound agent turn from an external client.
type MessageRequest struct {
	Message          string         `json:"message"`
	SessionID        string         `json:"session_id"`
	ClientType       string         `json:"client_type"`
	ClientID         string         `json:"client_id"`
	WorkingDirectory string         `json:"working_directory,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Validate normalizes and checks the request in place: fields are trimmed,
// an empty client type defaults to api. Message, session ID, and client ID
// must all be non-empty after trimming.
func (r *MessageRequest) Validate() error {
	r.Message = strings.TrimSpace(r.Message)
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.ClientType = strings.TrimSpace(r.ClientType)
	r.ClientID = strings.TrimSpace(r.ClientID)

	if r.Message == "" {
		return apperrors.NewValidationError("message cannot be empty").WithField("message")
	}
	if r.SessionID == "" {
		return apperrors.NewValidationError("session_id cannot be empty").WithField("session_id")
	}
	if r.ClientID == "" {
		return apperrors.NewValidationError("client_id cannot be empty").WithField("client_id")
	}
	if r.ClientType == "" {
		r.ClientType = ClientAPI
	}
	if !validClientTypes[r.ClientType] {
		return apperrors.NewValidationError("unknown client_type: " + r.ClientType).WithField("client_type")
	}
	return nil
}

// MessageResponse is the normalized outcome of one agent turn. Every failure
// path produces a failed response; the handler never raises.
type MessageResponse struct {
	InstanceID string          `json:"instance_id,omitempty"`
	SessionID  string          `json:"session_id"`
	Status     instance.Status `json:"status"`
	Message    string          `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}
