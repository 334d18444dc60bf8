// Package models defines the core data structures for CoachPipe.
//
// It includes the coaching session record, inbound/outbound message types for the
// messaging transports, and the JSON envelope shared by the HTTP API.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length of a single user message
	MaxMessageLength = 4096
	// MaxSessionIDLength defines the maximum allowed length for a caller-supplied session ID
	MaxSessionIDLength = 128
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessage     = errors.New("message text is required")
	ErrMessageTooLong   = errors.New("message exceeds maximum length")
	ErrSessionIDTooLong = errors.New("session id exceeds maximum length")
	ErrInvalidSessionID = errors.New("session id contains invalid characters")
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusLimited indicates the daily usage cap blocked the request.
	APIStatusLimited APIStatus = "limit_exceeded"
)

// Receipt is a delivery receipt reported by a messaging transport.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming message from a user on a messaging transport.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// StartSessionRequest is the body of POST /sessions.
type StartSessionRequest struct {
	SessionID string `json:"session_id,omitempty"` // resume this session when set
	Workflow  string `json:"workflow,omitempty"`   // defaults to the value proposition workflow
}

// Validate checks a StartSessionRequest.
func (r *StartSessionRequest) Validate() error {
	if r.SessionID == "" {
		return nil
	}
	return ValidateSessionID(r.SessionID)
}

// MessageRequest is the body of POST /sessions/{id}/messages.
type MessageRequest struct {
	Text string `json:"text"`
}

// Validate checks a MessageRequest. Whitespace-only text is allowed; the
// coach answers it with a clarification.
func (r *MessageRequest) Validate() error {
	if r.Text == "" {
		return ErrEmptyMessage
	}
	if len(r.Text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// ValidateSessionID checks that id is safe to use as a storage key.
func ValidateSessionID(id string) error {
	if len(id) > MaxSessionIDLength {
		return ErrSessionIDTooLong
	}
	if strings.TrimFunc(id, func(r rune) bool {
		return r == '-' || r == '_' || r == '+' || r == '.' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
	}) != "" {
		return ErrInvalidSessionID
	}
	return nil
}

// TurnReply is what a caller gets back from one conversational turn.
type TurnReply struct {
	SessionID        string    `json:"session_id"`
	Reply            string    `json:"reply"`
	Phase            PhaseName `json:"phase"`
	Stage            Stage     `json:"stage"`
	WorkflowComplete bool      `json:"workflow_complete"`
}

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Limited creates a response for a request refused by the daily usage cap.
func Limited(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusLimited), Message: message, Result: result}
}
