// Package messaging connects chat transports to coaching sessions.
//
// A Service delivers outbound text and surfaces inbound messages and delivery
// receipts on channels. The Responder consumes those channels and runs each
// inbound message as a turn of the sender's session.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Constants for channel-based services.
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest number accepted as a recipient.
	minPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming user messages.
	Responses() <-chan models.Response
}

// canonicalizePhone strips everything but digits from a WhatsApp address
// ("whatsapp:+1 555-123-4567" becomes "15551234567").
func canonicalizePhone(service, recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
