package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a webhook without an inline reply; replies are
// sent through the REST API once the turn completes.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioService implements Service on the Twilio WhatsApp API. Inbound
// messages arrive through TwilioWebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// NewTwilioService creates a TwilioService sending through client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits and
// requires at least six of them.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("TwilioService", recipient)
}

// Start is a no-op; Twilio pushes inbound messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		s.safeEmitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
		return err
	}

	s.safeEmitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for inbound webhook messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// safeEmitReceipt sends under the read lock so Stop cannot close the
// channel mid-send.
func (s *TwilioService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}

	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them as models.Response into the Responses() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")

	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from, "body_length", len(body))
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Twilio webhook invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}
	slog.Info("Inbound WhatsApp message from Twilio", "from", canonical, "body_length", len(body))

	if !s.safeEmitResponse(models.Response{From: canonical, Body: body, Time: time.Now().Unix()}) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}

// safeEmitResponse pushes an inbound message and reports whether it was queued.
func (s *TwilioService) safeEmitResponse(response models.Response) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound response (service stopped)", "from", response.From)
		return false
	}

	select {
	case s.responses <- response:
		slog.Debug("TwilioService emitted inbound response", "from", response.From)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", response.From)
		return false
	}
}
