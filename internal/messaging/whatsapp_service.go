package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client // set when client is a live connection
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
	handlerID uint32
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}

	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("WhatsAppService", recipient)
}

// Start registers the whatsmeow event handler when a live client is present.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop removes the event handler, disconnects and closes the channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
		s.waClient.Disconnect()
	}
	close(s.receipts)
	close(s.responses)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	slog.Debug("WhatsAppService message sent", "to", canonicalTo, "body_length", len(body))
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of incoming messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// handleIncomingMessage forwards text messages from other users.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var messageText string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
	} else {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	s.emitResponse(models.Response{
		From: evt.Info.Sender.User,
		Body: messageText,
		Time: evt.Info.Timestamp.Unix(),
	})
}

// handleMessageReceipt processes delivery and read receipts
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.emitReceipt(models.Receipt{
		To:     evt.MessageSource.Sender.User,
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) emitResponse(response models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.responses <- response:
		slog.Debug("WhatsAppService incoming message forwarded", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", response.From, "timeout", DefaultChannelTimeout)
	}
}

func (s *WhatsAppService) emitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService receipts channel blocked, dropping receipt", "to", receipt.To, "timeout", DefaultChannelTimeout)
	}
}
