package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/GateCoach/internal/models"
	"github.com/BTreeMap/GateCoach/internal/whatsapp"
)

// textSource is implemented by clients that can deliver inbound messages.
type textSource interface {
	OnText(fn func(models.InboundMessage))
}

type disconnecter interface {
	Disconnect()
}

// WhatsAppService implements Service on top of the whatsmeow client.
type WhatsAppService struct {
	inbox
	client whatsapp.Sender
}

// NewWhatsAppService wraps client. Inbound messages are only delivered when
// client is a full *whatsapp.Client (or anything else with OnText).
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{client: client}
	s.init("WhatsAppService")
	return s
}

// ValidateAndCanonicalizeRecipient strips everything but digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start subscribes to inbound text messages.
func (s *WhatsAppService) Start(ctx context.Context) error {
	src, ok := s.client.(textSource)
	if !ok {
		slog.Debug("WhatsAppService.Start: client cannot receive, skipping event subscription")
		return nil
	}
	src.OnText(func(msg models.InboundMessage) {
		s.emit(msg)
	})
	slog.Info("WhatsAppService.Start: listening for inbound messages")
	return nil
}

// Stop closes Responses and disconnects the client.
func (s *WhatsAppService) Stop() error {
	if !s.close() {
		return nil
	}
	if d, ok := s.client.(disconnecter); ok {
		d.Disconnect()
	}
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// SendMessage sends body to a phone number.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonical)
		return err
	}
	return nil
}

// Responses returns the inbound message channel.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.responses
}
