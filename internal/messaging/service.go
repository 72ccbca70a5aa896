package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/GateCoach/internal/models"
)

const (
	// DefaultChannelBufferSize is the capacity of a service's inbound channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for
	// room in the channel before it is dropped.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service is a pluggable chat transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient turns a transport address into the
	// canonical user id used across GateCoach.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends body to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins background processing (event subscription, polling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes Responses.
	Stop() error

	// Responses returns inbound messages in arrival order.
	Responses() <-chan models.InboundMessage
}

// canonicalPhone keeps only the digits of a phone number.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// inbox is the inbound half shared by the transports: a buffered channel
// that stops accepting messages once closed.
type inbox struct {
	name      string
	mu        sync.RWMutex
	stopped   bool
	responses chan models.InboundMessage
}

func (b *inbox) init(name string) {
	b.name = name
	b.responses = make(chan models.InboundMessage, DefaultChannelBufferSize)
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// emit queues msg, dropping it if the service is stopped or the channel
// stays full for DefaultChannelTimeout. The read lock is held while sending
// so close cannot race with it.
func (b *inbox) emit(msg models.InboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+": dropping inbound message, service stopped", "from", msg.From)
		return false
	}
	select {
	case b.responses <- msg:
		slog.Debug(b.name+": inbound message queued", "from", msg.From, "length", len(msg.Body))
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+": responses channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

// close marks the inbox stopped and closes the channel once. It reports
// whether this call did the closing.
func (b *inbox) close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.stopped = true
	close(b.responses)
	return true
}
