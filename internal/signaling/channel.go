package signaling

import (
	"context"
	"errors"

	"github.com/dowhatkennydoes/distancedoc-sub001/internal/domain"
)

var ErrChannelClosed = errors.New("signaling channel closed")

// Handler receives one newly observed record addressed to the subscriber.
// Handlers run on the channel's delivery goroutine and must not block.
type Handler func(Message)

// Unsubscribe stops delivery. Safe to call more than once.
type Unsubscribe func()

// Channel is an at-least-once exchange of signaling records between the two
// participants of a session. Order is preserved within one direction only.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Subscribe(sessionID domain.SessionID, participant domain.ParticipantID, fn Handler) (Unsubscribe, error)
}
