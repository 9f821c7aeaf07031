// Package bus carries best-effort point-to-point hints between agents.
// Sends never fail the caller: undeliverable messages are dropped and logged.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-conductor/internal/models"
)

// DefaultMailboxSize bounds per-agent buffering.
const DefaultMailboxSize = 64

// ErrDropped is returned by Deliver when a message could not be queued.
var ErrDropped = errors.New("message dropped")

// Message is a hint passed between agents.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps a message with an ID and the current time.
func NewMessage(from, to, kind, body string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Kind:      kind,
		Body:      body,
		Timestamp: time.Now(),
	}
}

// Directory answers whether an agent exists and what state it is in.
type Directory interface {
	Status(id string) (models.AgentStatus, bool)
}

// Bus is implemented by LocalBus and RedisBus.
type Bus interface {
	// Send queues a hint and never fails; drops are logged.
	Send(ctx context.Context, from, to, kind, body string)
	// Deliver queues msg and reports why it was dropped, if it was.
	Deliver(ctx context.Context, msg *Message) error
	// Subscribe streams messages addressed to agentID until ctx is done.
	Subscribe(ctx context.Context, agentID string) <-chan *Message
	Close() error
}

// reachable checks the directory before a message is queued.
func reachable(dir Directory, to string) error {
	if dir == nil {
		return nil
	}
	status, ok := dir.Status(to)
	if !ok {
		return fmt.Errorf("%w: unknown agent %s", ErrDropped, to)
	}
	if status == models.AgentOffline {
		return fmt.Errorf("%w: agent %s is offline", ErrDropped, to)
	}
	return nil
}
