package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type subscriber chan *Message

// LocalBus is the in-process bus. Messages for an agent with no subscriber
// wait in a bounded backlog that the next subscriber drains.
type LocalBus struct {
	mu      sync.Mutex
	dir     Directory
	size    int
	subs    map[string]map[subscriber]struct{}
	backlog map[string][]*Message
	closed  bool
	done    chan struct{}
	watch   sync.WaitGroup
	logger  *zap.Logger
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(dir Directory, mailboxSize int, logger *zap.Logger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &LocalBus{
		dir:     dir,
		size:    mailboxSize,
		subs:    make(map[string]map[subscriber]struct{}),
		backlog: make(map[string][]*Message),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "bus")),
	}
}

func (b *LocalBus) Send(ctx context.Context, from, to, kind, body string) {
	msg := NewMessage(from, to, kind, body)
	if err := b.Deliver(ctx, msg); err != nil {
		b.logger.Warn("dropped message",
			zap.String("from", from), zap.String("to", to), zap.String("kind", kind), zap.Error(err))
	}
}

func (b *LocalBus) Deliver(_ context.Context, msg *Message) error {
	if err := reachable(b.dir, msg.To); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: bus closed", ErrDropped)
	}

	set := b.subs[msg.To]
	if len(set) == 0 {
		if len(b.backlog[msg.To]) >= b.size {
			return fmt.Errorf("%w: mailbox of %s is full", ErrDropped, msg.To)
		}
		b.backlog[msg.To] = append(b.backlog[msg.To], msg)
		return nil
	}
	delivered := false
	for ch := range set {
		select {
		case ch <- msg:
			delivered = true
		default:
		}
	}
	if !delivered {
		return fmt.Errorf("%w: mailbox of %s is full", ErrDropped, msg.To)
	}
	b.logger.Debug("delivered message", zap.String("from", msg.From), zap.String("to", msg.To))
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, agentID string) <-chan *Message {
	ch := make(subscriber, b.size)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	for _, m := range b.backlog[agentID] {
		ch <- m
	}
	delete(b.backlog, agentID)
	set := b.subs[agentID]
	if set == nil {
		set = make(map[subscriber]struct{})
		b.subs[agentID] = set
	}
	set[ch] = struct{}{}
	b.watch.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.watch.Done()
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[agentID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, agentID)
			}
		}
	}()
	return ch
}

// Pending returns how many messages wait for agentID to subscribe.
func (b *LocalBus) Pending(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backlog[agentID])
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for id, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, id)
	}
	b.backlog = make(map[string][]*Message)
	return nil
}
