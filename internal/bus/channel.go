// Package bus carries the pipeline's job, report and feed-request
// events. The channel bus serves the Community tier in-process; NATS
// serves the Pro tier across processes. Both isolate tenants: a
// subscriber only ever sees messages published under its own tenant.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ChannelBus fans messages out over buffered Go channels. Delivery is
// best effort: a subscriber whose inbox fills up loses messages
// rather than stalling the scoring pipeline.
type ChannelBus struct {
	mu     sync.RWMutex
	buffer int
	subs   map[string][]*chanSub
	closed bool
}

type chanSub struct {
	topic  string
	inbox  chan *domain.Message
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChannelBus creates an in-process bus. bufferSize is the per-
// subscriber inbox depth; it needs to absorb a full feed burst, so
// small values are bumped to 1000.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		buffer: bufferSize,
		subs:   make(map[string][]*chanSub),
	}
}

// subKey scopes a topic to one tenant. Publishing and subscribing
// under different tenants never meet, which is the whole isolation
// story for the in-process bus.
func subKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

// Publish sends a message to every subscriber of the tenant's topic.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	msg := newEnvelope(tenantID, topic, payload)
	subs := b.subs[subKey(tenantID, topic)]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.inbox <- msg:
		default:
			// Inbox full; drop for this subscriber.
		}
	}

	return nil
}

// Subscribe registers a handler for the tenant's topic. Each
// subscriber gets its own inbox and pump goroutine, so a slow handler
// only backs up its own deliveries.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &chanSub{
		topic:  topic,
		inbox:  make(chan *domain.Message, b.buffer),
		ctx:    subCtx,
		cancel: cancel,
	}

	go sub.pump(handler)

	key := subKey(tenantID, topic)
	b.subs[key] = append(b.subs[key], sub)

	return sub, nil
}

func (s *chanSub) pump(handler domain.MessageHandler) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			if msg == nil {
				// Inbox closed by Close.
				return
			}
			_ = handler(s.ctx, msg)
		}
	}
}

// Request publishes and waits for a single reply on a private reply
// topic. The deadline comes from ctx when set, 30s otherwise.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	replyCh := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.New().String()

	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replyCh <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, tenantID, topic, payload); err != nil {
		return nil, err
	}

	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout")
	}
}

// Ping reports whether the bus still accepts messages.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close stops every subscription and rejects further publishes.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.cancel()
			close(sub.inbox)
		}
	}
	b.subs = make(map[string][]*chanSub)

	return nil
}

// Unsubscribe stops the subscriber's pump; already-queued messages
// are discarded.
func (s *chanSub) Unsubscribe() error {
	s.cancel()
	return nil
}

// Topic returns the subscribed topic.
func (s *chanSub) Topic() string {
	return s.topic
}
