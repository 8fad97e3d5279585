// Package bus fans replay notifications out to observers: the websocket hub,
// the result persister and console output.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// Topic classifies bus messages.
type Topic string

const (
	TopicState  Topic = "state"
	TopicNode   Topic = "node"
	TopicRun    Topic = "run"
	TopicPrompt Topic = "prompt"
)

// ErrShutdown is returned by Post once the bus is shut down.
var ErrShutdown = errors.New("bus: shut down")

// Message is the envelope for data transmitted over the bus.
type Message struct {
	ID        string
	Timestamp time.Time
	Topic     Topic
	Payload   any
}

// Bus is a topic based pub/sub with acknowledged delivery.
type Bus struct {
	logger *zap.Logger

	subscribers map[Topic][]chan Message
	mu          sync.RWMutex
	bufferSize  int

	// processingWg counts delivered messages not yet acknowledged.
	processingWg sync.WaitGroup
	// activePostsWg counts Post calls still distributing.
	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex

	dropMu  sync.Mutex
	dropped int
}

// New initializes a Bus whose subscriber channels hold bufferSize messages.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:       logger.Named("bus"),
		subscribers:  make(map[Topic][]chan Message),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

func (b *Bus) begin() error {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	if b.isShutdown {
		return ErrShutdown
	}
	b.activePostsWg.Add(1)
	return nil
}

func (b *Bus) envelope(topic Topic, payload any) (Message, []chan Message) {
	msg := Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
	}
	b.mu.RLock()
	subs := make([]chan Message, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.RUnlock()
	return msg, subs
}

// Post delivers a message to every subscriber of topic, blocking while a
// subscriber's buffer is full.
func (b *Bus) Post(ctx context.Context, topic Topic, payload any) error {
	if err := b.begin(); err != nil {
		return err
	}
	defer b.activePostsWg.Done()

	msg, subs := b.envelope(topic, payload)
	for _, ch := range subs {
		b.processingWg.Add(1)
		select {
		case ch <- msg:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		case <-b.shutdownChan:
			b.processingWg.Done()
			return ErrShutdown
		}
	}
	return nil
}

// TryPost delivers without blocking. Subscribers whose buffer is full miss
// the message. It reports whether every subscriber received it.
func (b *Bus) TryPost(topic Topic, payload any) bool {
	if b.begin() != nil {
		return false
	}
	defer b.activePostsWg.Done()

	msg, subs := b.envelope(topic, payload)
	all := true
	for _, ch := range subs {
		b.processingWg.Add(1)
		select {
		case ch <- msg:
		default:
			b.processingWg.Done()
			all = false
		}
	}
	if !all {
		b.dropMu.Lock()
		b.dropped++
		n := b.dropped
		b.dropMu.Unlock()
		b.logger.Debug("Dropped message for a slow subscriber.", zap.String("topic", string(topic)), zap.Int("total_dropped", n))
	}
	return all
}

// Dropped is the number of TryPost calls that missed at least one subscriber.
func (b *Bus) Dropped() int {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped
}

// Subscribe returns a channel receiving the given topics and a function that
// removes the subscription. Every received message must be acknowledged.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Message, func()) {
	if len(topics) == 0 {
		panic("bus: must subscribe to at least one topic")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.shutdownMu.Lock()
	shut := b.isShutdown
	b.shutdownMu.Unlock()
	if shut {
		closed := make(chan Message)
		close(closed)
		return closed, func() {}
	}

	ch := make(chan Message, b.bufferSize)
	subscribed := append([]Topic(nil), topics...)
	for _, t := range subscribed {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range subscribed {
			subs := b.subscribers[t]
			for i, c := range subs {
				if c == ch {
					copy(subs[i:], subs[i+1:])
					b.subscribers[t] = subs[:len(subs)-1]
					if len(b.subscribers[t]) == 0 {
						delete(b.subscribers, t)
					}
					break
				}
			}
		}
		// Buffered messages will never be acknowledged by the subscriber.
		for {
			select {
			case <-ch:
				b.processingWg.Done()
			default:
				return
			}
		}
	}
	return ch, unsubscribe
}

// Acknowledge signals that a message has been processed.
func (b *Bus) Acknowledge(Message) {
	b.processingWg.Done()
}

// Shutdown stops accepting posts, closes every subscriber channel and waits
// for in-flight messages to be acknowledged.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePostsWg.Wait()

		b.mu.Lock()
		unique := make(map[chan Message]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		// Buffered messages were counted as delivered.
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[Topic][]chan Message)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained buffered messages during shutdown.", zap.Int("count", drained))
		}
		b.processingWg.Wait()
		b.logger.Info("Bus shut down.")
	})
}

// PublishState implements runstate.Publisher.
func (b *Bus) PublishState(n schemas.StateNotification) { b.TryPost(TopicState, n) }

// PublishNode implements results.NodePublisher.
func (b *Bus) PublishNode(n schemas.NodeNotification) { b.TryPost(TopicNode, n) }
