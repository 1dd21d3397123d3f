// Package messagebus is the conductor's MessageBus: topic pub/sub with
// real-time fan-out to online listeners and persistent queuing for
// offline recipients.
package messagebus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/logx"
	"conductor/pkg/store"
)

// BusMessage is a transient message flowing through the bus.
type BusMessage struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Sender    string          `json:"sender"`
	Recipient *string         `json:"recipient,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// NewMessage constructs a BusMessage with a fresh id and UTC timestamp.
func NewMessage(topic, sender string, recipient *string, payload json.RawMessage) BusMessage {
	return BusMessage{
		ID:        uuid.NewString(),
		Topic:     topic,
		Sender:    sender,
		Recipient: recipient,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// MessageBus owns the in-memory subscription table, online set, and
// real-time fan-out; it delegates offline queuing to the StateStore.
type MessageBus struct {
	store  *store.Store
	logger *logx.Logger

	mu        sync.RWMutex
	subs      map[string]map[string]struct{} // topic -> subscriber IDs
	online    map[string]struct{}
	listeners map[string][]chan BusMessage // subscriber ID -> fan-out channels
}

// New constructs an empty MessageBus backed by st.
func New(st *store.Store, logger *logx.Logger) *MessageBus {
	return &MessageBus{
		store:     st,
		logger:    logger,
		subs:      make(map[string]map[string]struct{}),
		online:    make(map[string]struct{}),
		listeners: make(map[string][]chan BusMessage),
	}
}

// Subscribe registers agentID as a subscriber of topic.
func (b *MessageBus) Subscribe(agentID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]struct{})
	}
	b.subs[topic][agentID] = struct{}{}
}

// Unsubscribe removes agentID from topic's subscriber set, removing the
// topic key entirely once its set becomes empty.
func (b *MessageBus) Unsubscribe(agentID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[topic]
	if !ok {
		return
	}
	delete(set, agentID)
	if len(set) == 0 {
		delete(b.subs, topic)
	}
}

// MarkOnline marks agentID as reachable.
func (b *MessageBus) MarkOnline(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online[agentID] = struct{}{}
}

// MarkOffline marks agentID as unreachable.
func (b *MessageBus) MarkOffline(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.online, agentID)
}

// Listen returns a channel that receives future messages addressed
// (directly or via topic) to agentID while the channel is open. The
// channel buffers 32 messages; while it is full, further messages are
// dropped from the real-time fan-out (offline queuing is unaffected).
// Callers must call the returned cancel function to stop listening.
func (b *MessageBus) Listen(agentID string) (ch <-chan BusMessage, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make(chan BusMessage, 32)
	b.listeners[agentID] = append(b.listeners[agentID], c)

	cancelFn := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.listeners[agentID]
		for i, existing := range chans {
			if existing == c {
				b.listeners[agentID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(b.listeners[agentID]) == 0 {
			delete(b.listeners, agentID)
		}
		close(c)
	}
	return c, cancelFn
}

// Publish resolves recipients for msg, fans it out in real time to any
// online listeners, and queues a PendingMessage in the StateStore for
// every resolved recipient that is not currently online.
func (b *MessageBus) Publish(ctx context.Context, msg BusMessage) error {
	b.mu.RLock()
	var recipients []string
	if msg.Recipient != nil {
		recipients = []string{*msg.Recipient}
	} else if set, ok := b.subs[msg.Topic]; ok {
		recipients = make([]string, 0, len(set))
		for id := range set {
			recipients = append(recipients, id)
		}
	}

	// Fan out to any real-time listeners of resolved recipients. A
	// broadcast with no listeners is not an error.
	for _, r := range recipients {
		for _, c := range b.listeners[r] {
			select {
			case c <- msg:
			default:
				b.logger.Warn("messagebus: listener channel full for %s, dropping real-time fan-out", r)
			}
		}
	}
	b.mu.RUnlock()

	for _, r := range recipients {
		b.mu.RLock()
		_, isOnline := b.online[r]
		b.mu.RUnlock()
		if isOnline {
			continue
		}
		if _, err := b.store.QueueMessage(ctx, msg.Topic, msg.Sender, r, msg.Payload); err != nil {
			b.logger.Error("messagebus: failed to queue message for %s: %v", r, err)
			return err
		}
	}
	return nil
}

// DeliverPending atomically drains and returns every message pending for
// agentID.
func (b *MessageBus) DeliverPending(ctx context.Context, agentID string) ([]store.PendingMessage, error) {
	msgs, err := b.store.DrainMessages(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		b.logger.Info("delivered %d pending messages to %s", len(msgs), agentID)
	}
	return msgs, nil
}

// Subscriptions returns a snapshot of the subscription table, for
// debugging/status use.
func (b *MessageBus) Subscriptions() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]string, len(b.subs))
	for topic, set := range b.subs {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[topic] = ids
	}
	return out
}
