package router

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/frame"
)

// CreateTopic inserts a new topic. Creation is idempotent when an existing
// topic's (strategy, persistent) match the request; otherwise ErrExists.
func (r *Router) CreateTopic(name string, strategy Strategy, persistent bool) error {
	if name == "" || len(name) > 128 {
		return fmt.Errorf("%w: topic name must be 1..128 bytes", ErrInvalidArgument)
	}

	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()

	if existing, ok := r.topics[name]; ok {
		if existing.Strategy == strategy && existing.Persistent == persistent {
			return nil
		}
		return ErrExists
	}
	if len(r.topics) >= maxTopics {
		return ErrCapacityExceeded
	}

	r.topics[name] = &Topic{Name: name, Strategy: strategy, Persistent: persistent}
	return nil
}

// Subscribe adds agentID to topic's subscriber list, in insertion order.
// Duplicate subscriptions short-circuit to a nil error.
func (r *Router) Subscribe(topic string, agentID uint32, agentName string) error {
	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()

	t, ok := r.topics[topic]
	if !ok {
		return ErrNotFound
	}
	for _, s := range t.Subscribers {
		if s.AgentID == agentID {
			return nil
		}
	}
	if len(t.Subscribers) >= maxSubscribersPerTopic {
		return ErrCapacityExceeded
	}

	t.Subscribers = append(t.Subscribers, &Subscriber{
		AgentID:      agentID,
		Name:         agentName,
		SubscribedAt: r.clock.Now(),
		Active:       true,
	})
	return nil
}

// Unsubscribe removes agentID from topic's subscriber list.
func (r *Router) Unsubscribe(topic string, agentID uint32) error {
	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()

	t, ok := r.topics[topic]
	if !ok {
		return ErrNotFound
	}
	for i, s := range t.Subscribers {
		if s.AgentID == agentID {
			t.Subscribers = append(t.Subscribers[:i], t.Subscribers[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Publish delivers payload to every active subscriber of topic, in
// insertion order. Per-subscriber delivery is best-effort: a full inbox
// diverts that one frame to the dead-letter queue with reason
// "subscriber backpressure" rather than failing the whole call.
// delivered_count counts only successful enqueues.
func (r *Router) Publish(topic string, sourceID uint32, payload []byte, priority frame.Priority) (int, error) {
	traceID := uuid.NewString()

	r.topicsMu.RLock()
	t, ok := r.topics[topic]
	var targets []*Subscriber
	if ok {
		targets = append(targets, t.Subscribers...)
	}
	r.topicsMu.RUnlock()

	if !ok {
		return 0, ErrNotFound
	}

	delivered := 0
	for _, s := range targets {
		if !s.Active {
			continue
		}
		hdr := frame.Header{
			MessageID:     nextMessageID.next(),
			TimestampNS:   uint64(r.clock.Now().UnixNano()),
			SourceAgentID: sourceID,
			MsgType:       frame.MsgPublish,
			Priority:      priority,
			Topic:         topic,
		}
		if err := r.deliver(s.AgentID, hdr, payload); err != nil {
			r.addDeadLetter(DeadLetter{
				Header:         hdr,
				Payload:        append([]byte(nil), payload...),
				OriginalTarget: s.AgentID,
				Reason:         "subscriber backpressure",
				LastRetryAt:    r.clock.Now(),
			})
			continue
		}
		s.MessagesReceived++
		delivered++
	}

	r.logger.Debug("published",
		zap.String("trace_id", traceID),
		zap.String("topic", topic),
		zap.Int("subscribers", len(targets)),
		zap.Int("delivered", delivered),
	)
	return delivered, nil
}
