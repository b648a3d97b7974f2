// Package comms provides the in-process event bus that carries task, agent,
// tool and webhook lifecycle events between conductor components.
package comms

import (
	"context"
	"errors"
	"time"
)

// Topics published by conductor components.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskQueued    = "task.queued"
	TopicTaskWaiting   = "task.waiting"
	TopicTaskAssigned  = "task.assigned"
	TopicTaskRunning   = "task.running"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskCancelled = "task.cancelled"

	TopicAgentSpawned       = "agent.spawned"
	TopicAgentStatusChanged = "agent.status_changed"
	TopicAgentRemoved       = "agent.removed"

	TopicToolInvoked   = "tool.invoked"
	TopicToolCompleted = "tool.completed"

	TopicWebhookRegistered     = "webhook.registered"
	TopicWebhookDeregistered   = "webhook.deregistered"
	TopicWebhookDeliveryFailed = "webhook.delivery_failed"
)

// ErrClosed is returned by Subscription.Next once the subscription is closed
// and its queue drained.
var ErrClosed = errors.New("subscription closed")

// Event is a single lifecycle notification. The JSON shape is the wire frame
// used by the live channel and by webhook bodies.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	Topic     string    `json:"event"`
	Payload   any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Delivery is an event as seen by one subscriber. Gap is set on the first
// event read after the subscriber's queue overflowed and dropped events.
type Delivery struct {
	Event
	Gap bool `json:"gap,omitempty"`
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(topic string, payload any) Event
}

// Source is the consumer side of the bus.
type Source interface {
	Subscribe(opts SubscribeOptions, patterns ...string) (*Subscription, error)
	Since(after uint64, patterns ...string) ([]Event, bool)
	LastSequence() uint64
}

// SubscribeOptions tunes a single subscription.
type SubscribeOptions struct {
	// QueueSize bounds the subscriber queue. Zero uses the bus default.
	QueueSize int
}

// Drain reads deliveries from sub and calls fn for each until ctx ends or
// the subscription closes.
func Drain(ctx context.Context, sub *Subscription, fn func(Delivery)) error {
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		fn(d)
	}
}
