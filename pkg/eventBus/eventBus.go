// Package eventBus provides a simple publish-subscribe mechanism for internal
// events, decoupling the wallet provider, queue drainer and evolution tracker
// from each other.
package eventBus

import (
	"github.com/evolvechain/settler/pkg/eventBus/eventBusTypes"
	"go.uber.org/zap"
)

// EventBus distributes events to registered consumers. Publishing is
// non-blocking: a consumer with a full or nil channel misses the event.
type EventBus struct {
	consumers *eventBusTypes.ConsumerList
	logger    *zap.Logger
}

func NewEventBus(l *zap.Logger) *EventBus {
	return &EventBus{
		consumers: eventBusTypes.NewConsumerList(),
		logger:    l,
	}
}

// Subscribe registers a consumer to receive published events.
func (eb *EventBus) Subscribe(consumer *eventBusTypes.Consumer) {
	eb.consumers.Add(consumer)
}

// Unsubscribe removes a consumer from the event bus.
func (eb *EventBus) Unsubscribe(consumer *eventBusTypes.Consumer) {
	eb.consumers.Remove(consumer)
	eb.logger.Sugar().Debugw("Unsubscribed consumer", zap.String("consumerId", string(consumer.Id)))
}

// Publish sends an event to all subscribed consumers without blocking.
func (eb *EventBus) Publish(event *eventBusTypes.Event) {
	eb.logger.Sugar().Debugw("Publishing event", zap.String("eventName", event.Name.String()))
	for _, consumer := range eb.consumers.GetAll() {
		if consumer.Channel == nil {
			eb.logger.Sugar().Debugw("Consumer channel is nil", zap.String("consumerId", string(consumer.Id)))
			continue
		}
		select {
		case consumer.Channel <- event:
		default:
			eb.logger.Sugar().Debugw("No receiver available, or channel is full",
				zap.String("consumerId", string(consumer.Id)),
				zap.String("eventName", event.Name.String()),
			)
		}
	}
}
