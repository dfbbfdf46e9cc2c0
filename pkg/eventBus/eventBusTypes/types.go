// Package eventBusTypes defines the types used by the eventBus package.
package eventBusTypes

import (
	"context"
	"sync"
	"time"
)

// EventName identifies a type of event.
type EventName string

func (en *EventName) String() string {
	return string(*en)
}

var (
	// Event_WalletConnected is emitted when the wallet provider reports a
	// transition to connected. The queue drainer subscribes to it.
	Event_WalletConnected EventName = "wallet_connected"
	// Event_WalletDisconnected is emitted when the wallet provider reports a
	// transition to disconnected.
	Event_WalletDisconnected EventName = "wallet_disconnected"
	// Event_EvolutionProgress is emitted by the stage tracker on every stage
	// or progress change of an evolution task.
	Event_EvolutionProgress EventName = "evolution_progress"
	// Event_RewardSettled is emitted when a reward reaches a terminal state.
	Event_RewardSettled EventName = "reward_settled"
)

// Event is a message published to the event bus.
type Event struct {
	Name EventName
	Data any
}

// WalletConnectionData is the payload for wallet connection events.
type WalletConnectionData struct {
	Address string
	ChainId uint64
}

// EvolutionProgressData is the payload for evolution progress events.
type EvolutionProgressData struct {
	BlockId  string
	Stage    string
	Progress int
	Message  string
	// EstimatedRemaining is zero when no estimate is available.
	EstimatedRemaining time.Duration
}

// RewardSettledData is the payload for reward settlement events.
type RewardSettledData struct {
	SourceId       string
	RewardType     string
	Recipient      string
	Status         string
	SettlementHash string
}

// ConsumerId uniquely identifies an event consumer.
type ConsumerId string

// Consumer is a subscriber to the event bus.
type Consumer struct {
	Id      ConsumerId
	Context context.Context
	Channel chan *Event
}

// ConsumerList is a thread-safe collection of consumers.
type ConsumerList struct {
	mu        sync.Mutex
	consumers []*Consumer
}

func NewConsumerList() *ConsumerList {
	return &ConsumerList{
		consumers: make([]*Consumer, 0),
	}
}

func (cl *ConsumerList) Add(consumer *Consumer) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.consumers = append(cl.consumers, consumer)
}

func (cl *ConsumerList) Remove(consumer *Consumer) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for i, c := range cl.consumers {
		if c.Id == consumer.Id {
			cl.consumers = append(cl.consumers[:i], cl.consumers[i+1:]...)
			break
		}
	}
}

func (cl *ConsumerList) GetAll() []*Consumer {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.consumers
}

// IEventBus is the interface components depend on for pub/sub.
type IEventBus interface {
	Subscribe(consumer *Consumer)
	Unsubscribe(consumer *Consumer)
	Publish(event *Event)
}
