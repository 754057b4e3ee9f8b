package payroll

/*
The message subsystem is the Message Relay's backbone: payout lifecycle
notifications, wallet provider events and desktop notices are all sent
through a single bus owned by the daemon.

Outbound destinations are created in config (log files, HTTP callbacks,
ZMQ, Kafka) or attached at runtime by UI views over the websocket relay.
Each destination is a Subscription with its own channel and a list of
EventTypes it wants.

Subscriptions are handles: whoever subscribes must Close() the handle when
the consumer goes away, so listeners never accumulate.
*/

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/payrollrelay/payroll/pkg/metrics"
	"go.uber.org/zap"
)

const inboundBuffer = 1000

// MessageSubscribers are things that subscribe to the bus and handle
// messages, ie: log files, http callbacks, websocket views.
type MessageSubscriber interface {
	GetChan() chan Message
}

// Created by the bus, wraps message sent with Send
type Message struct {
	EventType EventType       `json:"-"`
	Event     string          `json:"event"`
	Category  string          `json:"category"`
	Message   json.RawMessage `json:"payload"`
	ID        string          `json:"id"`
}

type Subscription struct {
	bus    *MessageBus
	dest   MessageSubscriber
	types  []EventType
	filter func(Message) bool
	once   sync.Once
}

// C returns the channel messages for this subscription arrive on.
func (s *Subscription) C() <-chan Message {
	return s.dest.GetChan()
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.Unregister(s)
}

func (s *Subscription) wants(m Message) bool {
	match := false
	for _, t := range s.types {
		if t.Type() == "ALL" || t.Type() == m.EventType.Type() {
			match = true
			break
		}
	}
	if !match {
		return false
	}
	return s.filter == nil || s.filter(m)
}

type chanSubscriber chan Message

func (c chanSubscriber) GetChan() chan Message {
	return c
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		receivers: make(map[*Subscription]bool),
		inbound:   make(chan Message, inboundBuffer),
		log:       zap.L().Named("bus"),
	}
}

type MessageBus struct {
	mu sync.RWMutex
	// Registered MessageSubscribers.
	receivers map[*Subscription]bool

	// Messages from Send(), destined for MessageSubscribers
	inbound chan Message
	log     *zap.Logger
}

// Send a message to the bus with a specific EventType
// msg can be anything JSON serialisable, this will be
// turned into a Message and delivered to any interested MessageSubscribers.
// Send never blocks: when the bus is saturated the message is dropped.
func (b *MessageBus) Send(t EventType, msg any, msgID ...string) error {
	j, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	if len(msgID) > 0 {
		id = msgID[0]
	}
	m := Message{EventType: t, Event: EventName(t), Category: t.Type(), Message: j, ID: id}
	select {
	case b.inbound <- m:
		return nil
	default:
		metrics.BusDropped.WithLabelValues("inbound").Inc()
		return NewErr(NotAvailable, "message bus is full, dropped %s", m.Event)
	}
}

// Register attaches an external subscriber, ie: a configured receiver.
func (b *MessageBus) Register(m MessageSubscriber, types ...EventType) *Subscription {
	return b.add(&Subscription{bus: b, dest: m, types: types})
}

func (b *MessageBus) add(sub *Subscription) *Subscription {
	b.mu.Lock()
	b.receivers[sub] = true
	b.mu.Unlock()
	return sub
}

// Subscribe creates a buffered subscription owned by the caller, with an
// optional filter applied before delivery.
func (b *MessageBus) Subscribe(filter func(Message) bool, types ...EventType) *Subscription {
	return b.add(&Subscription{bus: b, dest: make(chanSubscriber, 64), types: types, filter: filter})
}

func (b *MessageBus) Unregister(sub *Subscription) {
	sub.once.Do(func() {
		b.mu.Lock()
		delete(b.receivers, sub)
		b.mu.Unlock()
		close(sub.dest.GetChan())
	})
}

func (b *MessageBus) dispatch(message Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.receivers {
		if !sub.wants(message) {
			continue
		}
		select {
		case sub.dest.GetChan() <- message:
		default:
			metrics.BusDropped.WithLabelValues("subscriber").Inc()
			b.log.Warn("subscriber is not keeping up, message dropped",
				zap.String("event", message.Event), zap.String("id", message.ID))
		}
	}
}

// Implements conductor Service
func (b *MessageBus) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		started <- true
		for {
			select {
			case <-stop:
				stopped <- true
				return
			case message := <-b.inbound:
				b.dispatch(message)
			}
		}
	}()
	return nil
}
