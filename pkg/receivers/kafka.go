package receivers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/conductor"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the part of kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer forwards bus messages to a Kafka topic, keyed by message
// ID so retries of one notification land on the same partition.
type KafkaProducer struct {
	Rec    chan payroll.Message
	Writer MessageWriter
	Bus    *payroll.MessageBus

	timeout time.Duration
	log     *zap.Logger
	sub     *payroll.Subscription
}

func NewKafkaProducer(config payroll.KafkaConfig, bus *payroll.MessageBus) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &KafkaProducer{
		Rec:     make(chan payroll.Message, 1000),
		Writer:  writer,
		Bus:     bus,
		timeout: 10 * time.Second,
		log:     zap.L().Named("kafka").With(zap.String("topic", config.Topic)),
	}
}

// Implements payroll.MessageSubscriber
func (k *KafkaProducer) GetChan() chan payroll.Message {
	return k.Rec
}

// Implements conductor.Service
func (k *KafkaProducer) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		rec := k.Rec
		started <- true
		for {
			select {
			case <-stop:
				if k.sub != nil {
					k.sub.Close()
				}
				if err := k.Writer.Close(); err != nil {
					k.log.Warn("close writer", zap.Error(err))
				}
				stopped <- true
				return
			case msg, ok := <-rec:
				if !ok {
					rec = nil
					continue
				}
				if err := k.publish(msg); err != nil {
					reportFailure(k.Bus, k.log, msg, "KafkaProducer", err)
				}
			}
		}
	}()
	return nil
}

func (k *KafkaProducer) publish(msg payroll.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(msg.Event)},
			{Key: "category", Value: []byte(msg.Category)},
		},
	})
}

func SetupKafkas(cond *conductor.Conductor, bus *payroll.MessageBus, conf payroll.Config) {
	for name, c := range conf.Kafka {
		if len(c.Brokers) == 0 {
			zap.L().Warn("kafka sink has no brokers, skipping", zap.String("name", name))
			continue
		}
		k := NewKafkaProducer(c, bus)
		k.sub = bus.Register(k, eventTypes("kafka "+name, c.Types)...)
		cond.Service(fmt.Sprintf("Kafka producer %s/%s", strings.Join(c.Brokers, ","), c.Topic), k)
	}
}
