package receivers

import (
	"context"
	"encoding/json"
	"fmt"

	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/conductor"
	"github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// ZMQPublisher publishes bus messages on a ZMQ PUB socket as two part
// messages: the event name as topic, then the JSON message.
type ZMQPublisher struct {
	Rec  chan payroll.Message
	Bind string
	Bus  *payroll.MessageBus

	log *zap.Logger
	sub *payroll.Subscription
}

func NewZMQPublisher(config payroll.ZMQConfig, bus *payroll.MessageBus) *ZMQPublisher {
	return &ZMQPublisher{
		Rec:  make(chan payroll.Message, 1000),
		Bind: config.Bind,
		Bus:  bus,
		log:  zap.L().Named("zmq").With(zap.String("bind", config.Bind)),
	}
}

// Implements payroll.MessageSubscriber
func (z *ZMQPublisher) GetChan() chan payroll.Message {
	return z.Rec
}

// Implements conductor.Service
func (z *ZMQPublisher) Run(started, stopped chan bool, stop chan context.Context) error {
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	if err := sock.Bind(z.Bind); err != nil {
		sock.Close()
		return fmt.Errorf("zmq bind %s: %w", z.Bind, err)
	}
	go func() {
		rec := z.Rec
		started <- true
		for {
			select {
			case <-stop:
				if z.sub != nil {
					z.sub.Close()
				}
				sock.Close()
				stopped <- true
				return
			case msg, ok := <-rec:
				if !ok {
					rec = nil
					continue
				}
				body, err := json.Marshal(msg)
				if err != nil {
					reportFailure(z.Bus, z.log, msg, "ZMQPublisher", err)
					continue
				}
				if _, err := sock.SendMessage(msg.Event, body); err != nil {
					reportFailure(z.Bus, z.log, msg, "ZMQPublisher", err)
				}
			}
		}
	}()
	return nil
}

func SetupZMQs(cond *conductor.Conductor, bus *payroll.MessageBus, conf payroll.Config) {
	for name, c := range conf.ZMQ {
		z := NewZMQPublisher(c, bus)
		z.sub = bus.Register(z, eventTypes("zmq "+name, c.Types)...)
		cond.Service(fmt.Sprintf("ZMQ publisher %s", c.Bind), z)
	}
}
