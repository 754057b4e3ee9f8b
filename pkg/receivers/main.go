package receivers

import (
	"fmt"

	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/conductor"
	"go.uber.org/zap"
)

// Sets up standard receivers.
func SetUpReceivers(cond *conductor.Conductor, bus *payroll.MessageBus, conf payroll.Config) {
	// Set up configured loggers
	SetupLoggers(cond, bus, conf)

	// Set up configured Callbacks
	SetupCallbacks(cond, bus, conf)

	// Set up configured message queue sinks
	SetupZMQs(cond, bus, conf)
	SetupKafkas(cond, bus, conf)
}

// eventTypes maps configured category names (ie: "PAY") to event types,
// warning about any it does not know.
func eventTypes(receiver string, names []string) []payroll.EventType {
	types := []payroll.EventType{}
	for _, t := range names {
		match := false
		for _, x := range payroll.EVENT_TYPES {
			if t == x.Type() {
				match = true
				types = append(types, x)
			}
		}
		if !match {
			zap.L().Warn("ignoring invalid message type", zap.String("receiver", receiver), zap.String("type", t))
		}
	}
	return types
}

func isSystem(msg payroll.Message) bool {
	return msg.EventType != nil && msg.EventType.Type() == "SYS"
}

// reportFailure puts a delivery failure back on the bus. Failures to
// deliver SYS messages are only logged, so a broken sink cannot loop.
func reportFailure(bus *payroll.MessageBus, log *zap.Logger, msg payroll.Message, receiver string, err error) {
	log.Warn("delivery failed", zap.String("event", msg.Event), zap.String("id", msg.ID), zap.Error(err))
	if isSystem(msg) {
		return
	}
	bus.Send(payroll.SYS_ERR, fmt.Sprintf("%s: %s (%s): %v", receiver, msg.Event, msg.ID, err))
}
