package receivers

import (
	"context"
	"fmt"

	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/conductor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type MessageLogger struct {
	// MessageLogger receives payroll.Message via Rec
	Rec chan payroll.Message
	// and logs them via Log
	Log *zap.Logger

	sub *payroll.Subscription
}

// Implements payroll.MessageSubscriber
func (l *MessageLogger) GetChan() chan payroll.Message {
	return l.Rec
}

// Implements conductor.Service
func (l *MessageLogger) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		rec := l.Rec
		started <- true
		for {
			select {
			// handle stopping the service
			case <-stop:
				if l.sub != nil {
					l.sub.Close()
				}
				l.Log.Sync()
				stopped <- true
				return
			case msg, ok := <-rec:
				if !ok {
					rec = nil
					continue
				}
				l.Log.Info(msg.Event,
					zap.String("category", msg.Category),
					zap.String("id", msg.ID),
					zap.ByteString("payload", msg.Message))
			}
		}
	}()
	return nil
}

// NewMessageLogger writes one JSON line per message to a rotated file.
func NewMessageLogger(path string) *MessageLogger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(enc),
		zapcore.AddSync(&lumberjack.Logger{
			Filename: path,
			Compress: true,
		}),
		zap.InfoLevel)
	return &MessageLogger{
		Rec: make(chan payroll.Message, 1000),
		Log: zap.New(core),
	}
}

// Reads config and sets up any configured loggers
func SetupLoggers(cond *conductor.Conductor, bus *payroll.MessageBus, conf payroll.Config) {
	for name, c := range conf.Loggers {
		l := NewMessageLogger(c.Path)
		l.sub = bus.Register(l, eventTypes("logger "+name, c.Types)...)
		cond.Service(fmt.Sprintf("Logger %s", c.Path), l)
	}
}
