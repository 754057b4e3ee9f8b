package logger

import (
	"os"

	payroll "github.com/payrollrelay/payroll/pkg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init builds the process logger from config and installs it as the zap
// global, so packages logging through zap.L() pick it up. Format is
// "json" or "console"; a Path sends output to a rotated file instead of
// stderr.
func Init(conf payroll.Config) (*zap.Logger, error) {
	var lvl zapcore.Level
	level := conf.Log.Level
	if level == "" {
		level = "info"
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	var enc zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if conf.Log.Format == "console" {
		enc = zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if conf.Log.Path != "" {
			enc.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(enc)
	} else {
		enc = zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(enc)
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if conf.Log.Path != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   conf.Log.Path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			Compress:   true,
		})
	}

	log := zap.New(zapcore.NewCore(encoder, sink, lvl), zap.AddCaller())
	zap.ReplaceGlobals(log)
	return log, nil
}
