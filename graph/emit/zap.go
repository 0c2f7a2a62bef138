package emit

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var zapEncoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "lvl",
	NameKey:        "name",
	CallerKey:      "caller",
	MessageKey:     "message",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalColorLevelEncoder,
	EncodeTime:     zapcore.RFC3339TimeEncoder,
	EncodeDuration: zapcore.SecondsDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// NewZapLogger builds a console zap logger writing to stdout at the given
// level ("debug", "info", "warn", "error").
func NewZapLogger(level string) *zap.Logger {
	lvl := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.SetLevel(zapcore.InfoLevel)
	}
	return zap.New(
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(zapEncoderConfig),
			zapcore.AddSync(os.Stdout),
			lvl,
		),
		zap.AddCaller(),
	)
}

// ZapEmitter implements Emitter by writing events through a *zap.Logger.
// It suits services whose logging is already built on zap.
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter creates a ZapEmitter. A nil logger falls back to zap.L().
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.L()
	}
	return &ZapEmitter{logger: logger}
}

// Emit implements Emitter.
func (z *ZapEmitter) Emit(event Event) {
	level := zapcore.InfoLevel
	switch event.Msg {
	case MsgNodeError:
		level = zapcore.ErrorLevel
	case MsgNodeStart:
		level = zapcore.DebugLevel
	}

	ce := z.logger.Check(level, event.Msg)
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, 4+len(event.Meta))
	fields = append(fields, zap.String("thread_id", event.ThreadID))
	if event.Seq > 0 {
		fields = append(fields, zap.Int64("seq", event.Seq))
	}
	if event.Step > 0 {
		fields = append(fields, zap.Int("step", event.Step))
	}
	if event.NodeID != "" {
		fields = append(fields, zap.String("node_id", event.NodeID))
	}
	for _, k := range sortedKeys(event.Meta) {
		switch v := event.Meta[k].(type) {
		case error:
			fields = append(fields, zap.NamedError(k, v))
		case fmt.Stringer:
			fields = append(fields, zap.Stringer(k, v))
		default:
			fields = append(fields, zap.Any(k, v))
		}
	}
	ce.Write(fields...)
}
