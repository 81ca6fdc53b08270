// Package caslog provides the structured logging collaborator used by
// pkg/cas. It wraps go.uber.org/zap the same way packetd-packetd/logger
// wraps it, but exposes the teacher's call shape — Log(level, msg,
// keyvals...) — since that is the idiom pkg/cas's session code is
// written against.
package caslog

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging severity, mirroring the teacher's LogLevel type.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelNone disables all logging: every Log call is a no-op.
	LevelNone
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.DebugLevel
	}
}

// Logger is the interface pkg/cas depends on. The zero value of *ZapLogger
// (below) satisfies it; callers may substitute their own implementation.
type Logger interface {
	Log(level Level, msg string, keyvals ...any)
}

// ZapLogger adapts a zap.SugaredLogger to the Logger interface.
type ZapLogger struct {
	level   Level
	sugared *zap.SugaredLogger
}

// New builds a console-encoded, leveled ZapLogger writing to stdout,
// following packetd-packetd/logger.New's encoder setup.
func New(level Level) *ZapLogger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Local().Format("2006-01-02 15:04:05.000"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level.zapLevel())
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &ZapLogger{level: level, sugared: logger.Sugar()}
}

// Log records one leveled message with structured key/value pairs,
// matching the teacher's cfg.logger.Log(level, msg, "k1", v1, "k2", v2).
func (l *ZapLogger) Log(level Level, msg string, keyvals ...any) {
	if l == nil || l.sugared == nil || l.level == LevelNone {
		return
	}
	switch level {
	case LevelDebug:
		l.sugared.Debugw(msg, keyvals...)
	case LevelInfo:
		l.sugared.Infow(msg, keyvals...)
	case LevelWarn:
		l.sugared.Warnw(msg, keyvals...)
	case LevelError:
		l.sugared.Errorw(msg, keyvals...)
	}
}

// Nop is a Logger that discards everything, used as the session default
// and in tests that don't care about log output.
type Nop struct{}

func (Nop) Log(Level, string, ...any) {}
