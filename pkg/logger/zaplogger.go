package logger

import (
	"sync"

	"go.uber.org/zap"
)

type ZapLogger struct {
	log *zap.SugaredLogger
}

var (
	mu sync.RWMutex
	// direct is returned to callers holding a *ZapLogger; pkg backs the
	// package-level functions and skips their extra frame.
	direct *ZapLogger
	pkg    *ZapLogger
)

func NewLogger(config zap.Config) (*ZapLogger, error) {
	base, err := config.Build()
	if err != nil {
		return nil, err
	}

	l := &ZapLogger{log: base.WithOptions(zap.AddCallerSkip(1)).Sugar()}
	mu.Lock()
	direct = l
	pkg = &ZapLogger{log: base.WithOptions(zap.AddCallerSkip(2)).Sugar()}
	mu.Unlock()
	return l, nil
}

func GetLogger() *ZapLogger {
	mu.RLock()
	defer mu.RUnlock()
	return direct
}

func pkgLogger() *ZapLogger {
	mu.RLock()
	defer mu.RUnlock()
	return pkg
}

// With returns a child logger carrying the given key/value pairs on every entry.
func With(values ...any) *ZapLogger {
	return &ZapLogger{log: GetLogger().log.With(values...)}
}

// Sync flushes buffered entries; call it before the process exits.
func Sync() {
	_ = GetLogger().log.Sync()
}

func (l *ZapLogger) Info(message string, values ...any) {
	l.log.Infow(message, values...)
}

func (l *ZapLogger) Warn(message string, values ...any) {
	l.log.Warnw(message, values...)
}

func (l *ZapLogger) Error(message string, values ...any) {
	l.log.Errorw(message, values...)
}

func (l *ZapLogger) Debug(message string, values ...any) {
	l.log.Debugw(message, values...)
}

// Printf lets the logger back fasthttp's server logger and goose.
func (l *ZapLogger) Printf(format string, args ...interface{}) {
	l.log.Infof(format, args...)
}

// Fatalf completes goose.Logger for the migration runner.
func (l *ZapLogger) Fatalf(format string, args ...interface{}) {
	l.log.Fatalf(format, args...)
}
