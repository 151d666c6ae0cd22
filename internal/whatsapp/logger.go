package whatsapp

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger routes whatsmeow's printf-style logs into slog. whatsmeow info
// output is chatty, so it is demoted to debug.
type slogLogger struct {
	module string
	log    *slog.Logger
}

func newLogger(module string) waLog.Logger {
	return slogLogger{module: module, log: slog.Default()}
}

func (l slogLogger) emit(level slog.Level, msg string, args []interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(msg, args...), "module", l.module)
}

func (l slogLogger) Errorf(msg string, args ...interface{}) { l.emit(slog.LevelError, msg, args) }
func (l slogLogger) Warnf(msg string, args ...interface{})  { l.emit(slog.LevelWarn, msg, args) }
func (l slogLogger) Infof(msg string, args ...interface{})  { l.emit(slog.LevelDebug, msg, args) }
func (l slogLogger) Debugf(msg string, args ...interface{}) { l.emit(slog.LevelDebug-4, msg, args) }

func (l slogLogger) Sub(module string) waLog.Logger {
	return slogLogger{module: l.module + "/" + module, log: l.log}
}
