package session

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

type slogAdapter struct {
	base   *slog.Logger
	log    *slog.Logger
	module string
}

// NewWALogger routes whatsmeow library logs into an slog logger.
func NewWALogger(l *slog.Logger, module string) waLog.Logger {
	return &slogAdapter{base: l, log: l.With("module", module), module: module}
}

func (a *slogAdapter) Debugf(msg string, args ...interface{}) {
	a.log.Debug(fmt.Sprintf(msg, args...))
}

func (a *slogAdapter) Infof(msg string, args ...interface{}) {
	a.log.Info(fmt.Sprintf(msg, args...))
}

func (a *slogAdapter) Warnf(msg string, args ...interface{}) {
	a.log.Warn(fmt.Sprintf(msg, args...))
}

func (a *slogAdapter) Errorf(msg string, args ...interface{}) {
	a.log.Error(fmt.Sprintf(msg, args...))
}

func (a *slogAdapter) Sub(module string) waLog.Logger {
	return NewWALogger(a.base, a.module+"/"+module)
}
