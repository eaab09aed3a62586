package whatsmeow

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	logx "wabatch/pkg/logx"
)

// waLogger routes whatsmeow's printf-style logging into logx.
type waLogger struct {
	log logx.Logger
}

func newWALogger(log logx.Logger) waLog.Logger { return waLogger{log: log} }

func (l waLogger) Errorf(msg string, args ...any) { l.log.Error(fmt.Sprintf(msg, args...)) }
func (l waLogger) Warnf(msg string, args ...any)  { l.log.Warn(fmt.Sprintf(msg, args...)) }
func (l waLogger) Infof(msg string, args ...any)  { l.log.Info(fmt.Sprintf(msg, args...)) }

func (l waLogger) Debugf(msg string, args ...any) {
	if !l.log.Enabled(logx.LevelDebug) {
		return
	}
	l.log.Debug(fmt.Sprintf(msg, args...))
}

func (l waLogger) Sub(module string) waLog.Logger {
	return waLogger{log: l.log.With(logx.String("module", module))}
}
