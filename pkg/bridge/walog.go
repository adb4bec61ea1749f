package bridge

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	"teamnotify/pkg/logger"
)

// waLogger routes whatsmeow's logging into the component logger.
type waLogger struct {
	module string
}

func newWALogger(module string) waLog.Logger {
	return waLogger{module: module}
}

func (l waLogger) fields() map[string]interface{} {
	return map[string]interface{}{"module": l.module}
}

func (l waLogger) Errorf(msg string, args ...interface{}) {
	logger.ErrorCF("whatsmeow", fmt.Sprintf(msg, args...), l.fields())
}

func (l waLogger) Warnf(msg string, args ...interface{}) {
	logger.WarnCF("whatsmeow", fmt.Sprintf(msg, args...), l.fields())
}

func (l waLogger) Infof(msg string, args ...interface{}) {
	logger.InfoCF("whatsmeow", fmt.Sprintf(msg, args...), l.fields())
}

func (l waLogger) Debugf(msg string, args ...interface{}) {
	logger.DebugCF("whatsmeow", fmt.Sprintf(msg, args...), l.fields())
}

func (l waLogger) Sub(module string) waLog.Logger {
	return waLogger{module: l.module + "/" + module}
}
