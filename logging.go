package gocbcorekv

import (
	"log"
)

// Logger is the host-provided logging sink described in spec.md §6:
// levels info/debug/error. The embedder supplies an implementation via
// SetLogger; the default writes to the stdlib log package.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

type stdLogger struct{}

func (stdLogger) Debugf(format string, v ...interface{}) { log.Printf("DEBUG: "+format, v...) }
func (stdLogger) Infof(format string, v ...interface{})  { log.Printf("INFO: "+format, v...) }
func (stdLogger) Errorf(format string, v ...interface{}) { log.Printf("ERROR: "+format, v...) }

var globalLogger Logger = stdLogger{}

// SetLogger installs a logging sink for the entire module.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = stdLogger{}
	}
	globalLogger = logger
}

func logDebugf(format string, v ...interface{}) {
	globalLogger.Debugf(format, v...)
}

func logInfof(format string, v ...interface{}) {
	globalLogger.Infof(format, v...)
}

func logErrorf(format string, v ...interface{}) {
	globalLogger.Errorf(format, v...)
}
