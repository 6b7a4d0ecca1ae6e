// Package sklog defines the logging functions (e.g. Info, Errorf, etc.) used
// throughout the repo. Everything is written to stderr; severity filtering
// and shipping are the supervisor's problem.
package sklog

import (
	"os"

	logger "github.com/jcgregorio/logger"
)

// Severity identifies one of the supported log levels.
type Severity int

const (
	DebugSeverity Severity = iota
	InfoSeverity
	WarningSeverity
	ErrorSeverity
	FatalSeverity
)

var log = logger.NewFromOptions(&logger.Options{
	SyncWriter:   os.Stderr,
	DepthDelta:   2,
	IncludeDebug: true,
})

func emit(severity Severity, format string, v ...interface{}) {
	switch severity {
	case DebugSeverity:
		if format == "" {
			log.Debug(v...)
		} else {
			log.Debugf(format, v...)
		}
	case InfoSeverity:
		if format == "" {
			log.Info(v...)
		} else {
			log.Infof(format, v...)
		}
	case WarningSeverity:
		if format == "" {
			log.Warning(v...)
		} else {
			log.Warningf(format, v...)
		}
	case ErrorSeverity:
		if format == "" {
			log.Error(v...)
		} else {
			log.Errorf(format, v...)
		}
	case FatalSeverity:
		if format == "" {
			log.Fatal(v...)
		} else {
			log.Fatalf(format, v...)
		}
	default:
		log.Errorf(format, v...)
	}
}

// Functions to log at various levels. Debug, Info, Warning, Error, and Fatal
// use fmt.Sprint to format the arguments; functions ending in f use
// fmt.Sprintf. Fatal and Fatalf exit the process after logging.

func Debug(msg ...interface{}) {
	emit(DebugSeverity, "", msg...)
}

func Debugf(format string, v ...interface{}) {
	emit(DebugSeverity, format, v...)
}

func Info(msg ...interface{}) {
	emit(InfoSeverity, "", msg...)
}

func Infof(format string, v ...interface{}) {
	emit(InfoSeverity, format, v...)
}

func Warning(msg ...interface{}) {
	emit(WarningSeverity, "", msg...)
}

func Warningf(format string, v ...interface{}) {
	emit(WarningSeverity, format, v...)
}

func Error(msg ...interface{}) {
	emit(ErrorSeverity, "", msg...)
}

func Errorf(format string, v ...interface{}) {
	emit(ErrorSeverity, format, v...)
}

func Fatal(msg ...interface{}) {
	emit(FatalSeverity, "", msg...)
}

func Fatalf(format string, v ...interface{}) {
	emit(FatalSeverity, format, v...)
}

// Flush is a no-op for stderr logging; kept so callers can flush before
// os.Exit in mains.
func Flush() {}
