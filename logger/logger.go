package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}

func SetFormatter(formatter logrus.Formatter) {
	log.SetFormatter(formatter)
}

func SetOutput(out io.Writer) {
	log.SetOutput(out)
}

// ParseLevel accepts the logrus level names; an empty string means info.
func ParseLevel(level string) (logrus.Level, error) {
	if level == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(level)
}

func Trace(msg string, keysAndValues ...any) {
	logAt(logrus.TraceLevel, msg, keysAndValues)
}

func Debug(msg string, keysAndValues ...any) {
	logAt(logrus.DebugLevel, msg, keysAndValues)
}

func Info(msg string, keysAndValues ...any) {
	logAt(logrus.InfoLevel, msg, keysAndValues)
}

func Warn(msg string, keysAndValues ...any) {
	logAt(logrus.WarnLevel, msg, keysAndValues)
}

func Error(msg string, keysAndValues ...any) {
	logAt(logrus.ErrorLevel, msg, keysAndValues)
}

// logAt skips field construction for disabled levels; the filter logs at
// trace level once per event.
func logAt(level logrus.Level, msg string, keysAndValues []any) {
	if !log.IsLevelEnabled(level) {
		return
	}

	if len(keysAndValues) > 0 {
		log.WithFields(toFields(keysAndValues)).Log(level, msg)
	} else {
		log.Log(level, msg)
	}
}

func toFields(keysAndValues []any) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		if err, isErr := keysAndValues[i+1].(error); isErr && key == "error" {
			fields[logrus.ErrorKey] = err
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
