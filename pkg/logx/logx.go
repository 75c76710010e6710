package logx

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is a thin structured-logging wrapper around logrus. Call sites pass
// alternating key/value pairs after the message; a map[string]interface{} is
// also accepted anywhere in the argument list and is merged field-by-field.
type Logger struct {
	base      *logrus.Logger
	component string
}

// NewLogger creates a component-scoped logger emitting JSON lines to stdout.
// level is one of trace, debug, info, warn, error; anything else means info.
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	base.SetLevel(parseLevel(level))

	return &Logger{base: base, component: component}
}

// SetLevel changes the minimum emitted level at runtime.
func (l *Logger) SetLevel(level string) {
	l.base.SetLevel(parseLevel(level))
}

// Trace logs at trace level with optional key/value pairs.
func (l *Logger) Trace(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Trace(msg)
}

// Debug logs at debug level with optional key/value pairs.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Debug(msg)
}

// Info logs at info level with optional key/value pairs.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Info(msg)
}

// Warn logs at warn level with optional key/value pairs.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Warn(msg)
}

// Error logs at error level with optional key/value pairs.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Error(msg)
}

// LogVerbose logs a named event with structured fields at info level.
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	l.eventEntry(event, fields).Info(event)
}

// LogDebugVerbose logs a named event with structured fields at debug level.
// Used on hot paths where the field payload is large.
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	l.eventEntry(event, fields).Debug(event)
}

// LogStateChange records a component state transition with its reason.
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	entry := l.eventEntry("state_change", fields).WithFields(logrus.Fields{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	})
	entry.Info("state change")
}

func (l *Logger) entry(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	if l.component != "" {
		fields["component"] = l.component
	}

	for i := 0; i < len(keysAndValues); i++ {
		switch key := keysAndValues[i].(type) {
		case map[string]interface{}:
			for k, v := range key {
				fields[k] = v
			}
		case string:
			if i+1 < len(keysAndValues) {
				fields[key] = keysAndValues[i+1]
				i++
			} else {
				fields[key] = "(missing value)"
			}
		default:
			fields[fmt.Sprintf("arg%d", i)] = keysAndValues[i]
		}
	}

	return l.base.WithFields(fields)
}

func (l *Logger) eventEntry(event string, fields map[string]interface{}) *logrus.Entry {
	entry := l.entry(nil).WithField("event", event)
	if len(fields) > 0 {
		entry = entry.WithFields(logrus.Fields(fields))
	}
	return entry
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
