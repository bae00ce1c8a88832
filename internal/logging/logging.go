// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Setup sets the standard logger's level and formatter.
//
// Unknown levels fall back to info. format is "text" (default) or "json".
func Setup(level, format string, out io.Writer) {
	if out != nil {
		logrus.SetOutput(out)
	}
	logrus.SetLevel(ParseLevel(level))

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		f := new(logrus.TextFormatter)
		f.TimestampFormat = time.RFC3339
		f.FullTimestamp = true
		logrus.SetFormatter(f)
	}
}

// ParseLevel maps a level name to a logrus level.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Component returns a logger tagged with the component name.
func Component(name string) logrus.FieldLogger {
	return logrus.StandardLogger().WithField("component", name)
}
