package common

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLoggerFromEnv returns a component logger with severity taken from
// the named environment variable, falling back to warn when unset.
func NewLoggerFromEnv(name, key string) logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(levelFromEnv(key))
	return l.WithField("component", name)
}

func levelFromEnv(key string) logrus.Level {
	switch strings.ToLower(os.Getenv(key)) {
	case "e", "err", "error":
		return logrus.ErrorLevel
	case "w", "warn", "warning":
		return logrus.WarnLevel
	case "i", "info":
		return logrus.InfoLevel
	case "d", "debug":
		return logrus.DebugLevel
	default:
		return logrus.WarnLevel
	}
}

// DiscardLogger returns a logger that swallows everything, mostly for tests.
func DiscardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(discard{})
	return l.WithField("component", "discard")
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
