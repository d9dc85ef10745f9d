// Package logger bootstraps structured logging for the engine binary.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Setup switches the global logger to JSON output at the given level.
// When filePath is set, records are mirrored to that file in addition
// to stderr; a file that cannot be opened degrades to stderr only.
func Setup(level logrus.Level, filePath string) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(level)

	if filePath == "" {
		logrus.SetOutput(os.Stderr)
		return
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logrus.SetOutput(os.Stderr)
		logrus.WithError(err).Error("could not open log file")
		return
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, file))
}

// ParseLevel maps a config string to a logrus level, defaulting to info.
func ParseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
