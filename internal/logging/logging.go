// Package logging builds the process-wide logrus logger from config.
// No package-level singleton is exported; callers construct one at
// startup and thread it explicitly into every component.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger configured from a textual level
// ("debug", "info", "warn", "error"); unknown levels fall back to info.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	return l
}
