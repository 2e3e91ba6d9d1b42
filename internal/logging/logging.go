// Package logging configures the process-wide structured logger. The core
// subsystems are deliberately silent about *how* logging is wired up
// (spec.md §1 treats logging as an external collaborator); this package is
// the one place that decision is made.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a text-formatted logrus logger writing to stderr, with
// full timestamps so connection and replication events can be correlated
// across a run.
func New() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}
