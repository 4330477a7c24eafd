package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Init configures the global logrus logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text formatter.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	if env == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		logrus.SetLevel(logrus.InfoLevel)
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetOutput(os.Stdout)
}

// WithSession returns a logger with session context fields attached.
// Use this for all logging within a session-scoped operation.
func WithSession(sessionID, userID string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
	})
}

// WithJob returns a logger scoped to one pipeline job attempt.
func WithJob(entry *logrus.Entry, jobID string, attempt int) *logrus.Entry {
	return entry.WithFields(logrus.Fields{
		"job_id":  jobID,
		"attempt": attempt,
	})
}
