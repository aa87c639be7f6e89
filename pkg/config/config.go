// Package config resolves RFT's logging configuration from flags and the
// environment, shared by every cmd/rft subcommand.
package config

import (
	"os"

	"github.com/sirupsen/logrus"
)

// LogLevelEnv is the environment variable consulted when a subcommand's
// --log-level flag is left at its default.
const LogLevelEnv = "RFT_LOG_LEVEL"

// NewLogger builds a logrus logger at level. An empty level is replaced by
// RFT_LOG_LEVEL; if the result is still empty or is not a recognized level,
// info is used.
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(resolveLevel(level))
	return log
}

func resolveLevel(level string) logrus.Level {
	if level == "" {
		level = os.Getenv(LogLevelEnv)
	}
	if level == "" {
		return logrus.InfoLevel
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}
