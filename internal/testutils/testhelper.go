// Package testutils holds helpers shared by package tests.
package testutils

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
)

// NewTestLogger returns a debug-level logger writing through t.Log, so
// output only shows for failing or verbose tests
func NewTestLogger(t testing.TB) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(testWriter{t})
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return logger
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}
