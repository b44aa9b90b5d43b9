// Package logging holds the pipeline's process-wide logging state: a
// single logrus.Logger initialized once at entry and never torn down (§9
// Design Notes: "Process-wide state"). Grounded on the teacher's
// log/log.go, which does the same for a bare logrus.Logger gated by an
// environment flag.
package logging

import (
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	airbrakehook "gopkg.in/gemnasium/logrus-airbrake-hook.v2"
)

var (
	once   sync.Once
	logger *logrus.Logger
)

// Get returns the process-wide logger, initializing it on first call.
// Debug level is enabled by the BASECALL_DEBUG environment variable.
func Get() *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		if debug, err := strconv.ParseBool(os.Getenv("BASECALL_DEBUG")); err == nil && debug {
			logger.SetLevel(logrus.DebugLevel)
		}
	})
	return logger
}

// WithAirbrake attaches an Airbrake reporting hook to the process-wide
// logger, so that fatal ConfigError/DeviceUnavailable diagnostics are
// additionally reported to an external collector. A no-op when projectID
// is zero (unconfigured). Call once, before any fatal diagnostic is
// logged.
func WithAirbrake(projectID int64, projectKey, environment string) {
	if projectID == 0 {
		return
	}
	Get().AddHook(airbrakehook.NewHook(projectID, projectKey, environment))
}

// NameWorker tags the returned logger with a "worker" field, standing in
// for the original system's OS thread-naming utility
// (original_source/dorado/utils/thread_utils.cpp). Go does not expose a
// portable way to rename the OS thread under a goroutine, so the name is
// carried as structured-log context instead.
func NameWorker(name string) *logrus.Entry {
	return Get().WithField("worker", name)
}
