// Package klog is the kernel's structured logging façade, replacing the
// teacher's raw fmt.Printf/debug() macro calls with leveled logrus output
// while keeping the teacher's terse one-line call sites.
package klog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"caller"
)

var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: false})
	l.SetLevel(logrus.DebugLevel)
	return l
}

var fatalSites = &caller.Distinct_caller_t{Enabled: true}

// Debug logs a low-volume diagnostic line (the teacher's debug()).
func Debug(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Warn logs a recoverable anomaly.
func Warn(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

// Fatal logs at error level, dumping the call chain the first time it is
// seen from this call site, then panics. Used for the kernel's
// unrecoverable invariant violations (out of frames, corrupted structure) in place of the teacher's test-finisher MMIO halt,
// which has no meaning outside a simulated machine.
func Fatal(format string, args ...interface{}) {
	if new, trace := fatalSites.Distinct(1); new {
		log.WithField("stack", trace).Errorf(format, args...)
	} else {
		log.Errorf(format, args...)
	}
	panic(logrus.Fields{"fatal": true})
}

// SetOutput redirects log output; used by tests to silence kernel noise.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}
