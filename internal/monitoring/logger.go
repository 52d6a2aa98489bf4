// Package monitoring holds the process-wide diagnostic logger used by the
// resampling pipeline packages.
package monitoring

import (
	"go.uber.org/zap"
)

// Logf is the package-level diagnostic logger. It defaults to a zap
// production logger but may be replaced by SetLogger. Tests mute it with
// SetLogger(nil).
var Logf func(format string, v ...interface{}) = newZapLogf(false)

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// UseZap points Logf at a fresh zap sugared logger. verbose selects the
// human-readable development encoder instead of JSON.
func UseZap(verbose bool) {
	Logf = newZapLogf(verbose)
}

func newZapLogf(verbose bool) func(format string, v ...interface{}) {
	var (
		logger *zap.Logger
		err    error
	)
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		logger = zap.NewNop()
	}
	sugar := logger.WithOptions(zap.AddCallerSkip(1)).Sugar()
	return sugar.Infof
}
