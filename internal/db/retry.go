package db

import (
	"strings"
	"time"

	"github.com/banshee-data/resample/internal/timeutil"
)

const (
	busyRetries = 5
	busyBackoff = 50 * time.Millisecond
)

// isBusy reports whether err is sqlite's SQLITE_BUSY or SQLITE_LOCKED.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// retryOnBusy runs fn until it succeeds, fails with a non-busy error or has
// been attempted busyRetries times. The wait doubles after each busy attempt.
func retryOnBusy(clock timeutil.Clock, fn func() error) error {
	wait := busyBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if !isBusy(err) || attempt == busyRetries {
			return err
		}
		clock.Sleep(wait)
		wait *= 2
	}
}
