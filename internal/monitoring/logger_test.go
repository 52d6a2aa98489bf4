package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("copied %d images", 3)
	assert.Equal(t, "copied 3 images", got)

	// nil installs a no-op; must not panic and must not reach the old logger.
	got = ""
	SetLogger(nil)
	Logf("ignored %s", "message")
	assert.Empty(t, got)
}

func TestUseZap(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	for _, verbose := range []bool{false, true} {
		UseZap(verbose)
		assert.NotNil(t, Logf)
		assert.NotPanics(t, func() { Logf("zap logger verbose=%v", verbose) })
	}
}
