package portbuilder

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/gookit/color"
)

var (
	version   = "dev"     // overridden at build time
	buildDate = "unknown" // overridden at build time
	arch      = runtime.GOARCH

	errPortNotFound = errors.New("port not found")
	errCycle        = errors.New("dependency cycle")
	errNoMethod     = errors.New("no build method available")
	errKilled       = errors.New("job killed")
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

// debugEnabled is flipped by initConfig; debugf is a no-op otherwise.
var debugEnabled bool

func debugf(format string, args ...interface{}) {
	if debugEnabled {
		fmt.Printf(format, args...)
	}
}
