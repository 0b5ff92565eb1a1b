//go:build debug

package stage

import (
	"fmt"
	"log"
	"os"
)

var debugLogger = log.New(os.Stderr, "[STAGE DEBUG] ", log.Ltime|log.Lmicroseconds|log.Lshortfile)

// debugLog traces queue internals when built with -tags debug.
func debugLog(format string, args ...any) {
	_ = debugLogger.Output(2, fmt.Sprintf(format, args...))
}
