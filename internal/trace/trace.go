// Package trace provides cheap printf-style tracing for transport hot
// paths. It is off unless the VQWIRE_TRACE environment variable is set,
// so call sites can stay in place without costing anything in normal
// operation.
package trace

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	enabled atomic.Bool
	mu      sync.Mutex
)

func init() {
	if os.Getenv("VQWIRE_TRACE") != "" {
		enabled.Store(true)
	}
}

// Enabled reports whether tracing is on. Use to skip expensive argument
// construction.
func Enabled() bool { return enabled.Load() }

// SetEnabled toggles tracing at runtime. Tests use this.
func SetEnabled(on bool) { enabled.Store(on) }

// Writef records one trace line attributed to source.
func Writef(source, format string, args ...any) {
	if !enabled.Load() {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, "%s %s: %s\n",
		time.Now().Format("15:04:05.000000"), source, fmt.Sprintf(format, args...))
}
