package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

// stackBufferSize bounds the stack captured for a recovered panic
const stackBufferSize = 4096

// Recover is deferred at the top of long-lived goroutines. It logs the panic
// with its stack and lets the goroutine exit instead of crashing the process.
func Recover(name string, logger *zap.SugaredLogger) {
	r := recover()
	if r == nil {
		return
	}
	buf := make([]byte, stackBufferSize)
	buf = buf[:runtime.Stack(buf, false)]

	if logger == nil {
		fmt.Fprintf(os.Stderr, "panic in goroutine %s: %v\n%s\n", name, r, buf)
		return
	}
	logger.Errorw("Goroutine panic recovered", "goroutine", name, "panic", r, "stack", string(buf))
}
