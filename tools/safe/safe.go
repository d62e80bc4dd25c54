package safe

import (
	"runtime/debug"

	"miniim/logger"
)

// Go starts f on a new goroutine and recovers any panic so a bad handler
// never takes the process down.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe] %s panic recovered: %v\n%s", name, r, debug.Stack())
			}
		}()
		f()
	}()
}
