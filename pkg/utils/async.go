package utils

import (
	"os"
	"time"

	"go.uber.org/zap"
)

const maxRestarts = 10

// EnsureRunGoroutine runs f on a new goroutine and restarts it after a panic.
// The process exits once f has panicked more than maxRestarts times.
func EnsureRunGoroutine(logger *zap.Logger, name string, f func(), tryCount ...int) {
	try := 0
	if len(tryCount) > 0 {
		try = tryCount[0]
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Int("try", try),
					zap.Stack("stack"),
				)
				time.Sleep(time.Second)
				if try > maxRestarts {
					os.Exit(1)
				}
				EnsureRunGoroutine(logger, name, f, try+1)
			}
		}()

		f()
	}()
}
