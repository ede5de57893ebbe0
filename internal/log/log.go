// Package log provides the package-level structured logger shared by the
// shmalloc allocator stack, following the same zap wiring style the
// retrieval pack's service repos use for their own package loggers.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.SugaredLogger
)

// L returns the shared logger, built lazily. Set SHMALLOC_DEBUG=1 to get a
// development logger (human-readable, debug level); otherwise a production
// JSON logger at info level is used.
func L() *zap.SugaredLogger {
	once.Do(func() {
		var z *zap.Logger
		var err error
		if os.Getenv("SHMALLOC_DEBUG") != "" {
			z, err = zap.NewDevelopment()
		} else {
			z, err = zap.NewProduction()
		}
		if err != nil {
			z = zap.NewNop()
		}
		logger = z.Sugar()
	})
	return logger
}
