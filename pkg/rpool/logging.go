package rpool

import (
	"sync"

	"go.uber.org/zap"
)

var (
	loggerLock sync.RWMutex
	logger     = zap.NewNop()
)

// SetLogger installs a process-wide logger for the package. The library logs
// nothing until one is provided.
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	loggerLock.Lock()
	logger = l
	loggerLock.Unlock()
}

func log() *zap.Logger {
	loggerLock.RLock()
	l := logger
	loggerLock.RUnlock()
	return l
}
