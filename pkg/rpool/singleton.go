package rpool

import (
	"sync"

	"go.uber.org/zap"
)

var (
	instanceLock sync.Mutex
	instance     *ConnectionPool
)

// GetInstance returns the shared pool, constructing it from the resolved
// configuration document on first use. When no document can be read the
// shared pool starts closed and every operation on it fails with
// ErrPoolClosed.
//
// Applications that want explicit lifecycles should prefer NewConnectionPool
// and pass the pool around themselves; the singleton exists as a convenience.
func GetInstance() *ConnectionPool {
	return getInstance(nil)
}

// GetInstanceConfigured returns the shared pool, configuring it with the
// given configuration if and only if the shared pool does not exist yet. A
// configuration passed on any later call is silently ignored; the first one
// wins. Callers must not rely on a later configuration taking effect.
func GetInstanceConfigured(config *PoolConfig) *ConnectionPool {
	return getInstance(config)
}

func getInstance(config *PoolConfig) *ConnectionPool {

	instanceLock.Lock()
	defer instanceLock.Unlock()

	if instance != nil {
		return instance
	}

	if config == nil {
		loaded, err := LoadConfiguration()
		if err != nil {
			log().Error("cannot configure shared pool", zap.Error(err))
			loaded = &PoolConfig{}
		}
		config = loaded
	}

	pool, err := NewConnectionPool(config)
	if err != nil {
		log().Error("cannot construct shared pool", zap.Error(err))
		pool, _ = NewConnectionPool(&PoolConfig{})
	}

	instance = pool
	return instance
}

// resetInstance exists for tests that exercise singleton behavior.
func resetInstance() {
	instanceLock.Lock()
	defer instanceLock.Unlock()

	if instance != nil {
		instance.Shutdown()
		instance = nil
	}
}
