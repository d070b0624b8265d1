package rpool

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/zap"
)

// EndpointSlot is the pool's bookkeeping record for one enrolled server. A
// slot lives in exactly one place at a time: the idle deque, the active map
// (reached through its checked-out connection), or in flight inside an
// acquire call.
type EndpointSlot struct {
	endpoint ServerEndpoint

	// connection caches the live handle across borrows. Nil until the first
	// acquire opens one, nil again after an invalidation closed it.
	connection Connection

	consecutiveFailures int32

	// embedded marks a server this pool spawned; the pool owes it a shutdown
	// command when the pool closes.
	embedded bool
}

// Endpoint returns the server descriptor the slot tracks.
func (s *EndpointSlot) Endpoint() ServerEndpoint {
	return s.endpoint
}

// Embedded reports whether the pool spawned this server itself.
func (s *EndpointSlot) Embedded() bool {
	return s.embedded
}

func (s *EndpointSlot) recordFailure() int32 {
	return atomic.AddInt32(&s.consecutiveFailures, 1)
}

func (s *EndpointSlot) resetFailures() {
	atomic.StoreInt32(&s.consecutiveFailures, 0)
}

// ConnectionPool hands out pooled connections to backend Rserve servers.
//
// Acquisition blocks while every slot is checked out; the timed variant gives
// up after a deadline. Returned connections are not closed, so a hot link is
// the next one handed out. Slots that fail to connect too many times in a row
// are removed permanently; removing the last slot closes the pool.
type ConnectionPool struct {
	Config PoolConfig

	driver Driver

	idle   *slotDeque
	active cmap.ConcurrentMap
	total  int32
	closed int32

	// poolLock guards the close transition, reconfiguration, and the
	// composite idle-count read.
	poolLock sync.Mutex

	hookStop chan struct{}
}

// NewConnectionPool creates a pool for the given configuration. A
// configuration that enrolls zero servers yields a pool that is already
// closed; every operation on it fails with ErrPoolClosed.
func NewConnectionPool(config *PoolConfig) (*ConnectionPool, error) {
	return NewConnectionPoolWithDriver(config, NewDriver())
}

// NewConnectionPoolWithDriver creates a pool that opens connections through
// the supplied driver.
func NewConnectionPoolWithDriver(config *PoolConfig, driver Driver) (*ConnectionPool, error) {

	if config == nil {
		return nil, configError("configuration must be provided")
	}
	if driver == nil {
		return nil, configError("driver must be provided")
	}

	config.applyDefaults()

	cp := &ConnectionPool{
		Config:   *config,
		driver:   driver,
		idle:     newSlotDeque(),
		active:   cmap.New(),
		hookStop: make(chan struct{}),
	}

	cp.initializeSlots()

	if cp.TotalCount() == 0 {
		log().Warn("no servers enrolled, pool starts closed")
		cp.Shutdown()
	} else {
		cp.registerShutdownHook()
	}

	return cp, nil
}

func (cp *ConnectionPool) initializeSlots() {

	enrolled := make(map[string]bool)

	for _, serverConfig := range cp.Config.Servers {

		endpoint, err := serverConfig.Endpoint()
		if err != nil {
			log().Error("skipping server entry", zap.Error(err))
			continue
		}

		if enrolled[endpoint.Key()] {
			log().Warn("server enrolled more than once, ignoring duplicate",
				zap.String("endpoint", endpoint.String()))
			continue
		}

		if serverConfig.Embedded {
			if !cp.startEmbeddedServer(endpoint, serverConfig.CommandOrDefault()) {
				continue
			}
		}

		cp.idle.PushBack(&EndpointSlot{
			endpoint: endpoint,
			embedded: serverConfig.Embedded,
		})
		atomic.AddInt32(&cp.total, 1)
		enrolled[endpoint.Key()] = true
	}
}

// startEmbeddedServer spawns the server process and probes until it accepts
// connections or the probe budget runs out.
func (cp *ConnectionPool) startEmbeddedServer(endpoint ServerEndpoint, command string) bool {

	if _, err := cp.driver.Startup(endpoint, command); err != nil {
		log().Error("unable to start embedded server",
			zap.String("endpoint", endpoint.String()),
			zap.Error(err))
		return false
	}

	interval := time.Duration(cp.Config.StartupProbeInterval) * time.Millisecond
	for probe := 0; probe < cp.Config.StartupProbeCount; probe++ {
		if cp.driver.Validate(endpoint) {
			return true
		}
		time.Sleep(interval)
	}

	log().Error("embedded server never became reachable",
		zap.String("endpoint", endpoint.String()))
	return false
}

// GetConnection borrows a connection, blocking while none are idle.
func (cp *ConnectionPool) GetConnection() (Connection, error) {
	return cp.getConnection(time.Time{})
}

// GetConnectionWithTimeout borrows a connection, waiting at most the given
// duration for one to become idle. On expiry it returns (nil, nil).
func (cp *ConnectionPool) GetConnectionWithTimeout(timeout time.Duration) (Connection, error) {
	return cp.getConnection(time.Now().Add(timeout))
}

func (cp *ConnectionPool) getConnection(deadline time.Time) (Connection, error) {

	for {
		if cp.IsClosed() {
			return nil, ErrPoolClosed
		}

		var slot *EndpointSlot
		var open bool
		if deadline.IsZero() {
			slot, open = cp.idle.PopFront()
		} else {
			slot, open = cp.idle.PopFrontDeadline(deadline)
		}
		if !open {
			return nil, ErrPoolClosed
		}
		if slot == nil {
			// deadline expired
			return nil, nil
		}

		connection, err := cp.connectSlot(slot)
		if err != nil {
			failures := slot.recordFailure()
			log().Warn("connect attempt failed",
				zap.String("endpoint", slot.endpoint.String()),
				zap.Int32("consecutiveFailures", failures),
				zap.Error(err))

			if failures >= cp.Config.MaxConsecutiveFailures {
				cp.removeSlot(slot)
				return nil, err
			}

			// Rotate to the tail so a flaky server cannot monopolize the
			// head while healthier servers wait behind it.
			if !cp.idle.PushBack(slot) {
				// Close drained the deque while this slot was in flight;
				// finish its cleanup here.
				cp.closeSlot(slot)
				return nil, ErrPoolClosed
			}
			continue
		}

		slot.resetFailures()
		cp.active.Set(connection.ID(), slot)

		if cp.IsClosed() {
			// Close raced this borrow and may have missed the slot while it
			// was in flight; finish its cleanup here.
			if item, ok := cp.active.Pop(connection.ID()); ok {
				cp.closeSlot(item.(*EndpointSlot))
			}
			return nil, ErrPoolClosed
		}
		return connection, nil
	}
}

// connectSlot reuses the slot's cached handle when it is still connected,
// otherwise opens a fresh one.
func (cp *ConnectionPool) connectSlot(slot *EndpointSlot) (Connection, error) {

	if slot.connection != nil {
		if slot.connection.IsConnected() {
			return slot.connection, nil
		}
		_ = slot.connection.Close()
		slot.connection = nil
	}

	connection, err := cp.driver.Open(slot.endpoint)
	if err != nil {
		return nil, err
	}

	slot.connection = connection
	return connection, nil
}

// ReturnConnection gives a borrowed connection back to the pool. The
// connection is not closed; its slot goes to the head of the idle deque so
// the warm link is the next one handed out.
func (cp *ConnectionPool) ReturnConnection(connection Connection) error {

	if cp.IsClosed() {
		// The close path may have missed a slot that was checked out while
		// it drained the containers; finish its cleanup here.
		if connection != nil {
			if item, ok := cp.active.Pop(connection.ID()); ok {
				cp.closeSlot(item.(*EndpointSlot))
			}
		}
		return ErrPoolClosed
	}
	if connection == nil {
		return ErrNotOwned
	}

	item, ok := cp.active.Pop(connection.ID())
	if !ok {
		return ErrNotOwned
	}
	slot := item.(*EndpointSlot)

	if !cp.idle.PushFront(slot) {
		// Pool closed between the ownership check and the push; the close
		// path can no longer see this slot, so finish its cleanup here.
		cp.closeSlot(slot)
		return ErrPoolClosed
	}
	return nil
}

// InvalidateConnection removes a borrowed connection from the pool for good,
// closing it best effort. Invalidating the last slot closes the pool.
func (cp *ConnectionPool) InvalidateConnection(connection Connection) error {

	if cp.IsClosed() {
		return ErrPoolClosed
	}
	if connection == nil {
		return ErrNotOwned
	}

	item, ok := cp.active.Pop(connection.ID())
	if !ok {
		return ErrNotOwned
	}
	slot := item.(*EndpointSlot)

	_ = connection.Close()
	slot.connection = nil
	cp.removeSlot(slot)
	return nil
}

// removeSlot permanently retires a slot that is currently in flight (owned by
// the caller, present in neither container).
func (cp *ConnectionPool) removeSlot(slot *EndpointSlot) {

	if slot.connection != nil {
		_ = slot.connection.Close()
		slot.connection = nil
	}

	log().Info("server removed from pool", zap.String("endpoint", slot.endpoint.String()))

	if atomic.AddInt32(&cp.total, -1) <= 0 {
		cp.Shutdown()
	}
}

// TotalCount returns the number of slots the pool currently manages.
func (cp *ConnectionPool) TotalCount() int {
	return int(atomic.LoadInt32(&cp.total))
}

// ActiveCount returns the number of connections checked out right now.
func (cp *ConnectionPool) ActiveCount() int {
	return cp.active.Count()
}

// IdleCount returns the number of connections available right now.
func (cp *ConnectionPool) IdleCount() int {
	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()
	return int(atomic.LoadInt32(&cp.total)) - cp.active.Count()
}

// IsClosed reports whether the pool has been shut down.
func (cp *ConnectionPool) IsClosed() bool {
	return atomic.LoadInt32(&cp.closed) == 1
}

// Shutdown closes the pool: every live handle is closed and every embedded
// server receives a shutdown command, best effort. Safe to call repeatedly
// and from concurrent goroutines; only the first call does the work.
func (cp *ConnectionPool) Shutdown() {

	if cp == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&cp.closed, 0, 1) {
		return
	}

	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()

	slots := cp.idle.Close()

	for item := range cp.active.IterBuffered() {
		cp.active.Remove(item.Key)
		slots = append(slots, item.Val.(*EndpointSlot))
	}

	for _, slot := range slots {
		cp.closeSlot(slot)
	}

	atomic.StoreInt32(&cp.total, 0)
	close(cp.hookStop)

	log().Info("connection pool closed")
}

func (cp *ConnectionPool) closeSlot(slot *EndpointSlot) {

	if slot.connection != nil {
		_ = slot.connection.Close()
		slot.connection = nil
	}

	if slot.embedded {
		if err := cp.driver.ShutdownServer(slot.endpoint); err != nil {
			// The pool is going away regardless; record and move on.
			log().Warn("unable to shut down embedded server",
				zap.String("endpoint", slot.endpoint.String()),
				zap.Error(err))
		}
	}
}

// Reopen rebuilds the pool from its original configuration after a shutdown.
func (cp *ConnectionPool) Reopen() error {

	cp.Shutdown()

	cp.poolLock.Lock()
	cp.idle = newSlotDeque()
	cp.active = cmap.New()
	cp.hookStop = make(chan struct{})
	atomic.StoreInt32(&cp.total, 0)
	atomic.StoreInt32(&cp.closed, 0)
	cp.poolLock.Unlock()

	cp.initializeSlots()

	if cp.TotalCount() == 0 {
		cp.Shutdown()
		return ErrPoolClosed
	}

	cp.registerShutdownHook()
	return nil
}

// registerShutdownHook closes the pool when the process receives an interrupt
// or termination signal, so embedded servers do not outlive their owner. The
// watcher exits once the pool is closed explicitly.
func (cp *ConnectionPool) registerShutdownHook() {

	stop := cp.hookStop

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signals)

		select {
		case sig := <-signals:
			log().Info("termination signal received, closing pool",
				zap.String("signal", sig.String()))
			cp.Shutdown()

			// Hand the signal back to the default handler.
			signal.Stop(signals)
			if process, err := os.FindProcess(os.Getpid()); err == nil {
				_ = process.Signal(sig)
			}
		case <-stop:
		}
	}()
}
