package rpool

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// fakeConnection stands in for a live server link. The eval hook lets each
// test decide how the remote side behaves.
type fakeConnection struct {
	id       string
	endpoint ServerEndpoint

	lock      sync.Mutex
	connected bool
	closes    int

	env      map[string]interface{}
	evalHook func(c *fakeConnection, expr string) (interface{}, error)
}

func newFakeConnection(endpoint ServerEndpoint, evalHook func(c *fakeConnection, expr string) (interface{}, error)) *fakeConnection {
	return &fakeConnection{
		id:        uuid.New().String(),
		endpoint:  endpoint,
		connected: true,
		env:       make(map[string]interface{}),
		evalHook:  evalHook,
	}
}

func (c *fakeConnection) ID() string { return c.id }

func (c *fakeConnection) Endpoint() ServerEndpoint { return c.endpoint }

func (c *fakeConnection) IsConnected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connected
}

func (c *fakeConnection) disconnect() {
	c.lock.Lock()
	c.connected = false
	c.lock.Unlock()
}

func (c *fakeConnection) Assign(name string, value interface{}) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.connected {
		return errors.New("assign on closed connection")
	}
	c.env[name] = value
	return nil
}

func (c *fakeConnection) Eval(expr string) (interface{}, error) {
	if c.evalHook != nil {
		return c.evalHook(c, expr)
	}
	return 0.0, nil
}

func (c *fakeConnection) VoidEval(expr string) error {
	_, err := c.Eval(expr)
	return err
}

func (c *fakeConnection) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.connected = false
	c.closes++
	return nil
}

// fakeDriver opens fakeConnections and records process-level actions.
type fakeDriver struct {
	lock sync.Mutex

	opens       int
	connections []*fakeConnection

	// failures maps endpoint key to the number of opens that should fail
	// before opens succeed again. A negative count fails forever.
	failures map[string]int

	unreachable map[string]bool
	startups    []string
	shutdowns   []string

	evalHook func(c *fakeConnection, expr string) (interface{}, error)
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		failures:    make(map[string]int),
		unreachable: make(map[string]bool),
	}
}

func (d *fakeDriver) failNext(endpoint ServerEndpoint, count int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.failures[endpoint.Key()] = count
}

func (d *fakeDriver) Open(endpoint ServerEndpoint) (Connection, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.opens++

	remaining := d.failures[endpoint.Key()]
	if remaining != 0 {
		if remaining > 0 {
			d.failures[endpoint.Key()] = remaining - 1
		}
		return nil, connectError(endpoint, errors.New("connection refused"))
	}

	conn := newFakeConnection(endpoint, d.evalHook)
	d.connections = append(d.connections, conn)
	return conn, nil
}

func (d *fakeDriver) Validate(endpoint ServerEndpoint) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return !d.unreachable[endpoint.Key()]
}

func (d *fakeDriver) ShutdownServer(endpoint ServerEndpoint) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.shutdowns = append(d.shutdowns, endpoint.Key())
	return nil
}

func (d *fakeDriver) Startup(endpoint ServerEndpoint, command string) (<-chan int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.startups = append(d.startups, endpoint.Key())

	exitCh := make(chan int, 1)
	return exitCh, nil
}

func (d *fakeDriver) openCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.opens
}

func (d *fakeDriver) shutdownsSent() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string{}, d.shutdowns...)
}

// testPoolConfig builds a configuration naming count distinct servers.
func testPoolConfig(count int) *PoolConfig {
	config := &PoolConfig{}
	for i := 0; i < count; i++ {
		config.Servers = append(config.Servers, &RServerConfig{
			Host: "compute-node.example.org",
			Port: DefaultServerPort + i,
		})
	}
	return config
}
