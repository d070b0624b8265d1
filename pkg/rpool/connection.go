package rpool

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Connection is one live link to a backend server. Handles are handed out by
// the pool and must be given back through ReturnConnection or
// InvalidateConnection. A handle is not safe for concurrent use by multiple
// goroutines; the pool guarantees each checked-out handle has one borrower.
type Connection interface {
	// ID uniquely identifies the handle for the lifetime of the process.
	ID() string

	// Endpoint names the server the handle is connected to.
	Endpoint() ServerEndpoint

	// IsConnected reports whether the handle believes its link is still up.
	IsConnected() bool

	// Assign binds a named value in the remote global environment.
	Assign(name string, value interface{}) error

	// Eval evaluates an expression remotely and returns its value.
	Eval(expr string) (interface{}, error)

	// VoidEval evaluates an expression remotely, discarding its value.
	VoidEval(expr string) error

	// Close tears the link down. Safe to call more than once.
	Close() error
}

// rserveConnection adapts one wire client to the Connection contract.
type rserveConnection struct {
	id       string
	endpoint ServerEndpoint
	client   *qap1Client

	stateLock sync.Mutex
	connected bool
}

func newRserveConnection(endpoint ServerEndpoint, client *qap1Client) *rserveConnection {
	return &rserveConnection{
		id:        uuid.New().String(),
		endpoint:  endpoint,
		client:    client,
		connected: true,
	}
}

func (c *rserveConnection) ID() string {
	return c.id
}

func (c *rserveConnection) Endpoint() ServerEndpoint {
	return c.endpoint
}

func (c *rserveConnection) IsConnected() bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.connected
}

func (c *rserveConnection) Assign(name string, value interface{}) error {

	err := c.client.assign(name, value)
	if err != nil && isTransportError(err) {
		c.markBroken(err)
	}
	return err
}

func (c *rserveConnection) Eval(expr string) (interface{}, error) {

	value, err := c.client.eval(expr)
	if err != nil && isTransportError(err) {
		c.markBroken(err)
	}
	return value, err
}

func (c *rserveConnection) VoidEval(expr string) error {

	err := c.client.voidEval(expr)
	if err != nil && isTransportError(err) {
		c.markBroken(err)
	}
	return err
}

func (c *rserveConnection) Close() error {

	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	return c.client.close()
}

func (c *rserveConnection) markBroken(err error) {
	c.stateLock.Lock()
	c.connected = false
	c.stateLock.Unlock()

	log().Debug("connection transport failure",
		zap.String("endpoint", c.endpoint.String()),
		zap.String("connectionID", c.id),
		zap.Error(err))
}

// isTransportError distinguishes a broken link from an error produced by the
// remote interpreter. Interpreter errors leave the link usable.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, net.ErrClosed)
}
