package rpool

import (
	"fmt"
	"strings"
)

// DefaultServerPort is the port an Rserve process listens on when the
// configuration does not specify one.
const DefaultServerPort = 6311

// ServerEndpoint describes one backend Rserve instance. It is immutable after
// construction. Two endpoints are considered the same server when host and
// port match; credentials do not participate so that configurations differing
// only in authentication cannot enroll the same server twice.
type ServerEndpoint struct {
	host     string
	port     int
	username string
	password string
}

// NewServerEndpoint creates an endpoint for the given host and port. A port
// of zero or less falls back to DefaultServerPort.
func NewServerEndpoint(host string, port int) (ServerEndpoint, error) {
	return NewServerEndpointWithCredentials(host, port, "", "")
}

// NewServerEndpointWithCredentials creates an endpoint carrying a username
// and password to supply if the server requires authentication.
func NewServerEndpointWithCredentials(host string, port int, username string, password string) (ServerEndpoint, error) {
	if strings.TrimSpace(host) == "" {
		return ServerEndpoint{}, configError("server host must be provided")
	}

	if port <= 0 {
		port = DefaultServerPort
	}

	return ServerEndpoint{
		host:     host,
		port:     port,
		username: username,
		password: password,
	}, nil
}

// Host returns the host or ip the server is running on.
func (e ServerEndpoint) Host() string {
	return e.host
}

// Port returns the TCP port the server is listening on.
func (e ServerEndpoint) Port() int {
	return e.port
}

// Username returns the username to supply for the connection, if any.
func (e ServerEndpoint) Username() string {
	return e.username
}

// Password returns the password to supply for the connection, if any.
func (e ServerEndpoint) Password() string {
	return e.password
}

// HasCredentials reports whether a username was configured for the endpoint.
func (e ServerEndpoint) HasCredentials() bool {
	return e.username != ""
}

// Key returns the identity of the endpoint, host:port. Credentials are
// deliberately excluded.
func (e ServerEndpoint) Key() string {
	return fmt.Sprintf("%s:%d", e.host, e.port)
}

// Equal reports whether both endpoints name the same server.
func (e ServerEndpoint) Equal(other ServerEndpoint) bool {
	return e.host == other.host && e.port == other.port
}

// Addr returns the dialable address of the endpoint.
func (e ServerEndpoint) Addr() string {
	return e.Key()
}

func (e ServerEndpoint) String() string {
	return e.Key()
}
