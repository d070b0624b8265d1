package rpool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned for any operation attempted after the pool
	// has been shut down, including every operation on a pool that enrolled
	// zero servers (such a pool is constructed already closed).
	// You can check for this error with errors.Is.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrNotOwned is returned when a connection handed to ReturnConnection or
	// InvalidateConnection is nil or is not currently checked out of the pool.
	ErrNotOwned = errors.New("connection not owned by pool")

	// ErrConnect wraps driver-level failures to open, authenticate with, or
	// reach a server.
	ErrConnect = errors.New("unable to connect to server")

	// ErrConfigInvalid is returned when a configuration document cannot be
	// read or is missing required attributes.
	ErrConfigInvalid = errors.New("invalid pool configuration")

	// ErrScriptNotFound is returned when a named script resource cannot be
	// located on the script search path.
	ErrScriptNotFound = errors.New("script resource not found")

	// ErrInvalidArgument is returned by script input setters given nil values.
	ErrInvalidArgument = errors.New("invalid argument")
)

func connectError(endpoint ServerEndpoint, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrConnect, endpoint.String(), err)
}

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
}
