package rpool

import (
	"errors"
	"net"
	"net/rpc"
	"sync"
)

// ConfigurationProvider is an alternative source of server descriptors, used
// when several pool processes share one set of backends. Borrowed descriptors
// are owned by the caller until returned.
type ConfigurationProvider interface {
	BorrowServerConfig() (*RServerConfig, error)
	ReturnServerConfig(config *RServerConfig) error
}

// ErrNoServersAvailable is returned by a provider whose descriptor list has
// been exhausted.
var ErrNoServersAvailable = errors.New("no server configurations available")

// ConfigurationService distributes server descriptors over RPC so a single
// configuration can be shared among multiple processes.
type ConfigurationService struct {
	lock      sync.Mutex
	available []*RServerConfig
}

// NewConfigurationService seeds a service with the servers of a pool
// configuration.
func NewConfigurationService(config *PoolConfig) *ConfigurationService {
	s := &ConfigurationService{}
	s.available = append(s.available, config.Servers...)
	return s
}

// Borrow hands out one descriptor, removing it from the available list.
func (s *ConfigurationService) Borrow(_ *struct{}, reply *RServerConfig) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.available) == 0 {
		return ErrNoServersAvailable
	}

	*reply = *s.available[0]
	s.available = s.available[1:]
	return nil
}

// Return puts a previously borrowed descriptor back on the available list.
func (s *ConfigurationService) Return(item RServerConfig, _ *struct{}) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.available = append(s.available, &item)
	return nil
}

// ServeConfiguration registers the service and accepts RPC clients on the
// listener until the listener is closed.
func ServeConfiguration(listener net.Listener, service *ConfigurationService) error {

	server := rpc.NewServer()
	if err := server.RegisterName("RConfiguration", service); err != nil {
		return err
	}

	server.Accept(listener)
	return nil
}

// RemoteConfigurationProvider borrows server descriptors from a
// ConfigurationService in another process.
type RemoteConfigurationProvider struct {
	client *rpc.Client
}

// DialConfigurationProvider connects to a configuration service.
func DialConfigurationProvider(addr string) (*RemoteConfigurationProvider, error) {
	client, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &RemoteConfigurationProvider{client: client}, nil
}

// BorrowServerConfig fetches one descriptor from the remote service.
func (p *RemoteConfigurationProvider) BorrowServerConfig() (*RServerConfig, error) {
	reply := &RServerConfig{}
	if err := p.client.Call("RConfiguration.Borrow", &struct{}{}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// ReturnServerConfig gives a descriptor back to the remote service.
func (p *RemoteConfigurationProvider) ReturnServerConfig(config *RServerConfig) error {
	return p.client.Call("RConfiguration.Return", *config, &struct{}{})
}

// Close releases the RPC client.
func (p *RemoteConfigurationProvider) Close() error {
	return p.client.Close()
}

// NewConnectionPoolFromProvider borrows up to count descriptors from the
// provider and builds a pool over them. Fewer descriptors than requested is
// not an error; zero yields a closed pool.
func NewConnectionPoolFromProvider(provider ConfigurationProvider, count int) (*ConnectionPool, error) {
	return NewConnectionPoolFromProviderWithDriver(provider, count, NewDriver())
}

// NewConnectionPoolFromProviderWithDriver is NewConnectionPoolFromProvider
// with an explicit driver.
func NewConnectionPoolFromProviderWithDriver(provider ConfigurationProvider, count int, driver Driver) (*ConnectionPool, error) {

	config := &PoolConfig{}
	for i := 0; i < count; i++ {
		server, err := provider.BorrowServerConfig()
		if err != nil {
			if errors.Is(err, ErrNoServersAvailable) || err.Error() == ErrNoServersAvailable.Error() {
				break
			}
			return nil, err
		}
		config.Servers = append(config.Servers, server)
	}

	return NewConnectionPoolWithDriver(config, driver)
}
