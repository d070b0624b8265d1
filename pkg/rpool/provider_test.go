package rpool

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startConfigurationService(t *testing.T, config *PoolConfig) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() { _ = ServeConfiguration(listener, NewConfigurationService(config)) }()
	return listener.Addr().String()
}

func TestConfigurationServiceBorrowAndReturn(t *testing.T) {
	addr := startConfigurationService(t, testPoolConfig(2))

	provider, err := DialConfigurationProvider(addr)
	require.NoError(t, err)
	defer provider.Close()

	first, err := provider.BorrowServerConfig()
	require.NoError(t, err)
	second, err := provider.BorrowServerConfig()
	require.NoError(t, err)
	assert.NotEqual(t, first.Port, second.Port)

	// The list is exhausted until something is returned.
	_, err = provider.BorrowServerConfig()
	require.Error(t, err)

	require.NoError(t, provider.ReturnServerConfig(first))

	third, err := provider.BorrowServerConfig()
	require.NoError(t, err)
	assert.Equal(t, first.Port, third.Port)
}

func TestConnectionPoolFromProvider(t *testing.T) {
	addr := startConfigurationService(t, testPoolConfig(2))

	provider, err := DialConfigurationProvider(addr)
	require.NoError(t, err)
	defer provider.Close()

	cp, err := NewConnectionPoolFromProviderWithDriver(provider, 2, newFakeDriver())
	require.NoError(t, err)
	defer cp.Shutdown()

	assert.Equal(t, 2, cp.TotalCount())

	conn, err := cp.GetConnection()
	require.NoError(t, err)
	require.NoError(t, cp.ReturnConnection(conn))
}

func TestConnectionPoolFromProviderToleratesShortList(t *testing.T) {
	addr := startConfigurationService(t, testPoolConfig(1))

	provider, err := DialConfigurationProvider(addr)
	require.NoError(t, err)
	defer provider.Close()

	// Asking for more than the service holds enrolls what it has.
	cp, err := NewConnectionPoolFromProviderWithDriver(provider, 5, newFakeDriver())
	require.NoError(t, err)
	defer cp.Shutdown()

	assert.Equal(t, 1, cp.TotalCount())
}
