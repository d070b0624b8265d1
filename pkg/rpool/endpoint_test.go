package rpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointDefaultsPort(t *testing.T) {
	endpoint, err := NewServerEndpoint("stats.example.org", 0)
	require.NoError(t, err)

	assert.Equal(t, "stats.example.org", endpoint.Host())
	assert.Equal(t, DefaultServerPort, endpoint.Port())
	assert.Equal(t, "stats.example.org:6311", endpoint.String())
}

func TestEndpointRequiresHost(t *testing.T) {
	_, err := NewServerEndpoint("", 6311)
	assert.ErrorIs(t, err, ErrConfigInvalid)

	_, err = NewServerEndpoint("   ", 6311)
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestEndpointIdentityIgnoresCredentials(t *testing.T) {
	plain, err := NewServerEndpoint("stats.example.org", 6311)
	require.NoError(t, err)

	authed, err := NewServerEndpointWithCredentials("stats.example.org", 6311, "analyst", "secret")
	require.NoError(t, err)

	assert.True(t, plain.Equal(authed))
	assert.Equal(t, plain.Key(), authed.Key())
	assert.True(t, authed.HasCredentials())
	assert.False(t, plain.HasCredentials())
}

func TestEndpointDistinctPortsDiffer(t *testing.T) {
	a, _ := NewServerEndpoint("stats.example.org", 6311)
	b, _ := NewServerEndpoint("stats.example.org", 6312)

	assert.False(t, a.Equal(b))
	assert.NotEqual(t, a.Key(), b.Key())
}
