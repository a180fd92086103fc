package centrifuge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	config := DefaultConfig()
	assert.Equal(time.Second, config.Retry)
	assert.Equal(20*time.Second, config.MaxRetry)
	assert.Equal(5*time.Second, config.Timeout)
	assert.True(config.Resubscribe)
	assert.True(config.Ping)
	assert.Equal(30*time.Second, config.PingInterval)
	assert.Equal(5*time.Second, config.PongWaitTimeout)
	assert.Equal("$", config.PrivateChannelPrefix)
	assert.Equal(3*time.Second, config.RefreshInterval)
	assert.Nil(config.RefreshAttempts)
}

func TestConfigZeroValuesTakeDefaults(t *testing.T) {
	config := Config{}
	config.applyDefaults()
	require.Equal(t, time.Second, config.Retry)
	require.Equal(t, "$", config.PrivateChannelPrefix)
	require.NotNil(t, config.HTTPClient)
}

func TestConfigValidation(t *testing.T) {
	config := DefaultConfig()
	config.RefreshEndpoint = "not a url"
	require.Error(t, config.validate())

	config = DefaultConfig()
	config.AuthEndpoint = "https://example.com/centrifuge/auth"
	require.NoError(t, config.validate())
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://broker.example.com")
	require.Error(t, err)

	_, err = NewClient("://")
	require.Error(t, err)
}
