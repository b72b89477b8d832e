package httptransport

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewServerAppliesDefaults(t *testing.T) {
	server := NewServer(ServerConfig{Address: ":9090"}, http.NewServeMux())

	require.Equal(t, ":9090", server.Addr)
	require.Equal(t, DefaultReadTimeout, server.ReadTimeout)
	require.Equal(t, DefaultWriteTimeout, server.WriteTimeout)
	require.Equal(t, DefaultIdleTimeout, server.IdleTimeout)
}

func TestNewServerHonorsExplicitTimeouts(t *testing.T) {
	server := NewServer(ServerConfig{
		Address:      ":8080",
		ReadTimeout:  time.Second,
		WriteTimeout: 2 * time.Second,
		IdleTimeout:  3 * time.Second,
	}, http.NewServeMux())

	require.Equal(t, time.Second, server.ReadTimeout)
	require.Equal(t, 2*time.Second, server.WriteTimeout)
	require.Equal(t, 3*time.Second, server.IdleTimeout)
}
