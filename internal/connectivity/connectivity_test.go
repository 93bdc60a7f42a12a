package connectivity

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFlag verifies explicit state changes.
func TestFlag(t *testing.T) {
	f := NewFlag(false)
	assert.False(t, f.IsConnected())
	f.Set(true)
	assert.True(t, f.IsConnected())
}

// TestDialProbe_Listener verifies a reachable address reports online.
func TestDialProbe_Listener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewDialProbe(ln.Addr().String(), time.Second)
	assert.True(t, p.IsConnected())

	ln.Close()
	p.Interval = 0
	assert.False(t, p.IsConnected())
}

// TestDialProbe_Caches verifies results are reused within the interval.
func TestDialProbe_Caches(t *testing.T) {
	dials := 0
	now := time.Unix(0, 0)
	p := NewDialProbe("example.invalid:443", time.Second)
	p.now = func() time.Time { return now }
	p.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials++
		return nil, errors.New("unreachable")
	}

	assert.False(t, p.IsConnected())
	assert.False(t, p.IsConnected())
	assert.Equal(t, 1, dials)

	now = now.Add(2 * time.Second)
	p.IsConnected()
	assert.Equal(t, 2, dials)
}
