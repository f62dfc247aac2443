package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoint(t *testing.T) {
	remote := &net.TCPAddr{IP: net.IPv4(192, 168, 49, 7), Port: 51234}

	ep, err := Endpoint(remote, 0)
	require.NoError(t, err)
	assert.Equal(t, "192.168.49.7:8989", ep.String())

	ep, err = Endpoint(remote, 9000)
	require.NoError(t, err)
	assert.Equal(t, 9000, ep.Port)

	_, err = Endpoint(&net.UnixAddr{Name: "/tmp/x", Net: "unix"}, 0)
	assert.Error(t, err)
}

func TestAudioLoopback(t *testing.T) {
	rx, err := ListenAudio("127.0.0.1", 0)
	require.NoError(t, err)
	defer rx.Close()
	tx, err := ListenAudio("127.0.0.1", 0)
	require.NoError(t, err)
	defer tx.Close()

	_, err = tx.WriteTo([]byte("hello"), rx.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, rx.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := rx.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestReadDeadlineIsTimeout(t *testing.T) {
	conn, err := ListenAudio("127.0.0.1", 0)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, _, err = conn.ReadFrom(make([]byte, 8))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsClosed(err))
	assert.True(t, IsTimeout(fmt.Errorf("wrapped: %w", err)))
}

func TestClosedSocket(t *testing.T) {
	conn, err := ListenAudio("127.0.0.1", 0)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, _, err = conn.ReadFrom(make([]byte, 8))
	assert.True(t, IsClosed(err))
	assert.False(t, IsTimeout(errors.New("boom")))
}

func TestControlDial(t *testing.T) {
	ln, err := ListenControl("127.0.0.1", 0)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	conn, err := DialControl(context.Background(), "127.0.0.1", port, time.Second)
	require.NoError(t, err)
	conn.Close()
}
