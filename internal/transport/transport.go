// Package transport holds the socket plumbing shared by host and guest: the
// UDP audio channel, the TCP control channel and error classification for
// both.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

const (
	DefaultControlPort = 8988
	DefaultAudioPort   = 8989

	// socketBufferSize is requested for both directions of the audio socket.
	socketBufferSize = 1 << 20
)

// ---------------------------------------------------------------------------
// Audio channel
// ---------------------------------------------------------------------------

// ListenAudio opens the UDP socket a guest receives on, or the host sends
// from when port is 0.
func ListenAudio(host string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve audio address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen audio: %w", err)
	}
	// Buffer sizing is best effort; the kernel may clamp it.
	_ = conn.SetReadBuffer(socketBufferSize)
	_ = conn.SetWriteBuffer(socketBufferSize)
	return conn, nil
}

// Endpoint builds the datagram address of a guest from the IP its control
// connection came from and the audio port it advertised.
func Endpoint(remote net.Addr, audioPort int) (*net.UDPAddr, error) {
	if audioPort <= 0 {
		audioPort = DefaultAudioPort
	}
	var ip net.IP
	switch a := remote.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(remote.String())
		if err != nil {
			return nil, fmt.Errorf("endpoint from %s: %w", remote, err)
		}
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return nil, fmt.Errorf("endpoint from %s: no ip", remote)
	}
	return &net.UDPAddr{IP: ip, Port: audioPort}, nil
}

// ---------------------------------------------------------------------------
// Control channel
// ---------------------------------------------------------------------------

// ListenControl opens the TCP listener guests connect to.
func ListenControl(host string, port int) (net.Listener, error) {
	ln, err := net.Listen("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen control: %w", err)
	}
	return ln, nil
}

// DialControl connects to a host's control port.
func DialControl(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 15 * time.Second}
	conn, err := d.DialContext(ctx, "tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dial control %s:%d: %w", host, port, err)
	}
	return conn, nil
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// IsTimeout reports whether err is a read/write deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports whether err came from using a closed socket.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
