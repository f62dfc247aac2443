package handshake

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// State is the guest side of the handshake.
type State int

const (
	StateIdle State = iota
	StateHandshakeSent
	StatePendingApproval
	StateAccepted
	StateDeclined
	StateRejected // incompatible peer, room full, approval timed out
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshakeSent:
		return "handshake_sent"
	case StatePendingApproval:
		return "pending_approval"
	case StateAccepted:
		return "accepted"
	case StateDeclined:
		return "declined"
	case StateRejected:
		return "rejected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var ErrNotAccepted = errors.New("handshake: not accepted")

type ClientConfig struct {
	AppID           string
	ProtocolVersion int
	UserID          string
	DeviceName      string
	AudioPort       int
	WriteTimeout    time.Duration
}

// Client runs one handshake over one control connection. Handshakes are not
// resumable: after an error, dial a new connection and use a new Client.
type Client struct {
	cfg  ClientConfig
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex

	mu    sync.Mutex
	state State
	host  Message

	onPending func(host Message)
}

func NewClient(cfg ClientConfig, conn net.Conn) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg, conn: conn, r: bufio.NewReader(conn)}
}

// OnPending is called when the host asks for approval. Set it before
// Handshake.
func (c *Client) OnPending(fn func(host Message)) { c.onPending = fn }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Host returns the host's last reply.
func (c *Client) Host() Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) message(code Code) Message {
	return Message{
		AppIdentifier:   c.cfg.AppID,
		UserID:          c.cfg.UserID,
		DeviceName:      c.cfg.DeviceName,
		ProtocolVersion: c.cfg.ProtocolVersion,
		Response:        code,
		AudioPort:       c.cfg.AudioPort,
	}
}

func (c *Client) send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return writeMessage(c.conn, m)
}

// Handshake sends the guest's message and blocks until the host's final
// answer. A HostApprovalRequired reply is reported through OnPending and the
// wait continues on the same connection. Cancelling ctx closes the
// connection. I/O and decoding failures come back as an Error result.
func (c *Client) Handshake(ctx context.Context) Result {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	if err := c.send(c.message(0)); err != nil {
		c.setState(StateError)
		return errorResult(c.ctxErr(ctx, err))
	}
	c.setState(StateHandshakeSent)

	for {
		reply, err := readMessage(c.r)
		if err != nil {
			c.setState(StateError)
			return errorResult(c.ctxErr(ctx, err))
		}
		c.mu.Lock()
		c.host = reply
		c.mu.Unlock()

		switch reply.Response {
		case HostApprovalRequired:
			c.setState(StatePendingApproval)
			if c.onPending != nil {
				c.onPending(reply)
			}
			continue
		case Success:
			c.setState(StateAccepted)
		case DeclinedByHost:
			c.setState(StateDeclined)
		case Error:
			c.setState(StateError)
		case 0:
			c.setState(StateError)
			return errorResult(errors.New("host reply has no response code"))
		default:
			c.setState(StateRejected)
		}
		return Result{Code: reply.Response, Msg: reply}
	}
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// SetPlaying tells the host whether this guest's audio socket is listening.
func (c *Client) SetPlaying(playing bool) error {
	if c.State() != StateAccepted {
		return ErrNotAccepted
	}
	code := UDPSocketClosed
	if playing {
		code = UDPSocketOpen
	}
	return c.send(c.message(code))
}

// Leave tells the host the guest is going and closes the connection.
func (c *Client) Leave() error {
	var err error
	if c.State() == StateAccepted {
		err = c.send(c.message(GuestLeftRoom))
	}
	return errors.Join(err, c.conn.Close())
}

// Wait blocks after a successful handshake until the host ends the session.
// It returns ExpelledByHost when the host removed the guest and an error
// when the connection dropped.
func (c *Client) Wait() (Code, error) {
	if c.State() != StateAccepted {
		return None, ErrNotAccepted
	}
	for {
		m, err := readMessage(c.r)
		if err != nil {
			if isMalformed(err) {
				continue
			}
			return None, fmt.Errorf("control connection: %w", err)
		}
		if m.Response == ExpelledByHost {
			c.setState(StateDeclined)
			return ExpelledByHost, nil
		}
	}
}
