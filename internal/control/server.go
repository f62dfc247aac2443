package control

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/wavelink/internal/util"
	"github.com/gorilla/websocket"
)

const writeTimeout = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Room is what the bridge drives. The host app implements it on top of the
// handshake server and the session registry.
type Room interface {
	Accept(userID string, remember bool) error
	Decline(userID string) error
	Expel(userID string) error
	SetPlaying(userID string, playing bool) error
	Snapshot() ([]GuestView, []PendingView)
}

// Server is the host-side WebSocket bridge.
type Server struct {
	pin  string
	room Room

	mu      sync.Mutex
	clients map[*client]struct{}
	http    *http.Server
}

func NewServer(pin string, room Room) *Server {
	return &Server{
		pin:     pin,
		room:    room,
		clients: make(map[*client]struct{}),
	}
}

// Handler serves the bridge on /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start listens on addr and serves in the background. It returns the bound
// address.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("start control bridge: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("Control bridge stopped: %v", err)
		}
	}()
	return ln.Addr(), nil
}

// Close stops the listener and drops every client.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.http
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = srv.Shutdown(ctx)
		cancel()
	}
	for _, c := range clients {
		c.conn.Close()
	}
	return err
}

// Broadcast sends ev to every connected client. A client that cannot keep
// up is dropped.
func (s *Server) Broadcast(ev Event) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(ev); err != nil {
			util.LogDebug("Dropping control client %s: %v", c.conn.RemoteAddr(), err)
			c.conn.Close()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	if subtle.ConstantTimeCompare([]byte(pin), []byte(s.pin)) != 1 {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
	}()

	util.LogInfo("Control client connected from %s", conn.RemoteAddr())
	guests, waiting := s.room.Snapshot()
	if err := c.send(Event{Type: TypeSnapshot, Guests: guests, Waiting: waiting}); err != nil {
		return
	}

	if err := s.watch(c); err != nil {
		util.LogDebug("Control client %s: %v", conn.RemoteAddr(), err)
	}
}

// watch applies commands from one client until it disconnects.
func (s *Server) watch(c *client) error {
	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			return err
		}

		err := s.apply(cmd)
		reply := Event{Type: TypeAck, Action: cmd.Action, UserID: cmd.UserID}
		if err != nil {
			reply.Type = TypeError
			reply.Error = err.Error()
		}
		if err := c.send(reply); err != nil {
			return err
		}
	}
}

func (s *Server) apply(cmd Command) error {
	if cmd.UserID == "" {
		return errors.New("userId is required")
	}
	switch strings.ToLower(cmd.Action) {
	case ActionAccept:
		return s.room.Accept(cmd.UserID, cmd.Remember)
	case ActionDecline:
		return s.room.Decline(cmd.UserID)
	case ActionExpel:
		return s.room.Expel(cmd.UserID)
	case ActionPause:
		return s.room.SetPlaying(cmd.UserID, false)
	case ActionResume:
		return s.room.SetPlaying(cmd.UserID, true)
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

// client serializes writes to one WebSocket.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(ev)
}

// GeneratePIN returns a random numeric PIN of the given length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
