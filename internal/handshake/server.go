package handshake

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/wavelink/internal/session"
	"github.com/1ureka/wavelink/internal/transport"
	"github.com/1ureka/wavelink/internal/trust"
	"github.com/1ureka/wavelink/internal/util"
)

var (
	ErrNoPendingGuest = errors.New("handshake: no pending guest with that id")
	ErrServerClosed   = errors.New("handshake: server closed")
)

// TrustWriter is implemented by trust stores that can remember a guest.
type TrustWriter interface {
	Add(roomID string, userIDs ...string)
}

type ServerConfig struct {
	AppID           string
	ProtocolVersion int

	// Host identity echoed in every reply.
	HostUserID string
	DeviceName string

	// RoomID empty means no room is open and every handshake is refused.
	RoomID   string
	RoomName string

	// Audio is advertised in every reply so guests decode what is sent.
	Audio *AudioFormat

	ApprovalTimeout time.Duration // 0 waits until the host decides
	ReadTimeout     time.Duration // for the first message
}

type EventKind int

const (
	// EventPending: a guest is waiting for Accept or Decline.
	EventPending EventKind = iota + 1
	// EventResult: a final reply went out.
	EventResult
	// EventCancelled: a pending guest went away before a decision.
	EventCancelled
)

type Event struct {
	Kind   EventKind
	Guest  Message
	Remote net.Addr
	Result Code
}

// PendingGuest is a guest waiting for the host's decision.
type PendingGuest struct {
	Guest  Message
	Remote net.Addr
	Since  time.Time
}

type decision struct {
	code     Code
	remember bool
}

type pendingGuest struct {
	PendingGuest
	decision chan decision
}

// guestConn is an admitted guest's control connection. Writes may come from
// its handler and from Expel.
type guestConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (g *guestConn) send(m Message) error {
	g.wmu.Lock()
	defer g.wmu.Unlock()
	_ = g.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return writeMessage(g.conn, m)
}

// Server is the host side of the control channel. It validates handshakes,
// parks unknown guests until the host decides, and registers admitted guests
// with the session registry.
type Server struct {
	cfg      ServerConfig
	trust    trust.Store
	registry *session.Registry
	onEvent  func(Event)

	mu      sync.Mutex
	ln      net.Listener
	pending map[string]*pendingGuest
	conns   map[string]*guestConn
	active  map[net.Conn]struct{}

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewServer(cfg ServerConfig, store trust.Store, registry *session.Registry) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		trust:    store,
		registry: registry,
		pending:  make(map[string]*pendingGuest),
		conns:    make(map[string]*guestConn),
		active:   make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// OnEvent registers a callback for handshake events. It runs on connection
// goroutines and must not block. Set it before Serve.
func (s *Server) OnEvent(fn func(Event)) { s.onEvent = fn }

func (s *Server) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// Serve accepts guests on ln until Close. It always returns a non-nil error,
// ErrServerClosed after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.active[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

// Close stops accepting, drops every control connection and waits for the
// handlers to return.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.done)
		if s.ln != nil {
			err = s.ln.Close()
		}
		for c := range s.active {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}

// ---------------------------------------------------------------------------
// Host decisions
// ---------------------------------------------------------------------------

// Accept admits a pending guest. With remember set the guest is added to the
// room's trusted set so its next handshake succeeds directly.
func (s *Server) Accept(userID string, remember bool) error {
	p, err := s.takePending(userID)
	if err != nil {
		return err
	}
	if remember {
		if w, ok := s.trust.(TrustWriter); ok {
			w.Add(s.cfg.RoomID, userID)
		}
	}
	p.decision <- decision{code: Success, remember: remember}
	return nil
}

// Decline refuses a pending guest; its connection is closed after the reply.
func (s *Server) Decline(userID string) error {
	p, err := s.takePending(userID)
	if err != nil {
		return err
	}
	p.decision <- decision{code: DeclinedByHost}
	return nil
}

func (s *Server) takePending(userID string) (*pendingGuest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[userID]
	if !ok {
		return nil, ErrNoPendingGuest
	}
	delete(s.pending, userID)
	return p, nil
}

// Pending lists guests awaiting a decision, oldest first.
func (s *Server) Pending() []PendingGuest {
	s.mu.Lock()
	out := make([]PendingGuest, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.PendingGuest)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// Expel tells an admitted guest it was removed, closes its control
// connection and drops it from the registry.
func (s *Server) Expel(userID string) error {
	s.mu.Lock()
	gc, ok := s.conns[userID]
	if ok {
		delete(s.conns, userID)
	}
	s.mu.Unlock()

	if !ok {
		if s.registry.Remove(userID) {
			return nil
		}
		return session.ErrUnknownGuest
	}

	if err := gc.send(s.reply(ExpelledByHost)); err != nil {
		util.LogDebug("Expel %s: %v", userID, err)
	}
	gc.conn.Close()
	s.registry.Remove(userID)
	return nil
}

// ---------------------------------------------------------------------------
// Connection handling
// ---------------------------------------------------------------------------

func (s *Server) reply(code Code) Message {
	return Message{
		AppIdentifier:   s.cfg.AppID,
		UserID:          s.cfg.HostUserID,
		DeviceName:      s.cfg.DeviceName,
		RoomName:        s.cfg.RoomName,
		ProtocolVersion: s.cfg.ProtocolVersion,
		Response:        code,
		Audio:           s.cfg.Audio,
	}
}

// validate checks a handshake in order: open room, app id, protocol
// version, user id, trust. The first failure wins.
func (s *Server) validate(m Message) Code {
	switch {
	case s.cfg.RoomID == "":
		return InvalidHandshake
	case m.AppIdentifier != s.cfg.AppID:
		return InvalidAppID
	case m.ProtocolVersion != s.cfg.ProtocolVersion:
		return InvalidProtocol
	case m.UserID == "":
		return InvalidUserID
	case s.trust != nil && s.trust.IsTrusted(s.cfg.RoomID, m.UserID):
		return Success
	default:
		return HostApprovalRequired
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr()
	gc := &guestConn{conn: conn}
	r := bufio.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	msg, err := readMessage(r)
	if err != nil {
		if isMalformed(err) {
			util.LogWarning("Malformed handshake from %s: %v", remote, err)
			s.finish(gc, Message{}, remote, InvalidHandshake)
		} else {
			util.LogDebug("Handshake read from %s: %v", remote, err)
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	code := s.validate(msg)
	util.LogDebug("Handshake from %s (%s, %q): %s", msg.UserID, remote, msg.DeviceName, code)

	remember := false
	switch code {
	case Success:
		remember = true
	case HostApprovalRequired:
		if s.full(msg.UserID) {
			s.finish(gc, msg, remote, RoomFull)
			return
		}
		d, ok := s.awaitDecision(gc, r, msg, remote)
		if !ok {
			return
		}
		code, remember = d.code, d.remember
		if code != Success {
			s.finish(gc, msg, remote, code)
			return
		}
	default:
		s.finish(gc, msg, remote, code)
		return
	}

	if !s.admit(gc, msg, remote, remember) {
		return
	}
	s.follow(gc, r, msg)
}

// finish sends a final refusal and lets the handler close the connection.
func (s *Server) finish(gc *guestConn, msg Message, remote net.Addr, code Code) {
	if err := gc.send(s.reply(code)); err != nil {
		util.LogDebug("Reply %s to %s: %v", code, remote, err)
	}
	s.emit(Event{Kind: EventResult, Guest: msg, Remote: remote, Result: code})
}

func (s *Server) full(userID string) bool {
	if _, ok := s.registry.Get(userID); ok {
		return false
	}
	return s.registry.Full()
}

// awaitDecision parks the guest until Accept, Decline, the approval timeout,
// the guest hanging up, or Close. The guest is told approval is required
// right away and keeps waiting on the same connection.
func (s *Server) awaitDecision(gc *guestConn, r *bufio.Reader, msg Message, remote net.Addr) (decision, bool) {
	p := &pendingGuest{
		PendingGuest: PendingGuest{Guest: msg, Remote: remote, Since: time.Now()},
		decision:     make(chan decision, 1),
	}

	s.mu.Lock()
	if old, ok := s.pending[msg.UserID]; ok {
		// A retry from the same guest replaces the stale request.
		old.decision <- decision{code: None}
	}
	s.pending[msg.UserID] = p
	s.mu.Unlock()

	if err := gc.send(s.reply(HostApprovalRequired)); err != nil {
		s.dropPending(p)
		return decision{}, false
	}
	s.emit(Event{Kind: EventPending, Guest: msg, Remote: remote, Result: HostApprovalRequired})

	// The guest sends nothing while it waits, so any read result means it
	// hung up or broke protocol.
	hangup := make(chan struct{})
	go func() {
		_, _ = r.Peek(1)
		close(hangup)
	}()
	stopWatch := func() {
		_ = gc.conn.SetReadDeadline(time.Now())
		<-hangup
		_ = gc.conn.SetReadDeadline(time.Time{})
		if r.Buffered() == 0 {
			r.Reset(gc.conn) // forget the deadline error
		}
	}

	var timeout <-chan time.Time
	if s.cfg.ApprovalTimeout > 0 {
		t := time.NewTimer(s.cfg.ApprovalTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case d := <-p.decision:
		stopWatch()
		if d.code == None {
			s.emit(Event{Kind: EventCancelled, Guest: msg, Remote: remote})
			return decision{}, false
		}
		return d, true
	case <-timeout:
		s.dropPending(p)
		stopWatch()
		return decision{code: Timeout}, true
	case <-hangup:
		s.dropPending(p)
		util.LogInfo("Guest %q left before the host decided", msg.DeviceName)
		s.emit(Event{Kind: EventCancelled, Guest: msg, Remote: remote})
		return decision{}, false
	case <-s.done:
		s.dropPending(p)
		return decision{}, false
	}
}

func (s *Server) dropPending(p *pendingGuest) {
	s.mu.Lock()
	if s.pending[p.Guest.UserID] == p {
		delete(s.pending, p.Guest.UserID)
	}
	s.mu.Unlock()
}

// admit registers the guest's audio endpoint and sends Success.
func (s *Server) admit(gc *guestConn, msg Message, remote net.Addr, trusted bool) bool {
	endpoint, err := transport.Endpoint(remote, msg.AudioPort)
	if err != nil {
		util.LogWarning("Guest %s: %v", msg.UserID, err)
		s.finish(gc, msg, remote, Error)
		return false
	}
	if err := s.registry.Register(msg.UserID, msg.DeviceName, endpoint); err != nil {
		if errors.Is(err, session.ErrRoomFull) {
			s.finish(gc, msg, remote, RoomFull)
		} else {
			s.finish(gc, msg, remote, Error)
		}
		return false
	}
	if trusted {
		_ = s.registry.SetTrusted(msg.UserID)
	}

	s.mu.Lock()
	prev := s.conns[msg.UserID]
	s.conns[msg.UserID] = gc
	s.mu.Unlock()
	if prev != nil {
		prev.conn.Close()
	}

	if err := gc.send(s.reply(Success)); err != nil {
		s.release(gc, msg.UserID)
		return false
	}
	s.emit(Event{Kind: EventResult, Guest: msg, Remote: remote, Result: Success})
	util.LogSuccess("Guest %q (%s) joined, streaming to %s", msg.DeviceName, msg.UserID, endpoint)
	return true
}

// follow serves an admitted guest's notifications until it leaves or the
// connection drops.
func (s *Server) follow(gc *guestConn, r *bufio.Reader, guest Message) {
	defer s.release(gc, guest.UserID)

	for {
		m, err := readMessage(r)
		if err != nil {
			if isMalformed(err) {
				util.LogWarning("Guest %s sent a malformed message: %v", guest.UserID, err)
				continue
			}
			util.LogInfo("Guest %q disconnected", guest.DeviceName)
			return
		}
		if m.AppIdentifier != s.cfg.AppID || m.ProtocolVersion != s.cfg.ProtocolVersion || m.UserID != guest.UserID {
			util.LogDebug("Ignoring foreign message on %s's connection", guest.UserID)
			continue
		}

		switch m.Response {
		case UDPSocketOpen:
			_ = s.registry.SetPlaying(guest.UserID, true)
		case UDPSocketClosed:
			_ = s.registry.SetPlaying(guest.UserID, false)
		case GuestLeftRoom:
			util.LogInfo("Guest %q left the room", guest.DeviceName)
			return
		default:
			util.LogDebug("Guest %s sent %s, ignored", guest.UserID, m.Response)
		}
	}
}

// release drops the guest if gc is still its current connection.
func (s *Server) release(gc *guestConn, userID string) {
	s.mu.Lock()
	current := s.conns[userID] == gc
	if current {
		delete(s.conns, userID)
	}
	s.mu.Unlock()

	if current {
		s.registry.Remove(userID)
	}
}
