package control

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/wavelink/internal/handshake"
	"github.com/1ureka/wavelink/internal/session"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRoom struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRoom) record(s string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
	if strings.HasSuffix(s, ":ghost") {
		return errors.New("no such guest")
	}
	return nil
}

func (r *fakeRoom) Accept(id string, remember bool) error {
	if remember {
		return r.record("accept+remember:" + id)
	}
	return r.record("accept:" + id)
}
func (r *fakeRoom) Decline(id string) error { return r.record("decline:" + id) }
func (r *fakeRoom) Expel(id string) error   { return r.record("expel:" + id) }
func (r *fakeRoom) SetPlaying(id string, p bool) error {
	if p {
		return r.record("resume:" + id)
	}
	return r.record("pause:" + id)
}
func (r *fakeRoom) Snapshot() ([]GuestView, []PendingView) {
	return []GuestView{{ID: "alice", Playing: true}}, []PendingView{{ID: "bob"}}
}

func (r *fakeRoom) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func dialBridge(t *testing.T, ts *httptest.Server, pin string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?pin=" + pin
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	var ev Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWrongPIN(t *testing.T) {
	srv := NewServer("1234", &fakeRoom{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, pin := range []string{"0000", "", "123", "12345"} {
		_, resp, err := dialBridge(t, ts, pin)
		require.Error(t, err, pin)
		require.NotNil(t, resp, pin)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, pin)
	}
}

func TestSnapshotAndCommands(t *testing.T) {
	room := &fakeRoom{}
	srv := NewServer("1234", room)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := dialBridge(t, ts, "1234")
	require.NoError(t, err)

	snap := readEvent(t, conn)
	assert.Equal(t, TypeSnapshot, snap.Type)
	require.Len(t, snap.Guests, 1)
	assert.Equal(t, "alice", snap.Guests[0].ID)
	require.Len(t, snap.Waiting, 1)

	cmds := []Command{
		{Action: "accept", UserID: "bob", Remember: true},
		{Action: "decline", UserID: "carol"},
		{Action: "EXPEL", UserID: "dave"},
		{Action: "pause", UserID: "alice"},
		{Action: "resume", UserID: "alice"},
	}
	for _, cmd := range cmds {
		require.NoError(t, conn.WriteJSON(cmd))
		ack := readEvent(t, conn)
		assert.Equal(t, TypeAck, ack.Type, cmd.Action)
		assert.Equal(t, cmd.UserID, ack.UserID)
	}
	assert.Equal(t, []string{
		"accept+remember:bob", "decline:carol", "expel:dave", "pause:alice", "resume:alice",
	}, room.list())
}

func TestCommandErrors(t *testing.T) {
	srv := NewServer("1234", &fakeRoom{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := dialBridge(t, ts, "1234")
	require.NoError(t, err)
	readEvent(t, conn)

	for _, cmd := range []Command{
		{Action: "accept", UserID: "ghost"},
		{Action: "dance", UserID: "alice"},
		{Action: "accept"},
	} {
		require.NoError(t, conn.WriteJSON(cmd))
		ev := readEvent(t, conn)
		assert.Equal(t, TypeError, ev.Type)
		assert.NotEmpty(t, ev.Error)
	}
}

func TestBroadcast(t *testing.T) {
	srv := NewServer("1234", &fakeRoom{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	a, _, err := dialBridge(t, ts, "1234")
	require.NoError(t, err)
	b, _, err := dialBridge(t, ts, "1234")
	require.NoError(t, err)
	readEvent(t, a)
	readEvent(t, b)

	srv.Broadcast(SessionEvent(session.Event{
		Kind:  session.GuestJoined,
		Guest: session.Guest{ID: "alice", Endpoint: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 8989}},
	}))
	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, TypeGuestJoined, ev.Type)
		require.NotNil(t, ev.Guest)
		assert.Equal(t, "10.0.0.2:8989", ev.Guest.Endpoint)
	}
}

func TestStartAndClose(t *testing.T) {
	srv := NewServer("42", &fakeRoom{})
	addr, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr.String()+"/ws?pin=42", nil)
	require.NoError(t, err)
	defer conn.Close()
	readEvent(t, conn)

	require.NoError(t, srv.Close())
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestHandshakeEventConversion(t *testing.T) {
	ev := HandshakeEvent(handshake.Event{
		Kind:   handshake.EventResult,
		Guest:  handshake.Message{UserID: "bob", DeviceName: "Tab"},
		Result: handshake.DeclinedByHost,
	})
	assert.Equal(t, TypeHandshakeResult, ev.Type)
	assert.Equal(t, "DeclinedByHost", ev.Result)
	assert.Equal(t, "bob", ev.Pending.ID)

	ev = HandshakeEvent(handshake.Event{Kind: handshake.EventPending, Guest: handshake.Message{UserID: "bob"}})
	assert.Equal(t, TypeGuestPending, ev.Type)
}

func TestGeneratePIN(t *testing.T) {
	pin := GeneratePIN(6)
	assert.Len(t, pin, 6)
	for _, r := range pin {
		assert.True(t, r >= '0' && r <= '9')
	}
}
