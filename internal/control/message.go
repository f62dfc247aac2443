// Package control exposes the host's room to a UI over a PIN-protected
// WebSocket: guest events go out, accept/decline/expel/pause/resume
// commands come in.
package control

import (
	"time"

	"github.com/1ureka/wavelink/internal/handshake"
	"github.com/1ureka/wavelink/internal/session"
)

// Event types sent to UI clients.
const (
	TypeSnapshot        = "snapshot"
	TypeGuestPending    = "guest_pending"
	TypeGuestCancelled  = "guest_cancelled"
	TypeGuestJoined     = "guest_joined"
	TypeGuestUpdated    = "guest_updated"
	TypeGuestLeft       = "guest_left"
	TypeHandshakeResult = "handshake_result"
	TypeAck             = "ack"
	TypeError           = "error"
)

// Commands accepted from UI clients.
const (
	ActionAccept  = "accept"
	ActionDecline = "decline"
	ActionExpel   = "expel"
	ActionPause   = "pause"
	ActionResume  = "resume"
)

type GuestView struct {
	ID         string    `json:"id"`
	DeviceName string    `json:"deviceName"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Trusted    bool      `json:"trusted"`
	Playing    bool      `json:"playing"`
	JoinedAt   time.Time `json:"joinedAt"`
}

type PendingView struct {
	ID         string    `json:"id"`
	DeviceName string    `json:"deviceName"`
	Remote     string    `json:"remote"`
	Since      time.Time `json:"since"`
}

// Event is every server-to-client message.
type Event struct {
	Type    string        `json:"type"`
	Guest   *GuestView    `json:"guest,omitempty"`
	Pending *PendingView  `json:"pending,omitempty"`
	Result  string        `json:"result,omitempty"`
	Guests  []GuestView   `json:"guests,omitempty"`
	Waiting []PendingView `json:"waiting,omitempty"`

	// Set on ack and error replies.
	Action string `json:"action,omitempty"`
	UserID string `json:"userId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Command is every client-to-server message.
type Command struct {
	Action   string `json:"action"`
	UserID   string `json:"userId"`
	Remember bool   `json:"remember,omitempty"`
}

func GuestFrom(g session.Guest) GuestView {
	v := GuestView{
		ID:         g.ID,
		DeviceName: g.DeviceName,
		Trusted:    g.Trusted,
		Playing:    g.Playing,
		JoinedAt:   g.JoinedAt,
	}
	if g.Endpoint != nil {
		v.Endpoint = g.Endpoint.String()
	}
	return v
}

func PendingFrom(p handshake.PendingGuest) PendingView {
	v := PendingView{ID: p.Guest.UserID, DeviceName: p.Guest.DeviceName, Since: p.Since}
	if p.Remote != nil {
		v.Remote = p.Remote.String()
	}
	return v
}

// SessionEvent converts a registry event.
func SessionEvent(ev session.Event) Event {
	g := GuestFrom(ev.Guest)
	var typ string
	switch ev.Kind {
	case session.GuestJoined:
		typ = TypeGuestJoined
	case session.GuestUpdated:
		typ = TypeGuestUpdated
	default:
		typ = TypeGuestLeft
	}
	return Event{Type: typ, Guest: &g}
}

// HandshakeEvent converts a handshake server event.
func HandshakeEvent(ev handshake.Event) Event {
	p := PendingFrom(handshake.PendingGuest{Guest: ev.Guest, Remote: ev.Remote, Since: time.Now()})
	switch ev.Kind {
	case handshake.EventPending:
		return Event{Type: TypeGuestPending, Pending: &p}
	case handshake.EventCancelled:
		return Event{Type: TypeGuestCancelled, Pending: &p}
	default:
		return Event{Type: TypeHandshakeResult, Pending: &p, Result: ev.Result.String()}
	}
}
