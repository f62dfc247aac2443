// Package session tracks the guests admitted to the host's room.
package session

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownGuest = errors.New("session: unknown guest")
	ErrRoomFull     = errors.New("session: room is full")
)

// Guest is a copy of one guest's state; mutating it does not touch the
// registry.
type Guest struct {
	ID         string
	DeviceName string
	Endpoint   net.Addr
	Trusted    bool
	Playing    bool
	JoinedAt   time.Time
}

type EventKind int

const (
	GuestJoined EventKind = iota + 1
	GuestUpdated
	GuestLeft
)

func (k EventKind) String() string {
	switch k {
	case GuestJoined:
		return "guest_joined"
	case GuestUpdated:
		return "guest_updated"
	case GuestLeft:
		return "guest_left"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind  EventKind
	Guest Guest
}

// Registry is the single source of truth for guest membership, trust and
// playing state. Every method is safe for concurrent use; the lock is never
// held across I/O.
type Registry struct {
	mu        sync.Mutex
	guests    map[string]*Guest
	maxGuests int
	subs      map[chan Event]struct{}
	now       func() time.Time
}

// NewRegistry creates a registry admitting at most maxGuests guests;
// maxGuests <= 0 means unlimited.
func NewRegistry(maxGuests int) *Registry {
	return &Registry{
		guests:    make(map[string]*Guest),
		maxGuests: maxGuests,
		subs:      make(map[chan Event]struct{}),
		now:       time.Now,
	}
}

// Register admits a guest, or moves an existing guest to a new endpoint.
// New guests start out playing.
func (r *Registry) Register(id, deviceName string, endpoint net.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.guests[id]; ok {
		g.Endpoint = endpoint
		g.DeviceName = deviceName
		r.publish(GuestUpdated, g)
		return nil
	}
	if r.maxGuests > 0 && len(r.guests) >= r.maxGuests {
		return ErrRoomFull
	}

	g := &Guest{
		ID:         id,
		DeviceName: deviceName,
		Endpoint:   endpoint,
		Playing:    true,
		JoinedAt:   r.now(),
	}
	r.guests[id] = g
	r.publish(GuestJoined, g)
	return nil
}

// Full reports whether a new guest would be refused.
func (r *Registry) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxGuests > 0 && len(r.guests) >= r.maxGuests
}

func (r *Registry) SetTrusted(id string) error {
	return r.update(id, func(g *Guest) bool {
		if g.Trusted {
			return false
		}
		g.Trusted = true
		return true
	})
}

func (r *Registry) SetPlaying(id string, playing bool) error {
	return r.update(id, func(g *Guest) bool {
		if g.Playing == playing {
			return false
		}
		g.Playing = playing
		return true
	})
}

func (r *Registry) update(id string, fn func(*Guest) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.guests[id]
	if !ok {
		return ErrUnknownGuest
	}
	if fn(g) {
		r.publish(GuestUpdated, g)
	}
	return nil
}

// Remove drops a guest. It reports whether the guest was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.guests[id]
	if !ok {
		return false
	}
	delete(r.guests, id)
	r.publish(GuestLeft, g)
	return true
}

// Clear drops every guest, as when the host stops streaming.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, g := range r.guests {
		delete(r.guests, id)
		r.publish(GuestLeft, g)
	}
}

// SnapshotPlayingEndpoints returns the endpoints of every playing guest as
// one consistent copy.
func (r *Registry) SnapshotPlayingEndpoints() []net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]net.Addr, 0, len(r.guests))
	for _, g := range r.guests {
		if g.Playing && g.Endpoint != nil {
			out = append(out, g.Endpoint)
		}
	}
	return out
}

func (r *Registry) Get(id string) (Guest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.guests[id]
	if !ok {
		return Guest{}, false
	}
	return *g, true
}

// List returns every guest ordered by join time.
func (r *Registry) List() []Guest {
	r.mu.Lock()
	out := make([]Guest, 0, len(r.guests))
	for _, g := range r.guests {
		out = append(out, *g)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.guests)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Subscribe returns a channel of membership events and a cancel func.
// Events are dropped for subscribers that fall behind.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish must be called with r.mu held.
func (r *Registry) publish(kind EventKind, g *Guest) {
	ev := Event{Kind: kind, Guest: *g}
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
