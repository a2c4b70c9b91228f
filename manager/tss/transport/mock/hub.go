// Package mock provides an in-process room hub for tests and local runs.
package mock

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/pushchain/push-tss-manager/manager/tss/transport"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

const memberBuffer = 4096

// Hub relays every envelope sent in a room to all other members of that
// room. Receiver filtering is left to the members' routers. Members joining
// late receive the room's history first, so parties need not join in
// lockstep.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
	// Intercept, when set, sees every envelope before fan-out and may
	// rewrite it or drop it by returning false.
	Intercept func(roomID string, env wire.Envelope) (wire.Envelope, bool)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

type room struct {
	members map[*member]struct{}
	history []transport.Inbound
}

func (h *Hub) room(roomID string) *room {
	rm, ok := h.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[*member]struct{})}
		h.rooms[roomID] = rm
	}
	return rm
}

// Join implements transport.Dialer.
func (h *Hub) Join(ctx context.Context, roomID string, self wire.PartyIndex) (transport.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := &member{
		hub:    h,
		roomID: roomID,
		self:   self,
		in:     make(chan transport.Inbound, memberBuffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.room(roomID)
	for _, item := range rm.history {
		m.deliver(item)
	}
	rm.members[m] = struct{}{}
	return m, nil
}

// Members returns the number of joined members in roomID.
func (h *Hub) Members(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[roomID]; ok {
		return len(rm.members)
	}
	return 0
}

// Inject delivers env to every member of roomID, including its sender.
func (h *Hub) Inject(roomID string, env wire.Envelope) {
	h.broadcast(roomID, nil, transport.Inbound{Envelope: env})
}

// InjectError delivers a read failure to every member of roomID.
func (h *Hub) InjectError(roomID string, err error) {
	h.broadcast(roomID, nil, transport.Inbound{Err: err})
}

// Disconnect closes the incoming stream of the member joined as party in
// roomID, as if the remote end dropped the connection.
func (h *Hub) Disconnect(roomID string, party wire.PartyIndex) {
	h.mu.Lock()
	var target *member
	for m := range h.room(roomID).members {
		if m.self == party {
			target = m
			break
		}
	}
	h.mu.Unlock()
	if target != nil {
		_ = target.Close()
	}
}

func (h *Hub) broadcast(roomID string, from *member, item transport.Inbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.room(roomID)
	rm.history = append(rm.history, item)
	for m := range rm.members {
		if m != from {
			m.deliver(item)
		}
	}
}

func (h *Hub) leave(m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[m.roomID]; ok {
		delete(rm.members, m)
	}
}

// Reset forgets roomID and its history.
func (h *Hub) Reset(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, roomID)
}

type member struct {
	hub    *Hub
	roomID string
	self   wire.PartyIndex

	mu     sync.Mutex
	closed bool
	in     chan transport.Inbound
	done   chan struct{}
}

func (m *member) Incoming() <-chan transport.Inbound {
	return m.in
}

func (m *member) Send(ctx context.Context, env wire.Envelope) error {
	select {
	case <-m.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if icpt := m.hub.Intercept; icpt != nil {
		var ok bool
		if env, ok = icpt(m.roomID, env); !ok {
			return nil
		}
	}
	m.hub.broadcast(m.roomID, m, transport.Inbound{Envelope: env})
	return nil
}

func (m *member) deliver(item transport.Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.in <- item:
	default:
		// full inbox, message lost
	}
}

func (m *member) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	close(m.in)
	m.mu.Unlock()
	m.hub.leave(m)
	return nil
}

var _ transport.Dialer = (*Hub)(nil)

// ErrRefused is returned by RefusingDialer.
var ErrRefused = errors.New("room join refused")

// RefusingDialer fails every Join and counts the attempts.
type RefusingDialer struct {
	mu    sync.Mutex
	calls int
}

// Join implements transport.Dialer.
func (d *RefusingDialer) Join(context.Context, string, wire.PartyIndex) (transport.Room, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return nil, ErrRefused
}

// Calls returns how many times Join was invoked.
func (d *RefusingDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
