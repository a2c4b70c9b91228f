// Package transport defines the room abstraction ceremonies exchange
// envelopes over.
package transport

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// ErrClosed is returned by Send after the room is closed.
var ErrClosed = errors.New("room closed")

// Inbound is one item of a room's incoming stream. Exactly one of Envelope
// and Err is meaningful; Err items are transport level read failures that do
// not end the stream.
type Inbound struct {
	Envelope wire.Envelope
	Err      error
}

// Room is a joined ceremony room. Incoming is closed when the underlying
// connection ends, whether by Close or by the remote side.
type Room interface {
	Incoming() <-chan Inbound
	Send(ctx context.Context, env wire.Envelope) error
	Close() error
}

// Dialer joins rooms on behalf of a local party.
type Dialer interface {
	Join(ctx context.Context, roomID string, self wire.PartyIndex) (Room, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, roomID string, self wire.PartyIndex) (Room, error)

// Join implements Dialer.
func (f DialerFunc) Join(ctx context.Context, roomID string, self wire.PartyIndex) (Room, error) {
	return f(ctx, roomID, self)
}
