package relay

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/push-tss-manager/manager/tss/transport"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

const (
	handshakeTimeout = 15 * time.Second
	inboundBuffer    = 4096
)

// Dialer joins rooms on a relay server.
type Dialer struct {
	base   string
	ws     *websocket.Dialer
	logger zerolog.Logger
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer for the relay at address. http and https
// addresses are mapped to ws and wss.
func NewDialer(address string, logger zerolog.Logger) (*Dialer, error) {
	base, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}
	return &Dialer{
		base: base,
		ws: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger.With().Str("component", "relay_client").Logger(),
	}, nil
}

func normalizeAddress(address string) (string, error) {
	u, err := url.Parse(strings.TrimRight(address, "/"))
	if err != nil {
		return "", errors.Wrapf(err, "invalid relay address %q", address)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("invalid relay address %q: unsupported scheme %q", address, u.Scheme)
	}
	if u.Host == "" {
		return "", errors.Errorf("invalid relay address %q: missing host", address)
	}
	return u.String(), nil
}

func escape(roomID string) string {
	return url.PathEscape(roomID)
}

// Join implements transport.Dialer.
func (d *Dialer) Join(ctx context.Context, roomID string, self wire.PartyIndex) (transport.Room, error) {
	target := JoinURL(d.base, roomID, self)
	ws, resp, err := d.ws.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to join room %s at %s", roomID, d.base)
	}
	ws.SetReadLimit(maxMessageSize)

	r := &clientRoom{
		ws:     ws,
		in:     make(chan transport.Inbound, inboundBuffer),
		done:   make(chan struct{}),
		logger: d.logger.With().Str("room_id", roomID).Uint16("party", uint16(self)).Logger(),
	}
	r.wg.Add(1)
	go r.readLoop()
	return r, nil
}

type clientRoom struct {
	ws     *websocket.Conn
	in     chan transport.Inbound
	logger zerolog.Logger

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
	wg      sync.WaitGroup
}

func (r *clientRoom) Incoming() <-chan transport.Inbound {
	return r.in
}

func (r *clientRoom) Send(ctx context.Context, env wire.Envelope) error {
	select {
	case <-r.done:
		return transport.ErrClosed
	default:
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "failed to encode envelope")
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return errors.Wrap(r.ws.WriteMessage(websocket.TextMessage, data), "websocket write failed")
}

func (r *clientRoom) readLoop() {
	defer r.wg.Done()
	defer close(r.in)
	for {
		_, msg, err := r.ws.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
			default:
				r.logger.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		var item transport.Inbound
		if err := json.Unmarshal(msg, &item.Envelope); err != nil {
			item = transport.Inbound{Err: errors.Wrap(err, "invalid frame from relay")}
		}
		select {
		case r.in <- item:
		case <-r.done:
			return
		}
	}
}

func (r *clientRoom) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		r.writeMu.Lock()
		_ = r.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = r.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		err = r.ws.Close()
		r.wg.Wait()
	})
	return err
}
