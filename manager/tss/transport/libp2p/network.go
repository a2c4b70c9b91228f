// Package libp2p carries ceremony rooms over direct libp2p streams between a
// static set of peers, one peer per party index.
package libp2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/push-tss-manager/manager/tss/transport"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

const (
	maxFrameSize   = 4 << 20
	roomBuffer     = 4096
	maxPendingRoom = 4096
)

// frame is what travels on a stream.
type frame struct {
	RoomID   string        `json:"room_id"`
	Envelope wire.Envelope `json:"envelope"`
}

type pending struct {
	since     time.Time
	envelopes []wire.Envelope
}

// Network is a libp2p host serving ceremony rooms.
type Network struct {
	cfg        Config
	host       host.Host
	protocolID protocol.ID
	logger     zerolog.Logger
	now        func() time.Time

	peerMu sync.RWMutex
	peers  map[wire.PartyIndex]peer.AddrInfo

	roomMu  sync.Mutex
	rooms   map[string]map[*room]struct{}
	pending map[string]*pending
}

var _ transport.Dialer = (*Network)(nil)

// New creates the host and registers the configured peers.
func New(cfg Config, logger zerolog.Logger) (*Network, error) {
	cfg.setDefaults()

	priv, err := loadIdentity(cfg.PrivateKeyBase64)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load libp2p identity")
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create libp2p host")
	}

	n := &Network{
		cfg:        cfg,
		host:       h,
		protocolID: protocol.ID(cfg.ProtocolID),
		logger:     logger.With().Str("component", "transport_libp2p").Str("peer_id", h.ID().String()).Logger(),
		now:        time.Now,
		peers:      make(map[wire.PartyIndex]peer.AddrInfo),
		rooms:      make(map[string]map[*room]struct{}),
		pending:    make(map[string]*pending),
	}
	for _, entry := range cfg.Peers {
		idx, info, err := ParsePeer(entry)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		n.AddPeer(idx, info)
	}

	h.SetStreamHandler(n.protocolID, n.handleStream)
	return n, nil
}

// ID returns the local peer id.
func (n *Network) ID() string {
	return n.host.ID().String()
}

// ListenAddrs returns dialable addresses including the /p2p suffix.
func (n *Network) ListenAddrs() []string {
	addrs := n.host.Addrs()
	suffix := "/p2p/" + n.host.ID().String()
	var filtered []string
	for _, addr := range addrs {
		if isUnspecified(addr) {
			continue
		}
		filtered = append(filtered, addr.String()+suffix)
	}
	if len(filtered) > 0 {
		return filtered
	}
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.String() + suffix
	}
	return out
}

// AddPeer registers the peer holding party idx.
func (n *Network) AddPeer(idx wire.PartyIndex, info peer.AddrInfo) {
	n.peerMu.Lock()
	n.peers[idx] = info
	n.peerMu.Unlock()
	if info.ID != n.host.ID() {
		n.host.Peerstore().AddAddrs(info.ID, info.Addrs, time.Hour)
	}
}

// Close releases the host.
func (n *Network) Close() error {
	n.roomMu.Lock()
	var open []*room
	for _, members := range n.rooms {
		for r := range members {
			open = append(open, r)
		}
	}
	n.roomMu.Unlock()
	for _, r := range open {
		_ = r.Close()
	}
	return n.host.Close()
}

// Join implements transport.Dialer.
func (n *Network) Join(ctx context.Context, roomID string, self wire.PartyIndex) (transport.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &room{
		net:    n,
		roomID: roomID,
		self:   self,
		in:     make(chan transport.Inbound, roomBuffer),
		done:   make(chan struct{}),
	}

	n.roomMu.Lock()
	defer n.roomMu.Unlock()
	if p, ok := n.pending[roomID]; ok {
		for _, env := range p.envelopes {
			r.deliver(env)
		}
		delete(n.pending, roomID)
	}
	if n.rooms[roomID] == nil {
		n.rooms[roomID] = make(map[*room]struct{})
	}
	n.rooms[roomID][r] = struct{}{}
	return r, nil
}

func (n *Network) leave(r *room) {
	n.roomMu.Lock()
	defer n.roomMu.Unlock()
	delete(n.rooms[r.roomID], r)
	if len(n.rooms[r.roomID]) == 0 {
		delete(n.rooms, r.roomID)
	}
}

func (n *Network) handleStream(stream network.Stream) {
	defer stream.Close()
	_ = stream.SetReadDeadline(time.Now().Add(n.cfg.IOTimeout))

	remote := stream.Conn().RemotePeer()
	data, err := readFramed(stream)
	if err != nil {
		n.logger.Warn().Err(err).Str("remote", remote.String()).Msg("read failed")
		return
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		n.logger.Warn().Err(err).Str("remote", remote.String()).Msg("dropping malformed frame")
		return
	}

	n.peerMu.RLock()
	info, known := n.peers[f.Envelope.Sender]
	n.peerMu.RUnlock()
	if !known || info.ID != remote {
		n.logger.Warn().Str("remote", remote.String()).Uint16("claimed", uint16(f.Envelope.Sender)).
			Msg("dropping envelope from peer not holding the claimed index")
		return
	}
	n.dispatch(f.RoomID, f.Envelope)
}

func (n *Network) dispatch(roomID string, env wire.Envelope) {
	n.roomMu.Lock()
	defer n.roomMu.Unlock()
	members, ok := n.rooms[roomID]
	if ok && len(members) > 0 {
		for r := range members {
			r.deliver(env)
		}
		return
	}

	now := n.now()
	for id, p := range n.pending {
		if now.Sub(p.since) > n.cfg.PendingTTL {
			delete(n.pending, id)
		}
	}
	p, ok := n.pending[roomID]
	if !ok {
		p = &pending{since: now}
		n.pending[roomID] = p
	}
	if len(p.envelopes) < maxPendingRoom {
		p.envelopes = append(p.envelopes, env)
	}
}

// send delivers one frame to the peer holding idx.
func (n *Network) send(ctx context.Context, idx wire.PartyIndex, data []byte) error {
	n.peerMu.RLock()
	info, ok := n.peers[idx]
	n.peerMu.RUnlock()
	if !ok {
		return errors.Errorf("no peer registered for party %d", idx)
	}

	dialCtx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	defer cancel()
	if err := n.host.Connect(dialCtx, info); err != nil {
		return errors.Wrapf(err, "failed to connect to party %d", idx)
	}
	stream, err := n.host.NewStream(dialCtx, info.ID, n.protocolID)
	if err != nil {
		return errors.Wrapf(err, "failed to open stream to party %d", idx)
	}
	defer stream.Close()

	if err := stream.SetWriteDeadline(time.Now().Add(n.cfg.IOTimeout)); err != nil {
		return errors.Wrap(err, "failed to set write deadline")
	}
	if err := writeFramed(stream, data); err != nil {
		return errors.Wrapf(err, "failed to write to party %d", idx)
	}
	return nil
}

func (n *Network) targets(self wire.PartyIndex, env wire.Envelope) []wire.PartyIndex {
	if env.Receiver != nil {
		return []wire.PartyIndex{*env.Receiver}
	}
	n.peerMu.RLock()
	defer n.peerMu.RUnlock()
	out := make([]wire.PartyIndex, 0, len(n.peers))
	for idx := range n.peers {
		if idx != self {
			out = append(out, idx)
		}
	}
	return out
}

type room struct {
	net    *Network
	roomID string
	self   wire.PartyIndex

	mu     sync.Mutex
	closed bool
	in     chan transport.Inbound
	done   chan struct{}
}

func (r *room) Incoming() <-chan transport.Inbound {
	return r.in
}

// Send broadcasts env to every other registered peer, or only to its
// receiver. Peers that cannot be reached are logged; the send fails only
// when no target could be reached.
func (r *room) Send(ctx context.Context, env wire.Envelope) error {
	select {
	case <-r.done:
		return transport.ErrClosed
	default:
	}
	data, err := json.Marshal(frame{RoomID: r.roomID, Envelope: env})
	if err != nil {
		return errors.Wrap(err, "failed to encode frame")
	}

	targets := r.net.targets(r.self, env)
	if len(targets) == 0 {
		return nil
	}
	var lastErr error
	delivered := 0
	for _, idx := range targets {
		if err := r.net.send(ctx, idx, data); err != nil {
			lastErr = err
			r.net.logger.Debug().Err(err).Str("room_id", r.roomID).Uint16("party", uint16(idx)).Msg("send failed")
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return lastErr
	}
	return nil
}

func (r *room) deliver(env wire.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.in <- transport.Inbound{Envelope: env}:
	default:
		r.net.logger.Warn().Str("room_id", r.roomID).Msg("room inbox full, dropping envelope")
	}
}

func (r *room) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	close(r.in)
	r.mu.Unlock()
	r.net.leave(r)
	return nil
}

func loadIdentity(base64Key string) (crypto.PrivKey, error) {
	if base64Key == "" {
		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		return priv, err
	}
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, err
	}
	return crypto.UnmarshalPrivateKey(raw)
}

// GenerateIdentity returns a new base64 encoded Ed25519 private key.
func GenerateIdentity() (string, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return "", err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func writeFramed(w io.Writer, data []byte) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	if _, err := bw.Write(data); err != nil {
		return err
	}
	return bw.Flush()
}

func readFramed(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	var length uint32
	if err := binary.Read(br, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > maxFrameSize {
		return nil, errors.Errorf("frame of %d bytes exceeds limit", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func isUnspecified(addr ma.Multiaddr) bool {
	if ip, err := manet.ToIP(addr); err == nil {
		return ip.IsUnspecified()
	}
	return false
}
