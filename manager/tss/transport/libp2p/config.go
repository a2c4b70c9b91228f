package libp2p

import (
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"

	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// Config controls the libp2p transport.
type Config struct {
	// ListenAddrs is the list of multiaddrs to bind to. Defaults to /ip4/0.0.0.0/tcp/0.
	ListenAddrs []string
	// ProtocolID is the stream protocol identifier.
	ProtocolID string
	// PrivateKeyBase64 optionally contains a base64-encoded libp2p private key.
	// If empty, a fresh Ed25519 keypair is generated.
	PrivateKeyBase64 string
	// Peers maps party indexes to the peers holding them, in the form
	// "<index>=<multiaddr>/p2p/<peer id>".
	Peers []string
	// DialTimeout bounds outbound dial operations.
	DialTimeout time.Duration
	// IOTimeout bounds stream read/write operations.
	IOTimeout time.Duration
	// PendingTTL is how long envelopes for a room nobody joined yet are kept.
	PendingTTL time.Duration
}

func (c *Config) setDefaults() {
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	if c.ProtocolID == "" {
		c.ProtocolID = "/push/tss-manager/1.0.0"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = 15 * time.Second
	}
	if c.PendingTTL == 0 {
		c.PendingTTL = 5 * time.Minute
	}
}

// ParsePeer parses a "<index>=<multiaddr>/p2p/<peer id>" entry.
func ParsePeer(entry string) (wire.PartyIndex, peer.AddrInfo, error) {
	idxPart, addrPart, ok := strings.Cut(strings.TrimSpace(entry), "=")
	if !ok {
		return 0, peer.AddrInfo{}, errors.Errorf("peer entry %q: expected <index>=<multiaddr>", entry)
	}
	idx, err := wire.ParsePartyIndex(strings.TrimSpace(idxPart))
	if err != nil {
		return 0, peer.AddrInfo{}, errors.Wrapf(err, "peer entry %q", entry)
	}
	maddr, err := ma.NewMultiaddr(strings.TrimSpace(addrPart))
	if err != nil {
		return 0, peer.AddrInfo{}, errors.Wrapf(err, "peer entry %q", entry)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return 0, peer.AddrInfo{}, errors.Wrapf(err, "peer entry %q: address must end in /p2p/<peer id>", entry)
	}
	return idx, *info, nil
}
