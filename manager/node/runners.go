package node

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/pushchain/push-tss-manager/manager/tss/ceremony"
	"github.com/pushchain/push-tss-manager/manager/tss/transport"
	"github.com/pushchain/push-tss-manager/manager/tss/transport/relay"
)

// coordinators hands out one coordinator per relay address. With a fixed
// dialer (libp2p) every address maps to the same coordinator.
type coordinators struct {
	build       func(transport.Dialer) *ceremony.Coordinator
	defaultAddr string
	fixed       *ceremony.Coordinator
	logger      zerolog.Logger

	mu     sync.Mutex
	byAddr map[string]*ceremony.Coordinator
}

func (c *coordinators) get(address string) (*ceremony.Coordinator, error) {
	if c.fixed != nil {
		if address != "" {
			c.logger.Debug().Str("relay_address", address).Msg("relay address ignored on libp2p transport")
		}
		return c.fixed, nil
	}
	if address == "" {
		address = c.defaultAddr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if coord, ok := c.byAddr[address]; ok {
		return coord, nil
	}
	dialer, err := relay.NewDialer(address, c.logger)
	if err != nil {
		return nil, err
	}
	coord := c.build(dialer)
	c.byAddr[address] = coord
	return coord, nil
}
