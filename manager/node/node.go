// Package node assembles a TSS manager node from its configuration.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/pushchain/push-tss-manager/manager/api"
	"github.com/pushchain/push-tss-manager/manager/config"
	"github.com/pushchain/push-tss-manager/manager/constant"
	"github.com/pushchain/push-tss-manager/manager/db"
	"github.com/pushchain/push-tss-manager/manager/jobs"
	"github.com/pushchain/push-tss-manager/manager/metrics"
	"github.com/pushchain/push-tss-manager/manager/tss/ceremony"
	"github.com/pushchain/push-tss-manager/manager/tss/engine"
	"github.com/pushchain/push-tss-manager/manager/tss/eventstore"
	"github.com/pushchain/push-tss-manager/manager/tss/keyshare"
	"github.com/pushchain/push-tss-manager/manager/tss/status"
	"github.com/pushchain/push-tss-manager/manager/tss/transport"
	"github.com/pushchain/push-tss-manager/manager/tss/transport/libp2p"
	"github.com/pushchain/push-tss-manager/manager/tss/transport/relay"
)

// Options carries dependencies that override the ones built from config.
type Options struct {
	// Engine replaces the CMP engine.
	Engine engine.Engine
	// Database replaces the file database under the node home.
	Database *db.DB
}

// Node is a running TSS manager: ceremony coordinators plus the stores,
// transports and servers around them.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	database *db.DB
	ownsDB   bool
	events   *eventstore.Store
	sweeper  *eventstore.Sweeper
	keys     *keyshare.FileStore
	metrics  *metrics.Metrics
	engine   engine.Engine
	cmp      *engine.CMP
	network  *libp2p.Network
	runners  *coordinators

	amqpConn *amqp.Connection
	amqpPub  *amqp.Channel
	consumer *jobs.Consumer

	api       *api.Server
	relay     *relay.Server
	relayHTTP *http.Server

	cancel context.CancelFunc
}

// New builds a node. Nothing is started until Start.
func New(ctx context.Context, cfg *config.Config, opts Options, logger zerolog.Logger) (*Node, error) {
	n := &Node{
		cfg:     cfg,
		logger:  logger.With().Str("component", "tss_node").Logger(),
		metrics: metrics.New(),
	}

	n.database = opts.Database
	if n.database == nil {
		database, err := db.OpenFileDB(cfg.DatabaseDir(), constant.CeremonyDBFileName, true)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		n.database = database
		n.ownsDB = true
	}
	n.events = eventstore.NewStore(n.database.Client(), logger)
	if count, err := n.events.MarkInterrupted(); err != nil {
		n.closeAll()
		return nil, fmt.Errorf("failed to recover ceremony records: %w", err)
	} else if count > 0 {
		n.logger.Warn().Int64("count", count).Msg("marked ceremonies interrupted by restart as failed")
	}
	n.sweeper = eventstore.NewSweeper(eventstore.SweeperConfig{Store: n.events, Logger: logger})

	keys, err := keyshare.NewFileStore(cfg.KeyshareDir, cfg.KeysharePassword)
	if err != nil {
		n.closeAll()
		return nil, fmt.Errorf("failed to create secret store: %w", err)
	}
	n.keys = keys

	n.engine = opts.Engine
	if n.engine == nil {
		n.cmp = engine.NewCMP(0)
		n.engine = n.cmp
	}

	observers := status.Multi{status.NewLogger(logger), n.events, n.metrics}
	if cfg.JobsEnabled {
		conn, err := jobs.Dial(ctx, cfg.AMQPAddress, nil)
		if err != nil {
			n.closeAll()
			return nil, err
		}
		n.amqpConn = conn
		pub, err := conn.Channel()
		if err != nil {
			n.closeAll()
			return nil, fmt.Errorf("failed to open notifications channel: %w", err)
		}
		n.amqpPub = pub
		if err := status.DeclareExchange(pub, cfg.AMQPNotificationsExchange); err != nil {
			n.closeAll()
			return nil, err
		}
		publisher := status.NewAMQPPublisher(pub, cfg.AMQPNotificationsExchange, cfg.AMQPNotificationsRoutingKey, nil, logger)
		publisher.WatchBlocked(conn.NotifyBlocked(make(chan amqp.Blocking, 1)))
		observers = append(observers, publisher)
	}

	coordOpts := ceremony.Options{
		DefaultTimeout: cfg.CeremonyTimeout(),
		ChainID:        cfg.ChainID,
		OnDrop:         n.metrics.RouterDropped,
	}
	build := func(d transport.Dialer) *ceremony.Coordinator {
		return ceremony.NewCoordinator(n.engine, d, observers, coordOpts, logger)
	}
	n.runners = &coordinators{
		build:       build,
		defaultAddr: cfg.RelayAddress,
		logger:      logger,
		byAddr:      make(map[string]*ceremony.Coordinator),
	}

	if cfg.Transport == config.TransportLibp2p {
		network, err := libp2p.New(libp2p.Config{
			ListenAddrs:      cfg.P2PListen,
			PrivateKeyBase64: cfg.P2PPrivateKeyBase64,
			Peers:            cfg.P2PPeers,
		}, logger)
		if err != nil {
			n.closeAll()
			return nil, fmt.Errorf("failed to start libp2p transport: %w", err)
		}
		n.network = network
		n.runners.fixed = build(network)
		n.logger.Info().
			Str("peer_id", network.ID()).
			Strs("addrs", network.ListenAddrs()).
			Msg("libp2p transport started")
	}

	if cfg.RelayListen != "" {
		n.relay = relay.NewServer(relay.ServerConfig{Logger: logger})
	}

	if cfg.JobsEnabled {
		handler := jobs.NewHandler(n.runner, n.keys, logger)
		n.consumer = jobs.NewConsumer(jobs.ConsumerConfig{
			Conn:     n.amqpConn,
			Exchange: cfg.AMQPListenExchange,
			Queue:    cfg.AMQPListenQueue,
			Handler:  handler,
			Logger:   logger,
		})
	}

	if cfg.QueryServerPort > 0 {
		n.api = api.NewServer(logger, cfg.QueryServerPort, api.Options{
			Health:     n.database.Ping,
			Ceremonies: n.events,
			Keys:       n.keys,
			Metrics:    n.metrics.Handler(),
		})
	}
	return n, nil
}

func (n *Node) runner(relayAddress string) (jobs.Runner, error) {
	coord, err := n.runners.get(relayAddress)
	if err != nil {
		return nil, err
	}
	return coord, nil
}

// Coordinator returns the coordinator for a relay address. An empty address
// selects the configured transport.
func (n *Node) Coordinator(relayAddress string) (*ceremony.Coordinator, error) {
	return n.runners.get(relayAddress)
}

// Keys returns the node's secret store.
func (n *Node) Keys() *keyshare.FileStore {
	return n.keys
}

// Events returns the ceremony record store.
func (n *Node) Events() *eventstore.Store {
	return n.events
}

// Start launches the background services and returns.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.sweeper.Start(ctx)

	if n.relay != nil {
		ln, err := net.Listen("tcp", n.cfg.RelayListen)
		if err != nil {
			return fmt.Errorf("failed to bind relay to %s: %w", n.cfg.RelayListen, err)
		}
		n.relayHTTP = &http.Server{Handler: n.relay.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go n.relay.Run(ctx)
		go func() {
			if err := n.relayHTTP.Serve(ln); err != nil && err != http.ErrServerClosed {
				n.logger.Error().Err(err).Msg("relay server error")
			}
		}()
		n.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
	}

	if n.api != nil {
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("failed to start query server: %w", err)
		}
	}

	if n.consumer != nil {
		if err := n.consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job consumer: %w", err)
		}
	}

	n.logger.Info().Str("transport", string(n.cfg.Transport)).Msg("TSS node started and ready")
	return nil
}

// Stop stops every service and releases resources.
func (n *Node) Stop() error {
	var errs []error

	if n.consumer != nil {
		n.consumer.Stop()
	}
	if n.cancel != nil {
		n.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n.api != nil {
		if err := n.api.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop query server: %w", err))
		}
	}
	if n.relayHTTP != nil {
		n.relay.Close()
		if err := n.relayHTTP.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop relay: %w", err))
		}
	}

	errs = append(errs, n.closeAll()...)
	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	n.logger.Info().Msg("TSS node stopped")
	return nil
}

func (n *Node) closeAll() []error {
	var errs []error
	if n.amqpPub != nil {
		_ = n.amqpPub.Close()
		n.amqpPub = nil
	}
	if n.amqpConn != nil {
		if err := n.amqpConn.Close(); err != nil && err != amqp.ErrClosed {
			errs = append(errs, fmt.Errorf("failed to close AMQP connection: %w", err))
		}
		n.amqpConn = nil
	}
	if n.network != nil {
		if err := n.network.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
		}
		n.network = nil
	}
	if n.cmp != nil {
		n.cmp.Close()
		n.cmp = nil
	}
	if n.database != nil && n.ownsDB {
		if err := n.database.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
		n.database = nil
	}
	return errs
}
