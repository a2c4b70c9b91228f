package config

// TransportKind selects how ceremony envelopes reach the other parties.
type TransportKind string

const (
	// TransportRelay uses the websocket room relay.
	TransportRelay TransportKind = "relay"

	// TransportLibp2p sends envelopes directly to the configured peers.
	TransportLibp2p TransportKind = "libp2p"
)

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Node Config
	NodeHome string `json:"node_home"` // Node home directory (default: ~/.pushtss)

	// Ceremony Config
	CeremonyTimeoutSeconds int    `json:"ceremony_timeout_seconds"` // Default per-ceremony deadline (default: 120)
	ChainID                uint64 `json:"chain_id"`                 // Chain id folded into the signature recovery id (default: 1)

	// Transport Config
	Transport    TransportKind `json:"transport"`     // "relay" or "libp2p"
	RelayAddress string        `json:"relay_address"` // Relay websocket endpoint (default: ws://127.0.0.1:8000)
	RelayListen  string        `json:"relay_listen"`  // If set, the node also serves a relay on this address

	P2PListen           []string `json:"p2p_listen"`             // libp2p listen addresses (default: /ip4/0.0.0.0/tcp/39000)
	P2PPrivateKeyBase64 string   `json:"p2p_private_key_base64"` // libp2p identity, generated when empty
	P2PPeers            []string `json:"p2p_peers"`              // Full multiaddrs (with /p2p/<id>) of the other parties

	// Job queue Config
	JobsEnabled                 bool   `json:"jobs_enabled"`
	AMQPAddress                 string `json:"amqp_address"`
	AMQPListenExchange          string `json:"amqp_listen_exchange"`
	AMQPListenQueue             string `json:"amqp_listen_queue"`
	AMQPNotificationsExchange   string `json:"amqp_notifications_exchange"`
	AMQPNotificationsRoutingKey string `json:"amqp_notifications_routing_key"`

	// Secret store Config
	KeyshareDir      string `json:"keyshare_dir"`      // Keyshare storage directory (default: <home>/keyshares)
	KeysharePassword string `json:"keyshare_password"` // Encryption password for keyshares

	// Query Server Config
	QueryServerPort int `json:"query_server_port"` // Port for HTTP query server (default: 8080)
}
