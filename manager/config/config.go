package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pushchain/push-tss-manager/manager/constant"
)

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.NodeHome == "" {
		cfg.NodeHome = constant.DefaultNodeHome
	}
	if cfg.CeremonyTimeoutSeconds == 0 {
		cfg.CeremonyTimeoutSeconds = int(constant.DefaultCeremonyTimeout / time.Second)
	}
	if cfg.CeremonyTimeoutSeconds < 0 {
		return fmt.Errorf("ceremony timeout must be positive")
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 1
	}

	if cfg.Transport == "" {
		cfg.Transport = TransportRelay
	}
	switch cfg.Transport {
	case TransportRelay:
		if cfg.RelayAddress == "" {
			return fmt.Errorf("relay_address is required for relay transport")
		}
	case TransportLibp2p:
		if len(cfg.P2PListen) == 0 {
			cfg.P2PListen = []string{"/ip4/0.0.0.0/tcp/39000"}
		}
	default:
		return fmt.Errorf("transport must be 'relay' or 'libp2p'")
	}

	if cfg.JobsEnabled && cfg.AMQPAddress == "" {
		return fmt.Errorf("amqp_address is required when jobs are enabled")
	}
	if cfg.AMQPListenExchange == "" {
		cfg.AMQPListenExchange = "amq.topic"
	}
	if cfg.AMQPListenQueue == "" {
		cfg.AMQPListenQueue = "manager"
	}
	if cfg.AMQPNotificationsExchange == "" {
		cfg.AMQPNotificationsExchange = "amq.topic"
	}
	if cfg.AMQPNotificationsRoutingKey == "" {
		cfg.AMQPNotificationsRoutingKey = "backend"
	}

	if cfg.KeyshareDir == "" {
		cfg.KeyshareDir = filepath.Join(cfg.NodeHome, constant.KeysharesSubdir)
	}

	// Set defaults for query server
	if cfg.QueryServerPort == 0 {
		cfg.QueryServerPort = 8080
	}

	return nil
}

// CeremonyTimeout returns the configured per-ceremony deadline.
func (c *Config) CeremonyTimeout() time.Duration {
	return time.Duration(c.CeremonyTimeoutSeconds) * time.Second
}

// DatabaseDir returns the directory holding the ceremony database.
func (c *Config) DatabaseDir() string {
	return filepath.Join(c.NodeHome, constant.DatabasesSubdir)
}

// Save writes the given config to <NodeDir>/config/tss_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, constant.ConfigSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, constant.ConfigFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads and returns the config from <BasePath>/config/tss_config.json.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, constant.ConfigSubdir, constant.ConfigFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}

// Resolve builds the effective config for a node home: the saved file when
// present, the embedded defaults otherwise, then environment overrides.
func Resolve(basePath string) (*Config, error) {
	cfg, err := Load(basePath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		def, derr := LoadDefaultConfig()
		if derr != nil {
			return nil, derr
		}
		cfg = *def
	}
	if cfg.NodeHome == "" {
		cfg.NodeHome = basePath
	}

	ApplyEnvOverrides(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnvOverrides overlays TSS_* environment variables onto cfg.
// Keys follow the JSON field names, e.g. TSS_AMQP_ADDRESS or TSS_CHAIN_ID.
func ApplyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(constant.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	keys := []string{
		"log_level", "log_format", "log_sampler", "node_home",
		"ceremony_timeout_seconds", "chain_id",
		"transport", "relay_address", "relay_listen",
		"p2p_listen", "p2p_private_key_base64", "p2p_peers",
		"jobs_enabled", "amqp_address", "amqp_listen_exchange", "amqp_listen_queue",
		"amqp_notifications_exchange", "amqp_notifications_routing_key",
		"keyshare_dir", "keyshare_password", "query_server_port",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetInt("log_level")
	}
	if v.IsSet("log_format") {
		cfg.LogFormat = v.GetString("log_format")
	}
	if v.IsSet("log_sampler") {
		cfg.LogSampler = v.GetBool("log_sampler")
	}
	if v.IsSet("node_home") {
		cfg.NodeHome = v.GetString("node_home")
	}
	if v.IsSet("ceremony_timeout_seconds") {
		cfg.CeremonyTimeoutSeconds = v.GetInt("ceremony_timeout_seconds")
	}
	if v.IsSet("chain_id") {
		cfg.ChainID = v.GetUint64("chain_id")
	}
	if v.IsSet("transport") {
		cfg.Transport = TransportKind(v.GetString("transport"))
	}
	if v.IsSet("relay_address") {
		cfg.RelayAddress = v.GetString("relay_address")
	}
	if v.IsSet("relay_listen") {
		cfg.RelayListen = v.GetString("relay_listen")
	}
	if v.IsSet("p2p_listen") {
		cfg.P2PListen = splitList(v.GetString("p2p_listen"))
	}
	if v.IsSet("p2p_private_key_base64") {
		cfg.P2PPrivateKeyBase64 = v.GetString("p2p_private_key_base64")
	}
	if v.IsSet("p2p_peers") {
		cfg.P2PPeers = splitList(v.GetString("p2p_peers"))
	}
	if v.IsSet("jobs_enabled") {
		cfg.JobsEnabled = v.GetBool("jobs_enabled")
	}
	if v.IsSet("amqp_address") {
		cfg.AMQPAddress = v.GetString("amqp_address")
	}
	if v.IsSet("amqp_listen_exchange") {
		cfg.AMQPListenExchange = v.GetString("amqp_listen_exchange")
	}
	if v.IsSet("amqp_listen_queue") {
		cfg.AMQPListenQueue = v.GetString("amqp_listen_queue")
	}
	if v.IsSet("amqp_notifications_exchange") {
		cfg.AMQPNotificationsExchange = v.GetString("amqp_notifications_exchange")
	}
	if v.IsSet("amqp_notifications_routing_key") {
		cfg.AMQPNotificationsRoutingKey = v.GetString("amqp_notifications_routing_key")
	}
	if v.IsSet("keyshare_dir") {
		cfg.KeyshareDir = v.GetString("keyshare_dir")
	}
	if v.IsSet("keyshare_password") {
		cfg.KeysharePassword = v.GetString("keyshare_password")
	}
	if v.IsSet("query_server_port") {
		cfg.QueryServerPort = v.GetInt("query_server_port")
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
