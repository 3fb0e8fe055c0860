package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Peer struct {
	// Name namespaces the store directory and is recorded as owner/bidder.
	Name    string
	DataDir string
}

type Network struct {
	SwarmListen string
	RPCListen   string
	Bootstrap   []string
	// StaticPeers maps RPC keys (hex) to a dialable RPC multiaddr.
	StaticPeers      map[string]string
	Topic            string // 64 hex chars; overrides TopicName
	TopicName        string
	EnableMDNS       bool
	AnnounceInterval time.Duration
	RequestTimeout   time.Duration
}

type Market struct {
	TerminatedPolicy string // allow | reject
}

type Fanout struct {
	Workers     int
	SendTimeout time.Duration
}

type API struct {
	Addr           string // empty disables the observer API
	AllowedOrigins []string
}

type Log struct {
	File    string
	Verbose bool
}

type Config struct {
	Peer    Peer
	Network Network
	Market  Market
	Fanout  Fanout
	API     API
	Log     Log
}

func Default() Config {
	return Config{
		Peer: Peer{
			Name:    "peer",
			DataDir: "data",
		},
		Network: Network{
			SwarmListen:      "/ip4/0.0.0.0/tcp/40001",
			RPCListen:        "/ip4/0.0.0.0/tcp/40002",
			StaticPeers:      map[string]string{},
			EnableMDNS:       true,
			AnnounceInterval: 5 * time.Second,
			RequestTimeout:   10 * time.Second,
		},
		Market: Market{TerminatedPolicy: "allow"},
		Fanout: Fanout{
			Workers:     8,
			SendTimeout: 5 * time.Second,
		},
		API: API{Addr: ""},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Peer.Name = getEnv("PEER_NAME", cfg.Peer.Name)
	cfg.Peer.DataDir = getEnv("DATA_DIR", cfg.Peer.DataDir)

	cfg.Network.SwarmListen = getEnv("SWARM_LISTEN", cfg.Network.SwarmListen)
	cfg.Network.RPCListen = getEnv("RPC_LISTEN", cfg.Network.RPCListen)
	if bs := os.Getenv("BOOTSTRAP"); bs != "" {
		cfg.Network.Bootstrap = splitList(bs)
	}
	if sp := os.Getenv("STATIC_PEERS"); sp != "" {
		// Example: "<rpcKeyHex>=/ip4/10.0.0.2/tcp/40002/p2p/12D3...,..."
		for _, entry := range splitList(sp) {
			if key, addr, ok := strings.Cut(entry, "="); ok {
				cfg.Network.StaticPeers[strings.TrimSpace(key)] = strings.TrimSpace(addr)
			}
		}
	}
	cfg.Network.Topic = getEnv("TOPIC", cfg.Network.Topic)
	cfg.Network.TopicName = getEnv("TOPIC_NAME", cfg.Network.TopicName)
	cfg.Network.EnableMDNS = getBool("ENABLE_MDNS", cfg.Network.EnableMDNS)
	cfg.Network.AnnounceInterval = getMillis("ANNOUNCE_INTERVAL_MS", cfg.Network.AnnounceInterval)
	cfg.Network.RequestTimeout = getMillis("RPC_REQUEST_TIMEOUT_MS", cfg.Network.RequestTimeout)

	cfg.Market.TerminatedPolicy = getEnv("TERMINATED_ORDER_POLICY", cfg.Market.TerminatedPolicy)

	if w := os.Getenv("FANOUT_WORKERS"); w != "" {
		if n, err := strconv.Atoi(w); err == nil && n > 0 {
			cfg.Fanout.Workers = n
		}
	}
	cfg.Fanout.SendTimeout = getMillis("FANOUT_SEND_TIMEOUT_MS", cfg.Fanout.SendTimeout)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Verbose = getBool("VERBOSE", cfg.Log.Verbose)

	return cfg
}

// Validate rejects settings that would only fail later at startup.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Peer.Name) == "" {
		return fmt.Errorf("peer name is empty")
	}
	if strings.ContainsAny(c.Peer.Name, `/\`) {
		return fmt.Errorf("peer name %q must not contain path separators", c.Peer.Name)
	}
	switch strings.ToLower(c.Market.TerminatedPolicy) {
	case "", "allow", "reject":
	default:
		return fmt.Errorf("TERMINATED_ORDER_POLICY %q: want allow or reject", c.Market.TerminatedPolicy)
	}
	if c.Network.Topic != "" && len(c.Network.Topic) != 64 {
		return fmt.Errorf("TOPIC must be 64 hex characters, got %d", len(c.Network.Topic))
	}
	if c.Network.AnnounceInterval <= 0 || c.Network.RequestTimeout <= 0 || c.Fanout.SendTimeout <= 0 {
		return fmt.Errorf("intervals and timeouts must be positive")
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
