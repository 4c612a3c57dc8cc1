// Package config loads and validates the engine configuration. All inputs
// are explicit: components receive a Config value, never read the
// environment themselves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"solana-custody-engine/internal/domain"
)

// Config holds every tunable of the engine. Immutable after Load.
type Config struct {
	// Chain access
	RPCEndpoint string
	WSEndpoint  string // optional, enables WebSocket confirmation

	// Storage
	PostgresDSN   string
	ClickhouseDSN string // optional, enables balance sync history
	UseMemory     bool

	// Ledger
	LedgerURL string // empty selects the in-memory ledger

	// Custody
	SponsorSeed  string            // base58-encoded ed25519 seed of the fee payer
	CustodySeeds map[string]string // userID -> base58 seed, for in-memory custody
	Assets       []domain.Asset

	// Withdrawals
	PriorityFee        uint64 // micro-lamports per compute unit
	MinSponsorLamports uint64
	ConfirmTimeout     time.Duration
	CheckBalance       bool

	// Indexer
	IndexerInterval  time.Duration
	IndexerBatchSize int
	WatchAddresses   []string

	// Reconciliation
	ReconcileInterval time.Duration

	// Event delivery
	WebhookURL  string // optional
	KafkaBroker string // optional
	KafkaTopic  string

	// HTTP
	MetricsAddr string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first without overriding existing variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RPCEndpoint:   os.Getenv("SOLANA_RPC_ENDPOINT"),
		WSEndpoint:    os.Getenv("SOLANA_WS_ENDPOINT"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		ClickhouseDSN: os.Getenv("CLICKHOUSE_DSN"),
		UseMemory:     envBool("USE_MEMORY", false),
		LedgerURL:     os.Getenv("LEDGER_URL"),
		SponsorSeed:   os.Getenv("SPONSOR_SEED"),

		PriorityFee:        envUint64("PRIORITY_FEE_MICROLAMPORTS", 0),
		MinSponsorLamports: envUint64("MIN_SPONSOR_LAMPORTS", 10_000_000),
		ConfirmTimeout:     envDuration("CONFIRM_TIMEOUT", 90*time.Second),
		CheckBalance:       envBool("CHECK_BALANCE", true),

		IndexerInterval:  envDuration("INDEXER_INTERVAL", 15*time.Second),
		IndexerBatchSize: envInt("INDEXER_BATCH_SIZE", 25),
		WatchAddresses:   envList("WATCH_ADDRESSES"),

		ReconcileInterval: envDuration("RECONCILE_INTERVAL", 1*time.Hour),

		WebhookURL:  os.Getenv("WEBHOOK_URL"),
		KafkaBroker: os.Getenv("KAFKA_BROKER"),
		KafkaTopic:  envDefault("KAFKA_TOPIC", "settlement-events"),

		MetricsAddr: envDefault("METRICS_ADDR", ":9090"),
	}

	assets, err := ParseAssets(os.Getenv("ASSETS"))
	if err != nil {
		return nil, err
	}
	cfg.Assets = assets

	seeds, err := ParseCustodySeeds(os.Getenv("CUSTODY_SEEDS"))
	if err != nil {
		return nil, err
	}
	cfg.CustodySeeds = seeds

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required settings.
func (c *Config) Validate() error {
	if c.RPCEndpoint == "" {
		return fmt.Errorf("SOLANA_RPC_ENDPOINT is required")
	}
	if c.SponsorSeed == "" {
		return fmt.Errorf("SPONSOR_SEED is required")
	}
	if !c.UseMemory && c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (or set USE_MEMORY=true)")
	}
	if c.KafkaBroker != "" && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKER is set")
	}
	return nil
}

// ParseAssets parses the ASSETS variable. Format is a comma-separated list
// of symbol:mint:decimals entries, e.g. "USDC:EPjF...:6". The native asset
// is always present and does not need to be listed.
func ParseAssets(s string) ([]domain.Asset, error) {
	if s == "" {
		return nil, nil
	}
	var assets []domain.Asset
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed asset entry %q, want symbol:mint:decimals", entry)
		}
		decimals, err := strconv.Atoi(parts[2])
		if err != nil || decimals < 0 {
			return nil, fmt.Errorf("malformed decimals in asset entry %q", entry)
		}
		assets = append(assets, domain.Asset{
			Symbol:   strings.TrimSpace(parts[0]),
			Mint:     strings.TrimSpace(parts[1]),
			Decimals: decimals,
		})
	}
	return assets, nil
}

// ParseCustodySeeds parses the CUSTODY_SEEDS variable. Format is a
// comma-separated list of userID:seed entries.
func ParseCustodySeeds(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	seeds := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed custody seed entry, want userID:seed")
		}
		seeds[parts[0]] = parts[1]
	}
	return seeds, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envUint64(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
