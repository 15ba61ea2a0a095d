package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Gateway describes one in-process splitting gateway.
type Gateway struct {
	Address        string `yaml:"address"`
	Vault          string `yaml:"vault"`
	DiscountPool   string `yaml:"discount_pool"`
	FeeCapPermille uint64 `yaml:"fee_cap_permille"`
	VoucherUnit    string `yaml:"voucher_unit"`
}

type MerchantWallet struct {
	Address         string `yaml:"address"`
	FundAddress     string `yaml:"fund_address"`
	PaybackPermille uint64 `yaml:"payback_permille"`
}

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`
	Wallet struct {
		XPub string `yaml:"xpub"`
	} `yaml:"wallet"`
	Chain struct {
		Bech32Prefix string `yaml:"bech32_prefix"`
		Denom        string `yaml:"denom"`
		Decimals     int    `yaml:"decimals"`
	} `yaml:"chain"`
	Processor struct {
		MerchantID     string   `yaml:"merchant_id"`
		Owner          string   `yaml:"owner"`
		Operators      []string `yaml:"operators"`
		Address        string   `yaml:"address"`
		FeeCapPermille uint64   `yaml:"fee_cap_permille"`
		// RoleStore is "memory" or "redis".
		RoleStore string `yaml:"role_store"`
	} `yaml:"processor"`
	// Gateway, MerchantWallet and History.Address are the collaborators
	// selected on first start. Gateways, MerchantWallets and
	// History.Addresses register further ones the owner can switch to.
	Gateway         Gateway          `yaml:"gateway"`
	Gateways        []Gateway        `yaml:"gateways"`
	MerchantWallet  MerchantWallet   `yaml:"merchant_wallet"`
	MerchantWallets []MerchantWallet `yaml:"merchant_wallets"`
	Tokens          []string         `yaml:"tokens"`
	History         struct {
		Address    string   `yaml:"address"`
		Addresses  []string `yaml:"addresses"`
		Endpoints  []string `yaml:"endpoints"`
		WSEndpoint string   `yaml:"ws_endpoint"`
		// Transport is "rpc" or "ws".
		Transport         string `yaml:"transport"`
		FailoverThreshold int    `yaml:"failover_threshold"`
	} `yaml:"history"`
	Worker struct {
		IntervalSeconds int64 `yaml:"interval_seconds"`
		BatchSize       int   `yaml:"batch_size"`
	} `yaml:"worker"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies environment overrides and
// defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if c.Chain.Bech32Prefix == "" || c.Chain.Denom == "" {
		return errors.New("chain config is incomplete")
	}
	if c.Processor.MerchantID == "" || c.Processor.Owner == "" || c.Processor.Address == "" {
		return errors.New("processor config is incomplete")
	}
	switch c.Processor.RoleStore {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("redis.url is required for the redis role store")
		}
	default:
		return errors.New("processor.role_store must be memory or redis")
	}
	for _, gw := range c.AllGateways() {
		if gw.Address == "" || gw.Vault == "" {
			return errors.New("gateway config is incomplete")
		}
	}
	for _, w := range c.AllMerchantWallets() {
		if w.Address == "" {
			return errors.New("merchant_wallet.address is required")
		}
		if w.PaybackPermille > 1000 {
			return errors.New("merchant_wallet.payback_permille must not exceed 1000")
		}
	}
	switch c.History.Transport {
	case "rpc", "ws":
	default:
		return errors.New("history.transport must be rpc or ws")
	}
	if c.History.Address == "" {
		return errors.New("history.address is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	return nil
}

// AllGateways lists the selected gateway first, then the alternatives.
func (c *Config) AllGateways() []Gateway {
	return append([]Gateway{c.Gateway}, c.Gateways...)
}

func (c *Config) AllMerchantWallets() []MerchantWallet {
	return append([]MerchantWallet{c.MerchantWallet}, c.MerchantWallets...)
}

func (c *Config) AllHistories() []string {
	return append([]string{c.History.Address}, c.History.Addresses...)
}

func applyDefaults(cfg *Config) {
	if cfg.Processor.RoleStore == "" {
		cfg.Processor.RoleStore = "memory"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "payment-processor.audit"
	}
	if cfg.History.Transport == "" {
		cfg.History.Transport = "rpc"
	}
	if cfg.History.FailoverThreshold <= 0 {
		cfg.History.FailoverThreshold = 3
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 10
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 100
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCommaList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("WALLET_XPUB"); v != "" {
		cfg.Wallet.XPub = v
	}
	if v := os.Getenv("BECH32_PREFIX"); v != "" {
		cfg.Chain.Bech32Prefix = v
	}
	if v := os.Getenv("DENOM"); v != "" {
		cfg.Chain.Denom = v
	}
	if v := os.Getenv("DECIMALS"); v != "" {
		cfg.Chain.Decimals = atoiOr(cfg.Chain.Decimals, v)
	}
	if v := os.Getenv("MERCHANT_ID"); v != "" {
		cfg.Processor.MerchantID = v
	}
	if v := os.Getenv("PROCESSOR_OWNER"); v != "" {
		cfg.Processor.Owner = v
	}
	if v := os.Getenv("PROCESSOR_OPERATORS"); v != "" {
		cfg.Processor.Operators = splitCommaList(v)
	}
	if v := os.Getenv("PROCESSOR_ADDRESS"); v != "" {
		cfg.Processor.Address = v
	}
	if v := os.Getenv("FEE_CAP_PERMILLE"); v != "" {
		cfg.Processor.FeeCapPermille = atou64Or(cfg.Processor.FeeCapPermille, v)
	}
	if v := os.Getenv("ROLE_STORE"); v != "" {
		cfg.Processor.RoleStore = v
	}
	if v := os.Getenv("GATEWAY_ADDRESS"); v != "" {
		cfg.Gateway.Address = v
	}
	if v := os.Getenv("GATEWAY_VAULT"); v != "" {
		cfg.Gateway.Vault = v
	}
	if v := os.Getenv("GATEWAY_DISCOUNT_POOL"); v != "" {
		cfg.Gateway.DiscountPool = v
	}
	if v := os.Getenv("GATEWAY_VOUCHER_UNIT"); v != "" {
		cfg.Gateway.VoucherUnit = v
	}
	if v := os.Getenv("MERCHANT_WALLET_ADDRESS"); v != "" {
		cfg.MerchantWallet.Address = v
	}
	if v := os.Getenv("MERCHANT_FUND_ADDRESS"); v != "" {
		cfg.MerchantWallet.FundAddress = v
	}
	if v := os.Getenv("MERCHANT_PAYBACK_PERMILLE"); v != "" {
		cfg.MerchantWallet.PaybackPermille = atou64Or(cfg.MerchantWallet.PaybackPermille, v)
	}
	if v := os.Getenv("TOKENS"); v != "" {
		cfg.Tokens = splitCommaList(v)
	}
	if v := os.Getenv("HISTORY_ADDRESS"); v != "" {
		cfg.History.Address = v
	}
	if v := os.Getenv("HISTORY_ENDPOINTS"); v != "" {
		cfg.History.Endpoints = splitCommaList(v)
	}
	if v := os.Getenv("HISTORY_WS_ENDPOINT"); v != "" {
		cfg.History.WSEndpoint = v
	}
	if v := os.Getenv("HISTORY_TRANSPORT"); v != "" {
		cfg.History.Transport = v
	}
	if v := os.Getenv("HISTORY_FAILOVER_THRESHOLD"); v != "" {
		cfg.History.FailoverThreshold = atoiOr(cfg.History.FailoverThreshold, v)
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_BATCH_SIZE"); v != "" {
		cfg.Worker.BatchSize = atoiOr(cfg.Worker.BatchSize, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func atou64Or(fallback uint64, v string) uint64 {
	i, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
