package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Keystore KeystoreConfig
	Oracle   OracleConfig
	DLC      DLCConfig
	LND      LNDConfig
	L402     L402Config
	X402     X402Config
}

type ServerConfig struct {
	OraclePort    int    `mapstructure:"oracle_port"`
	L402Port      int    `mapstructure:"l402_port"`
	X402Port      int    `mapstructure:"x402_port"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type KeystoreConfig struct {
	Dir string `mapstructure:"dir"`
}

type OracleConfig struct {
	FetchDeadlineSec int     `mapstructure:"fetch_deadline_sec"`
	Divergence       float64 `mapstructure:"divergence"`
	VWAPWindowSec    int     `mapstructure:"vwap_window_sec"`
	VWAPMinTrades    int     `mapstructure:"vwap_min_trades"`
}

type DLCConfig struct {
	DataDir     string   `mapstructure:"data_dir"`
	Pairs       []string `mapstructure:"pairs"`
	IntervalSec int      `mapstructure:"interval_sec"`
	HorizonSec  int      `mapstructure:"horizon_sec"`
	GraceSec    int      `mapstructure:"grace_sec"`
	Digits      int      `mapstructure:"digits"`
}

type LNDConfig struct {
	RESTURL       string `mapstructure:"rest_url"`
	MacaroonPath  string `mapstructure:"macaroon_path"`
	SkipTLSVerify bool   `mapstructure:"skip_tls_verify"`
}

// RouteConfig is one paid route entry shared by both rails; PriceSats is
// the lightning price, PriceUSD the stablecoin one.
type RouteConfig struct {
	Path      string  `mapstructure:"path"`
	Prefix    string  `mapstructure:"prefix"`
	Backend   string  `mapstructure:"backend"`
	PriceSats int64   `mapstructure:"price_sats"`
	PriceUSD  float64 `mapstructure:"price_usd"`
}

type FreeRouteConfig struct {
	Path    string `mapstructure:"path"`
	Backend string `mapstructure:"backend"`
}

type L402Config struct {
	Routes       []RouteConfig     `mapstructure:"routes"`
	PrefixRoutes []RouteConfig     `mapstructure:"prefix_routes"`
	FreeRoutes   []FreeRouteConfig `mapstructure:"free_routes"`
}

type X402Config struct {
	RPCURL          string            `mapstructure:"rpc_url"`
	Network         string            `mapstructure:"network"`
	USDCContract    string            `mapstructure:"usdc_contract"`
	PaymentAddress  string            `mapstructure:"payment_address"`
	DepegThreshold  float64           `mapstructure:"depeg_threshold"`
	DepegIntSec     int               `mapstructure:"depeg_interval_sec"`
	NonceTTLSec     int               `mapstructure:"nonce_ttl_sec"`
	CooldownSec     int               `mapstructure:"cooldown_sec"`
	BlockThreshold  int64             `mapstructure:"block_threshold"`
	BlockWindowSec  int               `mapstructure:"block_window_sec"`
	SettleTimeout   int               `mapstructure:"settle_timeout_sec"`
	Routes          []RouteConfig     `mapstructure:"routes"`
	FreeRoutes      []FreeRouteConfig `mapstructure:"free_routes"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.oracle_port", 9100)
	v.SetDefault("server.l402_port", 8080)
	v.SetDefault("server.x402_port", 8402)
	v.SetDefault("server.public_base_url", "https://api.myceliasignal.com")
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("keystore.dir", "keys")
	v.SetDefault("oracle.fetch_deadline_sec", 5)
	v.SetDefault("oracle.divergence", 0.005)
	v.SetDefault("oracle.vwap_window_sec", 300)
	v.SetDefault("oracle.vwap_min_trades", 10)
	v.SetDefault("dlc.data_dir", "dlc-data")
	v.SetDefault("dlc.pairs", []string{"BTCUSD"})
	v.SetDefault("dlc.interval_sec", 3600)
	v.SetDefault("dlc.horizon_sec", 86400)
	v.SetDefault("dlc.grace_sec", 3600)
	v.SetDefault("dlc.digits", 5)
	v.SetDefault("x402.rpc_url", "https://mainnet.base.org")
	v.SetDefault("x402.network", "eip155:8453")
	v.SetDefault("x402.usdc_contract", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	v.SetDefault("x402.depeg_threshold", 0.02)
	v.SetDefault("x402.depeg_interval_sec", 60)
	v.SetDefault("x402.nonce_ttl_sec", 300)
	v.SetDefault("x402.cooldown_sec", 600)
	v.SetDefault("x402.block_threshold", 10)
	v.SetDefault("x402.block_window_sec", 604800)
	v.SetDefault("x402.settle_timeout_sec", 300)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.oracle_port":     "ORACLE_PORT",
		"server.l402_port":       "L402_PORT",
		"server.x402_port":       "X402_PORT",
		"server.public_base_url": "PUBLIC_BASE_URL",
		"redis.addr":             "REDIS_ADDR",
		"redis.password":         "REDIS_PASSWORD",
		"keystore.dir":           "KEYSTORE_DIR",
		"dlc.data_dir":           "DLC_DATA_DIR",
		"lnd.rest_url":           "LND_REST_URL",
		"lnd.macaroon_path":      "LND_MACAROON_PATH",
		"lnd.skip_tls_verify":    "LND_SKIP_TLS_VERIFY",
		"x402.rpc_url":           "BASE_RPC_URL",
		"x402.usdc_contract":     "USDC_CONTRACT",
		"x402.payment_address":   "PAYMENT_ADDRESS",
		"x402.depeg_threshold":   "DEPEG_THRESHOLD",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// ValidateL402 checks the settings only the lightning proxy needs.
func (c *Config) ValidateL402() error {
	if c.LND.RESTURL == "" {
		return fmt.Errorf("required config missing: LND_REST_URL")
	}
	if c.LND.MacaroonPath == "" {
		return fmt.Errorf("required config missing: LND_MACAROON_PATH")
	}
	if len(c.L402.Routes) == 0 {
		return fmt.Errorf("l402.routes is empty")
	}
	return nil
}

// ValidateX402 checks the settings only the stablecoin proxy needs.
func (c *Config) ValidateX402() error {
	if c.X402.PaymentAddress == "" {
		return fmt.Errorf("required config missing: PAYMENT_ADDRESS")
	}
	if len(c.X402.Routes) == 0 {
		return fmt.Errorf("x402.routes is empty")
	}
	return nil
}

// FetchDeadline is the per-evaluation fan-out budget.
func (c *Config) FetchDeadline() time.Duration {
	return time.Duration(c.Oracle.FetchDeadlineSec) * time.Second
}

func (c *Config) VWAPWindow() time.Duration {
	return time.Duration(c.Oracle.VWAPWindowSec) * time.Second
}
