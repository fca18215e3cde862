package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Quotes    QuotesConfig    `mapstructure:"quotes"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Dividends DividendsConfig `mapstructure:"dividends"`
	Valuation ValuationConfig `mapstructure:"valuation"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	CollectorURL string `mapstructure:"collector_url"`
	Environment  string `mapstructure:"environment"`
	Enabled      bool   `mapstructure:"enabled"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type QuotesConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	StaleTTL        time.Duration `mapstructure:"stale_ttl"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	MaxEntries      int           `mapstructure:"max_entries"`
	Attempts        int           `mapstructure:"attempts"`
	Order           []string      `mapstructure:"order"`
	FinnhubKey      string        `mapstructure:"finnhub_key"`
	PolygonKey      string        `mapstructure:"polygon_key"`
	TwelveDataKey   string        `mapstructure:"twelvedata_key"`
	AlphaVantageKey string        `mapstructure:"alphavantage_key"`
	AlpacaKey       string        `mapstructure:"alpaca_key"`
	AlpacaSecret    string        `mapstructure:"alpaca_secret"`
}

type WalletConfig struct {
	Cap float64 `mapstructure:"cap"`
}

type DividendsConfig struct {
	WithholdingRate  float64 `mapstructure:"withholding_rate"`
	IngestWindowDays int     `mapstructure:"ingest_window_days"`
	IngestCron       string  `mapstructure:"ingest_cron"`
	SnapshotCron     string  `mapstructure:"snapshot_cron"`
	SettleCron       string  `mapstructure:"settle_cron"`
	Timezone         string  `mapstructure:"timezone"`
	SchedulerEnabled bool    `mapstructure:"scheduler_enabled"`
}

type ValuationConfig struct {
	IncludeWallet bool          `mapstructure:"include_wallet"`
	Epsilon       float64       `mapstructure:"epsilon"`
	MinInterval   time.Duration `mapstructure:"min_interval"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	ActiveWindow  time.Duration `mapstructure:"active_window"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func Load(configName string) (*Config, error) {
	v := viper.New()

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/equishare/")

	v.SetEnvPrefix("EQUISHARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "equishare_ledger")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.group_id", "ledger-service")

	v.SetDefault("telemetry.service_name", "ledger-service")
	v.SetDefault("telemetry.collector_url", "localhost:4317")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.enabled", false)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("quotes.ttl", 15*time.Second)
	v.SetDefault("quotes.stale_ttl", 5*time.Minute)
	v.SetDefault("quotes.provider_timeout", 4*time.Second)
	v.SetDefault("quotes.max_entries", 500)
	v.SetDefault("quotes.attempts", 1)
	v.SetDefault("quotes.order", []string{"finnhub", "polygon", "twelvedata", "alphavantage", "alpaca"})
	v.SetDefault("quotes.finnhub_key", "")
	v.SetDefault("quotes.polygon_key", "")
	v.SetDefault("quotes.twelvedata_key", "")
	v.SetDefault("quotes.alphavantage_key", "")
	v.SetDefault("quotes.alpaca_key", "")
	v.SetDefault("quotes.alpaca_secret", "")

	v.SetDefault("wallet.cap", 1_000_000)

	v.SetDefault("dividends.withholding_rate", 0)
	v.SetDefault("dividends.ingest_window_days", 90)
	v.SetDefault("dividends.ingest_cron", "5 0 * * *")
	v.SetDefault("dividends.snapshot_cron", "0 6 * * *")
	v.SetDefault("dividends.settle_cron", "0 8 * * *")
	v.SetDefault("dividends.timezone", "America/New_York")
	v.SetDefault("dividends.scheduler_enabled", true)

	v.SetDefault("valuation.include_wallet", true)
	v.SetDefault("valuation.epsilon", 0.01)
	v.SetDefault("valuation.min_interval", 5*time.Minute)
	v.SetDefault("valuation.tick_interval", 60*time.Second)
	v.SetDefault("valuation.active_window", 15*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}
