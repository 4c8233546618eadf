package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/tradegen/vte-engine/internal/logger"
	"github.com/tradegen/vte-engine/internal/model"
)

type Config struct {
	Server     ServerConfig    `mapstructure:"server"`
	Log        LogConfig       `mapstructure:"log"`
	Database   DatabaseConfig  `mapstructure:"database"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Journal    JournalConfig   `mapstructure:"journal"`
	Identities IdentityConfig  `mapstructure:"identities"`
	Risk       RiskConfig      `mapstructure:"risk"`
	RateLimit  RateLimitConfig `mapstructure:"ratelimit"`
	Oracle     OracleConfig    `mapstructure:"oracle"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty: stdout only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Options converts the section into logger options.
func (c LogConfig) Options() logger.Options {
	return logger.Options{
		Level:      c.Level,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxAgeDays: c.MaxAgeDays,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
	}
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"` // empty: in-memory store
}

type RedisConfig struct {
	Addr            string `mapstructure:"addr"` // empty: no cache
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
}

type JournalConfig struct {
	DSN string `mapstructure:"dsn"` // empty: journal disabled
}

// IdentityConfig holds the hex identities of the engine's own components.
type IdentityConfig struct {
	Registry        string `mapstructure:"registry"`
	RegistryOwner   string `mapstructure:"registry_owner"`
	Factory         string `mapstructure:"factory"`
	FactoryOwner    string `mapstructure:"factory_owner"`
	Oracle          string `mapstructure:"oracle"`
	OracleOwner     string `mapstructure:"oracle_owner"`
	DefaultDataFeed string `mapstructure:"default_data_feed"`
}

// Identities is IdentityConfig parsed into addresses.
type Identities struct {
	Registry        common.Address
	RegistryOwner   common.Address
	Factory         common.Address
	FactoryOwner    common.Address
	Oracle          common.Address
	OracleOwner     common.Address
	DefaultDataFeed common.Address
}

// Parse validates every identity. Component addresses and owners must be
// non-zero; the default data feed may be left unset.
func (c IdentityConfig) Parse() (Identities, error) {
	var ids Identities
	fields := []struct {
		key      string
		raw      string
		dst      *common.Address
		required bool
	}{
		{"identities.registry", c.Registry, &ids.Registry, true},
		{"identities.registry_owner", c.RegistryOwner, &ids.RegistryOwner, true},
		{"identities.factory", c.Factory, &ids.Factory, true},
		{"identities.factory_owner", c.FactoryOwner, &ids.FactoryOwner, true},
		{"identities.oracle", c.Oracle, &ids.Oracle, true},
		{"identities.oracle_owner", c.OracleOwner, &ids.OracleOwner, true},
		{"identities.default_data_feed", c.DefaultDataFeed, &ids.DefaultDataFeed, false},
	}
	for _, f := range fields {
		addr, err := model.ParseAddress(f.raw)
		if err != nil {
			return Identities{}, fmt.Errorf("%s: %w", f.key, err)
		}
		if f.required && model.IsZeroAddress(addr) {
			return Identities{}, fmt.Errorf("%s: must be set", f.key)
		}
		*f.dst = addr
	}
	return ids, nil
}

// RiskConfig seeds the registry's parameters on a fresh store. Once
// persisted, the stored values win.
type RiskConfig struct {
	MaxVTEPerUser             uint64 `mapstructure:"max_vte_per_user"`
	MaxUsageFee               string `mapstructure:"max_usage_fee"`
	MaxPositions              uint64 `mapstructure:"max_positions"`
	MaxLeverageFactor         string `mapstructure:"max_leverage_factor"`
	NameUpdateCooldownSeconds uint64 `mapstructure:"name_update_cooldown_seconds"`
}

// Settings builds the initial registry settings with every role held by owner.
func (c RiskConfig) Settings(owner common.Address) (model.Settings, error) {
	s := model.DefaultSettings(owner)
	s.MaxVTEPerUser = c.MaxVTEPerUser
	s.MaximumNumberOfPositions = c.MaxPositions
	s.MinimumTimeBetweenNameUpdates = c.NameUpdateCooldownSeconds

	fee, err := model.ParseAmount(c.MaxUsageFee)
	if err != nil {
		return model.Settings{}, fmt.Errorf("risk.max_usage_fee: %w", err)
	}
	s.MaxUsageFee = fee

	lev, err := model.ParseAmount(c.MaxLeverageFactor)
	if err != nil {
		return model.Settings{}, fmt.Errorf("risk.max_leverage_factor: %w", err)
	}
	s.MaximumLeverageFactor = lev
	return s, nil
}

type RateLimitConfig struct {
	QPS   float64 `mapstructure:"qps"` // per caller; 0 disables
	Burst int     `mapstructure:"burst"`
}

type OracleConfig struct {
	// Prices seeds the static source (symbol → decimal string).
	Prices map[string]string `mapstructure:"prices"`

	// RedisPricesKey switches the oracle to a Redis hash source when set
	// and Redis is configured.
	RedisPricesKey string `mapstructure:"redis_prices_key"`
}

// StaticPrices parses Prices. Viper lower-cases map keys, so symbols are
// upper-cased back to ticker form.
func (c OracleConfig) StaticPrices() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Prices))
	for sym, raw := range c.Prices {
		p, err := model.ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("oracle.prices.%s: %w", sym, err)
		}
		out[strings.ToUpper(sym)] = p
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)

	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl_seconds", 30)
	v.SetDefault("journal.dsn", "")

	v.SetDefault("identities.registry", "0x0000000000000000000000000000000000001000")
	v.SetDefault("identities.registry_owner", "0x00000000000000000000000000000000000010aa")
	v.SetDefault("identities.factory", "0x0000000000000000000000000000000000002000")
	v.SetDefault("identities.factory_owner", "0x00000000000000000000000000000000000010aa")
	v.SetDefault("identities.oracle", "0x0000000000000000000000000000000000003000")
	v.SetDefault("identities.oracle_owner", "0x00000000000000000000000000000000000010aa")
	v.SetDefault("identities.default_data_feed", "0x0000000000000000000000000000000000004000")

	v.SetDefault("risk.max_vte_per_user", 2)
	v.SetDefault("risk.max_usage_fee", "1000")
	v.SetDefault("risk.max_positions", 5)
	v.SetDefault("risk.max_leverage_factor", "20")
	v.SetDefault("risk.name_update_cooldown_seconds", model.OneWeek)

	v.SetDefault("ratelimit.qps", 20)
	v.SetDefault("ratelimit.burst", 40)

	v.SetDefault("oracle.redis_prices_key", "")
}

// Load reads config.yaml from the given directories (default "." and
// "./configs"), then VTE_-prefixed environment variables. A .env file in the
// working directory is loaded into the environment first.
func Load(paths ...string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// e.g. VTE_DATABASE_DSN, VTE_RISK_MAX_POSITIONS
	v.SetEnvPrefix("vte")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logger.Info("no config file found, using defaults and env vars")
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
