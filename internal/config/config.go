// Package config loads service configuration from the environment, an
// optional .env file and an optional YAML file naming the games.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/betfinio/predict/internal/model"
)

// ErrBonusRateUnset is returned when a game has no bonus rate. The
// contract's rate must be confirmed per deployment, so there is no default.
var ErrBonusRateUnset = errors.New("config: bonus rate not configured")

// Config holds the application configuration.
type Config struct {
	Port         int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	LogLevel     string        `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat    string        `mapstructure:"log_format" validate:"oneof=json text"`
	DatabaseURL  string        `mapstructure:"database_url"`
	RedisURL     string        `mapstructure:"redis_url"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	KafkaBrokers []string      `mapstructure:"kafka_brokers"`
	KafkaTopic   string        `mapstructure:"kafka_topic" validate:"required_with=KafkaBrokers"`
	RPCURL       string        `mapstructure:"rpc_url" validate:"omitempty,url"`
	SignerKey    string        `mapstructure:"signer_key" validate:"omitempty,hexadecimal"`
	StatusTick   time.Duration `mapstructure:"status_tick" validate:"gt=0"`
	BonusRateBps *int64        `mapstructure:"bonus_rate_bps" validate:"omitempty,gte=0,lte=10000"`
	Games        []GameConfig  `mapstructure:"games" validate:"required,min=1,dive"`
}

// GameConfig is one entry of the games list.
type GameConfig struct {
	Pair         string `mapstructure:"pair" validate:"required,alphanum"`
	Address      string `mapstructure:"address" validate:"omitempty,eth_addr"`
	DataFeed     string `mapstructure:"data_feed" validate:"omitempty,eth_addr"`
	Interval     int64  `mapstructure:"interval" validate:"gt=0"`
	Duration     int64  `mapstructure:"duration" validate:"gt=0"`
	BonusRateBps *int64 `mapstructure:"bonus_rate_bps" validate:"omitempty,gte=0,lte=10000"`
}

// Load reads .env (if present), then the YAML file named by CONFIG_FILE (if
// set), then environment variables, which win over both.
func Load() (*Config, error) {
	// Load .env file if it exists, but don't fail if it doesn't
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	// No default: only visible to Unmarshal once bound.
	_ = v.BindEnv("bonus_rate_bps")

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	if len(cfg.Games) == 0 {
		cfg.Games = []GameConfig{DefaultGame()}
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", 30*time.Second)
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic", "predict.events")
	v.SetDefault("rpc_url", "")
	v.SetDefault("signer_key", "")
	v.SetDefault("status_tick", 5*time.Second)
}

// DefaultGame is the BTCUSDT pair used when no games file is given.
func DefaultGame() GameConfig {
	return GameConfig{Pair: "BTCUSDT", Interval: 270, Duration: 4}
}

// GamesList resolves each game's bonus rate, falling back to the global
// BONUS_RATE_BPS. A game with neither fails with ErrBonusRateUnset.
func (c *Config) GamesList() ([]model.Game, error) {
	out := make([]model.Game, 0, len(c.Games))
	seen := make(map[string]bool, len(c.Games))
	for _, g := range c.Games {
		pair := strings.ToUpper(g.Pair)
		if seen[pair] {
			return nil, fmt.Errorf("config: duplicate game %s", pair)
		}
		seen[pair] = true

		rate := g.BonusRateBps
		if rate == nil {
			rate = c.BonusRateBps
		}
		if rate == nil {
			return nil, fmt.Errorf("%w for %s: set BONUS_RATE_BPS or games[].bonus_rate_bps", ErrBonusRateUnset, pair)
		}
		if err := model.ValidateRate(*rate); err != nil {
			return nil, err
		}

		out = append(out, model.Game{
			Pair:         pair,
			Address:      common.HexToAddress(g.Address),
			DataFeed:     common.HexToAddress(g.DataFeed),
			Interval:     g.Interval,
			Duration:     g.Duration,
			BonusRateBps: *rate,
		})
	}
	return out, nil
}

// ChainEnabled reports whether the calculate trigger can submit transactions.
func (c *Config) ChainEnabled() bool {
	return c.RPCURL != "" && c.SignerKey != ""
}

// KafkaEnabled reports whether events are published.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
