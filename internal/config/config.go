package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string      `mapstructure:"mode"`
	Port     int         `mapstructure:"port"`
	LogLevel string      `mapstructure:"log_level"`
	AuthURL  string      `mapstructure:"auth_url"`
	Auth     AuthConfig  `mapstructure:"auth"`
	Store    StoreConfig `mapstructure:"store"`
	WS       WSConfig    `mapstructure:"ws"`
}

type AuthConfig struct {
	// Timeout bounds each identity lookup; zero leaves it unbounded.
	Timeout time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

type WSConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`

	// KickSlow disconnects receivers whose send queue is full instead of dropping the frame.
	KickSlow        bool          `mapstructure:"kick_slow"`
	ConnectLimit    int           `mapstructure:"connect_limit"`
	ConnectInterval time.Duration `mapstructure:"connect_interval"`
}

// Load reads defaults, the optional YAML file at path, then the environment.
// Environment keys are upper-cased with "." replaced by "_" (STORE_URL, WS_PING_PERIOD).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("log_level", "info")
	v.SetDefault("auth_url", "")
	v.SetDefault("auth.timeout", "0s")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.url", "")
	v.SetDefault("store.database", "digitalstage")
	v.SetDefault("store.table", "routers")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("ws.read_limit", 32768)
	v.SetDefault("ws.ping_period", "54s")
	v.SetDefault("ws.pong_wait", "60s")
	v.SetDefault("ws.write_wait", "5s")
	v.SetDefault("ws.send_buffer", 32)
	v.SetDefault("ws.kick_slow", false)
	v.SetDefault("ws.connect_limit", 20)
	v.SetDefault("ws.connect_interval", "10s")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// DATABASE_URL is the conventional fallback for STORE_URL.
	if err := v.BindEnv("store.url", "STORE_URL", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Info().Str("module", "config").Str("file", path).Msg("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("store", cfg.Store.Driver).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.AuthURL == "" {
		errs = append(errs, errors.New("auth_url is required"))
	}
	switch c.Store.Driver {
	case "postgres":
		if c.Store.URL == "" {
			errs = append(errs, errors.New("store.url is required for the postgres driver"))
		}
		if c.Store.Table == "" {
			errs = append(errs, errors.New("store.table is required"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.WS.PingPeriod >= c.WS.PongWait {
		errs = append(errs, errors.New("ws.ping_period must be shorter than ws.pong_wait"))
	}
	if c.WS.SendBuffer < 1 {
		errs = append(errs, errors.New("ws.send_buffer must be positive"))
	}
	return errors.Join(errs...)
}
