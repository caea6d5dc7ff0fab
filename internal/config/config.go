package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "VOICERELAY"

type Config struct {
	Mode       string `mapstructure:"mode"`
	Host       string `mapstructure:"host"`
	SignalPort int    `mapstructure:"signal_port"`
	MediaPort  int    `mapstructure:"media_port"`
	AdminPort  int    `mapstructure:"admin_port"`

	ReadLimit   int `mapstructure:"read_limit"`
	SendQueue   int `mapstructure:"send_queue"`
	MaxDatagram int `mapstructure:"max_datagram"`

	RingTimeout       time.Duration `mapstructure:"ring_timeout"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	RegisterTimeout   time.Duration `mapstructure:"register_timeout"`

	HistorySize  int     `mapstructure:"history_size"`
	MessageRate  float64 `mapstructure:"message_rate"`
	MessageBurst int     `mapstructure:"message_burst"`

	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("signal_port", 5060)
	v.SetDefault("media_port", 5061)
	v.SetDefault("admin_port", 5063)
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("send_queue", 64)
	v.SetDefault("max_datagram", 4096)
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("inactivity_timeout", "90s")
	v.SetDefault("sweep_interval", "10s")
	v.SetDefault("register_timeout", "30s")
	v.SetDefault("history_size", 256)
	v.SetDefault("message_rate", 10)
	v.SetDefault("message_burst", 20)
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
}

// Load resolves the configuration from defaults, the optional
// config/config.<CONFIG_ENV>.yaml file, VOICERELAY_* environment variables
// and finally any flags in fs that were set explicitly.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		fs.VisitAll(func(f *pflag.Flag) {
			_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
	}

	if err := v.ReadInConfig(); err != nil {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).
		Int("signal_port", cfg.SignalPort).Int("media_port", cfg.MediaPort).Int("admin_port", cfg.AdminPort).
		Msg("config resolved")
	return &cfg, nil
}

// RegisterFlags declares the command-line overrides understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("mode", "release", "gin mode: release or debug")
	fs.String("host", "0.0.0.0", "listen address for every socket")
	fs.Int("signal-port", 5060, "TCP control channel port")
	fs.Int("media-port", 5061, "UDP audio relay port")
	fs.Int("admin-port", 5063, "operator HTTP port")
	fs.Duration("ring-timeout", 30*time.Second, "how long a call may ring unanswered")
	fs.Duration("inactivity-timeout", 90*time.Second, "silence after which a client is evicted")
	fs.String("log-level", "info", "debug, info, warn or error")
}

func (c *Config) Validate() error {
	var errs []error
	for name, port := range map[string]int{"signal_port": c.SignalPort, "media_port": c.MediaPort, "admin_port": c.AdminPort} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s out of range: %d", name, port))
		}
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("read_limit must be positive: %d", c.ReadLimit))
	}
	if c.MaxDatagram <= 32 {
		errs = append(errs, fmt.Errorf("max_datagram must exceed the 32 byte header: %d", c.MaxDatagram))
	}
	if c.RingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ring_timeout must be positive: %s", c.RingTimeout))
	}
	return errors.Join(errs...)
}

func (c *Config) SignalAddr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.SignalPort)) }
func (c *Config) MediaAddr() string  { return net.JoinHostPort(c.Host, strconv.Itoa(c.MediaPort)) }
func (c *Config) AdminAddr() string  { return net.JoinHostPort(c.Host, strconv.Itoa(c.AdminPort)) }
