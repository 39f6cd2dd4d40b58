package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var (
	ErrInvalidPort  = errors.New("invalid port")
	ErrSSLPair      = errors.New("both ssl_key_path and ssl_cert_path must be provided")
	ErrSSLMissing   = errors.New("ssl certificate files could not be found")
	ErrPingTooSlow  = errors.New("ping_period must be shorter than pong_wait")
	ErrInvalidLimit = errors.New("join_limit and join_interval must be positive")
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	SignalPath string `mapstructure:"signal_path"`
	CORSOrigin string `mapstructure:"cors_origin"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`

	SSLKeyPath  string `mapstructure:"ssl_key_path"`
	SSLCertPath string `mapstructure:"ssl_cert_path"`

	ReadLimit  int64         `mapstructure:"read_limit"`
	SendBuffer int           `mapstructure:"send_buffer"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`

	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 1445)
	v.SetDefault("static_path", "./web")
	v.SetDefault("signal_path", "/peers")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("secret", "mesh-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("ssl_key_path", "")
	v.SetDefault("ssl_cert_path", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("send_buffer", 64)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("join_limit", 10)
	v.SetDefault("join_interval", "10s")
}

// Load reads config/config.<CONFIG_ENV>.yaml (CONFIG_ENV defaults to dev).
// Environment variables named after the keys (PORT, SSL_KEY_PATH, ...)
// override the file.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file. A missing file is not an error.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("signal_path", cfg.SignalPath).Bool("tls", cfg.TLSEnabled()).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if (c.SSLKeyPath == "") != (c.SSLCertPath == "") {
		return ErrSSLPair
	}
	if c.TLSEnabled() {
		for _, p := range []string{c.SSLKeyPath, c.SSLCertPath} {
			if _, err := os.Stat(p); err != nil {
				return fmt.Errorf("%w: %s", ErrSSLMissing, p)
			}
		}
	}
	if c.PingPeriod >= c.PongWait {
		return ErrPingTooSlow
	}
	if c.JoinLimit <= 0 || c.JoinInterval <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

func (c *Config) TLSEnabled() bool {
	return c.SSLKeyPath != "" && c.SSLCertPath != ""
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
