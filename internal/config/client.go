package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var ErrClientIdentity = errors.New("room and peer identity are required")

const DefaultJoinTimeout = 10 * time.Second

// ClientConfig configures cmd/meshclient. Priority: flags, MESH_* environment,
// defaults.
type ClientConfig struct {
	ServerURL   string        `mapstructure:"server"`
	Room        string        `mapstructure:"room"`
	Peer        string        `mapstructure:"peer"`
	STUNServers []string      `mapstructure:"stun"`
	TURNServer  string        `mapstructure:"turn"`
	TURNUser    string        `mapstructure:"turn-user"`
	TURNPass    string        `mapstructure:"turn-pass"`
	DialTimeout time.Duration `mapstructure:"dial-timeout"`
	JoinTimeout time.Duration `mapstructure:"join-timeout"`
	LogLevel    string        `mapstructure:"log-level"`
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("server", "ws://localhost:1445/peers")
	v.SetDefault("room", "")
	v.SetDefault("peer", "")
	v.SetDefault("stun", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("turn", "")
	v.SetDefault("turn-user", "")
	v.SetDefault("turn-pass", "")
	v.SetDefault("dial-timeout", "5s")
	v.SetDefault("join-timeout", "10s")
	v.SetDefault("log-level", "warn")
}

// LoadClient resolves the client configuration. flags may be nil.
func LoadClient(flags *pflag.FlagSet) (*ClientConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setClientDefaults(v)
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if cfg.Room == "" || cfg.Peer == "" {
		return nil, ErrClientIdentity
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	return &cfg, nil
}

// TURNServers expands the TURN host into udp/tcp/tls URLs, or nil.
func (c *ClientConfig) TURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("turn:%s:3478?transport=tcp", c.TURNServer),
		fmt.Sprintf("turns:%s:5349?transport=tcp", c.TURNServer),
	}
}
