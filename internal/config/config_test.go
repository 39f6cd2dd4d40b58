package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// Empty variables are ignored by viper, which masks anything inherited.
	for _, k := range []string{"HOST", "PORT", "SIGNAL_PATH", "CORS_ORIGIN", "SSL_KEY_PATH", "SSL_CERT_PATH"} {
		t.Setenv(k, "")
	}
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 1445, cfg.Port)
	assert.Equal(t, "/peers", cfg.SignalPath)
	assert.Equal(t, "*", cfg.CORSOrigin)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.False(t, cfg.TLSEnabled())
	assert.Equal(t, "0.0.0.0:1445", cfg.Addr())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.test.yaml")
	require.NoError(t, os.WriteFile(file, []byte("port: 9000\nsignal_path: /ws\nmode: debug\n"), 0o600))
	t.Setenv("CORS_ORIGIN", "https://example.org")
	t.Setenv("PORT", "")

	cfg, err := LoadFile(file)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/ws", cfg.SignalPath)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, "https://example.org", cfg.CORSOrigin)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "key.pem")
	cert := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(key, []byte("k"), 0o600))
	require.NoError(t, os.WriteFile(cert, []byte("c"), 0o600))

	base := func() Config {
		return Config{
			Port:         1445,
			PingPeriod:   time.Second,
			PongWait:     2 * time.Second,
			JoinLimit:    1,
			JoinInterval: time.Second,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		err    error
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "port", mutate: func(c *Config) { c.Port = 70000 }, err: ErrInvalidPort},
		{name: "key only", mutate: func(c *Config) { c.SSLKeyPath = key }, err: ErrSSLPair},
		{name: "missing files", mutate: func(c *Config) {
			c.SSLKeyPath = filepath.Join(dir, "nope")
			c.SSLCertPath = cert
		}, err: ErrSSLMissing},
		{name: "tls ok", mutate: func(c *Config) {
			c.SSLKeyPath = key
			c.SSLCertPath = cert
		}},
		{name: "ping", mutate: func(c *Config) { c.PingPeriod = c.PongWait }, err: ErrPingTooSlow},
		{name: "limit", mutate: func(c *Config) { c.JoinLimit = 0 }, err: ErrInvalidLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestLoadClient(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("room", "", "")
	flags.String("peer", "", "")
	flags.Duration("dial-timeout", 0, "")
	require.NoError(t, flags.Parse([]string{"--room", "lobby", "--dial-timeout", "2s"}))
	t.Setenv("MESH_PEER", "alice")
	t.Setenv("MESH_TURN", "turn.example.org")

	cfg, err := LoadClient(flags)
	require.NoError(t, err)
	assert.Equal(t, "lobby", cfg.Room)
	assert.Equal(t, "alice", cfg.Peer)
	assert.Equal(t, 2*time.Second, cfg.DialTimeout)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.STUNServers)
	assert.Len(t, cfg.TURNServers(), 3)
}

func TestLoadClientRequiresIdentity(t *testing.T) {
	_, err := LoadClient(nil)
	assert.ErrorIs(t, err, ErrClientIdentity)
}
