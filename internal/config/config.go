// Package config loads node and document store settings from defaults, an
// optional config file, a .env file, RELIEF_* environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override, e.g. RELIEF_CLOUD_BASE_URL.
const EnvPrefix = "RELIEF"

// Options holds the configuration values for the application.
type Options struct {
	Store     StoreOptions     `mapstructure:"store"`
	Log       LogOptions       `mapstructure:"log"`
	Mode      ModeOptions      `mapstructure:"mode"`
	History   HistoryOptions   `mapstructure:"history"`
	Cloud     CloudOptions     `mapstructure:"cloud"`
	LAN       LANOptions       `mapstructure:"lan"`
	Mesh      MeshOptions      `mapstructure:"mesh"`
	Discovery DiscoveryOptions `mapstructure:"discovery"`
	Server    ServerOptions    `mapstructure:"server"`
}

// StoreOptions selects the local record store.
type StoreOptions struct {
	// Driver is "sqlite3" or "postgres".
	Driver string `mapstructure:"driver"`
	// DSN is a file path for sqlite3 or a connection string for postgres.
	DSN string `mapstructure:"dsn"`
	// BacklogInterval is how often the count of unsynced records is logged; 0 disables it.
	BacklogInterval time.Duration `mapstructure:"backlog_interval"`
}

// LogOptions configures the zap logger.
type LogOptions struct {
	Level string `mapstructure:"level"`
	// File, when set, sends logs to a rotated file instead of stderr.
	File string `mapstructure:"file"`
}

// ModeOptions configures connectivity probing and the two schedulers.
type ModeOptions struct {
	Interval     time.Duration `mapstructure:"interval"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	ProbeTargets []string      `mapstructure:"probe_targets"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// PreferLAN selects ONLINE_LOCAL when there is no internet but a LAN server is visible.
	PreferLAN bool `mapstructure:"prefer_lan"`
}

// HistoryOptions bounds the message backlog replayed to LAN clients and mesh peers.
type HistoryOptions struct {
	Window time.Duration `mapstructure:"window"`
	Limit  int           `mapstructure:"limit"`
}

// CloudOptions configures the REST document store client.
type CloudOptions struct {
	BaseURL string        `mapstructure:"base_url"`
	Suffix  string        `mapstructure:"suffix"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Paths maps entity table names to collection paths.
	Paths map[string]string `mapstructure:"paths"`
	// Workers bounds concurrent immediate uploads.
	Workers int `mapstructure:"workers"`
	// Rate is the maximum immediate uploads per second.
	Rate float64 `mapstructure:"rate"`
}

// LANOptions configures the WebSocket LAN channel.
type LANOptions struct {
	Port int    `mapstructure:"port"`
	Path string `mapstructure:"path"`
	// RemoteURL is the ws:// or wss:// address used by Connect.
	RemoteURL string `mapstructure:"remote_url"`
}

// MeshOptions configures the TCP overlay and its UDP bootstrap.
type MeshOptions struct {
	Port              int           `mapstructure:"port"`
	DiscoveryPort     int           `mapstructure:"discovery_port"`
	BroadcastAddrs    []string      `mapstructure:"broadcast_addrs"`
	Tag               string        `mapstructure:"tag"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	MaxPeers          int           `mapstructure:"max_peers"`
	SeenCacheSize     int           `mapstructure:"seen_cache_size"`
	SeenCacheTTL      time.Duration `mapstructure:"seen_cache_ttl"`
	// PeerRate limits inbound envelopes per second per peer.
	PeerRate  float64 `mapstructure:"peer_rate"`
	PeerBurst int     `mapstructure:"peer_burst"`
	// NodeID fixes the node id shared by the mesh and discovery; empty generates one per process.
	NodeID string `mapstructure:"node_id"`
}

// DiscoveryOptions configures mDNS service discovery.
type DiscoveryOptions struct {
	Service        string        `mapstructure:"service"`
	Domain         string        `mapstructure:"domain"`
	BrowseInterval time.Duration `mapstructure:"browse_interval"`
	PeerTTL        time.Duration `mapstructure:"peer_ttl"`
}

// ServerOptions configures the cloud document store server.
type ServerOptions struct {
	Addr string `mapstructure:"addr"`
	// DSN is the PostgreSQL connection string; empty keeps documents in memory.
	DSN       string  `mapstructure:"dsn"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "data/relief.db")
	v.SetDefault("store.backlog_interval", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("mode.interval", 5*time.Second)
	v.SetDefault("mode.sync_interval", 30*time.Second)
	v.SetDefault("mode.probe_targets", []string{"8.8.8.8:53", "1.1.1.1:53"})
	v.SetDefault("mode.probe_timeout", 3*time.Second)
	v.SetDefault("mode.prefer_lan", false)

	v.SetDefault("history.window", time.Hour)
	v.SetDefault("history.limit", 100)

	v.SetDefault("cloud.base_url", "")
	v.SetDefault("cloud.suffix", ".json")
	v.SetDefault("cloud.timeout", 5*time.Second)
	v.SetDefault("cloud.paths", map[string]string{
		"messages":           "messages",
		"emergency_requests": "emergency_requests",
		"users":              "users",
		"resources":          "resources",
	})
	v.SetDefault("cloud.workers", 4)
	v.SetDefault("cloud.rate", 10.0)

	v.SetDefault("lan.port", 8887)
	v.SetDefault("lan.path", "/sync")
	v.SetDefault("lan.remote_url", "")

	v.SetDefault("mesh.port", 8888)
	v.SetDefault("mesh.discovery_port", 8889)
	v.SetDefault("mesh.broadcast_addrs", []string{"255.255.255.255", "192.168.1.255", "192.168.0.255", "10.0.0.255", "172.16.0.255"})
	v.SetDefault("mesh.tag", "RELIEF_MESH")
	v.SetDefault("mesh.broadcast_interval", 30*time.Second)
	v.SetDefault("mesh.max_peers", 32)
	v.SetDefault("mesh.seen_cache_size", 4096)
	v.SetDefault("mesh.seen_cache_ttl", 10*time.Minute)
	v.SetDefault("mesh.peer_rate", 50.0)
	v.SetDefault("mesh.peer_burst", 100)
	v.SetDefault("mesh.node_id", "")

	v.SetDefault("discovery.service", "_reliefnet._tcp")
	v.SetDefault("discovery.domain", "local.")
	v.SetDefault("discovery.browse_interval", 10*time.Second)
	v.SetDefault("discovery.peer_ttl", 45*time.Second)

	v.SetDefault("server.addr", "localhost:8080")
	v.SetDefault("server.dsn", "")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.burst", 40)
}

// Config is a loaded configuration source.
type Config struct {
	v    *viper.Viper
	file string
}

// New prepares a configuration source. A .env file in the working directory
// is loaded into the environment first, when present. path names an optional
// JSON, YAML or TOML file; an empty path reads no file.
func New(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return &Config{v: v, file: path}, nil
}

// BindFlags lets changed flags override every other source. Flags are
// matched to keys by name, e.g. a flag "log.level" overrides log.level.
// Flags that name no key are ignored.
func (c *Config) BindFlags(fs *pflag.FlagSet) error {
	keys := make(map[string]bool)
	for _, k := range c.v.AllKeys() {
		keys[k] = true
	}
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if keys[f.Name] {
			err = errors.Join(err, c.v.BindPFlag(f.Name, f))
		}
	})
	return err
}

// Options decodes the current values.
func (c *Config) Options() (*Options, error) {
	var o Options
	if err := c.v.Unmarshal(&o); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &o, nil
}

// Watch calls fn with freshly decoded options whenever the config file
// changes. It does nothing when no file was loaded.
func (c *Config) Watch(log *zap.Logger, fn func(*Options)) {
	if c.file == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		log.Info("config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		o, err := c.Options()
		if err != nil {
			log.Warn("ignoring invalid config change", zap.Error(err))
			return
		}
		fn(o)
	})
	c.v.WatchConfig()
}

// Load reads defaults, .env, environment and the optional file at path.
func Load(path string) (*Options, error) {
	c, err := New(path)
	if err != nil {
		return nil, err
	}
	return c.Options()
}
