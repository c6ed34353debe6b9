// Package config loads node settings from a TOML or YAML file, UWU_*
// environment variables and built-in defaults, in increasing precedence
// order file < env. Command-line flags are applied by the caller last.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"uwushare/internal/proto"
)

const (
	RoleDirectory = "directory"
	RolePeer      = "peer"

	DefaultDirectoryListen = "127.0.0.1:5000"
	DefaultPeerListen      = "127.0.0.1:6000"
)

// Duration reads "5s" style values from TOML, YAML and the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

type Config struct {
	Role      string `toml:"role" yaml:"role"`
	Listen    string `toml:"listen" yaml:"listen"`
	Advertise string `toml:"advertise" yaml:"advertise"`
	Transport string `toml:"transport" yaml:"transport"`
	Home      string `toml:"home" yaml:"home"`

	Log       LogConfig       `toml:"log" yaml:"log"`
	Service   ServiceConfig   `toml:"service" yaml:"service"`
	Directory DirectoryConfig `toml:"directory" yaml:"directory"`
	Peer      PeerConfig      `toml:"peer" yaml:"peer"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
}

type LogConfig struct {
	Level      string `toml:"level" yaml:"level"`
	Format     string `toml:"format" yaml:"format"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

type ServiceConfig struct {
	HandlerTimeout  Duration `toml:"handler_timeout" yaml:"handler_timeout"`
	ReadTimeout     Duration `toml:"read_timeout" yaml:"read_timeout"`
	Interval        Duration `toml:"interval" yaml:"interval"`
	MaxConnsPerHost int      `toml:"max_conns_per_host" yaml:"max_conns_per_host"`
	RatePerSecond   float64  `toml:"rate_per_second" yaml:"rate_per_second"`
	RateBurst       int      `toml:"rate_burst" yaml:"rate_burst"`
	MaxInFlight     int64    `toml:"max_in_flight" yaml:"max_in_flight"`
	StrictPairs     bool     `toml:"strict_pairs" yaml:"strict_pairs"`
}

type DirectoryConfig struct {
	StorePath   string   `toml:"store_path" yaml:"store_path"`
	Broadcast   bool     `toml:"broadcast" yaml:"broadcast"`
	ProviderTTL Duration `toml:"provider_ttl" yaml:"provider_ttl"`
}

type PeerConfig struct {
	Directories    []string `toml:"directories" yaml:"directories"`
	SharedDir      string   `toml:"shared_dir" yaml:"shared_dir"`
	CachePath      string   `toml:"cache_path" yaml:"cache_path"`
	Watch          bool     `toml:"watch" yaml:"watch"`
	RequestTimeout Duration `toml:"request_timeout" yaml:"request_timeout"`
}

type MetricsConfig struct {
	SnapshotPath     string   `toml:"snapshot_path" yaml:"snapshot_path"`
	SnapshotInterval Duration `toml:"snapshot_interval" yaml:"snapshot_interval"`
}

func DefaultHome() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ".uwushare"
	}
	return filepath.Join(h, ".uwushare")
}

func Default() Config {
	return Config{
		Role:      RolePeer,
		Transport: "tcp",
		Home:      DefaultHome(),
		Log: LogConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Service: ServiceConfig{
			HandlerTimeout: Duration{10 * time.Second},
			ReadTimeout:    Duration{10 * time.Second},
			Interval:       Duration{5 * time.Second},
			MaxInFlight:    256,
		},
		Peer: PeerConfig{
			Directories:    []string{DefaultDirectoryListen},
			RequestTimeout: Duration{3 * time.Second},
		},
		Metrics: MetricsConfig{
			SnapshotInterval: Duration{time.Second},
		},
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("config: %s: %w", path, err)
		}
	default:
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return fmt.Errorf("config: %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config: %s: unknown key %q", path, undecoded[0].String())
		}
	}
	return nil
}

// ApplyEnv overrides fields from UWU_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	str("UWU_ROLE", &c.Role)
	str("UWU_LISTEN", &c.Listen)
	str("UWU_ADVERTISE", &c.Advertise)
	str("UWU_TRANSPORT", &c.Transport)
	str("UWU_HOME", &c.Home)
	str("UWU_LOG_LEVEL", &c.Log.Level)
	str("UWU_LOG_FORMAT", &c.Log.Format)
	str("UWU_LOG_FILE", &c.Log.File)
	dur("UWU_HANDLER_TIMEOUT", &c.Service.HandlerTimeout)
	dur("UWU_INTERVAL", &c.Service.Interval)
	boolean("UWU_STRICT_PAIRS", &c.Service.StrictPairs)
	str("UWU_STORE_PATH", &c.Directory.StorePath)
	boolean("UWU_BROADCAST", &c.Directory.Broadcast)
	dur("UWU_PROVIDER_TTL", &c.Directory.ProviderTTL)
	str("UWU_SHARED_DIR", &c.Peer.SharedDir)
	boolean("UWU_WATCH", &c.Peer.Watch)
	if v := strings.TrimSpace(getenv("UWU_DIRECTORIES")); v != "" {
		c.Peer.Directories = splitList(v)
	}
	str("UWU_METRICS_PATH", &c.Metrics.SnapshotPath)
	return errors.Join(errs...)
}

// Finalize fills role dependent defaults and validates the result.
func (c *Config) Finalize() error {
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	switch c.Role {
	case RoleDirectory:
		if c.Listen == "" {
			c.Listen = DefaultDirectoryListen
		}
		if c.Directory.StorePath == "" {
			c.Directory.StorePath = filepath.Join(c.Home, "dht.json")
		}
	case RolePeer:
		if c.Listen == "" {
			c.Listen = DefaultPeerListen
		}
		if c.Peer.SharedDir == "" {
			c.Peer.SharedDir = filepath.Join(c.Home, "shared")
		}
	default:
		return fmt.Errorf("config: role %q: want %s or %s", c.Role, RoleDirectory, RolePeer)
	}
	if c.Metrics.SnapshotPath == "" {
		c.Metrics.SnapshotPath = filepath.Join(c.Home, c.Role+"-metrics.json")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("config: listen %q: %w", c.Listen, err)
	}
	if _, err := c.AdvertiseInfo(); err != nil {
		return err
	}
	if c.Role == RolePeer {
		if _, err := c.DirectoryInfos(); err != nil {
			return err
		}
	}
	switch strings.ToLower(c.Transport) {
	case "", "tcp", "quic":
	default:
		return fmt.Errorf("config: transport %q: want tcp or quic", c.Transport)
	}
	return nil
}

// AdvertiseInfo is the identity placed in peer_info. Without an explicit
// advertise address it is the listen address, with wildcard hosts mapped to
// loopback. A zero port is left for the service to fill in after binding.
func (c Config) AdvertiseInfo() (proto.PeerInfo, error) {
	addr := c.Advertise
	if addr == "" {
		addr = c.Listen
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return proto.PeerInfo{}, fmt.Errorf("config: advertise %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return proto.PeerInfo{}, fmt.Errorf("config: advertise port %q", portStr)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return proto.PeerInfo{Host: host, Port: port}, nil
}

func (c Config) DirectoryInfos() ([]proto.PeerInfo, error) {
	out := make([]proto.PeerInfo, 0, len(c.Peer.Directories))
	for _, addr := range c.Peer.Directories {
		p, err := proto.ParsePeerInfo(addr)
		if err != nil {
			return nil, fmt.Errorf("config: directory: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
