// Package config loads client settings from YAML with CACHESYNC_ environment
// overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/go-cachesync/cache"
	"github.com/agentuity/go-cachesync/transport"
	"github.com/agentuity/go-cachesync/view"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CACHESYNC_"

// Backend names for the durable tiers.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

var ErrInvalid = errors.New("config: invalid value")

// Duration accepts str2duration strings such as "1d", "2h30m" or "250ms".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return str2duration.String(time.Duration(d)) }

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(ErrInvalid, "duration %q: %s", s, err)
	}
	*d = Duration(v)
	return nil
}

type Durable struct {
	Backend     string `yaml:"backend"`
	LocalPath   string `yaml:"local_path"`
	SessionPath string `yaml:"session_path,omitempty"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix"`
}

type Memory struct {
	MaxEntries    int     `yaml:"max_entries,omitempty"`
	Ceiling       string  `yaml:"ceiling,omitempty"`
	SystemPercent float64 `yaml:"system_percent,omitempty"`

	CeilingBytes int64 `yaml:"-"`
}

type Sync struct {
	Enabled       bool     `yaml:"enabled"`
	Channel       string   `yaml:"channel"`
	FlushDelay    Duration `yaml:"flush_delay"`
	MaxBatch      int      `yaml:"max_batch"`
	ReconnectMin  Duration `yaml:"reconnect_min"`
	ReconnectMax  Duration `yaml:"reconnect_max"`
	ProbeInterval Duration `yaml:"probe_interval"`
}

type Views struct {
	CheckInterval  Duration `yaml:"check_interval"`
	ComputeTimeout Duration `yaml:"compute_timeout"`
}

// Config is the complete client configuration.
type Config struct {
	LogLevel             string   `yaml:"log_level,omitempty"`
	DefaultTTL           Duration `yaml:"default_ttl"`
	CompressionThreshold int      `yaml:"compression_threshold"`
	RefreshReference     Duration `yaml:"refresh_reference,omitempty"`
	RefreshTimeout       Duration `yaml:"refresh_timeout"`
	Durable              Durable  `yaml:"durable"`
	Redis                Redis    `yaml:"redis"`
	Memory               Memory   `yaml:"memory"`
	Sync                 Sync     `yaml:"sync"`
	Views                Views    `yaml:"views"`
}

// Default returns a configuration with every durable tier in memory and
// sync enabled with the transport defaults.
func Default() *Config {
	return &Config{
		DefaultTTL:           Duration(cache.DefaultTTL),
		CompressionThreshold: cache.DefaultCompressionThreshold,
		RefreshTimeout:       Duration(cache.DefaultRefreshTimeout),
		Durable:              Durable{Backend: BackendMemory},
		Redis:                Redis{Addr: "localhost:6379", Prefix: "cachesync"},
		Sync: Sync{
			Enabled:       true,
			Channel:       transport.DefaultChannel,
			FlushDelay:    Duration(transport.DefaultFlushDelay),
			MaxBatch:      transport.DefaultMaxBatch,
			ReconnectMin:  Duration(transport.DefaultReconnectMin),
			ReconnectMax:  Duration(transport.DefaultReconnectMax),
			ProbeInterval: Duration(5 * time.Second),
		},
		Views: Views{
			CheckInterval:  Duration(view.DefaultCheckInterval),
			ComputeTimeout: Duration(view.DefaultComputeTimeout),
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		of, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open config file: %s", path)
		}
		defer of.Close()
		if err := yaml.NewDecoder(of).Decode(cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to decode YAML config file: %s", path)
		}
	}
	if err := FromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(buf []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode YAML config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envVar struct {
	name  string
	apply func(cfg *Config, val string) error
}

func durationVar(name string, field func(*Config) *Duration) envVar {
	return envVar{name, func(cfg *Config, val string) error { return field(cfg).set(val) }}
}

func intVar(name string, field func(*Config) *int) envVar {
	return envVar{name, func(cfg *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "%s%s=%q", EnvPrefix, name, val)
		}
		*field(cfg) = n
		return nil
	}}
}

func stringVar(name string, field func(*Config) *string) envVar {
	return envVar{name, func(cfg *Config, val string) error {
		*field(cfg) = val
		return nil
	}}
}

var envVars = []envVar{
	stringVar("LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
	durationVar("DEFAULT_TTL", func(c *Config) *Duration { return &c.DefaultTTL }),
	intVar("COMPRESSION_THRESHOLD", func(c *Config) *int { return &c.CompressionThreshold }),
	durationVar("REFRESH_REFERENCE", func(c *Config) *Duration { return &c.RefreshReference }),
	durationVar("REFRESH_TIMEOUT", func(c *Config) *Duration { return &c.RefreshTimeout }),
	stringVar("DURABLE_BACKEND", func(c *Config) *string { return &c.Durable.Backend }),
	stringVar("DURABLE_LOCAL_PATH", func(c *Config) *string { return &c.Durable.LocalPath }),
	stringVar("DURABLE_SESSION_PATH", func(c *Config) *string { return &c.Durable.SessionPath }),
	stringVar("REDIS_ADDR", func(c *Config) *string { return &c.Redis.Addr }),
	stringVar("REDIS_PASSWORD", func(c *Config) *string { return &c.Redis.Password }),
	intVar("REDIS_DB", func(c *Config) *int { return &c.Redis.DB }),
	stringVar("REDIS_PREFIX", func(c *Config) *string { return &c.Redis.Prefix }),
	intVar("MEMORY_MAX_ENTRIES", func(c *Config) *int { return &c.Memory.MaxEntries }),
	stringVar("MEMORY_CEILING", func(c *Config) *string { return &c.Memory.Ceiling }),
	{"MEMORY_SYSTEM_PERCENT", func(cfg *Config, val string) error {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "%sMEMORY_SYSTEM_PERCENT=%q", EnvPrefix, val)
		}
		cfg.Memory.SystemPercent = f
		return nil
	}},
	{"SYNC_ENABLED", func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "%sSYNC_ENABLED=%q", EnvPrefix, val)
		}
		cfg.Sync.Enabled = b
		return nil
	}},
	stringVar("SYNC_CHANNEL", func(c *Config) *string { return &c.Sync.Channel }),
	durationVar("SYNC_FLUSH_DELAY", func(c *Config) *Duration { return &c.Sync.FlushDelay }),
	intVar("SYNC_MAX_BATCH", func(c *Config) *int { return &c.Sync.MaxBatch }),
	durationVar("SYNC_RECONNECT_MIN", func(c *Config) *Duration { return &c.Sync.ReconnectMin }),
	durationVar("SYNC_RECONNECT_MAX", func(c *Config) *Duration { return &c.Sync.ReconnectMax }),
	durationVar("SYNC_PROBE_INTERVAL", func(c *Config) *Duration { return &c.Sync.ProbeInterval }),
	durationVar("VIEWS_CHECK_INTERVAL", func(c *Config) *Duration { return &c.Views.CheckInterval }),
	durationVar("VIEWS_COMPUTE_TIMEOUT", func(c *Config) *Duration { return &c.Views.ComputeTimeout }),
}

// FromEnv overrides cfg with every CACHESYNC_ variable that is set.
func FromEnv(cfg *Config) error {
	for _, v := range envVars {
		val, ok := os.LookupEnv(EnvPrefix + v.name)
		if !ok {
			continue
		}
		if err := v.apply(cfg, val); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks ranges and resolves the memory ceiling quantity.
func (c *Config) Validate() error {
	switch c.Durable.Backend {
	case BackendSQLite:
		if c.Durable.LocalPath == "" {
			return errors.Wrap(ErrInvalid, "durable.local_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.Wrap(ErrInvalid, "redis.addr is required for the redis backend")
		}
	case BackendMemory:
	default:
		return errors.Wrapf(ErrInvalid, "durable.backend %q, expected sqlite, redis or memory", c.Durable.Backend)
	}
	if c.CompressionThreshold < 0 {
		return errors.Wrapf(ErrInvalid, "compression_threshold must be >= 0, got %d", c.CompressionThreshold)
	}
	if c.Sync.MaxBatch < 0 {
		return errors.Wrapf(ErrInvalid, "sync.max_batch must be >= 0, got %d", c.Sync.MaxBatch)
	}
	if c.Memory.SystemPercent < 0 || c.Memory.SystemPercent > 100 {
		return errors.Wrapf(ErrInvalid, "memory.system_percent must be within 0-100, got %v", c.Memory.SystemPercent)
	}
	if c.Sync.ReconnectMax > 0 && c.Sync.ReconnectMin > c.Sync.ReconnectMax {
		return errors.Wrapf(ErrInvalid, "sync.reconnect_min %s exceeds reconnect_max %s", c.Sync.ReconnectMin, c.Sync.ReconnectMax)
	}
	c.Memory.CeilingBytes = 0
	if c.Memory.Ceiling != "" {
		q, err := resource.ParseQuantity(c.Memory.Ceiling)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "memory.ceiling %q: %s", c.Memory.Ceiling, err)
		}
		if q.Sign() < 0 {
			return errors.Wrapf(ErrInvalid, "memory.ceiling must be >= 0, got %q", c.Memory.Ceiling)
		}
		c.Memory.CeilingBytes = q.Value()
	}
	return nil
}

// CacheOptions translates the cache settings into service options.
func (c *Config) CacheOptions() []cache.Option {
	opts := []cache.Option{
		cache.WithDefaultTTL(c.DefaultTTL.Std()),
		cache.WithCompressionThreshold(c.CompressionThreshold),
		cache.WithRefreshTimeout(c.RefreshTimeout.Std()),
	}
	if c.RefreshReference > 0 {
		opts = append(opts, cache.WithRefreshReference(c.RefreshReference.Std()))
	}
	if c.Memory.MaxEntries > 0 {
		opts = append(opts, cache.WithMaxEntries(c.Memory.MaxEntries))
	}
	if c.Memory.CeilingBytes > 0 {
		opts = append(opts, cache.WithMemoryCeiling(c.Memory.CeilingBytes))
	}
	if c.Memory.SystemPercent > 0 {
		opts = append(opts, cache.WithSystemMemoryPercent(c.Memory.SystemPercent))
	}
	return opts
}

// TransportOptions translates the sync settings into transport options.
func (c *Config) TransportOptions() []transport.Option {
	opts := []transport.Option{}
	if c.Sync.Channel != "" {
		opts = append(opts, transport.WithChannel(c.Sync.Channel))
	}
	if c.Sync.FlushDelay > 0 {
		opts = append(opts, transport.WithFlushDelay(c.Sync.FlushDelay.Std()))
	}
	if c.Sync.MaxBatch > 0 {
		opts = append(opts, transport.WithMaxBatch(c.Sync.MaxBatch))
	}
	if c.Sync.ReconnectMin > 0 && c.Sync.ReconnectMax > 0 {
		opts = append(opts, transport.WithReconnectBackoff(c.Sync.ReconnectMin.Std(), c.Sync.ReconnectMax.Std()))
	}
	return opts
}

// ViewOptions translates the view settings into manager options.
func (c *Config) ViewOptions() []view.Option {
	opts := []view.Option{}
	if c.Views.CheckInterval > 0 {
		opts = append(opts, view.WithCheckInterval(c.Views.CheckInterval.Std()))
	}
	if c.Views.ComputeTimeout > 0 {
		opts = append(opts, view.WithComputeTimeout(c.Views.ComputeTimeout.Std()))
	}
	return opts
}
