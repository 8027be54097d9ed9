// Package config holds the settings consumed by the cache and session
// packages. Values are read from a YAML file, then overridden by KVSTORE_*
// environment variables, then by command line flags.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from strings such as "300s",
// "1d12h" or a bare number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return str2duration.String(time.Duration(d)) }

// ParseDuration parses the Duration syntax.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(n) * time.Second), nil
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "config: invalid duration %q", s)
	}
	return Duration(v), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config is the root configuration document.
type Config struct {
	Cache   Cache   `yaml:"cache"`
	Session Session `yaml:"session"`
	Log     Log     `yaml:"log"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Cache selects and configures the cache backend.
type Cache struct {
	Handler            string   `yaml:"handler"`
	BackupHandler      string   `yaml:"backup_handler"`
	Prefix             string   `yaml:"prefix"`
	TTL                Duration `yaml:"ttl"`
	ReservedCharacters *string  `yaml:"reserved_characters"`
	QueryTimeout       Duration `yaml:"query_timeout"`
	ExpiryCheck        Duration `yaml:"expiry_check"`
	File               File     `yaml:"file"`
	Redis              Redis    `yaml:"redis"`
	SQLite             SQLite   `yaml:"sqlite"`
	Badger             Badger   `yaml:"badger"`
	BigCache           BigCache `yaml:"bigcache"`
}

// Reserved returns the reserved character set, defaulting when unset.
func (c Cache) Reserved(def string) string {
	if c.ReservedCharacters == nil {
		return def
	}
	return *c.ReservedCharacters
}

type File struct {
	Path string `yaml:"path"`
	Mode string `yaml:"mode"` // octal, applied to entries after write
}

// FileMode parses Mode, falling back to 0640.
func (f File) FileMode() os.FileMode {
	if f.Mode == "" {
		return 0o640
	}
	n, err := strconv.ParseUint(f.Mode, 8, 32)
	if err != nil {
		return 0o640
	}
	return os.FileMode(n)
}

type Redis struct {
	Addr     string   `yaml:"addr"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Timeout  Duration `yaml:"timeout"`
	Breaker  Breaker  `yaml:"breaker"`
}

// Breaker configures the circuit breaker in front of a remote backend. A
// MaxFailures of 0 disables it.
type Breaker struct {
	MaxFailures int      `yaml:"max_failures"`
	Cooldown    Duration `yaml:"cooldown"`
}

type SQLite struct {
	Path string `yaml:"path"`
}

type Badger struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

type BigCache struct {
	Shards       int      `yaml:"shards"`
	LifeWindow   Duration `yaml:"life_window"`
	MaxEntrySize int      `yaml:"max_entry_size"`
	HardMaxMB    int      `yaml:"hard_max_mb"`
}

// Bounds for Session.IDLength.
const (
	MinSessionIDLength = 22
	MaxSessionIDLength = 256
)

// Session configures the session handler.
type Session struct {
	Driver       string   `yaml:"driver"` // cache, redis, file, database
	CookieName   string   `yaml:"cookie_name"`
	Expiration   Duration `yaml:"expiration"`
	SavePath     string   `yaml:"save_path"`
	LockAttempts int      `yaml:"lock_attempts"`
	LockInterval Duration `yaml:"lock_interval"`
	LockTTL      Duration `yaml:"lock_ttl"`
	IDLength     int      `yaml:"id_length"` // 0 selects the default
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Cache: Cache{
			Handler:       "file",
			BackupHandler: "dummy",
			TTL:           Duration(60 * time.Second),
			QueryTimeout:  Duration(5 * time.Second),
			ExpiryCheck:   Duration(time.Minute),
			File:          File{Path: "writable/cache", Mode: "640"},
			Redis: Redis{
				Addr:    "127.0.0.1:6379",
				Timeout: Duration(5 * time.Second),
				Breaker: Breaker{MaxFailures: 5, Cooldown: Duration(30 * time.Second)},
			},
			SQLite:   SQLite{Path: "writable/cache.db"},
			Badger:   Badger{Path: "writable/badger"},
			BigCache: BigCache{Shards: 1024, LifeWindow: Duration(24 * time.Hour), MaxEntrySize: 500},
		},
		Session: Session{
			Driver:       "file",
			CookieName:   "kv_session",
			Expiration:   Duration(2 * time.Hour),
			SavePath:     "writable/session",
			LockAttempts: 30,
			LockInterval: Duration(time.Second),
			LockTTL:      Duration(300 * time.Second),
			IDLength:     32,
		},
		Log: Log{Level: "info", Format: "console"},
	}
}

// Parse decodes a YAML document on top of the defaults.
func Parse(buf []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: parse yaml")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that would make the packages built from them
// misbehave rather than fail.
func (c Config) Validate() error {
	if n := c.Session.IDLength; n != 0 && (n < MinSessionIDLength || n > MaxSessionIDLength) {
		return errors.Newf("config: session.id_length %d outside [%d, %d]", n, MinSessionIDLength, MaxSessionIDLength)
	}
	return nil
}

// Load reads filename (if non-empty) and applies environment overrides.
func Load(filename string) (Config, error) {
	cfg := Default()
	if filename != "" {
		buf, err := os.ReadFile(filename)
		if err != nil {
			return Config{}, errors.Wrapf(err, "config: read %s", filename)
		}
		if cfg, err = Parse(buf); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from KVSTORE_* variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *Duration) error {
		if v, ok := lookup(name); ok {
			d, err := ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "config: %s", name)
			}
			*dst = d
		}
		return nil
	}
	num := func(name string, dst *int) error {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "config: %s", name)
			}
			*dst = n
		}
		return nil
	}

	str("KVSTORE_CACHE_HANDLER", &c.Cache.Handler)
	str("KVSTORE_CACHE_BACKUP_HANDLER", &c.Cache.BackupHandler)
	str("KVSTORE_CACHE_PREFIX", &c.Cache.Prefix)
	if v, ok := lookup("KVSTORE_CACHE_RESERVED_CHARACTERS"); ok {
		c.Cache.ReservedCharacters = &v
	}
	str("KVSTORE_CACHE_FILE_PATH", &c.Cache.File.Path)
	str("KVSTORE_REDIS_ADDR", &c.Cache.Redis.Addr)
	str("KVSTORE_REDIS_USERNAME", &c.Cache.Redis.Username)
	str("KVSTORE_REDIS_PASSWORD", &c.Cache.Redis.Password)
	str("KVSTORE_SQLITE_PATH", &c.Cache.SQLite.Path)
	str("KVSTORE_BADGER_PATH", &c.Cache.Badger.Path)
	str("KVSTORE_SESSION_DRIVER", &c.Session.Driver)
	str("KVSTORE_SESSION_SAVE_PATH", &c.Session.SavePath)
	str("KVSTORE_LOG_LEVEL", &c.Log.Level)
	str("KVSTORE_LOG_FORMAT", &c.Log.Format)

	for _, f := range []func() error{
		func() error { return dur("KVSTORE_CACHE_TTL", &c.Cache.TTL) },
		func() error { return dur("KVSTORE_REDIS_TIMEOUT", &c.Cache.Redis.Timeout) },
		func() error { return dur("KVSTORE_SESSION_EXPIRATION", &c.Session.Expiration) },
		func() error { return dur("KVSTORE_SESSION_LOCK_INTERVAL", &c.Session.LockInterval) },
		func() error { return dur("KVSTORE_SESSION_LOCK_TTL", &c.Session.LockTTL) },
		func() error { return num("KVSTORE_REDIS_DB", &c.Cache.Redis.DB) },
		func() error { return num("KVSTORE_SESSION_LOCK_ATTEMPTS", &c.Session.LockAttempts) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}
