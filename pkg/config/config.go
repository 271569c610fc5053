// Package config holds the engine's three configuration layers and the pure
// resolver that merges them into one effective configuration per request.
//
// Precedence, highest to lowest: per-request URI overrides > session-level
// Settings > built-in defaults. Resolution is field-by-field and performs no
// I/O; directory creation and credential use belong to the cache store and
// the remote client respectively.
package config

import (
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
)

// Cache backend identifiers accepted by the `backend` setting.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// DefaultCacheFilename is the durable store's file name when none is configured.
const DefaultCacheFilename = "gristmill_cache.sqlite"

// Settings is the session-level configuration layer, supplied by the
// embedding process at session start. It is loaded from a YAML file with
// environment variable overrides; the API key is env-only. Optional fields
// are pointers so that "absent" stays distinguishable from a zero value when
// the layers are merged.
type Settings struct {
	Server string `yaml:"server" env:"GRIST_SERVER"`
	OrgID  string `yaml:"org_id" env:"GRIST_ORG_ID"`
	APIKey string `yaml:"-" env:"GRIST_API_KEY"` // Secret - not in YAML

	Cache CacheSettings `yaml:"cache"`
}

// CacheSettings is the session-level cache configuration.
type CacheSettings struct {
	Enabled     *bool  `yaml:"enabled" env:"GRIST_CACHE_ENABLED"`
	MetadataTTL *int   `yaml:"metadata_ttl" env:"GRIST_CACHE_METADATA_TTL"`
	RecordsTTL  *int   `yaml:"records_ttl" env:"GRIST_CACHE_RECORDS_TTL"`
	MaxEntries  *int   `yaml:"maxsize" env:"GRIST_CACHE_MAXSIZE"`
	Backend     string `yaml:"backend" env:"GRIST_CACHE_BACKEND"`
	Dir         string `yaml:"cachepath" env:"GRIST_CACHE_PATH"`
	Filename    string `yaml:"filename" env:"GRIST_CACHE_FILENAME"`
	RedisAddr   string `yaml:"redis_addr" env:"GRIST_CACHE_REDIS_ADDR"`
}

// Load reads session settings from the given YAML file with environment
// variable overrides. A missing file is not an error: settings then come from
// the environment alone (and from URI overrides at query time).
func Load(path string) (*Settings, error) {
	s := &Settings{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, s); err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	if err := cleanenv.ReadEnv(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Effective is the fully resolved configuration of one request. Every field
// has a value after resolution; the value is immutable once built.
type Effective struct {
	Server string
	OrgID  string
	APIKey string
	Cache  CacheConfig
}

// CacheConfig is the resolved cache section.
type CacheConfig struct {
	Enabled     bool
	MetadataTTL int // seconds
	RecordsTTL  int // seconds
	MaxEntries  int
	Backend     string
	Dir         string // directory for the durable backend; empty means "user cache dir"
	Filename    string
	RedisAddr   string
}

// Path returns the durable backend's file location for the given base
// directory. Pure: the caller decides what "empty Dir" resolves to.
func (c CacheConfig) Path(fallbackDir string) string {
	dir := c.Dir
	if dir == "" {
		dir = fallbackDir
	}
	return filepath.Join(dir, c.Filename)
}

// Defaults returns the built-in configuration layer. Credentials have no
// default and must come from the session or the URI.
func Defaults() Effective {
	return Effective{
		Cache: CacheConfig{
			Enabled:     true,
			MetadataTTL: 300,
			RecordsTTL:  0,
			MaxEntries:  1024,
			Backend:     BackendMemory,
			Filename:    DefaultCacheFilename,
		},
	}
}
