// Package config defines the application configuration: a YAML file bound
// through viper/mapstructure. The database-backed key/value store in
// internal/database's config_kv table is separate and is not merged in here.
package config

import (
	"fmt"
	"time"

	"github.com/jinzhu/copier"

	"github.com/nzbcore/nzbcore/internal/pathutil"
)

// DefaultCategoryName is the category assumed when an ingest request
// omits one.
const DefaultCategoryName = "Default"

// Config is the complete application configuration.
type Config struct {
	Database  DatabaseConfig   `yaml:"database" mapstructure:"database" json:"database"`
	Metadata  MetadataConfig   `yaml:"metadata" mapstructure:"metadata" json:"metadata"`
	Streaming StreamingConfig  `yaml:"streaming" mapstructure:"streaming" json:"streaming"`
	Log       LogConfig        `yaml:"log" mapstructure:"log" json:"log,omitempty"`
	WebDAV    WebDAVConfig     `yaml:"webdav" mapstructure:"webdav" json:"webdav"`
	Ingest    IngestConfig     `yaml:"ingest" mapstructure:"ingest" json:"ingest"`
	Providers []ProviderConfig `yaml:"providers" mapstructure:"providers" json:"providers"`
	Categories []CategoryConfig `yaml:"categories" mapstructure:"categories" json:"categories"`
}

// DatabaseConfig points at the SQLite file backing internal/database.
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path" json:"path"`
}

// MetadataConfig holds the archive retention setting. The history sweep in
// internal/database does not read it; it uses database.ArchiveRetention.
type MetadataConfig struct {
	ArchiveRetentionHours int `yaml:"archive_retention_hours" mapstructure:"archive_retention_hours" json:"archive_retention_hours"`
}

// RetentionDuration returns the configured archive retention, falling back
// to a 24h default when unset.
func (m MetadataConfig) RetentionDuration() time.Duration {
	if m.ArchiveRetentionHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(m.ArchiveRetentionHours) * time.Hour
}

// StreamingConfig bounds the on-demand read path's concurrency and timeouts.
type StreamingConfig struct {
	MaxPrefetch           int `yaml:"max_prefetch" mapstructure:"max_prefetch" json:"max_prefetch"`
	ArticleTimeoutSeconds int `yaml:"article_timeout_seconds" mapstructure:"article_timeout_seconds" json:"article_timeout_seconds"`
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds" mapstructure:"acquire_timeout_seconds" json:"acquire_timeout_seconds"`
	ArticleCacheEntries   int `yaml:"article_cache_entries" mapstructure:"article_cache_entries" json:"article_cache_entries"`
}

// ArticleCache returns the configured decoded-article LRU cache size,
// falling back to a default sized for a handful of concurrent seeks.
func (s StreamingConfig) ArticleCache() int {
	if s.ArticleCacheEntries <= 0 {
		return 512
	}
	return s.ArticleCacheEntries
}

func (s StreamingConfig) ArticleTimeout() time.Duration {
	if s.ArticleTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.ArticleTimeoutSeconds) * time.Second
}

func (s StreamingConfig) AcquireTimeout() time.Duration {
	if s.AcquireTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(s.AcquireTimeoutSeconds) * time.Second
}

func (s StreamingConfig) Prefetch() int {
	if s.MaxPrefetch <= 0 {
		return 4
	}
	return s.MaxPrefetch
}

// LogConfig mirrors the rotation knobs slogutil.SetupLogRotation expects.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file" json:"file,omitempty"`
	Level      string `yaml:"level" mapstructure:"level" json:"level,omitempty"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size" json:"max_size,omitempty"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age" json:"max_age,omitempty"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups" json:"max_backups,omitempty"`
	Compress   bool   `yaml:"compress" mapstructure:"compress" json:"compress,omitempty"`
}

// WebDAVConfig carries only the credential material the core config table
// is responsible for; the WebDAV protocol adapter itself is out of scope
// and consumes this through the Go config struct only. PasswordHash is a
// bcrypt hash (see internal/webdavauth) and needs no separate salt field.
type WebDAVConfig struct {
	User         string `yaml:"user" mapstructure:"user" json:"user"`
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash" json:"-"`
}

// IngestConfig carries the SABnzbd-compatible ingest API key.
type IngestConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"-"`
}

// ProviderRole distinguishes primary providers (tried first, in priority
// order) from backups (tried only once every primary has failed over).
type ProviderRole string

const (
	RolePrimary ProviderRole = "Primary"
	RoleBackup  ProviderRole = "Backup"
)

// ProviderConfig is one upstream NNTP provider.
type ProviderConfig struct {
	ID                      string       `yaml:"id" mapstructure:"id" json:"id"`
	Host                    string       `yaml:"host" mapstructure:"host" json:"host"`
	Port                    int          `yaml:"port" mapstructure:"port" json:"port"`
	TLS                     bool         `yaml:"tls" mapstructure:"tls" json:"tls"`
	InsecureTLS             bool         `yaml:"insecure_tls" mapstructure:"insecure_tls" json:"insecure_tls"`
	Username                string       `yaml:"username" mapstructure:"username" json:"username"`
	Password                string       `yaml:"password" mapstructure:"password" json:"-"`
	MaxConnections          int          `yaml:"max_connections" mapstructure:"max_connections" json:"max_connections"`
	Priority                int          `yaml:"priority" mapstructure:"priority" json:"priority"`
	Role                    ProviderRole `yaml:"role" mapstructure:"role" json:"role"`
	ProxyURL                string       `yaml:"proxy_url" mapstructure:"proxy_url" json:"proxy_url,omitempty"`
	ConnectRetries          int          `yaml:"connect_retries" mapstructure:"connect_retries" json:"connect_retries"`
	IdleTimeoutSeconds      int          `yaml:"idle_timeout_seconds" mapstructure:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	MaxBytesPerConnection   int64        `yaml:"max_bytes_per_connection" mapstructure:"max_bytes_per_connection" json:"max_bytes_per_connection"`
	UnhealthyCooldownSeconds int         `yaml:"unhealthy_cooldown_seconds" mapstructure:"unhealthy_cooldown_seconds" json:"unhealthy_cooldown_seconds"`
	StreamingReserveFraction float64     `yaml:"streaming_reserve_fraction" mapstructure:"streaming_reserve_fraction" json:"streaming_reserve_fraction"`
}

func (p ProviderConfig) IdleTimeout() time.Duration {
	if p.IdleTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.IdleTimeoutSeconds) * time.Second
}

func (p ProviderConfig) UnhealthyCooldown() time.Duration {
	if p.UnhealthyCooldownSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(p.UnhealthyCooldownSeconds) * time.Second
}

func (p ProviderConfig) ReserveFraction() float64 {
	if p.StreamingReserveFraction <= 0 {
		return 0.2
	}
	return p.StreamingReserveFraction
}

// CategoryConfig names an ingest category with a display order and a
// priority. The queue pipeline builds `/downloads/<category>/<job_name>/...`
// from the QueueItem's own category string and does not read this list.
type CategoryConfig struct {
	Name     string `yaml:"name" mapstructure:"name" json:"name"`
	Order    int    `yaml:"order" mapstructure:"order" json:"order"`
	Priority string `yaml:"priority" mapstructure:"priority" json:"priority"`
}

// DefaultConfig returns a Config with the same fallbacks the zero-value
// accessor methods above apply, plus one default category.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "nzbcore.db"},
		Log:      LogConfig{Level: "info"},
		Categories: []CategoryConfig{
			{Name: DefaultCategoryName, Order: 0, Priority: "Normal"},
		},
	}
}

// Validate checks invariants that can't be expressed as zero-value
// fallbacks: every provider needs a host and at least one connection, and
// provider ids must be unique.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Host == "" {
			return fmt.Errorf("provider %q: host is required", p.ID)
		}
		if p.MaxConnections <= 0 {
			return fmt.Errorf("provider %q: max_connections must be positive", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := pathutil.CheckFileDirectoryWritable(c.Database.Path, "database"); err != nil {
		return err
	}
	if err := pathutil.CheckFileDirectoryWritable(c.Log.File, "log"); err != nil {
		return err
	}
	return nil
}

// DeepCopy returns an independent copy of c, used by Manager.UpdateConfig
// to hand callbacks an immutable snapshot of the prior configuration.
func (c *Config) DeepCopy() *Config {
	var clone Config
	if err := copier.Copy(&clone, c); err != nil {
		// copier only fails on unsupported field kinds, which would be a
		// programming error in this struct, not a runtime condition.
		panic(fmt.Sprintf("config: deep copy failed: %v", err))
	}
	return &clone
}
