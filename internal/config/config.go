// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package config

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tzervas/context-mcp/internal/secrets"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g.
// CONTEXT_MCP_STORAGE_CAPACITY.
const EnvPrefix = "CONTEXT_MCP"

// Config is the top-level configuration.
type Config struct {
	Storage       StorageConfig       `mapstructure:"storage"`
	Persistence   PersistenceConfig   `mapstructure:"persistence"`
	Vector        VectorConfig        `mapstructure:"vector"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Query         QueryConfig         `mapstructure:"query"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
	Screening     ScreeningConfig     `mapstructure:"screening"`
	Networking    NetworkingConfig    `mapstructure:"networking"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// StorageConfig sizes the in-memory store.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
	// Capacity is an entry count or a byte budget depending on CapacityMode.
	Capacity            int64         `mapstructure:"capacity"`
	CapacityMode        string        `mapstructure:"capacity_mode"`
	MaxContentBytes     int           `mapstructure:"max_content_bytes"`
	HalfLife            time.Duration `mapstructure:"half_life"`
	AccessFlushSize     int           `mapstructure:"access_flush_size"`
	AccessFlushInterval time.Duration `mapstructure:"access_flush_interval"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
}

// PersistenceConfig controls the journal.
type PersistenceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	// Path defaults to journal.db under the data directory.
	Path string `mapstructure:"path"`
}

// VectorConfig selects the vector index.
type VectorConfig struct {
	Backend string `mapstructure:"backend"`
	// Path is used by file-backed indexes; defaults to vectors.db under the
	// data directory.
	Path string `mapstructure:"path"`
}

// EmbeddingConfig selects the embedding backend.
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

// RetrievalConfig tunes similarity retrieval.
type RetrievalConfig struct {
	SimilarityFloor float64 `mapstructure:"similarity_floor"`
	MaxResults      int     `mapstructure:"max_results"`
	// DefaultK is the result count for requests that give none.
	DefaultK int `mapstructure:"default_k"`
}

// QueryConfig tunes structured queries.
type QueryConfig struct {
	ScanThreshold int `mapstructure:"scan_threshold"`
}

// ConsolidationConfig controls the background consolidation pass.
type ConsolidationConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// RulesFile overrides the built-in per-tier rules.
	RulesFile           string          `mapstructure:"rules_file"`
	SimilarityThreshold float64         `mapstructure:"similarity_threshold"`
	BatchSize           int             `mapstructure:"batch_size"`
	Summarizer          string          `mapstructure:"summarizer"`
	MaxSummaryBytes     int             `mapstructure:"max_summary_bytes"`
	Anthropic           AnthropicConfig `mapstructure:"anthropic"`
}

// AnthropicConfig configures the LLM summarizer.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
}

// ScreeningConfig controls asynchronous content screening.
type ScreeningConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	RulesFile        string        `mapstructure:"rules_file"`
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxContentLength int           `mapstructure:"max_content_length"`
}

// NetworkingConfig controls the HTTP API.
type NetworkingConfig struct {
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// AuthToken, when set, must be presented as a bearer token on /api routes.
	AuthToken string `mapstructure:"auth_token"`
	// TrustedProxies are CIDR ranges whose X-Forwarded-For header is believed.
	TrustedProxies  []string        `mapstructure:"trusted_proxies"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
}

// RateLimitConfig limits requests per client IP. A zero rate disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// LoggingConfig configures the default slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var (
	capacityModes   = []string{"count", "bytes"}
	journalBackends = []string{"sqlite"}
	vectorBackends  = []string{"chromem", "sqlite-vec"}
	embedProviders  = []string{"none", "hash", "openai", "gemini"}
	summarizers     = []string{"concat", "anthropic"}
	logLevels       = []string{"debug", "info", "warn", "error"}
	logFormats      = []string{"text", "json"}
)

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage.data_dir", DefaultDataDir())
	v.SetDefault("storage.capacity", 10000)
	v.SetDefault("storage.capacity_mode", "count")
	v.SetDefault("storage.max_content_bytes", 1<<20)
	v.SetDefault("storage.half_life", "168h")
	v.SetDefault("storage.access_flush_size", 256)
	v.SetDefault("storage.access_flush_interval", "30s")
	v.SetDefault("storage.cleanup_interval", "10m")

	v.SetDefault("persistence.enabled", true)
	v.SetDefault("persistence.backend", "sqlite")

	v.SetDefault("vector.backend", "chromem")

	v.SetDefault("embedding.provider", "hash")
	v.SetDefault("embedding.dimensions", 256)
	v.SetDefault("embedding.timeout", "5s")
	v.SetDefault("embedding.cooldown", "30s")

	v.SetDefault("retrieval.similarity_floor", 0.3)
	v.SetDefault("retrieval.max_results", 50)
	v.SetDefault("retrieval.default_k", 5)

	v.SetDefault("query.scan_threshold", 512)

	v.SetDefault("consolidation.enabled", true)
	v.SetDefault("consolidation.interval", "15m")
	v.SetDefault("consolidation.timeout", "5m")
	v.SetDefault("consolidation.similarity_threshold", 0.5)
	v.SetDefault("consolidation.batch_size", 256)
	v.SetDefault("consolidation.summarizer", "concat")
	v.SetDefault("consolidation.max_summary_bytes", 16<<10)
	v.SetDefault("consolidation.anthropic.model", "claude-haiku-4-5")
	v.SetDefault("consolidation.anthropic.max_tokens", 1024)

	v.SetDefault("screening.enabled", true)
	v.SetDefault("screening.workers", 2)
	v.SetDefault("screening.queue_size", 256)
	v.SetDefault("screening.timeout", "10s")
	v.SetDefault("screening.max_content_length", 1<<20)

	v.SetDefault("networking.listen", "127.0.0.1:8765")
	v.SetDefault("networking.rate_limit.requests_per_second", 50)
	v.SetDefault("networking.rate_limit.burst", 100)
	v.SetDefault("networking.read_timeout", "30s")
	v.SetDefault("networking.write_timeout", "60s")
	v.SetDefault("networking.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration from path (optional) with CONTEXT_MCP_ environment
// overrides. keyring:// values are resolved through store when it is non-nil.
func Load(path string, store secrets.Store) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, cmerr.Errorf(cmerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	if store != nil {
		if err := secrets.ResolveViper(v, store); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, cmerr.Errorf(cmerr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, cmerr.Errorf(cmerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}
	return &cfg, nil
}

// DefaultDataDir is ~/.local/share/context-mcp, or a relative directory when
// the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "context-mcp-data"
	}
	return filepath.Join(home, ".local", "share", "context-mcp")
}

// JournalPath is where the journal lives.
func (c *Config) JournalPath() string {
	if c.Persistence.Path != "" {
		return c.Persistence.Path
	}
	return filepath.Join(c.Storage.DataDir, "journal.db")
}

// VectorPath is where a file-backed vector index lives.
func (c *Config) VectorPath() string {
	if c.Vector.Path != "" {
		return c.Vector.Path
	}
	return filepath.Join(c.Storage.DataDir, "vectors.db")
}

// Validate checks the configuration for logical errors, collecting every
// problem rather than stopping at the first.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateEmbedding()...)
	errs = append(errs, c.validateRetrieval()...)
	errs = append(errs, c.validateConsolidation()...)
	errs = append(errs, c.validateScreening()...)
	errs = append(errs, c.validateNetworking()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func invalid(format string, args ...any) error {
	return cmerr.Errorf(cmerr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func oneOf(field, got string, allowed []string) error {
	if slices.Contains(allowed, got) {
		return nil
	}
	return invalid("%s must be one of [%s], got %q", field, strings.Join(allowed, ", "), got)
}

func positiveDuration(field string, d time.Duration) error {
	if d > 0 {
		return nil
	}
	return invalid("%s must be positive, got %s", field, d)
}

func collect(errs ...error) []error {
	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

func (c *Config) validateStorage() []error {
	s := c.Storage
	errs := collect(
		oneOf("storage.capacity_mode", s.CapacityMode, capacityModes),
		positiveDuration("storage.half_life", s.HalfLife),
		positiveDuration("storage.access_flush_interval", s.AccessFlushInterval),
		positiveDuration("storage.cleanup_interval", s.CleanupInterval),
	)
	if s.Capacity <= 0 {
		errs = append(errs, invalid("storage.capacity must be greater than 0, got %d", s.Capacity))
	}
	if s.MaxContentBytes < 0 {
		errs = append(errs, invalid("storage.max_content_bytes must not be negative, got %d", s.MaxContentBytes))
	}
	if s.AccessFlushSize <= 0 {
		errs = append(errs, invalid("storage.access_flush_size must be greater than 0, got %d", s.AccessFlushSize))
	}
	if s.DataDir == "" && (c.Persistence.Enabled && c.Persistence.Path == "" || c.Vector.Backend == "sqlite-vec" && c.Vector.Path == "") {
		errs = append(errs, invalid("storage.data_dir must be set when persistent files use default paths"))
	}
	if c.Persistence.Enabled {
		errs = append(errs, collect(oneOf("persistence.backend", c.Persistence.Backend, journalBackends))...)
	}
	errs = append(errs, collect(oneOf("vector.backend", c.Vector.Backend, vectorBackends))...)
	return errs
}

func (c *Config) validateEmbedding() []error {
	e := c.Embedding
	errs := collect(oneOf("embedding.provider", e.Provider, embedProviders))
	if e.Provider == "none" {
		return errs
	}
	errs = append(errs, collect(
		positiveDuration("embedding.timeout", e.Timeout),
		positiveDuration("embedding.cooldown", e.Cooldown),
	)...)
	if e.Dimensions <= 0 {
		errs = append(errs, invalid("embedding.dimensions must be greater than 0, got %d", e.Dimensions))
	}
	if (e.Provider == "openai" || e.Provider == "gemini") && e.APIKey == "" {
		errs = append(errs, invalid("embedding.api_key is required for provider %q", e.Provider))
	}
	if secrets.IsURI(e.APIKey) {
		errs = append(errs, invalid("embedding.api_key is an unresolved keyring reference"))
	}
	return errs
}

func (c *Config) validateRetrieval() []error {
	var errs []error
	if f := c.Retrieval.SimilarityFloor; f < -1 || f > 1 {
		errs = append(errs, invalid("retrieval.similarity_floor must be within [-1, 1], got %g", f))
	}
	if c.Retrieval.MaxResults <= 0 {
		errs = append(errs, invalid("retrieval.max_results must be greater than 0, got %d", c.Retrieval.MaxResults))
	}
	if k := c.Retrieval.DefaultK; k <= 0 || k > c.Retrieval.MaxResults {
		errs = append(errs, invalid("retrieval.default_k must be within [1, max_results], got %d", k))
	}
	if c.Query.ScanThreshold <= 0 {
		errs = append(errs, invalid("query.scan_threshold must be greater than 0, got %d", c.Query.ScanThreshold))
	}
	return errs
}

func (c *Config) validateConsolidation() []error {
	k := c.Consolidation
	errs := collect(oneOf("consolidation.summarizer", k.Summarizer, summarizers))
	if k.Enabled {
		errs = append(errs, collect(
			positiveDuration("consolidation.interval", k.Interval),
			positiveDuration("consolidation.timeout", k.Timeout),
		)...)
	}
	if t := k.SimilarityThreshold; t < 0 || t > 1 {
		errs = append(errs, invalid("consolidation.similarity_threshold must be within [0, 1], got %g", t))
	}
	if k.BatchSize <= 0 {
		errs = append(errs, invalid("consolidation.batch_size must be greater than 0, got %d", k.BatchSize))
	}
	if k.Summarizer == "anthropic" {
		if k.Anthropic.APIKey == "" || secrets.IsURI(k.Anthropic.APIKey) {
			errs = append(errs, invalid("consolidation.anthropic.api_key is required for the anthropic summarizer"))
		}
		if k.Anthropic.MaxTokens <= 0 {
			errs = append(errs, invalid("consolidation.anthropic.max_tokens must be greater than 0, got %d", k.Anthropic.MaxTokens))
		}
	}
	return errs
}

func (c *Config) validateScreening() []error {
	s := c.Screening
	if !s.Enabled {
		return nil
	}
	errs := collect(positiveDuration("screening.timeout", s.Timeout))
	if s.Workers <= 0 {
		errs = append(errs, invalid("screening.workers must be greater than 0, got %d", s.Workers))
	}
	if s.QueueSize <= 0 {
		errs = append(errs, invalid("screening.queue_size must be greater than 0, got %d", s.QueueSize))
	}
	if s.MaxContentLength <= 0 {
		errs = append(errs, invalid("screening.max_content_length must be greater than 0, got %d", s.MaxContentLength))
	}
	return errs
}

func (c *Config) validateNetworking() []error {
	n := c.Networking
	errs := collect(
		positiveDuration("networking.read_timeout", n.ReadTimeout),
		positiveDuration("networking.write_timeout", n.WriteTimeout),
		positiveDuration("networking.shutdown_timeout", n.ShutdownTimeout),
	)
	if r := n.RateLimit; r.RequestsPerSecond < 0 || r.RequestsPerSecond > 0 && r.Burst <= 0 {
		errs = append(errs, invalid("networking.rate_limit needs a non-negative rate and a positive burst, got rate=%g burst=%d",
			r.RequestsPerSecond, r.Burst))
	}
	for _, cidr := range n.TrustedProxies {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err != nil {
			errs = append(errs, invalid("networking.trusted_proxies entry %q is not a CIDR range", cidr))
		}
	}
	if secrets.IsURI(n.AuthToken) {
		errs = append(errs, invalid("networking.auth_token is an unresolved keyring reference"))
	}
	if n.Listen == "" {
		return append(errs, invalid("networking.listen must not be empty"))
	}
	_, portStr, err := net.SplitHostPort(n.Listen)
	if err != nil {
		return append(errs, invalid("networking.listen must be a valid host:port address, got %q: %w", n.Listen, err))
	}
	// An empty host (":8080") listens on every interface.
	port, err := strconv.Atoi(portStr)
	switch {
	case err != nil:
		errs = append(errs, invalid("networking.listen port must be a number, got %q", portStr))
	case port < 1 || port > 65535:
		errs = append(errs, invalid("networking.listen port must be between 1 and 65535, got %d", port))
	}
	return errs
}

func (c *Config) validateLogging() []error {
	return collect(
		oneOf("logging.level", c.Logging.Level, logLevels),
		oneOf("logging.format", c.Logging.Format, logFormats),
	)
}
