// Package config holds the Transfer Engine's tunables (section 6.4) as a
// typed struct with functional-option construction, persisted through the
// Ledger's key-value app_settings table exactly as the teacher's
// ConfigManager persists settings — generalized from the teacher's ad hoc
// AI-bridge settings (enable_ai_interface, ai_token, ai_port, ...) to the
// core engine's own tunables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"tachyon-core/internal/ledger"
)

// Keys under which settings are persisted in app_settings.
const (
	KeyMaxConcurrent    = "max_concurrent"
	KeyChunkSize        = "chunk_size"
	KeyRetryAttempts    = "retry_attempts"
	KeyRetryBaseDelay   = "retry_base_delay_ms"
	KeyChunkTimeout     = "chunk_timeout_ms"
	KeyAttemptTimeout   = "attempt_timeout_ms"
	KeyDiskSafetyMargin = "disk_safety_margin_bytes"
	KeyPurgeAfterDays   = "purge_after_days"
	KeyControlAPIToken  = "control_api_token"
	KeyUserAgent        = "user_agent"
)

// Defaults per section 6.4.
const (
	DefaultMaxConcurrent    = 3
	DefaultChunkSize        = 64 * 1024
	DefaultRetryAttempts    = 3
	DefaultRetryBaseDelay   = 2 * time.Second
	DefaultChunkTimeout     = 30 * time.Second
	DefaultAttemptTimeout   = 300 * time.Second
	DefaultDiskSafetyMargin = 100 * 1024 * 1024
)

const (
	minMaxConcurrent = 1
	maxMaxConcurrent = 10
)

// Config is the Transfer Engine's tunable configuration. Zero value is not
// meaningful; construct with New.
type Config struct {
	MaxConcurrent    int
	ChunkSize        int
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	ChunkTimeout     time.Duration
	AttemptTimeout   time.Duration
	DiskSafetyMargin int64
	PurgeAfterDays   int // 0 means disabled (opt-in per section 6.4)
	UserAgent        string
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithMaxConcurrent sets the semaphore capacity, clamped to [1,10] exactly
// as the teacher clamps its AI-bridge concurrency setting.
func WithMaxConcurrent(n int) Option {
	return func(c *Config) { c.MaxConcurrent = clamp(n, minMaxConcurrent, maxMaxConcurrent) }
}

// WithChunkSize overrides the max bytes read per stream iteration.
func WithChunkSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ChunkSize = n
		}
	}
}

// WithRetryAttempts overrides the retry ceiling.
func WithRetryAttempts(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.RetryAttempts = n
		}
	}
}

// WithRetryBaseDelay overrides the initial backoff delay.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.RetryBaseDelay = d
		}
	}
}

// WithChunkTimeout overrides the per-read timeout.
func WithChunkTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ChunkTimeout = d
		}
	}
}

// WithAttemptTimeout overrides the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.AttemptTimeout = d
		}
	}
}

// WithDiskSafetyMargin overrides the free-space margin added to required
// bytes in check_disk_space.
func WithDiskSafetyMargin(bytes int64) Option {
	return func(c *Config) {
		if bytes >= 0 {
			c.DiskSafetyMargin = bytes
		}
	}
}

// WithPurgeAfterDays opts into automatic retention pruning of terminal
// ledger records; tachyon-cli prunes once at startup. 0 (the default)
// disables purging.
func WithPurgeAfterDays(days int) Option {
	return func(c *Config) {
		if days >= 0 {
			c.PurgeAfterDays = days
		}
	}
}

// WithUserAgent overrides the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *Config) {
		if ua != "" {
			c.UserAgent = ua
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// New builds a Config from the section 6.4 defaults, applying opts in order.
func New(opts ...Option) Config {
	c := Config{
		MaxConcurrent:    DefaultMaxConcurrent,
		ChunkSize:        DefaultChunkSize,
		RetryAttempts:    DefaultRetryAttempts,
		RetryBaseDelay:   DefaultRetryBaseDelay,
		ChunkTimeout:     DefaultChunkTimeout,
		AttemptTimeout:   DefaultAttemptTimeout,
		DiskSafetyMargin: DefaultDiskSafetyMargin,
		UserAgent:        "tachyon-core/1.0",
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Store persists and restores a Config's overridable fields through the
// Ledger's app_settings table, so control-plane changes survive restarts.
type Store struct {
	ledger *ledger.Store
}

// NewStore wraps a ledger.Store for settings persistence.
func NewStore(l *ledger.Store) *Store {
	return &Store{ledger: l}
}

// Load reads persisted overrides on top of the section 6.4 defaults.
func (s *Store) Load() Config {
	c := New()
	if v, ok := s.ledger.GetSetting(KeyMaxConcurrent); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrent = clamp(n, minMaxConcurrent, maxMaxConcurrent)
		}
	}
	if v, ok := s.ledger.GetSetting(KeyChunkSize); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ChunkSize = n
		}
	}
	if v, ok := s.ledger.GetSetting(KeyRetryAttempts); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.RetryAttempts = n
		}
	}
	if v, ok := s.ledger.GetSetting(KeyRetryBaseDelay); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RetryBaseDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := s.ledger.GetSetting(KeyChunkTimeout); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ChunkTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := s.ledger.GetSetting(KeyAttemptTimeout); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.AttemptTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := s.ledger.GetSetting(KeyDiskSafetyMargin); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			c.DiskSafetyMargin = n
		}
	}
	if v, ok := s.ledger.GetSetting(KeyPurgeAfterDays); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.PurgeAfterDays = n
		}
	}
	if v, ok := s.ledger.GetSetting(KeyUserAgent); ok && v != "" {
		c.UserAgent = v
	}
	return c
}

// SetMaxConcurrent persists a clamped max_concurrent override.
func (s *Store) SetMaxConcurrent(n int) error {
	return s.ledger.SetSetting(KeyMaxConcurrent, strconv.Itoa(clamp(n, minMaxConcurrent, maxMaxConcurrent)))
}

// ControlAPIToken returns the persisted control-plane bearer token,
// generating and persisting a new random one on first use.
func (s *Store) ControlAPIToken() (string, error) {
	if v, ok := s.ledger.GetSetting(KeyControlAPIToken); ok && v != "" {
		return v, nil
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := s.ledger.SetSetting(KeyControlAPIToken, token); err != nil {
		return "", err
	}
	return token, nil
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
