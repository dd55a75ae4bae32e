// Package config provides configuration management for hlsplayer using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultFragmentCacheSlots       = 4
	defaultInitialCacheSeconds      = 10.0
	defaultMaxCacheSeconds          = 30.0
	defaultLowBufferSeconds         = 10.0
	defaultHighBufferSeconds        = 15.0
	defaultABRConsistencyCount      = 2
	defaultABRSteadyStreak          = 5
	defaultRampDownLimit            = -1 // unlimited
	defaultFragmentRetryCount       = 2
	defaultFragmentFailThreshold    = 10
	defaultFragmentTimeout          = 10 * time.Second
	defaultFragmentRelaxedTimeout   = 30 * time.Second
	defaultPlaylistTimeout          = 10 * time.Second
	defaultRefreshIntervalCeiling   = 6 * time.Second
	defaultRefreshIntervalFloor     = 500 * time.Millisecond
	defaultDiscontinuityTolerance   = 30 * time.Second
	defaultDiscontinuityWaitsDVR    = 5
	defaultDiscontinuityWaitsLive   = 1
	defaultPTSStallWindow           = 8 * time.Second
	defaultPTSErrorThreshold        = 4
	defaultStallDetectionTimeout    = 10 * time.Second
	defaultSubtitleLeadSeconds      = 5.0
	defaultTrickplayFPS             = 4.0
	defaultDRMSessionSlots          = 2
	defaultLicenseRequestTimeout    = 12 * time.Second
	defaultLicenseRetryAttempts     = 2
	defaultLicenseRetryDelay        = 2 * time.Second
	defaultLicenseRequestsPerSecond = 1.0
	defaultAuthTokenAttempts        = 2
	defaultKeyDeferWindow           = 30 * time.Second
	defaultPlaylistCacheBytes       = 8 * 1024 * 1024
	defaultDiagnosticsPort          = 8270
	defaultDiagnosticsTimeout       = 15 * time.Second
)

// Config holds all configuration for the player engine.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Download    DownloadConfig    `mapstructure:"download"`
	Buffer      BufferConfig      `mapstructure:"buffer"`
	ABR         ABRConfig         `mapstructure:"abr"`
	Playlist    PlaylistConfig    `mapstructure:"playlist"`
	Sync        SyncConfig        `mapstructure:"sync"`
	DRM         DRMConfig         `mapstructure:"drm"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// DownloadConfig holds fragment and playlist download configuration.
type DownloadConfig struct {
	// FragmentTimeout is the per-fragment download timeout when the
	// buffer is shrinking.
	FragmentTimeout time.Duration `mapstructure:"fragment_timeout"`
	// FragmentRelaxedTimeout is the per-fragment timeout when the buffer
	// is comfortable.
	FragmentRelaxedTimeout time.Duration `mapstructure:"fragment_relaxed_timeout"`
	// PlaylistTimeout is the manifest/playlist download timeout.
	PlaylistTimeout time.Duration `mapstructure:"playlist_timeout"`
	// RetryCount is how many times a timed-out fragment download is
	// retried at the same profile before a rampdown is attempted.
	RetryCount int `mapstructure:"retry_count"`
	// FailureThreshold is the number of consecutive fragment failures
	// before the track escalates to a fatal download error.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// UserAgent overrides the default User-Agent header.
	UserAgent string `mapstructure:"user_agent"`
	// Proxy is an optional HTTP(S) proxy URL for all downloads.
	Proxy string `mapstructure:"proxy"`
}

// BufferConfig holds fragment cache and buffering configuration.
type BufferConfig struct {
	// CacheSlots is the number of fragment slots per track cache.
	CacheSlots int `mapstructure:"cache_slots"`
	// InitialCacheSeconds of video cached before the initial-caching
	// completed notification fires.
	InitialCacheSeconds float64 `mapstructure:"initial_cache_seconds"`
	// MaxCacheSeconds bounds how far ahead of playback the fetcher runs.
	MaxCacheSeconds float64 `mapstructure:"max_cache_seconds"`
	// SubtitleLeadSeconds is the fixed allowance subtitle injection may
	// run ahead of audio beyond one fragment.
	SubtitleLeadSeconds float64 `mapstructure:"subtitle_lead_seconds"`
}

// ABRConfig holds adaptive bitrate selection configuration.
type ABRConfig struct {
	// LowBufferSeconds below which rampups are suppressed and forced
	// rampdowns become eligible.
	LowBufferSeconds float64 `mapstructure:"low_buffer_seconds"`
	// HighBufferSeconds above which buffer-based rampups become eligible.
	HighBufferSeconds float64 `mapstructure:"high_buffer_seconds"`
	// ConsistencyCount is the number of bitrate-increase signals ignored
	// after tune before a rampup is honored.
	ConsistencyCount int `mapstructure:"consistency_count"`
	// SteadyStreak is the number of consecutive measurement windows above
	// (or below) the thresholds before a buffer-based profile change.
	SteadyStreak int `mapstructure:"steady_streak"`
	// RampDownLimit caps consecutive rampdowns; -1 means unlimited.
	RampDownLimit int `mapstructure:"rampdown_limit"`
	// TrickplayFPS is the frame rate used to step the iframe track
	// during trick-play.
	TrickplayFPS float64 `mapstructure:"trickplay_fps"`
}

// PlaylistConfig holds playlist refresh and cache configuration.
type PlaylistConfig struct {
	// RefreshIntervalCeiling caps the live playlist refresh interval.
	RefreshIntervalCeiling time.Duration `mapstructure:"refresh_interval_ceiling"`
	// RefreshIntervalFloor is the minimum refresh interval when the
	// buffer is critically low.
	RefreshIntervalFloor time.Duration `mapstructure:"refresh_interval_floor"`
	// CacheBytes is the playlist LRU cache capacity in bytes.
	CacheBytes int64 `mapstructure:"cache_bytes"`
}

// SyncConfig holds cross-track synchronization configuration.
type SyncConfig struct {
	// DiscontinuityTolerance is the program-date-time window within which
	// discontinuities on different tracks are considered paired.
	DiscontinuityTolerance time.Duration `mapstructure:"discontinuity_tolerance"`
	// DiscontinuityWaitsDVR bounds how many playlist refresh cycles a
	// track waits for its peer's discontinuity on DVR content.
	DiscontinuityWaitsDVR int `mapstructure:"discontinuity_waits_dvr"`
	// DiscontinuityWaitsLive bounds the same wait for pure live content.
	DiscontinuityWaitsLive int `mapstructure:"discontinuity_waits_live"`
	// PTSStallWindow is how long PTS may remain unchanged before a track
	// waiting on a discontinuity pair is force-released.
	PTSStallWindow time.Duration `mapstructure:"pts_stall_window"`
	// DropUnpairedDiscontinuity silently drops an unpaired discontinuity
	// on force-release instead of scheduling a retune.
	DropUnpairedDiscontinuity bool `mapstructure:"drop_unpaired_discontinuity"`
	// PTSErrorThreshold is the number of consecutive sink fragment
	// rejections before injection is abandoned as a PTS error.
	PTSErrorThreshold int `mapstructure:"pts_error_threshold"`
	// StallDetectionTimeout is how long fragment/PTS progress may be
	// absent while caches are empty before a stall is reported.
	StallDetectionTimeout time.Duration `mapstructure:"stall_detection_timeout"`
}

// DRMConfig holds DRM session manager configuration.
type DRMConfig struct {
	// SessionSlots is the size of the decrypt session pool.
	SessionSlots int `mapstructure:"session_slots"`
	// LicenseServer maps DRM system names to license server URLs.
	LicenseServer map[string]string `mapstructure:"license_server"`
	// LicenseHeaders are custom headers sent with license requests.
	LicenseHeaders map[string]string `mapstructure:"license_headers"`
	// LicenseProxy is an optional HTTP(S) proxy for license requests.
	LicenseProxy string `mapstructure:"license_proxy"`
	// LicenseRequestTimeout bounds a decrypt wait on a pending session.
	LicenseRequestTimeout time.Duration `mapstructure:"license_request_timeout"`
	// LicenseRetryAttempts on 5xx / timeout / connection failure.
	LicenseRetryAttempts int `mapstructure:"license_retry_attempts"`
	// LicenseRetryDelay is the inter-attempt sleep.
	LicenseRetryDelay time.Duration `mapstructure:"license_retry_delay"`
	// LicenseRequestsPerSecond throttles license request bursts.
	LicenseRequestsPerSecond float64 `mapstructure:"license_requests_per_second"`
	// AuthTokenURL is the local session-token service endpoint.
	AuthTokenURL string `mapstructure:"auth_token_url"`
	// AuthTokenAttempts is the session-token retry budget.
	AuthTokenAttempts int `mapstructure:"auth_token_attempts"`
	// KeyDeferWindow bounds the randomized deferred key-request window
	// when the playlist carries no explicit max-interval directive.
	KeyDeferWindow time.Duration `mapstructure:"key_defer_window"`
}

// DiagnosticsConfig holds the diagnostics HTTP endpoint configuration.
type DiagnosticsConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with HLSPLAYER_ and use underscores
// for nesting. Example: HLSPLAYER_ABR_RAMPDOWN_LIMIT=3.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hlsplayer")
		v.AddConfigPath("$HOME/.hlsplayer")
	}

	v.SetEnvPrefix("HLSPLAYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("download.fragment_timeout", defaultFragmentTimeout)
	v.SetDefault("download.fragment_relaxed_timeout", defaultFragmentRelaxedTimeout)
	v.SetDefault("download.playlist_timeout", defaultPlaylistTimeout)
	v.SetDefault("download.retry_count", defaultFragmentRetryCount)
	v.SetDefault("download.failure_threshold", defaultFragmentFailThreshold)

	v.SetDefault("buffer.cache_slots", defaultFragmentCacheSlots)
	v.SetDefault("buffer.initial_cache_seconds", defaultInitialCacheSeconds)
	v.SetDefault("buffer.max_cache_seconds", defaultMaxCacheSeconds)
	v.SetDefault("buffer.subtitle_lead_seconds", defaultSubtitleLeadSeconds)

	v.SetDefault("abr.low_buffer_seconds", defaultLowBufferSeconds)
	v.SetDefault("abr.high_buffer_seconds", defaultHighBufferSeconds)
	v.SetDefault("abr.consistency_count", defaultABRConsistencyCount)
	v.SetDefault("abr.steady_streak", defaultABRSteadyStreak)
	v.SetDefault("abr.rampdown_limit", defaultRampDownLimit)
	v.SetDefault("abr.trickplay_fps", defaultTrickplayFPS)

	v.SetDefault("playlist.refresh_interval_ceiling", defaultRefreshIntervalCeiling)
	v.SetDefault("playlist.refresh_interval_floor", defaultRefreshIntervalFloor)
	v.SetDefault("playlist.cache_bytes", defaultPlaylistCacheBytes)

	v.SetDefault("sync.discontinuity_tolerance", defaultDiscontinuityTolerance)
	v.SetDefault("sync.discontinuity_waits_dvr", defaultDiscontinuityWaitsDVR)
	v.SetDefault("sync.discontinuity_waits_live", defaultDiscontinuityWaitsLive)
	v.SetDefault("sync.pts_stall_window", defaultPTSStallWindow)
	v.SetDefault("sync.drop_unpaired_discontinuity", false)
	v.SetDefault("sync.pts_error_threshold", defaultPTSErrorThreshold)
	v.SetDefault("sync.stall_detection_timeout", defaultStallDetectionTimeout)

	v.SetDefault("drm.session_slots", defaultDRMSessionSlots)
	v.SetDefault("drm.license_request_timeout", defaultLicenseRequestTimeout)
	v.SetDefault("drm.license_retry_attempts", defaultLicenseRetryAttempts)
	v.SetDefault("drm.license_retry_delay", defaultLicenseRetryDelay)
	v.SetDefault("drm.license_requests_per_second", defaultLicenseRequestsPerSecond)
	v.SetDefault("drm.auth_token_attempts", defaultAuthTokenAttempts)
	v.SetDefault("drm.key_defer_window", defaultKeyDeferWindow)

	v.SetDefault("diagnostics.enabled", false)
	v.SetDefault("diagnostics.host", "127.0.0.1")
	v.SetDefault("diagnostics.port", defaultDiagnosticsPort)
	v.SetDefault("diagnostics.timeout", defaultDiagnosticsTimeout)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Buffer.CacheSlots < 1 {
		return fmt.Errorf("buffer.cache_slots must be at least 1, got %d", c.Buffer.CacheSlots)
	}
	if c.Buffer.InitialCacheSeconds < 0 {
		return fmt.Errorf("buffer.initial_cache_seconds must not be negative, got %f", c.Buffer.InitialCacheSeconds)
	}
	if c.ABR.LowBufferSeconds > c.ABR.HighBufferSeconds {
		return fmt.Errorf("abr.low_buffer_seconds (%f) must not exceed abr.high_buffer_seconds (%f)",
			c.ABR.LowBufferSeconds, c.ABR.HighBufferSeconds)
	}
	if c.ABR.TrickplayFPS <= 0 {
		return fmt.Errorf("abr.trickplay_fps must be positive, got %f", c.ABR.TrickplayFPS)
	}
	if c.DRM.SessionSlots < 1 {
		return fmt.Errorf("drm.session_slots must be at least 1, got %d", c.DRM.SessionSlots)
	}
	if c.Playlist.RefreshIntervalFloor > c.Playlist.RefreshIntervalCeiling {
		return fmt.Errorf("playlist.refresh_interval_floor (%s) must not exceed ceiling (%s)",
			c.Playlist.RefreshIntervalFloor, c.Playlist.RefreshIntervalCeiling)
	}
	if c.Download.FailureThreshold < 1 {
		return fmt.Errorf("download.failure_threshold must be at least 1, got %d", c.Download.FailureThreshold)
	}
	if c.Diagnostics.Enabled && (c.Diagnostics.Port < 1 || c.Diagnostics.Port > 65535) {
		return fmt.Errorf("diagnostics.port must be 1-65535, got %d", c.Diagnostics.Port)
	}
	return nil
}

// Default returns a configuration populated with all defaults.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults are statically valid, unmarshal cannot fail here.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
