package lexcase

import (
	"os"
	"strconv"
	"time"
)

// Defaults for the configuration surface. Each option is a flat scalar with an
// environment override; there are no nested config objects.
const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultRetryAttempts     = 3
	DefaultInactivityTimeout = 30 * time.Minute
	DefaultRefreshThreshold  = 5 * time.Minute
	DefaultStorageKey        = "lexcase_session"
)

// Config holds connection and behavior configuration for the SDK.
type Config struct {
	// BaseURL is the root of the remote REST API. Required.
	BaseURL string

	// RequestTimeout is the hard wall-clock timeout applied to every
	// transport attempt. Default: 30s.
	RequestTimeout time.Duration

	// RetryAttempts is the default retry budget of the request pipeline,
	// consumed by network-error retries and the single post-refresh retry.
	// Default: 3.
	RetryAttempts int

	// InactivityTimeout is how long the session survives without a tracked
	// user interaction. Default: 30 minutes.
	InactivityTimeout time.Duration

	// RefreshThreshold is how close to expiry the access token may get
	// before a proactive background refresh is dispatched. Default: 5 minutes.
	RefreshThreshold time.Duration

	// StorageKey names the persisted session snapshot. Default: "lexcase_session".
	StorageKey string
}

// FromEnv loads configuration from the environment, falling back to defaults
// for anything unset.
//
//	LEXCASE_API_URL
//	LEXCASE_REQUEST_TIMEOUT_MS        (default 30000)
//	LEXCASE_RETRY_ATTEMPTS            (default 3)
//	LEXCASE_INACTIVITY_TIMEOUT_MIN    (default 30)
//	LEXCASE_REFRESH_THRESHOLD_MIN     (default 5)
//	LEXCASE_STORAGE_KEY               (default "lexcase_session")
func FromEnv() Config {
	return Config{
		BaseURL:           os.Getenv("LEXCASE_API_URL"),
		RequestTimeout:    time.Duration(readInt("LEXCASE_REQUEST_TIMEOUT_MS", 30000)) * time.Millisecond,
		RetryAttempts:     readInt("LEXCASE_RETRY_ATTEMPTS", DefaultRetryAttempts),
		InactivityTimeout: time.Duration(readInt("LEXCASE_INACTIVITY_TIMEOUT_MIN", 30)) * time.Minute,
		RefreshThreshold:  time.Duration(readInt("LEXCASE_REFRESH_THRESHOLD_MIN", 5)) * time.Minute,
		StorageKey:        readString("LEXCASE_STORAGE_KEY", DefaultStorageKey),
	}
}

// WithDefaults returns a copy of the config with zero values replaced by
// defaults. BaseURL is left alone; constructors validate it.
func (c Config) WithDefaults() Config {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.RefreshThreshold == 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.StorageKey == "" {
		c.StorageKey = DefaultStorageKey
	}
	return c
}

func readString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
