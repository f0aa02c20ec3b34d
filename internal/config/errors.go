package config

import "errors"

// Validation errors
var (
	// ErrInvalidDriver indicates an unknown database driver
	ErrInvalidDriver = errors.New("database driver must be sqlite or postgres")

	// ErrMissingDSN indicates no database location was given
	ErrMissingDSN = errors.New("database dsn is required")

	// ErrMissingRedisURL indicates no Redis URL was given
	ErrMissingRedisURL = errors.New("redis url is required")

	ErrInvalidConcurrency = errors.New("worker concurrency must be at least 1")
	ErrInvalidMaxAttempts = errors.New("worker max_attempts must be at least 1")

	// ErrInvalidJitter indicates the poll jitter is negative or not smaller
	// than the poll interval
	ErrInvalidJitter = errors.New("worker poll_jitter must be in [0, poll_interval)")

	ErrNonPositiveDuration = errors.New("duration must be positive")
	ErrNegativeSeconds     = errors.New("talktime amounts must not be negative")
	ErrInvalidRateLimit    = errors.New("rate limit needs a positive rate and burst")
)
